// Package cluster implements the advisory-locked, atomically-written blob
// store that every other component uses to persist host interface
// configuration, SDN domain config and IPAM state across cluster nodes.
package cluster

import (
	"context"
	"encoding/json"
	"os"
	"path"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"github.com/pvenet/pve-network-go/netd/errs"
	"github.com/pvenet/pve-network-go/netd/locking"
	"github.com/pvenet/pve-network-go/shared/logger"
)

const locksDir = ".locks"

// lockInfo is the JSON contents of a lock file under .locks/<name>.lock.
type lockInfo struct {
	Node      string `json:"node"`
	Pid       int    `json:"pid"`
	Timestamp int64  `json:"timestamp"`
	Operation string `json:"operation"`
}

// Store is a key-addressed blob store backed by a filesystem, guarded by
// advisory locks that are both in-process (so that goroutines in this
// daemon never race each other) and file-based (so that other nodes and
// other processes on this node can observe who holds what).
type Store struct {
	fs             afero.Fs
	root           string
	node           string
	lockStaleAfter time.Duration
}

// NewStore returns a Store rooted at root on fs, identifying itself as
// node in any lock files it writes. lockStaleAfter is the age past which
// a lock file is considered abandoned even if its holder process still
// happens to be alive under a reused PID.
func NewStore(fs afero.Fs, root string, node string, lockStaleAfter time.Duration) *Store {
	return &Store{fs: fs, root: root, node: node, lockStaleAfter: lockStaleAfter}
}

// NodeNetworkKey is the key under which a node's host interfaces blob is
// stored.
func NodeNetworkKey(node string) string {
	return path.Join("nodes", node, "network")
}

// SdnKey is the key under which one SDN domain's blob (zones, vnets,
// subnets, controllers or ipams) is stored.
func SdnKey(domain string) string {
	return path.Join("sdn", domain)
}

// IpamKey is the key under which an IPAM plugin's allocation state is
// stored.
func IpamKey(name string) string {
	return path.Join("ipam", name+".json")
}

// IpamSubnetsKey is the key under which an IPAM plugin's known subnets
// are stored.
func IpamSubnetsKey(name string) string {
	return path.Join("ipam", name+"_subnets.json")
}

// Read returns the blob stored under key, or a KindNotFound error if no
// blob has ever been written there.
func (s *Store) Read(key string) ([]byte, error) {
	p := path.Join(s.root, key)

	blob, err := afero.ReadFile(s.fs, p)
	if err != nil {
		if isNotExist(err) {
			return nil, errs.New(errs.KindNotFound, "no blob at key %q", key)
		}

		return nil, errs.Wrap(errs.KindParse, err, "reading key %q", key)
	}

	return blob, nil
}

// Write atomically replaces the blob stored under key: it writes to a
// temp file in the same directory and renames it into place, so readers
// never observe a partial write and a failed write leaves the previous
// content intact.
func (s *Store) Write(key string, blob []byte) error {
	p := path.Join(s.root, key)
	dir := path.Dir(p)

	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(errs.KindParse, err, "creating directory %q", dir)
	}

	tmp, err := afero.TempFile(s.fs, dir, ".tmp-*")
	if err != nil {
		return errs.Wrap(errs.KindParse, err, "creating temp file in %q", dir)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		s.fs.Remove(tmpName)
		return errs.Wrap(errs.KindParse, err, "writing temp file %q", tmpName)
	}

	if err := tmp.Close(); err != nil {
		s.fs.Remove(tmpName)
		return errs.Wrap(errs.KindParse, err, "closing temp file %q", tmpName)
	}

	if err := s.fs.Rename(tmpName, p); err != nil {
		s.fs.Remove(tmpName)
		return errs.Wrap(errs.KindParse, err, "renaming %q to %q", tmpName, p)
	}

	return nil
}

// WithLock acquires the named advisory lock, runs f, and releases the
// lock on every exit path including a panic in f. operationTag is
// recorded in the lock file purely for diagnostics (so an operator
// inspecting a stuck lock knows what it was for).
//
// Locking happens in two layers: first an in-process lock serializes
// goroutines within this daemon, then a lock file under .locks/ records
// who holds it for the benefit of other processes and other nodes
// sharing the same store. A lock file is treated as stale, and reclaimed
// after logging a warning, when its pid is no longer running or its
// timestamp is older than lockStaleAfter.
func (s *Store) WithLock(lockName string, operationTag string, f func() error) error {
	unlock, err := locking.Lock(context.Background(), lockName)
	if err != nil {
		return errs.Wrap(errs.KindLockConflict, err, "acquiring in-process lock %q", lockName)
	}
	defer unlock()

	if err := s.acquireLockFile(lockName, operationTag); err != nil {
		return err
	}
	defer s.releaseLockFile(lockName)

	return f()
}

func (s *Store) lockFilePath(name string) string {
	return path.Join(s.root, locksDir, name+".lock")
}

func (s *Store) acquireLockFile(name string, operation string) error {
	p := s.lockFilePath(name)

	existing, err := afero.ReadFile(s.fs, p)
	if err == nil {
		var info lockInfo
		if jsonErr := json.Unmarshal(existing, &info); jsonErr == nil {
			if s.lockIsLive(info) {
				return errs.New(errs.KindLockConflict, "lock %q held by node %q pid %d for %q", name, info.Node, info.Pid, info.Operation)
			}

			logger.Warn("reclaiming stale lock", logger.Ctx{
				"lock": name, "held_by_node": info.Node, "held_by_pid": info.Pid, "operation": info.Operation,
			})
		}
	} else if !isNotExist(err) {
		return errs.Wrap(errs.KindParse, err, "reading lock file %q", p)
	}

	if err := s.fs.MkdirAll(path.Dir(p), 0o755); err != nil {
		return errs.Wrap(errs.KindParse, err, "creating lock directory for %q", name)
	}

	info := lockInfo{
		Node:      s.node,
		Pid:       currentPid(),
		Timestamp: nowUnix(),
		Operation: operation,
	}

	blob, err := json.Marshal(info)
	if err != nil {
		return errs.Wrap(errs.KindParse, err, "encoding lock file for %q", name)
	}

	if err := afero.WriteFile(s.fs, p, blob, 0o644); err != nil {
		return errs.Wrap(errs.KindParse, err, "writing lock file %q", p)
	}

	return nil
}

func (s *Store) releaseLockFile(name string) {
	if err := s.fs.Remove(s.lockFilePath(name)); err != nil && !isNotExist(err) {
		logger.Warn("failed to remove lock file", logger.Ctx{"lock": name, "error": err.Error()})
	}
}

// lockIsLive reports whether a lock file describes a holder that is
// still alive and recent enough to honor.
func (s *Store) lockIsLive(info lockInfo) bool {
	if info.Pid != 0 && !pidAlive(info.Pid) {
		return false
	}

	if s.lockStaleAfter > 0 {
		age := time.Duration(nowUnix()-info.Timestamp) * time.Second
		if age > s.lockStaleAfter {
			return false
		}
	}

	return true
}

// ListNodes returns the names of every node with a configuration
// directory under nodes/, sorted lexically.
func (s *Store) ListNodes() ([]string, error) {
	dir := path.Join(s.root, "nodes")

	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}

		return nil, errs.Wrap(errs.KindParse, err, "listing %q", dir)
	}

	var nodes []string
	for _, e := range entries {
		if e.IsDir() {
			nodes = append(nodes, e.Name())
		}
	}

	sort.Strings(nodes)

	return nodes, nil
}

// VerifySync reports whether every node's blob at scope is byte-identical.
// A cluster of zero or one nodes is trivially in sync.
func (s *Store) VerifySync(scope string) (bool, error) {
	nodes, err := s.ListNodes()
	if err != nil {
		return false, err
	}

	if len(nodes) <= 1 {
		return true, nil
	}

	var reference []byte
	haveReference := false

	for _, node := range nodes {
		key := path.Join("nodes", node, scope)

		blob, err := s.Read(key)
		if err != nil {
			if errs.Is(err, errs.KindNotFound) {
				continue
			}

			return false, err
		}

		if !haveReference {
			reference = blob
			haveReference = true
			continue
		}

		if string(blob) != string(reference) {
			return false, nil
		}
	}

	return true, nil
}

func isNotExist(err error) bool {
	return afero.IsNotExist(err)
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	err := syscall.Kill(pid, 0)

	return err == nil
}

func currentPid() int {
	return os.Getpid()
}

func nowUnix() int64 {
	return time.Now().Unix()
}
