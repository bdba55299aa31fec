// Package rollback implements the durable rollback points the Transactional
// Apply Engine creates before mutating host state and restores from when a
// transaction fails partway through. A rollback point pairs a JSON snapshot
// of the target configuration with checksummed backups of the critical
// files an apply touches, so a restore can be verified for integrity
// before anything is written back.
package rollback

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/afero"

	"github.com/pvenet/pve-network-go/netd/errs"
	"github.com/pvenet/pve-network-go/shared/logger"
)

// BackupFile records one file copied aside when a Point was created.
type BackupFile struct {
	OriginalKey string `json:"original_path"`
	BackupPath  string `json:"backup_path"`
	Checksum    string `json:"checksum"`
	Size        int64  `json:"size"`
}

// Point is a durable rollback point: a configuration snapshot plus the set
// of critical files backed up alongside it. Timestamp is Unix
// milliseconds, a finer resolution than the source's Unix seconds, chosen
// so that points created in rapid succession still sort deterministically
// newest-first.
type Point struct {
	ID                    string            `json:"id"`
	TransactionID         string            `json:"transaction_id"`
	Timestamp             int64             `json:"timestamp"`
	ConfigurationSnapshot json.RawMessage   `json:"configuration_snapshot"`
	BackedUpFiles         []BackupFile      `json:"backed_up_files"`
	Metadata              map[string]string `json:"metadata,omitempty"`
}

// Stats summarizes the rollback points currently on disk.
type Stats struct {
	TotalCount      int
	TotalBytes      int64
	OldestTimestamp *int64
	NewestTimestamp *int64
}

// Manager persists rollback points under a subdirectory of the same
// afero.Fs the Cluster Config Store uses, since the critical files it
// backs up (the host network blob, the SDN domain files) live on that same
// store.
type Manager struct {
	fs           afero.Fs
	storeRoot    string
	dir          string
	maxCount     int
	maxAge       time.Duration
	criticalKeys []string
}

// DefaultCriticalKeys are the store keys backed up on every rollback point,
// matching the host interfaces blob and the three SDN domain files an
// apply can touch.
func DefaultCriticalKeys(node string) []string {
	return []string{
		path.Join("nodes", node, "network"),
		path.Join("sdn", "zones"),
		path.Join("sdn", "vnets"),
		path.Join("sdn", "subnets"),
	}
}

// NewManager returns a Manager rooted at storeRoot/dir on fs, retaining at
// most maxCount points no older than maxAge. On construction it prunes any
// points already beyond those bounds, matching the source's
// cleanup-on-startup behavior.
func NewManager(fs afero.Fs, storeRoot string, dir string, maxCount int, maxAge time.Duration, criticalKeys []string) (*Manager, error) {
	m := &Manager{
		fs:           fs,
		storeRoot:    storeRoot,
		dir:          dir,
		maxCount:     maxCount,
		maxAge:       maxAge,
		criticalKeys: criticalKeys,
	}

	if err := fs.MkdirAll(m.absDir(), 0o755); err != nil {
		return nil, errs.Wrap(errs.KindParse, err, "creating rollback directory")
	}

	if err := m.PruneOld(); err != nil {
		logger.Warn("failed to prune rollback points on startup", logger.Ctx{"error": err.Error()})
	}

	return m, nil
}

func (m *Manager) absDir() string {
	return path.Join(m.storeRoot, m.dir)
}

func (m *Manager) metadataPath(id string) string {
	return path.Join(m.absDir(), id+".json")
}

// CreatePoint snapshots configuration (already JSON-marshaled by the
// caller) and copies every critical key's current content into a
// timestamped backup, computing a sha256 checksum per file. Keys that
// don't yet exist (a brand new cluster) are skipped, matching the
// source's "if file exists" guard. The new point's timestamp is kept above
// every existing point's, so points created within one millisecond still
// order newest-first.
func (m *Manager) CreatePoint(transactionID string, configuration json.RawMessage) (*Point, error) {
	id := m.generateID(transactionID)

	backedUp, err := m.backupCriticalFiles(id)
	if err != nil {
		return nil, err
	}

	timestamp := nowMillis()
	if existing, err := m.List(); err == nil && len(existing) > 0 && existing[0].Timestamp >= timestamp {
		timestamp = existing[0].Timestamp + 1
	}

	point := &Point{
		ID:                    id,
		TransactionID:         transactionID,
		Timestamp:             timestamp,
		ConfigurationSnapshot: configuration,
		BackedUpFiles:         backedUp,
	}

	if err := m.writeMetadata(point); err != nil {
		return nil, err
	}

	logger.Info("created rollback point", logger.Ctx{"id": id, "transaction_id": transactionID})

	if err := m.PruneOld(); err != nil {
		logger.Warn("failed to prune rollback points after create", logger.Ctx{"error": err.Error()})
	}

	return point, nil
}

func (m *Manager) backupCriticalFiles(id string) ([]BackupFile, error) {
	var files []BackupFile

	for _, key := range m.criticalKeys {
		src := path.Join(m.storeRoot, key)

		exists, err := afero.Exists(m.fs, src)
		if err != nil {
			return nil, errs.Wrap(errs.KindParse, err, "checking critical file %q", key)
		}

		if !exists {
			continue
		}

		content, err := afero.ReadFile(m.fs, src)
		if err != nil {
			logger.Warn("failed to back up critical file", logger.Ctx{"key": key, "error": err.Error()})
			continue
		}

		backupPath := path.Join(m.absDir(), fmt.Sprintf("%s_%s", id, sanitizeKey(key)))
		if err := afero.WriteFile(m.fs, backupPath, content, 0o644); err != nil {
			return nil, errs.Wrap(errs.KindParse, err, "writing backup of %q", key)
		}

		files = append(files, BackupFile{
			OriginalKey: key,
			BackupPath:  backupPath,
			Checksum:    checksum(content),
			Size:        int64(len(content)),
		})
	}

	return files, nil
}

func sanitizeKey(key string) string {
	out := make([]byte, len(key))
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			out[i] = '_'
		} else {
			out[i] = key[i]
		}
	}

	return string(out)
}

func checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Restore looks up the latest rollback point for transactionID, verifies
// every backed-up file's checksum, and only once every file passes copies
// them all back into place; a checksum mismatch on any one file aborts
// before anything is written, so a restore is all-or-nothing. writeConfig
// is called last with the point's configuration snapshot, the caller's
// hook into the Cluster Store's atomic write.
func (m *Manager) Restore(transactionID string, writeConfig func(json.RawMessage) error) error {
	point, err := m.findByTransaction(transactionID)
	if err != nil {
		return err
	}

	contents := make(map[string][]byte, len(point.BackedUpFiles))

	for _, bf := range point.BackedUpFiles {
		content, err := afero.ReadFile(m.fs, bf.BackupPath)
		if err != nil {
			return errs.Wrap(errs.KindRollbackFailed, err, "reading backup file %q", bf.BackupPath)
		}

		if checksum(content) != bf.Checksum {
			return errs.New(errs.KindRollbackFailed, "backup file %q failed checksum verification", bf.BackupPath)
		}

		contents[bf.OriginalKey] = content
	}

	for _, bf := range point.BackedUpFiles {
		dst := path.Join(m.storeRoot, bf.OriginalKey)

		if err := m.fs.MkdirAll(path.Dir(dst), 0o755); err != nil {
			return errs.Wrap(errs.KindRollbackFailed, err, "creating parent directory for %q", bf.OriginalKey)
		}

		if err := afero.WriteFile(m.fs, dst, contents[bf.OriginalKey], 0o644); err != nil {
			return errs.Wrap(errs.KindRollbackFailed, err, "restoring %q", bf.OriginalKey)
		}
	}

	if writeConfig != nil {
		if err := writeConfig(point.ConfigurationSnapshot); err != nil {
			return errs.Wrap(errs.KindRollbackFailed, err, "writing restored configuration")
		}
	}

	logger.Info("restored rollback point", logger.Ctx{"id": point.ID, "transaction_id": transactionID})

	return nil
}

// Cleanup removes a rollback point's backup files and metadata, used once
// a transaction commits successfully.
func (m *Manager) Cleanup(transactionID string) error {
	point, err := m.findByTransaction(transactionID)
	if err != nil {
		if errs.Is(err, errs.KindNotFound) {
			return nil
		}

		return err
	}

	return m.deletePoint(point)
}

func (m *Manager) deletePoint(point *Point) error {
	for _, bf := range point.BackedUpFiles {
		if err := m.fs.Remove(bf.BackupPath); err != nil && !afero.IsNotExist(err) {
			logger.Warn("failed to remove backup file", logger.Ctx{"path": bf.BackupPath, "error": err.Error()})
		}
	}

	if err := m.fs.Remove(m.metadataPath(point.ID)); err != nil && !afero.IsNotExist(err) {
		return errs.Wrap(errs.KindParse, err, "removing rollback metadata %q", point.ID)
	}

	return nil
}

// List returns every rollback point currently on disk, newest first.
func (m *Manager) List() ([]*Point, error) {
	entries, err := afero.ReadDir(m.fs, m.absDir())
	if err != nil {
		if afero.IsNotExist(err) {
			return nil, nil
		}

		return nil, errs.Wrap(errs.KindParse, err, "listing rollback directory")
	}

	var points []*Point

	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".json" {
			continue
		}

		blob, err := afero.ReadFile(m.fs, path.Join(m.absDir(), entry.Name()))
		if err != nil {
			logger.Warn("failed to read rollback metadata", logger.Ctx{"name": entry.Name(), "error": err.Error()})
			continue
		}

		var point Point
		if err := json.Unmarshal(blob, &point); err != nil {
			logger.Warn("failed to parse rollback metadata", logger.Ctx{"name": entry.Name(), "error": err.Error()})
			continue
		}

		points = append(points, &point)
	}

	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp > points[j].Timestamp })

	return points, nil
}

func (m *Manager) findByTransaction(transactionID string) (*Point, error) {
	points, err := m.List()
	if err != nil {
		return nil, err
	}

	for _, p := range points {
		if p.TransactionID == transactionID {
			return p, nil
		}
	}

	return nil, errs.New(errs.KindNotFound, "no rollback point for transaction %q", transactionID)
}

// Stats reports aggregate information about the rollback points currently
// retained.
func (m *Manager) Stats() (Stats, error) {
	points, err := m.List()
	if err != nil {
		return Stats{}, err
	}

	var stats Stats
	stats.TotalCount = len(points)

	for _, p := range points {
		for _, bf := range p.BackedUpFiles {
			stats.TotalBytes += bf.Size
		}
	}

	if len(points) > 0 {
		newest := points[0].Timestamp
		oldest := points[len(points)-1].Timestamp
		stats.NewestTimestamp = &newest
		stats.OldestTimestamp = &oldest
	}

	return stats, nil
}

// PruneOld deletes every rollback point older than maxAge or beyond
// position maxCount in the newest-first ordering, run on construction and
// after every CreatePoint, and additionally on a periodic schedule via
// StartHousekeeping.
func (m *Manager) PruneOld() error {
	points, err := m.List()
	if err != nil {
		return err
	}

	now := nowMillis()
	pruned := 0

	for i, p := range points {
		tooOld := m.maxAge > 0 && time.Duration(now-p.Timestamp)*time.Millisecond > m.maxAge
		tooMany := m.maxCount > 0 && i >= m.maxCount

		if !tooOld && !tooMany {
			continue
		}

		if err := m.deletePoint(p); err != nil {
			logger.Warn("failed to prune rollback point", logger.Ctx{"id": p.ID, "error": err.Error()})
			continue
		}

		pruned++
	}

	if pruned > 0 {
		logger.Info("pruned rollback points", logger.Ctx{"count": pruned})
	}

	return nil
}

// StartHousekeeping schedules a periodic PruneOld sweep via the given cron
// expression, returning the running *cron.Cron so the caller can Stop it
// at shutdown.
func (m *Manager) StartHousekeeping(spec string) (*cron.Cron, error) {
	c := cron.New()

	if _, err := c.AddFunc(spec, func() {
		if err := m.PruneOld(); err != nil {
			logger.Warn("scheduled rollback prune failed", logger.Ctx{"error": err.Error()})
		}
	}); err != nil {
		return nil, errs.Wrap(errs.KindParse, err, "scheduling rollback housekeeping %q", spec)
	}

	c.Start()

	return c, nil
}

func (m *Manager) generateID(transactionID string) string {
	return fmt.Sprintf("rb_%s_%d", transactionID, nowMillis())
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
