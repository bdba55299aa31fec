package cluster_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvenet/pve-network-go/netd/cluster"
	"github.com/pvenet/pve-network-go/netd/errs"
)

func newStore(node string) *cluster.Store {
	return cluster.NewStore(afero.NewMemMapFs(), "/pve-network", node, 5*time.Minute)
}

func TestStore_ReadMissingKeyReturnsNotFound(t *testing.T) {
	s := newStore("node1")

	_, err := s.Read(cluster.NodeNetworkKey("node1"))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestStore_WriteThenRead(t *testing.T) {
	s := newStore("node1")
	key := cluster.NodeNetworkKey("node1")

	require.NoError(t, s.Write(key, []byte(`{"interfaces":{}}`)))

	blob, err := s.Read(key)
	require.NoError(t, err)
	assert.Equal(t, `{"interfaces":{}}`, string(blob))
}

func TestStore_WriteOverwritesPreviousContent(t *testing.T) {
	s := newStore("node1")
	key := cluster.SdnKey("zones")

	require.NoError(t, s.Write(key, []byte("v1")))
	require.NoError(t, s.Write(key, []byte("v2")))

	blob, err := s.Read(key)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(blob))
}

func TestStore_WithLockRunsFunction(t *testing.T) {
	s := newStore("node1")

	ran := false
	err := s.WithLock("test_lock", "test_operation", func() error {
		ran = true
		return nil
	})

	require.NoError(t, err)
	assert.True(t, ran)
}

func TestStore_WithLockReleasesOnError(t *testing.T) {
	s := newStore("node1")

	err := s.WithLock("test_lock", "test_operation", func() error {
		return fmt.Errorf("boom")
	})
	require.Error(t, err)

	// The lock must have been released; a second acquisition must not
	// block or fail.
	ran := false
	err = s.WithLock("test_lock", "second_operation", func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestStore_WithLockSerializesConcurrentCallers(t *testing.T) {
	s := newStore("node1")

	var active int32
	var mu sync.Mutex
	var maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			err := s.WithLock("concurrent_test", "operation", func() error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()

				return nil
			})
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), maxActive)
}

func TestStore_ListNodes(t *testing.T) {
	s := newStore("node1")

	require.NoError(t, s.Write(cluster.NodeNetworkKey("node1"), []byte("{}")))
	require.NoError(t, s.Write(cluster.NodeNetworkKey("node2"), []byte("{}")))

	nodes, err := s.ListNodes()
	require.NoError(t, err)
	assert.Equal(t, []string{"node1", "node2"}, nodes)
}

func TestStore_ListNodesEmptyWhenNoneExist(t *testing.T) {
	s := newStore("node1")

	nodes, err := s.ListNodes()
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestStore_VerifySyncTrivialForSingleNode(t *testing.T) {
	s := newStore("node1")

	require.NoError(t, s.Write(cluster.NodeNetworkKey("node1"), []byte("{}")))

	ok, err := s.VerifySync("network")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_VerifySyncDetectsDrift(t *testing.T) {
	s := newStore("node1")

	require.NoError(t, s.Write(cluster.NodeNetworkKey("node1"), []byte(`{"v":1}`)))
	require.NoError(t, s.Write(cluster.NodeNetworkKey("node2"), []byte(`{"v":2}`)))

	ok, err := s.VerifySync("network")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_VerifySyncAgreesWhenIdentical(t *testing.T) {
	s := newStore("node1")

	require.NoError(t, s.Write(cluster.NodeNetworkKey("node1"), []byte(`{"v":1}`)))
	require.NoError(t, s.Write(cluster.NodeNetworkKey("node2"), []byte(`{"v":1}`)))

	ok, err := s.VerifySync("network")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_StaleLockIsReclaimed(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := cluster.NewStore(fs, "/pve-network", "node1", 5*time.Minute)

	require.NoError(t, afero.WriteFile(fs, "/pve-network/.locks/stale_test.lock",
		[]byte(`{"node":"old_node","pid":999999,"timestamp":0,"operation":"stale_operation"}`), 0o644))

	ran := false
	err := s.WithLock("stale_test", "new_operation", func() error {
		ran = true
		return nil
	})

	require.NoError(t, err)
	assert.True(t, ran)
}

func TestStore_KeyHelpers(t *testing.T) {
	assert.Equal(t, "nodes/test_node/network", cluster.NodeNetworkKey("test_node"))
	assert.Equal(t, "sdn/zones", cluster.SdnKey("zones"))
	assert.Equal(t, "ipam/pve-main.json", cluster.IpamKey("pve-main"))
	assert.Equal(t, "ipam/pve-main_subnets.json", cluster.IpamSubnetsKey("pve-main"))
}
