package ipam_test

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvenet/pve-network-go/netd/cluster"
	"github.com/pvenet/pve-network-go/netd/errs"
	"github.com/pvenet/pve-network-go/netd/ipam"
	"github.com/pvenet/pve-network-go/netd/model"
)

func newRegisteredManager(t *testing.T) (*ipam.Manager, *ipam.NativeAllocator) {
	t.Helper()

	store := cluster.NewStore(afero.NewMemMapFs(), "/pve-network", "node1", 5*time.Minute)
	plugin := ipam.NewNativeAllocator(store, "pve")

	m := ipam.NewManager()
	m.RegisterPlugin(plugin)

	return m, plugin
}

func TestManager_RegisterAndGetPlugin(t *testing.T) {
	m, plugin := newRegisteredManager(t)

	got, err := m.GetPlugin("pve")
	require.NoError(t, err)
	assert.Equal(t, plugin.Name(), got.Name())
}

func TestManager_GetUnknownPluginFails(t *testing.T) {
	m, _ := newRegisteredManager(t)

	_, err := m.GetPlugin("nope")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestManager_SetDefaultPluginRequiresRegistration(t *testing.T) {
	m, _ := newRegisteredManager(t)

	err := m.SetDefaultPlugin("nope")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestManager_GetDefaultPluginWithoutOneConfiguredFails(t *testing.T) {
	m, _ := newRegisteredManager(t)

	_, err := m.GetDefaultPlugin()
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestManager_AllocateRoutesToDefaultPlugin(t *testing.T) {
	m, _ := newRegisteredManager(t)
	require.NoError(t, m.SetDefaultPlugin("pve"))
	require.NoError(t, m.AddSubnet("", "sub1", "10.0.0.0/29"))

	alloc, err := m.Allocate("", ipam.AllocationRequest{Subnet: "sub1", RequestedIP: "10.0.0.5"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", alloc.IP)
}

func TestManager_AllocateRoutesToNamedPluginOverDefault(t *testing.T) {
	store := cluster.NewStore(afero.NewMemMapFs(), "/pve-network", "node1", 5*time.Minute)
	pve := ipam.NewNativeAllocator(store, "pve")
	alt := ipam.NewNativeAllocator(store, "alt")

	m := ipam.NewManager()
	m.RegisterPlugin(pve)
	m.RegisterPlugin(alt)
	require.NoError(t, m.SetDefaultPlugin("pve"))

	require.NoError(t, m.AddSubnet("alt", "sub1", "10.0.0.0/29"))

	_, err := m.Allocate("pve", ipam.AllocationRequest{Subnet: "sub1"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindNotFound))

	alloc, err := m.Allocate("alt", ipam.AllocationRequest{Subnet: "sub1", RequestedIP: "10.0.0.5"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", alloc.IP)
}

func TestManager_AllocateWithoutDefaultOrNameFails(t *testing.T) {
	m, _ := newRegisteredManager(t)

	_, err := m.Allocate("", ipam.AllocationRequest{Subnet: "sub1"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestManager_ListPluginsSortedByName(t *testing.T) {
	store := cluster.NewStore(afero.NewMemMapFs(), "/pve-network", "node1", 5*time.Minute)

	m := ipam.NewManager()
	m.RegisterPlugin(ipam.NewNativeAllocator(store, "zzz"))
	m.RegisterPlugin(ipam.NewNativeAllocator(store, "aaa"))

	infos := m.ListPlugins()
	require.Len(t, infos, 2)
	assert.Equal(t, "aaa", infos[0].Name)
	assert.Equal(t, "zzz", infos[1].Name)
}

func TestManager_ValidateAllConfigsSkipsPluginsWithoutBinding(t *testing.T) {
	m, _ := newRegisteredManager(t)

	err := m.ValidateAllConfigs(map[string]model.Ipam{})
	require.NoError(t, err)
}

func TestManager_ValidateAllConfigsRejectsInvalidBinding(t *testing.T) {
	m, _ := newRegisteredManager(t)

	err := m.ValidateAllConfigs(map[string]model.Ipam{
		"pve": {Name: "pve", Type: model.IpamPhpIpam},
	})
	require.Error(t, err)
}

func TestManager_RemoveSubnetWithAllocationsFails(t *testing.T) {
	m, _ := newRegisteredManager(t)
	require.NoError(t, m.AddSubnet("pve", "sub1", "10.0.0.0/29"))

	_, err := m.Allocate("pve", ipam.AllocationRequest{Subnet: "sub1", RequestedIP: "10.0.0.5"})
	require.NoError(t, err)

	err = m.RemoveSubnet("pve", "sub1")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindHasDependents))
}
