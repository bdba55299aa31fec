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
)

func newAllocator(t *testing.T) *ipam.NativeAllocator {
	t.Helper()

	store := cluster.NewStore(afero.NewMemMapFs(), "/pve-network", "node1", 5*time.Minute)

	return ipam.NewNativeAllocator(store, "pve")
}

func TestNativeAllocator_AddSubnetIsIdempotentForSameCIDR(t *testing.T) {
	a := newAllocator(t)

	require.NoError(t, a.AddSubnet("sub1", "10.0.0.0/30"))
	require.NoError(t, a.AddSubnet("sub1", "10.0.0.0/30"))
}

func TestNativeAllocator_AddSubnetRejectsCIDRChange(t *testing.T) {
	a := newAllocator(t)

	require.NoError(t, a.AddSubnet("sub1", "10.0.0.0/30"))

	err := a.AddSubnet("sub1", "10.0.0.4/30")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindDuplicate))
}

func TestNativeAllocator_AllocateSkipsNetworkAndBroadcast(t *testing.T) {
	a := newAllocator(t)
	require.NoError(t, a.AddSubnet("sub1", "10.0.0.0/30"))

	// /30 has 4 addresses: .0 (network), .1, .2, .3 (broadcast). Only .1
	// and .2 are assignable.
	first, err := a.Allocate(ipam.AllocationRequest{Subnet: "sub1"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", first.IP)

	second, err := a.Allocate(ipam.AllocationRequest{Subnet: "sub1"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", second.IP)

	_, err = a.Allocate(ipam.AllocationRequest{Subnet: "sub1"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindNoFreeIPs))
}

func TestNativeAllocator_AllocateRequestedIP(t *testing.T) {
	a := newAllocator(t)
	require.NoError(t, a.AddSubnet("sub1", "10.0.0.0/29"))

	alloc, err := a.Allocate(ipam.AllocationRequest{Subnet: "sub1", RequestedIP: "10.0.0.5"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", alloc.IP)
}

func TestNativeAllocator_AllocateRequestedIPOutsideSubnetFails(t *testing.T) {
	a := newAllocator(t)
	require.NoError(t, a.AddSubnet("sub1", "10.0.0.0/29"))

	_, err := a.Allocate(ipam.AllocationRequest{Subnet: "sub1", RequestedIP: "10.0.1.1"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindOutOfSubnet))
}

func TestNativeAllocator_AllocateRequestedNetworkAddressFails(t *testing.T) {
	a := newAllocator(t)
	require.NoError(t, a.AddSubnet("sub1", "10.0.0.0/29"))

	_, err := a.Allocate(ipam.AllocationRequest{Subnet: "sub1", RequestedIP: "10.0.0.0"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindOutOfSubnet))
}

func TestNativeAllocator_AllocateRequestedIPAlreadyAllocatedFails(t *testing.T) {
	a := newAllocator(t)
	require.NoError(t, a.AddSubnet("sub1", "10.0.0.0/29"))

	_, err := a.Allocate(ipam.AllocationRequest{Subnet: "sub1", RequestedIP: "10.0.0.5"})
	require.NoError(t, err)

	_, err = a.Allocate(ipam.AllocationRequest{Subnet: "sub1", RequestedIP: "10.0.0.5"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindIPAlreadyAllocated))
}

func TestNativeAllocator_AllocateUnknownSubnetFails(t *testing.T) {
	a := newAllocator(t)

	_, err := a.Allocate(ipam.AllocationRequest{Subnet: "nope"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestNativeAllocator_ReleaseThenReallocate(t *testing.T) {
	a := newAllocator(t)
	require.NoError(t, a.AddSubnet("sub1", "10.0.0.0/29"))

	alloc, err := a.Allocate(ipam.AllocationRequest{Subnet: "sub1", RequestedIP: "10.0.0.5"})
	require.NoError(t, err)

	require.NoError(t, a.Release("sub1", alloc.IP))

	realloc, err := a.Allocate(ipam.AllocationRequest{Subnet: "sub1", RequestedIP: "10.0.0.5"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", realloc.IP)
}

func TestNativeAllocator_ReleaseUnknownIPFails(t *testing.T) {
	a := newAllocator(t)
	require.NoError(t, a.AddSubnet("sub1", "10.0.0.0/29"))

	err := a.Release("sub1", "10.0.0.5")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindIPNotFound))
}

func TestNativeAllocator_UpdateChangesMetadataOnly(t *testing.T) {
	a := newAllocator(t)
	require.NoError(t, a.AddSubnet("sub1", "10.0.0.0/29"))

	alloc, err := a.Allocate(ipam.AllocationRequest{Subnet: "sub1", RequestedIP: "10.0.0.5", Hostname: "vm1"})
	require.NoError(t, err)

	updated, err := a.Update("sub1", alloc.IP, func(a *ipam.Allocation) {
		a.Hostname = "vm2"
	})
	require.NoError(t, err)
	assert.Equal(t, "vm2", updated.Hostname)
	assert.Equal(t, "10.0.0.5", updated.IP)
}

func TestNativeAllocator_UpdateUnknownIPFails(t *testing.T) {
	a := newAllocator(t)
	require.NoError(t, a.AddSubnet("sub1", "10.0.0.0/29"))

	_, err := a.Update("sub1", "10.0.0.5", func(*ipam.Allocation) {})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindIPNotFound))
}

func TestNativeAllocator_GetReturnsNilForUnallocated(t *testing.T) {
	a := newAllocator(t)
	require.NoError(t, a.AddSubnet("sub1", "10.0.0.0/29"))

	alloc, err := a.Get("sub1", "10.0.0.5")
	require.NoError(t, err)
	assert.Nil(t, alloc)
}

func TestNativeAllocator_ListSubnetIPsSortedByAddress(t *testing.T) {
	a := newAllocator(t)
	require.NoError(t, a.AddSubnet("sub1", "10.0.0.0/28"))

	_, err := a.Allocate(ipam.AllocationRequest{Subnet: "sub1", RequestedIP: "10.0.0.5"})
	require.NoError(t, err)
	_, err = a.Allocate(ipam.AllocationRequest{Subnet: "sub1", RequestedIP: "10.0.0.2"})
	require.NoError(t, err)

	list, err := a.ListSubnetIPs("sub1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "10.0.0.2", list[0].IP)
	assert.Equal(t, "10.0.0.5", list[1].IP)
}

func TestNativeAllocator_IsIPAvailable(t *testing.T) {
	a := newAllocator(t)
	require.NoError(t, a.AddSubnet("sub1", "10.0.0.0/29"))

	available, err := a.IsIPAvailable("sub1", "10.0.0.5")
	require.NoError(t, err)
	assert.True(t, available)

	_, err = a.Allocate(ipam.AllocationRequest{Subnet: "sub1", RequestedIP: "10.0.0.5"})
	require.NoError(t, err)

	available, err = a.IsIPAvailable("sub1", "10.0.0.5")
	require.NoError(t, err)
	assert.False(t, available)

	available, err = a.IsIPAvailable("sub1", "10.0.0.0")
	require.NoError(t, err)
	assert.False(t, available)
}

func TestNativeAllocator_RemoveSubnetWithAllocationsFails(t *testing.T) {
	a := newAllocator(t)
	require.NoError(t, a.AddSubnet("sub1", "10.0.0.0/29"))

	_, err := a.Allocate(ipam.AllocationRequest{Subnet: "sub1", RequestedIP: "10.0.0.5"})
	require.NoError(t, err)

	err = a.RemoveSubnet("sub1")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindHasDependents))
}

func TestNativeAllocator_RemoveSubnetEmptySucceeds(t *testing.T) {
	a := newAllocator(t)
	require.NoError(t, a.AddSubnet("sub1", "10.0.0.0/29"))

	require.NoError(t, a.RemoveSubnet("sub1"))

	err := a.RemoveSubnet("sub1")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestNativeAllocator_GetNextFreeIPDoesNotReserve(t *testing.T) {
	a := newAllocator(t)
	require.NoError(t, a.AddSubnet("sub1", "10.0.0.0/29"))

	first, err := a.GetNextFreeIP("sub1")
	require.NoError(t, err)

	second, err := a.GetNextFreeIP("sub1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestNativeAllocator_StatePersistsAcrossInstances(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := cluster.NewStore(fs, "/pve-network", "node1", 5*time.Minute)

	a1 := ipam.NewNativeAllocator(store, "pve")
	require.NoError(t, a1.AddSubnet("sub1", "10.0.0.0/29"))
	_, err := a1.Allocate(ipam.AllocationRequest{Subnet: "sub1", RequestedIP: "10.0.0.5"})
	require.NoError(t, err)

	a2 := ipam.NewNativeAllocator(store, "pve")
	alloc, err := a2.Get("sub1", "10.0.0.5")
	require.NoError(t, err)
	require.NotNil(t, alloc)
}
