package bgpctrl_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvenet/pve-network-go/netd/bgpctrl"
	"github.com/pvenet/pve-network-go/netd/errs"
	"github.com/pvenet/pve-network-go/netd/model"
)

func TestDriver_ApplyController_IgnoresNonBgpControllers(t *testing.T) {
	driver := bgpctrl.NewDriver()

	err := driver.ApplyController(model.Controller{Name: "evpn1", Type: model.ControllerEvpn})
	require.NoError(t, err)

	debug := driver.Debug()
	assert.False(t, debug.Server.Running)
	assert.Empty(t, debug.Peers)
}

func TestDriver_ApplyController_AddsPeersWithControllerAsn(t *testing.T) {
	driver := bgpctrl.NewDriver()

	ctrl := model.Controller{
		Name:  "bgp1",
		Type:  model.ControllerBgp,
		Asn:   65001,
		Peers: []string{"192.0.2.1", "192.0.2.2"},
	}

	require.NoError(t, driver.ApplyController(ctrl))

	debug := driver.Debug()
	require.Len(t, debug.Peers, 2)

	for _, peer := range debug.Peers {
		assert.EqualValues(t, 65001, peer.ASN)
	}
}

func TestDriver_ApplyController_HonorsPeerAsnOverride(t *testing.T) {
	driver := bgpctrl.NewDriver()

	ctrl := model.Controller{
		Name:  "bgp1",
		Type:  model.ControllerBgp,
		Asn:   65001,
		Peers: []string{"192.0.2.1"},
		Options: map[string]string{
			"peer-asn": "65002",
		},
	}

	require.NoError(t, driver.ApplyController(ctrl))

	debug := driver.Debug()
	require.Len(t, debug.Peers, 1)
	assert.EqualValues(t, 65002, debug.Peers[0].ASN)
}

func TestDriver_ApplyController_RejectsInvalidPeerAddress(t *testing.T) {
	driver := bgpctrl.NewDriver()

	ctrl := model.Controller{
		Name:  "bgp1",
		Type:  model.ControllerBgp,
		Asn:   65001,
		Peers: []string{"not-an-address"},
	}

	err := driver.ApplyController(ctrl)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindInvalidValue))
}

func TestDriver_ApplyController_RejectsBadPeerAsnOverride(t *testing.T) {
	driver := bgpctrl.NewDriver()

	ctrl := model.Controller{
		Name:    "bgp1",
		Type:    model.ControllerBgp,
		Asn:     65001,
		Peers:   []string{"192.0.2.1"},
		Options: map[string]string{"peer-asn": "not-a-number"},
	}

	err := driver.ApplyController(ctrl)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindInvalidValue))
}

func TestDriver_RemoveController_RemovesPeers(t *testing.T) {
	driver := bgpctrl.NewDriver()

	ctrl := model.Controller{
		Name:  "bgp1",
		Type:  model.ControllerBgp,
		Asn:   65001,
		Peers: []string{"192.0.2.1"},
	}

	require.NoError(t, driver.ApplyController(ctrl))
	require.NoError(t, driver.RemoveController(ctrl))

	assert.Empty(t, driver.Debug().Peers)
}

func TestDriver_AdvertiseAndWithdrawRoute(t *testing.T) {
	driver := bgpctrl.NewDriver()

	_, subnet, err := net.ParseCIDR("203.0.113.0/24")
	require.NoError(t, err)
	nexthop := net.ParseIP("203.0.113.1")

	require.NoError(t, driver.AdvertiseRoute(*subnet, nexthop, "vnet1"))

	debug := driver.Debug()
	require.Len(t, debug.Prefixes, 1)
	assert.Equal(t, "vnet1", debug.Prefixes[0].Owner)

	require.NoError(t, driver.WithdrawRoute(*subnet, nexthop))
	assert.Empty(t, driver.Debug().Prefixes)
}

func TestDriver_WithdrawRoutesByOwner(t *testing.T) {
	driver := bgpctrl.NewDriver()

	_, subnetA, _ := net.ParseCIDR("198.51.100.0/24")
	_, subnetB, _ := net.ParseCIDR("198.51.101.0/24")
	nexthop := net.ParseIP("198.51.100.1")

	require.NoError(t, driver.AdvertiseRoute(*subnetA, nexthop, "vnet1"))
	require.NoError(t, driver.AdvertiseRoute(*subnetB, nexthop, "vnet1"))

	require.NoError(t, driver.WithdrawRoutesByOwner("vnet1"))
	assert.Empty(t, driver.Debug().Prefixes)
}
