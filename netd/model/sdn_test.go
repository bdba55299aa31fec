package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvenet/pve-network-go/netd/errs"
	"github.com/pvenet/pve-network-go/netd/model"
)

func TestZone_ValidateRequiresName(t *testing.T) {
	z := model.Zone{Type: model.ZoneSimple}

	err := z.Validate()
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindInvalidValue))
}

func TestZone_ValidateRejectsUnknownType(t *testing.T) {
	z := model.Zone{Name: "zone1", Type: "bogus"}

	err := z.Validate()
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindInvalidValue))
}

func TestZone_ValidateRejectsBadTag(t *testing.T) {
	z := model.Zone{Name: "zone1", Type: model.ZoneVlan, Tag: 9000}

	err := z.Validate()
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindInvalidValue))
}

func TestZone_ValidateAcceptsWellFormed(t *testing.T) {
	z := model.Zone{Name: "zone1", Type: model.ZoneVxlan, MTU: 1450, VxlanPort: 4789}

	assert.NoError(t, z.Validate())
}

func TestVNet_ValidateRequiresZone(t *testing.T) {
	v := model.VNet{Name: "vnet1"}

	err := v.Validate()
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindInvalidValue))
}

func TestVNet_ValidateRejectsBadMac(t *testing.T) {
	v := model.VNet{Name: "vnet1", Zone: "zone1", Mac: "not-a-mac"}

	err := v.Validate()
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindInvalidValue))
}

func TestVNet_ValidateAcceptsWellFormed(t *testing.T) {
	v := model.VNet{Name: "vnet1", Zone: "zone1", Tag: 100, Mac: "aa:bb:cc:dd:ee:ff"}

	assert.NoError(t, v.Validate())
}

func TestSubnet_ValidateRejectsBadCIDR(t *testing.T) {
	s := model.Subnet{Name: "sub1", VNet: "vnet1", CIDR: "not-a-cidr"}

	err := s.Validate()
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindInvalidValue))
}

func TestSubnet_ValidateRejectsGatewayOutsideCIDR(t *testing.T) {
	s := model.Subnet{Name: "sub1", VNet: "vnet1", CIDR: "10.0.0.0/24", Gateway: "10.0.1.1"}

	err := s.Validate()
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindInvalidValue))
}

func TestSubnet_ValidateRejectsDhcpRangeOutsideCIDR(t *testing.T) {
	s := model.Subnet{
		Name: "sub1", VNet: "vnet1", CIDR: "10.0.0.0/24", Gateway: "10.0.0.1",
		Dhcp: &model.DhcpConfig{Ranges: []model.DhcpRange{{Start: "10.0.1.10", End: "10.0.1.20"}}},
	}

	err := s.Validate()
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindOutOfSubnet))
}

func TestSubnet_ValidateAcceptsWellFormed(t *testing.T) {
	s := model.Subnet{
		Name: "sub1", VNet: "vnet1", CIDR: "10.0.0.0/24", Gateway: "10.0.0.1",
		Dhcp: &model.DhcpConfig{Ranges: []model.DhcpRange{{Start: "10.0.0.10", End: "10.0.0.20"}}},
	}

	assert.NoError(t, s.Validate())
}

func TestController_ValidateRejectsUnknownType(t *testing.T) {
	c := model.Controller{Name: "ctrl1", Type: "bogus"}

	err := c.Validate()
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindInvalidValue))
}

func TestController_ValidateRejectsNegativeAsn(t *testing.T) {
	c := model.Controller{Name: "ctrl1", Type: model.ControllerBgp, Asn: -1}

	err := c.Validate()
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindInvalidValue))
}

func TestController_ValidateAcceptsWellFormed(t *testing.T) {
	c := model.Controller{Name: "ctrl1", Type: model.ControllerBgp, Asn: 65001, Peers: []string{"10.0.0.2"}}

	assert.NoError(t, c.Validate())
}

func TestIpam_ValidateRequiresUrlForNonPve(t *testing.T) {
	i := model.Ipam{Name: "ipam1", Type: model.IpamNetBox}

	err := i.Validate()
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindInvalidValue))
}

func TestIpam_ValidatePveNeedsNoUrl(t *testing.T) {
	i := model.Ipam{Name: "ipam1", Type: model.IpamPve}

	assert.NoError(t, i.Validate())
}

func TestIpam_ValidateAcceptsWellFormedExternal(t *testing.T) {
	i := model.Ipam{Name: "ipam1", Type: model.IpamPhpIpam, URL: "https://ipam.example/api"}

	assert.NoError(t, i.Validate())
}
