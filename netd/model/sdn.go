package model

import (
	"net/netip"

	"github.com/pvenet/pve-network-go/netd/errs"
	"github.com/pvenet/pve-network-go/shared/validate"
)

// ZoneType is the SDN zone driver.
type ZoneType string

const (
	ZoneSimple ZoneType = "simple"
	ZoneVlan   ZoneType = "vlan"
	ZoneQinQ   ZoneType = "qinq"
	ZoneVxlan  ZoneType = "vxlan"
	ZoneEvpn   ZoneType = "evpn"
)

// Zone is an SDN zone: an isolation domain implemented by one of the
// zone drivers.
type Zone struct {
	Name      string            `json:"name"`
	Type      ZoneType          `json:"type"`
	Bridge    string            `json:"bridge,omitempty"`
	VlanAware bool              `json:"vlan_aware,omitempty"`
	Tag       int               `json:"tag,omitempty"`
	VxlanPort int               `json:"vxlan_port,omitempty"`
	Peers     []string          `json:"peers,omitempty"`
	MTU       int               `json:"mtu,omitempty"`
	Nodes     []string          `json:"nodes,omitempty"`
	Options   map[string]string `json:"options,omitempty"`
}

// Validate checks Zone's own fields in isolation.
func (z Zone) Validate() error {
	if z.Name == "" {
		return errs.New(errs.KindInvalidValue, "zone name cannot be empty")
	}

	if z.Tag != 0 {
		if err := validate.IsVlanTagInt(z.Tag); err != nil {
			return errs.Wrap(errs.KindInvalidValue, err, "zone %q: invalid tag", z.Name)
		}
	}

	if z.MTU != 0 {
		if err := validate.IsMTU(z.MTU); err != nil {
			return errs.Wrap(errs.KindInvalidValue, err, "zone %q: invalid mtu", z.Name)
		}
	}

	switch z.Type {
	case ZoneSimple, ZoneVlan, ZoneQinQ, ZoneVxlan, ZoneEvpn:
	default:
		return errs.New(errs.KindInvalidValue, "zone %q: unknown type %q", z.Name, z.Type)
	}

	return nil
}

// VNet is a virtual network bound to a Zone.
type VNet struct {
	Name      string `json:"name"`
	Zone      string `json:"zone"`
	Tag       int    `json:"tag,omitempty"`
	Alias     string `json:"alias,omitempty"`
	VlanAware bool   `json:"vlan_aware,omitempty"`
	Mac       string `json:"mac,omitempty"`
}

// Validate checks VNet's own fields in isolation; the Zone foreign key is
// checked by the resolver since it requires the enclosing configuration.
func (v VNet) Validate() error {
	if v.Name == "" {
		return errs.New(errs.KindInvalidValue, "vnet name cannot be empty")
	}

	if v.Zone == "" {
		return errs.New(errs.KindInvalidValue, "vnet %q: zone cannot be empty", v.Name)
	}

	if v.Tag != 0 {
		if err := validate.IsVlanTagInt(v.Tag); err != nil {
			return errs.Wrap(errs.KindInvalidValue, err, "vnet %q: invalid tag", v.Name)
		}
	}

	if v.Mac != "" {
		if err := validate.IsNetworkMAC(v.Mac); err != nil {
			return errs.Wrap(errs.KindInvalidValue, err, "vnet %q: invalid mac", v.Name)
		}
	}

	return nil
}

// DhcpRange is one IP range handed out by a Subnet's DHCP server.
type DhcpRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// DhcpConfig is a Subnet's optional DHCP configuration.
type DhcpConfig struct {
	Ranges    []DhcpRange `json:"ranges,omitempty"`
	DNSServer []string    `json:"dns_server,omitempty"`
}

// Subnet is an IP range carved out of a VNet.
type Subnet struct {
	Name    string      `json:"name"`
	VNet    string      `json:"vnet"`
	CIDR    string      `json:"cidr"`
	Gateway string      `json:"gateway,omitempty"`
	Snat    bool        `json:"snat,omitempty"`
	Dhcp    *DhcpConfig `json:"dhcp,omitempty"`
}

// Validate checks Subnet's own fields in isolation; the VNet foreign key
// is checked by the resolver.
func (s Subnet) Validate() error {
	if s.Name == "" {
		return errs.New(errs.KindInvalidValue, "subnet name cannot be empty")
	}

	if s.VNet == "" {
		return errs.New(errs.KindInvalidValue, "subnet %q: vnet cannot be empty", s.Name)
	}

	cidr, err := netip.ParsePrefix(s.CIDR)
	if err != nil {
		return errs.Wrap(errs.KindInvalidValue, err, "subnet %q: invalid cidr %q", s.Name, s.CIDR)
	}

	if s.Gateway != "" {
		gw, err := netip.ParseAddr(s.Gateway)
		if err != nil {
			return errs.Wrap(errs.KindInvalidValue, err, "subnet %q: invalid gateway %q", s.Name, s.Gateway)
		}

		if !cidr.Contains(gw) {
			return errs.New(errs.KindInvalidValue, "subnet %q: gateway %s is not within %s", s.Name, gw, cidr)
		}
	}

	if s.Dhcp != nil {
		for _, r := range s.Dhcp.Ranges {
			if err := validateDhcpRange(cidr, r); err != nil {
				kind := errs.KindInvalidValue
				if errs.Is(err, errs.KindOutOfSubnet) {
					kind = errs.KindOutOfSubnet
				}
				return errs.Wrap(kind, err, "subnet %q: invalid dhcp range", s.Name)
			}
		}
	}

	return nil
}

func validateDhcpRange(cidr netip.Prefix, r DhcpRange) error {
	start, err := netip.ParseAddr(r.Start)
	if err != nil {
		return err
	}

	end, err := netip.ParseAddr(r.End)
	if err != nil {
		return err
	}

	if !cidr.Contains(start) || !cidr.Contains(end) {
		return errs.New(errs.KindOutOfSubnet, "dhcp range %s-%s is not within %s", start, end, cidr)
	}

	return nil
}

// ControllerType is the SDN controller implementation.
type ControllerType string

const (
	ControllerEvpn   ControllerType = "evpn"
	ControllerBgp    ControllerType = "bgp"
	ControllerFaucet ControllerType = "faucet"
)

// Controller drives an EVPN, BGP or Faucet control-plane process.
type Controller struct {
	Name    string            `json:"name"`
	Type    ControllerType    `json:"type"`
	Asn     int64             `json:"asn,omitempty"`
	Peers   []string          `json:"peers,omitempty"`
	Options map[string]string `json:"options,omitempty"`
}

// Validate checks Controller's own fields in isolation.
func (c Controller) Validate() error {
	if c.Name == "" {
		return errs.New(errs.KindInvalidValue, "controller name cannot be empty")
	}

	switch c.Type {
	case ControllerEvpn, ControllerBgp, ControllerFaucet:
	default:
		return errs.New(errs.KindInvalidValue, "controller %q: unknown type %q", c.Name, c.Type)
	}

	if c.Asn < 0 {
		return errs.New(errs.KindInvalidValue, "controller %q: asn cannot be negative", c.Name)
	}

	return nil
}

// IpamType is the IPAM backend implementation.
type IpamType string

const (
	IpamPve     IpamType = "pve"
	IpamPhpIpam IpamType = "phpipam"
	IpamNetBox  IpamType = "netbox"
)

// Ipam is an external or built-in address allocator plugin binding.
type Ipam struct {
	Name    string            `json:"name"`
	Type    IpamType          `json:"type"`
	URL     string            `json:"url,omitempty"`
	Token   string            `json:"token,omitempty"`
	Section string            `json:"section,omitempty"`
	Options map[string]string `json:"options,omitempty"`
}

// Validate checks Ipam's own fields in isolation.
func (i Ipam) Validate() error {
	if i.Name == "" {
		return errs.New(errs.KindInvalidValue, "ipam name cannot be empty")
	}

	switch i.Type {
	case IpamPve, IpamPhpIpam, IpamNetBox:
	default:
		return errs.New(errs.KindInvalidValue, "ipam %q: unknown type %q", i.Name, i.Type)
	}

	if i.Type != IpamPve && i.URL == "" {
		return errs.New(errs.KindInvalidValue, "ipam %q: url required for type %q", i.Name, i.Type)
	}

	return nil
}
