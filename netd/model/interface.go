// Package model defines the data types shared by every component of the
// network control plane, and the syntactic validators that apply to a
// single entity in isolation.
package model

import (
	"fmt"
	"regexp"

	"github.com/pvenet/pve-network-go/netd/errs"
	"github.com/pvenet/pve-network-go/shared/validate"
)

// interfaceNameRE matches this control plane's interface naming
// invariant: a letter followed by up to 14 letters, digits, underscores,
// dots or hyphens. This is distinct from shared/validate.IsInterfaceName,
// which matches a looser (digit-start-permitting) device name convention
// and is used elsewhere for things like apply-tool target names.
var interfaceNameRE = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.-]{0,14}$`)

// AddressMethod is how an interface obtains its address.
type AddressMethod string

const (
	MethodStatic AddressMethod = "static"
	MethodDhcp   AddressMethod = "dhcp"
	MethodManual AddressMethod = "manual"
	MethodNone   AddressMethod = "none"
)

// Kind is the tagged variant describing what sort of interface this is.
// Exactly one of the typed fields is meaningful, selected by Type.
type Kind string

const (
	KindPhysical Kind = "physical"
	KindLoopback Kind = "loopback"
	KindBridge   Kind = "bridge"
	KindBond     Kind = "bond"
	KindVlan     Kind = "vlan"
	KindVxlan    Kind = "vxlan"
)

// BridgeParams holds the fields meaningful when Type == KindBridge.
type BridgeParams struct {
	Ports     []string `json:"ports,omitempty"`
	VlanAware bool     `json:"vlan_aware,omitempty"`
}

// BondParams holds the fields meaningful when Type == KindBond.
type BondParams struct {
	Slaves  []string          `json:"slaves,omitempty"`
	Mode    string            `json:"mode,omitempty"`
	Options map[string]string `json:"options,omitempty"`
}

// VlanParams holds the fields meaningful when Type == KindVlan.
type VlanParams struct {
	Parent string `json:"parent"`
	Tag    int    `json:"tag"`
}

// VxlanParams holds the fields meaningful when Type == KindVxlan.
type VxlanParams struct {
	ID      int64  `json:"id"`
	Local   string `json:"local"`
	Remote  string `json:"remote,omitempty"`
	DstPort *int   `json:"dstport,omitempty"`
}

// Interface is a single network interface definition, either a physical
// NIC or one of the virtual constructs (bridge, bond, VLAN, VXLAN).
type Interface struct {
	Name   string        `json:"name"`
	Type   Kind          `json:"type"`
	Method AddressMethod `json:"method"`

	Addresses []string `json:"addresses,omitempty"`
	Gateway   string   `json:"gateway,omitempty"`
	MTU       int      `json:"mtu,omitempty"`

	Options  map[string]string `json:"options,omitempty"`
	Enabled  bool              `json:"enabled"`
	Comments []string          `json:"comments,omitempty"`

	Bridge *BridgeParams `json:"bridge,omitempty"`
	Bond   *BondParams   `json:"bond,omitempty"`
	Vlan   *VlanParams   `json:"vlan,omitempty"`
	Vxlan  *VxlanParams  `json:"vxlan,omitempty"`
}

// Dependencies returns the names of other interfaces this one directly
// references: bridge ports, bond slaves, or a VLAN parent.
func (i Interface) Dependencies() []string {
	switch i.Type {
	case KindBridge:
		if i.Bridge != nil {
			return i.Bridge.Ports
		}
	case KindBond:
		if i.Bond != nil {
			return i.Bond.Slaves
		}
	case KindVlan:
		if i.Vlan != nil {
			return []string{i.Vlan.Parent}
		}
	}

	return nil
}

// Validate checks the invariants that apply to a single interface in
// isolation, without reference to the rest of the configuration it will
// belong to.
func (i Interface) Validate() error {
	if !interfaceNameRE.MatchString(i.Name) {
		return errs.New(errs.KindInvalidValue, "invalid interface name %q", i.Name).WithField("field", "name")
	}

	if i.MTU != 0 {
		if err := validate.IsMTU(i.MTU); err != nil {
			return errs.Wrap(errs.KindInvalidValue, err, "interface %q: invalid mtu", i.Name).WithField("field", "mtu")
		}
	}

	switch i.Method {
	case MethodStatic:
		if len(i.Addresses) == 0 {
			return errs.New(errs.KindInvalidValue, "interface %q: static method requires at least one address", i.Name).
				WithField("field", "addresses")
		}
	case MethodDhcp:
		if len(i.Addresses) != 0 {
			return errs.New(errs.KindInvalidValue, "interface %q: dhcp method must not have static addresses", i.Name).
				WithField("field", "addresses")
		}
	case MethodManual, MethodNone:
	default:
		return errs.New(errs.KindInvalidValue, "interface %q: unknown address method %q", i.Name, i.Method).
			WithField("field", "method")
	}

	switch i.Type {
	case KindBridge:
		if i.Bridge != nil {
			for _, port := range i.Bridge.Ports {
				if !interfaceNameRE.MatchString(port) {
					return errs.New(errs.KindInvalidValue, "interface %q: invalid bridge port name %q", i.Name, port)
				}
			}
		}
	case KindBond:
		if i.Bond == nil || len(i.Bond.Slaves) == 0 {
			return errs.New(errs.KindInvalidValue, "interface %q: bond requires at least one slave", i.Name).
				WithField("field", "slaves")
		}
		for _, slave := range i.Bond.Slaves {
			if !interfaceNameRE.MatchString(slave) {
				return errs.New(errs.KindInvalidValue, "interface %q: invalid bond slave name %q", i.Name, slave)
			}
		}
	case KindVlan:
		if i.Vlan == nil {
			return errs.New(errs.KindInvalidValue, "interface %q: vlan requires parent and tag", i.Name)
		}
		if !interfaceNameRE.MatchString(i.Vlan.Parent) {
			return errs.New(errs.KindInvalidValue, "interface %q: invalid vlan parent name %q", i.Name, i.Vlan.Parent)
		}
		if err := validate.IsVlanTagInt(i.Vlan.Tag); err != nil {
			return errs.Wrap(errs.KindInvalidValue, err, "interface %q: invalid vlan tag", i.Name).WithField("field", "tag")
		}
	case KindVxlan:
		if i.Vxlan == nil {
			return errs.New(errs.KindInvalidValue, "interface %q: vxlan requires id and local address", i.Name)
		}
		if err := validate.IsVxlanID(i.Vxlan.ID); err != nil {
			return errs.Wrap(errs.KindInvalidValue, err, "interface %q: invalid vxlan id", i.Name).WithField("field", "id")
		}
	case KindPhysical, KindLoopback:
	default:
		return errs.New(errs.KindInvalidValue, "interface %q: unknown kind %q", i.Name, i.Type)
	}

	return nil
}

func (i Interface) String() string {
	return fmt.Sprintf("Interface{%s, %s}", i.Name, i.Type)
}
