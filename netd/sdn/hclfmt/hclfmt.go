// Package hclfmt round-trips an sdn.Configuration through an
// HCL-flavored text file, the way grimm-is-flywall's own config package
// round-trips its network configuration. The SDN Graph Resolver itself
// only ever sees parsed Go structs; this package is the collaborator
// that sits between it and an on-disk .hcl (or .json) file.
package hclfmt

import (
	"sort"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/hashicorp/hcl/v2/hclwrite"

	"github.com/pvenet/pve-network-go/netd/errs"
	"github.com/pvenet/pve-network-go/netd/model"
	"github.com/pvenet/pve-network-go/netd/sdn"
)

type file struct {
	Zones       []zoneBlock       `hcl:"zone,block"`
	Controllers []controllerBlock `hcl:"controller,block"`
	VNets       []vnetBlock       `hcl:"vnet,block"`
	Subnets     []subnetBlock     `hcl:"subnet,block"`
	Ipams       []ipamBlock       `hcl:"ipam,block"`
}

type zoneBlock struct {
	Name      string            `hcl:"name,label"`
	Type      string            `hcl:"type"`
	Bridge    string            `hcl:"bridge,optional"`
	VlanAware bool              `hcl:"vlan_aware,optional"`
	Tag       int               `hcl:"tag,optional"`
	VxlanPort int               `hcl:"vxlan_port,optional"`
	Peers     []string          `hcl:"peers,optional"`
	MTU       int               `hcl:"mtu,optional"`
	Nodes     []string          `hcl:"nodes,optional"`
	Options   map[string]string `hcl:"options,optional"`
}

type controllerBlock struct {
	Name    string            `hcl:"name,label"`
	Type    string            `hcl:"type"`
	Asn     int64             `hcl:"asn,optional"`
	Peers   []string          `hcl:"peers,optional"`
	Options map[string]string `hcl:"options,optional"`
}

type vnetBlock struct {
	Name      string `hcl:"name,label"`
	Zone      string `hcl:"zone"`
	Tag       int    `hcl:"tag,optional"`
	Alias     string `hcl:"alias,optional"`
	VlanAware bool   `hcl:"vlan_aware,optional"`
	Mac       string `hcl:"mac,optional"`
}

type dhcpRangeBlock struct {
	Start string `hcl:"start"`
	End   string `hcl:"end"`
}

type dhcpBlock struct {
	Ranges    []dhcpRangeBlock `hcl:"range,block"`
	DNSServer []string         `hcl:"dns_server,optional"`
}

type subnetBlock struct {
	Name    string     `hcl:"name,label"`
	VNet    string     `hcl:"vnet"`
	CIDR    string     `hcl:"cidr"`
	Gateway string     `hcl:"gateway,optional"`
	Snat    bool       `hcl:"snat,optional"`
	Dhcp    *dhcpBlock `hcl:"dhcp,block"`
}

type ipamBlock struct {
	Name    string            `hcl:"name,label"`
	Type    string            `hcl:"type"`
	URL     string            `hcl:"url,optional"`
	Token   string            `hcl:"token,optional"`
	Section string            `hcl:"section,optional"`
	Options map[string]string `hcl:"options,optional"`
}

// Encode renders cfg as an HCL-flavored text file, entities within each
// block kind sorted by name for a deterministic, diffable output.
func Encode(cfg *sdn.Configuration) ([]byte, error) {
	f := toFile(cfg)

	out := hclwrite.NewEmptyFile()
	gohcl.EncodeIntoBody(f, out.Body())

	return out.Bytes(), nil
}

// Decode parses an HCL-flavored file into a new sdn.Configuration,
// validating the result the same way the resolver validates a
// programmatically built one. The extension of filename selects the
// syntax (".hcl" native, ".json" the JSON form; any other extension is
// rejected) and the name appears in diagnostics.
func Decode(filename string, data []byte) (*sdn.Configuration, error) {
	var f file
	if err := hclsimple.Decode(filename, data, nil, &f); err != nil {
		return nil, errs.Wrap(errs.KindParse, err, "decoding %s", filename)
	}

	cfg := fromFile(&f)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func toFile(cfg *sdn.Configuration) *file {
	f := &file{}

	for _, name := range mapKeys(cfg.Zones) {
		z := cfg.Zones[name]
		f.Zones = append(f.Zones, zoneBlock{
			Name: z.Name, Type: string(z.Type), Bridge: z.Bridge, VlanAware: z.VlanAware,
			Tag: z.Tag, VxlanPort: z.VxlanPort, Peers: z.Peers, MTU: z.MTU, Nodes: z.Nodes,
			Options: z.Options,
		})
	}

	for _, name := range mapKeys(cfg.Controllers) {
		c := cfg.Controllers[name]
		f.Controllers = append(f.Controllers, controllerBlock{
			Name: c.Name, Type: string(c.Type), Asn: c.Asn, Peers: c.Peers, Options: c.Options,
		})
	}

	for _, name := range mapKeys(cfg.VNets) {
		v := cfg.VNets[name]
		f.VNets = append(f.VNets, vnetBlock{
			Name: v.Name, Zone: v.Zone, Tag: v.Tag, Alias: v.Alias, VlanAware: v.VlanAware, Mac: v.Mac,
		})
	}

	for _, name := range mapKeys(cfg.Subnets) {
		s := cfg.Subnets[name]
		block := subnetBlock{Name: s.Name, VNet: s.VNet, CIDR: s.CIDR, Gateway: s.Gateway, Snat: s.Snat}

		if s.Dhcp != nil {
			dhcp := &dhcpBlock{DNSServer: s.Dhcp.DNSServer}
			for _, r := range s.Dhcp.Ranges {
				dhcp.Ranges = append(dhcp.Ranges, dhcpRangeBlock{Start: r.Start, End: r.End})
			}

			block.Dhcp = dhcp
		}

		f.Subnets = append(f.Subnets, block)
	}

	for _, name := range mapKeys(cfg.Ipams) {
		i := cfg.Ipams[name]
		f.Ipams = append(f.Ipams, ipamBlock{
			Name: i.Name, Type: string(i.Type), URL: i.URL, Token: i.Token, Section: i.Section, Options: i.Options,
		})
	}

	return f
}

func fromFile(f *file) *sdn.Configuration {
	cfg := sdn.New()

	for _, z := range f.Zones {
		cfg.Zones[z.Name] = model.Zone{
			Name: z.Name, Type: model.ZoneType(z.Type), Bridge: z.Bridge, VlanAware: z.VlanAware,
			Tag: z.Tag, VxlanPort: z.VxlanPort, Peers: z.Peers, MTU: z.MTU, Nodes: z.Nodes,
			Options: z.Options,
		}
	}

	for _, c := range f.Controllers {
		cfg.Controllers[c.Name] = model.Controller{
			Name: c.Name, Type: model.ControllerType(c.Type), Asn: c.Asn, Peers: c.Peers, Options: c.Options,
		}
	}

	for _, v := range f.VNets {
		cfg.VNets[v.Name] = model.VNet{
			Name: v.Name, Zone: v.Zone, Tag: v.Tag, Alias: v.Alias, VlanAware: v.VlanAware, Mac: v.Mac,
		}
	}

	for _, s := range f.Subnets {
		subnet := model.Subnet{Name: s.Name, VNet: s.VNet, CIDR: s.CIDR, Gateway: s.Gateway, Snat: s.Snat}

		if s.Dhcp != nil {
			dhcp := &model.DhcpConfig{DNSServer: s.Dhcp.DNSServer}
			for _, r := range s.Dhcp.Ranges {
				dhcp.Ranges = append(dhcp.Ranges, model.DhcpRange{Start: r.Start, End: r.End})
			}

			subnet.Dhcp = dhcp
		}

		cfg.Subnets[s.Name] = subnet
	}

	for _, i := range f.Ipams {
		cfg.Ipams[i.Name] = model.Ipam{
			Name: i.Name, Type: model.IpamType(i.Type), URL: i.URL, Token: i.Token, Section: i.Section, Options: i.Options,
		}
	}

	return cfg
}

// mapKeys returns m's keys in sorted order, used throughout to make
// block emission order deterministic regardless of map iteration order.
func mapKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
