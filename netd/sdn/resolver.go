// Package sdn maintains the consistency of an SdnConfiguration under
// mutating operations: referential integrity between zones, VNets,
// subnets, controllers and IPAMs, cascading-delete protection, and
// apply ordering. The resolver is pure: it consumes the blobs the
// cluster store hands it and returns the configuration or an error: it
// performs no I/O of its own.
package sdn

import (
	"sort"

	"github.com/pvenet/pve-network-go/netd/errs"
	"github.com/pvenet/pve-network-go/netd/model"
)

// Configuration is the full SDN graph: zones, VNets, subnets,
// controllers and IPAMs, keyed by name.
type Configuration struct {
	Zones       map[string]model.Zone
	VNets       map[string]model.VNet
	Subnets     map[string]model.Subnet
	Controllers map[string]model.Controller
	Ipams       map[string]model.Ipam
}

// New returns an empty Configuration.
func New() *Configuration {
	return &Configuration{
		Zones:       map[string]model.Zone{},
		VNets:       map[string]model.VNet{},
		Subnets:     map[string]model.Subnet{},
		Controllers: map[string]model.Controller{},
		Ipams:       map[string]model.Ipam{},
	}
}

// AddZone validates and inserts a Zone.
func (c *Configuration) AddZone(z model.Zone) error {
	if err := z.Validate(); err != nil {
		return err
	}

	c.Zones[z.Name] = z

	return nil
}

// AddController validates and inserts a Controller.
func (c *Configuration) AddController(ctrl model.Controller) error {
	if err := ctrl.Validate(); err != nil {
		return err
	}

	c.Controllers[ctrl.Name] = ctrl

	return nil
}

// AddVNet validates a VNet and checks that its zone exists before
// inserting it.
func (c *Configuration) AddVNet(v model.VNet) error {
	if err := v.Validate(); err != nil {
		return err
	}

	if _, ok := c.Zones[v.Zone]; !ok {
		return errs.New(errs.KindNotFound, "vnet %q references undefined zone %q", v.Name, v.Zone)
	}

	c.VNets[v.Name] = v

	return nil
}

// AddSubnet validates a Subnet and checks that its VNet exists before
// inserting it.
func (c *Configuration) AddSubnet(s model.Subnet) error {
	if err := s.Validate(); err != nil {
		return err
	}

	if _, ok := c.VNets[s.VNet]; !ok {
		return errs.New(errs.KindNotFound, "subnet %q references undefined vnet %q", s.Name, s.VNet)
	}

	c.Subnets[s.Name] = s

	return nil
}

// AddIpam validates and inserts an Ipam.
func (c *Configuration) AddIpam(i model.Ipam) error {
	if err := i.Validate(); err != nil {
		return err
	}

	c.Ipams[i.Name] = i

	return nil
}

// RemoveZone removes a zone, refusing if any VNet still references it.
func (c *Configuration) RemoveZone(name string) error {
	var dependents []string
	for _, v := range c.VNets {
		if v.Zone == name {
			dependents = append(dependents, v.Name)
		}
	}

	if len(dependents) > 0 {
		sort.Strings(dependents)
		return errs.New(errs.KindHasDependents, "cannot remove zone %q: vnets %v depend on it", name, dependents).
			WithField("dependents", dependents)
	}

	delete(c.Zones, name)

	return nil
}

// RemoveVNet removes a VNet, refusing if any Subnet still references it.
func (c *Configuration) RemoveVNet(name string) error {
	var dependents []string
	for _, s := range c.Subnets {
		if s.VNet == name {
			dependents = append(dependents, s.Name)
		}
	}

	if len(dependents) > 0 {
		sort.Strings(dependents)
		return errs.New(errs.KindHasDependents, "cannot remove vnet %q: subnets %v depend on it", name, dependents).
			WithField("dependents", dependents)
	}

	delete(c.VNets, name)

	return nil
}

// RemoveSubnet removes a Subnet. Subnets have no dependents within this
// configuration; the IPAM allocation core separately refuses to destroy
// a subnet while it still has live IpAllocations.
func (c *Configuration) RemoveSubnet(name string) error {
	delete(c.Subnets, name)

	return nil
}

// RemoveController removes a Controller. Controllers have no dependents
// within this configuration.
func (c *Configuration) RemoveController(name string) error {
	delete(c.Controllers, name)

	return nil
}

// RemoveIpam removes an Ipam binding.
func (c *Configuration) RemoveIpam(name string) error {
	delete(c.Ipams, name)

	return nil
}

// Validate runs entity-level validation on every entry plus the
// cross-reference checks: every VNet's zone exists, every Subnet's VNet
// exists.
func (c *Configuration) Validate() error {
	for _, name := range sortedKeys(c.Zones) {
		if err := c.Zones[name].Validate(); err != nil {
			return err
		}
	}

	for _, name := range sortedKeys(c.Controllers) {
		if err := c.Controllers[name].Validate(); err != nil {
			return err
		}
	}

	for _, name := range sortedVNetKeys(c.VNets) {
		v := c.VNets[name]
		if err := v.Validate(); err != nil {
			return err
		}

		if _, ok := c.Zones[v.Zone]; !ok {
			return errs.New(errs.KindNotFound, "vnet %q references non-existent zone %q", v.Name, v.Zone)
		}
	}

	for _, name := range sortedSubnetKeys(c.Subnets) {
		s := c.Subnets[name]
		if err := s.Validate(); err != nil {
			return err
		}

		if _, ok := c.VNets[s.VNet]; !ok {
			return errs.New(errs.KindNotFound, "subnet %q references non-existent vnet %q", s.Name, s.VNet)
		}
	}

	for _, name := range sortedIpamKeys(c.Ipams) {
		if err := c.Ipams[name].Validate(); err != nil {
			return err
		}
	}

	return nil
}

// Entity names one member of the apply order, tagged with its domain so
// callers can dispatch without a type switch.
type Entity struct {
	Domain string
	Name   string
}

// ApplyOrder returns every entity in the configuration in the order the
// Apply Engine must bring it up: zones, then controllers, then VNets,
// then subnets, then IPAMs. Each domain is internally sorted by name for
// determinism. TeardownOrder is the reverse of this slice.
func (c *Configuration) ApplyOrder() []Entity {
	var order []Entity

	for _, name := range sortedKeys(c.Zones) {
		order = append(order, Entity{Domain: "zone", Name: name})
	}

	for _, name := range sortedKeys(c.Controllers) {
		order = append(order, Entity{Domain: "controller", Name: name})
	}

	for _, name := range sortedVNetKeys(c.VNets) {
		order = append(order, Entity{Domain: "vnet", Name: name})
	}

	for _, name := range sortedSubnetKeys(c.Subnets) {
		order = append(order, Entity{Domain: "subnet", Name: name})
	}

	for _, name := range sortedIpamKeys(c.Ipams) {
		order = append(order, Entity{Domain: "ipam", Name: name})
	}

	return order
}

// TeardownOrder returns every entity in the reverse of ApplyOrder, the
// order in which they must be torn down.
func (c *Configuration) TeardownOrder() []Entity {
	order := c.ApplyOrder()

	reversed := make([]Entity, len(order))
	for i, e := range order {
		reversed[len(order)-1-i] = e
	}

	return reversed
}

func sortedKeys(m map[string]model.Zone) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

func sortedVNetKeys(m map[string]model.VNet) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

func sortedSubnetKeys(m map[string]model.Subnet) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

func sortedIpamKeys(m map[string]model.Ipam) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
