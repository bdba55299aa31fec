package model

import (
	"net/netip"
	"sort"

	"github.com/pvenet/pve-network-go/netd/errs"
)

// NetworkConfiguration is the full set of host interfaces for one node,
// plus ifupdown-style bookkeeping about boot order and hotplug.
type NetworkConfiguration struct {
	Interfaces        map[string]Interface `json:"interfaces"`
	AutoInterfaces    []string             `json:"auto_interfaces,omitempty"`
	HotplugInterfaces []string             `json:"hotplug_interfaces,omitempty"`
	Comments          map[string]string    `json:"comments,omitempty"`
	Ordering          []string             `json:"ordering,omitempty"`
}

// NewNetworkConfiguration returns an empty configuration ready to accept
// interfaces.
func NewNetworkConfiguration() *NetworkConfiguration {
	return &NetworkConfiguration{Interfaces: map[string]Interface{}}
}

// Validate runs every syntactic check on each interface, then every
// semantic cross-interface check: IP conflicts, dangling dependencies,
// interfaces claimed by more than one aggregator, cycles in the
// dependency graph, and type mismatches between an aggregator and its
// members.
func (c *NetworkConfiguration) Validate() error {
	names := c.sortedNames()

	for _, name := range names {
		if err := c.Interfaces[name].Validate(); err != nil {
			return err
		}
	}

	if err := c.validateIPConflicts(names); err != nil {
		return err
	}

	if err := c.validateDependenciesExist(names); err != nil {
		return err
	}

	if err := c.validateSingleOwner(names); err != nil {
		return err
	}

	if err := c.validateAcyclic(names); err != nil {
		return err
	}

	return c.validateAggregatorMemberTypes(names)
}

func (c *NetworkConfiguration) sortedNames() []string {
	names := make([]string, 0, len(c.Interfaces))
	for name := range c.Interfaces {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

type addrOnIface struct {
	iface  string
	prefix netip.Prefix
}

// validateIPConflicts rejects an exact duplicate IP across interfaces and
// two interfaces sharing overlapping CIDRs unless they describe the
// identical network.
func (c *NetworkConfiguration) validateIPConflicts(names []string) error {
	var seen []addrOnIface

	for _, name := range names {
		for _, addr := range c.Interfaces[name].Addresses {
			prefix, err := netip.ParsePrefix(addr)
			if err != nil {
				// Not a CIDR string; skip cross-checks for values the
				// syntactic validator already accepted in another shape.
				continue
			}

			for _, existing := range seen {
				if existing.prefix.Addr() == prefix.Addr() {
					return errs.New(errs.KindNetworkConflict,
						"duplicate IP address %s on interfaces %q and %q", prefix.Addr(), existing.iface, name)
				}

				if existing.prefix.Masked() != prefix.Masked() && existing.prefix.Overlaps(prefix) {
					return errs.New(errs.KindNetworkConflict,
						"overlapping networks: %s on %q conflicts with %s on %q", prefix, name, existing.prefix, existing.iface)
				}
			}

			seen = append(seen, addrOnIface{iface: name, prefix: prefix})
		}
	}

	return nil
}

// validateDependenciesExist rejects a bridge port, bond slave or VLAN
// parent that doesn't name a defined interface.
func (c *NetworkConfiguration) validateDependenciesExist(names []string) error {
	for _, name := range names {
		for _, dep := range c.Interfaces[name].Dependencies() {
			if _, ok := c.Interfaces[dep]; !ok {
				return errs.New(errs.KindNotFound, "interface %q references undefined interface %q", name, dep)
			}
		}
	}

	return nil
}

// validateSingleOwner rejects a physical interface claimed as a bridge
// port or bond slave by more than one aggregator.
func (c *NetworkConfiguration) validateSingleOwner(names []string) error {
	owners := map[string][]string{}

	for _, name := range names {
		for _, dep := range c.Interfaces[name].Dependencies() {
			owners[dep] = append(owners[dep], name)
		}
	}

	depNames := make([]string, 0, len(owners))
	for dep := range owners {
		depNames = append(depNames, dep)
	}
	sort.Strings(depNames)

	for _, dep := range depNames {
		if len(owners[dep]) > 1 {
			return errs.New(errs.KindNetworkConflict,
				"interface %q claimed by multiple aggregators: %v", dep, owners[dep])
		}
	}

	return nil
}

// validateAcyclic rejects a cycle in the bridge-port/bond-slave/vlan-parent
// dependency graph via depth-first search.
func (c *NetworkConfiguration) validateAcyclic(names []string) error {
	visited := map[string]bool{}
	onStack := map[string]bool{}

	var visit func(name string) error
	visit = func(name string) error {
		visited[name] = true
		onStack[name] = true

		iface, ok := c.Interfaces[name]
		if ok {
			for _, dep := range iface.Dependencies() {
				if !visited[dep] {
					if err := visit(dep); err != nil {
						return err
					}
				} else if onStack[dep] {
					return errs.New(errs.KindCircularDependency, "circular dependency involving interface %q", dep)
				}
			}
		}

		onStack[name] = false

		return nil
	}

	for _, name := range names {
		if !visited[name] {
			if err := visit(name); err != nil {
				return err
			}
		}
	}

	return nil
}

// validateAggregatorMemberTypes rejects a bridge port that is itself a
// bridge or loopback, and a bond slave that isn't Physical.
func (c *NetworkConfiguration) validateAggregatorMemberTypes(names []string) error {
	for _, name := range names {
		iface := c.Interfaces[name]

		switch iface.Type {
		case KindBridge:
			if iface.Bridge == nil {
				continue
			}

			for _, port := range iface.Bridge.Ports {
				member, ok := c.Interfaces[port]
				if !ok {
					continue
				}

				if member.Type == KindBridge {
					return errs.New(errs.KindNetworkConflict, "interface %q: cannot add bridge %q as a port", name, port)
				}

				if member.Type == KindLoopback {
					return errs.New(errs.KindNetworkConflict, "interface %q: cannot add loopback %q as a bridge port", name, port)
				}
			}
		case KindBond:
			if iface.Bond == nil {
				continue
			}

			for _, slave := range iface.Bond.Slaves {
				member, ok := c.Interfaces[slave]
				if !ok {
					continue
				}

				if member.Type != KindPhysical {
					return errs.New(errs.KindNetworkConflict, "interface %q: bond slave %q must be physical", name, slave)
				}
			}
		}
	}

	return nil
}
