// Package ipam implements the native IP allocator and the plugin
// registry that routes allocation calls to it or to an external IPAM
// backend.
package ipam

import (
	"encoding/json"
	"net/netip"
	"sort"
	"time"

	"github.com/pvenet/pve-network-go/netd/cluster"
	"github.com/pvenet/pve-network-go/netd/errs"
	"github.com/pvenet/pve-network-go/netd/model"
)

// AllocationRequest describes a caller's request for an address.
// RequestedIP, when set, pins the allocation to that specific address
// instead of picking the next free one.
type AllocationRequest struct {
	Subnet      string  `json:"subnet"`
	VMID        *uint32 `json:"vmid,omitempty"`
	Hostname    string  `json:"hostname,omitempty"`
	MAC         string  `json:"mac,omitempty"`
	Description string  `json:"description,omitempty"`
	RequestedIP string  `json:"requested_ip,omitempty"`
}

// Allocation is a recorded IP assignment within a subnet.
type Allocation struct {
	IP          string  `json:"ip"`
	Subnet      string  `json:"subnet"`
	VMID        *uint32 `json:"vmid,omitempty"`
	Hostname    string  `json:"hostname,omitempty"`
	MAC         string  `json:"mac,omitempty"`
	Description string  `json:"description,omitempty"`
	AllocatedAt int64   `json:"allocated_at"`
}

// subnetState is the persisted shape of one subnet's address book.
type subnetState struct {
	CIDR        string                 `json:"cidr"`
	Allocations map[string]*Allocation `json:"allocations"`
}

// NativeAllocator is the built-in IPAM backend: it stores allocations
// directly in the Cluster Config Store, keyed by plugin name, with no
// external API calls.
type NativeAllocator struct {
	store *cluster.Store
	name  string
}

// NewNativeAllocator returns a NativeAllocator persisting through store
// under the given plugin name.
func NewNativeAllocator(store *cluster.Store, name string) *NativeAllocator {
	return &NativeAllocator{store: store, name: name}
}

// Type identifies this plugin as the built-in backend.
func (a *NativeAllocator) Type() model.IpamType {
	return model.IpamPve
}

// Name is the plugin instance name it was registered under.
func (a *NativeAllocator) Name() string {
	return a.name
}

func (a *NativeAllocator) load() (map[string]*subnetState, error) {
	blob, err := a.store.Read(cluster.IpamKey(a.name))
	if err != nil {
		if errs.Is(err, errs.KindNotFound) {
			return map[string]*subnetState{}, nil
		}

		return nil, err
	}

	var subnets map[string]*subnetState
	if err := json.Unmarshal(blob, &subnets); err != nil {
		return nil, errs.Wrap(errs.KindParse, err, "decoding ipam state for %q", a.name)
	}

	return subnets, nil
}

func (a *NativeAllocator) save(subnets map[string]*subnetState) error {
	blob, err := json.Marshal(subnets)
	if err != nil {
		return errs.Wrap(errs.KindParse, err, "encoding ipam state for %q", a.name)
	}

	return a.store.Write(cluster.IpamKey(a.name), blob)
}

// lockName identifies the advisory lock serializing this plugin's
// load-mutate-save cycle against concurrent callers.
func (a *NativeAllocator) lockName() string {
	return "ipam_" + a.name
}

func (a *NativeAllocator) subnetOrErr(subnets map[string]*subnetState, name string) (*subnetState, error) {
	s, ok := subnets[name]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "ipam %q: subnet %q not found", a.name, name).
			WithField("subnet", name)
	}

	return s, nil
}

// AddSubnet registers a subnet that allocations may be requested against.
// It is idempotent for the same CIDR; it fails with KindDuplicate if the
// subnet already exists under a different CIDR.
func (a *NativeAllocator) AddSubnet(name, cidr string) error {
	if _, err := netip.ParsePrefix(cidr); err != nil {
		return errs.Wrap(errs.KindInvalidValue, err, "ipam %q: invalid cidr %q", a.name, cidr)
	}

	return a.store.WithLock(a.lockName(), "ipam_add_subnet", func() error {
		subnets, err := a.load()
		if err != nil {
			return err
		}

		if existing, ok := subnets[name]; ok {
			if existing.CIDR != cidr {
				return errs.New(errs.KindDuplicate, "ipam %q: subnet %q already registered with cidr %q", a.name, name, existing.CIDR).
					WithField("subnet", name)
			}

			return nil
		}

		subnets[name] = &subnetState{CIDR: cidr, Allocations: map[string]*Allocation{}}

		return a.save(subnets)
	})
}

// RemoveSubnet deregisters a subnet. It fails with KindHasDependents if
// the subnet still has live allocations.
func (a *NativeAllocator) RemoveSubnet(name string) error {
	return a.store.WithLock(a.lockName(), "ipam_remove_subnet", func() error {
		subnets, err := a.load()
		if err != nil {
			return err
		}

		s, err := a.subnetOrErr(subnets, name)
		if err != nil {
			return err
		}

		if len(s.Allocations) > 0 {
			names := make([]string, 0, len(s.Allocations))
			for ip := range s.Allocations {
				names = append(names, ip)
			}
			sort.Strings(names)

			return errs.New(errs.KindHasDependents, "ipam %q: subnet %q still has %d allocation(s)", a.name, name, len(names)).
				WithField("dependents", names)
		}

		delete(subnets, name)

		return a.save(subnets)
	})
}

// Allocate assigns an address within req.Subnet. If req.RequestedIP is
// set, that exact address is reserved (failing with KindIPAlreadyAllocated
// or KindOutOfSubnet as appropriate); otherwise the next free address is
// picked, failing with KindNoFreeIPs if the subnet is exhausted.
func (a *NativeAllocator) Allocate(req AllocationRequest) (*Allocation, error) {
	var alloc *Allocation

	err := a.store.WithLock(a.lockName(), "ipam_allocate", func() error {
		subnets, err := a.load()
		if err != nil {
			return err
		}

		s, err := a.subnetOrErr(subnets, req.Subnet)
		if err != nil {
			return err
		}

		cidr, err := netip.ParsePrefix(s.CIDR)
		if err != nil {
			return errs.Wrap(errs.KindParse, err, "ipam %q: stored cidr %q is invalid", a.name, s.CIDR)
		}

		var ip netip.Addr

		if req.RequestedIP != "" {
			ip, err = netip.ParseAddr(req.RequestedIP)
			if err != nil {
				return errs.Wrap(errs.KindInvalidValue, err, "ipam %q: invalid requested ip %q", a.name, req.RequestedIP)
			}

			if err := validateAssignable(cidr, ip); err != nil {
				return err
			}

			if _, taken := s.Allocations[ip.String()]; taken {
				return errs.New(errs.KindIPAlreadyAllocated, "ipam %q: ip %s already allocated in subnet %q", a.name, ip, req.Subnet).
					WithField("ip", ip.String())
			}
		} else {
			free, ok := nextFreeIP(cidr, s.Allocations)
			if !ok {
				return errs.New(errs.KindNoFreeIPs, "ipam %q: no free ip addresses in subnet %q", a.name, req.Subnet)
			}

			ip = free
		}

		newAlloc := &Allocation{
			IP:          ip.String(),
			Subnet:      req.Subnet,
			VMID:        req.VMID,
			Hostname:    req.Hostname,
			MAC:         req.MAC,
			Description: req.Description,
			AllocatedAt: time.Now().Unix(),
		}

		s.Allocations[newAlloc.IP] = newAlloc

		if err := a.save(subnets); err != nil {
			return err
		}

		alloc = newAlloc

		return nil
	})
	if err != nil {
		return nil, err
	}

	return alloc, nil
}

// Release frees a previously allocated address. It fails with
// KindIPNotFound if the address was never recorded.
func (a *NativeAllocator) Release(subnet, ip string) error {
	return a.store.WithLock(a.lockName(), "ipam_release", func() error {
		subnets, err := a.load()
		if err != nil {
			return err
		}

		s, err := a.subnetOrErr(subnets, subnet)
		if err != nil {
			return err
		}

		if _, ok := s.Allocations[ip]; !ok {
			return errs.New(errs.KindIPNotFound, "ipam %q: ip %s not found in subnet %q", a.name, ip, subnet).
				WithField("ip", ip)
		}

		delete(s.Allocations, ip)

		return a.save(subnets)
	})
}

// Update rewrites the metadata of an existing allocation without
// changing its address.
func (a *NativeAllocator) Update(subnet, ip string, mutate func(*Allocation)) (*Allocation, error) {
	var updated *Allocation

	err := a.store.WithLock(a.lockName(), "ipam_update", func() error {
		subnets, err := a.load()
		if err != nil {
			return err
		}

		s, err := a.subnetOrErr(subnets, subnet)
		if err != nil {
			return err
		}

		existing, ok := s.Allocations[ip]
		if !ok {
			return errs.New(errs.KindIPNotFound, "ipam %q: ip %s not found in subnet %q", a.name, ip, subnet).
				WithField("ip", ip)
		}

		mutate(existing)
		existing.IP = ip
		existing.Subnet = subnet

		if err := a.save(subnets); err != nil {
			return err
		}

		updated = existing

		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// Get returns the allocation recorded at ip in subnet, or nil if none
// exists.
func (a *NativeAllocator) Get(subnet, ip string) (*Allocation, error) {
	subnets, err := a.load()
	if err != nil {
		return nil, err
	}

	s, err := a.subnetOrErr(subnets, subnet)
	if err != nil {
		return nil, err
	}

	return s.Allocations[ip], nil
}

// ListSubnetIPs returns every allocation in subnet, sorted by address.
func (a *NativeAllocator) ListSubnetIPs(subnet string) ([]*Allocation, error) {
	subnets, err := a.load()
	if err != nil {
		return nil, err
	}

	s, err := a.subnetOrErr(subnets, subnet)
	if err != nil {
		return nil, err
	}

	ips := make([]string, 0, len(s.Allocations))
	for ip := range s.Allocations {
		ips = append(ips, ip)
	}
	sort.Slice(ips, func(i, j int) bool {
		a, _ := netip.ParseAddr(ips[i])
		b, _ := netip.ParseAddr(ips[j])
		return a.Less(b)
	})

	out := make([]*Allocation, 0, len(ips))
	for _, ip := range ips {
		out = append(out, s.Allocations[ip])
	}

	return out, nil
}

// GetNextFreeIP returns the next address that Allocate would pick for
// subnet, without reserving it.
func (a *NativeAllocator) GetNextFreeIP(subnet string) (string, error) {
	subnets, err := a.load()
	if err != nil {
		return "", err
	}

	s, err := a.subnetOrErr(subnets, subnet)
	if err != nil {
		return "", err
	}

	cidr, err := netip.ParsePrefix(s.CIDR)
	if err != nil {
		return "", errs.Wrap(errs.KindParse, err, "ipam %q: stored cidr %q is invalid", a.name, s.CIDR)
	}

	free, ok := nextFreeIP(cidr, s.Allocations)
	if !ok {
		return "", errs.New(errs.KindNoFreeIPs, "ipam %q: no free ip addresses in subnet %q", a.name, subnet)
	}

	return free.String(), nil
}

// IsIPAvailable reports whether ip is within subnet's CIDR and not
// already allocated.
func (a *NativeAllocator) IsIPAvailable(subnet, ip string) (bool, error) {
	subnets, err := a.load()
	if err != nil {
		return false, err
	}

	s, err := a.subnetOrErr(subnets, subnet)
	if err != nil {
		return false, err
	}

	cidr, err := netip.ParsePrefix(s.CIDR)
	if err != nil {
		return false, errs.Wrap(errs.KindParse, err, "ipam %q: stored cidr %q is invalid", a.name, s.CIDR)
	}

	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false, errs.Wrap(errs.KindInvalidValue, err, "ipam %q: invalid ip %q", a.name, ip)
	}

	if err := validateAssignable(cidr, addr); err != nil {
		return false, nil
	}

	_, taken := s.Allocations[addr.String()]

	return !taken, nil
}

// ValidateConfig checks a plugin config binding's fields, delegating to
// model.Ipam's own syntactic validator.
func (a *NativeAllocator) ValidateConfig(cfg model.Ipam) error {
	return cfg.Validate()
}

// validateAssignable rejects an address outside cidr, and for IPv4
// rejects the network and broadcast addresses.
func validateAssignable(cidr netip.Prefix, ip netip.Addr) error {
	if !cidr.Contains(ip) {
		return errs.New(errs.KindOutOfSubnet, "ip %s is not within subnet %s", ip, cidr)
	}

	if ip.Is4() {
		if ip == cidr.Masked().Addr() {
			return errs.New(errs.KindOutOfSubnet, "cannot allocate network address %s", ip)
		}

		if ip == broadcastAddr(cidr) {
			return errs.New(errs.KindOutOfSubnet, "cannot allocate broadcast address %s", ip)
		}
	}

	return nil
}

// broadcastAddr computes the IPv4 broadcast address of cidr.
func broadcastAddr(cidr netip.Prefix) netip.Addr {
	base := cidr.Masked().Addr().As4()

	var mask [4]byte
	ones := cidr.Bits()
	for i := 0; i < 4; i++ {
		bits := ones - 8*i
		switch {
		case bits >= 8:
			mask[i] = 0xff
		case bits <= 0:
			mask[i] = 0x00
		default:
			mask[i] = byte(0xff << (8 - bits))
		}
	}

	var bcast [4]byte
	for i := 0; i < 4; i++ {
		bcast[i] = base[i] | ^mask[i]
	}

	return netip.AddrFrom4(bcast)
}

// nextFreeIP returns the first address in cidr, in ascending order, not
// already present in allocations and not the IPv4 network/broadcast
// address.
func nextFreeIP(cidr netip.Prefix, allocations map[string]*Allocation) (netip.Addr, bool) {
	ip := cidr.Masked().Addr()

	for cidr.Contains(ip) {
		if validateAssignable(cidr, ip) == nil {
			if _, taken := allocations[ip.String()]; !taken {
				return ip, true
			}
		}

		next := ip.Next()
		if !next.IsValid() {
			break
		}

		ip = next
	}

	return netip.Addr{}, false
}
