package bgpctrl

import (
	"errors"
	"net"
	"strconv"

	"github.com/pvenet/pve-network-go/netd/errs"
	"github.com/pvenet/pve-network-go/netd/model"
)

// Driver actuates model.Controller entities of type ControllerBgp,
// translating a controller's Asn/Peers/Options onto a single embedded
// Server. It is invoked by the Apply Engine's Applying step only for
// Bgp typed controllers; EVPN and Faucet controllers are out of its
// scope.
type Driver struct {
	server *Server
}

// NewDriver returns a Driver with its own, not-yet-started Server.
func NewDriver() *Driver {
	return &Driver{server: NewServer()}
}

// ApplyController starts or reconfigures the driver's BGP listener for
// ctrl and brings its peer list up to date. Without a router-id option
// no listener is started (a running one is stopped); the peers are still
// recorded. Non-Bgp controllers are a no-op so callers can apply the full
// controller set without a type switch of their own.
func (d *Driver) ApplyController(ctrl model.Controller) error {
	if ctrl.Type != model.ControllerBgp {
		return nil
	}

	routerID := net.ParseIP(ctrl.Options["router-id"])

	address := ctrl.Options["listen-address"]
	if address == "" {
		address = "::"
	}

	if err := d.server.Configure(address, uint32(ctrl.Asn), routerID); err != nil {
		return errs.Wrap(errs.KindControllerFailed, err, "controller %q: configuring bgp listener", ctrl.Name)
	}

	peerAsn := uint32(ctrl.Asn)
	if override, ok := ctrl.Options["peer-asn"]; ok && override != "" {
		parsed, err := strconv.ParseUint(override, 10, 32)
		if err != nil {
			return errs.Wrap(errs.KindInvalidValue, err, "controller %q: invalid peer-asn override %q", ctrl.Name, override)
		}

		peerAsn = uint32(parsed)
	}

	var holdTime uint64
	if raw, ok := ctrl.Options["peer-holdtime"]; ok && raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return errs.Wrap(errs.KindInvalidValue, err, "controller %q: invalid peer-holdtime %q", ctrl.Name, raw)
		}

		holdTime = parsed
	}

	for _, peerAddr := range ctrl.Peers {
		ip := net.ParseIP(peerAddr)
		if ip == nil {
			return errs.New(errs.KindInvalidValue, "controller %q: invalid peer address %q", ctrl.Name, peerAddr)
		}

		if err := d.server.AddPeer(ip, peerAsn, ctrl.Options["peer-password"], holdTime); err != nil {
			return errs.Wrap(errs.KindControllerFailed, err, "controller %q: adding peer %s", ctrl.Name, peerAddr)
		}
	}

	return nil
}

// RemoveController tears down every peer belonging to ctrl and stops
// the listener. Non-Bgp controllers are a no-op.
func (d *Driver) RemoveController(ctrl model.Controller) error {
	if ctrl.Type != model.ControllerBgp {
		return nil
	}

	for _, peerAddr := range ctrl.Peers {
		ip := net.ParseIP(peerAddr)
		if ip == nil {
			continue
		}

		if err := d.server.RemovePeer(ip); err != nil && !errors.Is(err, ErrPeerNotFound) {
			return errs.Wrap(errs.KindControllerFailed, err, "controller %q: removing peer %s", ctrl.Name, peerAddr)
		}
	}

	if err := d.server.Configure("", 0, nil); err != nil {
		return errs.Wrap(errs.KindControllerFailed, err, "controller %q: stopping bgp listener", ctrl.Name)
	}

	return nil
}

// AdvertiseRoute advertises subnet via nexthop on behalf of owner
// (typically a VNet or Subnet name), the Go name for the speaker's
// underlying AddPath call.
func (d *Driver) AdvertiseRoute(subnet net.IPNet, nexthop net.IP, owner string) error {
	if err := d.server.AddPrefix(subnet, nexthop, owner); err != nil {
		return errs.Wrap(errs.KindControllerFailed, err, "advertising route %s via %s", subnet.String(), nexthop)
	}

	return nil
}

// WithdrawRoute withdraws the route previously advertised for subnet
// via nexthop.
func (d *Driver) WithdrawRoute(subnet net.IPNet, nexthop net.IP) error {
	if err := d.server.RemovePrefix(subnet, nexthop); err != nil {
		return errs.Wrap(errs.KindControllerFailed, err, "withdrawing route %s via %s", subnet.String(), nexthop)
	}

	return nil
}

// WithdrawRoutesByOwner withdraws every route advertised on behalf of
// owner, used when a VNet or Subnet is removed from the configuration.
func (d *Driver) WithdrawRoutesByOwner(owner string) error {
	if err := d.server.RemovePrefixByOwner(owner); err != nil {
		return errs.Wrap(errs.KindControllerFailed, err, "withdrawing routes owned by %s", owner)
	}

	return nil
}

// AddPeer adds address as a BGP neighbor outside of ApplyController's
// own peer reconciliation, used by operator-triggered peer additions.
func (d *Driver) AddPeer(address net.IP, asn uint32, password string, holdTime uint64) error {
	return d.server.AddPeer(address, asn, password, holdTime)
}

// RemovePeer removes a previously added BGP neighbor.
func (d *Driver) RemovePeer(address net.IP) error {
	return d.server.RemovePeer(address)
}

// Debug returns a snapshot of the driver's listener, peer and route
// state for introspection.
func (d *Driver) Debug() DebugInfo {
	return d.server.Debug()
}
