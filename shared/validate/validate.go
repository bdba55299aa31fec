// Package validate holds small, composable field validators shared by the
// data model (interfaces and SDN entities) and the daemon config schema. Most
// validators have the shape func(value string) error so they compose with
// Optional/Required.
package validate

import (
	"fmt"
	"net"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
)

// Func is a single field validator.
type Func func(value string) error

var interfaceNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{1,14}$`)

// IsInterfaceName validates an interface name against the IFNAMSIZ-derived
// naming rule shared by physical, bridge, bond, VLAN and VXLAN interfaces:
// 2 to 15 characters, starting with an alphanumeric.
func IsInterfaceName(name string) error {
	if !interfaceNameRe.MatchString(name) {
		return fmt.Errorf("invalid interface name %q", name)
	}

	return nil
}

// IsInt64 validates a string that parses as a signed 64-bit integer.
func IsInt64(value string) error {
	_, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %q: %w", value, err)
	}

	return nil
}

// IsUint8 validates a string that parses as an unsigned 8-bit integer.
func IsUint8(value string) error {
	_, err := strconv.ParseUint(value, 10, 8)
	if err != nil {
		return fmt.Errorf("invalid value %q: %w", value, err)
	}

	return nil
}

// IsUint16 validates a string that parses as an unsigned 16-bit integer.
func IsUint16(value string) error {
	_, err := strconv.ParseUint(value, 10, 16)
	if err != nil {
		return fmt.Errorf("invalid value %q: %w", value, err)
	}

	return nil
}

// IsUint32 validates a string that parses as an unsigned 32-bit integer.
func IsUint32(value string) error {
	_, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid value %q: %w", value, err)
	}

	return nil
}

func parseRange(value string, bitSize int) (uint64, uint64, error) {
	parts := strings.Split(value, "-")

	switch len(parts) {
	case 1:
		n, err := strconv.ParseUint(parts[0], 10, bitSize)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid range %q: %w", value, err)
		}

		return n, n, nil
	case 2:
		start, err := strconv.ParseUint(parts[0], 10, bitSize)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid range %q: %w", value, err)
		}

		end, err := strconv.ParseUint(parts[1], 10, bitSize)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid range %q: %w", value, err)
		}

		if end < start {
			return 0, 0, fmt.Errorf("invalid range %q: end before start", value)
		}

		return start, end, nil
	default:
		return 0, 0, fmt.Errorf("invalid range %q", value)
	}
}

// ParseUint32Range parses a single value ("5") or a dashed range ("1-5")
// into a start and a size, the form used by VXLAN id pools and VLAN-aware
// tag sets.
func ParseUint32Range(value string) (uint32, uint32, error) {
	start, end, err := parseRange(value, 32)
	if err != nil {
		return 0, 0, err
	}

	return uint32(start), uint32(end-start) + 1, nil
}

// IsUint32Range validates the form accepted by ParseUint32Range.
func IsUint32Range(value string) error {
	_, _, err := ParseUint32Range(value)
	return err
}

// IsInRange returns a validator rejecting values outside [min, max].
func IsInRange(minVal, maxVal int64) Func {
	return func(value string) error {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer %q: %w", value, err)
		}

		if n < minVal || n > maxVal {
			return fmt.Errorf("value %d out of range %d..%d", n, minVal, maxVal)
		}

		return nil
	}
}

// IsPriority validates a task or apply-step priority in the range 0..10.
func IsPriority(value string) error {
	return IsInRange(0, 10)(value)
}

// IsVlanTag validates an 802.1Q VLAN tag, accepting the closed range
// 1..4094.
func IsVlanTag(value string) error {
	return IsInRange(1, 4094)(value)
}

// IsVlanTagInt is the int-typed equivalent of IsVlanTag, used where the
// value has already been parsed.
func IsVlanTagInt(tag int) error {
	if tag < 1 || tag > 4094 {
		return fmt.Errorf("VLAN tag %d out of range 1..4094", tag)
	}

	return nil
}

// IsMTU validates an interface MTU, which must be at least 68 (the minimum
// payload an IPv4 datagram must be able to carry unfragmented).
func IsMTU(mtu int) error {
	if mtu < 68 {
		return fmt.Errorf("MTU %d below minimum of 68", mtu)
	}

	return nil
}

// IsVxlanID validates a VXLAN network identifier, a 24-bit value.
func IsVxlanID(id int64) error {
	if id < 0 || id >= 1<<24 {
		return fmt.Errorf("VXLAN id %d out of range 0..%d", id, int64(1<<24)-1)
	}

	return nil
}

// IsQoSPriority validates an 802.1p priority value (0..7).
func IsQoSPriority(p int) error {
	if p < 0 || p > 7 {
		return fmt.Errorf("QoS priority %d out of range 0..7", p)
	}

	return nil
}

// IsDSCP validates a DiffServ code point (0..63).
func IsDSCP(v int) error {
	if v < 0 || v > 63 {
		return fmt.Errorf("DSCP %d out of range 0..63", v)
	}

	return nil
}

// IsBool validates a string that parses as a boolean.
func IsBool(value string) error {
	switch strings.ToLower(value) {
	case "true", "false", "yes", "no", "1", "0":
		return nil
	default:
		return fmt.Errorf("invalid value for a boolean %q", value)
	}
}

// IsNotEmpty rejects only the exact empty string; whitespace-only values
// pass.
func IsNotEmpty(value string) error {
	if value == "" {
		return fmt.Errorf("value may not be empty")
	}

	return nil
}

// IsAny accepts every value, including the empty string.
func IsAny(value string) error {
	return nil
}

// IsOneOf returns a validator that accepts only the given set of values.
func IsOneOf(allowed ...string) Func {
	return func(value string) error {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}

		return fmt.Errorf("value %q must be one of %v", value, allowed)
	}
}

// IsListOf returns a validator that applies fn to each comma-separated
// element of value.
func IsListOf(fn Func) Func {
	return func(value string) error {
		if value == "" {
			return nil
		}

		for _, part := range strings.Split(value, ",") {
			if err := fn(strings.TrimSpace(part)); err != nil {
				return err
			}
		}

		return nil
	}
}

var sizeRe = regexp.MustCompile(`^[0-9]+(KiB|MiB|GiB|TiB|PiB|KB|MB|GB|TB|PB)?$`)

// IsSize validates a byte quantity expressed as a plain integer or an
// integer with a binary or decimal unit suffix.
func IsSize(value string) error {
	if !sizeRe.MatchString(value) {
		return fmt.Errorf("invalid size %q", value)
	}

	return nil
}

// IsNetworkMAC validates a MAC address in canonical colon-separated form.
func IsNetworkMAC(value string) error {
	if value == "" {
		return fmt.Errorf("empty MAC address")
	}

	hw, err := net.ParseMAC(value)
	if err != nil {
		return fmt.Errorf("invalid MAC address %q: %w", value, err)
	}

	if len(hw) != 6 || !strings.Contains(value, ":") {
		return fmt.Errorf("invalid MAC address %q: expected canonical colon-separated EUI-48", value)
	}

	return nil
}

// IsNetworkAddress validates a bare IPv4 or IPv6 address, with no CIDR
// suffix.
func IsNetworkAddress(value string) error {
	if strings.Contains(value, "/") {
		return fmt.Errorf("unexpected CIDR suffix in address %q", value)
	}

	_, err := netip.ParseAddr(value)
	if err != nil {
		return fmt.Errorf("invalid network address %q: %w", value, err)
	}

	return nil
}

// IsNetworkAddressCIDR validates an IPv4 or IPv6 address with a CIDR
// prefix, allowing non-zero host bits (an address within a network, not
// the network's base address).
func IsNetworkAddressCIDR(value string) error {
	_, _, err := net.ParseCIDR(value)
	if err != nil {
		return fmt.Errorf("invalid CIDR address %q: %w", value, err)
	}

	return nil
}

// IsNetwork validates a CIDR prefix whose host bits are all zero, i.e. the
// canonical base address of the network.
func IsNetwork(value string) error {
	prefix, err := netip.ParsePrefix(value)
	if err != nil {
		return fmt.Errorf("invalid network %q: %w", value, err)
	}

	if prefix != prefix.Masked() {
		return fmt.Errorf("network %q has non-zero host bits", value)
	}

	return nil
}

// IsNetworkV4 validates an IPv4 network in canonical form.
func IsNetworkV4(value string) error {
	if err := IsNetwork(value); err != nil {
		return err
	}

	prefix, _ := netip.ParsePrefix(value)
	if !prefix.Addr().Is4() {
		return fmt.Errorf("network %q is not an IPv4 network", value)
	}

	return nil
}

// IsNetworkV6 validates an IPv6 network in canonical form.
func IsNetworkV6(value string) error {
	if err := IsNetwork(value); err != nil {
		return err
	}

	prefix, _ := netip.ParsePrefix(value)
	if !prefix.Addr().Is6() || prefix.Addr().Is4In6() {
		return fmt.Errorf("network %q is not an IPv6 network", value)
	}

	return nil
}

// IsNetworkRange validates a dashed pair of addresses of the same family,
// with the start address no greater than the end address.
func IsNetworkRange(value string) error {
	parts := strings.Split(value, "-")
	if len(parts) != 2 {
		return fmt.Errorf("invalid network range %q", value)
	}

	start, err := netip.ParseAddr(parts[0])
	if err != nil {
		return fmt.Errorf("invalid range start %q: %w", parts[0], err)
	}

	end, err := netip.ParseAddr(parts[1])
	if err != nil {
		return fmt.Errorf("invalid range end %q: %w", parts[1], err)
	}

	if start.Is4() != end.Is4() {
		return fmt.Errorf("range %q mixes address families", value)
	}

	if start.Compare(end) > 0 {
		return fmt.Errorf("range %q: end before start", value)
	}

	return nil
}

// IsNetworkPort validates a port number in the range 0..65535.
func IsNetworkPort(value string) error {
	return IsUint16(value)
}

// IsNetworkPortRange validates a single port or a dashed port range.
func IsNetworkPortRange(value string) error {
	_, _, err := parseRange(value, 16)
	return err
}

// Optional wraps a validator so that an empty string is always accepted.
func Optional(fns ...Func) Func {
	return func(value string) error {
		if value == "" {
			return nil
		}

		for _, fn := range fns {
			if err := fn(value); err != nil {
				return err
			}
		}

		return nil
	}
}

// Required wraps a validator so that an empty string is always rejected.
func Required(fns ...Func) Func {
	return func(value string) error {
		if value == "" {
			return fmt.Errorf("value may not be empty")
		}

		for _, fn := range fns {
			if err := fn(value); err != nil {
				return err
			}
		}

		return nil
	}
}
