package netaddr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// Family identifies the address variant carried by an Address.
type Family uint8

const (
	// FamilyIPv4 tags a 4-octet address.
	FamilyIPv4 Family = iota
	// FamilyIPv6 tags a 16-octet address, optionally scoped.
	FamilyIPv6
)

// String returns "ipv4" or "ipv6".
func (f Family) String() string {
	if f == FamilyIPv6 {
		return "ipv6"
	}
	return "ipv4"
}

const (
	nullText    = "<null>"
	invalidText = "<invalid address>"
)

// Sentinel errors for Address operations.
var (
	// ErrEmptyInput indicates Parse was given an empty string.
	ErrEmptyInput = errors.New("netaddr: empty input")

	// ErrUnparseable indicates no recognized address form matched the input.
	ErrUnparseable = errors.New("netaddr: unparseable address")
)

// Address is a tagged IPv4/IPv6 endpoint value. The zero Address is the null
// address and formats to "<null>". Address carries no pointers, so a plain
// struct copy is always a safe, independent clone -- there is no aliasing
// hazard in handing one out as a borrow of bounded lifetime (SPEC_FULL.md §9).
type Address struct {
	addr  netip.Addr
	port  uint16
	valid bool
}

// Family reports which variant this Address carries. Meaningless on a null
// Address.
func (a Address) Family() Family {
	if a.addr.Is4() || a.addr.Is4In6() {
		return FamilyIPv4
	}
	return FamilyIPv6
}

// IsValid reports whether a was produced by a constructor rather than being
// the zero value.
func (a Address) IsValid() bool {
	return a.valid
}

// Port returns the host-endian port number.
func (a Address) Port() uint16 {
	return a.port
}

// SetPort returns a copy of a with the port replaced.
func (a Address) SetPort(port uint16) Address {
	a.port = port
	return a
}

// ScopeID returns the IPv6 zone identifier as a numeric scope id, or 0 if
// unset or not applicable (IPv4, or a textual zone such as an interface
// name that does not parse as a number).
func (a Address) ScopeID() uint32 {
	zone := a.addr.Zone()
	if zone == "" {
		return 0
	}
	n, err := strconv.ParseUint(zone, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}

// NetipAddr exposes the underlying net/netip representation for callers that
// need to hand addresses to stdlib networking APIs (socket dialing, etc).
func (a Address) NetipAddr() netip.Addr {
	return a.addr
}

// IPv4Any returns the IPv4 "any" address (0.0.0.0) with the given port.
func IPv4Any(port uint16) Address {
	return Address{addr: netip.IPv4Unspecified(), port: port, valid: true}
}

// IPv6Any returns the IPv6 "any" address (::) with the given port.
func IPv6Any(port uint16) Address {
	return Address{addr: netip.IPv6Unspecified(), port: port, valid: true}
}

// FromNetipAddrPort builds an Address from a net/netip value pair.
func FromNetipAddrPort(ap netip.AddrPort) Address {
	return Address{addr: ap.Addr(), port: ap.Port(), valid: ap.IsValid()}
}

// Clone returns a deep (here: value) copy of addr. Present for parity with
// the original library's explicit clone operation; Go's value semantics make
// this a plain return, but the call site reads the same either way.
func Clone(addr Address) Address {
	return addr
}

// Equal reports whether a and b carry the same family, payload bytes, and
// port. Scope zones participate in the comparison (structural equality over
// "all bytes of the native representation", SPEC_FULL.md §3).
func Equal(a, b Address) bool {
	if a.valid != b.valid {
		return false
	}
	if !a.valid {
		return true
	}
	return a.addr == b.addr && a.port == b.port
}

// Format renders addr per SPEC_FULL.md §4.1/§6. A null Address formats to
// "<null>"; an invalid (unparseable) one to "<invalid address>". When
// numericOnly is false, Format may perform a blocking reverse DNS lookup via
// the stdlib resolver (SPEC_FULL.md §9 open question) -- callers on a hot
// path should pass numericOnly=true, which every internal call site does.
func Format(addr Address, numericOnly bool) string {
	if !addr.valid {
		return nullText
	}
	if !addr.addr.IsValid() {
		return invalidText
	}

	host := addr.addr.String()
	if !numericOnly {
		if names, err := net.DefaultResolver.LookupAddr(context.Background(), addr.addr.String()); err == nil && len(names) > 0 {
			host = strings.TrimSuffix(names[0], ".")
		}
	}

	if addr.port == 0 {
		return host
	}
	if addr.Family() == FamilyIPv6 {
		return fmt.Sprintf("[%s]:%d", host, addr.port)
	}
	return fmt.Sprintf("%s:%d", host, addr.port)
}

// String is equivalent to Format(a, true).
func (a Address) String() string {
	return Format(a, true)
}

// Parse accepts the textual forms documented in SPEC_FULL.md §4.1: bare
// numeric IPv4, IPv4:port, bare compressed IPv6, bracketed [IPv6]:port, a
// port-only string (returns both families' any-addresses), or a hostname
// resolved via the stdlib resolver. Empty input fails. A port-only string
// outside 1-65535 is reinterpreted as a plain (non-port-only) string rather
// than failing outright.
func Parse(text string) ([]Address, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}

	if port, ok := portOnly(text); ok {
		return []Address{IPv4Any(port), IPv6Any(port)}, nil
	}

	if addrs, ok := parseNumeric(text); ok {
		return addrs, nil
	}

	return resolveHost(text)
}

// portOnly recognizes an all-digit string naming a valid port 1-65535.
func portOnly(text string) (uint16, bool) {
	for _, r := range text {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseUint(text, 10, 32)
	if err != nil || n < 1 || n > 65535 {
		return 0, false
	}
	return uint16(n), true
}

// parseNumeric handles the numeric IPv4/IPv6 forms (with or without a port,
// bracketed or bare) without touching the resolver.
func parseNumeric(text string) ([]Address, bool) {
	host, portStr, hasPort := splitHostPort(text)

	ip, err := netip.ParseAddr(host)
	if err != nil {
		return nil, false
	}

	var port uint16
	if hasPort {
		n, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, false
		}
		port = uint16(n)
	}

	return []Address{{addr: ip, port: port, valid: true}}, true
}

// splitHostPort splits "host", "host:port", and "[host]:port" forms. It does
// not validate the host; that is left to netip.ParseAddr.
func splitHostPort(text string) (host, port string, hasPort bool) {
	if strings.HasPrefix(text, "[") {
		if idx := strings.Index(text, "]"); idx >= 0 {
			host = text[1:idx]
			rest := text[idx+1:]
			if strings.HasPrefix(rest, ":") {
				return host, rest[1:], true
			}
			return host, "", false
		}
	}

	// Bare IPv6 has multiple colons; a host:port form has exactly one.
	if strings.Count(text, ":") == 1 {
		parts := strings.SplitN(text, ":", 2)
		return parts[0], parts[1], true
	}

	return text, "", false
}

// resolveHost delegates non-numeric input to the resolver external
// collaborator (SPEC_FULL.md §6).
func resolveHost(text string) ([]Address, error) {
	host, portStr, hasPort := splitHostPort(text)
	var port uint16
	if hasPort {
		n, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("parse port %q: %w", portStr, ErrUnparseable)
		}
		port = uint16(n)
	} else {
		host = text
	}

	ips, err := net.DefaultResolver.LookupIPAddr(context.Background(), host)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("resolve %q: %w", host, ErrUnparseable)
	}

	out := make([]Address, 0, len(ips))
	for _, ip := range ips {
		a, ok := netip.AddrFromSlice(ip.IP)
		if !ok {
			continue
		}
		out = append(out, Address{addr: a.Unmap(), port: port, valid: true})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("resolve %q: %w", host, ErrUnparseable)
	}
	return out, nil
}

// Local enumerates usable interface addresses (the external "host-adapter
// enumeration" collaborator of SPEC_FULL.md §6), excluding link-local scopes
// without a scope id, administratively-down adapters, and multicast
// addresses -- matching §4.1's exclusion rules.
func Local() ([]Address, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("enumerate interfaces: %w", err)
	}

	var out []Address
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, a := range addrs {
			addr, ok := addrFromIfaceAddr(a, iface)
			if !ok {
				continue
			}
			out = append(out, addr)
		}
	}
	return out, nil
}

// addrFromIfaceAddr converts a net.Addr reported by an interface into an
// Address, applying the §4.1 exclusion rules.
func addrFromIfaceAddr(a net.Addr, iface net.Interface) (Address, bool) {
	ipNet, ok := a.(*net.IPNet)
	if !ok {
		return Address{}, false
	}

	ip, ok := netip.AddrFromSlice(ipNet.IP)
	if !ok {
		return Address{}, false
	}
	ip = ip.Unmap()

	if ip.IsMulticast() {
		return Address{}, false
	}
	if ip.IsLinkLocalUnicast() {
		// Zone every link-local address to its owning interface's name, so
		// none is returned without a scope.
		ip = ip.WithZone(iface.Name)
	}

	return Address{addr: ip, valid: true}, true
}
