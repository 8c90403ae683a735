//go:build unix

package socket

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/mjansson/network-lib-sub000/internal/netaddr"
)

// toSockaddr converts an Address into the unix.Sockaddr form the raw
// syscalls expect, grounded on the struct sockaddr_in/sockaddr_in6 fill-in
// logic of the original address.c.
func toSockaddr(addr netaddr.Address) unix.Sockaddr {
	ip := addr.NetipAddr()
	if addr.Family() == netaddr.FamilyIPv4 {
		sa := &unix.SockaddrInet4{Port: int(addr.Port())}
		sa.Addr = ip.As4()
		return sa
	}
	sa := &unix.SockaddrInet6{Port: int(addr.Port()), ZoneId: addr.ScopeID()}
	sa.Addr = ip.As16()
	return sa
}

// fromSockaddr is the inverse of toSockaddr, used after accept/getsockname/
// recvfrom calls that hand back a raw unix.Sockaddr.
func fromSockaddr(sa unix.Sockaddr) (netaddr.Address, error) {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		ip := netip.AddrFrom4(v.Addr)
		return netaddr.FromNetipAddrPort(netip.AddrPortFrom(ip, uint16(v.Port))), nil
	case *unix.SockaddrInet6:
		ip := netip.AddrFrom16(v.Addr)
		if v.ZoneId != 0 {
			ip = ip.WithZone(fmt.Sprintf("%d", v.ZoneId))
		}
		return netaddr.FromNetipAddrPort(netip.AddrPortFrom(ip, uint16(v.Port))), nil
	default:
		return netaddr.Address{}, fmt.Errorf("unsupported sockaddr type %T", sa)
	}
}

// localSockaddrToAddress reads the local address bound to fd via
// getsockname, mirroring _socket_store_address_local.
func localSockaddrToAddress(fd int) (netaddr.Address, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netaddr.Address{}, fmt.Errorf("getsockname: %w", err)
	}
	return fromSockaddr(sa)
}

// setNonblock toggles O_NONBLOCK on fd.
func setNonblock(fd int, nonblock bool) error {
	return unix.SetNonblock(fd, nonblock)
}

// domainFor returns the socket(2) address family constant for addr.
func domainFor(family netaddr.Family) int {
	if family == netaddr.FamilyIPv6 {
		return unix.AF_INET6
	}
	return unix.AF_INET
}

// applyPresetOpts re-applies option flags that were set before the fd
// existed (SetReuseAddress/SetReusePort called prior to open/Bind/Connect).
func applyPresetOpts(fd int, flags Flags) error {
	if flags.Has(FlagReuseAddress) {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return fmt.Errorf("set SO_REUSEADDR: %w", err)
		}
	}
	if flags.Has(FlagReusePort) {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			return fmt.Errorf("set SO_REUSEPORT: %w", err)
		}
	}
	if flags.Has(FlagBlocking) {
		if err := setNonblock(fd, false); err != nil {
			return fmt.Errorf("clear nonblocking: %w", err)
		}
	}
	return nil
}
