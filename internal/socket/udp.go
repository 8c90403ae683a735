package socket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mjansson/network-lib-sub000/internal/netaddr"
)

// udpHooks implements protocolHooks for datagram sockets (SPEC_FULL.md §4.4).
type udpHooks struct{}

var _ protocolHooks = udpHooks{}

// NewUDP constructs an unopened UDP socket.
func NewUDP() *Socket {
	return newSocket(ProtocolUDP, udpHooks{}, nil)
}

func (udpHooks) open(sock *Socket, family netaddr.Family) error {
	fd, err := unix.Socket(domainFor(family), unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return fmt.Errorf("socket(SOCK_DGRAM): %w", err)
	}
	if err := applyPresetOpts(fd, sock.flags); err != nil {
		_ = unix.Close(fd)
		return err
	}
	if !sock.flags.Has(FlagBlocking) {
		_ = setNonblock(fd, true)
	}
	sock.fd = fd
	return nil
}

// connect for UDP has no handshake: unix.Connect on a datagram socket only
// records the default destination for subsequent Write/SendTo calls and
// completes synchronously, so timeout and ctx are unused here.
func (udpHooks) connect(_ context.Context, sock *Socket, addr netaddr.Address, _ time.Duration) error {
	if err := unix.Connect(sock.fd, toSockaddr(addr)); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (udpHooks) readBuffered(sock *Socket, wanted int) (int, error) {
	if wanted > len(sock.bufferIn)-1 {
		wanted = len(sock.bufferIn) - 1
	}
	tmp := make([]byte, wanted)
	n, _, err := unix.Recvfrom(sock.fd, tmp, 0)
	switch {
	case n == 0 && err == nil:
		// Remote end closed the association gracefully.
		sock.setPendingHangupLocked()
		return 0, nil
	case errors.Is(err, unix.EAGAIN):
		return 0, nil
	case errors.Is(err, unix.ECONNRESET), errors.Is(err, unix.ETIMEDOUT), errors.Is(err, unix.ENOTCONN):
		sock.setPendingHangupLocked()
		return 0, fmt.Errorf("recvfrom: %w", err)
	case err != nil:
		sock.setPendingErrorLocked()
		return 0, fmt.Errorf("recvfrom: %w", err)
	}
	return sock.appendRing(tmp[:n]), nil
}

func (udpHooks) writeBuffered(sock *Socket) (int, error) {
	n, err := unix.Write(sock.fd, sock.bufferOut[:sock.offsetWriteOut])
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, nil
		}
		sock.setPendingErrorLocked()
		return n, fmt.Errorf("send: %w", err)
	}
	return n, nil
}

func (udpHooks) streamInit(sock *Socket) {
	// A UDP socket has no connection handshake; the stream layer can begin
	// reading/writing datagrams as soon as Connect has set the default peer.
}

// RecvFrom reads one datagram into p without requiring the socket to be
// connected to a single peer, returning the number of bytes copied and the
// sender's address (SPEC_FULL.md §4.4). RecvFrom bypasses the ring buffer
// used by Read/Write: per-datagram framing and per-datagram source address
// cannot both survive a byte-oriented ring.
func (s *Socket) RecvFrom(p []byte) (int, netaddr.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.protocol != ProtocolUDP {
		return 0, netaddr.Address{}, ErrNotSupported
	}
	if s.state != StateNotConnected {
		panic("socket: RecvFrom on a connected UDP socket")
	}
	if s.fd == invalidFD {
		return 0, netaddr.Address{}, ErrClosed
	}

	n, sa, err := unix.Recvfrom(s.fd, p, 0)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, netaddr.Address{}, nil
		}
		return 0, netaddr.Address{}, fmt.Errorf("recvfrom: %w", err)
	}
	from, ferr := fromSockaddr(sa)
	if ferr != nil {
		return n, netaddr.Address{}, nil
	}
	s.bytesRead += uint64(n)
	return n, from, nil
}

// SendTo writes one datagram to addr without requiring a prior Connect.
func (s *Socket) SendTo(p []byte, addr netaddr.Address) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.protocol != ProtocolUDP {
		return 0, ErrNotSupported
	}
	if err := s.open(addr.Family()); err != nil {
		return 0, err
	}

	err := unix.Sendto(s.fd, p, 0, toSockaddr(addr))
	if err != nil {
		return 0, fmt.Errorf("sendto %v: %w", addr, err)
	}
	s.bytesWritten += uint64(len(p))
	return len(p), nil
}
