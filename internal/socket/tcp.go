package socket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mjansson/network-lib-sub000/internal/netaddr"
)

// tcpHooks implements protocolHooks for stream sockets (SPEC_FULL.md §4.3).
type tcpHooks struct{}

var _ protocolHooks = tcpHooks{}

// NewTCP constructs an unopened TCP socket. The descriptor is created lazily
// on the first Bind, Connect, or Listen call, matching the original
// library's "open on first address family use" behavior.
func NewTCP() *Socket {
	return newSocket(ProtocolTCP, tcpHooks{}, nil)
}

func (tcpHooks) open(sock *Socket, family netaddr.Family) error {
	fd, err := unix.Socket(domainFor(family), unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return fmt.Errorf("socket(SOCK_STREAM): %w", err)
	}
	if err := applyPresetOpts(fd, sock.flags); err == nil {
		// Default to non-blocking unless SetBlocking(true) was called before open.
		if !sock.flags.Has(FlagBlocking) {
			_ = setNonblock(fd, true)
		}
	} else {
		_ = unix.Close(fd)
		return err
	}
	if sock.flags.Has(FlagTCPNoDelay) {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}
	sock.fd = fd
	return nil
}

// waitDance drives the bounded, cancelable readiness wait shared by a
// non-blocking Connect's handshake completion and Accept's listener-ready
// wait (SPEC_FULL.md §4.2's "timed non-blocking dance", reused per §4.3 for
// Accept). It polls wait in slices short enough that ctx cancellation and
// the overall deadline are both honored promptly, mirroring the select-
// with-timeval loop the original library runs around connect/accept.
func waitDance(ctx context.Context, fd int, timeout time.Duration, wait func(fd int, d time.Duration) (bool, error)) error {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		waitFor := 200 * time.Millisecond
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return ErrConnectTimeout
			}
			if remaining < waitFor {
				waitFor = remaining
			}
		}

		ready, err := wait(fd, waitFor)
		if err != nil {
			return fmt.Errorf("wait: %w", err)
		}
		if ready {
			return nil
		}
	}
}

func (tcpHooks) connect(ctx context.Context, sock *Socket, addr netaddr.Address, timeout time.Duration) error {
	sa := toSockaddr(addr)
	blocking := sock.flags.Has(FlagBlocking)

	// timeout>0 on a blocking fd: switch to non-blocking for the dance,
	// then restore (SPEC_FULL.md §4.2).
	if timeout > 0 && blocking {
		if err := setNonblock(sock.fd, true); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer func() { _ = setNonblock(sock.fd, false) }()
	}

	err := unix.Connect(sock.fd, sa)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EINPROGRESS) {
		return fmt.Errorf("connect: %w", err)
	}

	if timeout == 0 && !blocking {
		// Non-blocking fd, no timeout: report success immediately and
		// leave the handshake in flight.
		return errConnectInProgress
	}

	if err := waitDance(ctx, sock.fd, timeout, waitWritable); err != nil {
		return err
	}

	soErr, err := unix.GetsockoptInt(sock.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("getsockopt SO_ERROR: %w", err)
	}
	if soErr != 0 {
		return fmt.Errorf("connect: %w", unix.Errno(soErr))
	}
	return nil
}

func (tcpHooks) readBuffered(sock *Socket, wanted int) (int, error) {
	if wanted > len(sock.bufferIn)-1 {
		wanted = len(sock.bufferIn) - 1
	}
	tmp := make([]byte, wanted)
	n, err := unix.Read(sock.fd, tmp)
	switch {
	case n == 0 && err == nil:
		sock.setPendingHangupLocked()
		return 0, nil
	case errors.Is(err, unix.EAGAIN):
		return 0, nil
	case errors.Is(err, unix.ECONNRESET), errors.Is(err, unix.ETIMEDOUT), errors.Is(err, unix.ENOTCONN):
		sock.setPendingHangupLocked()
		return 0, fmt.Errorf("read: %w", err)
	case err != nil:
		sock.setPendingErrorLocked()
		return 0, fmt.Errorf("read: %w", err)
	}
	return sock.appendRing(tmp[:n]), nil
}

func (tcpHooks) writeBuffered(sock *Socket) (int, error) {
	n, err := unix.Write(sock.fd, sock.bufferOut[:sock.offsetWriteOut])
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, nil
		}
		sock.setPendingErrorLocked()
		return n, fmt.Errorf("write: %w", err)
	}
	return n, nil
}

func (tcpHooks) streamInit(sock *Socket) {
	// Stream reads/writes go through Socket.Read/Write directly; nothing to
	// prime for TCP.
}

// Listen transitions the socket to StateListening, creating the descriptor
// and binding it to addr first if necessary.
func (s *Socket) Listen(addr netaddr.Address, backlog int) error {
	s.mu.Lock()
	if s.protocol != ProtocolTCP {
		s.mu.Unlock()
		return ErrNotSupported
	}
	if err := s.open(addr.Family()); err != nil {
		s.mu.Unlock()
		return err
	}
	if !s.localAddr.IsValid() {
		if err := unix.Bind(s.fd, toSockaddr(addr)); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("bind %v: %w", addr, err)
		}
	}
	if err := unix.Listen(s.fd, backlog); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen: %w", err)
	}
	if local, err := localSockaddrToAddress(s.fd); err == nil {
		s.localAddr = local
	}
	s.mu.Unlock()

	s.markListening()
	return nil
}

// Accept accepts one pending connection from a listening TCP socket,
// performing the equivalent of Connect's timed non-blocking dance
// (SPEC_FULL.md §4.3): timeout zero on a non-blocking listener tries once and
// returns a wrapped EAGAIN if nothing is pending; timeout zero on a blocking
// listener waits indefinitely bounded by ctx; timeout greater than zero waits
// that long, temporarily switching a blocking listener to non-blocking for
// the wait and restoring it afterward. Returns ErrNotSupported on a non-TCP
// socket.
func (s *Socket) Accept(ctx context.Context, timeout time.Duration) (*Socket, error) {
	s.mu.Lock()
	if s.protocol != ProtocolTCP {
		s.mu.Unlock()
		return nil, ErrNotSupported
	}
	if s.state != StateListening {
		s.mu.Unlock()
		return nil, fmt.Errorf("accept: %w", ErrClosed)
	}
	fd := s.fd
	blocking := s.flags.Has(FlagBlocking)
	s.mu.Unlock()

	if timeout > 0 && blocking {
		if err := setNonblock(fd, true); err != nil {
			return nil, fmt.Errorf("accept: %w", err)
		}
		defer func() { _ = setNonblock(fd, false) }()
	}

	if timeout > 0 || blocking {
		if err := waitDance(ctx, fd, timeout, waitReadable); err != nil {
			return nil, fmt.Errorf("accept: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-arm the CONNECTION latch so a Poller reports the next pending peer.
	s.flags &^= FlagConnectionPending

	childFD, sa, err := unix.Accept(s.fd)
	if err != nil {
		return nil, fmt.Errorf("accept: %w", err)
	}
	_ = setNonblock(childFD, true)

	child := NewTCP()
	child.logger = s.logger
	child.fd = childFD
	child.family = s.family
	child.state = StateConnected
	if remote, err := fromSockaddr(sa); err == nil {
		child.remoteAddr = remote
	}
	if local, err := localSockaddrToAddress(childFD); err == nil {
		child.localAddr = local
	}
	return child, nil
}

// SetDelay enables (true) or disables (false) Nagle's algorithm: enabling
// the delay clears TCP_NODELAY, disabling it sets TCP_NODELAY.
func (s *Socket) SetDelay(delay bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.protocol != ProtocolTCP {
		return ErrNotSupported
	}
	if delay {
		s.flags &^= FlagTCPNoDelay
	} else {
		s.flags |= FlagTCPNoDelay
	}
	if s.fd == invalidFD {
		return nil
	}
	val := 0
	if !delay {
		val = 1
	}
	if err := unix.SetsockoptInt(s.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, val); err != nil {
		return fmt.Errorf("set TCP_NODELAY: %w", err)
	}
	return nil
}
