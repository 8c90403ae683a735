package socket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mjansson/network-lib-sub000/internal/netaddr"
)

// Protocol tags which set of hooks a Socket was opened with.
type Protocol uint8

const (
	// ProtocolTCP selects the TCP hook set (tcp.go).
	ProtocolTCP Protocol = iota
	// ProtocolUDP selects the UDP hook set (udp.go).
	ProtocolUDP
)

func (p Protocol) String() string {
	if p == ProtocolUDP {
		return "udp"
	}
	return "tcp"
}

const (
	defaultReadBufferSize  = 16384
	defaultWriteBufferSize = 16384

	// invalidFD marks a Socket with no underlying descriptor.
	invalidFD = -1
)

// Sentinel errors returned by Socket operations (SPEC_FULL.md §7).
var (
	// ErrAlreadyConnected is returned by Connect on a socket that is not in
	// StateNotConnected.
	ErrAlreadyConnected = errors.New("socket: already connected")

	// ErrClosed is returned by operations attempted on a socket with no
	// live descriptor.
	ErrClosed = errors.New("socket: closed")

	// ErrNotSupported is returned by a protocol-specific operation invoked
	// on the wrong protocol (e.g. SetDelay on a UDP socket).
	ErrNotSupported = errors.New("socket: operation not supported for this protocol")

	// ErrConnectTimeout is returned when a non-blocking Connect does not
	// complete within the given timeout.
	ErrConnectTimeout = errors.New("socket: connect timed out")
)

// errConnectInProgress signals tcpHooks.connect's "non-blocking fd, zero
// timeout" case: the OS call returned EINPROGRESS and the caller asked for
// no wait, so Connect should report success while leaving state at
// Connecting rather than advancing to Connected (SPEC_FULL.md §4.2).
var errConnectInProgress = errors.New("socket: connect in progress")

// protocolHooks supplies the behavior that differs between TCP and UDP. It
// plays the role the original library gave to a socket_t's open_fn/
// connect_fn/read_fn/write_fn/stream_initialize_fn function pointers; Go
// expresses the same per-protocol polymorphism as an interface instead of a
// struct of function pointers (SPEC_FULL.md §9).
type protocolHooks interface {
	// open creates the underlying file descriptor for family.
	open(sock *Socket, family netaddr.Family) error

	// connect drives the connection attempt, blocking up to timeout. With
	// zero, a non-blocking fd returns errConnectInProgress at once and a
	// blocking fd waits in the OS connect call.
	connect(ctx context.Context, sock *Socket, addr netaddr.Address, timeout time.Duration) error

	// readBuffered pulls up to wanted bytes from the fd into sock's read
	// buffer, returning the number of bytes appended.
	readBuffered(sock *Socket, wanted int) (int, error)

	// writeBuffered flushes sock's output buffer to the fd, returning the
	// number of bytes written.
	writeBuffered(sock *Socket) (int, error)

	// streamInit runs once, the first time a caller asks for a stream view
	// of the socket (see internal/sockstream).
	streamInit(sock *Socket)
}

// Socket is a single-owner handle around a native file descriptor, carrying
// the buffered-I/O and lifecycle state shared by TCP and UDP
// (SPEC_FULL.md §3, §4.2). The zero value is not usable; construct one via
// NewTCP or NewUDP.
//
// A Socket is safe for concurrent use: state, flags and the byte counters
// are guarded by mu. The buffers are only ever touched from Read/Write/
// Flush/readBuffered/writeBuffered, which all take mu.
type Socket struct {
	mu sync.Mutex

	fd       int
	family   netaddr.Family
	protocol Protocol
	hooks    protocolHooks
	logger   *slog.Logger

	state State
	flags Flags

	localAddr  netaddr.Address
	remoteAddr netaddr.Address

	bufferIn       []byte
	offsetReadIn   int
	offsetWriteIn  int
	bufferOut      []byte
	offsetWriteOut int

	bytesRead    uint64
	bytesWritten uint64

	lastDataInMark int
}

func newSocket(protocol Protocol, hooks protocolHooks, logger *slog.Logger) *Socket {
	if logger == nil {
		logger = slog.Default()
	}
	return &Socket{
		fd:        invalidFD,
		protocol:  protocol,
		hooks:     hooks,
		logger:    logger.With(slog.String("component", "socket"), slog.String("protocol", protocol.String())),
		bufferIn:  make([]byte, defaultReadBufferSize),
		bufferOut: make([]byte, defaultWriteBufferSize),
	}
}

// Fd returns the underlying file descriptor, or invalidFD (-1) if the socket
// has no open descriptor. Exposed package-internally for the poller backend.
func (s *Socket) Fd() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fd
}

// Protocol reports which hook set this socket was constructed with.
func (s *Socket) Protocol() Protocol {
	return s.protocol
}

// State returns the socket's current lifecycle state, first running the
// polled-state refinement (SPEC_FULL.md §4.2) so a caller not using a
// Poller still observes handshake completion and remote hangup.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refineStateLocked()
	return s.state
}

// refineStateLocked is the Go counterpart to _socket_poll_state: a socket
// not owned by a Poller (FlagPolled unset) gets its fd probed here instead
// of waiting for readiness events that will never arrive. Connecting
// resolves to Connected or closes on error; Connected is checked for a
// remote close; a Disconnected socket with nothing left buffered is closed.
func (s *Socket) refineStateLocked() {
	if s.flags.Has(FlagPolled) || s.fd == invalidFD {
		return
	}

	switch s.state {
	case StateConnecting:
		writable, errored, err := pollConnecting(s.fd)
		if err != nil || errored {
			_ = s.closeLocked()
		} else if writable {
			s.state = StateConnected
			if local, lerr := localSockaddrToAddress(s.fd); lerr == nil {
				s.localAddr = local
			}
		}
		return

	case StateConnected:
		n, err := unix.IoctlGetInt(s.fd, unix.FIONREAD)
		if err == nil && n > 0 {
			return
		}
		if err == nil {
			// Nothing queued: an fd that still polls readable has seen the
			// peer close (or has an error pending).
			if readable, werr := waitReadable(s.fd, 0); werr != nil || !readable {
				return
			}
		}
		s.state = applyEvent(s.state, eventHangup)
		fallthrough

	case StateDisconnected:
		if s.bufferedIn() == 0 {
			_ = s.closeLocked()
		}
	}
}

// Flags returns a snapshot of the socket's option/latch bitmask.
func (s *Socket) Flags() Flags {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags
}

// LocalAddr returns the address the socket is bound to, or the zero Address
// if it has not been bound/connected.
func (s *Socket) LocalAddr() netaddr.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localAddr
}

// RemoteAddr returns the peer address, or the zero Address if the socket is
// not connected.
func (s *Socket) RemoteAddr() netaddr.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteAddr
}

// BytesRead returns the cumulative count of bytes delivered to callers of
// Read, across the socket's lifetime.
func (s *Socket) BytesRead() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesRead
}

// BytesWritten returns the cumulative count of bytes accepted by Write.
func (s *Socket) BytesWritten() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesWritten
}

// open lazily creates the fd for family via the protocol hooks, matching
// _socket_create_fd's "create on first use" behavior.
func (s *Socket) open(family netaddr.Family) error {
	if s.fd != invalidFD {
		return nil
	}
	if err := s.hooks.open(s, family); err != nil {
		return fmt.Errorf("open %s socket: %w", s.protocol, err)
	}
	s.family = family
	return nil
}

// Bind assigns a local address to the socket, opening the descriptor if
// necessary (SPEC_FULL.md §4.2).
func (s *Socket) Bind(addr netaddr.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.open(addr.Family()); err != nil {
		return err
	}

	sa := toSockaddr(addr)
	if err := unix.Bind(s.fd, sa); err != nil {
		return fmt.Errorf("bind %v: %w", addr, err)
	}

	local, err := localSockaddrToAddress(s.fd)
	if err == nil {
		s.localAddr = local
	} else {
		s.localAddr = addr
	}
	return nil
}

// Connect opens (if necessary) and connects the socket to addr, driving the
// NotConnected->Connecting->Connected transition. With a timeout of zero, a
// non-blocking socket (the default) returns at once with the state left at
// Connecting, and a blocking socket waits in the kernel's connect call,
// which ctx does not interrupt. A socket that is already
// connecting or connected returns ErrAlreadyConnected, matching the
// original library's refusal to reconnect a live socket.
func (s *Socket) Connect(ctx context.Context, addr netaddr.Address, timeout time.Duration) error {
	s.mu.Lock()
	if s.state != StateNotConnected {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	if err := s.open(addr.Family()); err != nil {
		s.mu.Unlock()
		return err
	}
	s.flags &^= FlagConnectionPending | FlagHangupPending | FlagErrorPending
	s.state = applyEvent(s.state, eventConnectStart)
	s.mu.Unlock()

	err := s.hooks.connect(ctx, s, addr, timeout)

	s.mu.Lock()
	defer s.mu.Unlock()

	if errors.Is(err, errConnectInProgress) {
		// State is already Connecting; the caller (or a Poller) observes
		// completion later through State() or MarkConnectedFromPoll.
		return nil
	}
	if err != nil {
		s.state = applyEvent(s.state, eventSocketError)
		return fmt.Errorf("connect %v: %w", addr, err)
	}

	s.state = applyEvent(s.state, eventConnectComplete)
	s.remoteAddr = netaddr.Clone(addr)
	if local, lerr := localSockaddrToAddress(s.fd); lerr == nil {
		s.localAddr = local
	}
	return nil
}

// markListening records that the socket entered StateListening; called by
// tcpHooks.listen after a successful unix.Listen.
func (s *Socket) markListening() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = applyEvent(s.state, eventListen)
}

// markConnected is used by protocols (UDP) that are "connected" the instant
// the remote address is configured, with no handshake to wait for.
func (s *Socket) markConnected(remote netaddr.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateConnected
	s.remoteAddr = remote
}

// Close releases the underlying descriptor and resets lifecycle state to
// NotConnected, mirroring _socket_close's "ready to be reused" contract.
// Close is idempotent.
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

// closeLocked is Close's lock-held body, also used by refineStateLocked to
// close out a drained Disconnected socket or a Connecting socket that
// failed its readiness probe.
func (s *Socket) closeLocked() error {
	if s.fd == invalidFD {
		return nil
	}

	fd := s.fd
	s.fd = invalidFD
	s.state = StateNotConnected
	s.flags = 0
	s.localAddr = netaddr.Address{}
	s.remoteAddr = netaddr.Address{}
	s.offsetReadIn = 0
	s.offsetWriteIn = 0
	s.offsetWriteOut = 0

	_ = unix.Shutdown(fd, unix.SHUT_RDWR)
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("close fd %d: %w", fd, err)
	}
	return nil
}

// SetBlocking toggles O_NONBLOCK on the underlying descriptor.
func (s *Socket) SetBlocking(block bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if block {
		s.flags |= FlagBlocking
	} else {
		s.flags &^= FlagBlocking
	}
	if s.fd == invalidFD {
		return nil
	}
	return setNonblock(s.fd, !block)
}

// SetReuseAddress sets SO_REUSEADDR. Takes effect immediately if the
// descriptor already exists, and is re-applied on the next open otherwise.
func (s *Socket) SetReuseAddress(enable bool) error {
	return s.setBoolOpt(FlagReuseAddress, unix.SOL_SOCKET, unix.SO_REUSEADDR, enable)
}

// SetReusePort sets SO_REUSEPORT.
func (s *Socket) SetReusePort(enable bool) error {
	return s.setBoolOpt(FlagReusePort, unix.SOL_SOCKET, unix.SO_REUSEPORT, enable)
}

func (s *Socket) setBoolOpt(flag Flags, level, opt int, enable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if enable {
		s.flags |= flag
	} else {
		s.flags &^= flag
	}
	if s.fd == invalidFD {
		return nil
	}
	val := 0
	if enable {
		val = 1
	}
	if err := unix.SetsockoptInt(s.fd, level, opt, val); err != nil {
		return fmt.Errorf("setsockopt: %w", err)
	}
	return nil
}

// setPendingHangup latches a hangup observed by a poller backend.
func (s *Socket) setPendingHangup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setPendingHangupLocked()
}

// setPendingHangupLocked is the lock-held form, used by protocol hooks that
// are invoked from within an already-locked Read/Write.
func (s *Socket) setPendingHangupLocked() {
	s.flags |= FlagHangupPending
	s.state = applyEvent(s.state, eventHangup)
}

// setPendingError latches a socket error observed by a poller backend.
func (s *Socket) setPendingError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setPendingErrorLocked()
}

// setPendingErrorLocked is the lock-held form used by protocol hooks.
func (s *Socket) setPendingErrorLocked() {
	s.flags |= FlagErrorPending
	s.state = applyEvent(s.state, eventSocketError)
}

// bufferedIn returns the number of unread bytes sitting in the ring-style
// read buffer (mirrors _socket_buffered_in).
func (s *Socket) bufferedIn() int {
	if s.offsetWriteIn >= s.offsetReadIn {
		return s.offsetWriteIn - s.offsetReadIn
	}
	return (len(s.bufferIn) - s.offsetReadIn) + s.offsetWriteIn
}

// AvailableRead returns the number of bytes immediately available to Read
// without blocking: buffered bytes plus whatever the kernel's availability
// probe reports still sitting on the fd (mirrors _socket_available_fd's
// FIONREAD ioctl).
func (s *Socket) AvailableRead() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	buffered := s.bufferedIn()
	if s.fd == invalidFD {
		return buffered
	}
	if n, err := unix.IoctlGetInt(s.fd, unix.FIONREAD); err == nil && n > 0 {
		return buffered + n
	}
	return buffered
}

// Read drains up to len(p) bytes, pulling from the protocol's readBuffered
// hook as needed. It mirrors _socket_read's two-pass drain-then-fetch loop.
// Read never returns more than it actually copied; a partial read is
// reported via a short n with a nil error, not io.ErrShortBuffer.
func (s *Socket) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fd == invalidFD {
		return 0, ErrClosed
	}
	if s.state != StateConnected && s.state != StateDisconnected {
		return 0, nil
	}
	if len(p) == 0 {
		return 0, nil
	}

	wasRead := 0
	for loop := 0; wasRead < len(p) && loop < 2; loop++ {
		progressed := false
		for {
			n := s.drainRingInto(p[wasRead:])
			if n == 0 {
				break
			}
			wasRead += n
			progressed = true
		}

		if wasRead < len(p) {
			want := len(p) - wasRead
			if _, err := s.hooks.readBuffered(s, want); err != nil {
				if wasRead > 0 {
					break
				}
				return 0, err
			}
		}

		if progressed {
			loop = 0
		}
	}

	s.bytesRead += uint64(wasRead)
	return wasRead, nil
}

// drainRingInto copies from the ring buffer into dst, advancing
// offsetReadIn, and returns the number of bytes copied.
func (s *Socket) drainRingInto(dst []byte) int {
	avail := s.bufferedIn()
	if avail == 0 || len(dst) == 0 {
		return 0
	}

	var copyN int
	if s.offsetWriteIn >= s.offsetReadIn {
		copyN = s.offsetWriteIn - s.offsetReadIn
	} else {
		copyN = len(s.bufferIn) - s.offsetReadIn
	}
	if copyN > len(dst) {
		copyN = len(dst)
	}
	if copyN == 0 {
		return 0
	}

	copy(dst, s.bufferIn[s.offsetReadIn:s.offsetReadIn+copyN])
	s.offsetReadIn += copyN
	if s.offsetReadIn == len(s.bufferIn) {
		s.offsetReadIn = 0
	}
	return copyN
}

// appendRing is used by readBuffered implementations (tcp.go/udp.go) to
// append freshly received bytes into the ring buffer. It returns the number
// of bytes actually appended, which may be less than len(data) if the
// buffer is full. One byte always stays free, so a full ring never has
// offsetWriteIn == offsetReadIn and never reads as empty.
func (s *Socket) appendRing(data []byte) int {
	free := len(s.bufferIn) - s.bufferedIn() - 1
	n := len(data)
	if n > free {
		n = free
	}
	if n == 0 {
		return 0
	}

	first := len(s.bufferIn) - s.offsetWriteIn
	if first > n {
		first = n
	}
	copy(s.bufferIn[s.offsetWriteIn:], data[:first])
	if first < n {
		copy(s.bufferIn, data[first:n])
	}
	s.offsetWriteIn = (s.offsetWriteIn + n) % len(s.bufferIn)
	return n
}

// Write appends p to the output buffer, flushing to the fd whenever the
// buffer fills, mirroring _socket_write.
func (s *Socket) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fd == invalidFD {
		return 0, ErrClosed
	}
	if s.state != StateConnected {
		return 0, ErrClosed
	}

	wasWritten := 0
	for len(p) > 0 {
		remain := len(s.bufferOut) - s.offsetWriteOut
		if remain == 0 {
			if err := s.doFlush(); err != nil {
				return wasWritten, err
			}
			if s.state != StateConnected {
				break
			}
			remain = len(s.bufferOut) - s.offsetWriteOut
		}

		n := len(p)
		if n > remain {
			n = remain
		}
		copy(s.bufferOut[s.offsetWriteOut:], p[:n])
		s.offsetWriteOut += n
		wasWritten += n
		p = p[n:]
	}

	s.bytesWritten += uint64(wasWritten)
	return wasWritten, nil
}

// Flush forces any buffered output to the fd.
func (s *Socket) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doFlush()
}

// doFlush is the lock-held implementation shared by Write and Flush.
func (s *Socket) doFlush() error {
	if s.offsetWriteOut == 0 {
		return nil
	}
	if s.state != StateConnected {
		return nil
	}

	n, err := s.hooks.writeBuffered(s)
	if n > 0 {
		remaining := s.offsetWriteOut - n
		if remaining > 0 {
			copy(s.bufferOut, s.bufferOut[n:s.offsetWriteOut])
			s.flags |= FlagReflush
		} else {
			s.flags &^= FlagReflush
		}
		s.offsetWriteOut = remaining
	}
	if err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}
