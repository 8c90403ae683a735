// Package sockstream implements a buffered byte-stream view over a
// connected socket.Socket (SPEC_FULL.md §4.5), layering a compacted-window
// buffer of its own on top of the socket core's ring buffer -- matching the
// two-buffer design of the original library's stream.c sitting above
// socket.c.
package sockstream

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/mjansson/network-lib-sub000/internal/socket"
)

const (
	defaultBufferInSize  = 8192
	defaultBufferOutSize = 8192
)

// ErrNotSeekable is returned by Seek for any direction other than forward
// from the current position, matching the original library's "only forward
// seeking allowed on sockets" restriction.
var ErrNotSeekable = errors.New("sockstream: only forward seeking is supported")

// SocketStream is a single owner of a connected *socket.Socket, presenting
// it as an io.ReadWriteCloser plus a restricted io.Seeker. Constructing a
// SocketStream takes ownership: callers should not use sock directly (via
// Read/Write) once wrapped, only through the stream.
type SocketStream struct {
	mu   sync.Mutex
	sock *socket.Socket

	bufferIn  []byte
	readIn    int
	writeIn   int
	bufferOut []byte
	writeOut  int

	lastModified time.Time
}

// New wraps sock with the default buffer sizes.
func New(sock *socket.Socket) *SocketStream {
	return NewSize(sock, defaultBufferInSize, defaultBufferOutSize)
}

// NewSize wraps sock with caller-specified buffer sizes.
func NewSize(sock *socket.Socket, bufferIn, bufferOut int) *SocketStream {
	return &SocketStream{
		sock:         sock,
		bufferIn:     make([]byte, bufferIn),
		bufferOut:    make([]byte, bufferOut),
		lastModified: time.Now(),
	}
}

var _ io.ReadWriteCloser = (*SocketStream)(nil)
var _ io.Seeker = (*SocketStream)(nil)

// Read implements io.Reader, draining the compacted window and refilling it
// in one shot from the underlying socket once exhausted.
func (s *SocketStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(p) == 0 {
		return 0, nil
	}

	wasRead := 0
	for {
		avail := s.writeIn - s.readIn
		if avail > 0 {
			n := avail
			if n > len(p)-wasRead {
				n = len(p) - wasRead
			}
			copy(p[wasRead:], s.bufferIn[s.readIn:s.readIn+n])
			wasRead += n
			s.readIn += n
			if s.readIn == s.writeIn {
				s.readIn, s.writeIn = 0, 0
			}
		}

		if wasRead == len(p) {
			break
		}

		n, err := s.sock.Read(s.bufferIn)
		if err != nil {
			if wasRead > 0 {
				return wasRead, nil
			}
			return 0, fmt.Errorf("sockstream: %w", err)
		}
		s.writeIn = n
		s.readIn = 0
		if n == 0 {
			break
		}
	}

	return wasRead, nil
}

// Write implements io.Writer, buffering into the compacted window and
// flushing through the socket whenever the window fills.
func (s *SocketStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasWritten := 0
	for len(p) > 0 {
		remain := len(s.bufferOut) - s.writeOut
		if remain == 0 {
			if err := s.doFlushLocked(); err != nil {
				return wasWritten, err
			}
			remain = len(s.bufferOut) - s.writeOut
			if remain == 0 {
				break
			}
		}

		n := len(p)
		if n > remain {
			n = remain
		}
		copy(s.bufferOut[s.writeOut:], p[:n])
		s.writeOut += n
		wasWritten += n
		p = p[n:]
	}

	s.lastModified = time.Now()
	return wasWritten, nil
}

// Flush pushes any buffered output through the underlying socket.
func (s *SocketStream) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doFlushLocked()
}

func (s *SocketStream) doFlushLocked() error {
	if s.writeOut == 0 {
		return nil
	}
	n, err := s.sock.Write(s.bufferOut[:s.writeOut])
	if n > 0 {
		if n < s.writeOut {
			copy(s.bufferOut, s.bufferOut[n:s.writeOut])
		}
		s.writeOut -= n
	}
	if err != nil {
		return fmt.Errorf("sockstream: flush: %w", err)
	}
	if flushErr := s.sock.Flush(); flushErr != nil {
		return fmt.Errorf("sockstream: flush: %w", flushErr)
	}
	return nil
}

// AvailableRead returns the number of bytes immediately readable without
// blocking: the stream's own window plus whatever the socket core reports
// buffered or ready on its fd.
func (s *SocketStream) AvailableRead() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (s.writeIn - s.readIn) + s.sock.AvailableRead()
}

// bufferRead opportunistically primes the window from the socket when it is
// empty, matching _socket_stream_buffer_read. It is a no-op once the socket
// is registered with a poller (FlagPolled), leaving readiness delivery to
// the poller alone.
func (s *SocketStream) bufferRead() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeIn != 0 {
		return
	}
	if s.sock.Flags().Has(socket.FlagPolled) {
		return
	}
	if s.sock.AvailableRead() == 0 {
		return
	}

	n, err := s.sock.Read(s.bufferIn)
	if err == nil && n > 0 {
		s.writeIn = n
	}
}

// Eos reports whether the stream has nothing left to read and the
// underlying connection is no longer connected.
func (s *SocketStream) Eos() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.sock.State()
	connected := state == socket.StateConnected
	return !connected && (s.writeIn-s.readIn) == 0 && s.sock.AvailableRead() == 0
}

// Seek implements io.Seeker for whence == io.SeekCurrent and a non-negative
// offset only (forward seek by discard-on-read); any other request returns
// ErrNotSeekable, matching the original library's restriction.
func (s *SocketStream) Seek(offset int64, whence int) (int64, error) {
	if whence != io.SeekCurrent || offset < 0 {
		return 0, ErrNotSeekable
	}

	discarded := int64(0)
	buf := make([]byte, 4096)
	for discarded < offset {
		want := offset - discarded
		if want > int64(len(buf)) {
			want = int64(len(buf))
		}
		n, err := s.Read(buf[:want])
		discarded += int64(n)
		if err != nil || n == 0 {
			break
		}
	}
	return s.Tell(), nil
}

// Tell returns the cumulative number of bytes read from the underlying
// socket, which includes bytes still held unread in the stream's window.
func (s *SocketStream) Tell() int64 {
	return int64(s.sock.BytesRead())
}

// Truncate is not supported on a socket stream; present only to round out
// parity with the original stream vtable, and always a no-op.
func (s *SocketStream) Truncate(int64) {}

// Size always returns 0: a socket stream has no total length, matching the
// original library's "unknown size" convention for this stream type.
func (s *SocketStream) Size() int64 {
	return 0
}

// LastModified returns the time of the last successful Write.
func (s *SocketStream) LastModified() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastModified
}

// Close flushes any pending output and closes the underlying socket.
func (s *SocketStream) Close() error {
	if err := s.Flush(); err != nil {
		_ = s.sock.Close()
		return err
	}
	return s.sock.Close()
}
