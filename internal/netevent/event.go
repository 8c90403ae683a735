// Package netevent implements the bounded event channel the Poller uses to
// report socket readiness to a consumer (SPEC_FULL.md §4.6, §5): a
// non-blocking send with an explicit drop counter rather than a channel
// that can stall the poller's hot loop.
package netevent

import (
	"sync/atomic"

	"github.com/mjansson/network-lib-sub000/internal/socket"
)

// ID identifies the kind of readiness transition being reported, matching
// the NETWORKEVENT_* enumeration of the original library's event.h.
type ID uint8

const (
	// Connection reports a pending inbound connection on a listening socket.
	Connection ID = iota + 1
	// Connected reports a non-blocking Connect completing successfully.
	Connected
	// DataIn reports new data available to read.
	DataIn
	// Errored reports an asynchronous socket error.
	Errored
	// Hangup reports the remote end closing the connection.
	Hangup
	// Timeout reports a Poll() call returning with no sockets ready before
	// the configured timeout elapsed.
	Timeout
)

// String renders the event kind for logging.
func (id ID) String() string {
	switch id {
	case Connection:
		return "connection"
	case Connected:
		return "connected"
	case DataIn:
		return "datain"
	case Hangup:
		return "hangup"
	case Errored:
		return "error"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Event pairs an ID with the socket it concerns. Socket is nil for Timeout,
// which concerns the poller as a whole rather than any one socket.
type Event struct {
	ID     ID
	Socket *socket.Socket
}

// Channel is a bounded, non-blocking event sink. A full channel drops the
// event and increments Dropped rather than blocking the poller loop that
// feeds it.
type Channel struct {
	ch      chan Event
	dropped atomic.Uint64
}

// NewChannel allocates a Channel with room for capacity buffered events.
func NewChannel(capacity int) *Channel {
	return &Channel{ch: make(chan Event, capacity)}
}

// Send attempts to enqueue ev without blocking. It reports whether the send
// succeeded; a false return means the channel was full and the event was
// dropped (Dropped() is incremented accordingly).
func (c *Channel) Send(ev Event) bool {
	select {
	case c.ch <- ev:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// C returns the receive-only channel consumers range over.
func (c *Channel) C() <-chan Event {
	return c.ch
}

// Dropped returns the cumulative count of events dropped due to a full
// channel.
func (c *Channel) Dropped() uint64 {
	return c.dropped.Load()
}

// Close closes the underlying channel. Callers must stop sending before
// calling Close.
func (c *Channel) Close() {
	close(c.ch)
}
