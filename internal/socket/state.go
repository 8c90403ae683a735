// Package socket implements the cross-platform socket core described in
// SPEC_FULL.md §4.2-§4.4: a lifecycle state machine shared by TCP and UDP,
// with per-protocol behavior supplied through a small hook interface rather
// than the original library's function-pointer table.
package socket

// State is a socket's position in the connection lifecycle
// (SPEC_FULL.md §3, §4.2).
type State uint8

const (
	// StateNotConnected is the initial state of a freshly opened socket.
	StateNotConnected State = iota
	// StateConnecting is entered by an in-progress non-blocking Connect.
	StateConnecting
	// StateConnected is entered once a connection completes, or immediately
	// for connectionless (UDP) sockets bound to a remote peer.
	StateConnected
	// StateListening is entered by Listen on a TCP socket.
	StateListening
	// StateDisconnected is entered on remote hangup; buffered input may
	// still be drained before the socket is fully closed.
	StateDisconnected
)

// String renders the state name used in log lines and test failure output.
func (s State) String() string {
	switch s {
	case StateNotConnected:
		return "not_connected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateListening:
		return "listening"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Flags is a bitmask of per-socket latches and options
// (SPEC_FULL.md §4.2, §9 "event latches").
type Flags uint16

const (
	// FlagBlocking marks the underlying fd as blocking.
	FlagBlocking Flags = 1 << iota
	// FlagTCPNoDelay disables Nagle's algorithm on a TCP socket.
	FlagTCPNoDelay
	// FlagReuseAddress sets SO_REUSEADDR at open time.
	FlagReuseAddress
	// FlagReusePort sets SO_REUSEPORT at open time.
	FlagReusePort
	// FlagPolled is set while a socket is registered with a Poller; it
	// disables the socket layer's own opportunistic buffered reads so the
	// poller's readiness events remain the single source of truth.
	FlagPolled
	// FlagConnectionPending latches a pending inbound connection on a
	// listening socket once a Poller has reported it; Accept clears it.
	FlagConnectionPending
	// FlagHangupPending latches a remote hangup that has not yet been
	// observed.
	FlagHangupPending
	// FlagErrorPending latches a socket error that has not yet been
	// observed.
	FlagErrorPending
	// FlagReflush marks a socket whose output buffer has data left over
	// from a partial write and needs another flush attempt.
	FlagReflush
)

// Has reports whether all bits in mask are set in f.
func (f Flags) Has(mask Flags) bool {
	return f&mask == mask
}

// event drives the internal state transition table. These are distinct from
// poller readiness events (package netevent); they describe causes internal
// to the socket core.
type event uint8

const (
	eventOpen event = iota
	eventListen
	eventConnectStart
	eventConnectComplete
	eventAcceptReady
	eventHangup
	eventSocketError
	eventClose
)

type stateEvent struct {
	state State
	event event
}

// fsmTable is the pure transition table for Socket.state, grounded on the
// Event/Action table pattern used for the BFD session FSM: a map keyed by
// (state, event) avoids a nested switch and keeps the legal transitions
// auditable in one place.
//
//nolint:gochecknoglobals
var fsmTable = map[stateEvent]State{
	{StateNotConnected, eventOpen}:           StateNotConnected,
	{StateNotConnected, eventListen}:         StateListening,
	{StateNotConnected, eventConnectStart}:   StateConnecting,
	{StateConnecting, eventConnectComplete}:  StateConnected,
	{StateConnecting, eventSocketError}:      StateNotConnected,
	{StateConnecting, eventHangup}:           StateDisconnected,
	{StateListening, eventAcceptReady}:       StateListening,
	{StateConnected, eventHangup}:            StateDisconnected,
	{StateConnected, eventSocketError}:       StateDisconnected,
	{StateDisconnected, eventClose}:          StateNotConnected,
}

// applyEvent looks up the transition for (current, ev). If none is defined
// the state is unchanged, matching the original library's tolerance of
// events that don't apply in a given state (e.g. a redundant hangup).
func applyEvent(current State, ev event) State {
	if next, ok := fsmTable[stateEvent{current, ev}]; ok {
		return next
	}
	return current
}
