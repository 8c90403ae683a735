package socket

// This file is the surface internal/poller drives a Socket through. It
// exists so the Poller never needs direct field access into Socket, keeping
// the event-latch bookkeeping (SPEC_FULL.md §9 "event latches") centralized
// here the same way socket_base_t's flags/last_event fields were the single
// source of truth for poll.c.

// SetPolled marks or clears FlagPolled, disabling the socket core's own
// opportunistic reads while a Poller owns readiness delivery for this fd.
// Marking also clears the pending-event latches and the DATAIN mark.
func (s *Socket) SetPolled(polled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if polled {
		s.flags |= FlagPolled
		s.flags &^= FlagConnectionPending | FlagHangupPending | FlagErrorPending
		s.lastDataInMark = 0
	} else {
		s.flags &^= FlagPolled
	}
}

// MarkConnectedFromPoll transitions a Connecting socket to Connected once
// the backend reports the fd writable, mirroring poll.c's
// "SOCKETSTATE_CONNECTING && EPOLLOUT -> SOCKETSTATE_CONNECTED" branch. It
// reports whether a transition actually occurred.
func (s *Socket) MarkConnectedFromPoll() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return false
	}
	s.state = StateConnected
	if local, err := localSockaddrToAddress(s.fd); err == nil {
		s.localAddr = local
	}
	return true
}

// LatchConnectionPending sets FlagConnectionPending for a listening socket
// with a peer waiting in Accept's backlog, and reports whether it was newly
// set (false means the event was already latched and should not be
// re-reported).
func (s *Socket) LatchConnectionPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flags.Has(FlagConnectionPending) {
		return false
	}
	s.flags |= FlagConnectionPending
	return true
}

// LatchHangup sets FlagHangupPending and drives the Hangup transition,
// reporting whether it was newly set.
func (s *Socket) LatchHangup() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flags.Has(FlagHangupPending) {
		return false
	}
	s.setPendingHangupLocked()
	return true
}

// LatchError sets FlagErrorPending and drives the error transition,
// reporting whether it was newly set.
func (s *Socket) LatchError() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flags.Has(FlagErrorPending) {
		return false
	}
	s.setPendingErrorLocked()
	return true
}

// ConsumeDataInMark compares the current buffered-plus-fd-available byte
// count against the last value reported to a poller consumer, updating it
// and reporting whether a fresh DATAIN event should fire. This reproduces
// _socket_base_t.last_event's role of suppressing a duplicate DATAIN event
// for data the consumer hasn't drained yet.
func (s *Socket) ConsumeDataInMark(available int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if available <= 0 {
		s.lastDataInMark = 0
		return false
	}
	if available == s.lastDataInMark {
		return false
	}
	s.lastDataInMark = available
	return true
}

// ListeningReady reports whether the socket is in StateListening, used by
// the poller to choose the CONNECTION vs DATAIN/HANGUP event branch.
func (s *Socket) ListeningReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateListening
}

// ConnectedOrDisconnected reports whether the socket is in a state where
// buffered reads are meaningful (SPEC_FULL.md §4.2).
func (s *Socket) ConnectedOrDisconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateConnected || s.state == StateDisconnected
}

// IsConnecting reports whether the socket is mid-handshake.
func (s *Socket) IsConnecting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateConnecting
}
