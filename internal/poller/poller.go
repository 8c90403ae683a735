// Package poller implements readiness-driven multi-socket polling
// (SPEC_FULL.md §4.6): OS-level readiness is translated into
// CONNECTION/CONNECTED/DATAIN/HANGUP/ERROR/TIMEOUT events delivered over a
// netevent.Channel, with thread-safe Add/Remove via the 32-slot CAS queues
// in slotmap.go.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mjansson/network-lib-sub000/internal/metrics"
	"github.com/mjansson/network-lib-sub000/internal/netevent"
	"github.com/mjansson/network-lib-sub000/internal/socket"
)

// Poller multiplexes readiness across a bounded set of sockets. The zero
// value is not usable; construct one with New.
type Poller struct {
	mu      sync.Mutex
	slots   map[int]*socket.Socket // fd -> socket, registered with the backend
	backend backend
	events  *netevent.Channel
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Collector

	queueAdd    slotQueue
	queueRemove slotQueue
}

// New constructs a Poller backed by the platform readiness primitive
// (epoll on Linux, select elsewhere), delivering events to ch. capacity
// bounds the number of sockets the backend pre-sizes its event buffer for;
// it is not a hard cap on Add. collector may be nil to disable metrics.
func New(capacity int, timeout time.Duration, ch *netevent.Channel, logger *slog.Logger, collector *metrics.Collector) (*Poller, error) {
	be, err := newBackend(capacity)
	if err != nil {
		return nil, fmt.Errorf("poller: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		slots:   make(map[int]*socket.Socket),
		backend: be,
		events:  ch,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "poller")),
		metrics: collector,
	}, nil
}

// Add stages sock for registration on the next Poll() call. It is safe to
// call concurrently with Poll(). While the add queue is full it sleeps the
// poller timeout between attempts, failing after 32 attempts.
func (p *Poller) Add(sock *socket.Socket) error {
	for attempt := 1; !p.queueAdd.enqueue(sock); attempt++ {
		if attempt == slotQueueSize {
			return fmt.Errorf("poller: add queue full (capacity %d)", slotQueueSize)
		}
		if p.metrics != nil {
			p.metrics.IncPollerQueueContention()
		}
		time.Sleep(p.timeout)
	}
	p.queueRemove.remove(sock)
	return nil
}

// Remove stages sock for deregistration on the next Poll() call, retrying a
// full remove queue the same way Add does.
func (p *Poller) Remove(sock *socket.Socket) error {
	for attempt := 1; !p.queueRemove.enqueue(sock); attempt++ {
		if attempt == slotQueueSize {
			return fmt.Errorf("poller: remove queue full (capacity %d)", slotQueueSize)
		}
		if p.metrics != nil {
			p.metrics.IncPollerQueueContention()
		}
		time.Sleep(p.timeout)
	}
	p.queueAdd.remove(sock)
	return nil
}

// Has reports whether sock is currently registered or staged for
// registration.
func (p *Poller) Has(sock *socket.Socket) bool {
	p.mu.Lock()
	_, registered := p.slots[sock.Fd()]
	p.mu.Unlock()
	if registered {
		return !p.queueRemove.contains(sock)
	}
	return p.queueAdd.contains(sock)
}

// NumSockets returns the number of sockets currently registered with the
// backend (not counting ones only staged via Add).
func (p *Poller) NumSockets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// processPending drains the add/remove queues into the backend, mirroring
// _network_poll_process_pending.
func (p *Poller) processPending() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, sock := range p.queueRemove.drain() {
		// Look the slot up by socket, not by sock.Fd(): a socket closed
		// before its removal is drained no longer reports its fd.
		for fd, s := range p.slots {
			if s != sock {
				continue
			}
			_ = p.backend.unregister(fd)
			delete(p.slots, fd)
			sock.SetPolled(false)
			if p.metrics != nil {
				p.metrics.UnregisterSocket(sock.Protocol().String())
			}
			break
		}
	}

	for _, sock := range p.queueAdd.drain() {
		fd := sock.Fd()
		if fd < 0 {
			p.sendEvent(netevent.Event{ID: netevent.Hangup, Socket: sock})
			continue
		}
		writable := sock.IsConnecting()
		if err := p.backend.register(fd, writable); err != nil {
			p.logger.Warn("failed to register socket", slog.Int("fd", fd), slog.Any("error", err))
			continue
		}
		p.slots[fd] = sock
		sock.SetPolled(true)
		if p.metrics != nil {
			p.metrics.RegisterSocket(sock.Protocol().String())
		}
	}
}

// sendEvent posts ev and records it against the poller_events_total counter.
func (p *Poller) sendEvent(ev netevent.Event) {
	p.events.Send(ev)
	if p.metrics != nil {
		p.metrics.RecordPollerEvent(ev.ID.String())
	}
}

// Poll runs one readiness cycle: draining pending add/remove requests,
// waiting on the backend, and translating readiness into events pushed to
// the configured netevent.Channel. It returns the number of events
// delivered. A Timeout event, counted as one, is sent when no sockets are
// registered (after sleeping the timeout) or the wait reports none ready.
func (p *Poller) Poll() (int, error) {
	p.processPending()

	p.mu.Lock()
	numSockets := len(p.slots)
	p.mu.Unlock()

	if numSockets == 0 {
		if p.timeout > 0 {
			time.Sleep(p.timeout)
		}
		p.sendEvent(netevent.Event{ID: netevent.Timeout})
		return 1, nil
	}

	readySet, err := p.backend.wait(p.timeout)
	if err != nil {
		return 0, fmt.Errorf("poller: wait: %w", err)
	}

	if len(readySet) == 0 {
		p.sendEvent(netevent.Event{ID: netevent.Timeout})
		return 1, nil
	}

	numEvents := 0
	for _, r := range readySet {
		p.mu.Lock()
		sock, ok := p.slots[r.fd]
		p.mu.Unlock()
		if !ok {
			continue
		}
		numEvents += p.translate(sock, r)
	}
	return numEvents, nil
}

// translate converts one fd's readiness bits into zero or more events for
// sock, applying the same state-dependent branching as poll.c's per-event
// handling (listening vs. connected vs. connecting).
func (p *Poller) translate(sock *socket.Socket, r readiness) int {
	numEvents := 0

	if r.errored {
		if sock.LatchError() {
			p.sendEvent(netevent.Event{ID: netevent.Errored, Socket: sock})
			numEvents++
		}
		_ = sock.Close()
		_ = p.Remove(sock)
		return numEvents
	}

	if r.hungup {
		if sock.LatchHangup() {
			p.sendEvent(netevent.Event{ID: netevent.Hangup, Socket: sock})
			numEvents++
		}
		_ = sock.Close()
		_ = p.Remove(sock)
		return numEvents
	}

	if sock.IsConnecting() && r.writable {
		if sock.MarkConnectedFromPoll() {
			_ = p.backend.modify(sock.Fd(), false)
			p.sendEvent(netevent.Event{ID: netevent.Connected, Socket: sock})
			numEvents++
		}
		return numEvents
	}

	if !r.readable {
		return numEvents
	}

	if sock.ListeningReady() {
		if sock.LatchConnectionPending() {
			p.sendEvent(netevent.Event{ID: netevent.Connection, Socket: sock})
			numEvents++
		}
		return numEvents
	}

	if sock.ConnectedOrDisconnected() {
		available := sock.AvailableRead()
		if available > 0 {
			if sock.ConsumeDataInMark(available) {
				p.sendEvent(netevent.Event{ID: netevent.DataIn, Socket: sock})
				numEvents++
			}
		} else if r.hungup {
			// already handled above
		} else if sock.LatchHangup() {
			p.sendEvent(netevent.Event{ID: netevent.Hangup, Socket: sock})
			numEvents++
		}
	}

	return numEvents
}

// RunLoop calls Poll in a loop until ctx is done, a convenience for daemon
// main loops (see cmd/netlibd). A failed Poll is logged and retried after
// the poller timeout.
func (p *Poller) RunLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := p.Poll(); err != nil {
			p.logger.Warn("poll failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.timeout):
			}
		}
	}
}

// Close releases backend resources. It does not close any registered
// sockets.
func (p *Poller) Close() error {
	return p.backend.close()
}
