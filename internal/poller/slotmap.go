package poller

import (
	"sync/atomic"

	"github.com/mjansson/network-lib-sub000/internal/socket"
)

// slotQueueSize mirrors the original library's BUILD_SIZE_POLL_QUEUE: a
// small fixed-size MPMC staging area for sockets being added to or removed
// from a Poller concurrently with its Poll() loop.
const slotQueueSize = 32

// slotQueue is a lock-free, fixed-capacity, multi-producer/single-consumer
// staging queue. Enqueue races against other Enqueue callers via CAS on
// each slot in turn, exactly as network_poll_add_socket/remove_socket do
// with atomic_cas64 over their queue arrays. Drain is intended to run only
// from the Poller's own Poll() goroutine.
type slotQueue struct {
	slots [slotQueueSize]atomic.Pointer[socket.Socket]
}

// enqueue stages sock in the first free slot, coalescing with an existing
// entry for the same socket if one is already pending (matching the
// original's "socket already queued" short-circuit). It reports whether a
// slot was claimed after one pass over the 32 slots; false means every slot
// was taken (Poller.Add/Remove retry it).
func (q *slotQueue) enqueue(sock *socket.Socket) bool {
	for i := range q.slots {
		slot := &q.slots[i]
		if slot.Load() == sock {
			return true
		}
	}
	for i := range q.slots {
		slot := &q.slots[i]
		if slot.CompareAndSwap(nil, sock) {
			return true
		}
	}
	return false
}

// remove clears any slot holding sock before it was drained, matching the
// original's cross-cancellation between the add and remove queues (queueing
// a remove for a socket still pending in queue_add cancels the add).
func (q *slotQueue) remove(sock *socket.Socket) {
	for i := range q.slots {
		q.slots[i].CompareAndSwap(sock, nil)
	}
}

// contains reports whether sock is currently staged in the queue.
func (q *slotQueue) contains(sock *socket.Socket) bool {
	for i := range q.slots {
		if q.slots[i].Load() == sock {
			return true
		}
	}
	return false
}

// drain atomically claims every staged socket and clears the queue,
// returning them in slot order. Intended to run from the single Poll()
// goroutine at the start of each cycle.
func (q *slotQueue) drain() []*socket.Socket {
	var out []*socket.Socket
	for i := range q.slots {
		slot := &q.slots[i]
		if sock := slot.Swap(nil); sock != nil {
			out = append(out, sock)
		}
	}
	return out
}
