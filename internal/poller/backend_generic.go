//go:build !linux

package poller

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// selectBackend is the fallback backend for non-Linux Unix targets
// (SPEC_FULL.md §9: Windows is explicitly out of scope, matching the
// teacher's own Linux-only raw-socket gating). It rebuilds the fd_set on
// every wait call, same as the original library's Windows branch of
// poll.c, trading O(n) setup per call for not needing a platform-specific
// readiness primitive.
type selectBackend struct {
	mu        sync.Mutex
	watching  map[int]bool // fd -> writable
}

func newBackend(_ int) (backend, error) {
	return &selectBackend{watching: make(map[int]bool)}, nil
}

func (b *selectBackend) register(fd int, writable bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.watching[fd] = writable
	return nil
}

func (b *selectBackend) modify(fd int, writable bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.watching[fd]; !ok {
		return fmt.Errorf("select backend: modify unknown fd %d", fd)
	}
	b.watching[fd] = writable
	return nil
}

func (b *selectBackend) unregister(fd int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.watching, fd)
	return nil
}

func (b *selectBackend) wait(timeout time.Duration) ([]readiness, error) {
	b.mu.Lock()
	watching := make(map[int]bool, len(b.watching))
	for fd, w := range b.watching {
		watching[fd] = w
	}
	b.mu.Unlock()

	if len(watching) == 0 {
		if timeout > 0 {
			time.Sleep(timeout)
		}
		return nil, nil
	}

	var rfds, wfds, efds unix.FdSet
	maxFD := 0
	for fd, writable := range watching {
		if writable {
			wfds.Set(fd)
		} else {
			rfds.Set(fd)
		}
		efds.Set(fd)
		if fd > maxFD {
			maxFD = fd
		}
	}

	var tvp *unix.Timeval // nil blocks indefinitely
	if timeout >= 0 {
		tv := unix.NsecToTimeval(timeout.Nanoseconds())
		tvp = &tv
	}
	n, err := unix.Select(maxFD+1, &rfds, &wfds, &efds, tvp)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("select: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	out := make([]readiness, 0, n)
	for fd := range watching {
		r := readiness{fd: fd}
		if rfds.IsSet(fd) {
			r.readable = true
		}
		if wfds.IsSet(fd) {
			r.writable = true
		}
		if efds.IsSet(fd) {
			r.errored = true
		}
		if r.readable || r.writable || r.errored {
			out = append(out, r)
		}
	}
	return out, nil
}

func (b *selectBackend) close() error {
	return nil
}
