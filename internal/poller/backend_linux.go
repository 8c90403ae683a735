//go:build linux

package poller

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// epollBackend is the primary production backend, grounded on the original
// library's FOUNDATION_PLATFORM_LINUX branch of poll.c and on
// internal/netio/rawsock_linux.go's style of wrapping golang.org/x/sys/unix
// directly rather than going through net.Conn.
type epollBackend struct {
	epfd   int
	events []unix.EpollEvent
}

func newEpollBackend(capacity int) (*epollBackend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	if capacity < 1 {
		capacity = 1
	}
	return &epollBackend{epfd: epfd, events: make([]unix.EpollEvent, capacity)}, nil
}

func eventMaskFor(writable bool) uint32 {
	mask := uint32(unix.EPOLLERR | unix.EPOLLHUP)
	if writable {
		mask |= unix.EPOLLOUT
	} else {
		mask |= unix.EPOLLIN
	}
	return mask
}

func (b *epollBackend) register(fd int, writable bool) error {
	ev := unix.EpollEvent{Events: eventMaskFor(writable), Fd: int32(fd)}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl ADD: %w", err)
	}
	return nil
}

func (b *epollBackend) modify(fd int, writable bool) error {
	ev := unix.EpollEvent{Events: eventMaskFor(writable), Fd: int32(fd)}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl MOD: %w", err)
	}
	return nil
}

func (b *epollBackend) unregister(fd int) error {
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl DEL: %w", err)
	}
	return nil
}

func (b *epollBackend) wait(timeout time.Duration) ([]readiness, error) {
	ms := int(timeout / time.Millisecond)
	if timeout < 0 {
		ms = -1
	}

	n, err := unix.EpollWait(b.epfd, b.events, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("epoll_wait: %w", err)
	}

	out := make([]readiness, 0, n)
	for i := 0; i < n; i++ {
		ev := b.events[i]
		out = append(out, readiness{
			fd:       int(ev.Fd),
			readable: ev.Events&unix.EPOLLIN != 0,
			writable: ev.Events&unix.EPOLLOUT != 0,
			errored:  ev.Events&unix.EPOLLERR != 0,
			hungup:   ev.Events&unix.EPOLLHUP != 0,
		})
	}
	return out, nil
}

func (b *epollBackend) close() error {
	return unix.Close(b.epfd)
}

func newBackend(capacity int) (backend, error) {
	return newEpollBackend(capacity)
}
