package poller

import "time"

// readiness is a single fd's outcome from one backend.wait call, translated
// from whatever OS-specific bits the backend polls (epoll_event.events,
// pollfd.revents, or an fd_set membership test).
type readiness struct {
	fd       int
	readable bool
	writable bool
	errored  bool
	hungup   bool
}

// backend abstracts the OS readiness primitive behind register/modify/wait,
// matching the #ifdef-per-platform split in the original library's poll.c
// (epoll on Linux, poll(2) on Apple, select on Windows) without baking a
// switch into Poller itself (SPEC_FULL.md §9 "platform backends").
type backend interface {
	// register starts watching fd. writable selects EPOLLOUT/POLLOUT
	// (used while a connect is in flight) instead of EPOLLIN/POLLIN.
	register(fd int, writable bool) error
	// modify changes the watched direction for an already-registered fd,
	// used when a Connecting socket completes and should switch to
	// watching for readability.
	modify(fd int, writable bool) error
	// unregister stops watching fd.
	unregister(fd int) error
	// wait blocks up to timeout (0 means return immediately, <0 means
	// block indefinitely) and returns the fds that became ready.
	wait(timeout time.Duration) ([]readiness, error)
	// close releases backend resources (e.g. the epoll fd).
	close() error
}
