//go:build unix

package socket

import (
	"time"

	"golang.org/x/sys/unix"
)

// waitWritable blocks up to timeout waiting for fd to become writable,
// using select(2) directly rather than pulling in a Poller -- the socket
// package must not depend on internal/poller, which depends on it.
func waitWritable(fd int, timeout time.Duration) (bool, error) {
	var fds unix.FdSet
	fds.Set(fd)

	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	n, err := unix.Select(fd+1, nil, &fds, nil, &tv)
	if err != nil {
		if err == unix.EINTR {
			return false, nil
		}
		return false, err
	}
	return n > 0, nil
}

// waitReadable blocks up to timeout waiting for fd to become readable, the
// Accept-side counterpart to waitWritable.
func waitReadable(fd int, timeout time.Duration) (bool, error) {
	var fds unix.FdSet
	fds.Set(fd)

	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	n, err := unix.Select(fd+1, &fds, nil, nil, &tv)
	if err != nil {
		if err == unix.EINTR {
			return false, nil
		}
		return false, err
	}
	return n > 0, nil
}

// pollConnecting probes fd with a zero-timeout select for writability and
// pending error, the refinement select(2) call _socket_poll_state issues for
// a socket in SOCKETSTATE_CONNECTING.
func pollConnecting(fd int) (writable, errored bool, err error) {
	var wfds, efds unix.FdSet
	wfds.Set(fd)
	efds.Set(fd)

	tv := unix.NsecToTimeval(0)
	_, serr := unix.Select(fd+1, nil, &wfds, &efds, &tv)
	if serr != nil {
		if serr == unix.EINTR {
			return false, false, nil
		}
		return false, false, serr
	}
	return wfds.IsSet(fd), efds.IsSet(fd), nil
}
