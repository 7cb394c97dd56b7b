package qmeventd

import (
	"time"

	"golang.org/x/sys/unix"
)

// maxEvents bounds a single epoll_wait call; the daemon has at most a
// few hundred clients so this is comfortably above any real fan-out.
const maxEvents = 256

// eventSet wraps an epoll instance: one entry per socket, level-triggered
// readiness, following the vendored kata-agent epoller's shape (epoll_create1
// with EPOLL_CLOEXEC, EpollCtl/EpollWait retried across EINTR by the caller).
type eventSet struct {
	fd int
}

func newEventSet() (*eventSet, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &eventSet{fd: fd}, nil
}

func (e *eventSet) add(fd int) error {
	event := unix.EpollEvent{
		Fd:     int32(fd),
		Events: unix.EPOLLIN,
	}
	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, &event)
}

func (e *eventSet) remove(fd int) error {
	// Linux ignores the event argument for EPOLL_CTL_DEL but kernels
	// before 2.6.9 required a non-nil pointer; pass one for safety.
	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, &unix.EpollEvent{})
}

func (e *eventSet) close() error {
	return unix.Close(e.fd)
}

// wait blocks until a registered fd is ready or timeout elapses. A
// negative timeout blocks indefinitely. EINTR is swallowed and reported
// as a (nil, nil) empty result so callers never treat a signal as an error.
func (e *eventSet) wait(timeout time.Duration) ([]unix.EpollEvent, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
	}
	events := make([]unix.EpollEvent, maxEvents)
	n, err := unix.EpollWait(e.fd, events, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	return events[:n], nil
}
