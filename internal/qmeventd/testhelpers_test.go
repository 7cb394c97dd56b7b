package qmeventd

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// newTestDaemon returns a Daemon wired for in-process testing: logging
// discarded, identity resolution and hook spawning stubbed out so
// tests never touch /proc or fork a real process, and a real epoll set
// so closeClient can unregister a connection from it.
func newTestDaemon() *Daemon {
	events, err := newEventSet()
	if err != nil {
		panic(err)
	}
	d := &Daemon{
		log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		killTimeout: time.Minute,
		events:      events,
		clients:     make(map[int]*Client),
		reg:         newRegistry(),
	}
	d.resolveIdentity = func(fd int) (int, string, error) {
		return 4242, "101", nil
	}
	d.hookRunner = func(vmid string, graceful, guestInitiated bool) {}
	return d
}

// socketpair returns two connected, non-blocking unix stream fds and
// registers cleanup to close them. fds[0] plays the daemon-owned side
// of a Client; fds[1] is the test's vantage point onto what the daemon
// wrote and where the test injects inbound bytes.
func socketpair(t *testing.T) (daemonFD, peerFD int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

// readFrame reads one newline-terminated frame off fd, polling briefly
// since the fd is non-blocking and the write may not have landed yet.
func readFrame(t *testing.T, fd int) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var buf []byte
	chunk := make([]byte, 4096)
	for time.Now().Before(deadline) {
		n, err := unix.Read(fd, chunk)
		if err != nil {
			if err == unix.EAGAIN {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			require.NoError(t, err)
		}
		if n == 0 {
			break
		}
		buf = append(buf, chunk[:n]...)
		if len(buf) > 0 && buf[len(buf)-1] == '\n' {
			break
		}
	}
	require.NotEmpty(t, buf, "expected a frame to be written")
	return string(buf)
}

// noMoreFrames asserts fd has nothing readable within a short window,
// i.e. the daemon did not send an extra frame beyond what was expected.
func noMoreFrames(t *testing.T, fd int) {
	t.Helper()
	chunk := make([]byte, 4096)
	time.Sleep(20 * time.Millisecond)
	n, err := unix.Read(fd, chunk)
	if err == unix.EAGAIN {
		return
	}
	require.NoError(t, err)
	require.Zero(t, n, "unexpected extra data: %q", string(chunk[:n]))
}
