package qmeventd

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// listenBacklog matches the source daemon's fixed backlog.
const listenBacklog = 10

// bindListener creates a non-blocking, close-on-exec unix stream socket
// bound to path and puts it into the listening state. Any stale file at
// path is removed first, the same way a restarted daemon reclaims its
// own socket.
func bindListener(path string) (int, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return -1, fmt.Errorf("remove stale socket: %w", err)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("create socket: %w", err)
	}

	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind %s: %w", path, err)
	}

	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen %s: %w", path, err)
	}

	return fd, nil
}

// acceptConn accepts one pending connection as non-blocking and
// close-on-exec. A unix.EAGAIN error means no connection was
// actually pending (can happen under level-triggered epoll with multiple
// waiters) and is not an error condition for the caller.
func acceptConn(listenFD int) (int, error) {
	fd, _, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	return fd, err
}
