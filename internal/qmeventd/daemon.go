// Package qmeventd implements a single-threaded event-loop daemon that
// supervises the lifecycle of local QEMU-based virtual machines: it
// accepts a unix-domain connection per emulator, speaks enough of the
// QMP wire protocol to notice a guest shutting down, and drives
// graceful-then-forced termination with a bounded deadline.
package qmeventd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/cleanup"
)

// sweepBoundedWait is how long the event loop will block when at least
// one client has an outstanding forced-cleanup deadline. It bounds how
// late a SIGKILL can land past its deadline when nothing else wakes
// the loop up.
const sweepBoundedWait = 2 * time.Second

// Daemon owns every piece of mutable state the event loop touches.
// Nothing in this struct is accessed from more than one goroutine: the
// only other goroutine Run starts exists solely to turn ctx
// cancellation into a byte on the self-pipe.
type Daemon struct {
	log *slog.Logger

	socketPath  string
	killTimeout time.Duration
	hookBinary  string

	// resolveIdentity and hookRunner are swappable seams around the
	// daemon's two real-world side effects (reading kernel identity,
	// forking the hook binary), defaulted in New to the production
	// implementations and substituted by tests.
	resolveIdentity identityResolver
	hookRunner      hookRunner

	listenFD int
	events   *eventSet
	clients  map[int]*Client
	reg      *registry

	forcedCleanup []*Client

	wakeR *os.File
	wakeW *os.File
}

// Config bundles the daemon's construction-time parameters, sourced
// from command-line flags; see cmd/qmeventd.
type Config struct {
	SocketPath  string
	KillTimeout time.Duration
	HookBinary  string
}

// New constructs a Daemon. It does not touch the filesystem or any
// file descriptors; that happens in Run so that setup failures are
// reported through the same error path as runtime failures.
func New(log *slog.Logger, cfg Config) *Daemon {
	hookBinary := cfg.HookBinary
	if hookBinary == "" {
		hookBinary = defaultHookBinary
	}
	d := &Daemon{
		log:         log,
		socketPath:  cfg.SocketPath,
		killTimeout: cfg.KillTimeout,
		hookBinary:  hookBinary,
		clients:     make(map[int]*Client),
		reg:         newRegistry(),
	}
	d.resolveIdentity = resolveIdentity
	d.hookRunner = d.spawnHook
	return d
}

// Run binds the listening socket, starts the event loop, and blocks
// until ctx is canceled or an unrecoverable error occurs. Setup is
// rolled back via cleanup.Make/cu.Add if any step fails partway
// through; once setup succeeds, everything it acquired is released on
// return regardless of how the loop exits.
func (d *Daemon) Run(ctx context.Context) error {
	cu := cleanup.Make(func() {})
	defer cu.Clean()

	listenFD, err := bindListener(d.socketPath)
	if err != nil {
		return fmt.Errorf("bind listener: %w", err)
	}
	cu.Add(func() { unix.Close(listenFD) })

	events, err := newEventSet()
	if err != nil {
		return fmt.Errorf("create epoll instance: %w", err)
	}
	cu.Add(func() { events.close() })

	if err := events.add(listenFD); err != nil {
		return fmt.Errorf("register listener: %w", err)
	}

	wakeR, wakeW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create wake pipe: %w", err)
	}
	cu.Add(func() { wakeR.Close(); wakeW.Close() })

	if err := events.add(int(wakeR.Fd())); err != nil {
		return fmt.Errorf("register wake pipe: %w", err)
	}

	d.listenFD = listenFD
	d.events = events
	d.wakeR = wakeR
	d.wakeW = wakeW

	cu.Release()
	defer func() {
		for fd := range d.clients {
			unix.Close(fd)
		}
		d.events.close()
		d.wakeR.Close()
		d.wakeW.Close()
		unix.Close(d.listenFD)
		os.Remove(d.socketPath)
	}()

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		<-gctx.Done()
		d.wakeW.Write([]byte{0})
		return nil
	})
	grp.Go(func() error {
		return d.loop(gctx)
	})
	return grp.Wait()
}

// loop is the single-threaded cooperative event loop: every state
// mutation anywhere in the daemon happens on this call stack.
func (d *Daemon) loop(ctx context.Context) error {
	wakeFD := int(d.wakeR.Fd())

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		timeout := time.Duration(-1)
		if len(d.forcedCleanup) > 0 {
			timeout = sweepBoundedWait
		}

		events, err := d.events.wait(timeout)
		if err != nil {
			return fmt.Errorf("epoll wait: %w", err)
		}

		for _, ev := range events {
			fd := int(ev.Fd)
			switch fd {
			case d.listenFD:
				d.acceptNew()
			case wakeFD:
				var drain [64]byte
				unix.Read(wakeFD, drain[:])
				return nil
			default:
				if c, ok := d.clients[fd]; ok {
					d.handleReadable(c)
				}
			}
		}

		d.sweepForcedCleanup(time.Now())
	}
}

// acceptNew accepts one pending connection off the listener and
// registers it for readability. A would-block or interrupted accept is
// not an error: the listener stays level-triggered and will be
// revisited.
func (d *Daemon) acceptNew() {
	fd, err := acceptConn(d.listenFD)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return
		}
		d.log.Warn("accept failed", "error", err)
		return
	}

	c := newClient(fd)
	if err := d.events.add(fd); err != nil {
		d.log.Warn("failed to register new connection", "error", err)
		unix.Close(fd)
		return
	}
	d.clients[fd] = c
}

// handleReadable fills as much of c's buffer as a single read call
// returns, then hands whatever is buffered to the parser. A zero-byte
// read is an orderly peer shutdown; a would-block is a stale readiness
// notification and is silently ignored.
func (d *Daemon) handleReadable(c *Client) {
	if c.buflen >= len(c.buf) {
		// The parser guarantees this can't happen in steady state, but
		// refuse to read into an empty slice if it somehow does.
		c.buflen = 0
		return
	}

	for {
		n, err := unix.Read(c.fd, c.buf[c.buflen:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				return
			}
			d.closeClient(c)
			return
		}
		if n == 0 {
			d.closeClient(c)
			return
		}
		c.buflen += n
		break
	}

	d.parseBuffered(c)
}
