package qmeventd

import (
	"time"

	"golang.org/x/sys/unix"
)

// terminate begins tearing down an emulator: it opens a process
// descriptor for the bounded kill deadline, asks QEMU to quit
// gracefully, falling back to SIGTERM if the write itself fails, and
// enrolls the client in the forced-cleanup sweep.
func (d *Daemon) terminate(c *Client) {
	c.state = StateTerminating

	pidfd, err := unix.PidfdOpen(c.pid, 0)
	switch err {
	case nil:
		c.pidfd = pidfd
	case unix.ESRCH, unix.ENOSYS:
		// Process already gone, or the kernel predates pidfd_open: no
		// descriptor available, fall back to pid-based signaling.
	default:
		d.log.Warn("pidfd_open failed", "vmid", c.vmid, "pid", c.pid, "error", err)
	}

	if err := d.writeFrame(c, quitCommand); err != nil {
		if sigErr := unix.Kill(c.pid, unix.SIGTERM); sigErr != nil && sigErr != unix.ESRCH {
			d.log.Warn("SIGTERM fallback failed", "vmid", c.vmid, "pid", c.pid, "error", sigErr)
		}
	}

	c.deadline = time.Now().Add(d.killTimeout)
	d.addForcedCleanup(c)
}

// terminationCheck asks the guest's current status before deciding
// whether to terminate it. If the client is not idle, the request is
// remembered rather than issued concurrently with whatever command is
// already outstanding; it is replayed when a reply moves the client out
// of expect-status-response (see handleEmulatorReturn and
// handleEmulatorError). A request queued in any other state is not
// replayed.
func (d *Daemon) terminationCheck(c *Client) {
	if c.state != StateIdle {
		c.terminationQueued = true
		return
	}
	c.state = StateExpectStatusResponse
	if err := d.writeFrame(c, queryStatusCommand); err != nil {
		d.closeClient(c)
	}
}

func (d *Daemon) addForcedCleanup(c *Client) {
	if c.inForcedCleanup {
		return
	}
	c.inForcedCleanup = true
	d.forcedCleanup = append(d.forcedCleanup, c)
}

func (d *Daemon) removeForcedCleanup(c *Client) {
	if !c.inForcedCleanup {
		return
	}
	c.inForcedCleanup = false
	c.deadline = time.Time{}
	for i, fc := range d.forcedCleanup {
		if fc == c {
			d.forcedCleanup = append(d.forcedCleanup[:i], d.forcedCleanup[i+1:]...)
			break
		}
	}
}

// sweepForcedCleanup SIGKILLs every client whose graceful-termination
// deadline has passed. It runs after every pass through the ready set,
// bounded by sweepBoundedWait so an idle daemon still wakes up to
// enforce deadlines even with no socket activity.
func (d *Daemon) sweepForcedCleanup(now time.Time) {
	if len(d.forcedCleanup) == 0 {
		return
	}
	var remaining []*Client
	for _, c := range d.forcedCleanup {
		if now.Before(c.deadline) {
			remaining = append(remaining, c)
			continue
		}
		d.sigkill(c)
		c.inForcedCleanup = false
		c.deadline = time.Time{}
	}
	d.forcedCleanup = remaining
}

func (d *Daemon) sigkill(c *Client) {
	var err error
	if c.pidfd != noPidfd {
		err = unix.PidfdSendSignal(c.pidfd, unix.SIGKILL, nil, 0)
	} else {
		err = unix.Kill(c.pid, unix.SIGKILL)
	}
	if err != nil && err != unix.ESRCH {
		d.log.Warn("SIGKILL failed", "vmid", c.vmid, "pid", c.pid, "error", err)
	}
}
