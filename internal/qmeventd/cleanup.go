package qmeventd

import "golang.org/x/sys/unix"

// closeClient unregisters fd from the event set and dispatches to the
// kind-appropriate finalization path. It is the single exit door for
// any connection, whatever state it died in.
func (d *Daemon) closeClient(c *Client) {
	d.events.remove(c.fd)
	switch c.kind {
	case KindEmulator:
		d.cleanupEmulator(c)
	case KindBackup:
		d.cleanupBackup(c)
	default:
		d.cleanupUnknown(c)
	}
}

// cleanupEmulator finalizes an emulator connection: drops it from the
// registry and the forced-cleanup sweep, releases its file descriptors,
// and fires the post-termination hook with a snapshot of how the guest
// went down.
func (d *Daemon) cleanupEmulator(c *Client) {
	vmid, graceful, guest := c.vmid, c.graceful, c.guestInitiated

	if c.registered {
		d.reg.remove(vmid)
	}
	d.removeForcedCleanup(c)

	unix.Close(c.fd)
	if c.pidfd != noPidfd {
		unix.Close(c.pidfd)
	}
	delete(d.clients, c.fd)

	d.hookRunner(vmid, graceful, guest)
}

// cleanupBackup releases a backup client and clears the backup-in-progress
// flag on the emulator it referenced, immediately reconsidering that
// emulator's termination in case it was held idle only by the backup.
func (d *Daemon) cleanupBackup(c *Client) {
	if emu, ok := d.reg.lookup(c.backupVMID); ok {
		emu.backupInProgress = false
		d.terminationCheck(emu)
	}
	unix.Close(c.fd)
	delete(d.clients, c.fd)
}

// cleanupUnknown releases a connection that never identified itself.
func (d *Daemon) cleanupUnknown(c *Client) {
	unix.Close(c.fd)
	delete(d.clients, c.fd)
}
