package qmeventd

import "os/exec"

// defaultHookBinary is invoked as:
//
//	<hookBinary> cleanup <vmid> <graceful:0|1> <guest-initiated:0|1>
//
// qmeventd does not interpret the hook's behavior or exit status; it
// only guarantees the call happens exactly once per emulator cleanup,
// with the correct vmid and shutdown flags.
const defaultHookBinary = "/usr/sbin/qm"

// hookRunner is the type of Daemon.hookRunner: a field rather than a
// direct call to spawnHook so tests can observe hook invocations
// without actually forking the configured hook binary.
type hookRunner func(vmid string, graceful, guestInitiated bool)

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// spawnHook launches the post-termination hook detached from the event
// loop: Start returns as soon as the child is forked, and the daemon
// never waits on it. SIGCHLD is set to ignore at startup (see main.go)
// so the kernel reaps it without qmeventd's involvement.
func (d *Daemon) spawnHook(vmid string, graceful, guestInitiated bool) {
	cmd := exec.Command(d.hookBinary, "cleanup", vmid, boolFlag(graceful), boolFlag(guestInitiated))
	if err := cmd.Start(); err != nil {
		d.log.Warn("post-termination hook failed to start", "vmid", vmid, "error", err)
	}
}
