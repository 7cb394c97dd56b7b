package qmeventd

import (
	"encoding/json"

	qemuqmp "github.com/digitalocean/go-qemu/qmp"
)

// dispatch routes one classified top-level object to its handler. Each
// handler additionally guards on c.kind: a QMP greeting is only
// meaningful from an unclassified connection, event/return/error only
// from an already-identified emulator, and vzdump from anything that
// has not already become an emulator.
func (d *Daemon) dispatch(c *Client, key string, fields map[string]json.RawMessage, raw json.RawMessage) {
	switch key {
	case "QMP":
		d.handleQMPHandshake(c)
	case "event":
		d.handleEmulatorEvent(c, raw)
	case "return":
		d.handleEmulatorReturn(c, fields)
	case "error":
		d.handleEmulatorError(c, fields)
	case "vzdump":
		d.handleBackupHandshake(c, fields)
	}
}

// handleQMPHandshake resolves the peer's identity off its socket
// credentials and cgroup membership, registers it as the emulator for
// its vmid, and kicks off the QMP capabilities negotiation.
func (d *Daemon) handleQMPHandshake(c *Client) {
	if c.kind != KindUnknown {
		return
	}

	pid, vmid, err := d.resolveIdentity(c.fd)
	if err != nil {
		d.log.Warn("cannot resolve client identity", "fd", c.fd, "error", err)
		d.closeClient(c)
		return
	}

	c.kind = KindEmulator
	c.pid = pid
	c.vmid = vmid

	if d.reg.insert(c) {
		c.registered = true
	} else {
		d.log.Warn("duplicate registration for vmid, keeping first connection", "vmid", vmid)
	}

	if err := d.writeFrame(c, capabilitiesCommand); err != nil {
		d.log.Warn("failed to send qmp_capabilities", "vmid", vmid, "error", err)
		d.closeClient(c)
	}
}

// handleBackupHandshake records a backup driver's declared vmid. The
// vmid is always recorded on a well-formed handshake object; whether
// the connection actually becomes a tracked backup client (and flips
// the matching emulator's backup-in-progress flag) depends on whether
// that emulator is currently registered.
func (d *Daemon) handleBackupHandshake(c *Client, fields map[string]json.RawMessage) {
	if c.kind == KindEmulator {
		return
	}

	raw, ok := fields["vzdump"]
	if !ok {
		d.closeClient(c)
		return
	}
	var payload struct {
		VMID string `json:"vmid"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.VMID == "" {
		d.closeClient(c)
		return
	}

	c.state = StateIdle
	c.backupVMID = payload.VMID

	if emu, found := d.reg.lookup(payload.VMID); found {
		emu.backupInProgress = true
		c.kind = KindBackup
	}
}

// handleEmulatorEvent reacts to an asynchronous QMP event. Only
// SHUTDOWN is meaningful; everything else, and any event arriving
// after termination has already begun, is ignored.
func (d *Daemon) handleEmulatorEvent(c *Client, raw json.RawMessage) {
	if c.kind != KindEmulator || c.state == StateTerminating {
		return
	}

	var ev qemuqmp.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		d.log.Warn("malformed event object", "vmid", c.vmid, "error", err)
		return
	}
	if ev.Event != "SHUTDOWN" {
		return
	}

	c.graceful = true
	if guest, ok := ev.Data["guest"].(bool); ok {
		c.guestInitiated = guest
	}
	d.terminationCheck(c)
}

// handleEmulatorReturn handles the reply to whichever command the
// daemon last sent this client. Its meaning depends entirely on the
// state that command was sent from.
func (d *Daemon) handleEmulatorReturn(c *Client, fields map[string]json.RawMessage) {
	if c.kind != KindEmulator {
		return
	}
	wasExpecting := c.state == StateExpectStatusResponse

	switch c.state {
	case StateHandshake:
		c.state = StateIdle
	case StateExpectStatusResponse:
		switch {
		case statusActive(fields["return"]):
			c.state = StateIdle
		case !c.backupInProgress:
			d.terminate(c)
		default:
			// Reconsidered once the backup finishes, via cleanupBackup.
			c.state = StateIdle
		}
	case StateTerminating:
		// The empty return to "quit"; nothing to do.
	case StateIdle:
		d.log.Warn("spurious return with no outstanding command", "vmid", c.vmid)
	}

	if wasExpecting && c.terminationQueued {
		c.terminationQueued = false
		d.terminationCheck(c)
	}
}

// handleEmulatorError logs a QMP-level error reply. A client already
// mid-termination keeps its state: the only command pending a reply at
// that point is "quit", and the forced-cleanup deadline already governs
// when this connection gets torn down regardless of what it answers.
func (d *Daemon) handleEmulatorError(c *Client, fields map[string]json.RawMessage) {
	if c.kind != KindEmulator {
		return
	}

	var payload struct {
		Desc string `json:"desc"`
	}
	if raw, ok := fields["error"]; ok {
		_ = json.Unmarshal(raw, &payload)
	}
	d.log.Warn("qmp command failed", "vmid", c.vmid, "desc", payload.Desc)

	if c.state == StateTerminating {
		return
	}
	wasExpecting := c.state == StateExpectStatusResponse
	c.state = StateIdle

	if wasExpecting && c.terminationQueued {
		c.terminationQueued = false
		d.terminationCheck(c)
	}
}

// statusActive reports whether a query-status return indicates the
// guest is still running. Any status other than "running" or "paused"
// — including an absent or unparsable return value — is not active.
func statusActive(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var v struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	return v.Status == "running" || v.Status == "paused"
}
