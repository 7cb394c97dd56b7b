package qmeventd

import (
	"encoding/json"

	qemuqmp "github.com/digitalocean/go-qemu/qmp"

	"golang.org/x/sys/unix"
)

// The three outbound frames qmeventd ever sends. Built from go-qemu's
// own QMP command type rather than hand-assembled JSON, the same type
// the teacher dials out with as a QMP client; here it is marshaled
// server-side instead.
var (
	capabilitiesCommand = qemuqmp.Command{Execute: "qmp_capabilities"}
	queryStatusCommand  = qemuqmp.Command{Execute: "query-status"}
	quitCommand         = qemuqmp.Command{Execute: "quit"}
)

// writeFrame marshals cmd and writes it to c's socket, newline
// terminated to match the teacher's QMP monitor framing.
func (d *Daemon) writeFrame(c *Client, cmd qemuqmp.Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return writeAll(c.fd, data)
}

// writeAll writes the full buffer, retrying short writes and EINTR.
// The client sockets are non-blocking; a write that would block
// returns EAGAIN, which this daemon treats as a write failure rather
// than queuing (there is no pending-write buffer per client).
func writeAll(fd int, data []byte) error {
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		data = data[n:]
	}
	return nil
}
