package qmeventd

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runDaemon starts a Daemon against a real unix socket under t.TempDir,
// with identity resolution and hook spawning stubbed the same way
// newTestDaemon stubs them, and returns once the socket is ready to
// accept connections. The daemon is stopped and its goroutine reaped
// via t.Cleanup.
func runDaemon(t *testing.T, vmid string) (socketPath string, hooks chan hookCall) {
	t.Helper()
	socketPath = filepath.Join(t.TempDir(), "qmeventd.sock")
	hooks = make(chan hookCall, 4)

	d := New(slog.New(slog.NewTextHandler(io.Discard, nil)), Config{
		SocketPath:  socketPath,
		KillTimeout: time.Minute,
	})
	d.resolveIdentity = func(fd int) (int, string, error) {
		return 4242, vmid, nil
	}
	d.hookRunner = func(vmid string, graceful, guestInitiated bool) {
		hooks <- hookCall{vmid: vmid, graceful: graceful, guestInitiated: guestInitiated}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("daemon did not shut down after context cancellation")
		}
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", socketPath); err == nil {
			conn.Close()
			return socketPath, hooks
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("daemon never started listening on %s", socketPath)
	return "", nil
}

type hookCall struct {
	vmid           string
	graceful       bool
	guestInitiated bool
}

func writeLine(t *testing.T, conn net.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	data = append(data, '\n')
	_, err = conn.Write(data)
	require.NoError(t, err)
}

func readLine(t *testing.T, r *bufio.Reader) map[string]any {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	var v map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &v))
	return v
}

// Scenario 1 from spec.md §8: a guest shuts itself down, the daemon
// confirms it via query-status, then sends quit; once the connection
// closes, the hook fires with graceful=true, guestInitiated=true.
func TestIntegration_GracefulGuestShutdown(t *testing.T) {
	socketPath, hooks := runDaemon(t, "101")

	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()
	r := bufio.NewReader(conn)

	writeLine(t, conn, map[string]any{"QMP": map[string]any{"version": map[string]any{}}})
	assert.Equal(t, "qmp_capabilities", readLine(t, r)["execute"])

	writeLine(t, conn, map[string]any{"return": map[string]any{}}) // capabilities negotiated -> idle

	writeLine(t, conn, map[string]any{
		"event": "SHUTDOWN",
		"data":  map[string]any{"guest": true},
	})
	assert.Equal(t, "query-status", readLine(t, r)["execute"])

	writeLine(t, conn, map[string]any{"return": map[string]any{"status": "shutdown"}})
	assert.Equal(t, "quit", readLine(t, r)["execute"])

	// The real QEMU process would now exit and drop its QMP connection;
	// simulate that so the daemon's read-EOF path fires cleanupEmulator.
	conn.Close()

	select {
	case h := <-hooks:
		assert.Equal(t, "101", h.vmid)
		assert.True(t, h.graceful)
		assert.True(t, h.guestInitiated)
	case <-time.After(2 * time.Second):
		t.Fatal("hook was not invoked after the emulator connection closed")
	}
}

// Scenario 3 from spec.md §8: a backup begins while the guest is idle,
// the guest then shuts down; the daemon must not terminate it until
// the backup handshake's connection closes.
func TestIntegration_ShutdownDuringBackup(t *testing.T) {
	socketPath, hooks := runDaemon(t, "101")

	emu, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer emu.Close()
	emuR := bufio.NewReader(emu)

	writeLine(t, emu, map[string]any{"QMP": map[string]any{"version": map[string]any{}}})
	readLine(t, emuR) // qmp_capabilities
	writeLine(t, emu, map[string]any{"return": map[string]any{}}) // -> idle

	backup, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer backup.Close()
	writeLine(t, backup, map[string]any{"vzdump": map[string]any{"vmid": "101"}})
	time.Sleep(50 * time.Millisecond) // let the daemon process the vzdump handshake first

	writeLine(t, emu, map[string]any{
		"event": "SHUTDOWN",
		"data":  map[string]any{"guest": true},
	})
	assert.Equal(t, "query-status", readLine(t, emuR)["execute"])
	writeLine(t, emu, map[string]any{"return": map[string]any{"status": "shutdown"}})

	select {
	case h := <-hooks:
		t.Fatalf("hook fired while backup still in progress: %+v", h)
	case <-time.After(100 * time.Millisecond):
	}

	backup.Close() // backup driver disconnects: backup-in-progress clears, termination reconsidered
	assert.Equal(t, "query-status", readLine(t, emuR)["execute"])
	writeLine(t, emu, map[string]any{"return": map[string]any{"status": "shutdown"}})
	assert.Equal(t, "quit", readLine(t, emuR)["execute"])
	emu.Close() // simulate the emulator process actually exiting

	select {
	case h := <-hooks:
		assert.Equal(t, "101", h.vmid)
		assert.True(t, h.graceful)
	case <-time.After(2 * time.Second):
		t.Fatal("hook was not invoked once backup ended")
	}
}
