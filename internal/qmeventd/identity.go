package qmeventd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// identityResolver resolves the pid and vmid of the peer on a newly
// accepted connection. It exists as a field on Daemon (rather than a
// direct call to peerPID/resolveVMID) so tests can substitute a known
// identity without needing a real process running under a
// /qemu.slice/ cgroup.
type identityResolver func(fd int) (pid int, vmid string, err error)

// resolveIdentity is the production identityResolver: peer credentials
// off the socket, then cgroup membership for the vmid.
func resolveIdentity(fd int) (int, string, error) {
	pid, err := peerPID(fd)
	if err != nil {
		return 0, "", err
	}
	vmid, err := resolveVMID(pid)
	if err != nil {
		return 0, "", err
	}
	return pid, vmid, nil
}

// peerPID resolves the pid of the process on the other end of a unix
// stream socket via SO_PEERCRED, captured by the kernel at connect(2)
// time so it cannot be spoofed by a later exec in the peer.
func peerPID(fd int) (int, error) {
	ucred, err := unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		return 0, fmt.Errorf("getsockopt SO_PEERCRED: %w", err)
	}
	return int(ucred.Pid), nil
}

// resolveVMID derives a vmid from the systemd cgroup a process belongs
// to. Proxmox places every running emulator under
// /qemu.slice/<vmid>.scope (or a nested scope ending the same way), so
// the vmid is read off the final path segment rather than trusted from
// anything the peer says about itself.
func resolveVMID(pid int) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cgroup", pid))
	if err != nil {
		return "", fmt.Errorf("read cgroup membership: %w", err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			continue
		}
		path := parts[2]
		if !strings.Contains(path, "/qemu.slice/") {
			continue
		}
		segment := path[strings.LastIndex(path, "/")+1:]
		segment = strings.TrimSuffix(segment, ".scope")

		vmid := leadingDigits(segment)
		if vmid == "" {
			continue
		}
		if len(vmid) > maxVMIDLen {
			return "", errVMIDTooLong
		}
		return vmid, nil
	}

	return "", errVMIDNotFound
}

// leadingDigits returns the longest prefix of s consisting of ASCII
// digits. It returns "" when s has no leading digit, and also when that
// prefix does not fit strconv.Atoi (a run too long for an int).
func leadingDigits(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return ""
	}
	if _, err := strconv.Atoi(s[:i]); err != nil {
		return ""
	}
	return s[:i]
}
