package qmeventd

import "errors"

// Sentinel errors for conditions callers branch on.
var (
	// errVMIDNotFound means /proc/<pid>/cgroup carried no /qemu.slice/
	// entry with a decodable numeric vmid.
	errVMIDNotFound = errors.New("qmeventd: vmid not found in cgroup membership")
	// errVMIDTooLong means a resolved vmid exceeded maxVMIDLen digits.
	errVMIDTooLong = errors.New("qmeventd: resolved vmid exceeds maximum length")
)
