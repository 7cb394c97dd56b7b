package qmeventd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLeadingDigits(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"101", "101"},
		{"101abc", "101"},
		{"abc", ""},
		{"", ""},
		{"0100", "0100"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, leadingDigits(tc.in), "input %q", tc.in)
	}
}

func TestLeadingDigits_FromCgroupScopeSegment(t *testing.T) {
	// resolveVMID reads /proc/<pid>/cgroup directly, so it is not called
	// here. This checks only the last step it shares: leadingDigits on
	// the final path segment of a /qemu.slice/ line, with the .scope
	// suffix stripped by hand.
	line := "0::/qemu.slice/101.scope"
	assert.Contains(t, line, "/qemu.slice/")

	segment := line[len("0::/qemu.slice/"):]
	assert.Equal(t, "101", leadingDigits(segment[:len(segment)-len(".scope")]))
}
