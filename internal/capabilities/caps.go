// Package capabilities manages the Linux capabilities a worker needs to
// change identity: scoped activation in the effective set, permanent removal
// from the permitted set, and read-only diagnostics.
package capabilities

import (
	"fmt"
	"strings"
)

// Cap is a Linux capability number.
type Cap int

const (
	DACReadSearch Cap = 2
	SetGID        Cap = 6
	SetUID        Cap = 7
	SysChroot     Cap = 18
)

// Flag selects a capability set of the process.
type Flag int

const (
	Effective Flag = iota
	Permitted
)

func (f Flag) String() string {
	switch f {
	case Effective:
		return "effective"
	case Permitted:
		return "permitted"
	default:
		return fmt.Sprintf("Flag(%d)", int(f))
	}
}

// Guarded lists the capabilities that must never be effective outside a
// bracket.
var Guarded = []Cap{SetUID, SetGID, SysChroot, DACReadSearch}

var capNames = [...]string{
	0:  "CAP_CHOWN",
	1:  "CAP_DAC_OVERRIDE",
	2:  "CAP_DAC_READ_SEARCH",
	3:  "CAP_FOWNER",
	4:  "CAP_FSETID",
	5:  "CAP_KILL",
	6:  "CAP_SETGID",
	7:  "CAP_SETUID",
	8:  "CAP_SETPCAP",
	9:  "CAP_LINUX_IMMUTABLE",
	10: "CAP_NET_BIND_SERVICE",
	11: "CAP_NET_BROADCAST",
	12: "CAP_NET_ADMIN",
	13: "CAP_NET_RAW",
	14: "CAP_IPC_LOCK",
	15: "CAP_IPC_OWNER",
	16: "CAP_SYS_MODULE",
	17: "CAP_SYS_RAWIO",
	18: "CAP_SYS_CHROOT",
	19: "CAP_SYS_PTRACE",
	20: "CAP_SYS_PACCT",
	21: "CAP_SYS_ADMIN",
	22: "CAP_SYS_BOOT",
	23: "CAP_SYS_NICE",
	24: "CAP_SYS_RESOURCE",
	25: "CAP_SYS_TIME",
	26: "CAP_SYS_TTY_CONFIG",
	27: "CAP_MKNOD",
	28: "CAP_LEASE",
	29: "CAP_AUDIT_WRITE",
	30: "CAP_AUDIT_CONTROL",
	31: "CAP_SETFCAP",
	32: "CAP_MAC_OVERRIDE",
	33: "CAP_MAC_ADMIN",
	34: "CAP_SYSLOG",
	35: "CAP_WAKE_ALARM",
	36: "CAP_BLOCK_SUSPEND",
	37: "CAP_AUDIT_READ",
	38: "CAP_PERFMON",
	39: "CAP_BPF",
	40: "CAP_CHECKPOINT_RESTORE",
}

// String returns the kernel name, e.g. "CAP_SETUID".
func (c Cap) String() string {
	if c >= 0 && int(c) < len(capNames) {
		return capNames[c]
	}
	return fmt.Sprintf("CAP_%d", int(c))
}

// Parse accepts "CAP_SETUID", "cap_setuid" or "setuid".
func Parse(name string) (Cap, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	if !strings.HasPrefix(n, "CAP_") {
		n = "CAP_" + n
	}
	for i, s := range capNames {
		if s == n {
			return Cap(i), nil
		}
	}
	return 0, fmt.Errorf("unknown capability %q", name)
}

// Names formats caps for log attributes.
func Names(caps []Cap) []string {
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = c.String()
	}
	return out
}

// Controller reads and changes the capability sets of the current process.
// Implementations must apply changes to every thread of the process.
type Controller interface {
	Has(flag Flag, c Cap) (bool, error)
	// Raise adds caps to the set. Adding to Permitted fails unless the
	// capabilities are already permitted.
	Raise(flag Flag, caps ...Cap) error
	// Lower removes caps from the set. Lowering Permitted also lowers
	// Effective.
	Lower(flag Flag, caps ...Cap) error
	// Restrict replaces the permitted set with exactly caps and empties the
	// effective and inheritable sets.
	Restrict(permitted ...Cap) error
}
