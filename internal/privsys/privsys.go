// Package privsys is the boundary between the identity change logic and the
// kernel: credential, chroot, dumpable and capability calls of the current
// process.
package privsys

import "github.com/agentsh/jailhttpd/internal/capabilities"

// System is implemented by the real process (New) and by
// privsystest.Fake. Credential calls affect every thread of the process.
type System interface {
	Capabilities() capabilities.Controller

	Getuid() int
	Getgid() int
	Getgroups() ([]int, error)
	Setgroups(gids []int) error
	Setgid(gid int) error
	Setuid(uid int) error

	Chdir(dir string) error
	Chroot(dir string) error

	Dumpable() (bool, error)
	SetDumpable(on bool) error
	// KeepCaps asks the kernel to keep the permitted set across the uid
	// change away from root.
	KeepCaps() error
}
