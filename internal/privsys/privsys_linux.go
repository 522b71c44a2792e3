//go:build linux

package privsys

import (
	"syscall"

	"github.com/agentsh/jailhttpd/internal/capabilities"
	"golang.org/x/sys/unix"
	"kernel.org/pub/linux/libs/security/libcap/cap"
)

type linuxSystem struct {
	caps capabilities.Controller
}

// New returns the System of the running process.
func New() System {
	return &linuxSystem{caps: capabilities.NewProcController()}
}

func (s *linuxSystem) Capabilities() capabilities.Controller { return s.caps }

func (s *linuxSystem) Getuid() int { return unix.Getuid() }
func (s *linuxSystem) Getgid() int { return unix.Getgid() }

func (s *linuxSystem) Getgroups() ([]int, error) { return unix.Getgroups() }

// The syscall package runs these on all threads of the process.
func (s *linuxSystem) Setgroups(gids []int) error { return syscall.Setgroups(gids) }
func (s *linuxSystem) Setgid(gid int) error       { return syscall.Setgid(gid) }
func (s *linuxSystem) Setuid(uid int) error       { return syscall.Setuid(uid) }

func (s *linuxSystem) Chdir(dir string) error  { return unix.Chdir(dir) }
func (s *linuxSystem) Chroot(dir string) error { return unix.Chroot(dir) }

func (s *linuxSystem) Dumpable() (bool, error) {
	v, err := unix.PrctlRetInt(unix.PR_GET_DUMPABLE, 0, 0, 0, 0)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

func (s *linuxSystem) SetDumpable(on bool) error {
	var v uintptr
	if on {
		v = 1
	}
	return unix.Prctl(unix.PR_SET_DUMPABLE, v, 0, 0, 0)
}

// KeepCaps is a per-thread attribute, so it goes through libcap's
// all-threads prctl.
func (s *linuxSystem) KeepCaps() error {
	_, err := cap.Prctlw(unix.PR_SET_KEEPCAPS, 1)
	return err
}
