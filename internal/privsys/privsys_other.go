//go:build !linux

package privsys

import (
	"errors"
	"os"

	"github.com/agentsh/jailhttpd/internal/capabilities"
)

var errUnsupported = errors.New("credential changes only supported on Linux")

type otherSystem struct{}

// New returns a System that can only report the current identity.
func New() System { return otherSystem{} }

func (otherSystem) Capabilities() capabilities.Controller { return capabilities.NewProcController() }
func (otherSystem) Getuid() int                           { return os.Getuid() }
func (otherSystem) Getgid() int                           { return os.Getgid() }
func (otherSystem) Getgroups() ([]int, error)             { return os.Getgroups() }
func (otherSystem) Setgroups([]int) error                 { return errUnsupported }
func (otherSystem) Setgid(int) error                      { return errUnsupported }
func (otherSystem) Setuid(int) error                      { return errUnsupported }
func (otherSystem) Chdir(dir string) error                { return os.Chdir(dir) }
func (otherSystem) Chroot(string) error                   { return errUnsupported }
func (otherSystem) Dumpable() (bool, error)               { return false, errUnsupported }
func (otherSystem) SetDumpable(bool) error                { return errUnsupported }
func (otherSystem) KeepCaps() error                       { return errUnsupported }
