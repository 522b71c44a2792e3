// Package jail moves a worker into its document chroot.
package jail

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/agentsh/jailhttpd/internal/capabilities"
	"github.com/agentsh/jailhttpd/internal/logging"
	"github.com/agentsh/jailhttpd/internal/privsys"
)

var (
	// ErrChroot wraps every failure to enter the jail. The request must be
	// refused.
	ErrChroot = errors.New("enter document chroot")
	// ErrAlreadyApplied is returned by a second Apply on the same
	// controller. A process enters at most one jail.
	ErrAlreadyApplied = errors.New("document chroot already applied")
)

// Controller enters a chroot once per process.
type Controller struct {
	sys     privsys.System
	caps    *capabilities.Manager
	log     *slog.Logger
	applied bool
}

func New(sys privsys.System, caps *capabilities.Manager, log *slog.Logger) *Controller {
	if log == nil {
		log = logging.Discard()
	}
	return &Controller{sys: sys, caps: caps, log: log}
}

// Apply changes the working directory to dir and makes it the root
// directory, with CAP_SYS_CHROOT effective only for the duration of the
// call. It returns documentRoot, the path to serve from inside the jail.
// chroot is not attempted when chdir fails.
func (c *Controller) Apply(dir, documentRoot string) (string, error) {
	if c.applied {
		return "", ErrAlreadyApplied
	}

	err := c.caps.With([]capabilities.Cap{capabilities.SysChroot}, func() error {
		if err := c.sys.Chdir(dir); err != nil {
			return fmt.Errorf("chdir %s: %w", dir, err)
		}
		if err := c.sys.Chroot(dir); err != nil {
			return fmt.Errorf("chroot %s: %w", dir, err)
		}
		return nil
	})
	if err != nil {
		c.log.Error("entering document chroot failed", "dir", dir, "error", err)
		return "", fmt.Errorf("%w: %w", ErrChroot, err)
	}

	c.applied = true
	c.log.Debug("entered document chroot", "dir", dir, "document_root", documentRoot)
	return documentRoot, nil
}

// Applied reports whether the process is inside the jail.
func (c *Controller) Applied() bool { return c.applied }
