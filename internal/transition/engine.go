// Package transition runs the per-request identity change of a worker:
// supplementary groups, gid and uid under a capability bracket, followed by
// the once per process removal of the identity change capabilities.
package transition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/agentsh/jailhttpd/internal/capabilities"
	"github.com/agentsh/jailhttpd/internal/config"
	"github.com/agentsh/jailhttpd/internal/identity"
	"github.com/agentsh/jailhttpd/internal/logging"
	"github.com/agentsh/jailhttpd/internal/privsys"
	"github.com/agentsh/jailhttpd/pkg/observability"
)

// ErrForbidden is wrapped by every error that refuses a request.
var ErrForbidden = errors.New("forbidden")

// Options carries the process state captured after fork.
type Options struct {
	// StartupGroups are used when no scope configures groups.
	StartupGroups []int
	// RestoreDumpable re-enables core dumps after the identity change.
	RestoreDumpable bool
	// ChrootUsed keeps CAP_SYS_CHROOT permitted after the permanent drop
	// unless the current request already entered its jail.
	ChrootUsed bool
}

// Request is the input of one engine run.
type Request struct {
	ID     string
	Host   string
	Config config.Effective
	// Owner is the owner of the requested resource, nil when unknown.
	Owner *identity.Candidate
	// Chroot is the jail directory the request was moved into, if any.
	Chroot string
}

// Result reports an engine run.
type Result struct {
	Outcome  Outcome
	Identity identity.Resolved
	// Resolved is false when the run ended before Identity was computed.
	Resolved bool
	States   []State
	// Err explains a forbidden outcome. It is for logs only.
	Err error
}

// Engine is not safe for concurrent use. A worker runs it at most once per
// request and serves one request.
type Engine struct {
	sys  privsys.System
	caps *capabilities.Manager
	log  *slog.Logger
	opts Options

	finalized   bool
	finalizeErr error
}

func New(sys privsys.System, caps *capabilities.Manager, log *slog.Logger, opts Options) *Engine {
	if log == nil {
		log = logging.Discard()
	}
	opts.StartupGroups = slices.Clone(opts.StartupGroups)
	return &Engine{sys: sys, caps: caps, log: log, opts: opts}
}

// Run changes the process identity for req. A disabled scope is declined
// without any side effect.
func (e *Engine) Run(ctx context.Context, req Request) Result {
	res := Result{States: []State{StateStart}}
	if !req.Config.Enabled {
		res.Outcome = OutcomeDeclined
		return res
	}

	_, span := observability.TraceTransition(ctx, &observability.Transition{
		RequestID: req.ID,
		Host:      req.Host,
		Path:      req.Config.Path,
		WorkerPID: os.Getpid(),
		Chroot:    req.Chroot,
	})
	defer span.End()
	step := func(s State) {
		res.States = append(res.States, s)
		observability.RecordState(span, s.String())
	}
	if req.Chroot != "" {
		step(StateChrootApplied)
	}

	log := e.log.With("request_id", req.ID, "host", req.Host, "path", req.Config.Path)

	b := e.caps.Acquire(capabilities.SetUID, capabilities.SetGID).AlsoClear(capabilities.DACReadSearch)

	res.Identity = identity.Resolve(req.Config.Candidate(req.Owner), req.Config.Policy(), e.opts.StartupGroups)
	res.Resolved = true
	observability.RecordIdentity(span, res.Identity.UID, res.Identity.GID, res.Identity.Groups)

	err := e.change(log, res.Identity, step)

	if relErr := b.Release(); relErr != nil && err == nil {
		err = fmt.Errorf("after identity change: %w", relErr)
	}
	if dropErr := e.Finalize(req.Chroot != ""); dropErr != nil && err == nil {
		err = dropErr
	}
	if err == nil {
		step(StateCapabilitiesFinalized)
		step(StateDone)
		res.Outcome = OutcomeProceed
		log.Debug("identity changed", "identity", res.Identity.String())
	} else {
		step(StateAborted)
		res.Outcome = OutcomeForbidden
		res.Err = fmt.Errorf("%w: %w", ErrForbidden, err)
		log.Error("identity change failed", "identity", res.Identity.String(), "error", err)
	}
	observability.RecordOutcome(span, res.Outcome.String(), res.Err)
	return res
}

// change applies the credentials in kernel order: groups, gid, uid. Groups
// are best effort.
func (e *Engine) change(log *slog.Logger, id identity.Resolved, step func(State)) error {
	if err := e.sys.Setgroups(id.Groups); err != nil {
		log.Warn("setting supplementary groups failed", "groups", id.Groups, "error", err)
	} else {
		step(StateGroupsSet)
	}

	if err := e.sys.Setgid(id.GID); err != nil {
		return fmt.Errorf("setgid(%d): %w (gid=%d uid=%d)", id.GID, err, e.sys.Getgid(), e.sys.Getuid())
	}
	step(StateGIDSet)

	if err := e.sys.Setuid(id.UID); err != nil {
		return fmt.Errorf("setuid(%d): %w (uid=%d)", id.UID, err, e.sys.Getuid())
	}
	step(StateUIDSet)

	// The kernel clears the dumpable flag on an id change.
	if e.opts.RestoreDumpable {
		if err := e.sys.SetDumpable(true); err != nil {
			log.Warn("restoring dumpable flag failed", "error", err)
		} else {
			step(StateCoredumpRestored)
		}
	}
	return nil
}

// Finalize removes the identity change capabilities from the permitted set.
// CAP_SYS_CHROOT goes too when no virtual host uses a chroot or the process
// is already jailed. Only the first call has an effect; later calls return
// its result.
func (e *Engine) Finalize(jailed bool) error {
	if e.finalized {
		return e.finalizeErr
	}
	e.finalized = true

	caps := []capabilities.Cap{capabilities.SetUID, capabilities.SetGID, capabilities.DACReadSearch}
	if !e.opts.ChrootUsed || jailed {
		caps = append(caps, capabilities.SysChroot)
	}
	if err := e.caps.DropPermitted(caps...); err != nil {
		e.finalizeErr = err
	}
	return e.finalizeErr
}
