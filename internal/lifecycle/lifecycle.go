// Package lifecycle carries the privilege state of a worker process across
// its three phases: privileged startup, post-fork setup and request
// handling.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/agentsh/jailhttpd/internal/capabilities"
	"github.com/agentsh/jailhttpd/internal/config"
	"github.com/agentsh/jailhttpd/internal/identity"
	"github.com/agentsh/jailhttpd/internal/jail"
	"github.com/agentsh/jailhttpd/internal/logging"
	"github.com/agentsh/jailhttpd/internal/privsys"
	"github.com/agentsh/jailhttpd/internal/transition"
)

var (
	// ErrIllegalTransition is returned when a hook runs out of order.
	ErrIllegalTransition = errors.New("illegal lifecycle transition")
	// ErrWorkerReused refuses a second request on a worker that changes
	// identity; its capabilities are gone after the first one.
	ErrWorkerReused = errors.New("worker already served a request")
)

// Phase is the lifecycle phase of the process. Phases only move forward.
type Phase int

const (
	PhaseNew Phase = iota
	PhaseParentPrivileged
	PhaseChildPostFork
	PhasePerRequestReady
)

func (p Phase) String() string {
	switch p {
	case PhaseNew:
		return "new"
	case PhaseParentPrivileged:
		return "parent_privileged"
	case PhaseChildPostFork:
		return "child_post_fork"
	case PhasePerRequestReady:
		return "per_request_ready"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Snapshot is the process state captured right after fork.
type Snapshot struct {
	Groups                 []int `json:"groups"`
	Dumpable               bool  `json:"dumpable"`
	ChrootCapabilityNeeded bool  `json:"chroot_capability_needed"`
}

// Request is one request as seen by the per-request hook.
type Request struct {
	ID     string
	Host   string
	Config config.Effective
	Owner  *identity.Candidate
}

// Result is the outcome of the per-request hook.
type Result struct {
	transition.Result
	// DocumentRoot is where to serve from; inside the jail when one was
	// entered.
	DocumentRoot string
}

// State replaces the process-wide globals of a worker. Create one per
// process with New.
type State struct {
	sys  privsys.System
	caps *capabilities.Manager
	log  *slog.Logger

	phase    Phase
	active   bool
	snapshot Snapshot
	served   int

	jail   *jail.Controller
	engine *transition.Engine
}

func New(sys privsys.System, log *slog.Logger) *State {
	if log == nil {
		log = logging.Discard()
	}
	return &State{
		sys:  sys,
		caps: capabilities.NewManager(sys.Capabilities(), log),
		log:  log,
	}
}

// Phase returns the current phase.
func (s *State) Phase() Phase { return s.phase }

// Active reports whether identity change is enabled for this process.
func (s *State) Active() bool { return s.active }

// Snapshot returns the state captured by PostFork.
func (s *State) Snapshot() Snapshot {
	snap := s.snapshot
	snap.Groups = slices.Clone(s.snapshot.Groups)
	return snap
}

// Capabilities returns the capability manager of the process.
func (s *State) Capabilities() *capabilities.Manager { return s.caps }

func (s *State) advance(from, to Phase) error {
	if s.phase != from {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.phase, to)
	}
	s.phase = to
	return nil
}

// Startup runs while the process is still fully privileged. Identity change
// is active only when each worker serves exactly one request, because the
// capabilities it needs are removed for good after the first request. When
// active, the permitted set is kept across the switch to the server user.
func (s *State) Startup(maxRequestsPerWorker int) error {
	if err := s.advance(PhaseNew, PhaseParentPrivileged); err != nil {
		return err
	}
	if maxRequestsPerWorker != 1 {
		s.log.Info("identity change disabled: workers serve more than one request",
			"max_requests_per_worker", maxRequestsPerWorker)
		return nil
	}
	if err := s.sys.KeepCaps(); err != nil {
		s.log.Error("keeping capabilities across setuid failed", "error", err)
		return fmt.Errorf("keep capabilities: %w", err)
	}
	s.active = true
	return nil
}

// AssumeServerIdentity switches a root process to the server user before
// PostFork. With Startup active the permitted set survives the switch. A
// process that is not root is left as it is.
func (s *State) AssumeServerIdentity(uid, gid int) error {
	if s.phase != PhaseParentPrivileged {
		return fmt.Errorf("%w: assume server identity in %s", ErrIllegalTransition, s.phase)
	}
	if s.sys.Getuid() != 0 {
		return nil
	}
	if err := s.sys.Setgroups([]int{gid}); err != nil {
		return fmt.Errorf("setgroups(%d): %w", gid, err)
	}
	if err := s.sys.Setgid(gid); err != nil {
		return fmt.Errorf("setgid(%d): %w", gid, err)
	}
	if err := s.sys.Setuid(uid); err != nil {
		return fmt.Errorf("setuid(%d): %w", uid, err)
	}
	return nil
}

// PostFork captures the snapshot and limits the permitted set to what the
// identity change can need: CAP_SETUID and CAP_SETGID, plus CAP_SYS_CHROOT
// when any virtual host has a document chroot.
func (s *State) PostFork(cfg *config.Config) error {
	if err := s.advance(PhaseParentPrivileged, PhaseChildPostFork); err != nil {
		return err
	}
	if !s.active {
		return nil
	}

	s.snapshot = Snapshot{ChrootCapabilityNeeded: cfg.ChrootUsed()}

	groups, err := s.sys.Getgroups()
	switch {
	case err != nil:
		s.log.Error("capturing startup groups failed", "error", err)
	case len(groups) > identity.MaxGroups:
		s.log.Error("capturing startup groups failed: too many groups",
			"count", len(groups), "max", identity.MaxGroups)
	default:
		s.snapshot.Groups = groups
	}

	dumpable, err := s.sys.Dumpable()
	if err != nil {
		s.log.Error("reading dumpable flag failed", "error", err)
	}
	s.snapshot.Dumpable = dumpable

	permitted := []capabilities.Cap{capabilities.SetUID, capabilities.SetGID}
	if s.snapshot.ChrootCapabilityNeeded {
		permitted = append(permitted, capabilities.SysChroot)
	}
	if err := s.caps.Restrict(permitted...); err != nil {
		return err
	}

	s.jail = jail.New(s.sys, s.caps, s.log)
	s.engine = transition.New(s.sys, s.caps, s.log, transition.Options{
		StartupGroups:   s.snapshot.Groups,
		RestoreDumpable: s.snapshot.Dumpable,
		ChrootUsed:      s.snapshot.ChrootCapabilityNeeded,
	})
	return nil
}

// HandleRequest enters the jail when the request's scope has one, then runs
// the identity transition. A declined transition still removes the identity
// change capabilities, since the worker will not serve another request.
func (s *State) HandleRequest(ctx context.Context, req Request) (Result, error) {
	if err := s.enterRequest(); err != nil {
		return Result{}, err
	}

	res := Result{DocumentRoot: req.Config.DocumentRoot}
	if !s.active {
		res.Outcome = transition.OutcomeDeclined
		res.States = []transition.State{transition.StateStart}
		return res, nil
	}

	s.served++
	if s.served > 1 {
		s.log.Error("refusing request on a reused worker", "request_id", req.ID, "served", s.served)
		res.Outcome = transition.OutcomeForbidden
		res.Err = fmt.Errorf("%w: %w", transition.ErrForbidden, ErrWorkerReused)
		return res, nil
	}

	if c := req.Config.Chroot; c != nil {
		root, err := s.jail.Apply(c.Dir, c.DocumentRoot)
		if err != nil {
			// Still drop the identity change capabilities before refusing.
			if ferr := s.engine.Finalize(false); ferr != nil {
				s.log.Error("dropping capabilities after failed chroot failed", "error", ferr)
			}
			res.Outcome = transition.OutcomeForbidden
			res.States = []transition.State{transition.StateStart, transition.StateAborted}
			res.Err = fmt.Errorf("%w: %w", transition.ErrForbidden, err)
			return res, nil
		}
		res.DocumentRoot = root
	}

	var chrootDir string
	if s.jail.Applied() {
		chrootDir = req.Config.Chroot.Dir
	}
	res.Result = s.engine.Run(ctx, transition.Request{
		ID:     req.ID,
		Host:   req.Host,
		Config: req.Config,
		Owner:  req.Owner,
		Chroot: chrootDir,
	})

	if res.Outcome == transition.OutcomeDeclined {
		if err := s.engine.Finalize(s.jail.Applied()); err != nil {
			s.log.Error("dropping capabilities after declined request failed", "error", err)
		}
	}
	return res, nil
}

// Refuse turns down a request before any credential changes, for reasons
// found outside the transition such as an untrusted resource path. On an
// active worker it counts as the worker's request and removes the identity
// change capabilities.
func (s *State) Refuse(req Request, reason error) (Result, error) {
	if err := s.enterRequest(); err != nil {
		return Result{}, err
	}
	res := Result{DocumentRoot: req.Config.DocumentRoot}
	res.Outcome = transition.OutcomeForbidden
	res.States = []transition.State{transition.StateStart, transition.StateAborted}
	res.Err = fmt.Errorf("%w: %w", transition.ErrForbidden, reason)
	if s.active {
		s.served++
		if err := s.engine.Finalize(s.jail.Applied()); err != nil {
			s.log.Error("dropping capabilities after refused request failed", "error", err)
		}
	}
	s.log.Warn("request refused", "request_id", req.ID, "path", req.Config.Path, "error", reason)
	return res, nil
}

// Credentials returns the credentials the process currently runs with.
func (s *State) Credentials() identity.Resolved {
	groups, err := s.sys.Getgroups()
	if err != nil {
		groups = nil
	}
	return identity.Resolved{UID: s.sys.Getuid(), GID: s.sys.Getgid(), Groups: groups}
}

func (s *State) enterRequest() error {
	switch s.phase {
	case PhaseChildPostFork:
		s.phase = PhasePerRequestReady
	case PhasePerRequestReady:
	default:
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.phase, PhasePerRequestReady)
	}
	return nil
}
