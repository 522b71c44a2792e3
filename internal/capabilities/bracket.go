package capabilities

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/agentsh/jailhttpd/internal/logging"
)

// Manager hands out capability brackets over a Controller and reports
// failures to its logger.
type Manager struct {
	ctrl Controller
	log  *slog.Logger
}

func NewManager(ctrl Controller, log *slog.Logger) *Manager {
	if log == nil {
		log = logging.Discard()
	}
	return &Manager{ctrl: ctrl, log: log}
}

// Bracket is a scoped activation of capabilities in the effective set.
// Release clears exactly what Acquire raised, which returns the effective
// set to its state before Acquire. Capabilities passed to AlsoClear are
// cleared too.
type Bracket struct {
	m        *Manager
	raised   []Cap
	extra    []Cap
	raiseErr error

	released   bool
	releaseErr error
}

// Acquire raises caps into the effective set. A failure is logged at
// critical level and recorded on the bracket but does not abort: the
// privileged call that needed the capability fails on its own and that
// failure is the one reported.
func (m *Manager) Acquire(caps ...Cap) *Bracket {
	b := &Bracket{m: m}

	var need []Cap
	for _, c := range caps {
		if on, err := m.ctrl.Has(Effective, c); err == nil && on {
			continue
		}
		need = append(need, c)
	}
	if len(need) == 0 {
		return b
	}

	// Recorded even on failure; clearing a capability that is not set is a
	// no-op.
	b.raised = need
	if err := m.ctrl.Raise(Effective, need...); err != nil {
		b.raiseErr = fmt.Errorf("raise %v into effective: %w", Names(need), err)
		m.log.Log(context.Background(), logging.LevelCritical, "capability raise failed",
			"caps", Names(need), "error", err)
	}
	return b
}

// AlsoClear adds caps that Release must clear from the effective set even
// though the bracket did not raise them.
func (b *Bracket) AlsoClear(caps ...Cap) *Bracket {
	b.extra = append(b.extra, caps...)
	return b
}

// Err returns the error from raising the capabilities, if any.
func (b *Bracket) Err() error { return b.raiseErr }

// Release clears the bracket's capabilities from the effective set. It is
// safe to call more than once; later calls return the first result.
func (b *Bracket) Release() error {
	if b.released {
		return b.releaseErr
	}
	b.released = true

	toClear := make([]Cap, 0, len(b.raised)+len(b.extra))
	toClear = append(toClear, b.raised...)
	toClear = append(toClear, b.extra...)
	if len(toClear) == 0 {
		return nil
	}
	if err := b.m.ctrl.Lower(Effective, toClear...); err != nil {
		b.releaseErr = fmt.Errorf("clear %v from effective: %w", Names(toClear), err)
		b.m.log.Log(context.Background(), logging.LevelCritical, "capability clear failed",
			"caps", Names(toClear), "error", err)
	}
	return b.releaseErr
}

// With runs op inside a bracket for caps. The bracket is released whether
// op succeeds or not. op's error takes precedence over a release error.
func (m *Manager) With(caps []Cap, op func() error) (err error) {
	b := m.Acquire(caps...)
	defer func() {
		if relErr := b.Release(); relErr != nil && err == nil {
			err = relErr
		}
	}()
	return op()
}
