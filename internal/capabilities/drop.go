package capabilities

import (
	"context"
	"fmt"

	"github.com/agentsh/jailhttpd/internal/logging"
)

// Restrict limits the permitted set to exactly caps. It is used once, when a
// worker starts, to discard everything the identity change does not need.
func (m *Manager) Restrict(caps ...Cap) error {
	if err := m.ctrl.Restrict(caps...); err != nil {
		m.log.Log(context.Background(), logging.LevelCritical, "restricting permitted capabilities failed",
			"caps", Names(caps), "error", err)
		return fmt.Errorf("restrict permitted to %v: %w", Names(caps), err)
	}
	return nil
}

// DropPermitted removes caps from the permitted set. This cannot be undone:
// the process can never raise them again.
func (m *Manager) DropPermitted(caps ...Cap) error {
	if len(caps) == 0 {
		return nil
	}
	if err := m.ctrl.Lower(Permitted, caps...); err != nil {
		m.log.Log(context.Background(), logging.LevelCritical, "dropping permitted capabilities failed",
			"caps", Names(caps), "error", err)
		return fmt.Errorf("drop %v from permitted: %w", Names(caps), err)
	}
	return nil
}

// EffectiveGuarded returns the guarded capabilities that are currently
// effective. Outside a bracket it should be empty.
func (m *Manager) EffectiveGuarded() ([]Cap, error) {
	var out []Cap
	for _, c := range Guarded {
		on, err := m.ctrl.Has(Effective, c)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", c, err)
		}
		if on {
			out = append(out, c)
		}
	}
	return out, nil
}
