package transition

import "fmt"

// State is a step of the identity transition state machine.
type State int

const (
	StateStart State = iota
	StateChrootApplied
	StateGroupsSet
	StateGIDSet
	StateUIDSet
	StateCoredumpRestored
	StateCapabilitiesFinalized
	StateDone
	StateAborted
)

var stateNames = [...]string{
	StateStart:                 "start",
	StateChrootApplied:         "chroot_applied",
	StateGroupsSet:             "groups_set",
	StateGIDSet:                "gid_set",
	StateUIDSet:                "uid_set",
	StateCoredumpRestored:      "coredump_restored",
	StateCapabilitiesFinalized: "capabilities_finalized",
	StateDone:                  "done",
	StateAborted:               "aborted",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Outcome is what a request-scoped operation reports to the host.
type Outcome int

const (
	// OutcomeDeclined means identity change is off for the request; it is
	// served under the worker's current identity.
	OutcomeDeclined Outcome = iota
	OutcomeProceed
	// OutcomeForbidden means the request must be refused with a generic
	// 403.
	OutcomeForbidden
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDeclined:
		return "declined"
	case OutcomeProceed:
		return "proceed"
	case OutcomeForbidden:
		return "forbidden"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// ParseOutcome is the inverse of Outcome.String.
func ParseOutcome(s string) (Outcome, error) {
	for _, o := range []Outcome{OutcomeDeclined, OutcomeProceed, OutcomeForbidden} {
		if o.String() == s {
			return o, nil
		}
	}
	return 0, fmt.Errorf("unknown outcome %q", s)
}
