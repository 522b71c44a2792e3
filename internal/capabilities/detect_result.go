package capabilities

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// DetectResult describes the capability sets of a process.
type DetectResult struct {
	PID       int                   `json:"pid" yaml:"pid"`
	Effective []string              `json:"effective" yaml:"effective"`
	Permitted []string              `json:"permitted" yaml:"permitted"`
	Bounding  []string              `json:"bounding" yaml:"bounding"`
	Guarded   map[string]GuardState `json:"guarded" yaml:"guarded"`
	// Ready is true when the identity change capabilities are permitted
	// and none of the guarded capabilities is effective.
	Ready bool `json:"ready" yaml:"ready"`
}

// GuardState is the state of one guarded capability.
type GuardState struct {
	Effective bool `json:"effective" yaml:"effective"`
	Permitted bool `json:"permitted" yaml:"permitted"`
}

// JSON returns the detection result as JSON bytes.
func (r *DetectResult) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// YAML returns the detection result as YAML bytes.
func (r *DetectResult) YAML() ([]byte, error) {
	return yaml.Marshal(r)
}

// Table renders the guarded capabilities as a fixed-width table.
func (r *DetectResult) Table() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pid %d\n\n", r.PID)
	fmt.Fprintf(&b, "%-22s %-10s %-10s\n", "CAPABILITY", "PERMITTED", "EFFECTIVE")
	for _, c := range Guarded {
		st := r.Guarded[c.String()]
		fmt.Fprintf(&b, "%-22s %-10s %-10s\n", c, yesNo(st.Permitted), yesNo(st.Effective))
	}
	fmt.Fprintf(&b, "\nready for identity change: %s\n", yesNo(r.Ready))
	return b.String()
}

// Missing returns the capabilities in want that are not permitted.
func (r *DetectResult) Missing(want []Cap) []Cap {
	var out []Cap
	for _, c := range want {
		if !slices.Contains(r.Permitted, c.String()) {
			out = append(out, c)
		}
	}
	return out
}

func (r *DetectResult) evaluate() {
	r.Ready = r.Guarded[SetUID.String()].Permitted && r.Guarded[SetGID.String()].Permitted
	for _, st := range r.Guarded {
		if st.Effective {
			r.Ready = false
		}
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
