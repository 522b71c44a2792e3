//go:build linux

package capabilities

import (
	"fmt"

	"kernel.org/pub/linux/libs/security/libcap/cap"
)

// procController changes the capabilities of the running process through
// libcap. SetProc applies the new set on every OS thread, which matters in
// a Go process where the runtime may run the next syscall on any thread.
type procController struct{}

// NewProcController returns the Controller for the current process.
func NewProcController() Controller { return procController{} }

func (procController) Has(flag Flag, c Cap) (bool, error) {
	f, err := libFlag(flag)
	if err != nil {
		return false, err
	}
	return cap.GetProc().GetFlag(f, cap.Value(c))
}

func (procController) Raise(flag Flag, caps ...Cap) error {
	f, err := libFlag(flag)
	if err != nil {
		return err
	}
	set := cap.GetProc()
	if err := set.SetFlag(f, true, values(caps)...); err != nil {
		return err
	}
	return set.SetProc()
}

func (procController) Lower(flag Flag, caps ...Cap) error {
	f, err := libFlag(flag)
	if err != nil {
		return err
	}
	set := cap.GetProc()
	vals := values(caps)
	if flag == Permitted {
		// The kernel rejects an effective set that is not a subset of
		// permitted.
		if err := set.SetFlag(cap.Effective, false, vals...); err != nil {
			return err
		}
	}
	if err := set.SetFlag(f, false, vals...); err != nil {
		return err
	}
	return set.SetProc()
}

func (procController) Restrict(permitted ...Cap) error {
	set := cap.NewSet()
	if err := set.SetFlag(cap.Permitted, true, values(permitted)...); err != nil {
		return err
	}
	return set.SetProc()
}

func libFlag(f Flag) (cap.Flag, error) {
	switch f {
	case Effective:
		return cap.Effective, nil
	case Permitted:
		return cap.Permitted, nil
	default:
		return 0, fmt.Errorf("unsupported capability flag %v", f)
	}
}

func values(caps []Cap) []cap.Value {
	out := make([]cap.Value, len(caps))
	for i, c := range caps {
		out[i] = cap.Value(c)
	}
	return out
}
