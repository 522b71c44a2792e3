//go:build linux

package capabilities

import (
	"fmt"
	"os"
	"strings"

	"github.com/syndtr/gocapability/capability"
)

// Detect reads the capability sets of pid (0 for the current process) from
// /proc without changing anything.
func Detect(pid int) (*DetectResult, error) {
	caps, err := capability.NewPid2(pid)
	if err != nil {
		return nil, fmt.Errorf("capabilities of pid %d: %w", pid, err)
	}
	if err := caps.Load(); err != nil {
		return nil, fmt.Errorf("load capabilities of pid %d: %w", pid, err)
	}

	if pid == 0 {
		pid = os.Getpid()
	}
	r := &DetectResult{PID: pid, Guarded: make(map[string]GuardState, len(Guarded))}
	for _, c := range capability.List() {
		name := "CAP_" + strings.ToUpper(c.String())
		if caps.Get(capability.EFFECTIVE, c) {
			r.Effective = append(r.Effective, name)
		}
		if caps.Get(capability.PERMITTED, c) {
			r.Permitted = append(r.Permitted, name)
		}
		if caps.Get(capability.BOUNDING, c) {
			r.Bounding = append(r.Bounding, name)
		}
	}
	for _, c := range Guarded {
		gc := capability.Cap(c)
		r.Guarded[c.String()] = GuardState{
			Effective: caps.Get(capability.EFFECTIVE, gc),
			Permitted: caps.Get(capability.PERMITTED, gc),
		}
	}
	r.evaluate()
	return r, nil
}
