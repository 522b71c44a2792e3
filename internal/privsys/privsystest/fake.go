// Package privsystest provides an in-memory privsys.System that follows the
// kernel's rules for credentials and capabilities closely enough to test
// identity changes without root.
package privsystest

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"syscall"

	"github.com/agentsh/jailhttpd/internal/capabilities"
	"github.com/agentsh/jailhttpd/internal/privsys"
)

// Fake models one process. The zero value is not usable; use NewRoot or
// NewUser.
type Fake struct {
	mu sync.Mutex

	uid, gid  int
	groups    []int
	effective map[capabilities.Cap]bool
	permitted map[capabilities.Cap]bool
	dumpable  bool
	keepCaps  bool
	cwd, root string

	failures map[string]error
	calls    []string
}

var (
	_ privsys.System          = (*Fake)(nil)
	_ capabilities.Controller = (*Fake)(nil)
)

// allCaps is the full set a root process starts with.
func allCaps() map[capabilities.Cap]bool {
	m := make(map[capabilities.Cap]bool)
	for c := capabilities.Cap(0); c <= 40; c++ {
		m[c] = true
	}
	return m
}

// NewRoot returns a process running as root with every capability permitted
// and effective.
func NewRoot() *Fake {
	return &Fake{
		groups:    []int{0},
		effective: allCaps(),
		permitted: allCaps(),
		dumpable:  true,
		cwd:       "/",
		root:      "/",
		failures:  make(map[string]error),
	}
}

// NewUser returns a process with no capabilities at all.
func NewUser(uid, gid int, groups ...int) *Fake {
	return &Fake{
		uid:       uid,
		gid:       gid,
		groups:    slices.Clone(groups),
		effective: make(map[capabilities.Cap]bool),
		permitted: make(map[capabilities.Cap]bool),
		dumpable:  true,
		cwd:       "/",
		root:      "/",
		failures:  make(map[string]error),
	}
}

// Fail makes every later call of op return err. op is the lower-case method
// name: "setgroups", "setgid", "setuid", "chdir", "chroot", "getgroups",
// "dumpable", "setdumpable", "keepcaps", "has", "raise", "lower", "restrict".
// A nil err removes the failure.
func (f *Fake) Fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, op)
		return
	}
	f.failures[op] = err
}

// record logs the call and returns the injected failure for op, if any.
func (f *Fake) record(op string, args ...any) error {
	f.calls = append(f.calls, op+"("+strings.TrimSuffix(fmt.Sprintln(args...), "\n")+")")
	return f.failures[op]
}

// Calls returns the calls made so far, e.g. "setuid(1000)".
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// Called reports whether op was called at least once.
func (f *Fake) Called(op string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.HasPrefix(c, op+"(") {
			return true
		}
	}
	return false
}

// ResetCalls clears the call log.
func (f *Fake) ResetCalls() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}

// UID returns the current uid.
func (f *Fake) UID() int { f.mu.Lock(); defer f.mu.Unlock(); return f.uid }

// GID returns the current gid.
func (f *Fake) GID() int { f.mu.Lock(); defer f.mu.Unlock(); return f.gid }

// Groups returns the supplementary groups.
func (f *Fake) Groups() []int { f.mu.Lock(); defer f.mu.Unlock(); return slices.Clone(f.groups) }

// Root returns the current filesystem root.
func (f *Fake) Root() string { f.mu.Lock(); defer f.mu.Unlock(); return f.root }

// Cwd returns the current working directory.
func (f *Fake) Cwd() string { f.mu.Lock(); defer f.mu.Unlock(); return f.cwd }

// IsDumpable returns the dumpable flag without going through failure
// injection.
func (f *Fake) IsDumpable() bool { f.mu.Lock(); defer f.mu.Unlock(); return f.dumpable }

// KeepCapsSet reports whether KeepCaps succeeded.
func (f *Fake) KeepCapsSet() bool { f.mu.Lock(); defer f.mu.Unlock(); return f.keepCaps }

// EffectiveSet returns the effective capabilities in ascending order.
func (f *Fake) EffectiveSet() []capabilities.Cap {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sorted(f.effective)
}

// PermittedSet returns the permitted capabilities in ascending order.
func (f *Fake) PermittedSet() []capabilities.Cap {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sorted(f.permitted)
}

// SetEffective replaces the effective set. Capabilities that are not
// permitted are ignored.
func (f *Fake) SetEffective(caps ...capabilities.Cap) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.effective = make(map[capabilities.Cap]bool)
	for _, c := range caps {
		if f.permitted[c] {
			f.effective[c] = true
		}
	}
}

func sorted(m map[capabilities.Cap]bool) []capabilities.Cap {
	out := make([]capabilities.Cap, 0, len(m))
	for c, on := range m {
		if on {
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return out
}

// privsys.System

func (f *Fake) Capabilities() capabilities.Controller { return f }

func (f *Fake) Getuid() int { return f.UID() }
func (f *Fake) Getgid() int { return f.GID() }

func (f *Fake) Getgroups() ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("getgroups"); err != nil {
		return nil, err
	}
	return slices.Clone(f.groups), nil
}

func (f *Fake) Setgroups(gids []int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("setgroups", gids); err != nil {
		return err
	}
	if !f.effective[capabilities.SetGID] {
		return syscall.EPERM
	}
	f.groups = slices.Clone(gids)
	return nil
}

func (f *Fake) Setgid(gid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("setgid", gid); err != nil {
		return err
	}
	if gid == f.gid {
		return nil
	}
	if !f.effective[capabilities.SetGID] {
		return syscall.EPERM
	}
	f.gid = gid
	f.dumpable = false
	return nil
}

func (f *Fake) Setuid(uid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("setuid", uid); err != nil {
		return err
	}
	if uid == f.uid {
		return nil
	}
	if !f.effective[capabilities.SetUID] {
		return syscall.EPERM
	}
	if f.uid == 0 && uid != 0 {
		f.effective = make(map[capabilities.Cap]bool)
		if !f.keepCaps {
			f.permitted = make(map[capabilities.Cap]bool)
		}
	}
	f.uid = uid
	f.dumpable = false
	return nil
}

func (f *Fake) Chdir(dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("chdir", dir); err != nil {
		return err
	}
	f.cwd = dir
	return nil
}

func (f *Fake) Chroot(dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("chroot", dir); err != nil {
		return err
	}
	if !f.effective[capabilities.SysChroot] {
		return syscall.EPERM
	}
	f.root = dir
	return nil
}

func (f *Fake) Dumpable() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("dumpable"); err != nil {
		return false, err
	}
	return f.dumpable, nil
}

func (f *Fake) SetDumpable(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("setdumpable", on); err != nil {
		return err
	}
	f.dumpable = on
	return nil
}

func (f *Fake) KeepCaps() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("keepcaps"); err != nil {
		return err
	}
	f.keepCaps = true
	return nil
}

// capabilities.Controller

func (f *Fake) Has(flag capabilities.Flag, c capabilities.Cap) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["has"]; err != nil {
		return false, err
	}
	switch flag {
	case capabilities.Effective:
		return f.effective[c], nil
	case capabilities.Permitted:
		return f.permitted[c], nil
	}
	return false, fmt.Errorf("unsupported flag %v", flag)
}

func (f *Fake) Raise(flag capabilities.Flag, caps ...capabilities.Cap) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("raise", flag, capabilities.Names(caps)); err != nil {
		return err
	}
	for _, c := range caps {
		if !f.permitted[c] {
			return syscall.EPERM
		}
	}
	if flag == capabilities.Effective {
		for _, c := range caps {
			f.effective[c] = true
		}
	}
	return nil
}

func (f *Fake) Lower(flag capabilities.Flag, caps ...capabilities.Cap) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("lower", flag, capabilities.Names(caps)); err != nil {
		return err
	}
	for _, c := range caps {
		delete(f.effective, c)
		if flag == capabilities.Permitted {
			delete(f.permitted, c)
		}
	}
	return nil
}

func (f *Fake) Restrict(permitted ...capabilities.Cap) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("restrict", capabilities.Names(permitted)); err != nil {
		return err
	}
	next := make(map[capabilities.Cap]bool, len(permitted))
	for _, c := range permitted {
		if !f.permitted[c] {
			return syscall.EPERM
		}
		next[c] = true
	}
	f.permitted = next
	f.effective = make(map[capabilities.Cap]bool)
	return nil
}
