// Package hotreload swaps the master's configuration at runtime.
package hotreload

import (
	"sync"
	"sync/atomic"
)

// Reloadable holds a value that is replaced atomically on reload. Readers
// never block.
type Reloadable[T any] struct {
	value   atomic.Pointer[T]
	mu      sync.Mutex
	version atomic.Int64
}

// NewReloadable creates a new reloadable value.
func NewReloadable[T any](initial *T) *Reloadable[T] {
	r := &Reloadable[T]{}
	if initial != nil {
		r.value.Store(initial)
	}
	return r
}

// Get returns the current value.
func (r *Reloadable[T]) Get() *T {
	return r.value.Load()
}

// CompareAndSwap swaps only if the current value is old.
func (r *Reloadable[T]) CompareAndSwap(old, next *T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.value.CompareAndSwap(old, next) {
		r.version.Add(1)
		return true
	}
	return false
}

// Version returns the number of swaps so far.
func (r *Reloadable[T]) Version() int64 {
	return r.version.Load()
}
