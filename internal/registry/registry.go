// Package registry implements a keyed multimap of handler entries.
//
// An entry is a comparable struct whose fields form the registration
// signature, e.g. struct{channel; handler; scope}. Two entries are the same
// entry iff every field is equal, so registering the same tuple twice is
// idempotent and removal is deterministic. Prefix or case-insensitive
// matching is left to the caller.
package registry

import (
	"reflect"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Registry stores unique entries in insertion order. It is safe for
// concurrent use; iteration works on a snapshot taken when it starts, so
// entries added or removed by a callback never affect an enumeration in
// flight.
//
// K must not hold interface values with non-comparable dynamic types
// (funcs, maps, slices): comparing them panics. Use Comparable to validate
// such fields before building a key.
type Registry[K comparable] struct {
	mu      sync.RWMutex
	entries []K
}

// New creates an empty registry.
func New[K comparable]() *Registry[K] {
	return &Registry[K]{}
}

func (r *Registry[K]) indexOf(key K) int {
	for i, k := range r.entries {
		if k == key {
			return i
		}
	}
	return -1
}

// Add inserts key unless an equal entry exists. It reports whether the
// entry was inserted.
func (r *Registry[K]) Add(key K) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.indexOf(key) >= 0 {
		return false
	}
	r.entries = append(r.entries, key)
	return true
}

// Set inserts key, or replaces the equal entry in place, keeping its
// position.
func (r *Registry[K]) Set(key K) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if i := r.indexOf(key); i >= 0 {
		r.entries[i] = key
		return
	}
	r.entries = append(r.entries, key)
}

// Delete removes the entry equal to key. It reports whether one was found.
func (r *Registry[K]) Delete(key K) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(key)
	if i < 0 {
		return false
	}
	r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
	return true
}

// Has reports whether an entry equal to key is stored.
func (r *Registry[K]) Has(key K) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.indexOf(key) >= 0
}

// Len returns the number of stored entries.
func (r *Registry[K]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns a copy of the stored entries in insertion order.
func (r *Registry[K]) Snapshot() []K {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]K, len(r.entries))
	copy(out, r.entries)
	return out
}

// ForEach calls fn once per entry, in insertion order.
func (r *Registry[K]) ForEach(fn func(key K)) {
	for _, k := range r.Snapshot() {
		fn(k)
	}
}

// MapAsync calls fn for every entry concurrently, waits for all of them
// and returns the results in insertion order.
func MapAsync[K comparable, R any](r *Registry[K], fn func(key K) R) []R {
	keys := r.Snapshot()
	out := make([]R, len(keys))

	var g errgroup.Group
	for i, k := range keys {
		g.Go(func() error {
			out[i] = fn(k)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Comparable reports whether every value can be used with ==. nil counts
// as comparable.
func Comparable(values ...any) bool {
	for _, v := range values {
		if v == nil {
			continue
		}
		if !reflect.TypeOf(v).Comparable() {
			return false
		}
	}
	return true
}
