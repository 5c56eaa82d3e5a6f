package cache

import "sync/atomic"

// Snapshot is a lock-free, read-optimized container
// holding any immutable structure.
type Snapshot[T any] struct{ v atomic.Pointer[T] }

// Load returns the stored value, or nil if none has been stored yet.
func (s *Snapshot[T]) Load() *T {
	return s.v.Load()
}

// Store atomically swaps in the new value and returns the previous one.
func (s *Snapshot[T]) Store(v *T) *T {
	return s.v.Swap(v)
}
