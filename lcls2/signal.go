package lcls2

import (
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// Signal is a concurrently readable value with change subscriptions. The
// status monitor writes peer-reported values into signals; readers either
// poll with Get or subscribe for updates.
//
// Subscribers run synchronously on the goroutine calling Put, outside the
// signal's lock, so a callback may call back into the signal.
type Signal[T any] struct {
	mu       sync.RWMutex
	value    T
	hasValue bool
	subs     *xsync.MapOf[uint64, func(old, cur T)]
	nextID   atomic.Uint64
}

// NewSignal creates an empty signal.
func NewSignal[T any]() *Signal[T] {
	return &Signal[T]{subs: xsync.NewMapOf[uint64, func(old, cur T)]()}
}

// Get returns the current value and whether one was ever written.
func (s *Signal[T]) Get() (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.value, s.hasValue
}

// Put stores value and notifies every subscriber with the old and new value.
// On the first write both arguments equal the new value.
func (s *Signal[T]) Put(value T) {
	s.mu.Lock()
	old := s.value
	if !s.hasValue {
		old = value
	}
	s.value = value
	s.hasValue = true
	s.mu.Unlock()

	s.subs.Range(func(_ uint64, fn func(old, cur T)) bool {
		fn(old, value)
		return true
	})
}

// Subscribe registers fn for future updates and returns its subscription id.
// When runNow is true and the signal holds a value, fn fires immediately on
// the calling goroutine with the current value in both positions.
func (s *Signal[T]) Subscribe(fn func(old, cur T), runNow bool) uint64 {
	id := s.nextID.Add(1)
	s.subs.Store(id, fn)

	if runNow {
		if cur, ok := s.Get(); ok {
			fn(cur, cur)
		}
	}

	return id
}

// Unsubscribe removes the subscription with the given id. Unknown ids are
// ignored.
func (s *Signal[T]) Unsubscribe(id uint64) {
	s.subs.Delete(id)
}
