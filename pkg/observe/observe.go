// Package observe provides the observable value primitive wrapped by
// persisted cells: a container holding a current value and a list of
// subscribers notified synchronously on every change.
package observe

import "sync"

type subscriber[T any] struct {
	id int
	fn func(T)
}

// Value holds a current value of type T and fans changes out to subscribers
// in subscription order. It is safe for concurrent use; notification happens
// outside the internal lock so callbacks may call Get or Subscribe, but a
// callback that calls Set will recurse.
type Value[T any] struct {
	mu      sync.Mutex
	current T
	subs    []subscriber[T]
	nextID  int
}

// NewValue constructs a Value seeded with initial.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{current: initial}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

// Set replaces the current value and synchronously notifies every subscriber
// with it, in subscription order.
func (v *Value[T]) Set(next T) {
	v.mu.Lock()
	v.current = next
	subs := make([]subscriber[T], len(v.subs))
	copy(subs, v.subs)
	v.mu.Unlock()

	for _, sub := range subs {
		sub.fn(next)
	}
}

// Subscribe registers fn and immediately invokes it with the current value
// before returning. The returned function cancels the subscription and is
// safe to call more than once.
func (v *Value[T]) Subscribe(fn func(T)) func() {
	if fn == nil {
		return func() {}
	}
	v.mu.Lock()
	id := v.nextID
	v.nextID++
	v.subs = append(v.subs, subscriber[T]{id: id, fn: fn})
	current := v.current
	v.mu.Unlock()

	fn(current)

	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		for i, sub := range v.subs {
			if sub.id == id {
				v.subs = append(v.subs[:i], v.subs[i+1:]...)
				return
			}
		}
	}
}

// Subscribers reports the number of active subscriptions.
func (v *Value[T]) Subscribers() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.subs)
}
