package morsel

import (
	"sync"
	"sync/atomic"
)

// Observers is a set of callbacks for one kind of event. Registering returns a
// function that removes the callback again.
type Observers[T any] struct {
	mu     sync.RWMutex
	nextID atomic.Uint64
	subs   []observer[T]
}

type observer[T any] struct {
	id uint64
	fn func(T)
}

// Add registers fn and returns its unregister function.
func (o *Observers[T]) Add(fn func(T)) func() {
	id := o.nextID.Add(1)

	o.mu.Lock()
	o.subs = append(o.subs, observer[T]{id: id, fn: fn})
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		for i, s := range o.subs {
			if s.id == id {
				o.subs = append(o.subs[:i:i], o.subs[i+1:]...)
				return
			}
		}
	}
}

// Notify calls every registered callback with value, in registration order.
// Callbacks run outside the lock and may unregister themselves.
func (o *Observers[T]) Notify(value T) {
	o.mu.RLock()
	subs := make([]observer[T], len(o.subs))
	copy(subs, o.subs)
	o.mu.RUnlock()

	for _, s := range subs {
		s.fn(value)
	}
}

// Len returns the number of registered callbacks.
func (o *Observers[T]) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.subs)
}
