package pending

import (
	"sync"
	"time"
)

// ListRegistry is the unindexed variant of KeyedRegistry: one ordered list of waiters
// for operations that have no natural key (readiness, RSSI, advertising start).
type ListRegistry[T any] struct {
	mu   sync.Mutex
	subs []*Subscription[T]
}

func NewListRegistry[T any]() *ListRegistry[T] {
	return &ListRegistry[T]{}
}

// Register stores a new idle subscription and returns it.
// A nil onTimeout removes the subscription and fails it with ErrTimeout.
func (r *ListRegistry[T]) Register(callback Callback[T], timeout time.Duration, onTimeout TimeoutHandler[T]) *Subscription[T] {
	if onTimeout == nil {
		onTimeout = func(sub *Subscription[T]) {
			r.NotifySubscription(sub, Failure[T](ErrTimeout))
		}
	}
	sub := NewSubscription(callback, timeout, onTimeout)

	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()
	return sub
}

// TakeAll pops every waiter in registration order.
func (r *ListRegistry[T]) TakeAll() Batch[T] {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := r.subs
	r.subs = nil
	return all
}

// Remove pops one specific subscription.
func (r *ListRegistry[T]) Remove(sub *Subscription[T]) Batch[T] {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, s := range r.subs {
		if s == sub {
			r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
			return Batch[T]{sub}
		}
	}
	return nil
}

func (r *ListRegistry[T]) NotifySubscription(sub *Subscription[T], res Result[T]) bool {
	return r.Remove(sub).Deliver(res) > 0
}

func (r *ListRegistry[T]) NotifyAll(res Result[T]) int {
	return r.TakeAll().Deliver(res)
}

func (r *ListRegistry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
