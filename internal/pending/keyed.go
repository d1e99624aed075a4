package pending

import (
	"sync"
	"time"

	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Batch is a set of subscriptions popped from a registry, ready to be notified
// outside of any lock.
type Batch[T any] []*Subscription[T]

// Deliver notifies every subscription of the batch in order and returns how many
// of them were actually delivered (already completed ones are skipped).
func (b Batch[T]) Deliver(r Result[T]) int {
	n := 0
	for _, sub := range b {
		if sub.Notify(r) {
			n++
		}
	}
	return n
}

// KeyedRegistry maps a key to the ordered list of subscriptions waiting on it.
//
// Keys and their waiters are kept in insertion order. A key with no waiters is
// never stored. Take* methods pop under the registry lock and leave delivery to the
// caller; the Notify* methods do both.
type KeyedRegistry[K comparable, T any] struct {
	mu    sync.Mutex
	subs  *orderedmap.OrderedMap[K, []*Subscription[T]]
	index map[uuid.UUID]K
}

func NewKeyedRegistry[K comparable, T any]() *KeyedRegistry[K, T] {
	return &KeyedRegistry[K, T]{
		subs:  orderedmap.New[K, []*Subscription[T]](),
		index: make(map[uuid.UUID]K),
	}
}

// Register stores a new idle subscription for key and returns it.
// A nil onTimeout removes the subscription and fails it with ErrTimeout.
func (r *KeyedRegistry[K, T]) Register(key K, callback Callback[T], timeout time.Duration, onTimeout TimeoutHandler[T]) *Subscription[T] {
	if onTimeout == nil {
		onTimeout = func(sub *Subscription[T]) {
			r.NotifySubscription(sub, Failure[T](ErrTimeout))
		}
	}
	sub := NewSubscription(callback, timeout, onTimeout)

	r.mu.Lock()
	defer r.mu.Unlock()

	list, _ := r.subs.Get(key)
	r.subs.Set(key, append(list, sub))
	r.index[sub.ID()] = key
	return sub
}

// Take pops every waiter of key.
func (r *KeyedRegistry[K, T]) Take(key K) Batch[T] {
	r.mu.Lock()
	defer r.mu.Unlock()

	list, ok := r.subs.Delete(key)
	if !ok {
		return nil
	}
	for _, sub := range list {
		delete(r.index, sub.ID())
	}
	return list
}

// TakeFirst pops the oldest waiter of key.
func (r *KeyedRegistry[K, T]) TakeFirst(key K) Batch[T] {
	r.mu.Lock()
	defer r.mu.Unlock()

	list, ok := r.subs.Get(key)
	if !ok || len(list) == 0 {
		return nil
	}
	first := list[0]
	if len(list) == 1 {
		r.subs.Delete(key)
	} else {
		r.subs.Set(key, list[1:])
	}
	delete(r.index, first.ID())
	return Batch[T]{first}
}

// TakeAll pops every waiter, oldest key first.
func (r *KeyedRegistry[K, T]) TakeAll() Batch[T] {
	r.mu.Lock()
	defer r.mu.Unlock()

	var all Batch[T]
	for pair := r.subs.Oldest(); pair != nil; pair = pair.Next() {
		all = append(all, pair.Value...)
	}
	r.subs = orderedmap.New[K, []*Subscription[T]]()
	r.index = make(map[uuid.UUID]K)
	return all
}

// Remove pops one specific subscription. The batch is empty when sub was not registered.
func (r *KeyedRegistry[K, T]) Remove(sub *Subscription[T]) Batch[T] {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.index[sub.ID()]
	if !ok {
		return nil
	}
	delete(r.index, sub.ID())

	list, _ := r.subs.Get(key)
	for i, s := range list {
		if s != sub {
			continue
		}
		rest := append(list[:i:i], list[i+1:]...)
		if len(rest) == 0 {
			r.subs.Delete(key)
		} else {
			r.subs.Set(key, rest)
		}
		return Batch[T]{sub}
	}
	return nil
}

// Notify pops and notifies every waiter of key with the same result.
func (r *KeyedRegistry[K, T]) Notify(key K, res Result[T]) int {
	return r.Take(key).Deliver(res)
}

// NotifyFirst pops and notifies the oldest waiter of key.
func (r *KeyedRegistry[K, T]) NotifyFirst(key K, res Result[T]) bool {
	return r.TakeFirst(key).Deliver(res) > 0
}

// NotifySubscription removes and notifies one specific waiter.
func (r *KeyedRegistry[K, T]) NotifySubscription(sub *Subscription[T], res Result[T]) bool {
	return r.Remove(sub).Deliver(res) > 0
}

// NotifyAll drains the registry.
func (r *KeyedRegistry[K, T]) NotifyAll(res Result[T]) int {
	return r.TakeAll().Deliver(res)
}

// Has reports whether key has at least one waiter.
func (r *KeyedRegistry[K, T]) Has(key K) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs.Get(key)
	return ok
}

// Count returns the number of waiters on key.
func (r *KeyedRegistry[K, T]) Count(key K) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	list, _ := r.subs.Get(key)
	return len(list)
}

// Len returns the total number of waiters.
func (r *KeyedRegistry[K, T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.index)
}

// Keys returns the keys with waiters in insertion order.
func (r *KeyedRegistry[K, T]) Keys() []K {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]K, 0, r.subs.Len())
	for pair := r.subs.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}
