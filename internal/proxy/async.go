package proxy

import (
	"context"
	"sync"

	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/pending"
)

// none is the value type of operations that only succeed or fail.
type none = struct{}

// await runs start with a Waiter as both callback and canceller and blocks until the
// operation resolves. Cancelling ctx resolves only this caller.
func await[T any](ctx context.Context, op device.Operation, start func(cb pending.Callback[T], c pending.Canceller)) (T, error) {
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, device.Cancelled(op, err)
	}

	w := pending.NewWaiter[T]()
	stop := context.AfterFunc(ctx, func() {
		w.Cancel(device.Cancelled(op, ctx.Err()))
	})
	defer stop()

	start(w.Callback(), w)
	return w.Wait()
}

// errCallback adapts a callback-form error handler.
func errCallback(cb func(error)) pending.Callback[none] {
	return func(r pending.Result[none]) {
		if cb != nil {
			cb(r.Err)
		}
	}
}

// valueCallback adapts a callback-form (value, error) handler.
func valueCallback[T any](cb func(T, error)) pending.Callback[T] {
	return func(r pending.Result[T]) {
		if cb != nil {
			cb(r.Get())
		}
	}
}

// resolve returns a deferred delivery for callers resolved without registering.
func resolve[T any](cb pending.Callback[T], r pending.Result[T]) func() {
	return func() {
		if cb != nil {
			cb(r)
		}
	}
}

func fail[T any](cb pending.Callback[T], err error) func() {
	return resolve(cb, pending.Failure[T](err))
}

func noop() {}

// afterRegister starts sub and links it to c once the owner released its lock.
func afterRegister[T any](sub *pending.Subscription[T], c pending.Canceller, stats *Stats, remove func(*pending.Subscription[T]) pending.Batch[T]) func() {
	return func() {
		sub.Start()
		pending.Bind(c, func(err error) {
			if remove(sub).Deliver(pending.Failure[T](err)) > 0 {
				stats.Cancellations.Inc()
			}
		})
	}
}

// gather fans in the results of several subscriptions into one callback. The first
// error wins; later results are ignored.
type gather[T any] struct {
	mu        sync.Mutex
	results   []T
	remaining int
	done      bool
	cb        pending.Callback[[]T]
}

func newGather[T any](n int, cb pending.Callback[[]T]) *gather[T] {
	return &gather[T]{results: make([]T, n), remaining: n, cb: cb}
}

func (g *gather[T]) slot(i int) pending.Callback[T] {
	return func(r pending.Result[T]) {
		g.mu.Lock()
		if g.done {
			g.mu.Unlock()
			return
		}
		if r.Err != nil {
			g.done = true
			g.mu.Unlock()
			g.cb(pending.Failure[[]T](r.Err))
			return
		}
		g.results[i] = r.Value
		g.remaining--
		if g.remaining > 0 {
			g.mu.Unlock()
			return
		}
		g.done = true
		res := g.results
		g.mu.Unlock()
		g.cb(pending.Success(res))
	}
}

// multiCanceller forwards one cancellation to several bound registrations.
type multiCanceller struct {
	parent pending.Canceller
	mu     sync.Mutex
	binds  []func(error)
}

func newMultiCanceller(parent pending.Canceller) *multiCanceller {
	return &multiCanceller{parent: parent}
}

func (m *multiCanceller) Err() error {
	return pending.CancelErr(m.parent)
}

func (m *multiCanceller) Bind(cancel func(error)) {
	m.mu.Lock()
	m.binds = append(m.binds, cancel)
	m.mu.Unlock()
}

// arm binds every collected cancel closure to the parent.
func (m *multiCanceller) arm() {
	m.mu.Lock()
	binds := m.binds
	m.mu.Unlock()

	pending.Bind(m.parent, func(err error) {
		for _, b := range binds {
			b(err)
		}
	})
}
