package pending

import "sync"

// Canceller links a registration to an external cancellation source.
//
// Registration is two-phase: the owner checks Err under its registration lock and
// resolves immediately when it is non-nil; otherwise it registers and then calls Bind
// with a closure that removes exactly that registration. Bind runs the closure at once
// if cancellation arrived in between.
type Canceller interface {
	Err() error
	Bind(cancel func(error))
}

// CancelErr returns c.Err() or nil for a nil Canceller.
func CancelErr(c Canceller) error {
	if c == nil {
		return nil
	}
	return c.Err()
}

// Bind attaches cancel to c when c is not nil.
func Bind(c Canceller, cancel func(error)) {
	if c != nil {
		c.Bind(cancel)
	}
}

// Waiter is a one-shot future: a caller blocks in Wait until Resolve or a bound
// cancellation delivers the result.
type Waiter[T any] struct {
	mu     sync.Mutex
	err    error
	cancel func(error)
	ch     chan Result[T]
}

func NewWaiter[T any]() *Waiter[T] {
	return &Waiter[T]{ch: make(chan Result[T], 1)}
}

// Resolve delivers r. Only the first call has an effect.
func (w *Waiter[T]) Resolve(r Result[T]) {
	select {
	case w.ch <- r:
	default:
	}
}

// Callback adapts the waiter to a subscription callback.
func (w *Waiter[T]) Callback() Callback[T] {
	return w.Resolve
}

// Err returns the cancellation error, or nil while not cancelled.
func (w *Waiter[T]) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Bind replaces the cancellation closure. It runs cancel immediately if the waiter
// was already cancelled.
func (w *Waiter[T]) Bind(cancel func(error)) {
	w.mu.Lock()
	if w.err != nil {
		err := w.err
		w.mu.Unlock()
		cancel(err)
		return
	}
	w.cancel = cancel
	w.mu.Unlock()
}

// Cancel marks the waiter cancelled and runs the bound closure, if any.
// Without a bound closure the owner sees Err() at registration time.
func (w *Waiter[T]) Cancel(err error) {
	w.mu.Lock()
	if w.err != nil {
		w.mu.Unlock()
		return
	}
	w.err = err
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel(err)
	}
}

// Wait blocks until the result is available.
func (w *Waiter[T]) Wait() (T, error) {
	r := <-w.ch
	return r.Get()
}

// Done exposes the result channel for select loops.
func (w *Waiter[T]) Done() <-chan Result[T] {
	return w.ch
}
