package pending

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrTimeout is delivered to subscriptions that expire without a custom timeout handler.
var ErrTimeout = errors.New("subscription timed out")

// State is the lifecycle state of a Subscription.
type State int32

const (
	Idle State = iota
	Running
	Completed
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Completed:
		return "completed"
	default:
		return "idle"
	}
}

// TimeoutHandler runs on the timer goroutine when a running subscription expires.
// It is expected to end in a Notify on the same subscription, usually through the
// owning registry so the waiter is removed first.
type TimeoutHandler[T any] func(sub *Subscription[T])

// Subscription is one waiter for one asynchronous outcome.
//
// It is notified at most once. Start arms the timeout timer, and only the first call
// from the idle state does so. Notify and the timer may race from different goroutines;
// the loser is a no-op.
type Subscription[T any] struct {
	id        uuid.UUID
	state     atomic.Int32
	callback  Callback[T]
	timeout   time.Duration
	onTimeout TimeoutHandler[T]

	timerMu sync.Mutex
	timer   *time.Timer
	done    chan struct{}
}

// NewSubscription creates an idle subscription. A timeout <= 0 never expires.
// With a nil onTimeout an expired subscription is notified with ErrTimeout.
func NewSubscription[T any](callback Callback[T], timeout time.Duration, onTimeout TimeoutHandler[T]) *Subscription[T] {
	return &Subscription[T]{
		id:        uuid.New(),
		callback:  callback,
		timeout:   timeout,
		onTimeout: onTimeout,
		done:      make(chan struct{}),
	}
}

func (s *Subscription[T]) ID() uuid.UUID {
	return s.id
}

func (s *Subscription[T]) State() State {
	return State(s.state.Load())
}

func (s *Subscription[T]) Timeout() time.Duration {
	return s.timeout
}

// Done is closed once the subscription has been notified.
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

// Start moves an idle subscription to running and arms its timer.
func (s *Subscription[T]) Start() {
	if !s.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return
	}
	if s.timeout <= 0 {
		return
	}

	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	// Notify may have won between the CAS and the lock.
	if s.State() == Completed {
		return
	}
	s.timer = time.AfterFunc(s.timeout, s.expire)
}

func (s *Subscription[T]) expire() {
	if s.State() == Completed {
		return
	}
	if s.onTimeout != nil {
		s.onTimeout(s)
		return
	}
	s.Notify(Failure[T](ErrTimeout))
}

// Notify delivers r to the callback unless the subscription already completed.
// It reports whether this call performed the delivery.
func (s *Subscription[T]) Notify(r Result[T]) bool {
	for {
		cur := s.state.Load()
		if cur == int32(Completed) {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(Completed)) {
			break
		}
	}

	s.timerMu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerMu.Unlock()

	close(s.done)
	if s.callback != nil {
		s.callback(r)
	}
	return true
}
