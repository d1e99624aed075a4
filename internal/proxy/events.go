package proxy

import (
	"sync"

	"github.com/cskr/pubsub/v2"
	"github.com/srg/bleproxy/internal/device"
)

// Observer topics
const (
	TopicState       = "state"
	TopicConnection  = "connection"
	TopicAdvertising = "advertising"
)

// StateEvent reports a radio state change.
type StateEvent struct {
	State device.ManagerState
}

// ConnectionEvent reports a peripheral connection state transition.
// Err carries the cause of an unexpected disconnection, including global state loss.
type ConnectionEvent struct {
	PeripheralID string
	State        device.PeripheralState
	Err          error
}

// AdvertisingEvent reports advertising start and stop, including external termination.
type AdvertisingEvent struct {
	Advertising bool
	Err         error
}

// EventSubscription is an observer channel returned by Events.
type EventSubscription struct {
	C     <-chan any
	unsub func()
	once  sync.Once
}

// Close detaches the subscription. The channel is closed asynchronously.
func (s *EventSubscription) Close() {
	s.once.Do(s.unsub)
}

// eventBus publishes observer events without ever blocking the event-delivery goroutine.
type eventBus struct {
	mu     sync.RWMutex
	closed bool
	ps     *pubsub.PubSub[string, any]
}

func newEventBus(capacity int) *eventBus {
	return &eventBus{ps: pubsub.New[string, any](capacity)}
}

func (b *eventBus) publish(topic string, ev any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.ps.TryPub(ev, topic)
}

func (b *eventBus) subscribe(topics ...string) *EventSubscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		ch := make(chan any)
		close(ch)
		return &EventSubscription{C: ch, unsub: func() {}}
	}

	ch := b.ps.Sub(topics...)
	return &EventSubscription{
		C: ch,
		unsub: func() {
			b.mu.RLock()
			defer b.mu.RUnlock()
			if !b.closed {
				go b.ps.Unsub(ch, topics...)
			}
		},
	}
}

func (b *eventBus) shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.ps.Shutdown()
}
