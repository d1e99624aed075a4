package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/pending"
)

// teardownReason records why a connection attempt is being torn down so the terminal
// hardware event can be reported with the right error.
type teardownReason int

const (
	reasonNone teardownReason = iota // hardware-reported
	reasonUserRequested
	reasonTimedOut
	reasonStateLost
)

func (r teardownReason) String() string {
	switch r {
	case reasonUserRequested:
		return "user_requested"
	case reasonTimedOut:
		return "timed_out"
	case reasonStateLost:
		return "state_lost"
	default:
		return "hardware_reported"
	}
}

// connectError maps the reason to the error connect waiters receive.
func (r teardownReason) connectError(id string, state device.ManagerState, hwErr error) error {
	switch r {
	case reasonUserRequested:
		return &device.ProxyError{Kind: device.KindCancelled, Op: device.OpConnect, Key: id}
	case reasonTimedOut:
		return device.Timeout(device.OpConnect, id)
	case reasonStateLost:
		return device.InvalidHardwareState(device.OpConnect, state)
	default:
		return &device.ProxyError{Kind: device.KindNotConnected, Op: device.OpConnect, Key: id, Err: hwErr}
	}
}

// link is the per-peripheral connection record. abandoned counts timed-out attempts whose
// terminal hardware event has not arrived yet; such events belong to no current waiter.
type link struct {
	state     device.PeripheralState
	reason    teardownReason
	abandoned int
}

// Central is the central-manager proxy: it tracks the radio state and the connection
// state of every known peripheral, and owns connect, disconnect and scanning.
//
// Hardware events are expected on one delivery goroutine; every public method is safe
// for concurrent use.
type Central struct {
	hw     device.CentralHardware
	opts   Options
	logger *logrus.Logger
	stats  *Stats
	events *eventBus

	peripherals *hashmap.Map[string, *Peripheral]

	mu        sync.Mutex
	state     device.ManagerState
	destroyed bool
	links     map[string]*link
	scan      *ScanStream

	ready       *readiness
	connects    *pending.KeyedRegistry[string, none]
	disconnects *pending.KeyedRegistry[string, none]
}

// NewCentral wraps hw and registers the proxy as its delegate.
func NewCentral(hw device.CentralHardware, opts Options) *Central {
	opts = opts.withDefaults()
	stats := newStats()

	c := &Central{
		hw:          hw,
		opts:        opts,
		logger:      opts.Logger,
		stats:       stats,
		events:      newEventBus(opts.EventBufferSize),
		peripherals: hashmap.New[string, *Peripheral](),
		state:       hw.State(),
		links:       make(map[string]*link),
		ready:       newReadiness(stats, opts.Logger),
		connects:    pending.NewKeyedRegistry[string, none](),
		disconnects: pending.NewKeyedRegistry[string, none](),
	}
	hw.SetDelegate(c)
	return c
}

// State returns the last radio state reported by the hardware.
func (c *Central) State() device.ManagerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectionState returns the tracked connection state of a peripheral.
func (c *Central) ConnectionState(id string) device.PeripheralState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.links[id]; ok {
		return l.state
	}
	return device.Disconnected
}

func (c *Central) Stats() *Stats {
	return c.stats
}

// Events subscribes to observer events; with no topics all of them are delivered.
func (c *Central) Events(topics ...string) *EventSubscription {
	if len(topics) == 0 {
		topics = []string{TopicState, TopicConnection}
	}
	return c.events.subscribe(topics...)
}

// Peripheral returns the proxy of a peripheral seen by a scan or retrieved before.
func (c *Central) Peripheral(id string) (*Peripheral, bool) {
	return c.peripherals.Get(id)
}

// Peripherals returns every known peripheral proxy.
func (c *Central) Peripherals() []*Peripheral {
	out := make([]*Peripheral, 0, c.peripherals.Len())
	c.peripherals.Range(func(_ string, p *Peripheral) bool {
		out = append(out, p)
		return true
	})
	return out
}

// RetrievePeripheral returns the proxy for id, asking the hardware for a handle when
// the peripheral has not been seen yet.
func (c *Central) RetrievePeripheral(id string) (*Peripheral, error) {
	if p, ok := c.peripherals.Get(id); ok {
		return p, nil
	}

	c.mu.Lock()
	destroyed := c.destroyed
	c.mu.Unlock()
	if destroyed {
		return nil, device.Destroyed(device.OpConnect)
	}

	for _, hw := range c.hw.RetrievePeripherals([]string{id}) {
		if hw.Identifier() == id {
			return c.adopt(hw), nil
		}
	}
	return nil, device.NotFound(device.OpConnect, device.ResourcePeripheral, id)
}

// adopt returns the single proxy for a hardware peripheral handle.
func (c *Central) adopt(hw device.PeripheralHardware) *Peripheral {
	id := hw.Identifier()
	if p, ok := c.peripherals.Get(id); ok {
		return p
	}
	p, loaded := c.peripherals.GetOrInsert(id, newPeripheral(c, hw))
	if !loaded {
		hw.SetDelegate(p)
		c.logger.WithFields(logrus.Fields{"peripheral": id, "name": hw.Name()}).Debug("Tracking peripheral")
	}
	return p
}

// linkLocked returns the connection record of id, creating it on first use.
func (c *Central) linkLocked(id string) *link {
	l, ok := c.links[id]
	if !ok {
		l = &link{state: device.Disconnected}
		c.links[id] = l
	}
	return l
}

// ----------------------------
// WaitUntilReady
// ----------------------------

// WaitUntilReadyAsync calls cb once the radio is poweredOn, or with an error when it is
// unsupported, unauthorized, the timeout expires or the proxy is closed.
func (c *Central) WaitUntilReadyAsync(timeout time.Duration, cb func(error)) {
	c.waitUntilReady(timeout, errCallback(cb), nil)
}

// WaitUntilReady blocks until the radio is poweredOn.
func (c *Central) WaitUntilReady(ctx context.Context, timeout time.Duration) error {
	_, err := await(ctx, device.OpReady, func(cb pending.Callback[none], cn pending.Canceller) {
		c.waitUntilReady(timeout, cb, cn)
	})
	return err
}

func (c *Central) waitUntilReady(timeout time.Duration, cb pending.Callback[none], cn pending.Canceller) {
	c.mu.Lock()
	var after func()
	if c.destroyed {
		after = fail(cb, device.Destroyed(device.OpReady))
	} else {
		after = c.ready.enqueue(c.state, timeout, cb, cn)
	}
	c.mu.Unlock()
	after()
}

// ----------------------------
// Radio state events
// ----------------------------

// DidUpdateState handles a radio state change. Leaving poweredOn invalidates every
// connection and in-flight connect or disconnect without issuing hardware commands.
func (c *Central) DidUpdateState(state device.ManagerState) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = state
	readyAfter := c.ready.update(state)

	var (
		lost        []string
		connects    pending.Batch[none]
		disconnects pending.Batch[none]
		scan        *ScanStream
	)
	if !state.Ready() {
		for id, l := range c.links {
			// the radio forgets abandoned attempts along with everything else
			l.abandoned = 0
			if l.state == device.Disconnected {
				continue
			}
			l.state = device.Disconnected
			l.reason = reasonNone
			lost = append(lost, id)
		}
		connects = c.connects.TakeAll()
		disconnects = c.disconnects.TakeAll()
		scan, c.scan = c.scan, nil
	}
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{"from": prev, "to": state}).Info("Central state changed")
	readyAfter()

	if !state.Ready() {
		lossErr := reasonStateLost.connectError("", state, nil)
		if n := connects.Deliver(pending.Failure[none](lossErr)); n > 0 {
			c.logger.WithFields(logrus.Fields{"waiters": n, "state": state}).Warn("Pending connects failed by state loss")
		}
		// a lost link satisfies a pending disconnect
		disconnects.Deliver(pending.Success(none{}))
		if scan != nil {
			scan.finish(device.InvalidHardwareState(device.OpScan, state))
		}
		for _, id := range lost {
			c.events.publish(TopicConnection, ConnectionEvent{PeripheralID: id, State: device.Disconnected, Err: lossErr})
			if p, ok := c.peripherals.Get(id); ok {
				p.linkDown(func(op device.Operation) error { return device.InvalidHardwareState(op, state) })
			}
		}
	}

	if prev != state {
		c.events.publish(TopicState, StateEvent{State: state})
	}
}

// ----------------------------
// Teardown
// ----------------------------

// Close fails every pending operation with a destroyed error, stops scanning and closes
// all peripheral proxies. Later calls fail with a destroyed error.
func (c *Central) Close() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	readyAfter := c.ready.destroy()
	connects := c.connects.TakeAll()
	disconnects := c.disconnects.TakeAll()
	scan := c.scan
	c.scan = nil
	if scan != nil {
		c.hw.StopScan()
	}
	c.mu.Unlock()

	readyAfter()
	connects.Deliver(pending.Failure[none](device.Destroyed(device.OpConnect)))
	disconnects.Deliver(pending.Failure[none](device.Destroyed(device.OpDisconnect)))
	if scan != nil {
		scan.finish(device.Destroyed(device.OpScan))
	}
	c.peripherals.Range(func(_ string, p *Peripheral) bool {
		p.Close()
		return true
	})
	c.events.shutdown()
	c.logger.Debug("Central proxy closed")
	return nil
}
