package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/groutine"
	"github.com/srg/bleproxy/internal/pending"
)

type advertisingState int

const (
	advertisingIdle advertisingState = iota
	advertisingStarting
	advertisingActive
)

func (s advertisingState) String() string {
	switch s {
	case advertisingStarting:
		return "starting"
	case advertisingActive:
		return "advertising"
	default:
		return "idle"
	}
}

// PeripheralManager is the peripheral-role proxy: it advertises the local device and
// hosts GATT services.
type PeripheralManager struct {
	hw     device.PeripheralManagerHardware
	opts   Options
	logger *logrus.Logger
	stats  *Stats
	events *eventBus

	mu          sync.Mutex
	state       device.ManagerState
	destroyed   bool
	advertising advertisingState
	payload     device.AdvertisingPayload
	monitorGen  uint64
	stopMonitor context.CancelFunc
	hosted      map[string]device.ServiceDefinition
	adding      map[string]device.ServiceDefinition

	ready    *readiness
	starts   *pending.ListRegistry[none]
	services *pending.KeyedRegistry[string, none]
}

// NewPeripheralManager wraps hw and registers the proxy as its delegate.
func NewPeripheralManager(hw device.PeripheralManagerHardware, opts Options) *PeripheralManager {
	opts = opts.withDefaults()
	stats := newStats()

	m := &PeripheralManager{
		hw:       hw,
		opts:     opts,
		logger:   opts.Logger,
		stats:    stats,
		events:   newEventBus(opts.EventBufferSize),
		state:    hw.State(),
		hosted:   make(map[string]device.ServiceDefinition),
		adding:   make(map[string]device.ServiceDefinition),
		ready:    newReadiness(stats, opts.Logger),
		starts:   pending.NewListRegistry[none](),
		services: pending.NewKeyedRegistry[string, none](),
	}
	hw.SetDelegate(m)
	return m
}

func (m *PeripheralManager) State() device.ManagerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsAdvertising reports whether advertising was confirmed and not stopped since.
func (m *PeripheralManager) IsAdvertising() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advertising == advertisingActive
}

// Services returns the UUIDs of the hosted services.
func (m *PeripheralManager) Services() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.hosted))
	for id := range m.hosted {
		out = append(out, id)
	}
	return out
}

func (m *PeripheralManager) Stats() *Stats {
	return m.stats
}

// Events subscribes to observer events; with no topics all of them are delivered.
func (m *PeripheralManager) Events(topics ...string) *EventSubscription {
	if len(topics) == 0 {
		topics = []string{TopicState, TopicAdvertising}
	}
	return m.events.subscribe(topics...)
}

// ----------------------------
// WaitUntilReady
// ----------------------------

func (m *PeripheralManager) WaitUntilReadyAsync(timeout time.Duration, cb func(error)) {
	m.waitUntilReady(timeout, errCallback(cb), nil)
}

// WaitUntilReady blocks until the radio is poweredOn.
func (m *PeripheralManager) WaitUntilReady(ctx context.Context, timeout time.Duration) error {
	_, err := await(ctx, device.OpReady, func(cb pending.Callback[none], cn pending.Canceller) {
		m.waitUntilReady(timeout, cb, cn)
	})
	return err
}

func (m *PeripheralManager) waitUntilReady(timeout time.Duration, cb pending.Callback[none], cn pending.Canceller) {
	m.mu.Lock()
	var after func()
	if m.destroyed {
		after = fail(cb, device.Destroyed(device.OpReady))
	} else {
		after = m.ready.enqueue(m.state, timeout, cb, cn)
	}
	m.mu.Unlock()
	after()
}

// ----------------------------
// Advertising
// ----------------------------

// StartAdvertisingAsync starts advertising payload. While a start is in flight further
// callers join it; once advertising they succeed immediately.
func (m *PeripheralManager) StartAdvertisingAsync(payload device.AdvertisingPayload, timeout time.Duration, cb func(error)) {
	m.startAdvertising(payload, timeout, errCallback(cb), nil)
}

func (m *PeripheralManager) StartAdvertising(ctx context.Context, payload device.AdvertisingPayload, timeout time.Duration) error {
	_, err := await(ctx, device.OpAdvertising, func(cb pending.Callback[none], cn pending.Canceller) {
		m.startAdvertising(payload, timeout, cb, cn)
	})
	return err
}

func (m *PeripheralManager) startAdvertising(payload device.AdvertisingPayload, timeout time.Duration, cb pending.Callback[none], cn pending.Canceller) {
	m.mu.Lock()
	after := m.startAdvertisingLocked(payload, timeout, cb, cn)
	m.mu.Unlock()
	after()
}

func (m *PeripheralManager) startAdvertisingLocked(payload device.AdvertisingPayload, timeout time.Duration, cb pending.Callback[none], cn pending.Canceller) func() {
	if m.destroyed {
		return fail(cb, device.Destroyed(device.OpAdvertising))
	}
	if err := pending.CancelErr(cn); err != nil {
		return fail(cb, err)
	}
	if !m.state.Ready() {
		return fail(cb, device.InvalidHardwareState(device.OpAdvertising, m.state))
	}
	if m.advertising == advertisingActive {
		m.stats.ShortCircuits.Inc()
		return resolve(cb, pending.Success(none{}))
	}

	sub := m.starts.Register(cb, timeout, m.advertisingTimedOut)
	if m.advertising == advertisingStarting {
		m.stats.Joined.Inc()
	} else {
		payload.Services = device.NormalizeUUIDs(payload.Services)
		m.advertising = advertisingStarting
		m.payload = payload
		m.hw.StartAdvertising(payload)
		m.stats.Commands.Inc()
		m.logger.WithFields(logrus.Fields{"name": payload.LocalName, "services": payload.Services}).Info("Starting advertising")
	}
	return afterRegister(sub, cn, m.stats, m.starts.Remove)
}

// advertisingTimedOut abandons the start: the hardware is told to stop and every
// start waiter fails.
func (m *PeripheralManager) advertisingTimedOut(sub *pending.Subscription[none]) {
	m.mu.Lock()
	if m.advertising != advertisingStarting {
		batch := m.starts.Remove(sub)
		m.mu.Unlock()
		if batch.Deliver(pending.Failure[none](device.Timeout(device.OpAdvertising, ""))) > 0 {
			m.stats.Timeouts.Inc()
		}
		return
	}
	batch := m.starts.TakeAll()
	m.advertising = advertisingIdle
	m.hw.StopAdvertising()
	m.stats.Commands.Inc()
	m.mu.Unlock()

	m.stats.Timeouts.Inc()
	m.logger.WithFields(logrus.Fields{"waiters": len(batch), "timeout": sub.Timeout()}).Warn("Advertising start timed out")
	batch.Deliver(pending.Failure[none](device.Timeout(device.OpAdvertising, "")))
}

// StopAdvertising stops advertising at once. A start still in flight fails with a
// cancelled error.
func (m *PeripheralManager) StopAdvertising() {
	m.mu.Lock()
	prev := m.advertising
	if prev == advertisingIdle {
		m.mu.Unlock()
		return
	}
	batch := m.starts.TakeAll()
	m.advertising = advertisingIdle
	m.stopMonitorLocked()
	m.hw.StopAdvertising()
	m.stats.Commands.Inc()
	m.mu.Unlock()

	m.logger.Info("Stopped advertising")
	batch.Deliver(pending.Failure[none](device.Cancelled(device.OpAdvertising, nil)))
	if prev == advertisingActive {
		m.events.publish(TopicAdvertising, AdvertisingEvent{Advertising: false})
	}
}

// DidStartAdvertising resolves the start waiters.
func (m *PeripheralManager) DidStartAdvertising(err error) {
	m.mu.Lock()
	if m.advertising != advertisingStarting {
		m.mu.Unlock()
		m.logger.WithField("error", err).Debug("Ignoring advertising confirmation without pending start")
		return
	}
	batch := m.starts.TakeAll()
	if err != nil {
		m.advertising = advertisingIdle
	} else {
		m.advertising = advertisingActive
		m.startMonitorLocked()
	}
	m.mu.Unlock()

	if err != nil {
		hwErr := device.HardwareError(device.OpAdvertising, err)
		m.logger.WithError(err).Warn("Advertising failed to start")
		batch.Deliver(pending.Failure[none](hwErr))
		m.events.publish(TopicAdvertising, AdvertisingEvent{Advertising: false, Err: hwErr})
		return
	}
	m.logger.Info("Advertising")
	batch.Deliver(pending.Success(none{}))
	m.events.publish(TopicAdvertising, AdvertisingEvent{Advertising: true})
}

// startMonitorLocked polls the hardware while advertising so an external stop is noticed.
func (m *PeripheralManager) startMonitorLocked() {
	m.stopMonitorLocked()
	m.monitorGen++
	gen := m.monitorGen
	ctx, cancel := context.WithCancel(context.Background())
	m.stopMonitor = cancel

	groutine.Go(ctx, "manager-advertising-monitor", func(ctx context.Context) {
		m.monitorAdvertising(ctx, gen)
	})
}

func (m *PeripheralManager) stopMonitorLocked() {
	if m.stopMonitor != nil {
		m.stopMonitor()
		m.stopMonitor = nil
	}
}

func (m *PeripheralManager) monitorAdvertising(ctx context.Context, gen uint64) {
	tick := time.NewTicker(m.opts.MonitorInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if m.hw.IsAdvertising() {
				continue
			}
			m.mu.Lock()
			stale := m.monitorGen != gen || m.advertising != advertisingActive
			if !stale {
				m.advertising = advertisingIdle
				m.stopMonitorLocked()
			}
			m.mu.Unlock()
			if stale {
				return
			}

			m.logger.Warn("Advertising stopped externally")
			m.events.publish(TopicAdvertising, AdvertisingEvent{Advertising: false})
			return
		}
	}
}

// ----------------------------
// Services
// ----------------------------

// AddServiceAsync hosts a GATT service. Concurrent adds of the same UUID share one
// hardware command.
func (m *PeripheralManager) AddServiceAsync(def device.ServiceDefinition, timeout time.Duration, cb func(error)) {
	m.addService(def, timeout, errCallback(cb), nil)
}

func (m *PeripheralManager) AddService(ctx context.Context, def device.ServiceDefinition, timeout time.Duration) error {
	_, err := await(ctx, device.OpAddService, func(cb pending.Callback[none], cn pending.Canceller) {
		m.addService(def, timeout, cb, cn)
	})
	return err
}

func (m *PeripheralManager) addService(def device.ServiceDefinition, timeout time.Duration, cb pending.Callback[none], cn pending.Canceller) {
	m.mu.Lock()
	after := m.addServiceLocked(def, timeout, cb, cn)
	m.mu.Unlock()
	after()
}

func (m *PeripheralManager) addServiceLocked(def device.ServiceDefinition, timeout time.Duration, cb pending.Callback[none], cn pending.Canceller) func() {
	if m.destroyed {
		return fail(cb, device.Destroyed(device.OpAddService))
	}
	if err := pending.CancelErr(cn); err != nil {
		return fail(cb, err)
	}
	if !m.state.Ready() {
		return fail(cb, device.InvalidHardwareState(device.OpAddService, m.state))
	}
	id := device.NormalizeUUID(def.UUID)
	if id == "" {
		return fail(cb, device.NotFound(device.OpAddService, device.ResourceService, def.UUID))
	}
	if _, ok := m.hosted[id]; ok {
		m.stats.ShortCircuits.Inc()
		return resolve(cb, pending.Success(none{}))
	}

	joined := m.services.Has(id)
	sub := m.services.Register(id, cb, timeout, func(sub *pending.Subscription[none]) {
		m.mu.Lock()
		batch := m.services.Remove(sub)
		if !m.services.Has(id) {
			delete(m.adding, id)
		}
		m.mu.Unlock()
		if batch.Deliver(pending.Failure[none](device.Timeout(device.OpAddService, id))) > 0 {
			m.stats.Timeouts.Inc()
			m.logger.WithFields(logrus.Fields{"service": id, "timeout": timeout}).Warn("Adding service timed out")
		}
	})
	if joined {
		m.stats.Joined.Inc()
	} else {
		def.UUID = id
		m.adding[id] = def
		m.hw.AddService(def)
		m.stats.Commands.Inc()
		m.logger.WithFields(logrus.Fields{"service": id, "characteristics": len(def.Characteristics)}).Debug("Adding service")
	}
	return afterRegister(sub, cn, m.stats, m.services.Remove)
}

// DidAddService resolves the waiters of service.
func (m *PeripheralManager) DidAddService(service string, err error) {
	id := device.NormalizeUUID(service)

	m.mu.Lock()
	batch := m.services.Take(id)
	def, ok := m.adding[id]
	delete(m.adding, id)
	if err == nil && ok {
		m.hosted[id] = def
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.WithError(err).WithField("service", id).Warn("Adding service failed")
		batch.Deliver(pending.Failure[none](device.HardwareError(device.OpAddService, err)))
		return
	}
	batch.Deliver(pending.Success(none{}))
}

// RemoveService stops hosting a service.
func (m *PeripheralManager) RemoveService(uuid string) {
	id := device.NormalizeUUID(uuid)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.hosted[id]; !ok {
		return
	}
	delete(m.hosted, id)
	m.hw.RemoveService(id)
	m.stats.Commands.Inc()
}

// RemoveAllServices stops hosting every service.
func (m *PeripheralManager) RemoveAllServices() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hosted = make(map[string]device.ServiceDefinition)
	m.hw.RemoveAllServices()
	m.stats.Commands.Inc()
}

// ----------------------------
// Radio state events
// ----------------------------

// DidUpdateState handles a radio state change. Leaving poweredOn ends advertising and
// drops hosted services; pending starts and adds fail with an invalid hardware state.
func (m *PeripheralManager) DidUpdateState(state device.ManagerState) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = state
	readyAfter := m.ready.update(state)

	var (
		starts    pending.Batch[none]
		adds      pending.Batch[none]
		wasActive bool
	)
	if !state.Ready() {
		starts = m.starts.TakeAll()
		adds = m.services.TakeAll()
		wasActive = m.advertising == advertisingActive
		m.advertising = advertisingIdle
		m.stopMonitorLocked()
		m.hosted = make(map[string]device.ServiceDefinition)
		m.adding = make(map[string]device.ServiceDefinition)
	}
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{"from": prev, "to": state}).Info("Peripheral manager state changed")
	readyAfter()

	if !state.Ready() {
		starts.Deliver(pending.Failure[none](device.InvalidHardwareState(device.OpAdvertising, state)))
		adds.Deliver(pending.Failure[none](device.InvalidHardwareState(device.OpAddService, state)))
		if wasActive {
			m.events.publish(TopicAdvertising, AdvertisingEvent{
				Advertising: false,
				Err:         device.InvalidHardwareState(device.OpAdvertising, state),
			})
		}
	}
	if prev != state {
		m.events.publish(TopicState, StateEvent{State: state})
	}
}

// ----------------------------
// Teardown
// ----------------------------

// Close fails every pending operation with a destroyed error and stops advertising.
func (m *PeripheralManager) Close() error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return nil
	}
	m.destroyed = true
	readyAfter := m.ready.destroy()
	starts := m.starts.TakeAll()
	adds := m.services.TakeAll()
	if m.advertising != advertisingIdle {
		m.hw.StopAdvertising()
	}
	m.advertising = advertisingIdle
	m.stopMonitorLocked()
	m.mu.Unlock()

	readyAfter()
	starts.Deliver(pending.Failure[none](device.Destroyed(device.OpAdvertising)))
	adds.Deliver(pending.Failure[none](device.Destroyed(device.OpAddService)))
	m.events.shutdown()
	m.logger.Debug("Peripheral manager proxy closed")
	return nil
}
