package goble

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/groutine"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

var errAdvertisingEnded = errors.New("advertising ended before it settled")

// Manager implements device.PeripheralManagerHardware over a go-ble radio.
type Manager struct {
	b      *Backend
	logger *logrus.Logger
	work   *serialQueue

	mu          sync.Mutex
	delegate    device.PeripheralManagerDelegate
	advCancel   context.CancelFunc
	advGen      uint64
	advertising atomic.Bool
	hosted      *orderedmap.OrderedMap[string, *ble.Service]
}

func newManager(b *Backend) *Manager {
	return &Manager{
		b:      b,
		logger: b.logger,
		work:   newSerialQueue("goble-gatt-server", b.logger),
		hosted: orderedmap.New[string, *ble.Service](),
	}
}

func (m *Manager) State() device.ManagerState {
	return m.b.currentState()
}

func (m *Manager) SetDelegate(d device.PeripheralManagerDelegate) {
	m.mu.Lock()
	m.delegate = d
	m.mu.Unlock()
}

func (m *Manager) emit(fn func(d device.PeripheralManagerDelegate)) {
	m.b.delivery.submit(func() {
		m.mu.Lock()
		d := m.delegate
		m.mu.Unlock()
		if d != nil {
			fn(d)
		}
	})
}

// ----------------------------
// Advertising
// ----------------------------

// StartAdvertising advertises payload until StopAdvertising. go-ble only returns from
// an advertise call when it stops, so advertising counts as started once it has kept
// running for the settle period; an earlier return is a failed start.
func (m *Manager) StartAdvertising(payload device.AdvertisingPayload) {
	var uuids []ble.UUID
	for _, s := range payload.Services {
		u, err := device.ToBLE(s)
		if err != nil {
			m.logger.WithField("service", s).Warn("Skipping service UUID go-ble cannot advertise")
			continue
		}
		uuids = append(uuids, u)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if m.advCancel != nil {
		m.advCancel()
	}
	m.advGen++
	gen := m.advGen
	m.advCancel = cancel
	m.mu.Unlock()

	errc := make(chan error, 1)
	groutine.Go(ctx, "goble-advertise", func(ctx context.Context) {
		errc <- m.b.radio.AdvertiseNameAndServices(ctx, payload.LocalName, uuids...)
	})
	groutine.Go(ctx, "goble-advertise-settle", func(ctx context.Context) {
		settle := time.NewTimer(m.b.opts.AdvertiseSettle)
		defer settle.Stop()

		select {
		case err := <-errc:
			m.finish(gen)
			if ctx.Err() != nil {
				return
			}
			if err == nil {
				err = errAdvertisingEnded
			}
			err = wrap(err, "advertise", "", "Cannot start advertising")
			m.emit(func(d device.PeripheralManagerDelegate) { d.DidStartAdvertising(err) })
			return
		case <-settle.C:
		}

		m.mu.Lock()
		current := m.advGen == gen
		if current {
			m.advertising.Store(true)
		}
		m.mu.Unlock()
		if !current {
			return
		}
		m.emit(func(d device.PeripheralManagerDelegate) { d.DidStartAdvertising(nil) })

		if err := <-errc; err != nil && ctx.Err() == nil {
			m.logger.WithError(wrap(err, "advertise", "", "Advertising stopped")).Warn("Advertising ended")
		}
		m.finish(gen)
	})
}

func (m *Manager) finish(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.advGen == gen {
		m.advertising.Store(false)
		m.advCancel = nil
	}
}

func (m *Manager) StopAdvertising() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.advCancel != nil {
		m.advCancel()
		m.advCancel = nil
	}
	m.advGen++
	m.advertising.Store(false)
}

func (m *Manager) IsAdvertising() bool {
	return m.advertising.Load()
}

// ----------------------------
// GATT database
// ----------------------------

// AddService hosts def. Reads answer with the latest value, writes replace it and a
// subscriber receives the current value once.
func (m *Manager) AddService(def device.ServiceDefinition) {
	id := device.NormalizeUUID(def.UUID)
	svc, err := buildService(def)
	if err != nil {
		err = wrap(err, "add-service", "", "Invalid service definition")
		m.emit(func(d device.PeripheralManagerDelegate) { d.DidAddService(id, err) })
		return
	}

	m.work.submit(func() {
		err := m.b.radio.AddService(svc)
		if err == nil {
			m.mu.Lock()
			m.hosted.Set(id, svc)
			m.mu.Unlock()
		}
		err = wrap(err, "add-service", "", "Cannot host service "+id)
		m.emit(func(d device.PeripheralManagerDelegate) { d.DidAddService(id, err) })
	})
}

// RemoveService drops one service. go-ble can only replace the whole database, so the
// remaining services are set again.
func (m *Manager) RemoveService(uuid string) {
	id := device.NormalizeUUID(uuid)
	m.work.submit(func() {
		m.mu.Lock()
		if _, ok := m.hosted.Delete(id); !ok {
			m.mu.Unlock()
			return
		}
		remaining := make([]*ble.Service, 0, m.hosted.Len())
		for pair := m.hosted.Oldest(); pair != nil; pair = pair.Next() {
			remaining = append(remaining, pair.Value)
		}
		m.mu.Unlock()

		if err := m.b.radio.SetServices(remaining); err != nil {
			m.logger.WithError(err).WithField("service", id).Warn("Cannot remove service")
		}
	})
}

func (m *Manager) RemoveAllServices() {
	m.work.submit(func() {
		m.mu.Lock()
		m.hosted = orderedmap.New[string, *ble.Service]()
		m.mu.Unlock()

		if err := m.b.radio.RemoveAllServices(); err != nil {
			m.logger.WithError(err).Warn("Cannot remove services")
		}
	})
}

func (m *Manager) shutdown() {
	m.StopAdvertising()
	m.work.close()
	<-m.work.done()
}

// attributeValue is the value store behind one hosted characteristic.
type attributeValue struct {
	mu   sync.Mutex
	data []byte
}

func (v *attributeValue) get() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return clone(v.data)
}

func (v *attributeValue) set(b []byte) {
	v.mu.Lock()
	v.data = clone(b)
	v.mu.Unlock()
}

func buildService(def device.ServiceDefinition) (*ble.Service, error) {
	su, err := device.ToBLE(def.UUID)
	if err != nil {
		return nil, err
	}
	svc := ble.NewService(su)
	for _, cd := range def.Characteristics {
		cu, err := device.ToBLE(cd.UUID)
		if err != nil {
			return nil, err
		}
		value := &attributeValue{data: clone(cd.Value)}
		ch := svc.NewCharacteristic(cu)
		if cd.Properties.Has(device.PropRead) {
			ch.HandleRead(ble.ReadHandlerFunc(func(_ ble.Request, rsp ble.ResponseWriter) {
				_, _ = rsp.Write(value.get())
			}))
		}
		if cd.Properties.Any(device.PropWrite | device.PropWriteNR) {
			ch.HandleWrite(ble.WriteHandlerFunc(func(req ble.Request, _ ble.ResponseWriter) {
				value.set(req.Data())
			}))
		}
		if cd.Properties.Any(device.PropNotify | device.PropIndicate) {
			ch.HandleNotify(ble.NotifyHandlerFunc(func(_ ble.Request, n ble.Notifier) {
				_, _ = n.Write(value.get())
			}))
		}
	}
	return svc, nil
}
