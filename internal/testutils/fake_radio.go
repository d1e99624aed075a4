//go:build test

package testutils

import (
	"context"
	"errors"
	"sync"

	"github.com/go-ble/ble"
	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/hardware/goble"
)

// ErrFakeDial is returned when dialing an address the fake radio does not know.
var ErrFakeDial = errors.New("hci: connection failed to establish")

// FakeRadio is an in-memory go-ble radio. Peripherals added to it advertise once at the
// start of every scan and accept dials.
type FakeRadio struct {
	mu          sync.Mutex
	peripherals []*FakePeripheral
	hosted      []*ble.Service
	advertising bool
	stopped     bool
}

func NewFakeRadio() *FakeRadio {
	return &FakeRadio{}
}

// Backend wraps the radio in the go-ble adapter.
func (r *FakeRadio) Backend(opts goble.Options) *goble.Backend {
	return goble.New(r, r.Dial, opts)
}

// AddPeripheral registers a remote peripheral.
func (r *FakeRadio) AddPeripheral(addr, name string, rssi int) *FakePeripheral {
	p := &FakePeripheral{
		addr:         addr,
		name:         name,
		rssi:         rssi,
		values:       make(map[*ble.Characteristic][]byte),
		handlers:     make(map[*ble.Characteristic]ble.NotificationHandler),
		disconnected: make(chan struct{}),
	}
	r.mu.Lock()
	r.peripherals = append(r.peripherals, p)
	r.mu.Unlock()
	return p
}

func (r *FakeRadio) Dial(_ context.Context, addr string) (goble.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.peripherals {
		if p.addr == addr {
			return p, nil
		}
	}
	return nil, ErrFakeDial
}

func (r *FakeRadio) Scan(ctx context.Context, _ bool, h ble.AdvHandler) error {
	r.mu.Lock()
	peripherals := append([]*FakePeripheral(nil), r.peripherals...)
	r.mu.Unlock()

	for _, p := range peripherals {
		h(p.advertisement())
	}
	<-ctx.Done()
	return ctx.Err()
}

func (r *FakeRadio) AdvertiseNameAndServices(ctx context.Context, _ string, _ ...ble.UUID) error {
	r.mu.Lock()
	r.advertising = true
	r.mu.Unlock()

	<-ctx.Done()

	r.mu.Lock()
	r.advertising = false
	r.mu.Unlock()
	return ctx.Err()
}

func (r *FakeRadio) AddService(svc *ble.Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hosted = append(r.hosted, svc)
	return nil
}

func (r *FakeRadio) RemoveAllServices() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hosted = nil
	return nil
}

func (r *FakeRadio) SetServices(svcs []*ble.Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hosted = svcs
	return nil
}

func (r *FakeRadio) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	return nil
}

// Hosted returns the normalized UUIDs of the services in the local GATT database.
func (r *FakeRadio) Hosted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.hosted))
	for _, s := range r.hosted {
		out = append(out, device.NormalizeUUID(s.UUID.String()))
	}
	return out
}

func (r *FakeRadio) Advertising() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.advertising
}

// FakePeripheral is a remote peripheral of a FakeRadio. It also serves as its GATT client.
type FakePeripheral struct {
	addr string
	name string
	rssi int

	mu           sync.Mutex
	services     []*ble.Service
	values       map[*ble.Characteristic][]byte
	handlers     map[*ble.Characteristic]ble.NotificationHandler
	writes       [][]byte
	reads        int
	disconnected chan struct{}
	dropped      bool
}

// AddCharacteristic adds a characteristic, creating its service on first use.
func (p *FakePeripheral) AddCharacteristic(service, uuid string, props ble.Property, value []byte) *FakePeripheral {
	p.mu.Lock()
	defer p.mu.Unlock()

	su := ble.MustParse(device.NormalizeUUID(service))
	var svc *ble.Service
	for _, s := range p.services {
		if s.UUID.Equal(su) {
			svc = s
		}
	}
	if svc == nil {
		svc = ble.NewService(su)
		p.services = append(p.services, svc)
	}
	ch := svc.NewCharacteristic(ble.MustParse(device.NormalizeUUID(uuid)))
	ch.Property = props
	p.values[ch] = value
	return p
}

func (p *FakePeripheral) advertisement() ble.Advertisement {
	p.mu.Lock()
	defer p.mu.Unlock()
	uuids := make([]ble.UUID, 0, len(p.services))
	for _, s := range p.services {
		uuids = append(uuids, s.UUID)
	}
	return &fakeAdvertisement{addr: p.addr, name: p.name, rssi: p.rssi, services: uuids}
}

func (p *FakePeripheral) find(service, uuid string) *ble.Characteristic {
	su, cu := ble.MustParse(device.NormalizeUUID(service)), ble.MustParse(device.NormalizeUUID(uuid))
	for _, s := range p.services {
		if !s.UUID.Equal(su) {
			continue
		}
		for _, c := range s.Characteristics {
			if c.UUID.Equal(cu) {
				return c
			}
		}
	}
	return nil
}

// Notify pushes a notification to the subscriber of a characteristic; false when none.
func (p *FakePeripheral) Notify(service, uuid string, data []byte) bool {
	p.mu.Lock()
	h := p.handlers[p.find(service, uuid)]
	p.mu.Unlock()
	if h == nil {
		return false
	}
	h(data)
	return true
}

// Subscribed reports whether a characteristic has a notification handler.
func (p *FakePeripheral) Subscribed(service, uuid string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handlers[p.find(service, uuid)] != nil
}

// Value returns the current value of a characteristic.
func (p *FakePeripheral) Value(service, uuid string) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.values[p.find(service, uuid)]
}

// Writes returns every written payload in order.
func (p *FakePeripheral) Writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.writes...)
}

// Reads returns how many reads reached the peripheral.
func (p *FakePeripheral) Reads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reads
}

// Drop simulates the peripheral going out of range.
func (p *FakePeripheral) Drop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.dropped {
		p.dropped = true
		close(p.disconnected)
	}
}

func (p *FakePeripheral) Name() string { return p.name }

func (p *FakePeripheral) DiscoverServices(filter []ble.UUID) ([]*ble.Service, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*ble.Service
	for _, s := range p.services {
		if len(filter) == 0 || ble.Contains(filter, s.UUID) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (p *FakePeripheral) DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*ble.Characteristic
	for _, c := range s.Characteristics {
		if len(filter) == 0 || ble.Contains(filter, c.UUID) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (p *FakePeripheral) ReadCharacteristic(c *ble.Characteristic) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads++
	return append([]byte(nil), p.values[c]...), nil
}

func (p *FakePeripheral) WriteCharacteristic(c *ble.Characteristic, value []byte, _ bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[c] = append([]byte(nil), value...)
	p.writes = append(p.writes, p.values[c])
	return nil
}

func (p *FakePeripheral) Subscribe(c *ble.Characteristic, _ bool, h ble.NotificationHandler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[c] = h
	return nil
}

func (p *FakePeripheral) Unsubscribe(c *ble.Characteristic, _ bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handlers, c)
	return nil
}

func (p *FakePeripheral) ReadRSSI() int { return p.rssi }

func (p *FakePeripheral) CancelConnection() error { return nil }

func (p *FakePeripheral) Disconnected() <-chan struct{} { return p.disconnected }

type fakeAdvertisement struct {
	ble.Advertisement
	addr     string
	name     string
	rssi     int
	services []ble.UUID
}

func (a *fakeAdvertisement) LocalName() string              { return a.name }
func (a *fakeAdvertisement) ManufacturerData() []byte       { return nil }
func (a *fakeAdvertisement) ServiceData() []ble.ServiceData { return nil }
func (a *fakeAdvertisement) Services() []ble.UUID           { return a.services }
func (a *fakeAdvertisement) TxPowerLevel() int              { return 127 }
func (a *fakeAdvertisement) Connectable() bool              { return true }
func (a *fakeAdvertisement) RSSI() int                      { return a.rssi }
func (a *fakeAdvertisement) Addr() ble.Addr                 { return ble.NewAddr(a.addr) }
