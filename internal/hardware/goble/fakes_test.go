package goble_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/hardware/goble"
)

const waitFor = 2 * time.Second

// ----------------------------
// Radio
// ----------------------------

type fakeRadio struct {
	mu        sync.Mutex
	handler   ble.AdvHandler
	scans     int
	scanEnd   chan error
	advertise func(ctx context.Context) error
	services  []*ble.Service
	sets      [][]*ble.Service
	stopped   bool
}

func newFakeRadio() *fakeRadio {
	return &fakeRadio{scanEnd: make(chan error, 1)}
}

func (r *fakeRadio) Scan(ctx context.Context, _ bool, h ble.AdvHandler) error {
	r.mu.Lock()
	r.handler = h
	r.scans++
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.handler = nil
		r.mu.Unlock()
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-r.scanEnd:
		return err
	}
}

// advertiseTo plays an advertisement into the running scan.
func (r *fakeRadio) advertiseTo(a ble.Advertisement) bool {
	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()
	if h == nil {
		return false
	}
	h(a)
	return true
}

func (r *fakeRadio) scanning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handler != nil
}

func (r *fakeRadio) AdvertiseNameAndServices(ctx context.Context, _ string, _ ...ble.UUID) error {
	r.mu.Lock()
	fn := r.advertise
	r.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (r *fakeRadio) AddService(svc *ble.Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services = append(r.services, svc)
	return nil
}

func (r *fakeRadio) RemoveAllServices() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services = nil
	return nil
}

func (r *fakeRadio) SetServices(svcs []*ble.Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services = svcs
	r.sets = append(r.sets, svcs)
	return nil
}

func (r *fakeRadio) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	return nil
}

func (r *fakeRadio) hosted() []*ble.Service {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*ble.Service(nil), r.services...)
}

// ----------------------------
// GATT client
// ----------------------------

type fakeClient struct {
	mu           sync.Mutex
	name         string
	services     []*ble.Service
	chars        map[string][]*ble.Characteristic
	values       map[*ble.Characteristic][]byte
	writes       [][]byte
	noRsp        []bool
	handlers     map[*ble.Characteristic]ble.NotificationHandler
	readErr      error
	rssi         int
	cancelled    int
	disconnected chan struct{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		name:         "fake",
		chars:        make(map[string][]*ble.Characteristic),
		values:       make(map[*ble.Characteristic][]byte),
		handlers:     make(map[*ble.Characteristic]ble.NotificationHandler),
		rssi:         -55,
		disconnected: make(chan struct{}),
	}
}

// withCharacteristic adds a characteristic (and its service on first use) to the profile.
func (c *fakeClient) withCharacteristic(service, uuid string, props ble.Property, value []byte) *ble.Characteristic {
	var svc *ble.Service
	for _, s := range c.services {
		if s.UUID.Equal(ble.MustParse(service)) {
			svc = s
		}
	}
	if svc == nil {
		svc = ble.NewService(ble.MustParse(service))
		c.services = append(c.services, svc)
	}
	ch := ble.NewCharacteristic(ble.MustParse(uuid))
	ch.Property = props
	key := device.NormalizeUUID(service)
	c.chars[key] = append(c.chars[key], ch)
	c.values[ch] = value
	return ch
}

func (c *fakeClient) Name() string { return c.name }

func (c *fakeClient) DiscoverServices(filter []ble.UUID) ([]*ble.Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*ble.Service
	for _, s := range c.services {
		if len(filter) == 0 || ble.Contains(filter, s.UUID) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (c *fakeClient) DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*ble.Characteristic
	for _, ch := range c.chars[device.NormalizeUUID(s.UUID.String())] {
		if len(filter) == 0 || ble.Contains(filter, ch.UUID) {
			out = append(out, ch)
		}
	}
	return out, nil
}

func (c *fakeClient) ReadCharacteristic(ch *ble.Characteristic) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return nil, c.readErr
	}
	return c.values[ch], nil
}

func (c *fakeClient) WriteCharacteristic(ch *ble.Characteristic, value []byte, noRsp bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[ch] = value
	c.writes = append(c.writes, value)
	c.noRsp = append(c.noRsp, noRsp)
	return nil
}

func (c *fakeClient) Subscribe(ch *ble.Characteristic, _ bool, h ble.NotificationHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[ch] = h
	return nil
}

func (c *fakeClient) Unsubscribe(ch *ble.Characteristic, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, ch)
	return nil
}

// notify plays a notification of ch.
func (c *fakeClient) notify(ch *ble.Characteristic, data []byte) bool {
	c.mu.Lock()
	h := c.handlers[ch]
	c.mu.Unlock()
	if h == nil {
		return false
	}
	h(data)
	return true
}

func (c *fakeClient) ReadRSSI() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rssi
}

func (c *fakeClient) CancelConnection() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled++
	return nil
}

func (c *fakeClient) Disconnected() <-chan struct{} {
	return c.disconnected
}

// ----------------------------
// Dialer
// ----------------------------

// fakeDialer answers dials from a table; addresses not in it block until cancelled.
type fakeDialer struct {
	mu      sync.Mutex
	clients map[string]*fakeClient
	errs    map[string]error
	dials   int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{clients: make(map[string]*fakeClient), errs: make(map[string]error)}
}

func (d *fakeDialer) dial(ctx context.Context, addr string) (goble.Client, error) {
	d.mu.Lock()
	d.dials++
	c, ok := d.clients[addr]
	err := d.errs[addr]
	d.mu.Unlock()

	switch {
	case err != nil:
		return nil, err
	case ok:
		return c, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

// ----------------------------
// Advertisement
// ----------------------------

// fakeAdvertisement overrides the accessors the adapter reads.
type fakeAdvertisement struct {
	ble.Advertisement
	addr     string
	name     string
	services []ble.UUID
	rssi     int
}

func (a *fakeAdvertisement) LocalName() string             { return a.name }
func (a *fakeAdvertisement) ManufacturerData() []byte      { return nil }
func (a *fakeAdvertisement) ServiceData() []ble.ServiceData { return nil }
func (a *fakeAdvertisement) Services() []ble.UUID          { return a.services }
func (a *fakeAdvertisement) TxPowerLevel() int             { return 127 }
func (a *fakeAdvertisement) Connectable() bool             { return true }
func (a *fakeAdvertisement) RSSI() int                     { return a.rssi }
func (a *fakeAdvertisement) Addr() ble.Addr                { return ble.NewAddr(a.addr) }

// ----------------------------
// Delegates
// ----------------------------

type event struct {
	name string
	id   string
	key  device.CharacteristicKey
	data []byte
	flag bool
	n    int
	err  error
	peer device.PeripheralHardware
	adv  device.Advertisement
}

// recorder implements every delegate interface and records calls in order.
type recorder struct {
	events chan event
}

func newRecorder() *recorder {
	return &recorder{events: make(chan event, 256)}
}

func (r *recorder) next(t *testing.T) event {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a delegate call")
		return event{}
	}
}

// nextNamed skips events until one called name arrives.
func (r *recorder) nextNamed(t *testing.T, name string) event {
	t.Helper()
	for {
		if ev := r.next(t); ev.name == name {
			return ev
		}
	}
}

func (r *recorder) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case ev := <-r.events:
		t.Fatalf("unexpected delegate call %q", ev.name)
	case <-time.After(d):
	}
}

func (r *recorder) DidUpdateState(state device.ManagerState) {
	r.events <- event{name: "state", n: int(state)}
}
func (r *recorder) DidConnect(id string) { r.events <- event{name: "connect", id: id} }
func (r *recorder) DidFailToConnect(id string, err error) {
	r.events <- event{name: "failToConnect", id: id, err: err}
}
func (r *recorder) DidDisconnect(id string, err error) {
	r.events <- event{name: "disconnect", id: id, err: err}
}
func (r *recorder) DidDiscover(p device.PeripheralHardware, adv device.Advertisement, rssi int) {
	r.events <- event{name: "discover", id: p.Identifier(), peer: p, adv: adv, n: rssi}
}
func (r *recorder) DidDiscoverServices(err error) {
	r.events <- event{name: "services", err: err}
}
func (r *recorder) DidDiscoverCharacteristics(service string, err error) {
	r.events <- event{name: "characteristics", id: service, err: err}
}
func (r *recorder) DidUpdateValue(key device.CharacteristicKey, data []byte, err error) {
	r.events <- event{name: "value", key: key, data: data, err: err}
}
func (r *recorder) DidWriteValue(key device.CharacteristicKey, err error) {
	r.events <- event{name: "write", key: key, err: err}
}
func (r *recorder) DidUpdateNotificationState(key device.CharacteristicKey, enabled bool, err error) {
	r.events <- event{name: "notify", key: key, flag: enabled, err: err}
}
func (r *recorder) DidReadRSSI(rssi int, err error) {
	r.events <- event{name: "rssi", n: rssi, err: err}
}
func (r *recorder) DidStartAdvertising(err error) {
	r.events <- event{name: "advertising", err: err}
}
func (r *recorder) DidAddService(service string, err error) {
	r.events <- event{name: "addService", id: service, err: err}
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.DebugLevel)
	return l
}

var errRadio = errors.New("radio: command disallowed")
