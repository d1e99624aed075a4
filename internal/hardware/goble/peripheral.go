package goble

import (
	"context"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleproxy/internal/device"
)

const (
	// defaultATTPayload is the write-without-response payload of the default 23 byte ATT MTU.
	defaultATTPayload = 20
	// maxAttributeValue is the largest attribute value a prepared write may carry.
	maxAttributeValue = 512
)

type remoteService struct {
	svc   *ble.Service
	chars []*ble.Characteristic
}

// Peripheral implements device.PeripheralHardware for one remote address.
type Peripheral struct {
	id      string
	central *Central
	logger  *logrus.Entry

	mu         sync.Mutex
	name       string
	delegate   device.PeripheralDelegate
	dial       *dialAttempt
	lastDial   <-chan struct{}
	client     Client
	connCancel context.CancelFunc
	work       *serialQueue

	order    []string
	services map[string]*remoteService
	chars    map[device.CharacteristicKey]*ble.Characteristic
}

func newPeripheral(c *Central, addr string) *Peripheral {
	return &Peripheral{
		id:       addr,
		central:  c,
		logger:   c.logger.WithField("peripheral", addr),
		services: make(map[string]*remoteService),
		chars:    make(map[device.CharacteristicKey]*ble.Characteristic),
	}
}

func (p *Peripheral) Identifier() string {
	return p.id
}

func (p *Peripheral) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.name == "" && p.client != nil {
		p.name = p.client.Name()
	}
	return p.name
}

func (p *Peripheral) SetDelegate(d device.PeripheralDelegate) {
	p.mu.Lock()
	p.delegate = d
	p.mu.Unlock()
}

func (p *Peripheral) observe(name string) {
	if name == "" {
		return
	}
	p.mu.Lock()
	p.name = name
	p.mu.Unlock()
}

func (p *Peripheral) emit(fn func(d device.PeripheralDelegate)) {
	p.central.b.delivery.submit(func() {
		p.mu.Lock()
		d := p.delegate
		p.mu.Unlock()
		if d != nil {
			fn(d)
		}
	})
}

// ----------------------------
// Connection bookkeeping
// ----------------------------

// dialAttempt is one Connect call; it is compared by identity so a finished attempt
// never clears the bookkeeping of a newer one.
type dialAttempt struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// beginConnect records a dial in progress and returns the previous attempt's done
// channel; false when already dialing or connected.
func (p *Peripheral) beginConnect(cancel context.CancelFunc) (*dialAttempt, <-chan struct{}, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dial != nil || p.client != nil {
		return nil, nil, false
	}
	a := &dialAttempt{cancel: cancel, done: make(chan struct{})}
	prev := p.lastDial
	p.dial = a
	p.lastDial = a.done
	return a, prev, true
}

// endConnect clears a failed attempt if it is still the current one.
func (p *Peripheral) endConnect(a *dialAttempt) {
	p.mu.Lock()
	if p.dial == a {
		p.dial = nil
	}
	p.mu.Unlock()
}

// attach installs a dialed client; false when the attempt was cancelled meanwhile.
func (p *Peripheral) attach(a *dialAttempt, client Client) (context.Context, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dial != a {
		return nil, false
	}
	p.dial = nil
	p.client = client
	ctx, cancel := context.WithCancel(context.Background())
	p.connCancel = cancel
	p.work = newSerialQueue("goble-gatt-"+p.id, p.central.logger)
	return ctx, true
}

// detach drops whatever connection state exists and returns it for teardown.
func (p *Peripheral) detach() (context.CancelFunc, Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var dialCancel context.CancelFunc
	if p.dial != nil {
		dialCancel = p.dial.cancel
		p.dial = nil
	}
	client := p.client
	p.resetLocked()
	return dialCancel, client
}

// detachClient detaches only if client is still the attached one.
func (p *Peripheral) detachClient(client Client) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil || p.client != client {
		return false
	}
	p.resetLocked()
	return true
}

func (p *Peripheral) resetLocked() {
	if p.connCancel != nil {
		p.connCancel()
		p.connCancel = nil
	}
	if p.work != nil {
		p.work.close()
		p.work = nil
	}
	p.client = nil
	p.order = nil
	p.services = make(map[string]*remoteService)
	p.chars = make(map[device.CharacteristicKey]*ble.Characteristic)
}

// exchange runs job on the connection's GATT queue, or calls failed at once when
// there is no connection.
func (p *Peripheral) exchange(job func(c Client), failed func(err error)) {
	p.mu.Lock()
	client, work := p.client, p.work
	p.mu.Unlock()

	if client == nil {
		failed(wrap(ErrNoConnection, "gatt", p.id, "The peripheral is not connected"))
		return
	}
	work.submit(func() { job(client) })
}

func (p *Peripheral) characteristic(key device.CharacteristicKey) (*ble.Characteristic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.chars[key]; ok {
		return ch, nil
	}
	return nil, wrap(ErrUnknownAttribute, "lookup", p.id, "Characteristic "+key.String()+" has not been discovered")
}

func toBLE(ids []string) ([]ble.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	out := make([]ble.UUID, 0, len(ids))
	for _, id := range ids {
		u, err := device.ToBLE(id)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// ----------------------------
// Discovery
// ----------------------------

func (p *Peripheral) DiscoverServices(ids []string) {
	report := func(err error) { p.emit(func(d device.PeripheralDelegate) { d.DidDiscoverServices(err) }) }
	filter, err := toBLE(ids)
	if err != nil {
		report(wrap(err, "discover-services", p.id, "Invalid service UUID"))
		return
	}

	p.exchange(func(c Client) {
		svcs, err := c.DiscoverServices(filter)
		if err == nil {
			p.mergeServices(svcs)
		}
		report(wrap(err, "discover-services", p.id, "Cannot discover services"))
	}, report)
}

func (p *Peripheral) mergeServices(svcs []*ble.Service) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range svcs {
		id := device.NormalizeUUID(s.UUID.String())
		if _, ok := p.services[id]; ok {
			continue
		}
		p.services[id] = &remoteService{svc: s}
		p.order = append(p.order, id)
	}
}

func (p *Peripheral) DiscoverCharacteristics(ids []string, service string) {
	service = device.NormalizeUUID(service)
	report := func(err error) {
		p.emit(func(d device.PeripheralDelegate) { d.DidDiscoverCharacteristics(service, err) })
	}
	filter, err := toBLE(ids)
	if err != nil {
		report(wrap(err, "discover-characteristics", p.id, "Invalid characteristic UUID"))
		return
	}

	p.mu.Lock()
	rs, ok := p.services[service]
	p.mu.Unlock()
	if !ok {
		report(wrap(ErrUnknownAttribute, "discover-characteristics", p.id, "Service "+service+" has not been discovered"))
		return
	}

	p.exchange(func(c Client) {
		chars, err := c.DiscoverCharacteristics(filter, rs.svc)
		if err == nil {
			p.mergeCharacteristics(service, rs, chars)
		}
		report(wrap(err, "discover-characteristics", p.id, "Cannot discover characteristics"))
	}, report)
}

func (p *Peripheral) mergeCharacteristics(service string, rs *remoteService, chars []*ble.Characteristic) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.services[service] != rs {
		// disconnected meanwhile
		return
	}
	for _, ch := range chars {
		key := device.Key(service, ch.UUID.String())
		if _, ok := p.chars[key]; ok {
			continue
		}
		p.chars[key] = ch
		rs.chars = append(rs.chars, ch)
	}
}

// Services returns what has been discovered on the current connection.
func (p *Peripheral) Services() []device.Service {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]device.Service, 0, len(p.order))
	for _, id := range p.order {
		rs := p.services[id]
		svc := device.Service{UUID: id}
		for _, ch := range rs.chars {
			svc.Characteristics = append(svc.Characteristics, device.Characteristic{
				UUID:       device.NormalizeUUID(ch.UUID.String()),
				Service:    id,
				Properties: device.Properties(ch.Property),
			})
		}
		out = append(out, svc)
	}
	return out
}

// ----------------------------
// Characteristic I/O
// ----------------------------

func (p *Peripheral) ReadValue(key device.CharacteristicKey) {
	fail := func(err error) { p.emit(func(d device.PeripheralDelegate) { d.DidUpdateValue(key, nil, err) }) }
	ch, err := p.characteristic(key)
	if err != nil {
		fail(err)
		return
	}

	p.exchange(func(c Client) {
		data, err := c.ReadCharacteristic(ch)
		if err != nil {
			fail(wrap(err, "read", p.id, "Cannot read "+key.String()))
			return
		}
		data = clone(data)
		p.emit(func(d device.PeripheralDelegate) { d.DidUpdateValue(key, data, nil) })
	}, fail)
}

// WriteValue writes data. Only writes with response report DidWriteValue.
func (p *Peripheral) WriteValue(data []byte, key device.CharacteristicKey, wt device.WriteType) {
	fail := func(err error) {
		if wt == device.WithResponse {
			p.emit(func(d device.PeripheralDelegate) { d.DidWriteValue(key, err) })
			return
		}
		p.logger.WithError(err).WithField("characteristic", key).Warn("Write without response failed")
	}
	ch, err := p.characteristic(key)
	if err != nil {
		fail(err)
		return
	}

	payload := clone(data)
	p.exchange(func(c Client) {
		err := c.WriteCharacteristic(ch, payload, wt == device.WithoutResponse)
		if err != nil {
			fail(wrap(err, "write", p.id, "Cannot write "+key.String()))
			return
		}
		if wt == device.WithResponse {
			p.emit(func(d device.PeripheralDelegate) { d.DidWriteValue(key, nil) })
		}
	}, fail)
}

// SetNotifyValue subscribes to notifications, or to indications when the
// characteristic only indicates. Values arrive as DidUpdateValue.
func (p *Peripheral) SetNotifyValue(enabled bool, key device.CharacteristicKey) {
	fail := func(err error) {
		p.emit(func(d device.PeripheralDelegate) { d.DidUpdateNotificationState(key, !enabled, err) })
	}
	ch, err := p.characteristic(key)
	if err != nil {
		fail(err)
		return
	}
	ind := ch.Property&ble.CharNotify == 0 && ch.Property&ble.CharIndicate != 0

	p.exchange(func(c Client) {
		var err error
		if enabled {
			err = c.Subscribe(ch, ind, func(b []byte) {
				data := clone(b)
				p.emit(func(d device.PeripheralDelegate) { d.DidUpdateValue(key, data, nil) })
			})
		} else {
			err = c.Unsubscribe(ch, ind)
		}
		if err != nil {
			fail(wrap(err, "set-notify", p.id, "Cannot change notifications of "+key.String()))
			return
		}
		p.emit(func(d device.PeripheralDelegate) { d.DidUpdateNotificationState(key, enabled, nil) })
	}, fail)
}

func (p *Peripheral) ReadRSSI() {
	p.exchange(func(c Client) {
		rssi := c.ReadRSSI()
		p.emit(func(d device.PeripheralDelegate) { d.DidReadRSSI(rssi, nil) })
	}, func(err error) {
		p.emit(func(d device.PeripheralDelegate) { d.DidReadRSSI(0, err) })
	})
}

// MaximumWriteValueLength uses the negotiated MTU when the client exposes its
// connection.
func (p *Peripheral) MaximumWriteValueLength(wt device.WriteType) int {
	if wt == device.WithResponse {
		return maxAttributeValue
	}
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()

	if cc, ok := client.(interface{ Conn() ble.Conn }); ok {
		if conn := cc.Conn(); conn != nil && conn.TxMTU() > 3 {
			return conn.TxMTU() - 3
		}
	}
	return defaultATTPayload
}
