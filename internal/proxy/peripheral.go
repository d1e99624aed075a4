package proxy

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/pending"
	"github.com/srg/bleproxy/internal/ringchan"
)

// discoveryRequest is one issued hardware discovery command. Hardware answers arrive in
// issue order, so the oldest request is the one an event completes.
type discoveryRequest struct {
	all bool
	ids map[string]struct{}
}

func newDiscoveryRequest(ids []string) discoveryRequest {
	if len(ids) == 0 {
		return discoveryRequest{all: true}
	}
	r := discoveryRequest{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		r.ids[id] = struct{}{}
	}
	return r
}

func (r discoveryRequest) covers(id string) bool {
	if r.all {
		return true
	}
	_, ok := r.ids[id]
	return ok
}

// Peripheral is the proxy of one remote peripheral: discovery, reads with caching and
// deduplication, writes, notification toggling and RSSI.
type Peripheral struct {
	id      string
	hw      device.PeripheralHardware
	central *Central
	opts    Options
	logger  *logrus.Entry
	stats   *Stats

	mu          sync.Mutex
	destroyed   bool
	services    map[string]device.Service
	serviceReqs []discoveryRequest
	charReqs    map[string][]discoveryRequest
	inflight    map[device.CharacteristicKey]struct{}
	rssiPending bool
	cache       map[device.CharacteristicKey]device.CacheRecord
	streams     map[device.CharacteristicKey][]*NotificationStream
	lastAdv     device.Advertisement
	lastRSSI    int

	serviceWaiters *pending.KeyedRegistry[string, device.Service]
	allServices    *pending.ListRegistry[[]device.Service]
	charWaiters    *pending.KeyedRegistry[device.CharacteristicKey, device.Characteristic]
	allChars       *pending.KeyedRegistry[string, []device.Characteristic]
	reads          *pending.KeyedRegistry[device.CharacteristicKey, []byte]
	writes         *pending.KeyedRegistry[device.CharacteristicKey, none]
	notifies       *pending.KeyedRegistry[device.CharacteristicKey, bool]
	rssi           *pending.ListRegistry[int]

	writesIssued   issued[none]
	notifiesIssued issued[bool]
}

func newPeripheral(c *Central, hw device.PeripheralHardware) *Peripheral {
	id := hw.Identifier()
	return &Peripheral{
		id:             id,
		hw:             hw,
		central:        c,
		opts:           c.opts,
		logger:         c.logger.WithField("peripheral", id),
		stats:          c.stats,
		services:       make(map[string]device.Service),
		charReqs:       make(map[string][]discoveryRequest),
		inflight:       make(map[device.CharacteristicKey]struct{}),
		cache:          make(map[device.CharacteristicKey]device.CacheRecord),
		streams:        make(map[device.CharacteristicKey][]*NotificationStream),
		serviceWaiters: pending.NewKeyedRegistry[string, device.Service](),
		allServices:    pending.NewListRegistry[[]device.Service](),
		charWaiters:    pending.NewKeyedRegistry[device.CharacteristicKey, device.Characteristic](),
		allChars:       pending.NewKeyedRegistry[string, []device.Characteristic](),
		reads:          pending.NewKeyedRegistry[device.CharacteristicKey, []byte](),
		writes:         pending.NewKeyedRegistry[device.CharacteristicKey, none](),
		notifies:       pending.NewKeyedRegistry[device.CharacteristicKey, bool](),
		rssi:           pending.NewListRegistry[int](),
		writesIssued:   make(issued[none]),
		notifiesIssued: make(issued[bool]),
	}
}

func (p *Peripheral) ID() string {
	return p.id
}

func (p *Peripheral) Name() string {
	if n := p.hw.Name(); n != "" {
		return n
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastAdv.LocalName
}

// State returns the connection state tracked by the owning central.
func (p *Peripheral) State() device.PeripheralState {
	return p.central.ConnectionState(p.id)
}

// Advertisement returns the last advertisement and RSSI seen while scanning.
func (p *Peripheral) Advertisement() (device.Advertisement, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastAdv, p.lastRSSI
}

func (p *Peripheral) observeAdvertisement(adv device.Advertisement, rssi int) {
	p.mu.Lock()
	p.lastAdv = adv
	p.lastRSSI = rssi
	p.mu.Unlock()
}

// Services returns the services discovered so far.
func (p *Peripheral) Services() []device.Service {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.serviceListLocked()
}

// Characteristic returns a discovered characteristic.
func (p *Peripheral) Characteristic(key device.CharacteristicKey) (device.Characteristic, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	svc, ok := p.services[key.Service]
	if !ok {
		return device.Characteristic{}, false
	}
	return svc.Characteristic(key.Characteristic)
}

// CachedValue returns the last value read or notified for key.
func (p *Peripheral) CachedValue(key device.CharacteristicKey) (device.CacheRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.cache[normalizeKey(key)]
	return rec, ok
}

// MaximumWriteValueLength returns the largest payload a single write may carry.
func (p *Peripheral) MaximumWriteValueLength(wt device.WriteType) int {
	return p.hw.MaximumWriteValueLength(wt)
}

func (p *Peripheral) serviceListLocked() []device.Service {
	out := make([]device.Service, 0, len(p.services))
	for _, s := range p.hw.Services() {
		if svc, ok := p.services[device.NormalizeUUID(s.UUID)]; ok {
			out = append(out, svc)
		}
	}
	return out
}

// refreshServicesLocked snapshots what the hardware has discovered.
func (p *Peripheral) refreshServicesLocked() {
	for _, s := range p.hw.Services() {
		svc := device.Service{UUID: device.NormalizeUUID(s.UUID)}
		for _, ch := range s.Characteristics {
			svc.Characteristics = append(svc.Characteristics, device.Characteristic{
				UUID:       device.NormalizeUUID(ch.UUID),
				Service:    svc.UUID,
				Properties: ch.Properties,
			})
		}
		p.services[svc.UUID] = svc
	}
}

// checkLocked validates the common preconditions of an I/O operation.
func (p *Peripheral) checkLocked(op device.Operation, c pending.Canceller) error {
	if p.destroyed {
		return device.Destroyed(op)
	}
	if err := pending.CancelErr(c); err != nil {
		return err
	}
	if st := p.central.ConnectionState(p.id); st != device.Connected {
		return device.NotConnected(op, p.id)
	}
	return nil
}

// characteristicLocked resolves key against the discovered services.
func (p *Peripheral) characteristicLocked(op device.Operation, key device.CharacteristicKey) (device.Characteristic, error) {
	svc, ok := p.services[key.Service]
	if !ok {
		return device.Characteristic{}, device.NotFound(op, device.ResourceService, key.Service)
	}
	ch, ok := svc.Characteristic(key.Characteristic)
	if !ok {
		return device.Characteristic{}, device.NotFound(op, device.ResourceCharacteristic, key.String())
	}
	return ch, nil
}

func normalizeKey(key device.CharacteristicKey) device.CharacteristicKey {
	return device.Key(key.Service, key.Characteristic)
}

// ----------------------------
// Teardown
// ----------------------------

// linkDown fails every pending operation when the connection is gone. Discovered
// services and notification streams do not survive a disconnect.
func (p *Peripheral) linkDown(errFor func(op device.Operation) error) {
	p.mu.Lock()
	after := p.drainLocked(errFor)
	p.services = make(map[string]device.Service)
	p.mu.Unlock()

	after()
}

// Close fails every pending operation with a destroyed error.
func (p *Peripheral) Close() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	after := p.drainLocked(device.Destroyed)
	p.mu.Unlock()

	after()
}

func (p *Peripheral) drainLocked(errFor func(op device.Operation) error) func() {
	services := p.serviceWaiters.TakeAll()
	allServices := p.allServices.TakeAll()
	chars := p.charWaiters.TakeAll()
	allChars := p.allChars.TakeAll()
	reads := p.reads.TakeAll()
	writes := p.writes.TakeAll()
	notifies := p.notifies.TakeAll()
	rssi := p.rssi.TakeAll()

	var streams []*NotificationStream
	for _, list := range p.streams {
		streams = append(streams, list...)
	}
	p.streams = make(map[device.CharacteristicKey][]*NotificationStream)
	p.inflight = make(map[device.CharacteristicKey]struct{})
	p.rssiPending = false
	p.writesIssued = make(issued[none])
	p.notifiesIssued = make(issued[bool])
	p.serviceReqs = nil
	p.charReqs = make(map[string][]discoveryRequest)

	return func() {
		n := services.Deliver(pending.Failure[device.Service](errFor(device.OpDiscoverServices)))
		n += allServices.Deliver(pending.Failure[[]device.Service](errFor(device.OpDiscoverServices)))
		n += chars.Deliver(pending.Failure[device.Characteristic](errFor(device.OpDiscoverCharacteristics)))
		n += allChars.Deliver(pending.Failure[[]device.Characteristic](errFor(device.OpDiscoverCharacteristics)))
		n += reads.Deliver(pending.Failure[[]byte](errFor(device.OpRead)))
		n += writes.Deliver(pending.Failure[none](errFor(device.OpWrite)))
		n += notifies.Deliver(pending.Failure[bool](errFor(device.OpNotify)))
		n += rssi.Deliver(pending.Failure[int](errFor(device.OpRSSI)))
		for _, s := range streams {
			s.close()
		}
		if n > 0 {
			p.logger.WithField("failed", n).Debug("Failed pending peripheral operations")
		}
	}
}

// ----------------------------
// Notification streams
// ----------------------------

// NotificationStream receives value updates of one characteristic that were not
// answers to reads. It is closed on disconnect or by Close.
type NotificationStream struct {
	key    device.CharacteristicKey
	ring   *ringchan.RingChannel[[]byte]
	detach func()
	once   sync.Once
}

// C returns the value channel.
func (s *NotificationStream) C() <-chan []byte {
	return s.ring.C()
}

func (s *NotificationStream) Key() device.CharacteristicKey {
	return s.key
}

// Dropped returns how many values were overwritten before being read.
func (s *NotificationStream) Dropped() int64 {
	return s.ring.Metrics().Overwritten
}

// Close detaches the stream and closes its channel.
func (s *NotificationStream) Close() {
	s.once.Do(func() {
		if s.detach != nil {
			s.detach()
		}
		s.ring.Close()
	})
}

func (s *NotificationStream) close() {
	s.once.Do(s.ring.Close)
}

// Notifications opens a stream of value updates for key. Enabling notifications on the
// peripheral is a separate SetNotify call.
func (p *Peripheral) Notifications(key device.CharacteristicKey) *NotificationStream {
	key = normalizeKey(key)
	s := &NotificationStream{key: key, ring: ringchan.New[[]byte](p.opts.NotificationBufferSize)}

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		s.close()
		return s
	}
	p.streams[key] = append(p.streams[key], s)
	p.mu.Unlock()

	s.detach = func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		list := p.streams[key]
		for i, other := range list {
			if other == s {
				list = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(p.streams, key)
		} else {
			p.streams[key] = list
		}
	}
	return s
}

// ----------------------------
// RSSI
// ----------------------------

// ReadRSSIAsync reads the signal strength; concurrent callers share one hardware read.
func (p *Peripheral) ReadRSSIAsync(timeout time.Duration, cb func(int, error)) {
	p.readRSSI(timeout, valueCallback(cb), nil)
}

func (p *Peripheral) readRSSI(timeout time.Duration, cb pending.Callback[int], cn pending.Canceller) {
	p.mu.Lock()
	after := p.readRSSILocked(timeout, cb, cn)
	p.mu.Unlock()
	after()
}

func (p *Peripheral) readRSSILocked(timeout time.Duration, cb pending.Callback[int], cn pending.Canceller) func() {
	if err := p.checkLocked(device.OpRSSI, cn); err != nil {
		return fail(cb, err)
	}

	sub := p.rssi.Register(cb, timeout, func(sub *pending.Subscription[int]) {
		p.mu.Lock()
		batch := p.rssi.Remove(sub)
		if len(batch) > 0 && p.rssi.Len() == 0 {
			p.rssiPending = false
		}
		p.mu.Unlock()

		if batch.Deliver(pending.Failure[int](device.Timeout(device.OpRSSI, p.id))) > 0 {
			p.stats.Timeouts.Inc()
			p.logger.WithField("timeout", timeout).Warn("RSSI read timed out")
		}
	})
	if p.rssiPending {
		p.stats.Joined.Inc()
	} else {
		p.rssiPending = true
		p.hw.ReadRSSI()
		p.stats.Commands.Inc()
	}
	// a cancelled caller leaves the read pending until the hardware answers
	return afterRegister(sub, cn, p.stats, p.rssi.Remove)
}

// DidReadRSSI resolves every pending RSSI reader.
func (p *Peripheral) DidReadRSSI(rssi int, err error) {
	p.mu.Lock()
	if err == nil {
		p.lastRSSI = rssi
	}
	p.rssiPending = false
	batch := p.rssi.TakeAll()
	p.mu.Unlock()

	if err != nil {
		batch.Deliver(pending.Failure[int](device.HardwareError(device.OpRSSI, err)))
		return
	}
	batch.Deliver(pending.Success(rssi))
}
