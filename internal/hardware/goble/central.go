package goble

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/groutine"
)

// Central implements device.CentralHardware over a go-ble radio.
type Central struct {
	b      *Backend
	logger *logrus.Logger

	peripherals *hashmap.Map[string, *Peripheral]

	mu         sync.Mutex
	delegate   device.CentralDelegate
	scanCancel context.CancelFunc
	scanDone   chan struct{}
	scanGen    uint64
	scanning   atomic.Bool
}

func newCentral(b *Backend) *Central {
	return &Central{
		b:           b,
		logger:      b.logger,
		peripherals: hashmap.New[string, *Peripheral](),
	}
}

func (c *Central) State() device.ManagerState {
	return c.b.currentState()
}

func (c *Central) SetDelegate(d device.CentralDelegate) {
	c.mu.Lock()
	c.delegate = d
	c.mu.Unlock()
}

// emit queues a delegate call on the delivery goroutine.
func (c *Central) emit(fn func(d device.CentralDelegate)) {
	c.b.delivery.submit(func() {
		c.mu.Lock()
		d := c.delegate
		c.mu.Unlock()
		if d != nil {
			fn(d)
		}
	})
}

// peripheral returns the single handle for addr, creating it on first sight.
func (c *Central) peripheral(addr string) *Peripheral {
	if p, ok := c.peripherals.Get(addr); ok {
		return p
	}
	p, _ := c.peripherals.GetOrInsert(addr, newPeripheral(c, addr))
	return p
}

// RetrievePeripherals returns handles for the given addresses; go-ble can dial an
// address without having scanned it first.
func (c *Central) RetrievePeripherals(ids []string) []device.PeripheralHardware {
	out := make([]device.PeripheralHardware, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		out = append(out, c.peripheral(id))
	}
	return out
}

// ----------------------------
// Connections
// ----------------------------

// Connect dials the peripheral. A successful dial reports DidConnect and later one
// DidDisconnect; a failed dial reports DidFailToConnect; a dial abandoned by
// CancelConnection reports DidDisconnect without DidConnect. Dials to one address run
// one after another so these events arrive in attempt order. A Connect while a dial or
// connection is already in progress is ignored; the existing attempt reports instead.
func (c *Central) Connect(id string, _ device.ConnectOptions) {
	p := c.peripheral(id)
	ctx, cancel := context.WithCancel(context.Background())
	attempt, prev, ok := p.beginConnect(cancel)
	if !ok {
		cancel()
		c.logger.WithField("peripheral", id).Debug("Connect ignored, connection already in progress")
		return
	}

	c.logger.WithField("peripheral", id).Debug("Dialing")
	groutine.Go(ctx, "goble-dial", func(ctx context.Context) {
		defer close(attempt.done)
		if prev != nil {
			<-prev
		}

		client, err := c.b.dial(ctx, id)
		if err != nil {
			p.endConnect(attempt)
			if ctx.Err() != nil {
				c.emit(func(d device.CentralDelegate) { d.DidDisconnect(id, nil) })
				return
			}
			err = wrap(err, "dial", id, "Cannot connect to the peripheral")
			c.emit(func(d device.CentralDelegate) { d.DidFailToConnect(id, err) })
			return
		}

		connCtx, ok := p.attach(attempt, client)
		if !ok {
			// cancelled while the dial completed
			if cerr := client.CancelConnection(); cerr != nil {
				c.logger.WithError(cerr).WithField("peripheral", id).Debug("Cancel after abandoned dial failed")
			}
			c.emit(func(d device.CentralDelegate) { d.DidDisconnect(id, nil) })
			return
		}
		c.watch(connCtx, p, client)
		c.emit(func(d device.CentralDelegate) { d.DidConnect(id) })
	})
}

// watch reports a platform-side disconnection. Only clients exposing go-ble's
// Disconnected channel can be watched.
func (c *Central) watch(ctx context.Context, p *Peripheral, client Client) {
	dc, ok := client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		c.logger.WithField("peripheral", p.id).Debug("Client does not report disconnection")
		return
	}
	groutine.Go(ctx, "goble-link-monitor", func(ctx context.Context) {
		select {
		case <-ctx.Done():
		case <-dc.Disconnected():
			if !p.detachClient(client) {
				return
			}
			c.logger.WithField("peripheral", p.id).Warn("Link lost")
			err := wrap(ErrLinkLost, "link", p.id, "The peripheral disconnected")
			c.emit(func(d device.CentralDelegate) { d.DidDisconnect(p.id, err) })
		}
	})
}

// CancelConnection aborts a dial in progress or tears down an established connection;
// either way one DidDisconnect follows. With nothing in progress the last attempt has
// already reported its terminal event and nothing is reported.
func (c *Central) CancelConnection(id string) {
	p, ok := c.peripherals.Get(id)
	if !ok {
		c.logger.WithField("peripheral", id).Debug("Cancel ignored, unknown peripheral")
		return
	}

	dialCancel, client := p.detach()
	switch {
	case dialCancel != nil:
		dialCancel()
	case client != nil:
		groutine.Go(context.Background(), "goble-cancel-connection", func(context.Context) {
			err := client.CancelConnection()
			if err != nil {
				c.logger.WithError(err).WithField("peripheral", id).Warn("Cancel connection reported an error")
			}
			c.emit(func(d device.CentralDelegate) { d.DidDisconnect(id, nil) })
		})
	default:
		c.logger.WithField("peripheral", id).Debug("Cancel ignored, no connection in progress")
	}
}

// ----------------------------
// Scanning
// ----------------------------

// ScanForPeripherals starts a scan, replacing any scan in progress. go-ble has no
// service filter, so advertisements are filtered here.
func (c *Central) ScanForPeripherals(services []string, allowDuplicates bool) {
	filter := make(map[string]struct{}, len(services))
	for _, s := range device.NormalizeUUIDs(services) {
		filter[s] = struct{}{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	if c.scanCancel != nil {
		c.scanCancel()
	}
	prev := c.scanDone
	c.scanGen++
	gen := c.scanGen
	c.scanCancel = cancel
	c.scanDone = done
	c.scanning.Store(true)
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{"services": services, "duplicates": allowDuplicates}).Debug("Starting scan")
	groutine.Go(ctx, "goble-scan", func(ctx context.Context) {
		defer close(done)
		if prev != nil {
			<-prev
		}

		err := c.b.radio.Scan(ctx, allowDuplicates, func(a ble.Advertisement) {
			adv := convertAdvertisement(a)
			if !advertises(adv, filter) {
				return
			}
			p := c.peripheral(a.Addr().String())
			p.observe(adv.LocalName)
			rssi := a.RSSI()
			c.emit(func(d device.CentralDelegate) { d.DidDiscover(p, adv, rssi) })
		})

		c.mu.Lock()
		if c.scanGen == gen {
			c.scanning.Store(false)
			c.scanCancel = nil
		}
		c.mu.Unlock()

		if err != nil && ctx.Err() == nil && !errors.Is(err, context.Canceled) {
			c.logger.WithError(wrap(err, "scan", "", "Scanning stopped")).Warn("Scan ended with an error")
		}
	})
}

func (c *Central) StopScan() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scanCancel != nil {
		c.scanCancel()
		c.scanCancel = nil
	}
	c.scanning.Store(false)
}

// IsScanning reports false once the radio ended the scan, whoever stopped it.
func (c *Central) IsScanning() bool {
	return c.scanning.Load()
}

func (c *Central) shutdown() {
	c.StopScan()
	c.peripherals.Range(func(_ string, p *Peripheral) bool {
		dialCancel, client := p.detach()
		if dialCancel != nil {
			dialCancel()
		}
		if client != nil {
			if err := client.CancelConnection(); err != nil {
				c.logger.WithError(err).WithField("peripheral", p.id).Debug("Cancel connection during shutdown failed")
			}
		}
		return true
	})
}
