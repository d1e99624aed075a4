package goble

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleproxy/internal/device"
)

// Radio is the part of ble.Device the adapter drives.
type Radio interface {
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error
	AdvertiseNameAndServices(ctx context.Context, name string, uuids ...ble.UUID) error
	AddService(svc *ble.Service) error
	RemoveAllServices() error
	SetServices(svcs []*ble.Service) error
	Stop() error
}

// Client is the part of ble.Client the adapter drives.
type Client interface {
	Name() string
	DiscoverServices(filter []ble.UUID) ([]*ble.Service, error)
	DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	ReadRSSI() int
	CancelConnection() error
}

// Dialer opens a GATT client connection to a peripheral address.
type Dialer func(ctx context.Context, addr string) (Client, error)

// DeviceFactory creates the platform ble.Device (can be overridden in tests).
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newPlatformDevice

// Options configures a Backend. Zero fields take the values of their default tags.
type Options struct {
	Logger *logrus.Logger

	// AdvertiseSettle is how long advertising must keep running before it counts as started.
	AdvertiseSettle time.Duration `default:"250ms"`
}

// Backend owns one go-ble radio and exposes it as the command-and-event hardware
// capability of the proxies. go-ble calls block; every command here returns at once and
// reports its outcome through the delegate on a single event-delivery goroutine.
type Backend struct {
	radio    Radio
	dial     Dialer
	opts     Options
	logger   *logrus.Logger
	delivery *serialQueue

	mu      sync.Mutex
	state   device.ManagerState
	central *Central
	manager *Manager
}

// New builds a Backend over an explicit radio and dialer.
func New(radio Radio, dial Dialer, opts Options) *Backend {
	defaults.SetDefaults(&opts)
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetOutput(io.Discard)
	}

	b := &Backend{
		radio:    radio,
		dial:     dial,
		opts:     opts,
		logger:   opts.Logger,
		delivery: newSerialQueue("goble-delivery", opts.Logger),
		state:    device.StatePoweredOn,
	}
	b.central = newCentral(b)
	b.manager = newManager(b)
	return b
}

// FromDevice wraps an opened go-ble device.
func FromDevice(dev ble.Device, opts Options) *Backend {
	return New(dev, func(ctx context.Context, addr string) (Client, error) {
		c, err := dev.Dial(ctx, ble.NewAddr(addr))
		if err != nil {
			return nil, err
		}
		return c, nil
	}, opts)
}

// Open creates the platform device through DeviceFactory.
func Open(opts Options) (*Backend, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, wrap(err, "open-device", "", "Cannot open the Bluetooth adapter")
	}
	return FromDevice(dev, opts), nil
}

// Central returns the central-role hardware.
func (b *Backend) Central() *Central {
	return b.central
}

// PeripheralManager returns the peripheral-role hardware.
func (b *Backend) PeripheralManager() *Manager {
	return b.manager
}

func (b *Backend) currentState() device.ManagerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Close stops scanning and advertising, drops every connection and releases the radio.
// Delegates observe a poweredOff state. Close must not be called from a delegate callback.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.state == device.StatePoweredOff {
		b.mu.Unlock()
		return nil
	}
	b.state = device.StatePoweredOff
	b.mu.Unlock()

	b.central.shutdown()
	b.manager.shutdown()

	err := b.radio.Stop()
	b.central.emit(func(d device.CentralDelegate) { d.DidUpdateState(device.StatePoweredOff) })
	b.manager.emit(func(d device.PeripheralManagerDelegate) { d.DidUpdateState(device.StatePoweredOff) })
	b.delivery.close()
	<-b.delivery.done()

	b.logger.Debug("BLE backend closed")
	return wrap(err, "stop-device", "", "Cannot release the Bluetooth adapter")
}
