package proxy

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/pending"
)

// ----------------------------
// Connect
// ----------------------------

// ConnectAsync connects to a known peripheral and calls cb with the outcome.
// Concurrent connects to the same peripheral share one hardware command.
func (c *Central) ConnectAsync(id string, opts device.ConnectOptions, timeout time.Duration, cb func(error)) {
	c.connect(id, opts, timeout, errCallback(cb), nil)
}

// Connect connects to a known peripheral. Cancelling ctx abandons only this caller;
// the connection attempt continues for other callers.
func (c *Central) Connect(ctx context.Context, id string, opts device.ConnectOptions, timeout time.Duration) error {
	_, err := await(ctx, device.OpConnect, func(cb pending.Callback[none], cn pending.Canceller) {
		c.connect(id, opts, timeout, cb, cn)
	})
	return err
}

func (c *Central) connect(id string, opts device.ConnectOptions, timeout time.Duration, cb pending.Callback[none], cn pending.Canceller) {
	c.mu.Lock()
	after := c.connectLocked(id, opts, timeout, cb, cn)
	c.mu.Unlock()
	after()
}

func (c *Central) connectLocked(id string, opts device.ConnectOptions, timeout time.Duration, cb pending.Callback[none], cn pending.Canceller) func() {
	if c.destroyed {
		return fail(cb, device.Destroyed(device.OpConnect))
	}
	if err := pending.CancelErr(cn); err != nil {
		return fail(cb, err)
	}
	if !c.state.Ready() {
		return fail(cb, device.InvalidHardwareState(device.OpConnect, c.state))
	}
	if _, ok := c.peripherals.Get(id); !ok {
		return fail(cb, device.NotFound(device.OpConnect, device.ResourcePeripheral, id))
	}

	l := c.linkLocked(id)
	log := c.logger.WithFields(logrus.Fields{"peripheral": id, "state": l.state})

	switch l.state {
	case device.Connected:
		c.stats.ShortCircuits.Inc()
		return resolve(cb, pending.Success(none{}))
	case device.Disconnecting:
		return fail(cb, device.InvalidPeripheralState(device.OpConnect, id, l.state))
	}

	sub := c.connects.Register(id, cb, timeout, c.connectTimedOut(id))
	if l.state == device.Connecting {
		c.stats.Joined.Inc()
		log.Debug("Joining in-flight connect")
	} else {
		l.state = device.Connecting
		l.reason = reasonNone
		c.hw.Connect(id, opts)
		c.stats.Commands.Inc()
		log.WithField("timeout", timeout).Info("Connecting")
	}
	return afterRegister(sub, cn, c.stats, c.connects.Remove)
}

// connectTimedOut abandons the whole attempt: the first expiring waiter cancels the
// hardware connect and fails every waiter of the peripheral. The attempt still owes a
// terminal event, which is absorbed when it arrives so it cannot reach a newer attempt.
func (c *Central) connectTimedOut(id string) pending.TimeoutHandler[none] {
	return func(sub *pending.Subscription[none]) {
		c.mu.Lock()
		l := c.linkLocked(id)
		if l.state != device.Connecting {
			// a disconnect took over the attempt; only this waiter expires
			batch := c.connects.Remove(sub)
			c.mu.Unlock()
			if batch.Deliver(pending.Failure[none](device.Timeout(device.OpConnect, id))) > 0 {
				c.stats.Timeouts.Inc()
			}
			return
		}

		l.reason = reasonTimedOut
		err := l.reason.connectError(id, c.state, nil)
		batch := c.connects.Take(id)
		c.hw.CancelConnection(id)
		c.stats.Commands.Inc()
		l.state = device.Disconnected
		l.reason = reasonNone
		l.abandoned++
		c.mu.Unlock()

		c.stats.Timeouts.Inc()
		c.logger.WithFields(logrus.Fields{"peripheral": id, "waiters": len(batch), "timeout": sub.Timeout()}).Warn("Connect timed out")
		batch.Deliver(pending.Failure[none](err))
	}
}

// ----------------------------
// Disconnect
// ----------------------------

// DisconnectAsync disconnects a peripheral and calls cb with the outcome. Disconnecting
// a peripheral that is still connecting cancels the attempt; its connect waiters fail
// with a cancelled error.
func (c *Central) DisconnectAsync(id string, timeout time.Duration, cb func(error)) {
	c.disconnect(id, timeout, errCallback(cb), nil)
}

// Disconnect disconnects a peripheral.
func (c *Central) Disconnect(ctx context.Context, id string, timeout time.Duration) error {
	_, err := await(ctx, device.OpDisconnect, func(cb pending.Callback[none], cn pending.Canceller) {
		c.disconnect(id, timeout, cb, cn)
	})
	return err
}

func (c *Central) disconnect(id string, timeout time.Duration, cb pending.Callback[none], cn pending.Canceller) {
	c.mu.Lock()
	after := c.disconnectLocked(id, timeout, cb, cn)
	c.mu.Unlock()
	after()
}

func (c *Central) disconnectLocked(id string, timeout time.Duration, cb pending.Callback[none], cn pending.Canceller) func() {
	if c.destroyed {
		return fail(cb, device.Destroyed(device.OpDisconnect))
	}
	if err := pending.CancelErr(cn); err != nil {
		return fail(cb, err)
	}

	l := c.linkLocked(id)
	log := c.logger.WithFields(logrus.Fields{"peripheral": id, "state": l.state})

	if l.state == device.Disconnected {
		c.stats.ShortCircuits.Inc()
		return resolve(cb, pending.Success(none{}))
	}

	sub := c.disconnects.Register(id, cb, timeout, c.disconnectTimedOut(id))
	switch l.state {
	case device.Disconnecting:
		c.stats.Joined.Inc()
		log.Debug("Joining in-flight disconnect")
	case device.Connecting:
		l.reason = reasonUserRequested
		l.state = device.Disconnecting
		c.hw.CancelConnection(id)
		c.stats.Commands.Inc()
		log.Info("Cancelling in-flight connect")
	default:
		l.state = device.Disconnecting
		c.hw.CancelConnection(id)
		c.stats.Commands.Inc()
		log.Info("Disconnecting")
	}
	return afterRegister(sub, cn, c.stats, c.disconnects.Remove)
}

// disconnectTimedOut gives up on the hardware confirmation: the link is considered
// down so later connects are not blocked.
func (c *Central) disconnectTimedOut(id string) pending.TimeoutHandler[none] {
	return func(sub *pending.Subscription[none]) {
		c.mu.Lock()
		l := c.linkLocked(id)
		var connects pending.Batch[none]
		var connErr error
		wasDown := l.state == device.Disconnected
		if l.state == device.Disconnecting {
			if l.reason == reasonUserRequested {
				connErr = l.reason.connectError(id, c.state, nil)
				connects = c.connects.Take(id)
			}
			l.state = device.Disconnected
			l.reason = reasonNone
		}
		disconnects := c.disconnects.Take(id)
		c.mu.Unlock()

		c.stats.Timeouts.Inc()
		c.logger.WithFields(logrus.Fields{"peripheral": id, "timeout": sub.Timeout()}).Warn("Disconnect timed out")
		connects.Deliver(pending.Failure[none](connErr))
		disconnects.Deliver(pending.Failure[none](device.Timeout(device.OpDisconnect, id)))
		if wasDown {
			return
		}

		timeoutErr := device.Timeout(device.OpDisconnect, id)
		c.events.publish(TopicConnection, ConnectionEvent{PeripheralID: id, State: device.Disconnected, Err: timeoutErr})
		if p, ok := c.peripherals.Get(id); ok {
			p.linkDown(func(op device.Operation) error { return device.NotConnected(op, id) })
		}
	}
}

// ----------------------------
// Connection events
// ----------------------------

// DidConnect handles a successful hardware connection.
func (c *Central) DidConnect(id string) {
	c.mu.Lock()
	l := c.linkLocked(id)
	prev := l.state
	if l.abandoned > 0 {
		// a late success of an abandoned attempt; its cancellation is already on the way
		c.mu.Unlock()
		c.logger.WithFields(logrus.Fields{"peripheral": id, "state": prev}).Debug("Ignoring connect event of an abandoned attempt")
		return
	}
	var batch pending.Batch[none]
	switch prev {
	case device.Connecting:
		l.state = device.Connected
		l.reason = reasonNone
		batch = c.connects.Take(id)
	case device.Disconnected:
		// unsolicited; the hardware is authoritative
		l.state = device.Connected
	}
	c.mu.Unlock()

	log := c.logger.WithFields(logrus.Fields{"peripheral": id, "previous": prev})
	if prev == device.Disconnecting {
		log.Debug("Connected while a disconnect is pending, waiting for teardown")
		return
	}
	if prev == device.Connected {
		return
	}

	log.Info("Connected")
	batch.Deliver(pending.Success(none{}))
	c.events.publish(TopicConnection, ConnectionEvent{PeripheralID: id, State: device.Connected})
}

// DidFailToConnect handles a failed or cancelled connection attempt.
func (c *Central) DidFailToConnect(id string, err error) {
	c.linkDown(id, err)
}

// DidDisconnect handles the loss or teardown of a connection.
func (c *Central) DidDisconnect(id string, err error) {
	c.linkDown(id, err)
}

func (c *Central) linkDown(id string, hwErr error) {
	c.mu.Lock()
	l := c.linkLocked(id)
	prev := l.state
	if l.abandoned > 0 {
		// terminal events arrive in attempt order, so this one ends the oldest abandoned attempt
		l.abandoned--
		c.mu.Unlock()
		c.logger.WithFields(logrus.Fields{"peripheral": id, "state": prev}).Debug("Absorbed terminal event of an abandoned attempt")
		return
	}
	connErr := l.reason.connectError(id, c.state, hwErr)
	l.state = device.Disconnected
	l.reason = reasonNone
	connects := c.connects.Take(id)
	disconnects := c.disconnects.Take(id)
	c.mu.Unlock()

	if prev == device.Disconnected {
		c.logger.WithField("peripheral", id).Debug("Ignoring disconnect event for disconnected peripheral")
		return
	}

	log := c.logger.WithFields(logrus.Fields{"peripheral": id, "previous": prev})
	if hwErr != nil {
		log = log.WithField("error", hwErr)
	}
	log.Info("Disconnected")

	connects.Deliver(pending.Failure[none](connErr))
	disconnects.Deliver(pending.Success(none{}))
	c.events.publish(TopicConnection, ConnectionEvent{PeripheralID: id, State: device.Disconnected, Err: hwErr})

	if p, ok := c.peripherals.Get(id); ok {
		p.linkDown(func(op device.Operation) error {
			return &device.ProxyError{Kind: device.KindNotConnected, Op: op, Key: id, Err: hwErr}
		})
	}
}
