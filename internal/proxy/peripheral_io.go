package proxy

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/pending"
)

// ----------------------------
// Read
// ----------------------------

// ReadAsync reads a characteristic value. The cache policy may answer from the last
// observed value; otherwise concurrent reads of the same characteristic share one
// hardware read.
func (p *Peripheral) ReadAsync(key device.CharacteristicKey, policy device.CachePolicy, timeout time.Duration, cb func([]byte, error)) {
	p.read(key, policy, timeout, valueCallback(cb), nil)
}

func (p *Peripheral) Read(ctx context.Context, key device.CharacteristicKey, policy device.CachePolicy, timeout time.Duration) ([]byte, error) {
	return await(ctx, device.OpRead, func(cb pending.Callback[[]byte], cn pending.Canceller) {
		p.read(key, policy, timeout, cb, cn)
	})
}

func (p *Peripheral) read(key device.CharacteristicKey, policy device.CachePolicy, timeout time.Duration, cb pending.Callback[[]byte], cn pending.Canceller) {
	p.mu.Lock()
	after := p.readLocked(normalizeKey(key), policy, timeout, cb, cn)
	p.mu.Unlock()
	after()
}

func (p *Peripheral) readLocked(key device.CharacteristicKey, policy device.CachePolicy, timeout time.Duration, cb pending.Callback[[]byte], cn pending.Canceller) func() {
	if p.destroyed {
		return fail(cb, device.Destroyed(device.OpRead))
	}
	if err := pending.CancelErr(cn); err != nil {
		return fail(cb, err)
	}
	if rec, ok := p.cache[key]; ok && policy.Allows(rec, time.Now()) {
		p.stats.CacheHits.Inc()
		return resolve(cb, pending.Success(rec.Data))
	}
	if err := p.checkLocked(device.OpRead, cn); err != nil {
		return fail(cb, err)
	}
	ch, err := p.characteristicLocked(device.OpRead, key)
	if err != nil {
		return fail(cb, err)
	}
	if !ch.Properties.Has(device.PropRead) {
		return fail(cb, device.NotSupported(device.OpRead, key.String()))
	}

	sub := p.reads.Register(key, cb, timeout, p.readTimedOut(key))
	if _, inflight := p.inflight[key]; inflight {
		p.stats.Joined.Inc()
	} else {
		p.inflight[key] = struct{}{}
		p.hw.ReadValue(key)
		p.stats.Commands.Inc()
		p.logger.WithFields(logrus.Fields{"characteristic": key, "policy": policy}).Debug("Reading")
	}
	// a cancelled reader leaves the marker: the hardware read is still outstanding
	return afterRegister(sub, cn, p.stats, p.reads.Remove)
}

// readTimedOut fails one reader. The last reader to time out clears the in-flight
// marker, since the hardware is presumed silent, so the next read issues a fresh command.
func (p *Peripheral) readTimedOut(key device.CharacteristicKey) pending.TimeoutHandler[[]byte] {
	return func(sub *pending.Subscription[[]byte]) {
		p.mu.Lock()
		batch := p.reads.Remove(sub)
		if len(batch) > 0 && !p.reads.Has(key) {
			delete(p.inflight, key)
		}
		p.mu.Unlock()

		if batch.Deliver(pending.Failure[[]byte](device.Timeout(device.OpRead, key.String()))) > 0 {
			p.stats.Timeouts.Inc()
			p.logger.WithFields(logrus.Fields{"characteristic": key, "timeout": sub.Timeout()}).Warn("Read timed out")
		}
	}
}

// DidUpdateValue handles a value update. For a characteristic with a read in flight it
// answers every reader; otherwise it is a notification and goes to the open streams.
func (p *Peripheral) DidUpdateValue(key device.CharacteristicKey, data []byte, err error) {
	key = normalizeKey(key)
	now := time.Now()

	p.mu.Lock()
	if _, inflight := p.inflight[key]; inflight {
		delete(p.inflight, key)
		batch := p.reads.Take(key)
		if err == nil && data != nil {
			p.cache[key] = device.CacheRecord{Data: data, Timestamp: now}
		}
		p.mu.Unlock()

		if len(batch) == 0 {
			p.logger.WithField("characteristic", key).Debug("Read answered after every reader left")
			return
		}
		switch {
		case err != nil:
			batch.Deliver(pending.Failure[[]byte](device.HardwareError(device.OpRead, err)))
		case data == nil:
			batch.Deliver(pending.Failure[[]byte](device.DataMissing(key.String())))
		default:
			batch.Deliver(pending.Success(data))
		}
		return
	}

	if err != nil {
		p.mu.Unlock()
		p.logger.WithError(err).WithField("characteristic", key).Warn("Notification carried an error")
		return
	}
	if data != nil {
		p.cache[key] = device.CacheRecord{Data: data, Timestamp: now}
	}
	streams := append([]*NotificationStream(nil), p.streams[key]...)
	p.mu.Unlock()

	for _, s := range streams {
		if s.ring.Send(data) {
			p.logger.WithField("characteristic", key).Debug("Notification stream overflow, dropped oldest value")
		}
	}
}

// ----------------------------
// Write
// ----------------------------

// issued lists the hardware requests of each key in issue order with the waiter that owns
// each one. Answers arrive in issue order, so an answer always belongs to the oldest entry,
// even when that waiter has already timed out or been cancelled.
type issued[T any] map[device.CharacteristicKey][]*pending.Subscription[T]

func (q issued[T]) push(key device.CharacteristicKey, sub *pending.Subscription[T]) {
	q[key] = append(q[key], sub)
}

func (q issued[T]) pop(key device.CharacteristicKey) (*pending.Subscription[T], bool) {
	list := q[key]
	if len(list) == 0 {
		return nil, false
	}
	if len(list) == 1 {
		delete(q, key)
	} else {
		q[key] = list[1:]
	}
	return list[0], true
}

// WriteAsync writes a characteristic value. Every call issues one hardware write; a
// write with response resolves when the peripheral acknowledges it, oldest first.
func (p *Peripheral) WriteAsync(data []byte, key device.CharacteristicKey, wt device.WriteType, timeout time.Duration, cb func(error)) {
	p.write(data, key, wt, timeout, errCallback(cb), nil)
}

func (p *Peripheral) Write(ctx context.Context, data []byte, key device.CharacteristicKey, wt device.WriteType, timeout time.Duration) error {
	_, err := await(ctx, device.OpWrite, func(cb pending.Callback[none], cn pending.Canceller) {
		p.write(data, key, wt, timeout, cb, cn)
	})
	return err
}

func (p *Peripheral) write(data []byte, key device.CharacteristicKey, wt device.WriteType, timeout time.Duration, cb pending.Callback[none], cn pending.Canceller) {
	p.mu.Lock()
	after := p.writeLocked(data, normalizeKey(key), wt, timeout, cb, cn)
	p.mu.Unlock()
	after()
}

func (p *Peripheral) writeLocked(data []byte, key device.CharacteristicKey, wt device.WriteType, timeout time.Duration, cb pending.Callback[none], cn pending.Canceller) func() {
	if err := p.checkLocked(device.OpWrite, cn); err != nil {
		return fail(cb, err)
	}
	ch, err := p.characteristicLocked(device.OpWrite, key)
	if err != nil {
		return fail(cb, err)
	}
	required := device.PropWrite
	if wt == device.WithoutResponse {
		required = device.PropWriteNR
	}
	if !ch.Properties.Has(required) {
		return fail(cb, device.NotSupported(device.OpWrite, key.String()))
	}

	log := p.logger.WithFields(logrus.Fields{"characteristic": key, "bytes": len(data), "type": wt})
	if wt == device.WithoutResponse {
		p.hw.WriteValue(data, key, wt)
		p.stats.Commands.Inc()
		log.Debug("Wrote without response")
		return resolve(cb, pending.Success(none{}))
	}

	sub := p.writes.Register(key, cb, timeout, func(sub *pending.Subscription[none]) {
		if p.writes.NotifySubscription(sub, pending.Failure[none](device.Timeout(device.OpWrite, key.String()))) {
			p.stats.Timeouts.Inc()
			p.logger.WithFields(logrus.Fields{"characteristic": key, "timeout": timeout}).Warn("Write timed out")
		}
	})
	p.writesIssued.push(key, sub)
	p.hw.WriteValue(data, key, wt)
	p.stats.Commands.Inc()
	log.Debug("Writing")
	return afterRegister(sub, cn, p.stats, p.writes.Remove)
}

// DidWriteValue completes the oldest issued write of key. The acknowledgement of a write
// whose caller timed out or cancelled is discarded rather than given to a newer write.
func (p *Peripheral) DidWriteValue(key device.CharacteristicKey, err error) {
	key = normalizeKey(key)
	p.mu.Lock()
	owner, ok := p.writesIssued.pop(key)
	var batch pending.Batch[none]
	if ok {
		batch = p.writes.Remove(owner)
	}
	p.mu.Unlock()

	log := p.logger.WithField("characteristic", key)
	if !ok {
		log.Debug("Write acknowledgement without pending write")
		return
	}
	if len(batch) == 0 {
		log.Debug("Discarding acknowledgement of an abandoned write")
		return
	}
	if err != nil {
		batch.Deliver(pending.Failure[none](device.HardwareError(device.OpWrite, err)))
		return
	}
	batch.Deliver(pending.Success(none{}))
}

// ----------------------------
// Notifications
// ----------------------------

// SetNotifyAsync enables or disables notifications (or indications) of a characteristic
// and calls cb with the notifying flag the peripheral reported.
func (p *Peripheral) SetNotifyAsync(enabled bool, key device.CharacteristicKey, timeout time.Duration, cb func(bool, error)) {
	p.setNotify(enabled, key, timeout, valueCallback(cb), nil)
}

func (p *Peripheral) SetNotify(ctx context.Context, enabled bool, key device.CharacteristicKey, timeout time.Duration) (bool, error) {
	return await(ctx, device.OpNotify, func(cb pending.Callback[bool], cn pending.Canceller) {
		p.setNotify(enabled, key, timeout, cb, cn)
	})
}

func (p *Peripheral) setNotify(enabled bool, key device.CharacteristicKey, timeout time.Duration, cb pending.Callback[bool], cn pending.Canceller) {
	p.mu.Lock()
	after := p.setNotifyLocked(enabled, normalizeKey(key), timeout, cb, cn)
	p.mu.Unlock()
	after()
}

func (p *Peripheral) setNotifyLocked(enabled bool, key device.CharacteristicKey, timeout time.Duration, cb pending.Callback[bool], cn pending.Canceller) func() {
	if err := p.checkLocked(device.OpNotify, cn); err != nil {
		return fail(cb, err)
	}
	ch, err := p.characteristicLocked(device.OpNotify, key)
	if err != nil {
		return fail(cb, err)
	}
	if !ch.Properties.Any(device.PropNotify | device.PropIndicate) {
		return fail(cb, device.NotSupported(device.OpNotify, key.String()))
	}

	sub := p.notifies.Register(key, cb, timeout, func(sub *pending.Subscription[bool]) {
		if p.notifies.NotifySubscription(sub, pending.Failure[bool](device.Timeout(device.OpNotify, key.String()))) {
			p.stats.Timeouts.Inc()
			p.logger.WithFields(logrus.Fields{"characteristic": key, "timeout": timeout}).Warn("Notify toggle timed out")
		}
	})
	p.notifiesIssued.push(key, sub)
	p.hw.SetNotifyValue(enabled, key)
	p.stats.Commands.Inc()
	p.logger.WithFields(logrus.Fields{"characteristic": key, "enabled": enabled}).Debug("Setting notify")
	return afterRegister(sub, cn, p.stats, p.notifies.Remove)
}

// DidUpdateNotificationState completes the oldest issued notify toggle of key, discarding
// the answer when its caller already left.
func (p *Peripheral) DidUpdateNotificationState(key device.CharacteristicKey, enabled bool, err error) {
	key = normalizeKey(key)
	p.mu.Lock()
	owner, ok := p.notifiesIssued.pop(key)
	var batch pending.Batch[bool]
	if ok {
		batch = p.notifies.Remove(owner)
	}
	p.mu.Unlock()

	if len(batch) == 0 {
		p.logger.WithFields(logrus.Fields{"characteristic": key, "enabled": enabled}).Debug("Notification state change without pending toggle")
		return
	}
	if err != nil {
		batch.Deliver(pending.Failure[bool](device.HardwareError(device.OpNotify, err)))
		return
	}
	batch.Deliver(pending.Success(enabled))
}

// ----------------------------
// RSSI
// ----------------------------

// ReadRSSI reads the signal strength of the connected peripheral.
func (p *Peripheral) ReadRSSI(ctx context.Context, timeout time.Duration) (int, error) {
	return await(ctx, device.OpRSSI, func(cb pending.Callback[int], cn pending.Canceller) {
		p.readRSSI(timeout, cb, cn)
	})
}
