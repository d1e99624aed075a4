package proxy

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/pending"
)

// readiness holds WaitUntilReady callers of a radio until it reports poweredOn.
// Its methods run under the owner's state lock and return the delivery to perform
// after unlocking.
type readiness struct {
	waiters *pending.ListRegistry[none]
	stats   *Stats
	logger  *logrus.Logger
}

func newReadiness(stats *Stats, logger *logrus.Logger) *readiness {
	return &readiness{
		waiters: pending.NewListRegistry[none](),
		stats:   stats,
		logger:  logger,
	}
}

func (r *readiness) enqueue(state device.ManagerState, timeout time.Duration, cb pending.Callback[none], c pending.Canceller) func() {
	if err := pending.CancelErr(c); err != nil {
		return fail(cb, err)
	}
	if state.Ready() {
		r.stats.ShortCircuits.Inc()
		return resolve(cb, pending.Success(none{}))
	}
	if state.Unrecoverable() {
		return fail(cb, device.InvalidHardwareState(device.OpReady, state))
	}

	sub := r.waiters.Register(cb, timeout, func(sub *pending.Subscription[none]) {
		if r.waiters.NotifySubscription(sub, pending.Failure[none](device.Timeout(device.OpReady, ""))) {
			r.stats.Timeouts.Inc()
			r.logger.WithField("timeout", timeout).Warn("Timed out waiting for radio to become ready")
		}
	})
	r.logger.WithField("state", state).Debug("Waiting for radio to become ready")
	return afterRegister(sub, c, r.stats, r.waiters.Remove)
}

// update resolves waiters for a ready or unrecoverable state; transient states keep them waiting.
func (r *readiness) update(state device.ManagerState) func() {
	switch {
	case state.Ready():
		batch := r.waiters.TakeAll()
		return func() { batch.Deliver(pending.Success(none{})) }
	case state.Unrecoverable():
		batch := r.waiters.TakeAll()
		err := device.InvalidHardwareState(device.OpReady, state)
		return func() { batch.Deliver(pending.Failure[none](err)) }
	default:
		return noop
	}
}

func (r *readiness) destroy() func() {
	batch := r.waiters.TakeAll()
	return func() { batch.Deliver(pending.Failure[none](device.Destroyed(device.OpReady))) }
}
