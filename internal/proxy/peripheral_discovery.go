package proxy

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/pending"
)

// ----------------------------
// Service discovery
// ----------------------------

// DiscoverServicesAsync discovers the given services, or every service when ids is
// empty. Services already discovered resolve from the local table; a service whose
// discovery is in flight joins it.
func (p *Peripheral) DiscoverServicesAsync(ids []string, timeout time.Duration, cb func([]device.Service, error)) {
	p.discoverServices(ids, timeout, valueCallback(cb), nil)
}

func (p *Peripheral) DiscoverServices(ctx context.Context, ids []string, timeout time.Duration) ([]device.Service, error) {
	return await(ctx, device.OpDiscoverServices, func(cb pending.Callback[[]device.Service], cn pending.Canceller) {
		p.discoverServices(ids, timeout, cb, cn)
	})
}

// DiscoverServiceAsync discovers a single service.
func (p *Peripheral) DiscoverServiceAsync(id string, timeout time.Duration, cb func(device.Service, error)) {
	p.discoverServices([]string{id}, timeout, firstOf(valueCallback(cb)), nil)
}

func (p *Peripheral) DiscoverService(ctx context.Context, id string, timeout time.Duration) (device.Service, error) {
	return await(ctx, device.OpDiscoverServices, func(cb pending.Callback[device.Service], cn pending.Canceller) {
		p.discoverServices([]string{id}, timeout, firstOf(cb), cn)
	})
}

func (p *Peripheral) discoverServices(ids []string, timeout time.Duration, cb pending.Callback[[]device.Service], cn pending.Canceller) {
	p.mu.Lock()
	after := p.discoverServicesLocked(device.NormalizeUUIDs(ids), timeout, cb, cn)
	p.mu.Unlock()
	after()
}

func (p *Peripheral) discoverServicesLocked(ids []string, timeout time.Duration, cb pending.Callback[[]device.Service], cn pending.Canceller) func() {
	if err := p.checkLocked(device.OpDiscoverServices, cn); err != nil {
		return fail(cb, err)
	}
	if len(ids) == 0 {
		return p.discoverAllServicesLocked(timeout, cb, cn)
	}

	known := make([]device.Service, len(ids))
	var missing []int
	for i, id := range ids {
		if svc, ok := p.services[id]; ok {
			known[i] = svc
		} else {
			missing = append(missing, i)
		}
	}
	if len(missing) == 0 {
		p.stats.ShortCircuits.Inc()
		return resolve(cb, pending.Success(known))
	}

	g := newGather(len(ids), cb)
	mc := newMultiCanceller(cn)
	var afters []func()
	var issue []string
	for i, id := range ids {
		if known[i].UUID != "" {
			afters = append(afters, resolve(g.slot(i), pending.Success(known[i])))
			continue
		}
		if p.serviceWaiters.Has(id) {
			p.stats.Joined.Inc()
		} else {
			issue = append(issue, id)
		}
		sub := p.serviceWaiters.Register(id, g.slot(i), timeout, p.discoveryTimedOut(device.OpDiscoverServices, id))
		afters = append(afters, afterRegister(sub, mc, p.stats, p.serviceWaiters.Remove))
	}

	if len(issue) > 0 {
		p.serviceReqs = append(p.serviceReqs, newDiscoveryRequest(issue))
		p.hw.DiscoverServices(issue)
		p.stats.Commands.Inc()
		p.logger.WithField("services", issue).Debug("Discovering services")
	}
	return func() {
		for _, a := range afters {
			a()
		}
		mc.arm()
	}
}

func (p *Peripheral) discoverAllServicesLocked(timeout time.Duration, cb pending.Callback[[]device.Service], cn pending.Canceller) func() {
	joined := p.allServices.Len() > 0
	sub := p.allServices.Register(cb, timeout, func(sub *pending.Subscription[[]device.Service]) {
		if p.allServices.NotifySubscription(sub, pending.Failure[[]device.Service](device.Timeout(device.OpDiscoverServices, p.id))) {
			p.stats.Timeouts.Inc()
			p.logger.WithField("timeout", timeout).Warn("Service discovery timed out")
		}
	})
	if joined {
		p.stats.Joined.Inc()
	} else {
		p.serviceReqs = append(p.serviceReqs, newDiscoveryRequest(nil))
		p.hw.DiscoverServices(nil)
		p.stats.Commands.Inc()
		p.logger.Debug("Discovering all services")
	}
	return afterRegister(sub, cn, p.stats, p.allServices.Remove)
}

func (p *Peripheral) discoveryTimedOut(op device.Operation, key string) pending.TimeoutHandler[device.Service] {
	return func(sub *pending.Subscription[device.Service]) {
		if p.serviceWaiters.NotifySubscription(sub, pending.Failure[device.Service](device.Timeout(op, key))) {
			p.stats.Timeouts.Inc()
			p.logger.WithFields(logrus.Fields{"service": key, "timeout": sub.Timeout()}).Warn("Service discovery timed out")
		}
	}
}

// DidDiscoverServices completes the oldest outstanding service discovery. Keys covered
// by that request resolve with their service or not found. A failed discovery does not
// say which services it concerned, so keyed waiters are left to their timeout.
func (p *Peripheral) DidDiscoverServices(err error) {
	p.mu.Lock()
	req, solicited := p.popServiceRequestLocked()
	if err != nil {
		var all pending.Batch[[]device.Service]
		if solicited && req.all {
			all = p.allServices.TakeAll()
		}
		p.mu.Unlock()

		p.logger.WithError(err).Warn("Service discovery failed")
		all.Deliver(pending.Failure[[]device.Service](device.HardwareError(device.OpDiscoverServices, err)))
		return
	}

	p.refreshServicesLocked()
	type outcome struct {
		batch pending.Batch[device.Service]
		res   pending.Result[device.Service]
	}
	var outcomes []outcome
	for _, id := range p.serviceWaiters.Keys() {
		svc, found := p.services[id]
		switch {
		case found:
			outcomes = append(outcomes, outcome{p.serviceWaiters.Take(id), pending.Success(svc)})
		case solicited && req.covers(id):
			outcomes = append(outcomes, outcome{
				p.serviceWaiters.Take(id),
				pending.Failure[device.Service](device.NotFound(device.OpDiscoverServices, device.ResourceService, id)),
			})
		}
	}
	var all pending.Batch[[]device.Service]
	var list []device.Service
	if solicited && req.all {
		all = p.allServices.TakeAll()
		list = p.serviceListLocked()
	}
	p.mu.Unlock()

	for _, o := range outcomes {
		o.batch.Deliver(o.res)
	}
	all.Deliver(pending.Success(list))
}

func (p *Peripheral) popServiceRequestLocked() (discoveryRequest, bool) {
	if len(p.serviceReqs) == 0 {
		return discoveryRequest{}, false
	}
	req := p.serviceReqs[0]
	p.serviceReqs = p.serviceReqs[1:]
	return req, true
}

// ----------------------------
// Characteristic discovery
// ----------------------------

// DiscoverCharacteristicsAsync discovers characteristics of an already discovered
// service, or all of them when ids is empty.
func (p *Peripheral) DiscoverCharacteristicsAsync(service string, ids []string, timeout time.Duration, cb func([]device.Characteristic, error)) {
	p.discoverCharacteristics(service, ids, timeout, valueCallback(cb), nil)
}

func (p *Peripheral) DiscoverCharacteristics(ctx context.Context, service string, ids []string, timeout time.Duration) ([]device.Characteristic, error) {
	return await(ctx, device.OpDiscoverCharacteristics, func(cb pending.Callback[[]device.Characteristic], cn pending.Canceller) {
		p.discoverCharacteristics(service, ids, timeout, cb, cn)
	})
}

// DiscoverCharacteristicAsync discovers a single characteristic.
func (p *Peripheral) DiscoverCharacteristicAsync(service, id string, timeout time.Duration, cb func(device.Characteristic, error)) {
	p.discoverCharacteristics(service, []string{id}, timeout, firstOf(valueCallback(cb)), nil)
}

func (p *Peripheral) DiscoverCharacteristic(ctx context.Context, service, id string, timeout time.Duration) (device.Characteristic, error) {
	return await(ctx, device.OpDiscoverCharacteristics, func(cb pending.Callback[device.Characteristic], cn pending.Canceller) {
		p.discoverCharacteristics(service, []string{id}, timeout, firstOf(cb), cn)
	})
}

func (p *Peripheral) discoverCharacteristics(service string, ids []string, timeout time.Duration, cb pending.Callback[[]device.Characteristic], cn pending.Canceller) {
	p.mu.Lock()
	after := p.discoverCharacteristicsLocked(device.NormalizeUUID(service), device.NormalizeUUIDs(ids), timeout, cb, cn)
	p.mu.Unlock()
	after()
}

func (p *Peripheral) discoverCharacteristicsLocked(service string, ids []string, timeout time.Duration, cb pending.Callback[[]device.Characteristic], cn pending.Canceller) func() {
	if err := p.checkLocked(device.OpDiscoverCharacteristics, cn); err != nil {
		return fail(cb, err)
	}
	svc, ok := p.services[service]
	if !ok {
		return fail(cb, device.NotFound(device.OpDiscoverCharacteristics, device.ResourceService, service))
	}
	if len(ids) == 0 {
		return p.discoverAllCharacteristicsLocked(service, timeout, cb, cn)
	}

	known := make([]device.Characteristic, len(ids))
	var missing int
	for i, id := range ids {
		if ch, ok := svc.Characteristic(id); ok {
			known[i] = ch
		} else {
			missing++
		}
	}
	if missing == 0 {
		p.stats.ShortCircuits.Inc()
		return resolve(cb, pending.Success(known))
	}

	g := newGather(len(ids), cb)
	mc := newMultiCanceller(cn)
	var afters []func()
	var issue []string
	for i, id := range ids {
		if known[i].UUID != "" {
			afters = append(afters, resolve(g.slot(i), pending.Success(known[i])))
			continue
		}
		key := device.CharacteristicKey{Service: service, Characteristic: id}
		if p.charWaiters.Has(key) {
			p.stats.Joined.Inc()
		} else {
			issue = append(issue, id)
		}
		sub := p.charWaiters.Register(key, g.slot(i), timeout, p.charDiscoveryTimedOut(key))
		afters = append(afters, afterRegister(sub, mc, p.stats, p.charWaiters.Remove))
	}

	if len(issue) > 0 {
		p.charReqs[service] = append(p.charReqs[service], newDiscoveryRequest(issue))
		p.hw.DiscoverCharacteristics(issue, service)
		p.stats.Commands.Inc()
		p.logger.WithFields(logrus.Fields{"service": service, "characteristics": issue}).Debug("Discovering characteristics")
	}
	return func() {
		for _, a := range afters {
			a()
		}
		mc.arm()
	}
}

func (p *Peripheral) discoverAllCharacteristicsLocked(service string, timeout time.Duration, cb pending.Callback[[]device.Characteristic], cn pending.Canceller) func() {
	joined := p.allChars.Has(service)
	sub := p.allChars.Register(service, cb, timeout, func(sub *pending.Subscription[[]device.Characteristic]) {
		if p.allChars.NotifySubscription(sub, pending.Failure[[]device.Characteristic](device.Timeout(device.OpDiscoverCharacteristics, service))) {
			p.stats.Timeouts.Inc()
			p.logger.WithFields(logrus.Fields{"service": service, "timeout": timeout}).Warn("Characteristic discovery timed out")
		}
	})
	if joined {
		p.stats.Joined.Inc()
	} else {
		p.charReqs[service] = append(p.charReqs[service], newDiscoveryRequest(nil))
		p.hw.DiscoverCharacteristics(nil, service)
		p.stats.Commands.Inc()
		p.logger.WithField("service", service).Debug("Discovering all characteristics")
	}
	return afterRegister(sub, cn, p.stats, p.allChars.Remove)
}

func (p *Peripheral) charDiscoveryTimedOut(key device.CharacteristicKey) pending.TimeoutHandler[device.Characteristic] {
	return func(sub *pending.Subscription[device.Characteristic]) {
		if p.charWaiters.NotifySubscription(sub, pending.Failure[device.Characteristic](device.Timeout(device.OpDiscoverCharacteristics, key.String()))) {
			p.stats.Timeouts.Inc()
			p.logger.WithFields(logrus.Fields{"characteristic": key, "timeout": sub.Timeout()}).Warn("Characteristic discovery timed out")
		}
	}
}

// DidDiscoverCharacteristics completes the oldest outstanding characteristic discovery
// of service. Unlike service discovery, an error names its service and is forwarded to
// the waiters of that request.
func (p *Peripheral) DidDiscoverCharacteristics(service string, err error) {
	service = device.NormalizeUUID(service)

	p.mu.Lock()
	req, solicited := p.popCharRequestLocked(service)
	if err == nil {
		p.refreshServicesLocked()
	}
	svc := p.services[service]

	type outcome struct {
		batch pending.Batch[device.Characteristic]
		res   pending.Result[device.Characteristic]
	}
	var outcomes []outcome
	for _, key := range p.charWaiters.Keys() {
		if key.Service != service {
			continue
		}
		covered := solicited && req.covers(key.Characteristic)
		if err != nil {
			if covered {
				outcomes = append(outcomes, outcome{
					p.charWaiters.Take(key),
					pending.Failure[device.Characteristic](device.HardwareError(device.OpDiscoverCharacteristics, err)),
				})
			}
			continue
		}
		ch, found := svc.Characteristic(key.Characteristic)
		switch {
		case found:
			outcomes = append(outcomes, outcome{p.charWaiters.Take(key), pending.Success(ch)})
		case covered:
			outcomes = append(outcomes, outcome{
				p.charWaiters.Take(key),
				pending.Failure[device.Characteristic](device.NotFound(device.OpDiscoverCharacteristics, device.ResourceCharacteristic, key.String())),
			})
		}
	}
	var all pending.Batch[[]device.Characteristic]
	if solicited && req.all {
		all = p.allChars.Take(service)
	}
	p.mu.Unlock()

	if err != nil {
		p.logger.WithError(err).WithField("service", service).Warn("Characteristic discovery failed")
	}
	for _, o := range outcomes {
		o.batch.Deliver(o.res)
	}
	if err != nil {
		all.Deliver(pending.Failure[[]device.Characteristic](device.HardwareError(device.OpDiscoverCharacteristics, err)))
		return
	}
	all.Deliver(pending.Success(svc.Characteristics))
}

func (p *Peripheral) popCharRequestLocked(service string) (discoveryRequest, bool) {
	reqs := p.charReqs[service]
	if len(reqs) == 0 {
		return discoveryRequest{}, false
	}
	if len(reqs) == 1 {
		delete(p.charReqs, service)
	} else {
		p.charReqs[service] = reqs[1:]
	}
	return reqs[0], true
}

// firstOf adapts a single-item callback to a one-element list operation.
func firstOf[T any](cb pending.Callback[T]) pending.Callback[[]T] {
	return func(r pending.Result[[]T]) {
		if cb == nil {
			return
		}
		if r.Err != nil || len(r.Value) == 0 {
			cb(pending.Failure[T](r.Err))
			return
		}
		cb(pending.Success(r.Value[0]))
	}
}
