// Package pending implements the pending-operation registry that every proxy operation
// goes through.
//
// A Subscription is one waiter with an optional timeout. A KeyedRegistry fans one
// hardware outcome out to every waiter registered under the same key, in registration
// order; a ListRegistry does the same for unkeyed operations. A Waiter turns a
// subscription callback into a blocking, individually cancellable future.
//
// Typical flow in a proxy:
//
//	p.mu.Lock()
//	if err := pending.CancelErr(c); err != nil { ... resolve, return }
//	joined := p.reads.Has(key)
//	sub := p.reads.Register(key, cb, timeout, p.readTimedOut)
//	if !joined { p.hw.ReadValue(key) }
//	sub.Start()
//	p.mu.Unlock()
//	pending.Bind(c, func(err error) { p.reads.NotifySubscription(sub, pending.Failure[T](err)) })
package pending
