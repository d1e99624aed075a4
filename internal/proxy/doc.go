// Package proxy puts a request/response lifecycle on top of the command-only BLE
// hardware capability of package device.
//
// Three proxies cover the radio roles: Central (radio state, connections, scanning),
// Peripheral (one remote device: discovery, reads, writes, notifications, RSSI) and
// PeripheralManager (advertising and hosted services). Each operation exists in two
// forms:
//
//	p.ReadAsync(key, device.CacheNever, 5*time.Second, func(data []byte, err error) { ... })
//	data, err := p.Read(ctx, key, device.CacheNever, 5*time.Second)
//
// Every caller is resolved exactly once: from local state, by the hardware event that
// completes the operation, by its own timeout, by ctx cancellation of the blocking form,
// by radio state loss or by Close. Concurrent callers of the same keyed operation share
// one hardware command.
//
// Hardware events are delivered by calling the delegate methods (DidConnect,
// DidUpdateValue, ...) from a single goroutine. Callbacks run on whichever goroutine
// resolved them and never while a proxy lock is held, so they may call back into the
// proxies.
package proxy
