// Package goble adapts go-ble devices to the proxies' hardware capability.
//
// go-ble exposes blocking calls (Dial, Scan, ReadCharacteristic, ...). The adapter runs
// them off the caller's goroutine and reports every outcome through the registered
// delegate. GATT exchanges of one peripheral run in issue order on a per-connection
// queue; all delegate calls are made from a single delivery goroutine.
package goble
