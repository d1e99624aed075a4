//go:build test

package proxy

import "github.com/srg/bleproxy/internal/device"

// TeardownReason exposes the teardown reason recorded on a peripheral's link.
func TeardownReason(c *Central, id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.links[id]; ok {
		return l.reason.String()
	}
	return reasonNone.String()
}

// InflightRead reports whether a hardware read of key is outstanding.
func InflightRead(p *Peripheral, key device.CharacteristicKey) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[normalizeKey(key)]
	return ok
}

// PendingRSSI reports whether a hardware RSSI read is outstanding.
func PendingRSSI(p *Peripheral) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rssiPending
}
