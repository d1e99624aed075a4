package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/bleproxy/internal/device"
)

// convertAdvertisement copies a go-ble advertisement into the proxy's value type.
// UUIDs are normalized; byte slices are copied since go-ble reuses its buffers.
func convertAdvertisement(a ble.Advertisement) device.Advertisement {
	adv := device.Advertisement{
		LocalName:        a.LocalName(),
		ManufacturerData: clone(a.ManufacturerData()),
		TxPowerLevel:     a.TxPowerLevel(),
		Connectable:      a.Connectable(),
	}
	for _, u := range a.Services() {
		if id := device.NormalizeUUID(u.String()); id != "" {
			adv.Services = append(adv.Services, id)
		}
	}
	if sd := a.ServiceData(); len(sd) > 0 {
		adv.ServiceData = make(map[string][]byte, len(sd))
		for _, d := range sd {
			adv.ServiceData[device.NormalizeUUID(d.UUID.String())] = clone(d.Data)
		}
	}
	return adv
}

// advertises reports whether adv lists any of services. An empty filter matches everything.
func advertises(adv device.Advertisement, services map[string]struct{}) bool {
	if len(services) == 0 {
		return true
	}
	for _, s := range adv.Services {
		if _, ok := services[s]; ok {
			return true
		}
	}
	for s := range adv.ServiceData {
		if _, ok := services[s]; ok {
			return true
		}
	}
	return false
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
