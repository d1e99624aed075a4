package device

import (
	"strings"

	"github.com/go-ble/ble"
)

// Properties is the characteristic property bit set, using go-ble's flag values.
type Properties ble.Property

const (
	PropBroadcast Properties = Properties(ble.CharBroadcast)
	PropRead      Properties = Properties(ble.CharRead)
	PropWriteNR   Properties = Properties(ble.CharWriteNR)
	PropWrite     Properties = Properties(ble.CharWrite)
	PropNotify    Properties = Properties(ble.CharNotify)
	PropIndicate  Properties = Properties(ble.CharIndicate)
)

// Has reports whether every flag of p is set
func (ps Properties) Has(p Properties) bool {
	return ps&p == p
}

// Any reports whether at least one flag of p is set
func (ps Properties) Any(p Properties) bool {
	return ps&p != 0
}

func (ps Properties) String() string {
	names := make([]string, 0, 6)
	for _, f := range []struct {
		p    Properties
		name string
	}{
		{PropBroadcast, "broadcast"},
		{PropRead, "read"},
		{PropWriteNR, "write-without-response"},
		{PropWrite, "write"},
		{PropNotify, "notify"},
		{PropIndicate, "indicate"},
	} {
		if ps.Has(f.p) {
			names = append(names, f.name)
		}
	}
	return strings.Join(names, ",")
}

// ParseProperties parses a comma separated property list such as "read,notify".
func ParseProperties(s string) Properties {
	var ps Properties
	for _, part := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "broadcast":
			ps |= PropBroadcast
		case "read":
			ps |= PropRead
		case "write-without-response", "writenr", "write_nr":
			ps |= PropWriteNR
		case "write":
			ps |= PropWrite
		case "notify":
			ps |= PropNotify
		case "indicate":
			ps |= PropIndicate
		}
	}
	return ps
}

// CharacteristicKey identifies a characteristic within a peripheral.
// Both UUIDs are normalized.
type CharacteristicKey struct {
	Service        string
	Characteristic string
}

// Key builds a normalized CharacteristicKey.
func Key(service, characteristic string) CharacteristicKey {
	return CharacteristicKey{Service: NormalizeUUID(service), Characteristic: NormalizeUUID(characteristic)}
}

func (k CharacteristicKey) String() string {
	return k.Service + "/" + k.Characteristic
}

// Characteristic is a discovered remote characteristic.
type Characteristic struct {
	UUID       string
	Service    string
	Properties Properties
}

func (c Characteristic) Key() CharacteristicKey {
	return CharacteristicKey{Service: c.Service, Characteristic: c.UUID}
}

// Service is a discovered remote service with the characteristics found so far.
type Service struct {
	UUID            string
	Characteristics []Characteristic
}

// Characteristic looks up a discovered characteristic by UUID.
func (s Service) Characteristic(uuid string) (Characteristic, bool) {
	n := NormalizeUUID(uuid)
	for _, c := range s.Characteristics {
		if c.UUID == n {
			return c, true
		}
	}
	return Characteristic{}, false
}

// Advertisement is the decoded advertising payload seen while scanning.
type Advertisement struct {
	LocalName        string            `json:"name,omitempty"`
	ManufacturerData []byte            `json:"manufacturer_data,omitempty"`
	ServiceData      map[string][]byte `json:"service_data,omitempty"`
	Services         []string          `json:"services,omitempty"`
	TxPowerLevel     int               `json:"tx_power,omitempty"`
	Connectable      bool              `json:"connectable"`
}

// AdvertisingPayload is what the local peripheral manager advertises.
type AdvertisingPayload struct {
	LocalName string
	Services  []string
}

// CharacteristicDefinition describes a characteristic hosted by the local peripheral manager.
type CharacteristicDefinition struct {
	UUID       string
	Properties Properties
	Value      []byte
}

// ServiceDefinition describes a service hosted by the local peripheral manager.
type ServiceDefinition struct {
	UUID            string
	Characteristics []CharacteristicDefinition
}

// ConnectOptions are passed through to the hardware connect command.
type ConnectOptions struct {
	NotifyOnConnection    bool
	NotifyOnDisconnection bool
	NotifyOnNotification  bool
}
