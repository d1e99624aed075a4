package device

// The hardware capability is command-only: every command returns immediately and its
// outcome, if any, arrives later through the matching delegate method. Some outcomes
// never arrive.

// ----------------------------
// Central role
// ----------------------------

// CentralHardware is the command surface of the local radio in the central role.
//
// Implementations must deliver delegate calls asynchronously, on one event goroutine and
// in order. Callers issue commands while holding a non-reentrant lock that delegate
// methods also take, so a command that calls its delegate before returning deadlocks.
//
// Every Connect ends with exactly one DidFailToConnect or DidDisconnect, preceded by
// DidConnect when the link came up; CancelConnection with nothing in progress reports
// nothing. Events of successive attempts to one peripheral arrive in attempt order.
type CentralHardware interface {
	State() ManagerState
	SetDelegate(d CentralDelegate)

	Connect(peripheralID string, opts ConnectOptions)
	CancelConnection(peripheralID string)

	ScanForPeripherals(services []string, allowDuplicates bool)
	StopScan()
	IsScanning() bool

	// RetrievePeripherals returns handles for known identifiers without scanning.
	RetrievePeripherals(ids []string) []PeripheralHardware
}

// CentralDelegate receives central-role events.
type CentralDelegate interface {
	DidUpdateState(state ManagerState)
	DidConnect(peripheralID string)
	DidFailToConnect(peripheralID string, err error)
	DidDisconnect(peripheralID string, err error)
	DidDiscover(peripheral PeripheralHardware, adv Advertisement, rssi int)
}

// ----------------------------
// Remote peripheral
// ----------------------------

// PeripheralHardware is the command surface of one remote peripheral.
//
// Delegate calls follow the CentralHardware delivery rules: asynchronous, never from
// inside a command. Answers to ReadValue, WriteValue with response and SetNotifyValue
// arrive per characteristic in issue order.
type PeripheralHardware interface {
	Identifier() string
	Name() string
	SetDelegate(d PeripheralDelegate)

	// DiscoverServices discovers the given services; nil means all.
	DiscoverServices(ids []string)
	DiscoverCharacteristics(ids []string, service string)
	// Services returns what has been discovered so far.
	Services() []Service

	ReadValue(key CharacteristicKey)
	WriteValue(data []byte, key CharacteristicKey, writeType WriteType)
	SetNotifyValue(enabled bool, key CharacteristicKey)
	ReadRSSI()
	MaximumWriteValueLength(writeType WriteType) int
}

// PeripheralDelegate receives remote peripheral events.
type PeripheralDelegate interface {
	DidDiscoverServices(err error)
	DidDiscoverCharacteristics(service string, err error)
	DidUpdateValue(key CharacteristicKey, data []byte, err error)
	DidWriteValue(key CharacteristicKey, err error)
	DidUpdateNotificationState(key CharacteristicKey, enabled bool, err error)
	DidReadRSSI(rssi int, err error)
}

// ----------------------------
// Peripheral role
// ----------------------------

// PeripheralManagerHardware is the command surface of the local radio in the peripheral role.
// Delegate calls follow the CentralHardware delivery rules.
type PeripheralManagerHardware interface {
	State() ManagerState
	SetDelegate(d PeripheralManagerDelegate)

	StartAdvertising(payload AdvertisingPayload)
	StopAdvertising()
	IsAdvertising() bool

	AddService(def ServiceDefinition)
	RemoveService(uuid string)
	RemoveAllServices()
}

// PeripheralManagerDelegate receives peripheral-role events.
type PeripheralManagerDelegate interface {
	DidUpdateState(state ManagerState)
	DidStartAdvertising(err error)
	DidAddService(service string, err error)
}
