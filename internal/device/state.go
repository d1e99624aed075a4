package device

// ManagerState is the power and authorization state reported by a local radio
// (central or peripheral manager role).
type ManagerState int

const (
	StateUnknown ManagerState = iota
	StateResetting
	StateUnsupported
	StateUnauthorized
	StatePoweredOff
	StatePoweredOn
)

func (s ManagerState) String() string {
	switch s {
	case StateResetting:
		return "resetting"
	case StateUnsupported:
		return "unsupported"
	case StateUnauthorized:
		return "unauthorized"
	case StatePoweredOff:
		return "poweredOff"
	case StatePoweredOn:
		return "poweredOn"
	default:
		return "unknown"
	}
}

// Ready reports whether hardware commands may be issued.
func (s ManagerState) Ready() bool {
	return s == StatePoweredOn
}

// Unrecoverable reports whether the state can never become ready without user action
// outside the process.
func (s ManagerState) Unrecoverable() bool {
	return s == StateUnsupported || s == StateUnauthorized
}

// PeripheralState is the connection state of a remote peripheral as tracked by the central proxy.
type PeripheralState int

const (
	Disconnected PeripheralState = iota
	Connecting
	Connected
	Disconnecting
)

func (s PeripheralState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// WriteType selects acknowledged or unacknowledged characteristic writes.
type WriteType int

const (
	WithResponse WriteType = iota
	WithoutResponse
)

func (w WriteType) String() string {
	if w == WithoutResponse {
		return "withoutResponse"
	}
	return "withResponse"
}
