package device

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies every failure a proxy operation can resolve with.
type ErrorKind string

const (
	KindInvalidHardwareState   ErrorKind = "invalid_hardware_state"
	KindInvalidPeripheralState ErrorKind = "invalid_peripheral_state"
	KindTimeout                ErrorKind = "timeout"
	KindNotFound               ErrorKind = "not_found"
	KindNotSupported           ErrorKind = "operation_not_supported"
	KindNotConnected           ErrorKind = "not_connected"
	KindCancelled              ErrorKind = "cancelled"
	KindDestroyed              ErrorKind = "destroyed"
	KindDataMissing            ErrorKind = "data_missing"
)

// Operation names the facade operation an error belongs to.
type Operation string

const (
	OpConnect                 Operation = "connect"
	OpDisconnect              Operation = "disconnect"
	OpDiscoverServices        Operation = "discover_services"
	OpDiscoverCharacteristics Operation = "discover_characteristics"
	OpRead                    Operation = "read"
	OpWrite                   Operation = "write"
	OpNotify                  Operation = "set_notify"
	OpRSSI                    Operation = "read_rssi"
	OpReady                   Operation = "wait_until_ready"
	OpScan                    Operation = "scan"
	OpAdvertising             Operation = "advertising"
	OpAddService              Operation = "add_service"
)

// Resource names used by not-found errors.
const (
	ResourcePeripheral     = "peripheral"
	ResourceService        = "service"
	ResourceCharacteristic = "characteristic"
)

// ProxyError is the single error type produced by the proxies.
// errors.Is matches on Kind and, when the target sets them, on Op and Resource,
// so both ErrTimeout and ErrConnectionTimeout match a connect timeout.
type ProxyError struct {
	Kind     ErrorKind
	Op       Operation
	Resource string
	Key      string
	State    ManagerState
	Err      error
}

func (e *ProxyError) Error() string {
	if e == nil {
		return "<nil>"
	}

	var b strings.Builder
	if e.Op != "" {
		b.WriteString(string(e.Op))
		b.WriteString(": ")
	}

	switch e.Kind {
	case KindNotFound:
		res := e.Resource
		if res == "" {
			res = "resource"
		}
		if e.Key != "" {
			fmt.Fprintf(&b, "%s %q not found", res, e.Key)
		} else {
			fmt.Fprintf(&b, "%s not found", res)
		}
	case KindInvalidHardwareState:
		fmt.Fprintf(&b, "invalid hardware state: %s", e.State)
	case KindNotSupported:
		b.WriteString("operation not supported")
		if e.Key != "" {
			fmt.Fprintf(&b, " by %s", e.Key)
		}
	case KindDataMissing:
		b.WriteString("data missing")
		if e.Key != "" {
			fmt.Fprintf(&b, " for %s", e.Key)
		}
	default:
		b.WriteString(strings.ReplaceAll(string(e.Kind), "_", " "))
		if e.Key != "" {
			fmt.Fprintf(&b, " (%s)", e.Key)
		}
	}

	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProxyError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare ProxyError values by kind, operation and resource
func (e *ProxyError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ProxyError)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	if t.Op != "" && t.Op != e.Op {
		return false
	}
	if t.Resource != "" && t.Resource != e.Resource {
		return false
	}
	return true
}

// Kind-level sentinels
var (
	ErrInvalidHardwareState   = &ProxyError{Kind: KindInvalidHardwareState}
	ErrInvalidPeripheralState = &ProxyError{Kind: KindInvalidPeripheralState}
	ErrTimeout                = &ProxyError{Kind: KindTimeout}
	ErrNotFound               = &ProxyError{Kind: KindNotFound}
	ErrNotSupported           = &ProxyError{Kind: KindNotSupported}
	ErrNotConnected           = &ProxyError{Kind: KindNotConnected}
	ErrCancelled              = &ProxyError{Kind: KindCancelled}
	ErrDestroyed              = &ProxyError{Kind: KindDestroyed}
	ErrDataMissing            = &ProxyError{Kind: KindDataMissing}
)

// Operation-level sentinels
var (
	ErrConnectionTimeout       = &ProxyError{Kind: KindTimeout, Op: OpConnect}
	ErrConnectionCanceled      = &ProxyError{Kind: KindCancelled, Op: OpConnect}
	ErrDisconnectionTimeout    = &ProxyError{Kind: KindTimeout, Op: OpDisconnect}
	ErrServiceDiscoveryTimeout = &ProxyError{Kind: KindTimeout, Op: OpDiscoverServices}
	ErrCharDiscoveryTimeout    = &ProxyError{Kind: KindTimeout, Op: OpDiscoverCharacteristics}
	ErrReadTimeout             = &ProxyError{Kind: KindTimeout, Op: OpRead}
	ErrWriteTimeout            = &ProxyError{Kind: KindTimeout, Op: OpWrite}
	ErrNotifyTimeout           = &ProxyError{Kind: KindTimeout, Op: OpNotify}
	ErrRSSITimeout             = &ProxyError{Kind: KindTimeout, Op: OpRSSI}
	ErrReadyTimeout            = &ProxyError{Kind: KindTimeout, Op: OpReady}
	ErrAdvertisingTimeout      = &ProxyError{Kind: KindTimeout, Op: OpAdvertising}
	ErrAddServiceTimeout       = &ProxyError{Kind: KindTimeout, Op: OpAddService}

	ErrPeripheralNotFound     = &ProxyError{Kind: KindNotFound, Resource: ResourcePeripheral}
	ErrServiceNotFound        = &ProxyError{Kind: KindNotFound, Resource: ResourceService}
	ErrCharacteristicNotFound = &ProxyError{Kind: KindNotFound, Resource: ResourceCharacteristic}
)

func Timeout(op Operation, key string) error {
	return &ProxyError{Kind: KindTimeout, Op: op, Key: key}
}

func InvalidHardwareState(op Operation, state ManagerState) error {
	return &ProxyError{Kind: KindInvalidHardwareState, Op: op, State: state}
}

func InvalidPeripheralState(op Operation, key string, state PeripheralState) error {
	return &ProxyError{Kind: KindInvalidPeripheralState, Op: op, Key: key, Err: fmt.Errorf("peripheral is %s", state)}
}

func NotFound(op Operation, resource, key string) error {
	return &ProxyError{Kind: KindNotFound, Op: op, Resource: resource, Key: key}
}

func NotSupported(op Operation, key string) error {
	return &ProxyError{Kind: KindNotSupported, Op: op, Key: key}
}

func NotConnected(op Operation, key string) error {
	return &ProxyError{Kind: KindNotConnected, Op: op, Key: key}
}

// Cancelled reports a caller-side cancellation; cause is usually ctx.Err().
func Cancelled(op Operation, cause error) error {
	return &ProxyError{Kind: KindCancelled, Op: op, Err: cause}
}

func Destroyed(op Operation) error {
	return &ProxyError{Kind: KindDestroyed, Op: op}
}

func DataMissing(key string) error {
	return &ProxyError{Kind: KindDataMissing, Op: OpRead, Key: key}
}

// HardwareError passes a hardware-reported failure through with operation context.
func HardwareError(op Operation, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsKind reports whether err is a ProxyError of the given kind
func IsKind(err error, kind ErrorKind) bool {
	var perr *ProxyError
	if errors.As(err, &perr) {
		return perr.Kind == kind
	}
	return false
}
