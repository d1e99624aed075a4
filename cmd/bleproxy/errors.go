package main

import (
	"errors"
	"fmt"

	"github.com/Southclaws/fault/fmsg"
	"github.com/srg/bleproxy/internal/device"
)

// Command-level errors
var (
	// ErrConnectionLost is returned by long-running commands when the peripheral drops
	// the link while they are still working with it.
	ErrConnectionLost = errors.New("connection lost")
	// ErrAmbiguousCharacteristic is returned when a characteristic UUID exists in more
	// than one service and no --service was given.
	ErrAmbiguousCharacteristic = errors.New("characteristic found in multiple services, specify --service")
)

// FormatUserError renders err for the terminal. Proxy errors get a hint, adapter errors
// show their user-facing message with the cause.
func FormatUserError(err error) string {
	var perr *device.ProxyError
	if errors.As(err, &perr) {
		if hint := hintFor(perr); hint != "" {
			return fmt.Sprintf("%s\n  hint: %s", err, hint)
		}
		return err.Error()
	}
	if issue := fmsg.GetIssue(err); issue != "" {
		return fmt.Sprintf("%s (%s)", issue, err)
	}
	return err.Error()
}

func hintFor(perr *device.ProxyError) string {
	switch perr.Kind {
	case device.KindInvalidHardwareState:
		return "make sure Bluetooth is powered on and the process may use it"
	case device.KindTimeout:
		switch perr.Op {
		case device.OpConnect:
			return "the peripheral may be out of range or no longer advertising; increase --timeout"
		case device.OpReady:
			return "the Bluetooth adapter did not become available"
		}
		return "increase --timeout or the timeouts section of the configuration"
	case device.KindNotFound:
		if perr.Resource == device.ResourcePeripheral {
			return "use 'bleproxy scan' to find the peripheral address"
		}
		return "check the UUID; use --service when the characteristic is ambiguous"
	case device.KindNotSupported:
		return "the characteristic does not declare the needed property"
	case device.KindNotConnected:
		return "the peripheral disconnected"
	}
	return ""
}
