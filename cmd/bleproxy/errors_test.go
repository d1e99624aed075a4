//go:build test

package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/srg/bleproxy/internal/device"
	"github.com/stretchr/testify/assert"
)

func TestFormatUserError(t *testing.T) {
	// GOAL: Verify terminal rendering of proxy, adapter and plain errors
	//
	// TEST SCENARIO: Each error class → message with the matching hint or issue

	tests := []struct {
		name     string
		err      error
		contains []string
		absent   string
	}{
		{
			name:     "connect timeout",
			err:      device.Timeout(device.OpConnect, "aa:bb"),
			contains: []string{"hint: the peripheral may be out of range"},
		},
		{
			name:     "read timeout",
			err:      device.Timeout(device.OpRead, "180f/2a19"),
			contains: []string{"hint: increase --timeout"},
		},
		{
			name:     "unknown peripheral",
			err:      device.NotFound(device.OpConnect, device.ResourcePeripheral, "aa:bb"),
			contains: []string{"bleproxy scan"},
		},
		{
			name:     "unknown characteristic",
			err:      device.NotFound(device.OpDiscoverCharacteristics, device.ResourceCharacteristic, "2a19"),
			contains: []string{"--service"},
		},
		{
			name:     "powered off",
			err:      device.InvalidHardwareState(device.OpReady, device.StatePoweredOff),
			contains: []string{"Bluetooth is powered on"},
		},
		{
			name:     "wrapped proxy error",
			err:      fmt.Errorf("%w: %w", ErrConnectionLost, device.NotConnected(device.OpRead, "180f/2a19")),
			contains: []string{"connection lost", "hint: the peripheral disconnected"},
		},
		{
			name:     "adapter error",
			err:      fault.Wrap(errors.New("att: read not permitted"), fmsg.WithDesc("read", "Cannot read 180f/2a19")),
			contains: []string{"Cannot read 180f/2a19", "read not permitted"},
		},
		{
			name:     "plain error",
			err:      ErrAmbiguousCharacteristic,
			contains: []string{"specify --service"},
			absent:   "hint",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := FormatUserError(tt.err)
			for _, c := range tt.contains {
				assert.Contains(t, msg, c)
			}
			if tt.absent != "" {
				assert.NotContains(t, msg, tt.absent)
			}
		})
	}
}
