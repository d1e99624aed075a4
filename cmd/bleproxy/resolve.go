package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/proxy"
)

// resolveCharacteristic finds charUUID on p.
//
// Resolution cases:
//  1. serviceUUID given: discover that service and the characteristic inside it
//  2. auto-resolve: discover every service and its characteristics and require exactly one match
func resolveCharacteristic(ctx context.Context, p *proxy.Peripheral, serviceUUID, charUUID string, timeout time.Duration) (device.Characteristic, error) {
	if serviceUUID != "" {
		if _, err := p.DiscoverService(ctx, serviceUUID, timeout); err != nil {
			return device.Characteristic{}, err
		}
		return p.DiscoverCharacteristic(ctx, serviceUUID, charUUID, timeout)
	}

	svcs, err := p.DiscoverServices(ctx, nil, timeout)
	if err != nil {
		return device.Characteristic{}, err
	}
	target := device.NormalizeUUID(charUUID)
	var found []device.Characteristic
	for _, svc := range svcs {
		chars, err := p.DiscoverCharacteristics(ctx, svc.UUID, nil, timeout)
		if err != nil {
			return device.Characteristic{}, err
		}
		for _, c := range chars {
			if c.UUID == target {
				found = append(found, c)
			}
		}
	}

	switch len(found) {
	case 0:
		return device.Characteristic{}, device.NotFound(device.OpDiscoverCharacteristics, device.ResourceCharacteristic, target)
	case 1:
		return found[0], nil
	default:
		return device.Characteristic{}, fmt.Errorf("%s: %w", target, ErrAmbiguousCharacteristic)
	}
}

// parseCSVUUIDs parses a comma-separated string of UUIDs into a slice.
// Handles whitespace and filters empty elements.
//
// Examples:
//
//	"2a37" -> []string{"2a37"}
//	"2a37, 2a38" -> []string{"2a37", "2a38"}
func parseCSVUUIDs(input string) []string {
	var result []string
	for _, u := range strings.Split(input, ",") {
		u = strings.TrimSpace(u)
		if u != "" {
			result = append(result, u)
		}
	}
	return result
}

// parseData decodes command-line data: hex when asHex is set (spaces, colons, dashes and
// 0x prefixes are ignored), raw bytes of the string otherwise.
func parseData(input string, asHex bool) ([]byte, error) {
	if !asHex {
		return []byte(input), nil
	}
	cleaned := strings.NewReplacer(" ", "", ":", "", "-", "", "0x", "", "0X", "").Replace(input)
	data, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %w", err)
	}
	return data, nil
}
