package device

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/go-ble/ble"
)

// sigBaseSuffix is the Bluetooth SIG base UUID tail (0000xxxx-0000-1000-8000-00805f9b34fb)
// in lowercase, dash-free form.
const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to the canonical key form used by the registries:
// lowercase hex without dashes, "0x" prefix stripped, SIG-base 128-bit UUIDs shortened
// to their 16-bit form. Returns "" if the input is not a valid 16, 32 or 128-bit UUID.
func NormalizeUUID(uuid string) string {
	s := strings.TrimSpace(uuid)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.ToLower(strings.ReplaceAll(s, "-", ""))

	b, err := hex.DecodeString(s)
	if err != nil {
		return ""
	}
	switch len(b) {
	case 2, 4:
		return s
	case 16:
		if strings.HasPrefix(s, "0000") && strings.HasSuffix(s, sigBaseSuffix) {
			return s[4:8]
		}
		return s
	default:
		return ""
	}
}

// NormalizeUUIDs normalizes a slice of UUID strings, dropping invalid entries.
func NormalizeUUIDs(uuids []string) []string {
	if uuids == nil {
		return nil
	}
	result := make([]string, 0, len(uuids))
	for _, u := range uuids {
		if n := NormalizeUUID(u); n != "" {
			result = append(result, n)
		}
	}
	return result
}

// ValidateUUID validates that UUID strings are non-empty and well-formed.
// Returns normalized UUID strings or an error.
func ValidateUUID(uuids ...string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, fmt.Errorf("at least one UUID is required")
	}

	result := make([]string, 0, len(uuids))
	for i, uuid := range uuids {
		if uuid == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}
		normalized := NormalizeUUID(uuid)
		if normalized == "" {
			return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, uuid)
		}
		result = append(result, normalized)
	}
	return result, nil
}

// ToBLE converts a UUID to go-ble's representation. go-ble only carries 16 and
// 128-bit UUIDs.
func ToBLE(uuid string) (ble.UUID, error) {
	n := NormalizeUUID(uuid)
	if n == "" {
		return nil, fmt.Errorf("invalid UUID: %q", uuid)
	}
	return ble.Parse(n)
}
