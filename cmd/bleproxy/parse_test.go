//go:build test

package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/srg/bleproxy/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseData(t *testing.T) {
	// GOAL: Verify command-line data decoding for raw and hex input
	//
	// TEST SCENARIO: Hex with different separators and prefixes, raw text → decoded bytes

	tests := []struct {
		name     string
		input    string
		asHex    bool
		expected []byte
	}{
		{"simple hex", "0102", true, []byte{0x01, 0x02}},
		{"hex with spaces", "01 02 03", true, []byte{0x01, 0x02, 0x03}},
		{"hex with colons", "01:02:03", true, []byte{0x01, 0x02, 0x03}},
		{"hex with 0x prefix", "0x01 0X02", true, []byte{0x01, 0x02}},
		{"mixed separators", "0x01:02-03 04", true, []byte{0x01, 0x02, 0x03, 0x04}},
		{"raw text", "high", false, []byte("high")},
		{"raw keeps hex-looking text", "0102", false, []byte("0102")},
		{"utf8", "温度", false, []byte("温度")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseData(tt.input, tt.asHex)
			require.NoError(t, err, "MUST parse valid data")
			assert.Equal(t, tt.expected, got, "decoded bytes MUST match expected")
		})
	}

	got, err := parseData("ZZZZ", true)
	assert.ErrorContains(t, err, "invalid hex data")
	assert.Nil(t, got, "result MUST be nil on error")

	_, err = parseData("012", true)
	assert.Error(t, err, "odd-length hex MUST fail")
}

func TestParseCSVUUIDs(t *testing.T) {
	assert.Equal(t, []string{"2a37"}, parseCSVUUIDs("2a37"))
	assert.Equal(t, []string{"2a37", "2a38"}, parseCSVUUIDs(" 2a37, 2a38 "))
	assert.Equal(t, []string{"2a37", "2a38"}, parseCSVUUIDs("2a37,,2a38,"))
	assert.Nil(t, parseCSVUUIDs(""))
}

func TestParseCachePolicy(t *testing.T) {
	tests := []struct {
		input    string
		expected device.CachePolicy
	}{
		{"", device.CacheNever},
		{"never", device.CacheNever},
		{"always", device.CacheAlways},
		{"5s", device.CacheValidFor(5 * time.Second)},
		{"250ms", device.CacheValidFor(250 * time.Millisecond)},
	}
	for _, tt := range tests {
		got, err := parseCachePolicy(tt.input)
		require.NoError(t, err, "%q MUST parse", tt.input)
		assert.Equal(t, tt.expected, got, "%q", tt.input)
	}

	for _, bad := range []string{"sometimes", "-1s", "0s"} {
		_, err := parseCachePolicy(bad)
		assert.Error(t, err, "%q MUST be rejected", bad)
	}
}

func TestChunks(t *testing.T) {
	data := []byte("hello")

	assert.Equal(t, [][]byte{[]byte("he"), []byte("ll"), []byte("o")}, chunks(data, 2))
	assert.Equal(t, [][]byte{data}, chunks(data, 5), "data fitting one chunk MUST be one write")
	assert.Equal(t, [][]byte{data}, chunks(data, 512))
	assert.Equal(t, [][]byte{{}}, chunks([]byte{}, 20), "empty data MUST still be one write")
	assert.Equal(t, data, bytes.Join(chunks(data, 3), nil), "chunks MUST reassemble to the input")
}

func TestParseHosted(t *testing.T) {
	// GOAL: Verify --host entries are grouped into service definitions in first-seen order
	//
	// TEST SCENARIO: Two characteristics of 180f and one of 180d → two services, values decoded

	defs, err := parseHosted([]string{
		"180F/2A19:read,notify=64",
		"180d/2a37:notify",
		"180f/2a1a:write,write-without-response",
	})
	require.NoError(t, err)

	assert.Equal(t, []device.ServiceDefinition{
		{UUID: "180f", Characteristics: []device.CharacteristicDefinition{
			{UUID: "2a19", Properties: device.PropRead | device.PropNotify, Value: []byte{0x64}},
			{UUID: "2a1a", Properties: device.PropWrite | device.PropWriteNR},
		}},
		{UUID: "180d", Characteristics: []device.CharacteristicDefinition{
			{UUID: "2a37", Properties: device.PropNotify},
		}},
	}, defs)

	defs, err = parseHosted(nil)
	assert.NoError(t, err)
	assert.Empty(t, defs)

	for _, tt := range []struct{ entry, msg string }{
		{"180f/2a19", "missing properties"},
		{"180f:read", "want <service>/<characteristic>"},
		{"180f/zz:read", "invalid --host"},
		{"180f/2a19:bogus", "no known properties"},
		{"180f/2a19:read=zz", "invalid hex data"},
	} {
		_, err := parseHosted([]string{tt.entry})
		assert.ErrorContains(t, err, tt.msg, tt.entry)
	}
}

func TestFormatHex(t *testing.T) {
	assert.Equal(t, "(empty)", formatHex(nil))
	assert.Equal(t, "57", formatHex([]byte{0x57}))
	assert.Equal(t, "00 ff 0a", formatHex([]byte{0x00, 0xff, 0x0a}))
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.3", formatVersion("1.2.3"))
	assert.Equal(t, "dev", formatVersion("dev"))
	assert.Equal(t, "", formatVersion(""))
}

func TestPrinter(t *testing.T) {
	key := device.Key("180F", "2A19")
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("hex", func(t *testing.T) {
		var buf bytes.Buffer
		p := newPrinter(&buf, "hex")
		p.status("Connecting to %s", "x")
		require.NoError(t, p.value(key, []byte{0x01, 0x02}, at))
		assert.Equal(t, "Connecting to x\n180f/2a19: 01 02\n", buf.String(), "a buffer MUST get uncoloured output")
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		p := newPrinter(&buf, "json")
		p.status("hidden")
		p.warning("hidden")
		p.success("hidden")
		require.NoError(t, p.value(key, []byte{0x01, 0x02}, at))
		assert.JSONEq(t, `{"characteristic":"180f/2a19","value":"0102","timestamp":"2026-01-02T03:04:05Z"}`, buf.String())
	})
}
