package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/proxy"
	"golang.org/x/term"
)

// printer writes command results. Status lines are coloured only on a terminal.
type printer struct {
	w      io.Writer
	format string

	info *color.Color
	ok   *color.Color
	warn *color.Color
}

func newPrinter(w io.Writer, format string) *printer {
	p := &printer{
		w:      w,
		format: format,
		info:   color.New(color.FgCyan),
		ok:     color.New(color.FgGreen),
		warn:   color.New(color.FgYellow),
	}
	if !isTerminal(w) {
		for _, c := range []*color.Color{p.info, p.ok, p.warn} {
			c.DisableColor()
		}
	}
	return p
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// status prints a progress line. JSON output stays machine readable, so it is skipped there.
func (p *printer) status(format string, args ...any) {
	if p.format == "json" {
		return
	}
	p.info.Fprintf(p.w, format+"\n", args...)
}

func (p *printer) success(format string, args ...any) {
	if p.format == "json" {
		return
	}
	p.ok.Fprintf(p.w, format+"\n", args...)
}

func (p *printer) warning(format string, args ...any) {
	if p.format == "json" {
		return
	}
	p.warn.Fprintf(p.w, format+"\n", args...)
}

func (p *printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	return enc.Encode(v)
}

type valueRecord struct {
	Characteristic string    `json:"characteristic"`
	Value          string    `json:"value"`
	Timestamp      time.Time `json:"timestamp"`
}

// value prints one characteristic value as spaced hex, or as a JSON line.
func (p *printer) value(key device.CharacteristicKey, data []byte, at time.Time) error {
	if p.format == "json" {
		return p.json(valueRecord{Characteristic: key.String(), Value: hex.EncodeToString(data), Timestamp: at.UTC()})
	}
	_, err := fmt.Fprintf(p.w, "%s: %s\n", key, formatHex(data))
	return err
}

type scanRecord struct {
	Address     string               `json:"address"`
	RSSI        int                  `json:"rssi"`
	Advertising device.Advertisement `json:"advertisement"`
}

func (p *printer) scanEvent(ev proxy.ScanEvent) error {
	if p.format == "json" {
		return p.json(scanRecord{Address: ev.Peripheral.ID(), RSSI: ev.RSSI, Advertising: ev.Advertisement})
	}
	name := ev.Advertisement.LocalName
	if name == "" {
		name = "(unnamed)"
	}
	_, err := fmt.Fprintf(p.w, "%-20s %s %4d dBm %s\n",
		name, ev.Peripheral.ID(), ev.RSSI, strings.Join(ev.Advertisement.Services, ","))
	return err
}

func formatHex(data []byte) string {
	if len(data) == 0 {
		return "(empty)"
	}
	parts := make([]string, len(data))
	for i, b := range data {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, " ")
}
