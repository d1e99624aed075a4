package proxy

import (
	"io"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
)

// Options configures a proxy. Zero fields take the values of their default tags.
type Options struct {
	Logger *logrus.Logger

	// MonitorInterval is the polling period of the scanning and advertising liveness monitors.
	MonitorInterval time.Duration `default:"1s"`
	// ScanBufferSize bounds the scan stream; the oldest events are overwritten when full.
	ScanBufferSize uint32 `default:"256"`
	// NotificationBufferSize bounds each notification stream.
	NotificationBufferSize int `default:"64"`
	// EventBufferSize is the per-subscriber capacity of the observer event channels.
	EventBufferSize int `default:"16"`
}

func (o Options) withDefaults() Options {
	defaults.SetDefaults(&o)
	if o.Logger == nil {
		o.Logger = logrus.New()
		o.Logger.SetOutput(io.Discard)
	}
	return o
}
