package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleproxy/internal/hardware/goble"
	"github.com/srg/bleproxy/internal/proxy"
	"gopkg.in/yaml.v3"
)

// Timeouts are the default per-operation timeouts of the CLI.
type Timeouts struct {
	Ready     time.Duration `yaml:"ready" default:"5s"`
	Scan      time.Duration `yaml:"scan" default:"10s"`
	Connect   time.Duration `yaml:"connect" default:"15s"`
	Discover  time.Duration `yaml:"discover" default:"10s"`
	Read      time.Duration `yaml:"read" default:"5s"`
	Write     time.Duration `yaml:"write" default:"5s"`
	Notify    time.Duration `yaml:"notify" default:"5s"`
	RSSI      time.Duration `yaml:"rssi" default:"3s"`
	Advertise time.Duration `yaml:"advertise" default:"5s"`
}

// Config holds application configuration
type Config struct {
	LogLevel     string   `yaml:"log_level" default:"info"`
	LogFormat    string   `yaml:"log_format" default:"text"`
	OutputFormat string   `yaml:"output_format" default:"hex"`
	Timeouts     Timeouts `yaml:"timeouts"`

	MonitorInterval        time.Duration `yaml:"monitor_interval" default:"1s"`
	ScanBufferSize         uint32        `yaml:"scan_buffer_size" default:"256"`
	NotificationBufferSize int           `yaml:"notification_buffer_size" default:"64"`
	EventBufferSize        int           `yaml:"event_buffer_size" default:"16"`
	AdvertiseSettle        time.Duration `yaml:"advertise_settle" default:"250ms"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the enumerated fields.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q (must be text or json)", c.LogFormat)
	}
	switch c.OutputFormat {
	case "hex", "json":
	default:
		return fmt.Errorf("unknown output format %q (must be hex or json)", c.OutputFormat)
	}
	return nil
}

// NewLogger creates a configured logger instance. An unparsable level falls back to info.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if c.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	}
	return logger
}

// ProxyOptions returns the proxy settings of c.
func (c *Config) ProxyOptions(logger *logrus.Logger) proxy.Options {
	return proxy.Options{
		Logger:                 logger,
		MonitorInterval:        c.MonitorInterval,
		ScanBufferSize:         c.ScanBufferSize,
		NotificationBufferSize: c.NotificationBufferSize,
		EventBufferSize:        c.EventBufferSize,
	}
}

// BackendOptions returns the go-ble adapter settings of c.
func (c *Config) BackendOptions(logger *logrus.Logger) goble.Options {
	return goble.Options{
		Logger:          logger,
		AdvertiseSettle: c.AdvertiseSettle,
	}
}
