package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/hardware/goble"
	"github.com/srg/bleproxy/internal/proxy"
	"github.com/srg/bleproxy/pkg/config"
)

// openBackend creates the radio backend (can be overridden in tests).
var openBackend = goble.Open

// session is one command's view of the radio: the configuration, the backend and the
// proxies built on it.
type session struct {
	cfg     *config.Config
	logger  *logrus.Logger
	out     *printer
	backend *goble.Backend
	central *proxy.Central
	manager *proxy.PeripheralManager
}

func newSession(cmd *cobra.Command) (*session, error) {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	// arguments are valid; runtime errors should not print usage
	cmd.SilenceUsage = true

	backend, err := openBackend(cfg.BackendOptions(logger))
	if err != nil {
		return nil, err
	}
	return &session{
		cfg:     cfg,
		logger:  logger,
		out:     newPrinter(cmd.OutOrStdout(), cfg.OutputFormat),
		backend: backend,
	}, nil
}

// commandContext is cancelled by Ctrl+C.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

// openCentral builds the central proxy and waits for the radio.
func (s *session) openCentral(ctx context.Context) (*proxy.Central, error) {
	s.central = proxy.NewCentral(s.backend.Central(), s.cfg.ProxyOptions(s.logger))
	if err := s.central.WaitUntilReady(ctx, s.cfg.Timeouts.Ready); err != nil {
		return nil, err
	}
	return s.central, nil
}

// openManager builds the peripheral-manager proxy and waits for the radio.
func (s *session) openManager(ctx context.Context) (*proxy.PeripheralManager, error) {
	s.manager = proxy.NewPeripheralManager(s.backend.PeripheralManager(), s.cfg.ProxyOptions(s.logger))
	if err := s.manager.WaitUntilReady(ctx, s.cfg.Timeouts.Ready); err != nil {
		return nil, err
	}
	return s.manager, nil
}

// connect opens the central and connects to address. A zero timeout uses the configured one.
func (s *session) connect(ctx context.Context, address string, timeout time.Duration) (*proxy.Peripheral, error) {
	central, err := s.openCentral(ctx)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = s.cfg.Timeouts.Connect
	}

	id := strings.ToLower(strings.TrimSpace(address))
	p, err := central.RetrievePeripheral(id)
	if err != nil {
		return nil, err
	}
	s.out.status("Connecting to %s", id)
	if err := central.Connect(ctx, id, device.ConnectOptions{}, timeout); err != nil {
		return nil, err
	}
	s.logger.WithField("peripheral", id).Info("Connected")
	return p, nil
}

// Close disconnects, closes the proxies and releases the radio.
func (s *session) Close() error {
	var errs []error
	if s.central != nil {
		for _, p := range s.central.Peripherals() {
			if p.State() == device.Disconnected {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeouts.Connect)
			if err := s.central.Disconnect(ctx, p.ID(), s.cfg.Timeouts.Connect); err != nil {
				s.logger.WithError(err).WithField("peripheral", p.ID()).Warn("Disconnect failed")
			}
			cancel()
		}
		errs = append(errs, s.central.Close())
	}
	if s.manager != nil {
		s.manager.StopAdvertising()
		errs = append(errs, s.manager.Close())
	}
	errs = append(errs, s.backend.Close())
	return errors.Join(errs...)
}
