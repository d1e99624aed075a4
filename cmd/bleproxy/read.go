package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/proxy"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read <address> <uuid>[,<uuid>...]",
	Short: "Read characteristic values",
	Long: fmt.Sprintf(`Reads one or more characteristic values.

Examples:
  # Read Battery Level
  bleproxy read %s 2a19

  # Read several characteristics of one service
  bleproxy read %s 2a37,2a38 --service 180d

  # Serve a value read in the last 10 seconds from the cache
  bleproxy read %s 2a19 --cache 10s

  # Read every second until Ctrl+C
  bleproxy read %s 2a19 --watch 1s

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(2),
	RunE: runRead,
}

var (
	readServiceUUID string
	readTimeout     time.Duration
	readCache       string
	readWatch       time.Duration
)

func init() {
	readCmd.Flags().StringVar(&readServiceUUID, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	readCmd.Flags().DurationVar(&readTimeout, "timeout", 0, "Per-request timeout; default from configuration")
	readCmd.Flags().StringVar(&readCache, "cache", "never", "Cache policy: never, always, or a maximum age such as 5s")
	readCmd.Flags().DurationVar(&readWatch, "watch", 0, "Read repeatedly at this interval until interrupted")
}

// parseCachePolicy maps the --cache flag to a cache policy.
func parseCachePolicy(s string) (device.CachePolicy, error) {
	switch s {
	case "", "never":
		return device.CacheNever, nil
	case "always":
		return device.CacheAlways, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return device.CachePolicy{}, fmt.Errorf("invalid cache policy %q: must be never, always, or a positive duration", s)
	}
	return device.CacheValidFor(d), nil
}

func runRead(cmd *cobra.Command, args []string) error {
	address := args[0]
	uuids := parseCSVUUIDs(args[1])
	if _, err := device.ValidateUUID(uuids...); err != nil {
		return err
	}
	if readWatch > 0 && len(uuids) > 1 {
		return fmt.Errorf("watch mode requires a single characteristic, got %d", len(uuids))
	}
	policy, err := parseCachePolicy(readCache)
	if err != nil {
		return err
	}

	sess, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()

	ctx, cancel := commandContext(cmd)
	defer cancel()

	p, err := sess.connect(ctx, address, 0)
	if err != nil {
		return err
	}
	timeout := readTimeout
	if timeout <= 0 {
		timeout = sess.cfg.Timeouts.Read
	}

	keys := make([]device.CharacteristicKey, 0, len(uuids))
	for _, u := range uuids {
		ch, err := resolveCharacteristic(ctx, p, readServiceUUID, u, sess.cfg.Timeouts.Discover)
		if err != nil {
			return err
		}
		keys = append(keys, ch.Key())
	}

	if readWatch > 0 {
		return watchRead(ctx, sess, p, keys[0], policy, timeout)
	}
	for _, key := range keys {
		data, err := p.Read(ctx, key, policy, timeout)
		if err != nil {
			return err
		}
		if err := sess.out.value(key, data, time.Now()); err != nil {
			return err
		}
	}
	return nil
}

func watchRead(ctx context.Context, sess *session, p *proxy.Peripheral, key device.CharacteristicKey, policy device.CachePolicy, timeout time.Duration) error {
	ticker := time.NewTicker(readWatch)
	defer ticker.Stop()

	for {
		data, err := p.Read(ctx, key, policy, timeout)
		switch {
		case ctx.Err() != nil:
			return nil
		case device.IsKind(err, device.KindNotConnected):
			return fmt.Errorf("%w: %w", ErrConnectionLost, err)
		case err != nil:
			return err
		}
		if err := sess.out.value(key, data, time.Now()); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
