package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/proxy"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE peripherals",
	Long: `Scan for Bluetooth Low Energy peripherals and print each advertisement as it arrives.

Examples:
  # Scan for the configured duration
  bleproxy scan

  # Scan for heart rate monitors for 30 seconds, one line of JSON per advertisement
  bleproxy scan --services 180d --duration 30s --output json

  # Scan until Ctrl+C
  bleproxy scan --duration 0`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration   time.Duration
	scanServices   []string
	scanDuplicates bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", -1, "Scan duration (0 scans until interrupted); default from configuration")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Only report peripherals advertising these service UUIDs")
	scanCmd.Flags().BoolVar(&scanDuplicates, "duplicates", false, "Report every advertisement instead of the first per peripheral")
}

func runScan(cmd *cobra.Command, _ []string) error {
	var services []string
	if len(scanServices) > 0 {
		var err error
		if services, err = device.ValidateUUID(scanServices...); err != nil {
			return fmt.Errorf("invalid service UUID: %w", err)
		}
	}

	sess, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()

	ctx, cancel := commandContext(cmd)
	defer cancel()

	central, err := sess.openCentral(ctx)
	if err != nil {
		return err
	}

	duration := scanDuration
	if duration < 0 {
		duration = sess.cfg.Timeouts.Scan
	}
	stream, err := central.Scan(ctx, proxy.ScanOptions{
		Services:        services,
		AllowDuplicates: scanDuplicates,
		Timeout:         duration,
	})
	if err != nil {
		return err
	}
	defer stream.Stop()

	sess.out.status("Scanning...")
	return consumeScan(ctx, stream, sess.out)
}

// consumeScan prints events until the stream ends. Interruption is a normal end.
func consumeScan(ctx context.Context, stream *proxy.ScanStream, out *printer) error {
	seen := 0
	for {
		ev, err := stream.Next(ctx)
		switch {
		case err == nil:
			seen++
			if err := out.scanEvent(ev); err != nil {
				return err
			}
			continue
		case errors.Is(err, io.EOF), errors.Is(err, context.Canceled):
		default:
			return err
		}

		if dropped := stream.Dropped(); dropped > 0 {
			out.warning("%d advertisements dropped, consumer too slow", dropped)
		}
		if seen == 0 {
			out.status("No peripherals discovered")
		}
		return nil
	}
}
