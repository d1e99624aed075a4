package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// rssiCmd represents the rssi command
var rssiCmd = &cobra.Command{
	Use:   "rssi <address>",
	Short: "Read the signal strength of a peripheral",
	Long: fmt.Sprintf(`Connects and reads the RSSI of the link.

Examples:
  bleproxy rssi %s

  # Five readings as JSON
  bleproxy rssi %s --count 5 --output json

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(1),
	RunE: runRSSI,
}

var (
	rssiTimeout  time.Duration
	rssiCount    int
	rssiInterval time.Duration
)

func init() {
	rssiCmd.Flags().DurationVar(&rssiTimeout, "timeout", 0, "Per-request timeout; default from configuration")
	rssiCmd.Flags().IntVarP(&rssiCount, "count", "n", 1, "Number of readings")
	rssiCmd.Flags().DurationVar(&rssiInterval, "interval", time.Second, "Pause between readings")
}

type rssiRecord struct {
	Address   string    `json:"address"`
	RSSI      int       `json:"rssi"`
	Timestamp time.Time `json:"timestamp"`
}

func runRSSI(cmd *cobra.Command, args []string) error {
	if rssiCount < 1 {
		return fmt.Errorf("invalid count %d", rssiCount)
	}

	sess, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()

	ctx, cancel := commandContext(cmd)
	defer cancel()

	p, err := sess.connect(ctx, args[0], 0)
	if err != nil {
		return err
	}
	timeout := rssiTimeout
	if timeout <= 0 {
		timeout = sess.cfg.Timeouts.RSSI
	}

	for i := 0; i < rssiCount; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(rssiInterval):
			}
		}
		rssi, err := p.ReadRSSI(ctx, timeout)
		if err != nil {
			return err
		}
		if sess.out.format == "json" {
			if err := sess.out.json(rssiRecord{Address: p.ID(), RSSI: rssi, Timestamp: time.Now().UTC()}); err != nil {
				return err
			}
			continue
		}
		fmt.Fprintf(sess.out.w, "%s: %d dBm\n", p.ID(), rssi)
	}
	return nil
}
