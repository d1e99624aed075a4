package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/proxy"
)

// notifyCmd represents the notify command
var notifyCmd = &cobra.Command{
	Use:   "notify <address> <uuid>[,<uuid>...]",
	Short: "Print notifications of characteristics",
	Long: fmt.Sprintf(`Enables notifications (or indications) and prints every value until interrupted,
the duration elapses or the peripheral disconnects.

Examples:
  # Heart Rate Measurement until Ctrl+C
  bleproxy notify %s 2a37

  # Two characteristics for one minute as JSON lines
  bleproxy notify %s 2a37,2a19 --duration 1m --output json

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(2),
	RunE: runNotify,
}

var (
	notifyServiceUUID string
	notifyDuration    time.Duration
	notifyTimeout     time.Duration
)

func init() {
	notifyCmd.Flags().StringVar(&notifyServiceUUID, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	notifyCmd.Flags().DurationVarP(&notifyDuration, "duration", "d", 0, "Stop after this long; 0 runs until interrupted")
	notifyCmd.Flags().DurationVar(&notifyTimeout, "timeout", 0, "Timeout of the subscribe request; default from configuration")
}

func runNotify(cmd *cobra.Command, args []string) error {
	address := args[0]
	uuids := parseCSVUUIDs(args[1])
	if _, err := device.ValidateUUID(uuids...); err != nil {
		return err
	}

	sess, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()

	ctx, cancel := commandContext(cmd)
	defer cancel()
	if notifyDuration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, notifyDuration)
		defer stop()
	}

	p, err := sess.connect(ctx, address, 0)
	if err != nil {
		return err
	}
	timeout := notifyTimeout
	if timeout <= 0 {
		timeout = sess.cfg.Timeouts.Notify
	}

	values := make(chan notification, sess.cfg.NotificationBufferSize)
	var streams []*proxy.NotificationStream
	defer func() {
		for _, s := range streams {
			s.Close()
		}
	}()

	for _, u := range uuids {
		ch, err := resolveCharacteristic(ctx, p, notifyServiceUUID, u, sess.cfg.Timeouts.Discover)
		if err != nil {
			return err
		}
		if !ch.Properties.Any(device.PropNotify | device.PropIndicate) {
			return device.NotSupported(device.OpNotify, ch.Key().String())
		}
		// open the stream first so no value is missed
		stream := p.Notifications(ch.Key())
		streams = append(streams, stream)
		if _, err := p.SetNotify(ctx, true, ch.Key(), timeout); err != nil {
			return err
		}
		go forward(ctx, stream, values)
	}

	sess.out.status("Listening, press Ctrl+C to stop")
	return printNotifications(ctx, sess.out, values, len(streams))
}

type notification struct {
	key  device.CharacteristicKey
	data []byte
	at   time.Time
	end  bool
}

// forward copies one stream into the shared channel and marks its end.
func forward(ctx context.Context, s *proxy.NotificationStream, out chan<- notification) {
	send := func(n notification) bool {
		select {
		case out <- n:
			return true
		case <-ctx.Done():
			return false
		}
	}
	for data := range s.C() {
		if !send(notification{key: s.Key(), data: data, at: time.Now()}) {
			return
		}
	}
	send(notification{key: s.Key(), end: true})
}

// printNotifications prints values until ctx ends or every stream closed. Streams close
// when the peripheral disconnects.
func printNotifications(ctx context.Context, out *printer, values <-chan notification, open int) error {
	for open > 0 {
		select {
		case <-ctx.Done():
			return nil
		case n := <-values:
			if n.end {
				open--
				continue
			}
			if err := out.value(n.key, n.data, n.at); err != nil {
				return err
			}
		}
	}
	return ErrConnectionLost
}
