package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/proxy"
)

// advertiseCmd represents the advertise command
var advertiseCmd = &cobra.Command{
	Use:   "advertise",
	Short: "Advertise and host GATT services",
	Long: `Acts as a peripheral: hosts the given characteristics and advertises until interrupted.

Characteristics are given as <service>/<characteristic>:<properties>[=<hex value>].

Examples:
  # Advertise a battery service reporting 100%
  bleproxy advertise --name bleproxy --host 180f/2a19:read,notify=64

  # Advertise a writable characteristic for one minute
  bleproxy advertise --name sink --host 6e400001-b5a3-f393-e0a9-e50e24dcca9e/6e400002-b5a3-f393-e0a9-e50e24dcca9e:write,write-without-response --duration 1m`,
	Args: cobra.NoArgs,
	RunE: runAdvertise,
}

var (
	advertiseName     string
	advertiseServices []string
	advertiseHost     []string
	advertiseDuration time.Duration
	advertiseTimeout  time.Duration
)

func init() {
	advertiseCmd.Flags().StringVar(&advertiseName, "name", "bleproxy", "Advertised local name")
	advertiseCmd.Flags().StringSliceVarP(&advertiseServices, "services", "s", nil, "Advertised service UUIDs; default the hosted services")
	advertiseCmd.Flags().StringArrayVar(&advertiseHost, "host", nil, "Hosted characteristic <service>/<char>:<props>[=<hex>] (repeatable)")
	advertiseCmd.Flags().DurationVarP(&advertiseDuration, "duration", "d", 0, "Stop after this long; 0 runs until interrupted")
	advertiseCmd.Flags().DurationVar(&advertiseTimeout, "timeout", 0, "Timeout of each start request; default from configuration")
}

// parseHosted groups --host entries into service definitions, keeping first-seen order.
func parseHosted(entries []string) ([]device.ServiceDefinition, error) {
	var defs []device.ServiceDefinition
	index := make(map[string]int)
	for _, e := range entries {
		spec, value, _ := strings.Cut(e, "=")
		path, props, ok := strings.Cut(spec, ":")
		if !ok {
			return nil, fmt.Errorf("invalid --host %q: missing properties", e)
		}
		svc, char, ok := strings.Cut(path, "/")
		if !ok {
			return nil, fmt.Errorf("invalid --host %q: want <service>/<characteristic>", e)
		}
		ids, err := device.ValidateUUID(svc, char)
		if err != nil {
			return nil, fmt.Errorf("invalid --host %q: %w", e, err)
		}
		ps := device.ParseProperties(props)
		if ps == 0 {
			return nil, fmt.Errorf("invalid --host %q: no known properties in %q", e, props)
		}
		var data []byte
		if value != "" {
			if data, err = parseData(value, true); err != nil {
				return nil, fmt.Errorf("invalid --host %q: %w", e, err)
			}
		}

		i, seen := index[ids[0]]
		if !seen {
			i = len(defs)
			index[ids[0]] = i
			defs = append(defs, device.ServiceDefinition{UUID: ids[0]})
		}
		defs[i].Characteristics = append(defs[i].Characteristics, device.CharacteristicDefinition{
			UUID: ids[1], Properties: ps, Value: data,
		})
	}
	return defs, nil
}

func runAdvertise(cmd *cobra.Command, _ []string) error {
	defs, err := parseHosted(advertiseHost)
	if err != nil {
		return err
	}
	services := advertiseServices
	if len(services) == 0 {
		for _, d := range defs {
			services = append(services, d.UUID)
		}
	} else if services, err = device.ValidateUUID(services...); err != nil {
		return fmt.Errorf("invalid service UUID: %w", err)
	}

	sess, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()

	ctx, cancel := commandContext(cmd)
	defer cancel()
	if advertiseDuration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, advertiseDuration)
		defer stop()
	}

	m, err := sess.openManager(ctx)
	if err != nil {
		return err
	}
	timeout := advertiseTimeout
	if timeout <= 0 {
		timeout = sess.cfg.Timeouts.Advertise
	}

	for _, def := range defs {
		if err := m.AddService(ctx, def, timeout); err != nil {
			return err
		}
		sess.out.status("Hosting service %s (%d characteristics)", def.UUID, len(def.Characteristics))
	}

	events := m.Events(proxy.TopicAdvertising)
	defer events.Close()

	payload := device.AdvertisingPayload{LocalName: advertiseName, Services: services}
	if err := m.StartAdvertising(ctx, payload, timeout); err != nil {
		return err
	}
	sess.out.success("Advertising as %q, press Ctrl+C to stop", advertiseName)
	return awaitAdvertisingEnd(ctx, sess.out, events)
}

// awaitAdvertisingEnd blocks until ctx ends or the radio stops advertising on its own.
func awaitAdvertisingEnd(ctx context.Context, out *printer, events *proxy.EventSubscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events.C:
			if !ok {
				return nil
			}
			adv, isAdv := ev.(proxy.AdvertisingEvent)
			if !isAdv || adv.Advertising {
				continue
			}
			if adv.Err != nil {
				return adv.Err
			}
			out.warning("Advertising stopped")
			return nil
		}
	}
}
