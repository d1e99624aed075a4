package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/bleproxy/internal/device"
)

// writeCmd represents the write command
var writeCmd = &cobra.Command{
	Use:   "write <address> <uuid> <data>",
	Short: "Write a characteristic value",
	Long: fmt.Sprintf(`Writes data to a characteristic.

Examples:
  # Write a string
  bleproxy write %s 2a06 "high"

  # Write hex data
  bleproxy write %s 2a06 01 --hex

  # Write without response (no ACK); data longer than the MTU is split into chunks
  bleproxy write %s 6e400002-b5a3-f393-e0a9-e50e24dcca9e "hello" --without-response

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(3),
	RunE: runWrite,
}

var (
	writeServiceUUID string
	writeHex         bool
	writeNoResponse  bool
	writeChunkSize   int
	writeTimeout     time.Duration
)

func init() {
	writeCmd.Flags().StringVar(&writeServiceUUID, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	writeCmd.Flags().BoolVar(&writeHex, "hex", false, "Parse input as hex string (e.g., 'FF01'); raw bytes by default")
	writeCmd.Flags().BoolVar(&writeNoResponse, "without-response", false, "Write without response (no ACK)")
	writeCmd.Flags().IntVar(&writeChunkSize, "chunk", 0, "Split data into N-byte writes; default 0 uses the maximum the link allows")
	writeCmd.Flags().DurationVar(&writeTimeout, "timeout", 0, "Per-request timeout; default from configuration")
}

func runWrite(cmd *cobra.Command, args []string) error {
	address := args[0]
	if _, err := device.ValidateUUID(args[1]); err != nil {
		return err
	}
	data, err := parseData(args[2], writeHex)
	if err != nil {
		return fmt.Errorf("failed to parse data: %w", err)
	}
	if writeChunkSize < 0 {
		return fmt.Errorf("invalid chunk size %d", writeChunkSize)
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
	ch, err := resolveCharacteristic(ctx, p, writeServiceUUID, args[1], sess.cfg.Timeouts.Discover)
	if err != nil {
		return err
	}

	wt := device.WithResponse
	if writeNoResponse {
		wt = device.WithoutResponse
	}
	timeout := writeTimeout
	if timeout <= 0 {
		timeout = sess.cfg.Timeouts.Write
	}

	chunk := writeChunkSize
	if limit := p.MaximumWriteValueLength(wt); chunk == 0 || chunk > limit {
		chunk = limit
	}
	for _, part := range chunks(data, chunk) {
		if err := p.Write(ctx, part, ch.Key(), wt, timeout); err != nil {
			return err
		}
	}

	sess.out.success("Wrote %d bytes to %s", len(data), ch.Key())
	return nil
}

// chunks splits data into parts of at most size bytes. Empty data is one empty write.
func chunks(data []byte, size int) [][]byte {
	if len(data) == 0 || size <= 0 {
		return [][]byte{data}
	}
	out := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > size {
		out = append(out, data[:size])
		data = data[size:]
	}
	return append(out, data)
}
