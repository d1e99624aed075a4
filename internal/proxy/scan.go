package proxy

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/groutine"
)

// ScanOptions control a scan.
type ScanOptions struct {
	// Services filters advertisements by service UUID; empty means all.
	Services        []string
	AllowDuplicates bool
	// Timeout finishes the stream normally; <= 0 scans until stopped.
	Timeout time.Duration
}

// ScanEvent is one advertisement observed during a scan.
type ScanEvent struct {
	Peripheral    *Peripheral
	Advertisement device.Advertisement
	RSSI          int
	Timestamp     time.Time
}

// ScanStream delivers scan events until the scan stops. When the consumer falls behind
// the oldest buffered events are overwritten.
type ScanStream struct {
	buf    mpmc.RichOverlappedRingBuffer[ScanEvent]
	signal chan struct{}
	done   chan struct{}
	stop   func()

	mu       sync.Mutex
	finished bool
	err      error
	dropped  uint64
}

func newScanStream(size uint32) *ScanStream {
	return &ScanStream{
		buf:    mpmc.NewOverlappedRingBuffer[ScanEvent](size),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (s *ScanStream) push(ev ScanEvent) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	overwrites, err := s.buf.EnqueueM(ev)
	if err == nil {
		s.dropped += uint64(overwrites)
	}
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// finish terminates the stream; a nil err means a normal end.
func (s *ScanStream) finish(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false
	}
	s.finished = true
	s.err = err
	close(s.done)
	return true
}

// Next returns the next event. After the stream finished and the buffer is drained it
// returns io.EOF for a normal end or the terminal error.
func (s *ScanStream) Next(ctx context.Context) (ScanEvent, error) {
	for {
		if !s.buf.IsEmpty() {
			if ev, err := s.buf.Dequeue(); err == nil {
				return ev, nil
			}
		}

		select {
		case <-s.signal:
		case <-s.done:
			if !s.buf.IsEmpty() {
				continue
			}
			if err := s.Err(); err != nil {
				return ScanEvent{}, err
			}
			return ScanEvent{}, io.EOF
		case <-ctx.Done():
			return ScanEvent{}, ctx.Err()
		}
	}
}

// Done is closed when the scan has stopped.
func (s *ScanStream) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal error, nil while running or after a normal end.
func (s *ScanStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Dropped returns how many events were overwritten before being read.
func (s *ScanStream) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Stop ends the scan normally.
func (s *ScanStream) Stop() {
	if s.stop != nil {
		s.stop()
	}
}

// ----------------------------
// Central scanning
// ----------------------------

// Scan starts scanning and returns the event stream. A new scan supersedes the
// previous one, whose stream ends normally. Cancelling ctx ends the stream with a
// cancelled error; losing the radio ends it with an invalid hardware state error.
func (c *Central) Scan(ctx context.Context, opts ScanOptions) (*ScanStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, device.Cancelled(device.OpScan, err)
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil, device.Destroyed(device.OpScan)
	}
	if !c.state.Ready() {
		state := c.state
		c.mu.Unlock()
		return nil, device.InvalidHardwareState(device.OpScan, state)
	}

	stream := newScanStream(c.opts.ScanBufferSize)
	stream.stop = func() { c.stopScan(stream, nil) }
	prev := c.scan
	c.scan = stream
	c.hw.ScanForPeripherals(device.NormalizeUUIDs(opts.Services), opts.AllowDuplicates)
	c.stats.Commands.Inc()
	c.mu.Unlock()

	if prev != nil {
		prev.finish(nil)
	}
	c.logger.WithFields(logrus.Fields{"services": opts.Services, "timeout": opts.Timeout}).Info("Scanning")

	groutine.Go(ctx, "central-scan-monitor", func(ctx context.Context) {
		c.monitorScan(ctx, stream, opts.Timeout)
	})
	return stream, nil
}

// monitorScan ends stream on timeout or ctx cancellation and when the hardware stopped
// scanning on its own.
func (c *Central) monitorScan(ctx context.Context, stream *ScanStream, timeout time.Duration) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	tick := time.NewTicker(c.opts.MonitorInterval)
	defer tick.Stop()

	for {
		select {
		case <-stream.done:
			return
		case <-expired:
			c.logger.Debug("Scan timeout reached")
			c.stopScan(stream, nil)
			return
		case <-ctx.Done():
			c.stopScan(stream, device.Cancelled(device.OpScan, ctx.Err()))
			return
		case <-tick.C:
			if !c.hw.IsScanning() {
				c.logger.Warn("Scanning stopped externally")
				c.detachScan(stream)
				stream.finish(nil)
				return
			}
		}
	}
}

// stopScan stops the hardware scan if stream is still the active one.
func (c *Central) stopScan(stream *ScanStream, err error) {
	c.mu.Lock()
	if c.scan == stream {
		c.scan = nil
		c.hw.StopScan()
		c.stats.Commands.Inc()
	}
	c.mu.Unlock()
	stream.finish(err)
}

func (c *Central) detachScan(stream *ScanStream) {
	c.mu.Lock()
	if c.scan == stream {
		c.scan = nil
	}
	c.mu.Unlock()
}

// StopScan stops the active scan, if any.
func (c *Central) StopScan() {
	c.mu.Lock()
	stream := c.scan
	c.mu.Unlock()
	if stream != nil {
		c.stopScan(stream, nil)
	}
}

// DidDiscover handles an advertisement. The peripheral becomes known to the proxy even
// when no scan stream is active.
func (c *Central) DidDiscover(hw device.PeripheralHardware, adv device.Advertisement, rssi int) {
	p := c.adopt(hw)
	p.observeAdvertisement(adv, rssi)

	c.mu.Lock()
	stream := c.scan
	c.mu.Unlock()

	if stream != nil {
		stream.push(ScanEvent{Peripheral: p, Advertisement: adv, RSSI: rssi, Timestamp: time.Now()})
	}
}
