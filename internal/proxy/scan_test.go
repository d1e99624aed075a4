//go:build test

package proxy_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/proxy"
	"github.com/srg/bleproxy/internal/testutils"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type ScanTestSuite struct {
	ProxySuite
}

func TestScanTestSuite(t *testing.T) {
	suite.Run(t, new(ScanTestSuite))
}

func (s *ScanTestSuite) SetupTest() {
	s.ProxySuite.SetupTest()
	s.HW.On("IsScanning").Return(true).Maybe()
}

func (s *ScanTestSuite) nextEvent(stream *proxy.ScanStream) (proxy.ScanEvent, error) {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	return stream.Next(ctx)
}

func (s *ScanTestSuite) TestScanDeliversAdvertisements() {
	// GOAL: Verify advertisements reach the scan stream and peripherals become known
	//
	// TEST SCENARIO: Scan for 180d → two advertisements → stream yields both → StopScan → io.EOF

	s.HW.On("ScanForPeripherals", []string{"180d"}, false).Return().Once()
	s.HW.On("StopScan").Return().Once()

	stream, err := s.Central.Scan(context.Background(), proxy.ScanOptions{Services: []string{"0x180D"}})
	s.Require().NoError(err)

	for _, id := range []string{"p1", "p2"} {
		hw := testutils.NewMockPeripheralHardware(s.T(), id)
		s.Central.DidDiscover(hw, device.Advertisement{LocalName: id, Services: []string{"180d"}}, -60)
	}

	first, err := s.nextEvent(stream)
	s.Require().NoError(err)
	s.Require().Equal("p1", first.Peripheral.ID())
	s.Require().Equal(-60, first.RSSI)

	second, err := s.nextEvent(stream)
	s.Require().NoError(err)
	s.Require().Equal("p2", second.Advertisement.LocalName)

	_, known := s.Central.Peripheral("p2")
	s.Require().True(known, "advertising peripheral MUST be tracked")

	s.Central.StopScan()
	_, err = s.nextEvent(stream)
	s.Require().ErrorIs(err, io.EOF, "stopped stream MUST end normally")
}

func (s *ScanTestSuite) TestScanTimeout() {
	s.HW.On("ScanForPeripherals", []string(nil), true).Return().Once()
	s.HW.On("StopScan").Return().Once()

	stream, err := s.Central.Scan(context.Background(), proxy.ScanOptions{AllowDuplicates: true, Timeout: 50 * time.Millisecond})
	s.Require().NoError(err)

	select {
	case <-stream.Done():
	case <-time.After(waitFor):
		s.FailNow("scan MUST finish after its timeout")
	}
	s.Require().NoError(stream.Err(), "a timed scan MUST end normally")
}

func (s *ScanTestSuite) TestScanContextCancel() {
	s.HW.On("ScanForPeripherals", []string(nil), false).Return().Once()
	s.HW.On("StopScan").Return().Once()

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := s.Central.Scan(ctx, proxy.ScanOptions{})
	s.Require().NoError(err)
	cancel()

	_, err = s.nextEvent(stream)
	s.Require().ErrorIs(err, device.ErrCancelled, "cancelled scan MUST end with a cancelled error")
}

func (s *ScanTestSuite) TestScanStateLoss() {
	// GOAL: Verify a power-off ends the stream with an error and no hardware command
	//
	// TEST SCENARIO: scanning → poweredOff → Next returns invalid hardware state → StopScan not called

	s.HW.On("ScanForPeripherals", []string(nil), false).Return().Once()

	stream, err := s.Central.Scan(context.Background(), proxy.ScanOptions{})
	s.Require().NoError(err)

	s.Central.DidUpdateState(device.StatePoweredOff)

	_, err = s.nextEvent(stream)
	s.Require().ErrorIs(err, device.ErrInvalidHardwareState)
	s.HW.AssertNotCalled(s.T(), "StopScan")

	_, err = s.Central.Scan(context.Background(), proxy.ScanOptions{})
	s.Require().ErrorIs(err, device.ErrInvalidHardwareState, "scan MUST require poweredOn")
}

func (s *ScanTestSuite) TestScanSuperseded() {
	s.HW.On("ScanForPeripherals", []string(nil), false).Return().Twice()
	s.HW.On("StopScan").Return().Once()

	first, err := s.Central.Scan(context.Background(), proxy.ScanOptions{})
	s.Require().NoError(err)
	second, err := s.Central.Scan(context.Background(), proxy.ScanOptions{})
	s.Require().NoError(err)

	_, err = s.nextEvent(first)
	s.Require().ErrorIs(err, io.EOF, "superseded scan MUST end normally")

	second.Stop()
	_, err = s.nextEvent(second)
	s.Require().ErrorIs(err, io.EOF)
}

func (s *ScanTestSuite) TestScanStoppedExternally() {
	// GOAL: Verify the liveness monitor notices a scan the hardware ended on its own
	//
	// TEST SCENARIO: IsScanning turns false → stream finishes normally without StopScan

	hw := testutils.NewMockCentralHardware(s.T(), device.StatePoweredOn)
	central := proxy.NewCentral(hw, proxy.Options{Logger: s.Helper.Logger, MonitorInterval: 10 * time.Millisecond})
	defer central.Close()

	hw.On("ScanForPeripherals", []string(nil), false).Return().Once()
	hw.On("IsScanning").Return(false)

	stream, err := central.Scan(context.Background(), proxy.ScanOptions{})
	s.Require().NoError(err)

	select {
	case <-stream.Done():
	case <-time.After(waitFor):
		s.FailNow("monitor MUST finish the stream")
	}
	s.Require().NoError(stream.Err())
	hw.AssertNotCalled(s.T(), "StopScan")
}

func (s *ScanTestSuite) TestScanOverflow() {
	hw := testutils.NewMockCentralHardware(s.T(), device.StatePoweredOn)
	central := proxy.NewCentral(hw, proxy.Options{Logger: s.Helper.Logger, ScanBufferSize: 4, MonitorInterval: time.Hour})
	defer central.Close()

	hw.On("ScanForPeripherals", mock.Anything, mock.Anything).Return().Once()
	hw.On("StopScan").Return().Maybe()

	stream, err := central.Scan(context.Background(), proxy.ScanOptions{})
	s.Require().NoError(err)

	periph := testutils.NewMockPeripheralHardware(s.T(), "busy")
	for i := 0; i < 20; i++ {
		central.DidDiscover(periph, device.Advertisement{TxPowerLevel: i}, -50)
	}
	s.Require().Positive(stream.Dropped(), "a full buffer MUST overwrite the oldest events")

	ev, err := s.nextEvent(stream)
	s.Require().NoError(err)
	s.Require().Greater(ev.Advertisement.TxPowerLevel, 0, "oldest events MUST have been overwritten")
}
