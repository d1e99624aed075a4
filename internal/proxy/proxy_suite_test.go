//go:build test

package proxy_test

import (
	"time"

	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/proxy"
	"github.com/srg/bleproxy/internal/testutils"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

const waitFor = 2 * time.Second

// ProxySuite wires a Central proxy to a mocked radio. Tests play the hardware by calling
// the delegate methods on the proxies directly.
type ProxySuite struct {
	suite.Suite

	Helper  *testutils.TestHelper
	HW      *testutils.MockCentralHardware
	Central *proxy.Central
}

func (s *ProxySuite) SetupTest() {
	s.Helper = testutils.NewTestHelper(s.T())
	s.HW = testutils.NewMockCentralHardware(s.T(), device.StatePoweredOn)
	s.Central = proxy.NewCentral(s.HW, proxy.Options{
		Logger:          s.Helper.Logger,
		MonitorInterval: 10 * time.Millisecond,
	})
}

func (s *ProxySuite) TearDownTest() {
	s.Require().NoError(s.Central.Close())
}

// discover makes a peripheral known to the central as a scan would.
func (s *ProxySuite) discover(id string) (*testutils.MockPeripheralHardware, *proxy.Peripheral) {
	hw := testutils.NewMockPeripheralHardware(s.T(), id)
	s.Central.DidDiscover(hw, device.Advertisement{LocalName: "dev-" + id, Connectable: true}, -42)

	p, ok := s.Central.Peripheral(id)
	s.Require().True(ok, "discovered peripheral MUST be tracked")
	return hw, p
}

// connect drives a full connect of a discovered peripheral.
func (s *ProxySuite) connect(id string) {
	s.HW.On("Connect", id, mock.Anything).Return().Once()

	cb, done := testutils.ErrChan()
	s.Central.ConnectAsync(id, device.ConnectOptions{}, waitFor, cb)
	s.Central.DidConnect(id)
	s.Require().NoError(testutils.Await(s.T(), done, waitFor, "connect"), "connect MUST succeed")
	s.Require().Equal(device.Connected, s.Central.ConnectionState(id))
}

// drainEvents collects observer events until none arrives for a short while.
func drainEvents(sub *proxy.EventSubscription) []any {
	var out []any
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-time.After(100 * time.Millisecond):
			return out
		}
	}
}
