//go:build test

package proxy_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/proxy"
	"github.com/srg/bleproxy/internal/testutils"
	"github.com/srgg/testify/depend"
	"github.com/stretchr/testify/mock"
)

type CentralTestSuite struct {
	ProxySuite
}

func TestCentralTestSuite(t *testing.T) {
	depend.RunSuite(t, new(CentralTestSuite))
}

func (s *CentralTestSuite) TestConnect() {
	// GOAL: Verify connect issues hardware commands only when needed
	//
	// TEST SCENARIO: connect from each link state → command count and outcome match the state

	s.Run("disconnected issues exactly one command", func() {
		s.discover("p1")
		s.connect("p1")
		s.HW.AssertNumberOfCalls(s.T(), "Connect", 1)
	})

	s.Run("connected short-circuits", func() {
		cb, done := testutils.ErrChan()
		s.Central.ConnectAsync("p1", device.ConnectOptions{}, waitFor, cb)

		s.Require().NoError(testutils.Await(s.T(), done, waitFor, "connect"), "connect to a connected peripheral MUST succeed")
		s.HW.AssertNumberOfCalls(s.T(), "Connect", 1)
	})

	s.Run("unknown peripheral", func() {
		err := s.Central.Connect(context.Background(), "ghost", device.ConnectOptions{}, waitFor)
		s.Require().ErrorIs(err, device.ErrPeripheralNotFound, "unknown peripheral MUST fail with not found")
	})
}

func (s *CentralTestSuite) TestConnectJoin() {
	// GOAL: Verify concurrent connects share one hardware command and one outcome
	//
	// TEST SCENARIO: Two callers connect while connecting → one Connect → DidConnect → both succeed

	s.discover("p1")
	s.HW.On("Connect", "p1", mock.Anything).Return().Once()

	cb1, done1 := testutils.ErrChan()
	cb2, done2 := testutils.ErrChan()
	s.Central.ConnectAsync("p1", device.ConnectOptions{}, waitFor, cb1)
	s.Central.ConnectAsync("p1", device.ConnectOptions{}, waitFor, cb2)
	s.Require().Equal(device.Connecting, s.Central.ConnectionState("p1"))

	s.Central.DidConnect("p1")

	s.Require().NoError(testutils.Await(s.T(), done1, waitFor, "first connect"))
	s.Require().NoError(testutils.Await(s.T(), done2, waitFor, "second connect"))
	s.HW.AssertNumberOfCalls(s.T(), "Connect", 1)
	s.Require().EqualValues(1, s.Central.Stats().Snapshot().Joined, "second caller MUST be counted as joined")
}

func (s *CentralTestSuite) TestConnectTimeout() {
	// GOAL: Verify a silent connect times out on schedule and resets the link
	//
	// TEST SCENARIO: connect with 200ms timeout, hardware never answers → connection timeout ≈200ms →
	//                link disconnected → teardown reason cleared

	s.discover("p1")
	s.HW.On("Connect", "p1", mock.Anything).Return().Once()
	s.HW.On("CancelConnection", "p1").Return().Once()

	start := time.Now()
	err := s.Central.Connect(context.Background(), "p1", device.ConnectOptions{}, 200*time.Millisecond)
	elapsed := time.Since(start)

	s.Require().ErrorIs(err, device.ErrConnectionTimeout, "silent hardware MUST produce a connection timeout")
	s.Require().GreaterOrEqual(elapsed, 190*time.Millisecond, "timeout MUST NOT fire early")
	s.Require().Less(elapsed, time.Second, "timeout MUST fire close to its deadline")
	s.Require().Equal(device.Disconnected, s.Central.ConnectionState("p1"))
	s.Require().Equal("hardware_reported", proxy.TeardownReason(s.Central, "p1"), "teardown reason MUST be cleared")

	s.Run("late hardware answer after timeout", func() {
		s.Central.DidFailToConnect("p1", nil)
		s.Require().Equal(device.Disconnected, s.Central.ConnectionState("p1"))
	})
}

func (s *CentralTestSuite) TestConnectTimeoutFailsAllWaiters() {
	// GOAL: Verify the first expiring waiter abandons the whole attempt
	//
	// TEST SCENARIO: waiters with 50ms and 10s timeouts → 50ms expires → both fail with timeout

	s.discover("p1")
	s.HW.On("Connect", "p1", mock.Anything).Return().Once()
	s.HW.On("CancelConnection", "p1").Return().Once()

	cbShort, short := testutils.ErrChan()
	cbLong, long := testutils.ErrChan()
	s.Central.ConnectAsync("p1", device.ConnectOptions{}, 50*time.Millisecond, cbShort)
	s.Central.ConnectAsync("p1", device.ConnectOptions{}, 10*time.Second, cbLong)

	s.Require().ErrorIs(testutils.Await(s.T(), short, waitFor, "short waiter"), device.ErrConnectionTimeout)
	s.Require().ErrorIs(testutils.Await(s.T(), long, waitFor, "long waiter"), device.ErrConnectionTimeout,
		"every waiter of the attempt MUST fail with the timeout")
}

func (s *CentralTestSuite) TestReconnectAfterTimeout() {
	// GOAL: Verify the terminal event of a timed-out attempt never reaches a newer attempt
	//
	// TEST SCENARIO: connect times out → reconnect → late DidDisconnect of the first attempt →
	//                second attempt still connecting → DidConnect → second connect succeeds

	s.discover("p1")
	s.HW.On("Connect", "p1", mock.Anything).Return().Twice()
	s.HW.On("CancelConnection", "p1").Return().Once()

	err := s.Central.Connect(context.Background(), "p1", device.ConnectOptions{}, 30*time.Millisecond)
	s.Require().ErrorIs(err, device.ErrConnectionTimeout)

	cb, done := testutils.ErrChan()
	s.Central.ConnectAsync("p1", device.ConnectOptions{}, waitFor, cb)

	s.Central.DidDisconnect("p1", nil)
	s.Require().Equal(device.Connecting, s.Central.ConnectionState("p1"),
		"late disconnect of the abandoned attempt MUST NOT end the new attempt")
	select {
	case err := <-done:
		s.Failf("second connect resolved early", "got %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	s.Central.DidConnect("p1")
	s.Require().NoError(testutils.Await(s.T(), done, waitFor, "second connect"), "second connect MUST succeed")
	s.Require().Equal(device.Connected, s.Central.ConnectionState("p1"))
	s.HW.AssertNumberOfCalls(s.T(), "Connect", 2)

	s.Run("later disconnects are real again", func() {
		s.Central.DidDisconnect("p1", nil)
		s.Require().Equal(device.Disconnected, s.Central.ConnectionState("p1"))
	})
}

func (s *CentralTestSuite) TestLateSuccessAfterTimeout() {
	// GOAL: Verify a late success of a timed-out attempt does not mark the link connected
	//
	// TEST SCENARIO: connect times out → DidConnect → still disconnected → DidDisconnect absorbed →
	//                reconnect works normally

	s.discover("p1")
	s.HW.On("CancelConnection", "p1").Return().Once()
	s.HW.On("Connect", "p1", mock.Anything).Return().Once()

	err := s.Central.Connect(context.Background(), "p1", device.ConnectOptions{}, 30*time.Millisecond)
	s.Require().ErrorIs(err, device.ErrConnectionTimeout)

	s.Central.DidConnect("p1")
	s.Require().Equal(device.Disconnected, s.Central.ConnectionState("p1"),
		"success of an abandoned attempt MUST be ignored")
	s.Central.DidDisconnect("p1", nil)
	s.Require().Equal(device.Disconnected, s.Central.ConnectionState("p1"))

	s.connect("p1")
}

func (s *CentralTestSuite) TestConnectWhileDisconnecting() {
	s.discover("p1")
	s.connect("p1")
	s.HW.On("CancelConnection", "p1").Return().Once()

	s.Central.DisconnectAsync("p1", waitFor, nil)
	err := s.Central.Connect(context.Background(), "p1", device.ConnectOptions{}, waitFor)
	s.Require().ErrorIs(err, device.ErrInvalidPeripheralState, "connect during disconnect MUST be rejected")
}

func (s *CentralTestSuite) TestDisconnectDuringConnect() {
	// GOAL: Verify disconnecting a connecting peripheral cancels the attempt
	//
	// TEST SCENARIO: connect pending → disconnect → CancelConnection → DidFailToConnect →
	//                connect waiter cancelled, disconnect waiter succeeds

	s.discover("p1")
	s.HW.On("Connect", "p1", mock.Anything).Return().Once()
	s.HW.On("CancelConnection", "p1").Return().Once()

	connectCb, connected := testutils.ErrChan()
	disconnectCb, disconnected := testutils.ErrChan()
	s.Central.ConnectAsync("p1", device.ConnectOptions{}, waitFor, connectCb)
	s.Central.DisconnectAsync("p1", waitFor, disconnectCb)
	s.Require().Equal("user_requested", proxy.TeardownReason(s.Central, "p1"))

	s.Central.DidFailToConnect("p1", nil)

	s.Require().ErrorIs(testutils.Await(s.T(), connected, waitFor, "connect"), device.ErrConnectionCanceled,
		"connect MUST fail as cancelled")
	s.Require().NoError(testutils.Await(s.T(), disconnected, waitFor, "disconnect"))
	s.Require().Equal(device.Disconnected, s.Central.ConnectionState("p1"))
	s.Require().Equal("hardware_reported", proxy.TeardownReason(s.Central, "p1"))
}

func (s *CentralTestSuite) TestDisconnect() {
	s.Run("disconnected short-circuits", func() {
		s.discover("p1")
		s.Require().NoError(s.Central.Disconnect(context.Background(), "p1", waitFor))
		s.HW.AssertNotCalled(s.T(), "CancelConnection", mock.Anything)
	})

	s.Run("connected", func() {
		s.connect("p1")
		s.HW.On("CancelConnection", "p1").Return().Once()

		cb1, done1 := testutils.ErrChan()
		cb2, done2 := testutils.ErrChan()
		s.Central.DisconnectAsync("p1", waitFor, cb1)
		s.Central.DisconnectAsync("p1", waitFor, cb2)
		s.Central.DidDisconnect("p1", nil)

		s.Require().NoError(testutils.Await(s.T(), done1, waitFor, "disconnect"))
		s.Require().NoError(testutils.Await(s.T(), done2, waitFor, "joined disconnect"))
		s.HW.AssertNumberOfCalls(s.T(), "CancelConnection", 1)
	})

	s.Run("timeout marks the link down", func() {
		// GOAL: Verify a silent disconnect does not wedge the link
		//
		// TEST SCENARIO: disconnect, hardware silent → disconnection timeout → state disconnected

		s.connect("p1")
		s.HW.On("CancelConnection", "p1").Return().Once()

		err := s.Central.Disconnect(context.Background(), "p1", 50*time.Millisecond)
		s.Require().ErrorIs(err, device.ErrDisconnectionTimeout)
		s.Require().Equal(device.Disconnected, s.Central.ConnectionState("p1"))
	})
}

func (s *CentralTestSuite) TestCallerCancellation() {
	// GOAL: Verify cancelling one caller affects neither its siblings nor the hardware
	//
	// TEST SCENARIO: two future callers join one connect → first ctx cancelled → first gets cancelled,
	//                no CancelConnection → DidConnect → second succeeds

	s.discover("p1")
	s.HW.On("Connect", "p1", mock.Anything).Return().Once()

	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()

	var wg sync.WaitGroup
	var err1, err2 error
	wg.Add(2)
	go func() {
		defer wg.Done()
		err1 = s.Central.Connect(ctx1, "p1", device.ConnectOptions{}, waitFor)
	}()
	go func() {
		defer wg.Done()
		err2 = s.Central.Connect(context.Background(), "p1", device.ConnectOptions{}, waitFor)
	}()

	s.Require().Eventually(func() bool {
		return s.Central.Stats().Snapshot().Joined == 1
	}, waitFor, 5*time.Millisecond, "second caller MUST join")

	cancel1()
	s.Require().Eventually(func() bool {
		return s.Central.Stats().Snapshot().Cancellations == 1
	}, waitFor, 5*time.Millisecond, "cancellation MUST be recorded")

	s.Central.DidConnect("p1")
	wg.Wait()

	s.Require().ErrorIs(err1, device.ErrCancelled, "cancelled caller MUST see a cancelled error")
	s.Require().ErrorIs(err1, context.Canceled, "ctx error MUST be wrapped")
	s.Require().NoError(err2, "sibling caller MUST still succeed")
	s.HW.AssertNotCalled(s.T(), "CancelConnection", mock.Anything)
	s.HW.AssertNumberOfCalls(s.T(), "Connect", 1)
}

func (s *CentralTestSuite) TestAlreadyCancelledContext() {
	s.discover("p1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Central.Connect(ctx, "p1", device.ConnectOptions{}, waitFor)
	s.Require().ErrorIs(err, device.ErrCancelled)
	s.HW.AssertNotCalled(s.T(), "Connect", mock.Anything, mock.Anything)
}

func (s *CentralTestSuite) TestStateLoss() {
	// GOAL: Verify a radio power-off invalidates every link without hardware commands
	//
	// TEST SCENARIO: A connecting, B connected → poweredOff → A fails with invalid hardware state,
	//                B disconnected with state-loss event → no CancelConnection

	s.discover("A")
	s.discover("B")
	s.connect("B")
	s.HW.On("Connect", "A", mock.Anything).Return().Once()

	events := s.Central.Events(proxy.TopicConnection)
	defer events.Close()

	cb, done := testutils.ErrChan()
	s.Central.ConnectAsync("A", device.ConnectOptions{}, waitFor, cb)

	s.Central.DidUpdateState(device.StatePoweredOff)

	s.Require().ErrorIs(testutils.Await(s.T(), done, waitFor, "connect A"), device.ErrInvalidHardwareState,
		"connecting peripheral MUST fail with invalid hardware state")
	s.Require().Equal(device.Disconnected, s.Central.ConnectionState("A"))
	s.Require().Equal(device.Disconnected, s.Central.ConnectionState("B"))

	var lossB *proxy.ConnectionEvent
	for _, raw := range drainEvents(events) {
		if ev, ok := raw.(proxy.ConnectionEvent); ok && ev.PeripheralID == "B" {
			lossB = &ev
		}
	}
	s.Require().NotNil(lossB, "connected peripheral MUST publish a disconnection")
	s.Require().Equal(device.Disconnected, lossB.State)
	s.Require().ErrorIs(lossB.Err, device.ErrInvalidHardwareState, "observers MUST see the state-loss error")

	s.HW.AssertNotCalled(s.T(), "CancelConnection", mock.Anything)
	s.HW.AssertNumberOfCalls(s.T(), "Connect", 2)

	s.Run("commands rejected while powered off", func() {
		err := s.Central.Connect(context.Background(), "A", device.ConnectOptions{}, waitFor)
		s.Require().ErrorIs(err, device.ErrInvalidHardwareState)
	})
}

func (s *CentralTestSuite) TestStateLossSatisfiesDisconnect() {
	s.discover("p1")
	s.connect("p1")
	s.HW.On("CancelConnection", "p1").Return().Once()

	cb, done := testutils.ErrChan()
	s.Central.DisconnectAsync("p1", waitFor, cb)
	s.Central.DidUpdateState(device.StatePoweredOff)

	s.Require().NoError(testutils.Await(s.T(), done, waitFor, "disconnect"), "a lost link MUST satisfy a pending disconnect")
}

func (s *CentralTestSuite) TestWaitUntilReady() {
	s.Run("ready resolves at once", func() {
		s.Require().NoError(s.Central.WaitUntilReady(context.Background(), waitFor))
	})

	s.Run("resolves on power on", func() {
		s.Central.DidUpdateState(device.StatePoweredOff)

		cb, done := testutils.ErrChan()
		s.Central.WaitUntilReadyAsync(waitFor, cb)
		s.Central.DidUpdateState(device.StatePoweredOn)

		s.Require().NoError(testutils.Await(s.T(), done, waitFor, "ready"))
	})

	s.Run("unrecoverable state fails", func() {
		s.Central.DidUpdateState(device.StateResetting)

		cb, done := testutils.ErrChan()
		s.Central.WaitUntilReadyAsync(waitFor, cb)
		s.Central.DidUpdateState(device.StateUnauthorized)

		s.Require().ErrorIs(testutils.Await(s.T(), done, waitFor, "ready"), device.ErrInvalidHardwareState)
	})

	s.Run("timeout", func() {
		s.Central.DidUpdateState(device.StatePoweredOff)
		err := s.Central.WaitUntilReady(context.Background(), 30*time.Millisecond)
		s.Require().ErrorIs(err, device.ErrReadyTimeout)
	})
}

func (s *CentralTestSuite) TestStateEvents() {
	events := s.Central.Events(proxy.TopicState)
	defer events.Close()

	s.Central.DidUpdateState(device.StatePoweredOff)
	s.Central.DidUpdateState(device.StatePoweredOff)

	got := drainEvents(events)
	s.Require().Equal([]any{proxy.StateEvent{State: device.StatePoweredOff}}, got, "only real transitions MUST be published")
}

func (s *CentralTestSuite) TestClose() {
	// GOAL: Verify Close fails pending work and rejects later calls
	//
	// TEST SCENARIO: connect pending → Close → destroyed error → later connect destroyed

	s.discover("p1")
	s.HW.On("Connect", "p1", mock.Anything).Return().Once()

	cb, done := testutils.ErrChan()
	s.Central.ConnectAsync("p1", device.ConnectOptions{}, waitFor, cb)
	s.Require().NoError(s.Central.Close())

	s.Require().ErrorIs(testutils.Await(s.T(), done, waitFor, "connect"), device.ErrDestroyed)
	s.Require().ErrorIs(s.Central.Connect(context.Background(), "p1", device.ConnectOptions{}, waitFor), device.ErrDestroyed)
	s.Require().NoError(s.Central.Close(), "Close MUST be idempotent")
}

func (s *CentralTestSuite) TestRetrievePeripheral() {
	hw := testutils.NewMockPeripheralHardware(s.T(), "known")
	s.HW.On("RetrievePeripherals", []string{"known"}).Return([]device.PeripheralHardware{hw}).Once()
	s.HW.On("RetrievePeripherals", []string{"missing"}).Return(nil).Once()

	p, err := s.Central.RetrievePeripheral("known")
	s.Require().NoError(err)
	s.Require().Equal("known", p.ID())

	again, err := s.Central.RetrievePeripheral("known")
	s.Require().NoError(err)
	s.Require().Same(p, again, "a peripheral MUST have a single proxy")

	_, err = s.Central.RetrievePeripheral("missing")
	s.Require().ErrorIs(err, device.ErrPeripheralNotFound)
}
