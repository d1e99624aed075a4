package goble_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/hardware/goble"
	"github.com/stretchr/testify/suite"
)

type ManagerTestSuite struct {
	BackendSuite

	M *goble.Manager
}

func (s *ManagerTestSuite) SetupTest() {
	s.BackendSuite.SetupTest()
	s.M = s.Backend.PeripheralManager()
}

func (s *ManagerTestSuite) TestAdvertisingSettles() {
	// GOAL: Verify advertising counts as started once it keeps running for the settle period
	//
	// TEST SCENARIO: Start → DidStartAdvertising(nil) → IsAdvertising → Stop → not advertising, no event

	s.M.StartAdvertising(device.AdvertisingPayload{LocalName: "bleproxy", Services: []string{"180d"}})
	s.False(s.M.IsAdvertising(), "advertising MUST NOT be reported before it settles")

	ev := s.Events.next(s.T())
	s.Equal("advertising", ev.name)
	s.NoError(ev.err)
	s.True(s.M.IsAdvertising())

	s.M.StopAdvertising()
	s.False(s.M.IsAdvertising())
	s.Events.none(s.T(), 50*time.Millisecond)
}

func (s *ManagerTestSuite) TestAdvertisingFailsEarly() {
	// GOAL: Verify an advertise call that returns before settling is a failed start
	//
	// TEST SCENARIO: Radio rejects → DidStartAdvertising(err) → radio returns nil early → errored too

	s.Radio.mu.Lock()
	s.Radio.advertise = func(context.Context) error { return errRadio }
	s.Radio.mu.Unlock()

	s.M.StartAdvertising(device.AdvertisingPayload{LocalName: "bleproxy"})
	ev := s.Events.next(s.T())
	s.Equal("advertising", ev.name)
	s.ErrorIs(ev.err, errRadio)
	s.False(s.M.IsAdvertising())

	s.Radio.mu.Lock()
	s.Radio.advertise = func(context.Context) error { return nil }
	s.Radio.mu.Unlock()

	s.M.StartAdvertising(device.AdvertisingPayload{LocalName: "bleproxy"})
	ev = s.Events.next(s.T())
	s.Error(ev.err, "an advertise call that ends at once MUST NOT count as started")
}

func (s *ManagerTestSuite) TestAdvertisingEndedByRadio() {
	// GOAL: Verify IsAdvertising turns false when the radio stops advertising on its own
	//
	// TEST SCENARIO: Advertise until released → settled → release → IsAdvertising false

	release := make(chan struct{})
	s.Radio.mu.Lock()
	s.Radio.advertise = func(ctx context.Context) error {
		select {
		case <-release:
			return errors.New("hci: advertising terminated")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.Radio.mu.Unlock()

	s.M.StartAdvertising(device.AdvertisingPayload{LocalName: "bleproxy"})
	s.Require().NoError(s.Events.next(s.T()).err)
	s.True(s.M.IsAdvertising())

	close(release)
	s.Eventually(func() bool { return !s.M.IsAdvertising() }, waitFor, 5*time.Millisecond)
}

func (s *ManagerTestSuite) TestRestartCancelsPreviousAdvertising() {
	// GOAL: Verify a new start replaces the running advertisement
	//
	// TEST SCENARIO: Start → Start again before settling → exactly one DidStartAdvertising(nil)

	s.M.StartAdvertising(device.AdvertisingPayload{LocalName: "one"})
	s.M.StartAdvertising(device.AdvertisingPayload{LocalName: "two"})

	ev := s.Events.next(s.T())
	s.Equal("advertising", ev.name)
	s.NoError(ev.err)
	s.Events.none(s.T(), 80*time.Millisecond)
}

func (s *ManagerTestSuite) TestHostServices() {
	// GOAL: Verify services are built into the GATT database and can be removed one by one
	//
	// TEST SCENARIO: Add 180f and 180d → both hosted → remove 180f → only 180d set → invalid uuid → error

	s.M.AddService(device.ServiceDefinition{
		UUID: "0x180F",
		Characteristics: []device.CharacteristicDefinition{
			{UUID: "2a19", Properties: device.PropRead | device.PropNotify, Value: []byte{90}},
		},
	})
	ev := s.Events.next(s.T())
	s.Equal("addService", ev.name)
	s.Equal("180f", ev.id)
	s.NoError(ev.err)

	s.M.AddService(device.ServiceDefinition{UUID: "180d"})
	s.NoError(s.Events.next(s.T()).err)

	hosted := s.Radio.hosted()
	s.Require().Len(hosted, 2)
	s.True(hosted[0].UUID.Equal(ble.MustParse("180f")))
	s.Require().Len(hosted[0].Characteristics, 1)
	s.True(hosted[0].Characteristics[0].UUID.Equal(ble.MustParse("2a19")))

	s.M.RemoveService("180F")
	s.Eventually(func() bool {
		h := s.Radio.hosted()
		return len(h) == 1 && h[0].UUID.Equal(ble.MustParse("180d"))
	}, waitFor, 5*time.Millisecond, "removing one service MUST keep the others")

	s.M.AddService(device.ServiceDefinition{UUID: "not-a-uuid"})
	ev = s.Events.next(s.T())
	s.Equal("addService", ev.name)
	s.Error(ev.err, "invalid definition MUST be rejected")
}

func (s *ManagerTestSuite) TestRemoveAllServices() {
	s.M.AddService(device.ServiceDefinition{UUID: "180d"})
	s.NoError(s.Events.next(s.T()).err)

	s.M.RemoveAllServices()
	s.Eventually(func() bool { return len(s.Radio.hosted()) == 0 }, waitFor, 5*time.Millisecond)

	// removing what is gone is a no-op
	s.M.RemoveService("180d")
	time.Sleep(20 * time.Millisecond)
	s.Radio.mu.Lock()
	s.Empty(s.Radio.sets)
	s.Radio.mu.Unlock()
}

func TestManagerTestSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}
