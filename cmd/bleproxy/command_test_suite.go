//go:build test

package main

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/bleproxy/internal/hardware/goble"
	"github.com/srg/bleproxy/internal/testutils"
	"github.com/stretchr/testify/suite"
)

// Test device addresses for consistent fake peripheral identification
const (
	TestDeviceAddress1 = "aa:bb:cc:dd:ee:01"
	TestDeviceAddress2 = "aa:bb:cc:dd:ee:02"
)

// CommandTestSuite runs commands against an in-memory radio. Every test starts with a
// fresh radio and default flag values.
type CommandTestSuite struct {
	suite.Suite

	Radio *testutils.FakeRadio

	originalBackend func(goble.Options) (*goble.Backend, error)
}

func (s *CommandTestSuite) SetupSuite() {
	s.originalBackend = openBackend
}

func (s *CommandTestSuite) TearDownSuite() {
	openBackend = s.originalBackend
	resetFlags()
}

func (s *CommandTestSuite) SetupTest() {
	s.Radio = testutils.NewFakeRadio()
	openBackend = func(opts goble.Options) (*goble.Backend, error) {
		opts.AdvertiseSettle = 20 * time.Millisecond
		return s.Radio.Backend(opts), nil
	}
	resetFlags()
}

// BatteryPeripheral adds TestDeviceAddress1 with a readable battery level of 0x57 and a
// writable control point.
func (s *CommandTestSuite) BatteryPeripheral() *testutils.FakePeripheral {
	return s.Radio.AddPeripheral(TestDeviceAddress1, "battery", -50).
		AddCharacteristic("180f", "2a19", ble.CharRead|ble.CharNotify, []byte{0x57}).
		AddCharacteristic("180f", "2a1a", ble.CharWrite|ble.CharWriteNR, nil)
}

// ExecuteCommand runs the root command with args and returns what it wrote to stdout.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	buf := &lockedBuffer{}
	err := s.execute(buf, args...)
	return buf.String(), err
}

// StartCommand runs the root command in the background. The buffer may be read while
// the command runs; the channel yields its result.
func (s *CommandTestSuite) StartCommand(args ...string) (*lockedBuffer, <-chan error) {
	buf := &lockedBuffer{}
	done := make(chan error, 1)
	go func() { done <- s.execute(buf, args...) }()
	return buf, done
}

func (s *CommandTestSuite) execute(out io.Writer, args ...string) error {
	rootCmd.SetOut(out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)
	return rootCmd.Execute()
}

// resetFlags restores every command flag variable to its default. Cobra keeps parsed
// values between executions of the same command tree.
func resetFlags() {
	for _, name := range []string{"log-level", "config", "output"} {
		_ = rootCmd.PersistentFlags().Set(name, "")
	}
	scanDuration, scanServices, scanDuplicates = -1, nil, false
	readServiceUUID, readTimeout, readCache, readWatch = "", 0, "never", 0
	writeServiceUUID, writeHex, writeNoResponse, writeChunkSize, writeTimeout = "", false, false, 0, 0
	notifyServiceUUID, notifyDuration, notifyTimeout = "", 0, 0
	rssiTimeout, rssiCount, rssiInterval = 0, 1, time.Second
	advertiseName, advertiseServices, advertiseHost, advertiseDuration, advertiseTimeout = "bleproxy", nil, nil, 0, 0
}

// lockedBuffer is a bytes.Buffer safe for one writer and concurrent readers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
