//go:build test

package testutils

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug-level logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// Await receives one value from ch or fails the test after timeout.
func Await[T any](t *testing.T, ch <-chan T, timeout time.Duration, msg string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		t.Fatalf("timed out after %s: %s", timeout, msg)
	}
	var zero T
	return zero
}

// ErrChan returns an error callback that forwards into a buffered channel.
func ErrChan() (func(error), <-chan error) {
	ch := make(chan error, 1)
	return func(err error) { ch <- err }, ch
}

// Result pairs a value with an error for channel-based callback capture.
type Result[T any] struct {
	Value T
	Err   error
}

// ValueChan returns a (value, error) callback that forwards into a buffered channel.
func ValueChan[T any]() (func(T, error), <-chan Result[T]) {
	ch := make(chan Result[T], 1)
	return func(v T, err error) { ch <- Result[T]{Value: v, Err: err} }, ch
}
