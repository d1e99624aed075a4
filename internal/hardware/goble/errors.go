package goble

import (
	"context"
	"errors"
	"strings"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
)

var (
	// ErrNoConnection is reported for a GATT command issued while no client is attached.
	ErrNoConnection = errors.New("no GATT connection")
	// ErrUnknownAttribute is reported for a service or characteristic the adapter has not discovered.
	ErrUnknownAttribute = errors.New("attribute not discovered")
	// ErrLinkLost is the cause reported when the platform drops a connection.
	ErrLinkLost = errors.New("link lost")
	// ErrUnsupportedPlatform is returned by the default factory where go-ble has no backend.
	ErrUnsupportedPlatform = errors.New("no BLE backend for this platform")
)

// wrap attaches the failing step, the peripheral and a user-facing message to a
// transport error. The step prefixes Error() and the message becomes the fmsg issue.
// The error kind is classified from the cause.
func wrap(err error, step, peripheral, msg string) error {
	if err == nil {
		return nil
	}
	kv := []string{"error_at", step}
	if peripheral != "" {
		kv = append(kv, "peripheral", peripheral)
	}
	return fault.Wrap(err,
		fctx.With(context.Background(), kv...),
		ftag.With(classify(err)),
		fmsg.WithDesc(step, msg),
	)
}

func classify(err error) ftag.Kind {
	switch {
	case errors.Is(err, ErrUnknownAttribute):
		return ftag.NotFound
	case errors.Is(err, ErrNoConnection), errors.Is(err, ErrLinkLost):
		return ftag.PermissionDenied
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ftag.Cancelled
	}

	// go-ble reports ATT failures only as text
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not connected"), strings.Contains(msg, "disconnected"):
		return ftag.PermissionDenied
	case strings.Contains(msg, "not permitted"), strings.Contains(msg, "not supported"):
		return ftag.InvalidArgument
	default:
		return ftag.Internal
	}
}

// Kind returns the classification attached by the adapter, or ftag.None.
func Kind(err error) ftag.Kind {
	return ftag.Get(err)
}
