package device

import (
	"fmt"
	"time"
)

type cacheMode int

const (
	cacheNever cacheMode = iota
	cacheAlways
	cacheValidFor
)

// CachePolicy decides whether a cached characteristic value may satisfy a read
// without touching the hardware.
type CachePolicy struct {
	mode   cacheMode
	maxAge time.Duration
}

var (
	// CacheNever always issues a hardware read.
	CacheNever = CachePolicy{mode: cacheNever}
	// CacheAlways returns any cached value regardless of age.
	CacheAlways = CachePolicy{mode: cacheAlways}
)

// CacheValidFor accepts cached values younger than maxAge.
func CacheValidFor(maxAge time.Duration) CachePolicy {
	return CachePolicy{mode: cacheValidFor, maxAge: maxAge}
}

func (p CachePolicy) String() string {
	switch p.mode {
	case cacheAlways:
		return "always"
	case cacheValidFor:
		return fmt.Sprintf("validFor(%s)", p.maxAge)
	default:
		return "never"
	}
}

// Allows reports whether rec may be returned at time now.
func (p CachePolicy) Allows(rec CacheRecord, now time.Time) bool {
	if rec.Timestamp.IsZero() {
		return false
	}
	switch p.mode {
	case cacheAlways:
		return true
	case cacheValidFor:
		return now.Sub(rec.Timestamp) < p.maxAge
	default:
		return false
	}
}

// CacheRecord is the last value observed for a characteristic.
type CacheRecord struct {
	Data      []byte
	Timestamp time.Time
}
