package proxy

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// Stats counts what the proxies did. Counters are striped and safe for concurrent use.
type Stats struct {
	Commands      *xsync.Counter // hardware commands issued
	Joined        *xsync.Counter // callers that joined an in-flight operation
	ShortCircuits *xsync.Counter // callers resolved without registering
	CacheHits     *xsync.Counter
	Timeouts      *xsync.Counter
	Cancellations *xsync.Counter
}

func newStats() *Stats {
	return &Stats{
		Commands:      xsync.NewCounter(),
		Joined:        xsync.NewCounter(),
		ShortCircuits: xsync.NewCounter(),
		CacheHits:     xsync.NewCounter(),
		Timeouts:      xsync.NewCounter(),
		Cancellations: xsync.NewCounter(),
	}
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Commands      int64 `json:"commands"`
	Joined        int64 `json:"joined"`
	ShortCircuits int64 `json:"short_circuits"`
	CacheHits     int64 `json:"cache_hits"`
	Timeouts      int64 `json:"timeouts"`
	Cancellations int64 `json:"cancellations"`
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Commands:      s.Commands.Value(),
		Joined:        s.Joined.Value(),
		ShortCircuits: s.ShortCircuits.Value(),
		CacheHits:     s.CacheHits.Value(),
		Timeouts:      s.Timeouts.Value(),
		Cancellations: s.Cancellations.Value(),
	}
}
