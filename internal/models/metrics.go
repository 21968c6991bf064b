package models

import "go.uber.org/atomic"

// Stats 定義 fetch cache 的統計
type Stats struct {
	Hits        *atomic.Int64
	Misses      *atomic.Int64
	FetchErrors *atomic.Int64
}

// NewStats creates zeroed Stats.
func NewStats() *Stats {
	return &Stats{
		Hits:        atomic.NewInt64(0),
		Misses:      atomic.NewInt64(0),
		FetchErrors: atomic.NewInt64(0),
	}
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Hits        int64
	Misses      int64
	FetchErrors int64
}

// Snapshot reads every counter.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Hits:        s.Hits.Load(),
		Misses:      s.Misses.Load(),
		FetchErrors: s.FetchErrors.Load(),
	}
}
