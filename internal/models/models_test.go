package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecordExpiryBoundary(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRecord("body", now, 10*time.Second)

	assert.False(t, r.IsExpired(now))
	assert.False(t, r.IsExpired(now.Add(10*time.Second-time.Nanosecond)))
	assert.True(t, r.IsExpired(now.Add(10*time.Second)))
	assert.True(t, r.IsExpired(now.Add(time.Minute)))
}

func TestStatsSnapshot(t *testing.T) {
	s := NewStats()
	s.Hits.Inc()
	s.Hits.Inc()
	s.Misses.Inc()

	assert.Equal(t, StatsSnapshot{Hits: 2, Misses: 1}, s.Snapshot())
}
