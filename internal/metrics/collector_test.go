package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector("recall_test")

	c.ObserveCall("Cache.Store")
	c.ObserveCall("Cache.Store")
	c.ObserveDegraded("Cache.Store", "count")
	c.ObserveFetch(ResultHit)
	c.ObserveFetch(ResultMiss)
	c.ObserveFetch(ResultMiss)
	c.ObserveFetchDuration(0.25)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.TrackedCalls.WithLabelValues("Cache.Store")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.TrackingDegraded.WithLabelValues("Cache.Store", "count")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Fetches.WithLabelValues(ResultHit)))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.Fetches.WithLabelValues(ResultMiss)))

	families, err := c.Registry().Gather()
	require.NoError(t, err)
	assert.Len(t, families, 4)
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.ObserveCall("x")
		c.ObserveDegraded("x", "count")
		c.ObserveFetch(ResultHit)
		c.ObserveFetchDuration(1)
	})
}
