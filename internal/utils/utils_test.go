package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetExpirationTime(t *testing.T) {
	assert.Equal(t, 10*time.Second, GetExpirationTime(10*time.Second))
	assert.Equal(t, time.Minute, GetExpirationTime(10*time.Second, time.Minute))
	assert.Equal(t, 10*time.Second, GetExpirationTime(10*time.Second, 0))
}

func TestJoinKey(t *testing.T) {
	assert.Equal(t, "Cache.Store:inputs", JoinKey("Cache.Store", "inputs"))
	assert.Equal(t, "count:http://example.org", JoinKey("count", "http://example.org"))
}

func TestClockFunc(t *testing.T) {
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	var c Clock = ClockFunc(func() time.Time { return fixed })
	assert.Equal(t, fixed, c.Now())
}
