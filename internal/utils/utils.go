package utils

import (
	"strings"
	"time"
)

// Clock 提供當前時間，測試中可替換
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now returns the current time.
func (f ClockFunc) Now() time.Time {
	return f()
}

// SystemClock is the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// GetExpirationTime 返回 ttl 參數，未提供或非正數時使用默認值
func GetExpirationTime(defaultTime time.Duration, ttl ...time.Duration) time.Duration {
	if len(ttl) > 0 && ttl[0] > 0 {
		return ttl[0]
	}
	return defaultTime
}

// JoinKey joins key parts with ':'.
func JoinKey(parts ...string) string {
	return strings.Join(parts, ":")
}
