package models

import "time"

// Record is a fetched page held by the fetch cache.
type Record struct {
	Content   string
	ExpiresAt time.Time
}

// NewRecord creates a Record that expires ttl after now.
func NewRecord(content string, now time.Time, ttl time.Duration) *Record {
	return &Record{
		Content:   content,
		ExpiresAt: now.Add(ttl),
	}
}

// IsExpired reports whether the record is logically absent at now.
// A record is served strictly before ExpiresAt and refetched at or after it.
func (r *Record) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
