package fetchcache

import "errors"

var (
	// ErrFetch wraps errors returned by the Fetcher. The original error stays reachable with errors.Is.
	ErrFetch = errors.New("fetch failed")
	// ErrLocalSetFailed is logged when the local tier drops a record.
	ErrLocalSetFailed = errors.New("local tier rejected record")
)
