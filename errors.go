package recall

import (
	"goflare.io/recall/internal/entrycache"
	"goflare.io/recall/internal/fetchcache"
	"goflare.io/recall/internal/store"
)

var (
	// ErrStoreUnavailable is returned when the backing store cannot be reached.
	ErrStoreUnavailable = store.ErrUnavailable
	// ErrUnsupportedValue is returned when storing a value that is not text, bytes or a number.
	ErrUnsupportedValue = store.ErrUnsupportedValue
	// ErrDecode is returned when a stored value cannot be decoded.
	ErrDecode = entrycache.ErrDecode
	// ErrKeyExhausted is returned when no unused key could be minted.
	ErrKeyExhausted = entrycache.ErrKeyExhausted
	// ErrFetch wraps errors returned by the page fetcher.
	ErrFetch = fetchcache.ErrFetch
)
