// Package store defines the key-value backend shared by every recall component.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	// ErrUnavailable is returned when the backing store cannot be reached.
	ErrUnavailable = errors.New("store unavailable")
	// ErrUnsupportedValue is returned for values that are not a string, byte slice, integer or float.
	ErrUnsupportedValue = errors.New("unsupported value type")
	// ErrInvalidTTL is returned by SetExpiring for a non-positive ttl.
	ErrInvalidTTL = errors.New("ttl must be positive")
	// ErrWrongType is returned when a key holds a value of the wrong kind for the operation.
	ErrWrongType = errors.New("operation against a key holding the wrong kind of value")
)

// Store is a minimal key-value backend with counters and append-only lists.
type Store interface {
	Set(ctx context.Context, key string, value any) error
	SetExpiring(ctx context.Context, key string, value any, ttl time.Duration) error
	// Get returns found=false with a nil error when the key does not exist.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Incr atomically increments the integer at key, creating it at 0 first.
	Incr(ctx context.Context, key string) (int64, error)
	Append(ctx context.Context, key string, value any) error
	// Range returns list elements between start and stop inclusive; negative indexes count from the end.
	Range(ctx context.Context, key string, start, stop int64) ([][]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Flush(ctx context.Context) error
	Close() error
}

// Unavailable wraps err so that errors.Is(err, ErrUnavailable) reports true.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// IsUnavailable reports whether err was caused by an unreachable store.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// Encode converts a scalar value to the bytes a Redis server would store for it.
func Encode(value any) ([]byte, error) {
	switch v := value.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		out := make([]byte, len(v))
		copy(out, v)
		return out, nil
	case int:
		return strconv.AppendInt(nil, int64(v), 10), nil
	case int8:
		return strconv.AppendInt(nil, int64(v), 10), nil
	case int16:
		return strconv.AppendInt(nil, int64(v), 10), nil
	case int32:
		return strconv.AppendInt(nil, int64(v), 10), nil
	case int64:
		return strconv.AppendInt(nil, v, 10), nil
	case uint:
		return strconv.AppendUint(nil, uint64(v), 10), nil
	case uint8:
		return strconv.AppendUint(nil, uint64(v), 10), nil
	case uint16:
		return strconv.AppendUint(nil, uint64(v), 10), nil
	case uint32:
		return strconv.AppendUint(nil, uint64(v), 10), nil
	case uint64:
		return strconv.AppendUint(nil, v, 10), nil
	case float32:
		return strconv.AppendFloat(nil, float64(v), 'f', -1, 32), nil
	case float64:
		return strconv.AppendFloat(nil, v, 'f', -1, 64), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, value)
	}
}

// normalizeRange converts Redis-style inclusive indexes into slice bounds for a list of n items.
func normalizeRange(n int, start, stop int64) (int, int, bool) {
	size := int64(n)
	if start < 0 {
		start += size
	}
	if stop < 0 {
		stop += size
	}
	if start < 0 {
		start = 0
	}
	if stop >= size {
		stop = size - 1
	}
	if start > stop || start >= size {
		return 0, 0, false
	}
	return int(start), int(stop) + 1, true
}
