package store

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"goflare.io/recall/internal/utils"
)

var errMemoryClosed = errors.New("memory store is closed")

type memoryValue struct {
	data      []byte
	list      [][]byte
	isList    bool
	expiresAt time.Time
}

func (v *memoryValue) expired(now time.Time) bool {
	return !v.expiresAt.IsZero() && !now.Before(v.expiresAt)
}

// Memory is an in-process Store. Expired keys are dropped lazily when touched.
type Memory struct {
	mu     sync.Mutex
	items  map[string]*memoryValue
	clock  utils.Clock
	logger *zap.Logger
	closed bool
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock sets the clock used for expiration.
func WithClock(clock utils.Clock) MemoryOption {
	return func(m *Memory) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithMemoryLogger sets the logger.
func WithMemoryLogger(logger *zap.Logger) MemoryOption {
	return func(m *Memory) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewMemory creates an empty Memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		items:  make(map[string]*memoryValue),
		clock:  utils.SystemClock,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// lookup returns the live value at key. Caller holds m.mu.
func (m *Memory) lookup(key string) (*memoryValue, bool) {
	v, ok := m.items[key]
	if !ok {
		return nil, false
	}
	if v.expired(m.clock.Now()) {
		delete(m.items, key)
		return nil, false
	}
	return v, true
}

func (m *Memory) begin(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.closed {
		return Unavailable(op, errMemoryClosed)
	}
	return nil
}

// Set stores value under key without expiration.
func (m *Memory) Set(ctx context.Context, key string, value any) error {
	return m.set(ctx, "set", key, value, 0)
}

// SetExpiring stores value under key; it becomes unreadable once ttl has elapsed.
func (m *Memory) SetExpiring(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return m.set(ctx, "setex", key, value, ttl)
}

func (m *Memory) set(ctx context.Context, op, key string, value any, ttl time.Duration) error {
	data, err := Encode(value)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, op); err != nil {
		return err
	}

	v := &memoryValue{data: data}
	if ttl > 0 {
		v.expiresAt = m.clock.Now().Add(ttl)
	}
	m.items[key] = v
	return nil
}

// Get returns the value stored at key.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, "get"); err != nil {
		return nil, false, err
	}

	v, ok := m.lookup(key)
	if !ok {
		return nil, false, nil
	}
	if v.isList {
		return nil, false, ErrWrongType
	}
	out := make([]byte, len(v.data))
	copy(out, v.data)
	return out, true, nil
}

// Incr increments the integer stored at key.
func (m *Memory) Incr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, "incr"); err != nil {
		return 0, err
	}

	v, ok := m.lookup(key)
	if !ok {
		v = &memoryValue{data: []byte("0")}
		m.items[key] = v
	}
	if v.isList {
		return 0, ErrWrongType
	}
	n, err := strconv.ParseInt(string(v.data), 10, 64)
	if err != nil {
		return 0, ErrWrongType
	}
	n++
	v.data = strconv.AppendInt(v.data[:0], n, 10)
	return n, nil
}

// Append pushes value to the tail of the list at key.
func (m *Memory) Append(ctx context.Context, key string, value any) error {
	data, err := Encode(value)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, "rpush"); err != nil {
		return err
	}

	v, ok := m.lookup(key)
	if !ok {
		v = &memoryValue{isList: true}
		m.items[key] = v
	}
	if !v.isList {
		return ErrWrongType
	}
	v.list = append(v.list, data)
	return nil
}

// Range returns a copy of the list elements between start and stop.
func (m *Memory) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, "lrange"); err != nil {
		return nil, err
	}

	v, ok := m.lookup(key)
	if !ok {
		return [][]byte{}, nil
	}
	if !v.isList {
		return nil, ErrWrongType
	}
	lo, hi, ok := normalizeRange(len(v.list), start, stop)
	if !ok {
		return [][]byte{}, nil
	}
	out := make([][]byte, 0, hi-lo)
	for _, item := range v.list[lo:hi] {
		cp := make([]byte, len(item))
		copy(cp, item)
		out = append(out, cp)
	}
	return out, nil
}

// Exists reports whether key holds a live value.
func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, "exists"); err != nil {
		return false, err
	}
	_, ok := m.lookup(key)
	return ok, nil
}

// Flush removes every key.
func (m *Memory) Flush(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, "flushdb"); err != nil {
		return err
	}
	m.items = make(map[string]*memoryValue)
	m.logger.Debug("Flushed memory store")
	return nil
}

// Close releases the store. Every later call fails with ErrUnavailable.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.items = nil
	return nil
}
