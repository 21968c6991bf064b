// Package entrycache stores scalar values under freshly minted keys.
package entrycache

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"goflare.io/recall/internal/store"
	"goflare.io/recall/internal/tracker"
)

// StoreIdentity is the identity Store calls are tracked under.
const StoreIdentity = "Cache.Store"

const defaultMintAttempts = 8

var (
	// ErrDecode is returned when a decoder cannot interpret a stored value.
	ErrDecode = errors.New("decode failed")
	// ErrKeyExhausted is returned when no unused key could be minted.
	ErrKeyExhausted = errors.New("could not mint an unused key")
)

// Key identifies a stored value.
type Key string

// Cache stores values under unique keys. Store failures are returned to the caller.
type Cache struct {
	kv           store.Store
	keys         *KeyFilter
	keySettings  *KeyFilterSettings
	logger       *zap.Logger
	newKey       func() string
	mintAttempts int
	storeOp      *tracker.Operation[any, Key]
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithKeyFilter registers minted keys in a bloom filter with the given settings.
func WithKeyFilter(settings KeyFilterSettings) Option {
	return func(c *Cache) {
		c.keySettings = &settings
	}
}

// WithKeyGenerator replaces the UUID key generator.
func WithKeyGenerator(fn func() string) Option {
	return func(c *Cache) {
		if fn != nil {
			c.newKey = fn
		}
	}
}

// WithTracker tracks Store calls under StoreIdentity.
func WithTracker(t *tracker.Tracker) Option {
	return func(c *Cache) {
		c.storeOp = tracker.Track(t, StoreIdentity, c.store)
	}
}

// New creates a Cache on st and loads a previously saved key filter, if any.
func New(ctx context.Context, st store.Store, opts ...Option) (*Cache, error) {
	if st == nil {
		return nil, errors.New("entry cache requires a store")
	}

	c := &Cache{
		kv:           st,
		logger:       zap.NewNop(),
		newKey:       func() string { return uuid.NewString() },
		mintAttempts: defaultMintAttempts,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.storeOp == nil {
		c.storeOp = tracker.Track[any, Key](nil, StoreIdentity, c.store)
	}

	if c.keySettings != nil {
		c.keys = NewKeyFilter(c.kv, *c.keySettings, c.logger)
		if err := c.keys.Load(ctx); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Store saves value under a new key and returns the key.
func (c *Cache) Store(ctx context.Context, value any) (Key, error) {
	return c.storeOp.Call(ctx, value)
}

// StoreOperation returns the tracked Store operation for replay.
func (c *Cache) StoreOperation() tracker.Replayable {
	return c.storeOp
}

func (c *Cache) store(ctx context.Context, value any) (Key, error) {
	if _, err := store.Encode(value); err != nil {
		return "", err
	}

	key, err := c.mint(ctx)
	if err != nil {
		return "", err
	}
	if err := c.kv.Set(ctx, key, value); err != nil {
		return "", fmt.Errorf("failed to store value: %w", err)
	}
	if c.keys != nil {
		c.keys.Add(key)
	}

	c.logger.Debug("Stored value", zap.String("key", key))
	return Key(key), nil
}

func (c *Cache) mint(ctx context.Context) (string, error) {
	for attempt := 0; attempt < c.mintAttempts; attempt++ {
		key := c.newKey()
		if c.keys != nil && !c.keys.Test(key) {
			return key, nil
		}

		taken, err := c.kv.Exists(ctx, key)
		if err != nil {
			return "", fmt.Errorf("failed to check key: %w", err)
		}
		if !taken {
			return key, nil
		}
		c.logger.Debug("Minted key already in use", zap.String("key", key), zap.Int("attempt", attempt))
	}
	return "", ErrKeyExhausted
}

// Get returns the raw value at key. A missing key yields found=false and no error.
func (c *Cache) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	raw, found, err := c.kv.Get(ctx, string(key))
	if err != nil {
		return nil, false, fmt.Errorf("failed to retrieve value: %w", err)
	}
	return raw, found, nil
}

// Retrieve reads key and applies decode to the value when it exists.
func Retrieve[T any](ctx context.Context, c *Cache, key Key, decode Decoder[T]) (T, bool, error) {
	var zero T
	if decode == nil {
		return zero, false, fmt.Errorf("%w: nil decoder", ErrDecode)
	}

	raw, found, err := c.Get(ctx, key)
	if err != nil || !found {
		return zero, false, err
	}

	v, err := decode(raw)
	if err != nil {
		if !errors.Is(err, ErrDecode) {
			err = fmt.Errorf("%w: %w", ErrDecode, err)
		}
		return zero, true, err
	}
	return v, true, nil
}

// GetString returns the value at key as text.
func (c *Cache) GetString(ctx context.Context, key Key) (string, bool, error) {
	return Retrieve(ctx, c, key, DecodeString)
}

// GetInt returns the value at key as an integer.
func (c *Cache) GetInt(ctx context.Context, key Key) (int64, bool, error) {
	return Retrieve(ctx, c, key, DecodeInt)
}

// GetFloat returns the value at key as a float.
func (c *Cache) GetFloat(ctx context.Context, key Key) (float64, bool, error) {
	return Retrieve(ctx, c, key, DecodeFloat)
}

// SaveKeys persists the key filter. It is a no-op without one.
func (c *Cache) SaveKeys(ctx context.Context) error {
	if c.keys == nil {
		return nil
	}
	return c.keys.Save(ctx)
}
