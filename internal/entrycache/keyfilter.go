package entrycache

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"go.uber.org/zap"

	"goflare.io/recall/internal/store"
)

// KeyFilterSettings sizes the key registry and names the key its snapshot is saved under.
type KeyFilterSettings struct {
	ExpectedItems     uint
	FalsePositiveRate float64
	StoreKey          string
}

// KeyFilter remembers every minted key. A negative test proves a key was never handed out.
type KeyFilter struct {
	mu       sync.Mutex
	filter   *bloom.BloomFilter
	settings KeyFilterSettings
	store    store.Store
	logger   *zap.Logger
}

// NewKeyFilter creates an empty KeyFilter persisted to st.
func NewKeyFilter(st store.Store, settings KeyFilterSettings, logger *zap.Logger) *KeyFilter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyFilter{
		filter:   bloom.NewWithEstimates(settings.ExpectedItems, settings.FalsePositiveRate),
		settings: settings,
		store:    st,
		logger:   logger,
	}
}

// Add records key as minted.
func (kf *KeyFilter) Add(key string) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.filter.Add([]byte(key))
}

// Test reports whether key may have been minted before.
func (kf *KeyFilter) Test(key string) bool {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	return kf.filter.Test([]byte(key))
}

// Save persists the filter to the store as base64.
func (kf *KeyFilter) Save(ctx context.Context) error {
	kf.mu.Lock()
	var buf bytes.Buffer
	_, err := kf.filter.WriteTo(&buf)
	kf.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to serialize key filter: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(buf.Bytes())
	if err := kf.store.Set(ctx, kf.settings.StoreKey, encoded); err != nil {
		return fmt.Errorf("failed to save key filter: %w", err)
	}
	return nil
}

// Load replaces the filter with the saved snapshot, if there is one.
func (kf *KeyFilter) Load(ctx context.Context) error {
	raw, found, err := kf.store.Get(ctx, kf.settings.StoreKey)
	if err != nil {
		return fmt.Errorf("failed to load key filter: %w", err)
	}
	if !found {
		kf.logger.Debug("Key filter not found in store, starting empty")
		return nil
	}

	decoded, err := base64.StdEncoding.DecodeString(string(raw))
	if err != nil {
		return fmt.Errorf("failed to decode key filter: %w", err)
	}

	filter := bloom.NewWithEstimates(kf.settings.ExpectedItems, kf.settings.FalsePositiveRate)
	if _, err := filter.ReadFrom(bytes.NewReader(decoded)); err != nil {
		return fmt.Errorf("failed to deserialize key filter: %w", err)
	}

	kf.mu.Lock()
	kf.filter = filter
	kf.mu.Unlock()
	return nil
}
