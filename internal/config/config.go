package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"goflare.io/recall/internal/retrier"
	"goflare.io/recall/internal/utils"
	"goflare.io/recall/pkg/serialization"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config 用於 recall 的配置
type Config struct {
	Backend      string
	Redis        RedisConfig
	FlushOnStart bool

	FetchTTL  time.Duration
	LocalTier LocalTierConfig
	KeyFilter KeyFilterConfig

	ResilienceConfig ResilienceConfig
	Serialization    SerializationConfig
	MetricsNamespace string

	Clock  utils.Clock
	Logger *zap.Logger
}

// RedisConfig Redis 連線配置；Client 非空時優先使用
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
	Client      redis.Cmdable
}

// LocalTierConfig fetch cache 本地快取配置
type LocalTierConfig struct {
	Enabled bool
	MaxCost int64
}

// KeyFilterConfig 用於布隆過濾器的配置
type KeyFilterConfig struct {
	Enabled           bool
	ExpectedItems     uint
	FalsePositiveRate float64
	StoreKey          string
}

// ResilienceConfig 用於設置重試和熔斷器
type ResilienceConfig struct {
	CircuitBreaker gobreaker.Settings
	Retry          retrier.Settings
}

// SerializationConfig 序列化相關配置
type SerializationConfig struct {
	Type  string
	Codec serialization.Codec
}

// Option 函數類型
type Option func(*Config) error

var (
	ErrUnknownBackend     = errors.New("unknown store backend")
	ErrInvalidFetchTTL    = errors.New("fetch ttl must be positive")
	ErrInvalidLocalTier   = errors.New("local tier max cost must be positive")
	ErrInvalidKeyFilter   = errors.New("key filter needs expected items and a false positive rate in (0, 1)")
	ErrMissingRedisAddr   = errors.New("redis backend requires an address or a client")
	ErrMissingStoreKey    = errors.New("key filter store key must not be empty")
	ErrInvalidDialTimeout = errors.New("redis dial timeout must not be negative")
)

// NewConfig 創建一個默認的 Config，允許覆蓋特定參數
func NewConfig(options ...Option) (*Config, error) {
	cfg := &Config{
		Backend: BackendMemory,
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			DialTimeout: 5 * time.Second,
		},
		FlushOnStart: true,
		FetchTTL:     10 * time.Second,
		KeyFilter: KeyFilterConfig{
			Enabled:           true,
			ExpectedItems:     10000,
			FalsePositiveRate: 0.01,
			StoreKey:          "recall:key_filter",
		},
		ResilienceConfig: ResilienceConfig{
			CircuitBreaker: gobreaker.Settings{
				Name:        "RedisCircuitBreaker",
				MaxRequests: 3,
				Interval:    60 * time.Second,
				Timeout:     30 * time.Second,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures > 5
				},
			},
			Retry: retrier.Settings{
				MaxAttempts: 3,
				BaseDelay:   100 * time.Millisecond,
				MaxDelay:    time.Second,
				Factor:      2,
				Jitter:      0.1,
				Strategy:    retrier.ExponentialBackoff,
			},
		},
		Serialization: SerializationConfig{
			Type:  serialization.JSONType,
			Codec: serialization.JSON,
		},
		MetricsNamespace: "recall",
		Clock:            utils.SystemClock,
		Logger:           zap.NewNop(),
	}

	// 應用所有選項
	for _, option := range options {
		if err := option(cfg); err != nil {
			return nil, err
		}
	}

	// 最終檢查
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that options cannot check in isolation.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Client == nil && c.Redis.Addr == "" {
			return ErrMissingRedisAddr
		}
		if c.Redis.DialTimeout < 0 {
			return ErrInvalidDialTimeout
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Backend)
	}

	if c.FetchTTL <= 0 {
		return ErrInvalidFetchTTL
	}
	if c.LocalTier.Enabled && c.LocalTier.MaxCost <= 0 {
		return ErrInvalidLocalTier
	}
	if c.KeyFilter.Enabled {
		if c.KeyFilter.ExpectedItems == 0 || c.KeyFilter.FalsePositiveRate <= 0 || c.KeyFilter.FalsePositiveRate >= 1 {
			return ErrInvalidKeyFilter
		}
		if c.KeyFilter.StoreKey == "" {
			return ErrMissingStoreKey
		}
	}
	return nil
}

// WithLogger 設置自定義 Logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) error {
		if logger != nil {
			c.Logger = logger
		}
		return nil
	}
}

// WithBackend selects the store backend by name.
func WithBackend(backend string) Option {
	return func(c *Config) error {
		c.Backend = backend
		return nil
	}
}

// WithRedis 使用 Redis 作為存儲
func WithRedis(addr, password string, db int) Option {
	return func(c *Config) error {
		if addr == "" {
			return ErrMissingRedisAddr
		}
		if db < 0 {
			return fmt.Errorf("redis db must not be negative: %d", db)
		}
		c.Backend = BackendRedis
		c.Redis.Addr = addr
		c.Redis.Password = password
		c.Redis.DB = db
		return nil
	}
}

// WithRedisClient uses an existing client instead of dialing Redis.
func WithRedisClient(client redis.Cmdable) Option {
	return func(c *Config) error {
		if client == nil {
			return ErrMissingRedisAddr
		}
		c.Backend = BackendRedis
		c.Redis.Client = client
		return nil
	}
}

// WithFlushOnStart controls whether the store is emptied when recall starts.
func WithFlushOnStart(flush bool) Option {
	return func(c *Config) error {
		c.FlushOnStart = flush
		return nil
	}
}

// WithFetchTTL 設置頁面快取的有效時間
func WithFetchTTL(ttl time.Duration) Option {
	return func(c *Config) error {
		if ttl <= 0 {
			return ErrInvalidFetchTTL
		}
		c.FetchTTL = ttl
		return nil
	}
}

// WithLocalTier 啟用本地快取
func WithLocalTier(maxCost int64) Option {
	return func(c *Config) error {
		if maxCost <= 0 {
			return ErrInvalidLocalTier
		}
		c.LocalTier = LocalTierConfig{Enabled: true, MaxCost: maxCost}
		return nil
	}
}

// WithKeyFilter sizes the bloom filter of minted keys.
func WithKeyFilter(expectedItems uint, falsePositiveRate float64) Option {
	return func(c *Config) error {
		c.KeyFilter.Enabled = true
		c.KeyFilter.ExpectedItems = expectedItems
		c.KeyFilter.FalsePositiveRate = falsePositiveRate
		return nil
	}
}

// WithoutKeyFilter 關閉布隆過濾器，每次鑄造 key 都查詢存儲
func WithoutKeyFilter() Option {
	return func(c *Config) error {
		c.KeyFilter.Enabled = false
		return nil
	}
}

// WithCircuitBreaker replaces the Redis circuit breaker settings.
func WithCircuitBreaker(settings gobreaker.Settings) Option {
	return func(c *Config) error {
		c.ResilienceConfig.CircuitBreaker = settings
		return nil
	}
}

// WithRetry replaces the Redis retry settings.
func WithRetry(settings retrier.Settings) Option {
	return func(c *Config) error {
		if _, err := retrier.New(settings, nil); err != nil {
			return fmt.Errorf("invalid retry settings: %w", err)
		}
		c.ResilienceConfig.Retry = settings
		return nil
	}
}

// WithSerialization 設置記錄的序列化方式
func WithSerialization(name string) Option {
	return func(c *Config) error {
		codec, err := serialization.Lookup(name)
		if err != nil {
			return err
		}
		c.Serialization = SerializationConfig{Type: codec.Name, Codec: codec}
		return nil
	}
}

// WithMetricsNamespace sets the Prometheus namespace.
func WithMetricsNamespace(namespace string) Option {
	return func(c *Config) error {
		c.MetricsNamespace = namespace
		return nil
	}
}

// WithClock sets the clock used for record and store expiry.
func WithClock(clock utils.Clock) Option {
	return func(c *Config) error {
		if clock == nil {
			return errors.New("clock must not be nil")
		}
		c.Clock = clock
		return nil
	}
}
