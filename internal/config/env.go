package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
)

// Env 從環境變量讀取的配置
type Env struct {
	Backend          string        `env:"RECALL_BACKEND" envDefault:"memory"`
	RedisAddr        string        `env:"RECALL_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword    string        `env:"RECALL_REDIS_PASSWORD"`
	RedisDB          int           `env:"RECALL_REDIS_DB" envDefault:"0"`
	FlushOnStart     bool          `env:"RECALL_FLUSH_ON_START" envDefault:"true"`
	FetchTTL         time.Duration `env:"RECALL_FETCH_TTL" envDefault:"10s"`
	LocalTierMaxCost int64         `env:"RECALL_LOCAL_TIER_MAX_COST" envDefault:"0"`
	Serialization    string        `env:"RECALL_SERIALIZATION" envDefault:"json"`
	LogLevel         string        `env:"RECALL_LOG_LEVEL" envDefault:"info"`
}

// LoadEnv parses the RECALL_* environment variables.
func LoadEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	return e, nil
}

// Options converts the environment into config options. logger may be nil.
func (e Env) Options(logger *zap.Logger) []Option {
	opts := []Option{
		WithLogger(logger),
		WithFlushOnStart(e.FlushOnStart),
		WithFetchTTL(e.FetchTTL),
		WithSerialization(e.Serialization),
	}
	switch e.Backend {
	case BackendRedis:
		opts = append(opts, WithRedis(e.RedisAddr, e.RedisPassword, e.RedisDB))
	default:
		opts = append(opts, WithBackend(e.Backend))
	}
	if e.LocalTierMaxCost > 0 {
		opts = append(opts, WithLocalTier(e.LocalTierMaxCost))
	}
	return opts
}

// FromEnv builds a Config from the environment; extra options are applied last.
func FromEnv(logger *zap.Logger, extra ...Option) (*Config, error) {
	e, err := LoadEnv()
	if err != nil {
		return nil, err
	}
	return NewConfig(append(e.Options(logger), extra...)...)
}

// NewLogger 根據日誌等級創建 Logger，debug 使用開發模式
func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	if lvl.Level() == zap.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = lvl
	return cfg.Build()
}
