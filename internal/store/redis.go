package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"goflare.io/recall/internal/retrier"
)

// RedisSettings configures the resilience wrapped around every Redis command.
type RedisSettings struct {
	Breaker gobreaker.Settings
	Retry   retrier.Settings
	Logger  *zap.Logger
}

// Redis is a Store backed by a Redis server.
type Redis struct {
	client  redis.Cmdable
	breaker *gobreaker.CircuitBreaker
	retrier *retrier.Retrier
	tracer  trace.Tracer
	logger  *zap.Logger

	// dialRetrier 只重試未送達伺服器的命令
	dialRetrier *retrier.Retrier
}

// NewRedis wraps client. The caller keeps ownership of client until Close is called.
func NewRedis(client redis.Cmdable, settings RedisSettings) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}

	logger := settings.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r, err := retrier.New(settings.Retry, isTransient)
	if err != nil {
		return nil, fmt.Errorf("failed to create retrier: %w", err)
	}
	dr, err := retrier.New(settings.Retry, isDialFailure)
	if err != nil {
		return nil, fmt.Errorf("failed to create retrier: %w", err)
	}

	breakerSettings := settings.Breaker
	if breakerSettings.IsSuccessful == nil {
		// Only connectivity problems count against the breaker.
		breakerSettings.IsSuccessful = func(err error) bool {
			return !isUnreachable(err)
		}
	}
	if breakerSettings.OnStateChange == nil {
		breakerSettings.OnStateChange = func(name string, from, to gobreaker.State) {
			logger.Warn("Redis circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		}
	}

	return &Redis{
		client:      client,
		breaker:     gobreaker.NewCircuitBreaker(breakerSettings),
		retrier:     r,
		dialRetrier: dr,
		tracer:      otel.Tracer("recall/store"),
		logger:      logger,
	}, nil
}

// execute runs fn under a span, the circuit breaker and the retrier, then classifies the error.
// Commands that are not idempotent are retried only when they never reached the server:
// a timeout may arrive after INCR or RPUSH was already applied.
func (r *Redis) execute(ctx context.Context, op, key string, idempotent bool, fn func(ctx context.Context) error) error {
	ctx, span := r.tracer.Start(ctx, "store."+op, trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	rt := r.retrier
	if !idempotent {
		rt = r.dialRetrier
	}

	_, err := r.breaker.Execute(func() (any, error) {
		return nil, rt.Run(ctx, func() error {
			return fn(ctx)
		})
	})
	if err == nil {
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	switch {
	case isUnreachable(err):
		r.logger.Debug("Redis unreachable", zap.String("op", op), zap.String("key", key), zap.Error(err))
		return Unavailable(op, err)
	case isWrongType(err):
		return fmt.Errorf("%s %s: %w: %w", op, key, ErrWrongType, err)
	default:
		return fmt.Errorf("redis %s %s failed: %w", op, key, err)
	}
}

// Set stores value under key without expiration.
func (r *Redis) Set(ctx context.Context, key string, value any) error {
	data, err := Encode(value)
	if err != nil {
		return err
	}
	return r.execute(ctx, "set", key, true, func(ctx context.Context) error {
		return r.client.Set(ctx, key, data, 0).Err()
	})
}

// SetExpiring stores value under key with a server-side TTL.
func (r *Redis) SetExpiring(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	data, err := Encode(value)
	if err != nil {
		return err
	}
	return r.execute(ctx, "setex", key, true, func(ctx context.Context) error {
		return r.client.Set(ctx, key, data, ttl).Err()
	})
}

// Get returns the value stored at key.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var data []byte
	found := false

	err := r.execute(ctx, "get", key, true, func(ctx context.Context) error {
		b, err := r.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		data, found = b, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return data, found, nil
}

// Incr increments the integer stored at key.
func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := r.execute(ctx, "incr", key, false, func(ctx context.Context) error {
		var err error
		n, err = r.client.Incr(ctx, key).Result()
		return err
	})
	return n, err
}

// Append pushes value to the tail of the list at key.
func (r *Redis) Append(ctx context.Context, key string, value any) error {
	data, err := Encode(value)
	if err != nil {
		return err
	}
	return r.execute(ctx, "rpush", key, false, func(ctx context.Context) error {
		return r.client.RPush(ctx, key, data).Err()
	})
}

// Range returns list elements between start and stop.
func (r *Redis) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	var items []string
	err := r.execute(ctx, "lrange", key, true, func(ctx context.Context) error {
		var err error
		items, err = r.client.LRange(ctx, key, start, stop).Result()
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([][]byte, len(items))
	for i, item := range items {
		out[i] = []byte(item)
	}
	return out, nil
}

// Exists reports whether key is present.
func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	err := r.execute(ctx, "exists", key, true, func(ctx context.Context) error {
		var err error
		n, err = r.client.Exists(ctx, key).Result()
		return err
	})
	return n > 0, err
}

// Flush removes every key of the selected database.
func (r *Redis) Flush(ctx context.Context) error {
	return r.execute(ctx, "flushdb", "", true, func(ctx context.Context) error {
		return r.client.FlushDB(ctx).Err()
	})
}

// Close closes the underlying client when it supports closing.
func (r *Redis) Close() error {
	if closer, ok := r.client.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			return fmt.Errorf("failed to close redis client: %w", err)
		}
	}
	return nil
}

func isUnreachable(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests) ||
		errors.Is(err, redis.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func isTransient(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	return retrier.IsTemporary(err)
}

// isDialFailure reports whether err happened while connecting, before any command was sent.
func isDialFailure(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func isWrongType(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "WRONGTYPE") || strings.Contains(msg, "not an integer")
}
