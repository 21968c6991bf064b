// Package fetchcache memoizes page fetches for a fixed TTL and counts every access per URL.
package fetchcache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"goflare.io/recall/internal/metrics"
	"goflare.io/recall/internal/models"
	"goflare.io/recall/internal/store"
	"goflare.io/recall/internal/utils"
	"goflare.io/recall/pkg/serialization"
)

// DefaultTTL is how long a fetched page is served before it is fetched again.
const DefaultTTL = 10 * time.Second

// DefaultFetchTimeout bounds a shared upstream fetch, which outlives any single caller.
const DefaultFetchTimeout = 30 * time.Second

const (
	recordPrefix  = "page_content"
	counterPrefix = "count"
)

// RecordKey returns the store key holding the cached page for url.
func RecordKey(url string) string {
	return utils.JoinKey(recordPrefix, url)
}

// CounterKey returns the store key counting accesses to url.
func CounterKey(url string) string {
	return utils.JoinKey(counterPrefix, url)
}

// Cache serves fetched pages from the store until their record expires.
type Cache struct {
	store   store.Store
	fetcher Fetcher
	ttl     time.Duration
	timeout time.Duration
	clock   utils.Clock
	codec   serialization.Codec
	sf      *singleflight.Group

	localMaxCost int64
	local        *localTier

	stats   *models.Stats
	metrics *metrics.Collector
	logger  *zap.Logger
	tracer  trace.Tracer
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets the record lifetime. Non-positive values keep the default.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.ttl = utils.GetExpirationTime(c.ttl, ttl)
	}
}

// WithFetchTimeout bounds each upstream fetch. Non-positive values keep the default.
func WithFetchTimeout(timeout time.Duration) Option {
	return func(c *Cache) {
		c.timeout = utils.GetExpirationTime(c.timeout, timeout)
	}
}

// WithClock sets the clock records are stamped and checked with.
func WithClock(clock utils.Clock) Option {
	return func(c *Cache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithCodec sets the codec records are persisted with.
func WithCodec(codec serialization.Codec) Option {
	return func(c *Cache) {
		if codec.NewEncoder != nil && codec.NewDecoder != nil {
			c.codec = codec
		}
	}
}

// WithLocalTier keeps decoded records in an in-process cache holding up to maxCost records.
func WithLocalTier(maxCost int64) Option {
	return func(c *Cache) {
		c.localMaxCost = maxCost
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(c *Cache) {
		c.metrics = collector
	}
}

// New creates a Cache that stores records in st and fetches misses with fetcher.
func New(st store.Store, fetcher Fetcher, opts ...Option) (*Cache, error) {
	if st == nil {
		return nil, errors.New("fetch cache requires a store")
	}
	if fetcher == nil {
		return nil, errors.New("fetch cache requires a fetcher")
	}

	c := &Cache{
		store:   st,
		fetcher: fetcher,
		ttl:     DefaultTTL,
		timeout: DefaultFetchTimeout,
		clock:   utils.SystemClock,
		codec:   serialization.JSON,
		sf:      &singleflight.Group{},
		stats:   models.NewStats(),
		logger:  zap.NewNop(),
		tracer:  otel.Tracer("recall/fetchcache"),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.localMaxCost > 0 {
		local, err := newLocalTier(c.localMaxCost, c.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create local tier: %w", err)
		}
		c.local = local
	}
	return c, nil
}

// TTL returns the record lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Fetch returns the page at url, from the cache while its record is live.
// Every call counts as an access, whether it hits or not.
func (c *Cache) Fetch(ctx context.Context, url string) (string, error) {
	ctx, span := c.tracer.Start(ctx, "fetchcache.Fetch", trace.WithAttributes(attribute.String("url", url)))
	defer span.End()

	c.countAccess(ctx, url)

	now := c.clock.Now()
	if c.local != nil {
		if rec, ok := c.local.get(url, now); ok {
			c.hit(span, "local")
			return rec.Content, nil
		}
	}

	rec, err := c.load(ctx, url)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	if rec != nil && !rec.IsExpired(now) {
		c.remember(url, rec, now)
		c.hit(span, "store")
		return rec.Content, nil
	}

	c.stats.Misses.Inc()
	c.metrics.ObserveFetch(metrics.ResultMiss)
	span.SetAttributes(attribute.Bool("hit", false))

	// 共享的 fetch 不隨任何一個呼叫者取消，每個呼叫者各自等待自己的 ctx
	flight := c.sf.DoChan(url, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.refresh(fctx, url)
	})

	select {
	case <-ctx.Done():
		err := ctx.Err()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	case res := <-flight:
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
			return "", res.Err
		}
		if res.Shared {
			c.logger.Debug("Shared in-flight fetch", zap.String("url", url))
		}
		return res.Val.(string), nil
	}
}

func (c *Cache) hit(span trace.Span, tier string) {
	c.stats.Hits.Inc()
	c.metrics.ObserveFetch(metrics.ResultHit)
	span.SetAttributes(attribute.Bool("hit", true), attribute.String("tier", tier))
}

// countAccess 計數失敗不影響 fetch
func (c *Cache) countAccess(ctx context.Context, url string) {
	if _, err := c.store.Incr(ctx, CounterKey(url)); err != nil {
		c.logger.Warn("Failed to count access",
			zap.String("url", url),
			zap.Bool("unavailable", store.IsUnavailable(err)),
			zap.Error(err))
	}
}

// load returns the stored record for url, or nil when there is none or it cannot be decoded.
func (c *Cache) load(ctx context.Context, url string) (*models.Record, error) {
	raw, found, err := c.store.Get(ctx, RecordKey(url))
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	if !found {
		return nil, nil
	}

	var rec models.Record
	if err := c.codec.Unmarshal(raw, &rec); err != nil {
		c.logger.Warn("Discarding undecodable record",
			zap.String("url", url),
			zap.String("codec", c.codec.Name),
			zap.Error(err))
		return nil, nil
	}
	return &rec, nil
}

// refresh fetches url and stores the result. Failed fetches store nothing.
func (c *Cache) refresh(ctx context.Context, url string) (string, error) {
	start := time.Now()
	content, err := c.fetcher.Fetch(ctx, url)
	c.metrics.ObserveFetchDuration(time.Since(start).Seconds())
	if err != nil {
		c.stats.FetchErrors.Inc()
		c.metrics.ObserveFetch(metrics.ResultError)
		c.logger.Warn("Upstream fetch failed", zap.String("url", url), zap.Error(err))
		return "", fmt.Errorf("%w: %s: %w", ErrFetch, url, err)
	}

	now := c.clock.Now()
	rec := models.NewRecord(content, now, c.ttl)
	data, err := c.codec.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to encode record: %w", err)
	}
	if err := c.store.SetExpiring(ctx, RecordKey(url), data, c.ttl); err != nil {
		return "", fmt.Errorf("failed to write record: %w", err)
	}
	c.remember(url, rec, now)

	c.logger.Debug("Cached page",
		zap.String("url", url),
		zap.Time("expires_at", rec.ExpiresAt))
	return content, nil
}

func (c *Cache) remember(url string, rec *models.Record, now time.Time) {
	if c.local == nil {
		return
	}
	if err := c.local.set(url, rec, now); err != nil {
		c.logger.Debug("Local tier skipped record", zap.String("url", url), zap.Error(err))
	}
}

// AccessCount returns how many times url has been fetched through the cache.
func (c *Cache) AccessCount(ctx context.Context, url string) (int64, error) {
	raw, found, err := c.store.Get(ctx, CounterKey(url))
	if err != nil {
		return 0, fmt.Errorf("failed to read access count: %w", err)
	}
	if !found {
		return 0, nil
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: access count %q", store.ErrWrongType, raw)
	}
	return n, nil
}

// Stats returns a snapshot of hit, miss and fetch error counts.
func (c *Cache) Stats() models.StatsSnapshot {
	return c.stats.Snapshot()
}

// Invalidate drops the local tier. Records in the store are left to expire.
func (c *Cache) Invalidate() {
	if c.local != nil {
		c.local.clear()
	}
}

// Close releases the local tier.
func (c *Cache) Close() {
	if c.local != nil {
		c.local.close()
	}
}
