// Package recall stores values under minted keys, memoizes page fetches for a short TTL and
// keeps an auditable history of tracked calls, all on one Redis or in-memory store.
package recall

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"goflare.io/recall/internal/config"
	"goflare.io/recall/internal/entrycache"
	"goflare.io/recall/internal/fetchcache"
	"goflare.io/recall/internal/metrics"
	"goflare.io/recall/internal/models"
	"goflare.io/recall/internal/retrier"
	"goflare.io/recall/internal/store"
	"goflare.io/recall/internal/tracker"
	"goflare.io/recall/internal/utils"
)

// Key identifies a value saved with Store.
type Key = entrycache.Key

// Fetcher retrieves the content behind a URL.
type Fetcher = fetchcache.Fetcher

// FetcherFunc adapts a function to a Fetcher.
type FetcherFunc = fetchcache.FetcherFunc

// FetchStats counts fetch cache hits, misses and upstream errors.
type FetchStats = models.StatsSnapshot

// Option 定義初始化 Recall 的選項
type Option = config.Option

// WithLogger 設置自定義的日誌記錄器
func WithLogger(logger *zap.Logger) Option { return config.WithLogger(logger) }

// WithRedis 使用 Redis 作為存儲
func WithRedis(addr, password string, db int) Option { return config.WithRedis(addr, password, db) }

// WithRedisClient uses client as the store. Close closes it.
func WithRedisClient(client redis.Cmdable) Option { return config.WithRedisClient(client) }

// WithFlushOnStart controls whether the store is emptied by New. Defaults to true.
func WithFlushOnStart(flush bool) Option { return config.WithFlushOnStart(flush) }

// WithFetchTTL sets how long fetched pages are served from the cache. Defaults to 10s.
func WithFetchTTL(ttl time.Duration) Option { return config.WithFetchTTL(ttl) }

// WithLocalTier keeps up to maxCost fetched pages in process memory.
func WithLocalTier(maxCost int64) Option { return config.WithLocalTier(maxCost) }

// WithKeyFilter 設置 key 布隆過濾器的大小
func WithKeyFilter(expectedItems uint, falsePositiveRate float64) Option {
	return config.WithKeyFilter(expectedItems, falsePositiveRate)
}

// WithoutKeyFilter checks every minted key against the store.
func WithoutKeyFilter() Option { return config.WithoutKeyFilter() }

// WithCircuitBreaker replaces the Redis circuit breaker settings.
func WithCircuitBreaker(settings gobreaker.Settings) Option {
	return config.WithCircuitBreaker(settings)
}

// WithRetry replaces the Redis retry settings.
func WithRetry(settings retrier.Settings) Option { return config.WithRetry(settings) }

// WithSerialization 設置序列化方式 (json 或 gob)
func WithSerialization(name string) Option { return config.WithSerialization(name) }

// WithMetricsNamespace sets the Prometheus namespace. Defaults to "recall".
func WithMetricsNamespace(namespace string) Option { return config.WithMetricsNamespace(namespace) }

// WithClock sets the clock used for expiry.
func WithClock(clock utils.Clock) Option { return config.WithClock(clock) }

// Recall 定義 recall 庫的主要結構體
type Recall struct {
	store   store.Store
	tracker *tracker.Tracker
	entries *entrycache.Cache
	pages   *fetchcache.Cache
	metrics *metrics.Collector
	logger  *zap.Logger
	closed  *atomic.Bool
}

// New opens the store once and wires every component to it.
// A nil fetcher fetches pages over HTTP.
func New(ctx context.Context, fetcher Fetcher, opts ...Option) (*Recall, error) {
	cfg, err := config.NewConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create config: %w", err)
	}
	logger := cfg.Logger

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if cfg.FlushOnStart {
		if err := st.Flush(ctx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("failed to flush store: %w", err)
		}
		logger.Info("Flushed store on start", zap.String("backend", cfg.Backend))
	}

	collector := metrics.NewCollector(cfg.MetricsNamespace)
	tr := tracker.New(st, tracker.WithLogger(logger), tracker.WithMetrics(collector))

	entryOpts := []entrycache.Option{
		entrycache.WithLogger(logger),
		entrycache.WithTracker(tr),
	}
	if cfg.KeyFilter.Enabled {
		entryOpts = append(entryOpts, entrycache.WithKeyFilter(entrycache.KeyFilterSettings{
			ExpectedItems:     cfg.KeyFilter.ExpectedItems,
			FalsePositiveRate: cfg.KeyFilter.FalsePositiveRate,
			StoreKey:          cfg.KeyFilter.StoreKey,
		}))
	}
	entries, err := entrycache.New(ctx, st, entryOpts...)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to initialize entry cache: %w", err)
	}

	if fetcher == nil {
		fetcher = fetchcache.NewHTTPFetcher(nil)
	}
	pageOpts := []fetchcache.Option{
		fetchcache.WithTTL(cfg.FetchTTL),
		fetchcache.WithClock(cfg.Clock),
		fetchcache.WithCodec(cfg.Serialization.Codec),
		fetchcache.WithLogger(logger),
		fetchcache.WithMetrics(collector),
	}
	if cfg.LocalTier.Enabled {
		pageOpts = append(pageOpts, fetchcache.WithLocalTier(cfg.LocalTier.MaxCost))
	}
	pages, err := fetchcache.New(st, fetcher, pageOpts...)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to initialize fetch cache: %w", err)
	}

	logger.Info("Recall ready",
		zap.String("backend", cfg.Backend),
		zap.Duration("fetch_ttl", cfg.FetchTTL),
		zap.String("serialization", cfg.Serialization.Type))

	return &Recall{
		store:   st,
		tracker: tr,
		entries: entries,
		pages:   pages,
		metrics: collector,
		logger:  logger,
		closed:  atomic.NewBool(false),
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Backend != config.BackendRedis {
		return store.NewMemory(store.WithClock(cfg.Clock), store.WithMemoryLogger(cfg.Logger)), nil
	}

	client := cfg.Redis.Client
	var owned *redis.Client
	if client == nil {
		// 重試由 store 負責，go-redis 自身不重試，避免 INCR/RPUSH 重複執行
		owned = redis.NewClient(&redis.Options{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
			MaxRetries:  -1,
		})
		client = owned
	}
	closeOwned := func() {
		if owned != nil {
			_ = owned.Close()
		}
	}

	// 初始化 Redis 客戶端
	if err := client.Ping(ctx).Err(); err != nil {
		closeOwned()
		return nil, fmt.Errorf("failed to connect to Redis: %w", store.Unavailable("ping", err))
	}

	st, err := store.NewRedis(client, store.RedisSettings{
		Breaker: cfg.ResilienceConfig.CircuitBreaker,
		Retry:   cfg.ResilienceConfig.Retry,
		Logger:  cfg.Logger,
	})
	if err != nil {
		closeOwned()
		return nil, fmt.Errorf("failed to initialize Redis store: %w", err)
	}
	return st, nil
}

// Store saves value under a new key. Values must be text, bytes or numbers.
// Calls are tracked under "Cache.Store".
func (r *Recall) Store(ctx context.Context, value any) (Key, error) {
	return r.entries.Store(ctx, value)
}

// Get returns the raw bytes stored at key. A missing key yields found=false and no error.
func (r *Recall) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	return r.entries.Get(ctx, key)
}

// GetString returns the value at key as text.
func (r *Recall) GetString(ctx context.Context, key Key) (string, bool, error) {
	return r.entries.GetString(ctx, key)
}

// GetInt returns the value at key as an integer.
func (r *Recall) GetInt(ctx context.Context, key Key) (int64, bool, error) {
	return r.entries.GetInt(ctx, key)
}

// GetFloat returns the value at key as a float.
func (r *Recall) GetFloat(ctx context.Context, key Key) (float64, bool, error) {
	return r.entries.GetFloat(ctx, key)
}

// Retrieve reads key and applies decode when the key exists.
func Retrieve[T any](ctx context.Context, r *Recall, key Key, decode func(raw []byte) (T, error)) (T, bool, error) {
	var dec entrycache.Decoder[T]
	if decode != nil {
		dec = decode
	}
	return entrycache.Retrieve(ctx, r.entries, key, dec)
}

// Fetch returns the page at url, fetching it at most once per TTL window.
func (r *Recall) Fetch(ctx context.Context, url string) (string, error) {
	return r.pages.Fetch(ctx, url)
}

// AccessCount returns how many times url has been requested through Fetch.
func (r *Recall) AccessCount(ctx context.Context, url string) (int64, error) {
	return r.pages.AccessCount(ctx, url)
}

// FetchStats returns fetch cache counters.
func (r *Recall) FetchStats() FetchStats {
	return r.pages.Stats()
}

// Track wraps fn so that every call through the returned operation is counted and recorded.
func Track[In, Out any](r *Recall, identity string, fn func(ctx context.Context, in In) (Out, error), opts ...tracker.TrackOption) *tracker.Operation[In, Out] {
	return tracker.Track(r.tracker, identity, tracker.Func[In, Out](fn), opts...)
}

// Replay writes the call history of op to w.
func Replay(ctx context.Context, w io.Writer, op tracker.Replayable) {
	tracker.Replay(ctx, w, op)
}

// ReplayStore writes the history of Store calls to w.
func (r *Recall) ReplayStore(ctx context.Context, w io.Writer) {
	tracker.Replay(ctx, w, r.entries.StoreOperation())
}

// StoreHistory returns the history of Store calls.
func (r *Recall) StoreHistory(ctx context.Context) (tracker.Summary, error) {
	return tracker.History(ctx, r.entries.StoreOperation())
}

// Metrics returns the registry holding recall's Prometheus metrics.
func (r *Recall) Metrics() *prometheus.Registry {
	return r.metrics.Registry()
}

// Close saves the key filter and closes the store. Later calls return nil.
func (r *Recall) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if err := r.entries.SaveKeys(ctx); err != nil {
		r.logger.Warn("Failed to save key filter", zap.Error(err))
		errs = append(errs, err)
	}
	r.pages.Close()
	if err := r.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
