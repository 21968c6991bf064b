package fetchcache

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"goflare.io/recall/internal/metrics"
	"goflare.io/recall/internal/models"
	"goflare.io/recall/internal/retrier"
	"goflare.io/recall/internal/store"
	"goflare.io/recall/internal/utils"
	"goflare.io/recall/pkg/serialization"
)

const testURL = "http://example.com"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingFetcher returns "<url>#<n>" for the n-th upstream call.
type countingFetcher struct {
	calls atomic.Int64
}

func (f *countingFetcher) Fetch(_ context.Context, url string) (string, error) {
	n := f.calls.Inc()
	return url + "#" + strconv.FormatInt(n, 10), nil
}

func newMemoryCache(t *testing.T, fetcher Fetcher, opts ...Option) (*Cache, *store.Memory, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	st := store.NewMemory(store.WithClock(utils.Clock(clock)))
	opts = append([]Option{WithClock(clock)}, opts...)
	c, err := New(st, fetcher, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, st, clock
}

func TestFetchWithinAndAfterTTL(t *testing.T) {
	ctx := context.Background()
	fetcher := &countingFetcher{}
	c, _, clock := newMemoryCache(t, fetcher)

	content, err := c.Fetch(ctx, testURL)
	require.NoError(t, err)
	assert.Equal(t, testURL+"#1", content)

	clock.Advance(5 * time.Second)
	content, err = c.Fetch(ctx, testURL)
	require.NoError(t, err)
	assert.Equal(t, testURL+"#1", content)
	assert.Equal(t, int64(1), fetcher.calls.Load())

	clock.Advance(5 * time.Second)
	content, err = c.Fetch(ctx, testURL)
	require.NoError(t, err)
	assert.Equal(t, testURL+"#2", content)
	assert.Equal(t, int64(2), fetcher.calls.Load())

	count, err := c.AccessCount(ctx, testURL)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	assert.Equal(t, models.StatsSnapshot{Hits: 1, Misses: 2}, c.Stats())
}

func TestAccessCountEveryCall(t *testing.T) {
	ctx := context.Background()
	c, _, clock := newMemoryCache(t, &countingFetcher{})

	var counts []int64
	for _, step := range []time.Duration{0, time.Second, 10 * time.Second, time.Second} {
		clock.Advance(step)
		_, err := c.Fetch(ctx, testURL)
		require.NoError(t, err)

		n, err := c.AccessCount(ctx, testURL)
		require.NoError(t, err)
		counts = append(counts, n)
	}
	assert.Equal(t, []int64{1, 2, 3, 4}, counts)
}

func TestAccessCountUnknownURL(t *testing.T) {
	c, _, _ := newMemoryCache(t, &countingFetcher{})
	n, err := c.AccessCount(context.Background(), "http://never.example")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFetchErrorIsNotCached(t *testing.T) {
	ctx := context.Background()
	upstream := errors.New("connection refused")
	calls := 0
	fetcher := FetcherFunc(func(ctx context.Context, url string) (string, error) {
		calls++
		if calls == 1 {
			return "", upstream
		}
		return "recovered", nil
	})
	collector := metrics.NewCollector("test")
	c, _, _ := newMemoryCache(t, fetcher, WithMetrics(collector))

	_, err := c.Fetch(ctx, testURL)
	assert.ErrorIs(t, err, ErrFetch)
	assert.ErrorIs(t, err, upstream)

	content, err := c.Fetch(ctx, testURL)
	require.NoError(t, err)
	assert.Equal(t, "recovered", content)
	assert.Equal(t, 2, calls)

	n, err := c.AccessCount(ctx, testURL)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	assert.Equal(t, int64(1), c.Stats().FetchErrors)
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.Fetches.WithLabelValues(metrics.ResultError)))
	assert.Equal(t, float64(2), testutil.ToFloat64(collector.Fetches.WithLabelValues(metrics.ResultMiss)))
}

func TestConcurrentColdFetchCallsUpstreamOnce(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	var calls atomic.Int64
	fetcher := FetcherFunc(func(ctx context.Context, url string) (string, error) {
		calls.Inc()
		<-release
		return "page", nil
	})
	c, _, _ := newMemoryCache(t, fetcher)

	const workers = 20
	var wg sync.WaitGroup
	results := make([]string, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Fetch(ctx, testURL)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "page", results[i])
	}
	assert.Equal(t, int64(1), calls.Load())

	n, err := c.AccessCount(ctx, testURL)
	require.NoError(t, err)
	assert.Equal(t, int64(workers), n)
}

func TestSharedFetchHonoursEachCallersContext(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int64
	fetcher := FetcherFunc(func(ctx context.Context, url string) (string, error) {
		if calls.Inc() == 1 {
			close(started)
		}
		<-release
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "page", nil
	})
	c, _, _ := newMemoryCache(t, fetcher)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := c.Fetch(leaderCtx, testURL)
		leaderErr <- err
	}()
	<-started

	// A joined caller with a short deadline gives up on its own.
	shortCtx, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelShort()
	begin := time.Now()
	_, err := c.Fetch(shortCtx, testURL)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(begin), time.Second)

	// Cancelling the caller that started the fetch does not fail the others.
	type result struct {
		content string
		err     error
	}
	follower := make(chan result, 1)
	go func() {
		content, err := c.Fetch(context.Background(), testURL)
		follower <- result{content, err}
	}()

	cancelLeader()
	assert.ErrorIs(t, <-leaderErr, context.Canceled)

	time.Sleep(20 * time.Millisecond)
	close(release)

	res := <-follower
	require.NoError(t, res.err)
	assert.Equal(t, "page", res.content)
	assert.Equal(t, int64(1), calls.Load())

	n, err := c.AccessCount(context.Background(), testURL)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestFetchTimeoutBoundsUpstream(t *testing.T) {
	fetcher := FetcherFunc(func(ctx context.Context, url string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	c, _, _ := newMemoryCache(t, fetcher, WithFetchTimeout(20*time.Millisecond))

	_, err := c.Fetch(context.Background(), testURL)
	assert.ErrorIs(t, err, ErrFetch)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocalTierServesWithoutStoreRecord(t *testing.T) {
	ctx := context.Background()
	fetcher := &countingFetcher{}
	c, st, clock := newMemoryCache(t, fetcher, WithLocalTier(100))

	_, err := c.Fetch(ctx, testURL)
	require.NoError(t, err)

	require.NoError(t, st.Flush(ctx))
	content, err := c.Fetch(ctx, testURL)
	require.NoError(t, err)
	assert.Equal(t, testURL+"#1", content)
	assert.Equal(t, int64(1), fetcher.calls.Load())

	clock.Advance(DefaultTTL)
	content, err = c.Fetch(ctx, testURL)
	require.NoError(t, err)
	assert.Equal(t, testURL+"#2", content)

	c.Invalidate()
	require.NoError(t, st.Flush(ctx))
	_, err = c.Fetch(ctx, testURL)
	require.NoError(t, err)
	assert.Equal(t, int64(3), fetcher.calls.Load())
}

func TestGobCodec(t *testing.T) {
	ctx := context.Background()
	fetcher := &countingFetcher{}
	c, st, clock := newMemoryCache(t, fetcher, WithCodec(serialization.Gob))

	_, err := c.Fetch(ctx, testURL)
	require.NoError(t, err)

	raw, found, err := st.Get(ctx, RecordKey(testURL))
	require.NoError(t, err)
	require.True(t, found)

	var rec models.Record
	require.NoError(t, serialization.Gob.Unmarshal(raw, &rec))
	assert.Equal(t, testURL+"#1", rec.Content)
	assert.True(t, rec.ExpiresAt.Equal(clock.Now().Add(DefaultTTL)))

	_, err = c.Fetch(ctx, testURL)
	require.NoError(t, err)
	assert.Equal(t, int64(1), fetcher.calls.Load())
}

func TestUndecodableRecordIsRefetched(t *testing.T) {
	ctx := context.Background()
	fetcher := &countingFetcher{}
	c, st, _ := newMemoryCache(t, fetcher)

	require.NoError(t, st.Set(ctx, RecordKey(testURL), "not json"))
	content, err := c.Fetch(ctx, testURL)
	require.NoError(t, err)
	assert.Equal(t, testURL+"#1", content)
}

func TestCustomTTL(t *testing.T) {
	ctx := context.Background()
	fetcher := &countingFetcher{}
	c, _, clock := newMemoryCache(t, fetcher, WithTTL(time.Minute))
	assert.Equal(t, time.Minute, c.TTL())

	_, err := c.Fetch(ctx, testURL)
	require.NoError(t, err)
	clock.Advance(30 * time.Second)
	_, err = c.Fetch(ctx, testURL)
	require.NoError(t, err)
	assert.Equal(t, int64(1), fetcher.calls.Load())

	other, _, _ := newMemoryCache(t, fetcher, WithTTL(0))
	assert.Equal(t, DefaultTTL, other.TTL())
}

// failingCounter rejects every Incr and delegates everything else.
type failingCounter struct {
	store.Store
}

func (failingCounter) Incr(context.Context, string) (int64, error) {
	return 0, store.Unavailable("incr", errors.New("dial tcp: connection refused"))
}

func TestCounterFailureIsBestEffort(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	fetcher := &countingFetcher{}
	c, err := New(failingCounter{Store: store.NewMemory()}, fetcher, WithLogger(zap.New(core)))
	require.NoError(t, err)

	content, err := c.Fetch(context.Background(), testURL)
	require.NoError(t, err)
	assert.Equal(t, testURL+"#1", content)

	entries := logs.FilterMessage("Failed to count access").All()
	require.Len(t, entries, 1)
	assert.Equal(t, true, entries[0].ContextMap()["unavailable"])
}

func TestRecordStoreFailurePropagates(t *testing.T) {
	st := store.NewMemory()
	c, err := New(st, &countingFetcher{})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	_, err = c.Fetch(context.Background(), testURL)
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestFetchOnRedis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rs, err := store.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), store.RedisSettings{
		Breaker: gobreaker.Settings{Name: "fetchcache-test"},
		Retry:   retrier.Settings{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 1},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rs.Close() })

	clock := newFakeClock()
	fetcher := &countingFetcher{}
	c, err := New(rs, fetcher, WithClock(clock))
	require.NoError(t, err)

	_, err = c.Fetch(ctx, testURL)
	require.NoError(t, err)
	_, err = c.Fetch(ctx, testURL)
	require.NoError(t, err)
	assert.Equal(t, int64(1), fetcher.calls.Load())
	assert.Equal(t, DefaultTTL, mr.TTL(RecordKey(testURL)))

	clock.Advance(DefaultTTL)
	mr.FastForward(DefaultTTL)
	_, err = c.Fetch(ctx, testURL)
	require.NoError(t, err)
	assert.Equal(t, int64(2), fetcher.calls.Load())

	count, err := mr.Get(CounterKey(testURL))
	require.NoError(t, err)
	assert.Equal(t, "3", count)
}

// lateReplyClient applies INCR on the server and then reports a read timeout for the
// first lost replies.
type lateReplyClient struct {
	*redis.Client
	lost atomic.Int64
}

func (c *lateReplyClient) Incr(ctx context.Context, key string) *redis.IntCmd {
	cmd := c.Client.Incr(ctx, key)
	if c.lost.Dec() >= 0 {
		cmd.SetErr(&net.OpError{Op: "read", Net: "tcp", Err: os.ErrDeadlineExceeded})
	}
	return cmd
}

func TestAccessCountExactWithRetries(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := &lateReplyClient{Client: redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})}
	client.lost.Store(2)

	rs, err := store.NewRedis(client, store.RedisSettings{
		Breaker: gobreaker.Settings{Name: "fetchcache-retry"},
		Retry:   retrier.Settings{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Factor: 2},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rs.Close() })

	c, err := New(rs, &countingFetcher{})
	require.NoError(t, err)

	const calls = 5
	for i := 0; i < calls; i++ {
		_, err := c.Fetch(ctx, testURL)
		require.NoError(t, err)
	}

	n, err := c.AccessCount(ctx, testURL)
	require.NoError(t, err)
	assert.Equal(t, int64(calls), n)
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, &countingFetcher{})
	assert.Error(t, err)
	_, err = New(store.NewMemory(), nil)
	assert.Error(t, err)
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("<html>hello</html>"))
	}))
	t.Cleanup(srv.Close)

	f := NewHTTPFetcher(srv.Client())

	body, err := f.Fetch(context.Background(), srv.URL+"/page")
	require.NoError(t, err)
	assert.Equal(t, "<html>hello</html>", body)

	_, err = f.Fetch(context.Background(), srv.URL+"/missing")
	assert.ErrorContains(t, err, "404")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.Fetch(ctx, srv.URL+"/page")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHTTPFetcherThroughCache(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Inc()
		_, _ = w.Write([]byte("slow page"))
	}))
	t.Cleanup(srv.Close)

	c, _, _ := newMemoryCache(t, NewHTTPFetcher(srv.Client()))
	for i := 0; i < 3; i++ {
		content, err := c.Fetch(context.Background(), srv.URL)
		require.NoError(t, err)
		assert.Equal(t, "slow page", content)
	}
	assert.Equal(t, int64(1), hits.Load())
}
