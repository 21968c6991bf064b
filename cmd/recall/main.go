// Command recall runs the store and replay scenario, then fetches each URL argument twice.
//
// Configuration is read from RECALL_* environment variables:
//
//	RECALL_BACKEND=redis RECALL_REDIS_ADDR=localhost:6379 recall http://example.com
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"goflare.io/recall"
	"goflare.io/recall/internal/config"
)

func main() {
	values := flag.Bool("store", true, "store sample values and replay the Store history")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *values, flag.Args()); err != nil {
		log.Fatalf("recall: %v", err)
	}
}

func run(ctx context.Context, storeValues bool, urls []string) error {
	env, err := config.LoadEnv()
	if err != nil {
		return err
	}

	logger, err := config.NewLogger(env.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	r, err := recall.New(ctx, nil, env.Options(logger)...)
	if err != nil {
		return fmt.Errorf("failed to initialize recall: %w", err)
	}
	defer func() {
		if err := r.Close(); err != nil {
			logger.Warn("Failed to close recall", zap.Error(err))
		}
	}()

	if storeValues {
		for _, v := range []any{"foo", "bar", 42, 3.14, []byte("raw")} {
			key, err := r.Store(ctx, v)
			if err != nil {
				return fmt.Errorf("failed to store %v: %w", v, err)
			}
			logger.Info("Stored value", zap.String("key", string(key)), zap.Any("value", v))
		}
		r.ReplayStore(ctx, os.Stdout)
	}

	for _, url := range urls {
		for i := 0; i < 2; i++ {
			content, err := r.Fetch(ctx, url)
			if err != nil {
				logger.Error("Fetch failed", zap.String("url", url), zap.Error(err))
				break
			}
			count, err := r.AccessCount(ctx, url)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d bytes, accessed %d times\n", url, len(content), count)
		}
	}

	stats := r.FetchStats()
	logger.Info("Fetch cache stats",
		zap.Int64("hits", stats.Hits),
		zap.Int64("misses", stats.Misses),
		zap.Int64("fetch_errors", stats.FetchErrors))
	return nil
}
