package fetchcache

import (
	"time"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"

	"goflare.io/recall/internal/models"
)

// localTier 是 fetch cache 前面的一層進程內快取
type localTier struct {
	cache  *ristretto.Cache
	logger *zap.Logger
}

func newLocalTier(maxCost int64, logger *zap.Logger) (*localTier, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        10 * maxCost,
		MaxCost:            maxCost,
		BufferItems:        64,
		IgnoreInternalCost: true, // 以記錄數計算成本
	})
	if err != nil {
		return nil, err
	}
	return &localTier{cache: c, logger: logger}, nil
}

// set 只保存尚未過期的記錄，TTL 取記錄剩餘的時間
func (l *localTier) set(url string, rec *models.Record, now time.Time) error {
	remaining := rec.ExpiresAt.Sub(now)
	if remaining <= 0 {
		return nil
	}
	if !l.cache.SetWithTTL(url, rec, 1, remaining) {
		l.logger.Debug("Ristretto SetWithTTL dropped record", zap.String("url", url))
		return ErrLocalSetFailed
	}
	l.cache.Wait()
	return nil
}

// get 以快取時鐘判斷過期，不依賴 ristretto 自身的計時
func (l *localTier) get(url string, now time.Time) (*models.Record, bool) {
	value, found := l.cache.Get(url)
	if !found {
		return nil, false
	}

	rec, ok := value.(*models.Record)
	if !ok {
		l.logger.Error("Invalid local tier entry type", zap.String("url", url))
		l.cache.Del(url)
		return nil, false
	}
	if rec.IsExpired(now) {
		l.cache.Del(url)
		return nil, false
	}
	return rec, true
}

func (l *localTier) clear() {
	l.cache.Clear()
}

func (l *localTier) close() {
	l.cache.Close()
}
