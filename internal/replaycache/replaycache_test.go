package replaycache_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/aoxiansheng/streamgw/internal/config"
	"github.com/aoxiansheng/streamgw/internal/replaycache"
	"github.com/aoxiansheng/streamgw/pkg/types"
)

type fakeSampler struct{ rss float64 }

func (f fakeSampler) RSSMegabytes() float64 { return f.rss }

func testConfig() config.ReplayConfig {
	return config.ReplayConfig{
		HotCapacityPerSymbol:  4,
		HotTTL:                time.Minute,
		WarmTTL:               time.Minute,
		MemoryAlertThresholdMB: 1000,
	}
}

func TestCacheDataPointHotTierOnly(t *testing.T) {
	cache := replaycache.New(testConfig(), nil, nil, fakeSampler{rss: 10}, zap.NewNop())

	point := types.TickPoint{Symbol: "700.hk", Price: 100, Volume: 1, Timestamp: time.Now()}
	if err := cache.CacheDataPoint(context.Background(), point); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	results, err := cache.GetDataSince(context.Background(), "700.hk", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0].S != "700.hk" {
		t.Fatalf("expected one matching point, got %+v", results)
	}
}

func TestCacheDataPointFailsClosedOverMemoryBudget(t *testing.T) {
	cfg := testConfig()
	cfg.MemoryAlertThresholdMB = 5
	cache := replaycache.New(cfg, nil, nil, fakeSampler{rss: 100}, zap.NewNop())

	point := types.TickPoint{Symbol: "700.hk", Price: 100, Volume: 1, Timestamp: time.Now()}
	err := cache.CacheDataPoint(context.Background(), point)
	if !errors.Is(err, replaycache.ErrMemoryBudgetExceeded) {
		t.Fatalf("expected ErrMemoryBudgetExceeded, got %v", err)
	}

	results, _ := cache.GetDataSince(context.Background(), "700.hk", time.Now().Add(-time.Hour))
	if len(results) != 0 {
		t.Fatalf("expected no points written while over budget, got %+v", results)
	}
}

func TestGetDataSinceFiltersByTimestamp(t *testing.T) {
	cache := replaycache.New(testConfig(), nil, nil, fakeSampler{rss: 1}, zap.NewNop())
	ctx := context.Background()

	old := types.TickPoint{Symbol: "700.hk", Price: 1, Timestamp: time.Now().Add(-time.Hour)}
	fresh := types.TickPoint{Symbol: "700.hk", Price: 2, Timestamp: time.Now()}
	_ = cache.CacheDataPoint(ctx, old)
	_ = cache.CacheDataPoint(ctx, fresh)

	results, err := cache.GetDataSince(ctx, "700.hk", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0].P != 2 {
		t.Fatalf("expected only the fresh point, got %+v", results)
	}
}
