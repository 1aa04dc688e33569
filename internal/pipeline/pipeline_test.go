package pipeline_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/aoxiansheng/streamgw/internal/capability"
	"github.com/aoxiansheng/streamgw/internal/config"
	"github.com/aoxiansheng/streamgw/internal/pipeline"
	"github.com/aoxiansheng/streamgw/internal/ruleservice"
	"github.com/aoxiansheng/streamgw/pkg/types"
)

type fakeCache struct {
	mu     sync.Mutex
	points []types.TickPoint
}

func (f *fakeCache) CacheDataPoint(ctx context.Context, point types.TickPoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, point)
	return nil
}

func (f *fakeCache) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.points)
}

type fakeBroadcaster struct {
	mu            sync.Mutex
	frames        []types.OutboundFrame
	noSubscribers map[string]bool
}

func (f *fakeBroadcaster) BroadcastToSymbolViaGateway(symbol string, frame types.OutboundFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

// HasSubscribers defaults to true; tests that care about the no-subscriber
// path populate noSubscribers with the symbols to report as unwatched.
func (f *fakeBroadcaster) HasSubscribers(symbol string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.noSubscribers[symbol]
}

func (f *fakeBroadcaster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

type countingRuleService struct {
	*ruleservice.InMemory
	mu    sync.Mutex
	calls int
}

func (s *countingRuleService) FindRuleFor(ctx context.Context, provider, category string) (ruleservice.Rule, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.InMemory.FindRuleFor(ctx, provider, category)
}

func (s *countingRuleService) findRuleCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newRules() *ruleservice.InMemory {
	svc := ruleservice.NewInMemory()
	svc.PutSymbolMapping("demo", "700.HK", "700.hk")
	svc.PutRule(ruleservice.Rule{
		Provider: "demo",
		Category: "stream-stock-quote",
		Fields: []ruleservice.FieldRule{
			{SourceField: "price", TargetField: "price", Scale: 1},
			{SourceField: "volume", TargetField: "volume", Scale: 1},
		},
	})
	return svc
}

func TestIngestFlushesOnBatchMaxItems(t *testing.T) {
	cache := &fakeCache{}
	broadcaster := &fakeBroadcaster{}
	p := pipeline.New(config.PipelineConfig{BatchWindow: time.Hour, BatchMaxItems: 2}, newRules(), cache, broadcaster, nil, zap.NewNop())

	tick := capability.Tick{Symbol: "700.HK", Fields: map[string]float64{"price": 100, "volume": 10}, Timestamp: time.Now()}
	p.Ingest("demo", "stream-stock-quote", tick)
	if cache.count() != 0 {
		t.Fatalf("expected no flush before batch is full, got %d cached points", cache.count())
	}
	p.Ingest("demo", "stream-stock-quote", tick)

	if cache.count() != 2 {
		t.Fatalf("expected a flush once batch reached its max size, got %d cached points", cache.count())
	}
	if broadcaster.count() != 2 {
		t.Fatalf("expected 2 broadcast frames, got %d", broadcaster.count())
	}
}

func TestIngestFlushesOnBatchWindow(t *testing.T) {
	cache := &fakeCache{}
	broadcaster := &fakeBroadcaster{}
	p := pipeline.New(config.PipelineConfig{BatchWindow: 20 * time.Millisecond, BatchMaxItems: 200}, newRules(), cache, broadcaster, nil, zap.NewNop())

	tick := capability.Tick{Symbol: "700.HK", Fields: map[string]float64{"price": 100, "volume": 10}, Timestamp: time.Now()}
	p.Ingest("demo", "stream-stock-quote", tick)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cache.count() == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if cache.count() != 1 {
		t.Fatalf("expected the batch window timer to flush the single point, got %d", cache.count())
	}
}

func TestIngestDropsUnknownSymbolSilently(t *testing.T) {
	cache := &fakeCache{}
	broadcaster := &fakeBroadcaster{}
	p := pipeline.New(config.PipelineConfig{BatchWindow: time.Hour, BatchMaxItems: 200}, newRules(), cache, broadcaster, nil, zap.NewNop())

	tick := capability.Tick{Symbol: "UNKNOWN", Fields: map[string]float64{"price": 1}, Timestamp: time.Now()}
	p.Ingest("demo", "stream-stock-quote", tick)

	if cache.count() != 0 {
		t.Fatalf("expected an unmapped symbol to be dropped, got %d cached points", cache.count())
	}
}

func TestFlushSkipsCachingSymbolsWithNoSubscribers(t *testing.T) {
	cache := &fakeCache{}
	broadcaster := &fakeBroadcaster{noSubscribers: map[string]bool{"700.hk": true}}
	p := pipeline.New(config.PipelineConfig{BatchWindow: time.Hour, BatchMaxItems: 1}, newRules(), cache, broadcaster, nil, zap.NewNop())

	tick := capability.Tick{Symbol: "700.HK", Fields: map[string]float64{"price": 100, "volume": 10}, Timestamp: time.Now()}
	p.Ingest("demo", "stream-stock-quote", tick)

	if cache.count() != 0 {
		t.Fatalf("expected no cache write for a symbol with no subscribers, got %d", cache.count())
	}
	if broadcaster.count() != 1 {
		t.Fatalf("expected the tick to still be broadcast even though it wasn't cached, got %d frames", broadcaster.count())
	}
}

func TestFlushLoadsRuleOnceForAWholeBatch(t *testing.T) {
	cache := &fakeCache{}
	broadcaster := &fakeBroadcaster{}
	svc := &countingRuleService{InMemory: newRules()}
	p := pipeline.New(config.PipelineConfig{BatchWindow: time.Hour, BatchMaxItems: 3}, svc, cache, broadcaster, nil, zap.NewNop())

	tick := capability.Tick{Symbol: "700.HK", Fields: map[string]float64{"price": 100, "volume": 10}, Timestamp: time.Now()}
	p.Ingest("demo", "stream-stock-quote", tick)
	p.Ingest("demo", "stream-stock-quote", tick)
	p.Ingest("demo", "stream-stock-quote", tick)

	if cache.count() != 3 {
		t.Fatalf("expected all 3 ticks to flush, got %d", cache.count())
	}
	if n := svc.findRuleCalls(); n != 1 {
		t.Fatalf("expected exactly 1 rule lookup for the whole batch, got %d", n)
	}
}

func TestIngestAppliesFieldScale(t *testing.T) {
	cache := &fakeCache{}
	broadcaster := &fakeBroadcaster{}
	svc := ruleservice.NewInMemory()
	svc.PutSymbolMapping("demo", "700.HK", "700.hk")
	svc.PutRule(ruleservice.Rule{
		Provider: "demo",
		Category: "stream-stock-quote",
		Fields:   []ruleservice.FieldRule{{SourceField: "price", TargetField: "price", Scale: 0.01}},
	})
	p := pipeline.New(config.PipelineConfig{BatchWindow: time.Hour, BatchMaxItems: 1}, svc, cache, broadcaster, nil, zap.NewNop())

	tick := capability.Tick{Symbol: "700.HK", Fields: map[string]float64{"price": 12345}, Timestamp: time.Now()}
	p.Ingest("demo", "stream-stock-quote", tick)

	cache.mu.Lock()
	defer cache.mu.Unlock()
	if len(cache.points) != 1 || cache.points[0].Price != 123.45 {
		t.Fatalf("expected scaled price 123.45, got %+v", cache.points)
	}
}
