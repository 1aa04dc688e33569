// Package pipeline implements the Streaming Pipeline: the hot path from
// a raw provider tick to a fanned-out client frame. A per-tick loop feeds
// a reverse-symbol-normalize + rule-driven transform + cache write, which
// in turn feeds the fan-out, all buffered through a 50ms/200-item
// micro-batch modeled on a ticker-driven buffered-flush shape — bounded
// instead of unbounded, and dropping the newest tick under back-pressure
// rather than blocking the fetcher's tick pump.
package pipeline

import (
	"context"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/aoxiansheng/streamgw/internal/capability"
	"github.com/aoxiansheng/streamgw/internal/clientstate"
	"github.com/aoxiansheng/streamgw/internal/config"
	"github.com/aoxiansheng/streamgw/internal/metrics"
	"github.com/aoxiansheng/streamgw/internal/ruleservice"
	"github.com/aoxiansheng/streamgw/pkg/types"
)

// json binds jsoniter's standard-library-compatible config. The pipeline
// itself marshals nothing: outbound frames are encoded by the gateway's
// wsjson writer, which uses encoding/json.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// CacheWriter is the subset of the Replay Cache the pipeline depends on.
type CacheWriter interface {
	CacheDataPoint(ctx context.Context, point types.TickPoint) error
}

// Broadcaster is the subset of the Client State Manager the pipeline
// depends on: fan-out, and the subscriber presence check that gates
// caching so a symbol nobody is subscribed to doesn't keep getting
// written into the replay cache after its last client has left.
type Broadcaster interface {
	BroadcastToSymbolViaGateway(symbol string, frame types.OutboundFrame) error
	HasSubscribers(symbol string) bool
}

// rawItem is one ingested tick still waiting on its batch's one rule
// lookup; standard is pre-computed at ingest time so flush never needs
// to touch the rule service's symbol-mapping side.
type rawItem struct {
	standard string
	tick     capability.Tick
}

type batch struct {
	mu       sync.Mutex
	provider string
	category string
	items    []rawItem
	timer    *time.Timer
}

// Pipeline is the Streaming Pipeline.
type Pipeline struct {
	cfg     config.PipelineConfig
	rules   ruleservice.Service
	cache   CacheWriter
	clients Broadcaster
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu      sync.Mutex
	batches map[string]*batch // key = provider|category

	seq int64
}

// New constructs a Streaming Pipeline.
func New(cfg config.PipelineConfig, rules ruleservice.Service, cache CacheWriter, clients Broadcaster, m *metrics.Metrics, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		rules:   rules,
		cache:   cache,
		clients: clients,
		metrics: m,
		logger:  logger,
		batches: make(map[string]*batch),
	}
}

// Ingest is the fetcher.OnTick callback. It only resolves the symbol's
// standard spelling and enqueues the raw tick into its micro-batch; the
// transform rule is looked up once per (provider, category) batch at
// flush time rather than once per tick.
func (p *Pipeline) Ingest(provider, category string, tick capability.Tick) {
	ctx := context.Background()

	standard, err := p.rules.NormalizeSymbol(ctx, provider, tick.Symbol)
	if err != nil {
		if p.metrics != nil {
			p.metrics.RuleLookupFailures.Inc()
		}
		p.logger.Debug("pipeline: symbol normalization failed", zap.String("provider", provider), zap.String("native", tick.Symbol), zap.Error(err))
		return
	}

	p.enqueue(provider, category, rawItem{standard: standard, tick: tick})
}

func (p *Pipeline) transform(standard, provider, category string, tick capability.Tick, rule ruleservice.Rule) (types.TickPoint, error) {
	point := types.TickPoint{
		Symbol:    standard,
		Provider:  provider,
		Category:  category,
		Timestamp: tick.Timestamp,
		Sequence:  tick.Sequence,
	}

	for _, fr := range rule.Fields {
		v, ok := tick.Fields[fr.SourceField]
		if !ok {
			continue
		}
		scale := fr.Scale
		if scale == 0 {
			scale = 1
		}
		switch fr.TargetField {
		case "price":
			point.Price = v * scale
		case "volume":
			point.Volume = v * scale
		default:
			if point.Fields == nil {
				point.Fields = make(map[string]float64)
			}
			point.Fields[fr.TargetField] = v * scale
		}
	}

	return point, nil
}

func (p *Pipeline) enqueue(provider, category string, item rawItem) {
	key := provider + "|" + category

	p.mu.Lock()
	b, ok := p.batches[key]
	if !ok {
		b = &batch{provider: provider, category: category}
		p.batches[key] = b
	}
	p.mu.Unlock()

	b.mu.Lock()
	if len(b.items) >= p.cfg.BatchMaxItems*2 {
		// Back-pressure: bounded queue is full, drop the incoming
		// (newest) tick rather than blocking the fetcher's tick pump.
		b.mu.Unlock()
		if p.metrics != nil {
			p.metrics.BackPressureDrops.WithLabelValues(item.standard).Inc()
		}
		return
	}

	b.items = append(b.items, item)
	full := len(b.items) >= p.cfg.BatchMaxItems
	if len(b.items) == 1 && !full {
		b.timer = time.AfterFunc(p.cfg.BatchWindow, func() { p.flush(key) })
	}
	b.mu.Unlock()

	if full {
		p.flush(key)
	}
}

// maxRuleLookupAttempts bounds the batch-level retry-with-backoff around
// the one rule lookup a flush performs on behalf of every item in it.
const maxRuleLookupAttempts = 3

func (p *Pipeline) flush(key string) {
	p.mu.Lock()
	b, ok := p.batches[key]
	p.mu.Unlock()
	if !ok {
		return
	}

	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	items := b.items
	b.items = nil
	provider, category := b.provider, b.category
	b.mu.Unlock()

	if len(items) == 0 {
		return
	}

	if p.metrics != nil {
		p.metrics.BatchFlushTotal.Inc()
		p.metrics.BatchSize.Observe(float64(len(items)))
	}

	ctx := context.Background()
	rule, err := p.findRuleWithBackoff(ctx, provider, category)
	if err != nil {
		if p.metrics != nil {
			p.metrics.BatchFailureTotal.Inc()
			p.metrics.BatchDegradedTotal.Inc()
		}
		p.logger.Warn("pipeline: batch degraded after exhausting rule lookup retries",
			zap.String("provider", provider), zap.String("category", category),
			zap.Int("dropped_items", len(items)), zap.Error(err))
		return
	}

	for _, raw := range items {
		point, err := p.transform(raw.standard, provider, category, raw.tick, rule)
		if err != nil {
			if p.metrics != nil {
				p.metrics.TransformFailures.Inc()
			}
			p.logger.Debug("pipeline: transform failed", zap.String("symbol", raw.standard), zap.Error(err))
			continue
		}

		start := time.Now()
		if p.shouldCacheSymbol(point.Symbol) {
			if err := p.cache.CacheDataPoint(ctx, point); err != nil {
				p.logger.Warn("pipeline: cache write failed", zap.String("symbol", point.Symbol), zap.Error(err))
			}
		} else if p.metrics != nil {
			p.metrics.CacheSkippedNoSubscriberTotal.Inc()
		}

		frame := types.OutboundFrame{Type: "data", Symbol: point.Symbol}
		cp := point.ToCompressed()
		frame.Point = &cp

		if err := p.clients.BroadcastToSymbolViaGateway(point.Symbol, frame); err != nil {
			p.logger.Debug("pipeline: broadcast error", zap.String("symbol", point.Symbol), zap.Error(err))
		}

		if p.metrics != nil {
			symbolType := "equity"
			p.metrics.StreamPushLatencyMs.WithLabelValues(point.Provider, symbolType, point.Category).
				Observe(float64(time.Since(start).Microseconds()) / 1000.0)
		}
	}
}

// findRuleWithBackoff loads the transform rule governing an entire batch
// once, retrying with a doubling backoff since the batch's rule lookup
// failing is usually the rule service catching up rather than a
// permanent condition.
func (p *Pipeline) findRuleWithBackoff(ctx context.Context, provider, category string) (ruleservice.Rule, error) {
	backoff := 10 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= maxRuleLookupAttempts; attempt++ {
		rule, err := p.rules.FindRuleFor(ctx, provider, category)
		if err == nil {
			return rule, nil
		}
		lastErr = err
		if p.metrics != nil {
			p.metrics.RuleLookupFailures.Inc()
		}
		if attempt == maxRuleLookupAttempts {
			break
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return ruleservice.Rule{}, lastErr
}

// shouldCacheSymbol reports whether the replay cache should persist a
// newly transformed point: caching a symbol nobody has subscribed to
// just spends hot-tier capacity replaying data no reconnect will ever
// ask for.
func (p *Pipeline) shouldCacheSymbol(symbol string) bool {
	return p.clients.HasSubscribers(symbol)
}
