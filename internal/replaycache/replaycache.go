// Package replaycache implements the Replay Cache: a hot in-memory tier
// (bounded ring buffer per symbol, short TTL) and a warm shared tier
// backed by Redis Streams (longer TTL, trimmed). Points are
// msgpack-encoded in the compressed {s,p,v,t} form before being written
// to the stream, roughly a 10x memory reduction over the JSON form for
// the warm tier.
package replaycache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/valyala/bytebufferpool"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/aoxiansheng/streamgw/internal/config"
	"github.com/aoxiansheng/streamgw/internal/metrics"
	"github.com/aoxiansheng/streamgw/pkg/types"
)

// ErrMemoryBudgetExceeded is returned (fail-closed) when the process's
// resident set exceeds MemoryAlertThresholdMB; the hot tier rejects the
// write rather than risk unbounded growth.
var ErrMemoryBudgetExceeded = errors.New("replaycache: memory budget exceeded")

// ErrCacheWrite wraps warm-tier write failures.
var ErrCacheWrite = errors.New("replaycache: cache write failed")

// MemorySampler reports the process's current RSS in megabytes. Satisfied
// by *metrics.Metrics in production; a fixed-value fake in tests.
type MemorySampler interface {
	RSSMegabytes() float64
}

type ring struct {
	mu      sync.Mutex
	entries []types.ReplayEntry
	head    int
	count   int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1000
	}
	return &ring{entries: make([]types.ReplayEntry, capacity)}
}

func (r *ring) add(e types.ReplayEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.head] = e
	r.head = (r.head + 1) % len(r.entries)
	if r.count < len(r.entries) {
		r.count++
	}
}

func (r *ring) since(t time.Time) []types.ReplayEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	out := make([]types.ReplayEntry, 0, r.count)
	for i := 0; i < r.count; i++ {
		idx := (r.head - r.count + i + len(r.entries)) % len(r.entries)
		e := r.entries[idx]
		if e.ExpiresAt.Before(now) {
			continue
		}
		if time.UnixMilli(e.Point.T).Before(t) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (r *ring) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cache is the two-tier Replay Cache.
type Cache struct {
	cfg     config.ReplayConfig
	redis   *redis.Client // nil disables the warm tier, matching the
	                       // teacher's nullable-dependency-with-fallback
	                       // design note
	metrics *metrics.Metrics
	sampler MemorySampler
	logger  *zap.Logger

	bufferPool *bytebufferpool.Pool

	mu  sync.RWMutex
	hot map[string]*ring
}

// New constructs a Replay Cache. rdb may be nil to run hot-tier-only.
func New(cfg config.ReplayConfig, rdb *redis.Client, m *metrics.Metrics, sampler MemorySampler, logger *zap.Logger) *Cache {
	return &Cache{
		cfg:        cfg,
		redis:      rdb,
		metrics:    m,
		sampler:    sampler,
		logger:     logger,
		bufferPool: &bytebufferpool.Pool{},
		hot:        make(map[string]*ring),
	}
}

// CacheDataPoint writes a tick to both tiers. Fails closed (hot tier
// untouched, warm tier skipped) when the process is over its memory
// budget.
func (c *Cache) CacheDataPoint(ctx context.Context, point types.TickPoint) error {
	if c.sampler != nil && c.cfg.MemoryAlertThresholdMB > 0 {
		if rss := c.sampler.RSSMegabytes(); rss > c.cfg.MemoryAlertThresholdMB {
			if c.metrics != nil {
				c.metrics.WarmCacheFailures.Inc()
			}
			return errors.Wrapf(ErrMemoryBudgetExceeded, "rss=%.1fMB threshold=%.1fMB", rss, c.cfg.MemoryAlertThresholdMB)
		}
	}

	compressed := point.ToCompressed()

	c.mu.RLock()
	r, ok := c.hot[point.Symbol]
	c.mu.RUnlock()
	if !ok {
		c.mu.Lock()
		r, ok = c.hot[point.Symbol]
		if !ok {
			r = newRing(c.cfg.HotCapacityPerSymbol)
			c.hot[point.Symbol] = r
		}
		c.mu.Unlock()
	}
	r.add(types.ReplayEntry{
		Point:     compressed,
		Symbol:    point.Symbol,
		ExpiresAt: time.Now().Add(c.cfg.HotTTL),
	})

	if c.metrics != nil {
		c.metrics.HotCacheSize.Set(float64(c.totalHotSize()))
	}

	if c.redis == nil {
		return nil
	}
	return c.writeWarm(ctx, point.Symbol, compressed)
}

func (c *Cache) totalHotSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := 0
	for _, r := range c.hot {
		total += r.size()
	}
	return total
}

func (c *Cache) streamKey(symbol string) string {
	return "replay:" + symbol
}

func (c *Cache) writeWarm(ctx context.Context, symbol string, point types.CompressedPoint) error {
	buf := c.bufferPool.Get()
	defer c.bufferPool.Put(buf)

	encoded, err := msgpack.Marshal(point)
	if err != nil {
		if c.metrics != nil {
			c.metrics.WarmCacheFailures.Inc()
		}
		return errors.Wrap(ErrCacheWrite, err.Error())
	}
	buf.B = append(buf.B, encoded...)

	args := &redis.XAddArgs{
		Stream: c.streamKey(symbol),
		Values: map[string]interface{}{"p": buf.B},
	}
	switch c.cfg.RedisStreamTrimStrategy {
	case "MINID":
		minID := time.Now().Add(-c.cfg.WarmTTL).UnixMilli()
		args.MinID = itoa(minID)
		args.Approx = true
	default: // MAXLEN
		args.MaxLen = c.cfg.RedisStreamMaxLength
		args.Approx = true
	}

	if err := c.redis.XAdd(ctx, args).Err(); err != nil {
		if c.metrics != nil {
			c.metrics.WarmCacheFailures.Inc()
		}
		c.logger.Warn("replaycache: warm tier write failed", zap.String("symbol", symbol), zap.Error(err))
		return errors.Wrap(ErrCacheWrite, err.Error())
	}
	if c.cfg.WarmTTL > 0 {
		if err := c.redis.Expire(ctx, c.streamKey(symbol), c.cfg.WarmTTL).Err(); err != nil {
			c.logger.Warn("replaycache: warm tier expire failed", zap.String("symbol", symbol), zap.Error(err))
		}
	}
	return nil
}

func itoa(n int64) string {
	if n < 0 {
		n = 0
	}
	buf := [20]byte{}
	i := len(buf)
	if n == 0 {
		return "0"
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// GetDataSince returns every point for symbol observed at or after since,
// merging the hot and warm tiers and sorting by timestamp. This is the
// read path the Recovery Worker Pool uses to serve a reconnect replay.
func (c *Cache) GetDataSince(ctx context.Context, symbol string, since time.Time) ([]types.CompressedPoint, error) {
	c.mu.RLock()
	r, ok := c.hot[symbol]
	c.mu.RUnlock()

	var hotEntries []types.ReplayEntry
	if ok {
		hotEntries = r.since(since)
	}

	var warmPoints []types.CompressedPoint
	if c.redis != nil {
		var err error
		warmPoints, err = c.readWarm(ctx, symbol, since)
		if err != nil {
			if c.metrics != nil {
				c.metrics.WarmCacheFailures.Inc()
			}
			c.logger.Warn("replaycache: warm tier read failed", zap.String("symbol", symbol), zap.Error(err))
			// Degrade to hot-tier-only rather than fail the whole request.
		}
	}

	merged := make([]types.CompressedPoint, 0, len(hotEntries)+len(warmPoints))
	seen := make(map[int64]struct{}, len(hotEntries)+len(warmPoints))
	for _, p := range warmPoints {
		if _, dup := seen[p.T]; dup {
			continue
		}
		seen[p.T] = struct{}{}
		merged = append(merged, p)
	}
	for _, e := range hotEntries {
		if _, dup := seen[e.Point.T]; dup {
			continue
		}
		seen[e.Point.T] = struct{}{}
		merged = append(merged, e.Point)
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].T < merged[j].T })
	return merged, nil
}

func (c *Cache) readWarm(ctx context.Context, symbol string, since time.Time) ([]types.CompressedPoint, error) {
	start := itoa(since.UnixMilli())
	res, err := c.redis.XRange(ctx, c.streamKey(symbol), start, "+").Result()
	if err != nil {
		return nil, errors.Wrap(ErrCacheWrite, err.Error())
	}

	out := make([]types.CompressedPoint, 0, len(res))
	for _, msg := range res {
		raw, ok := msg.Values["p"].(string)
		if !ok {
			continue
		}
		var p types.CompressedPoint
		if err := msgpack.Unmarshal([]byte(raw), &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Cleanup drops hot-tier entries for symbols that have gone fully stale
// (every entry expired), keeping the symbol map from growing unbounded
// across a long-running process.
func (c *Cache) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for symbol, r := range c.hot {
		if len(r.since(time.Time{})) == 0 {
			delete(c.hot, symbol)
		}
	}
}
