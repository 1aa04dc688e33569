// Package persistence is a fire-and-forget MySQL sink for connection
// lifecycle and broadcast-health events, buffered in memory and flushed
// on an interval: atomic counters keyed by a composite key, a periodic
// flushLoop, and swap-and-drain on Flush. This gateway has no tenancy or
// billing concerns, so the counters track connection/broadcast events
// rather than per-tenant usage.
package persistence

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/aoxiansheng/streamgw/internal/config"
)

// connBuffer accumulates counters for one (provider, category) stream key
// between flushes.
type connBuffer struct {
	Provider        string
	Category        string
	Establishments  atomic.Int64
	Reconnects      atomic.Int64
	Errors          atomic.Int64
	TicksPersisted  atomic.Int64
	BroadcastDrops  atomic.Int64
}

// Sink buffers gateway events and periodically upserts daily rollups into
// MySQL. Open() may return a nil *Sink alongside a nil error when no DSN
// is configured, so callers can treat persistence as optional exactly
// like the rest of the gateway's nullable dependencies.
type Sink struct {
	db            *sql.DB
	logger        *zap.Logger
	mu            sync.RWMutex
	buffer        map[string]*connBuffer
	flushInterval time.Duration
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// Open opens the MySQL connection pool and starts the background flush
// loop. Returns (nil, nil) when cfg.DSN is empty.
func Open(cfg config.DatabaseConfig, logger *zap.Logger) (*Sink, error) {
	dsn := cfg.DSN()
	if dsn == "" {
		return nil, nil
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "persistence: failed to open database")
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Sink{
		db:            db,
		logger:        logger,
		buffer:        make(map[string]*connBuffer),
		flushInterval: flushInterval,
		ctx:           ctx,
		cancel:        cancel,
	}

	s.wg.Add(1)
	go s.flushLoop()
	return s, nil
}

func key(provider, category string) string { return provider + "|" + category }

func (s *Sink) getOrCreate(provider, category string) *connBuffer {
	k := key(provider, category)

	s.mu.RLock()
	buf, ok := s.buffer[k]
	s.mu.RUnlock()
	if ok {
		return buf
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if buf, ok = s.buffer[k]; ok {
		return buf
	}
	buf = &connBuffer{Provider: provider, Category: category}
	s.buffer[k] = buf
	return buf
}

// RecordEstablishment notes a successful upstream connection establishment.
func (s *Sink) RecordEstablishment(provider, category string) {
	if s == nil {
		return
	}
	s.getOrCreate(provider, category).Establishments.Add(1)
}

// RecordReconnect notes an upstream reconnect attempt.
func (s *Sink) RecordReconnect(provider, category string) {
	if s == nil {
		return
	}
	s.getOrCreate(provider, category).Reconnects.Add(1)
}

// RecordError notes an upstream or pipeline error for this stream key.
func (s *Sink) RecordError(provider, category string) {
	if s == nil {
		return
	}
	s.getOrCreate(provider, category).Errors.Add(1)
}

// RecordTickPersisted notes one tick written to the replay cache.
func (s *Sink) RecordTickPersisted(provider, category string) {
	if s == nil {
		return
	}
	s.getOrCreate(provider, category).TicksPersisted.Add(1)
}

// RecordBroadcastDrop notes a dropped broadcast for this stream key.
func (s *Sink) RecordBroadcastDrop(provider, category string) {
	if s == nil {
		return
	}
	s.getOrCreate(provider, category).BroadcastDrops.Add(1)
}

func (s *Sink) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.Flush()
			return
		case <-ticker.C:
			s.Flush()
		}
	}
}

// Flush drains the buffer and upserts one daily rollup row per stream key.
// Failures are logged and swallowed: persistence is diagnostic, never on
// the hot path, so a MySQL outage must never back-pressure the pipeline.
func (s *Sink) Flush() {
	s.mu.Lock()
	buffers := s.buffer
	s.buffer = make(map[string]*connBuffer)
	s.mu.Unlock()

	if len(buffers) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	today := time.Now().UTC().Format("2006-01-02")
	for _, buf := range buffers {
		s.upsert(ctx, today, buf)
	}
}

func (s *Sink) upsert(ctx context.Context, date string, buf *connBuffer) {
	const query = `
		INSERT INTO stream_daily_rollup
		(provider, category, rollup_date, establishments, reconnects, errors, ticks_persisted, broadcast_drops)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
		establishments = establishments + VALUES(establishments),
		reconnects = reconnects + VALUES(reconnects),
		errors = errors + VALUES(errors),
		ticks_persisted = ticks_persisted + VALUES(ticks_persisted),
		broadcast_drops = broadcast_drops + VALUES(broadcast_drops),
		updated_at = NOW()
	`
	_, err := s.db.ExecContext(ctx, query,
		buf.Provider, buf.Category, date,
		buf.Establishments.Load(), buf.Reconnects.Load(), buf.Errors.Load(),
		buf.TicksPersisted.Load(), buf.BroadcastDrops.Load(),
	)
	if err != nil {
		s.logger.Warn("persistence: flush failed",
			zap.String("provider", buf.Provider), zap.String("category", buf.Category), zap.Error(err))
	}
}

// Close stops the flush loop, performs one final flush, and closes the
// database connection pool.
func (s *Sink) Close() error {
	if s == nil {
		return nil
	}
	s.cancel()
	s.wg.Wait()
	return s.db.Close()
}
