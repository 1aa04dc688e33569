// Package fetcher implements the Stream Data Fetcher: upstream connection
// lifecycle over capability handles, a three-tier classify-and-escalate
// health check, dual-map hygiene with a zombie-reaping sweeper, and an
// adaptive concurrency controller with a circuit breaker. Connection
// establishment is a single attempt against the capability factory: a
// failed attempt is not retried and no alternate gateway is tried.
// Exponential backoff with jitter paces the tick pump's reconnects, and
// an ants.Pool runs the tier 2/3 checks; tiered checks and the tick pump
// run against a real capability.Handle rather than a placeholder ticker.
package fetcher

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/aoxiansheng/streamgw/internal/capability"
	"github.com/aoxiansheng/streamgw/internal/config"
	"github.com/aoxiansheng/streamgw/internal/metrics"
	"github.com/aoxiansheng/streamgw/internal/pool"
	"github.com/aoxiansheng/streamgw/pkg/types"
)

// ErrStreamConnectionFailed wraps all establishment failures.
var ErrStreamConnectionFailed = errors.New("fetcher: stream connection failed")

// ErrSubscriptionFailed wraps partial or total subscribe/unsubscribe failures.
var ErrSubscriptionFailed = errors.New("fetcher: subscription failed")

// OnTick is invoked for every tick delivered by any upstream connection.
type OnTick func(provider, capabilityName string, tick capability.Tick)

// Tier 1 classification thresholds: purely local, no I/O.
const (
	tier1FailInactivity       = 5 * time.Minute
	tier1SuspiciousInactivity = 2 * time.Minute
)

// healthState is the outcome of a tier 1 local classification.
type healthState int

const (
	healthPass healthState = iota
	healthSuspicious
	healthFail
)

// connection bundles a StreamConnection's lifecycle state with its handle.
type connection struct {
	mu     sync.Mutex
	record types.StreamConnection
	handle capability.Handle
	cancel context.CancelFunc
	window *types.PerformanceWindow
	ip     string

	// suspicious and needsTier3 drive the tier escalation: tier 1 sets
	// one of them (or neither, on a clean pass); tier 2 clears
	// suspicious on a healthy heartbeat or escalates to needsTier3;
	// tier 3 clears needsTier3 on a healthy deep check.
	suspicious bool
	needsTier3 bool
}

// Manager is the Stream Data Fetcher.
type Manager struct {
	cfg      config.FetcherConfig
	registry capability.Registry
	pool     *pool.Manager
	logger   *zap.Logger
	metrics  *metrics.Metrics
	onTick   OnTick

	antsPool *ants.Pool

	mu                sync.RWMutex
	connections       map[string]*connection // activeConnections, keyed by provider|capability
	connectionIdToKey map[string]string      // id -> key, reconciled by the hygiene sweeper

	concurrencyLimit atomic.Int64
	circuitOpen      atomic.Bool
	circuitOpenedAt  atomic.Int64 // unix nanos

	globalWindow *types.PerformanceWindow
	windowMu     sync.Mutex

	closeOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func connKey(provider, cap string) string { return provider + "|" + cap }

// NewManager constructs a Stream Data Fetcher.
func NewManager(cfg config.FetcherConfig, registry capability.Registry, pm *pool.Manager, m *metrics.Metrics, logger *zap.Logger, onTick OnTick) (*Manager, error) {
	initialConcurrency := cfg.MaxConcurrency
	if initialConcurrency <= 0 {
		initialConcurrency = 50
	}
	antsPool, err := ants.NewPool(initialConcurrency)
	if err != nil {
		return nil, errors.Wrap(err, "fetcher: failed to create worker pool")
	}

	windowSize := cfg.PerformanceWindowSize
	if windowSize <= 0 {
		windowSize = 50
	}

	mgr := &Manager{
		cfg:               cfg,
		registry:          registry,
		pool:              pm,
		logger:            logger,
		metrics:           m,
		onTick:            onTick,
		antsPool:          antsPool,
		connections:       make(map[string]*connection),
		connectionIdToKey: make(map[string]string),
		globalWindow:      types.NewPerformanceWindow(windowSize),
	}
	mgr.concurrencyLimit.Store(int64(initialConcurrency))
	return mgr, nil
}

// Start begins the tiered health check, map-hygiene, and adaptive
// concurrency loops.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(5)
	go m.runLoop(m.tier1Sweep, m.cfg.Tier1Interval)
	go m.runLoop(m.tier2Sweep, m.cfg.Tier2Interval)
	go m.runLoop(m.tier3Sweep, m.cfg.Tier3Interval)
	go m.runLoop(m.adaptiveConcurrencyTick, 5*time.Second)
	go m.runLoop(m.mapHygieneSweep, m.cfg.MapCleanupInterval)
}

// Stop is the publish-once destroy signal: it cancels the observer loops
// and the recursive sweeper, then closes every connection concurrently
// under a hard 10s ceiling before clearing the maps. Safe to call more
// than once; only the first call does any work.
func (m *Manager) Stop() {
	m.closeOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		m.wg.Wait()

		m.mu.RLock()
		keys := make([]string, 0, len(m.connections))
		for k := range m.connections {
			keys = append(keys, k)
		}
		m.mu.RUnlock()

		done := make(chan struct{})
		go func() {
			var closeWg sync.WaitGroup
			for _, key := range keys {
				key := key
				closeWg.Add(1)
				go func() {
					defer closeWg.Done()
					m.closeConnection(key)
				}()
			}
			closeWg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(10 * time.Second):
			m.logger.Warn("fetcher: shutdown close ceiling reached, some connections may not have closed cleanly")
		}

		m.mu.Lock()
		m.connections = make(map[string]*connection)
		m.connectionIdToKey = make(map[string]string)
		m.mu.Unlock()

		m.antsPool.Release()
	})
}

// runLoop is a shutdown-aware periodic loop: it re-checks ctx.Done before
// every sleep instead of relying on a bare ticker, so an overlapping run
// can never be scheduled once shutdown has begun.
func (m *Manager) runLoop(fn func(), interval time.Duration) {
	defer m.wg.Done()
	if interval <= 0 {
		interval = time.Second
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-timer.C:
			fn()
			select {
			case <-m.ctx.Done():
				return
			default:
				timer.Reset(interval)
			}
		}
	}
}

// EstablishStreamConnection opens a new upstream connection for
// (provider, capabilityName), subject to pool admission, and begins
// pumping its ticks to onTick. Returns the resulting StreamConnection
// record.
func (m *Manager) EstablishStreamConnection(ctx context.Context, provider, capabilityName, ip string) (types.StreamConnection, error) {
	key := connKey(provider, capabilityName)

	if err := m.pool.Register(key, ip); err != nil {
		return types.StreamConnection{}, errors.Wrap(err, "fetcher: pool admission denied")
	}

	handle, err := m.registry.Open(ctx, provider, capabilityName)
	if err != nil {
		m.pool.Unregister(key, ip)
		return types.StreamConnection{}, errors.Wrap(ErrStreamConnectionFailed, err.Error())
	}

	connectCtx, cancelConnect := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancelConnect()
	if err := handle.Connect(connectCtx); err != nil {
		m.pool.Unregister(key, ip)
		return types.StreamConnection{}, errors.Wrap(ErrStreamConnectionFailed, err.Error())
	}

	connCtx, cancel := context.WithCancel(m.ctx)
	c := &connection{
		record: types.StreamConnection{
			ID:            uuid.NewString(),
			Provider:      provider,
			Capability:    capabilityName,
			Key:           key,
			State:         types.ConnectionConnected,
			Symbols:       make(map[string]struct{}),
			EstablishedAt: time.Now(),
			LastDataAt:    time.Now(),
		},
		handle: handle,
		cancel: cancel,
		window: types.NewPerformanceWindow(m.cfg.PerformanceWindowSize),
		ip:     ip,
	}

	m.mu.Lock()
	m.connections[key] = c
	m.connectionIdToKey[c.record.ID] = key
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.FetcherActiveConnections.Inc()
	}

	m.wg.Add(1)
	go m.pumpTicks(connCtx, key, c)

	return c.record, nil
}

// closeConnection idempotently tears down a single connection: it stops
// the monitoring goroutine, invokes the handle's close, removes the
// connection from both activeConnections and the id->key index, and
// releases its pool slot. Cleanup runs even if the handle close fails or
// panics; the entry is already unlinked from both maps before either is
// attempted, so a concurrent or repeated call for the same key is a
// no-op.
func (m *Manager) closeConnection(key string) {
	m.mu.Lock()
	c, ok := m.connections[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.connections, key)
	delete(m.connectionIdToKey, c.record.ID)
	m.mu.Unlock()

	c.cancel()

	func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("fetcher: panic closing handle", zap.String("key", key), zap.Any("recover", r))
			}
		}()
		if err := c.handle.Close(); err != nil {
			m.logger.Warn("fetcher: handle close failed", zap.String("key", key), zap.Error(err))
		}
	}()

	m.pool.Unregister(key, c.ip)
	if m.metrics != nil {
		m.metrics.FetcherActiveConnections.Dec()
	}
}

// mapHygieneSweep reconciles activeConnections and connectionIdToKey,
// reaps zombie connections (disconnected and inactive past
// zombieConnectionInactivity), and warns when the id index has grown
// unexpectedly large relative to the live connection set.
func (m *Manager) mapHygieneSweep() {
	now := time.Now()
	zombieInactivity := m.cfg.ZombieConnectionInactivity
	if zombieInactivity <= 0 {
		zombieInactivity = 30 * time.Minute
	}

	m.mu.Lock()
	var zombies []string
	for key, c := range m.connections {
		c.mu.Lock()
		disconnected := c.record.State != types.ConnectionConnected
		inactive := now.Sub(c.record.LastDataAt) > zombieInactivity
		id := c.record.ID
		c.mu.Unlock()

		if disconnected && inactive {
			zombies = append(zombies, key)
			continue
		}
		m.connectionIdToKey[id] = key
	}
	for id, key := range m.connectionIdToKey {
		if _, ok := m.connections[key]; !ok {
			delete(m.connectionIdToKey, id)
		}
	}
	activeCount := len(m.connections)
	idCount := len(m.connectionIdToKey)
	m.mu.Unlock()

	for _, key := range zombies {
		m.logger.Warn("fetcher: reaping zombie connection", zap.String("key", key))
		m.closeConnection(key)
	}

	if idCount > 2*activeCount {
		m.logger.Warn("fetcher: connectionIdToKey outgrowing activeConnections, possible leak",
			zap.Int("connection_id_to_key", idCount), zap.Int("active_connections", activeCount))
	}
}

// pumpTicks reads ticks off a handle until its context is cancelled or
// the channel closes, triggering reconnect-with-backoff on closure.
func (m *Manager) pumpTicks(ctx context.Context, key string, c *connection) {
	defer m.wg.Done()
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-c.handle.Ticks():
			if !ok {
				attempt++
				m.recordOutcome(c, false)
				c.mu.Lock()
				c.record.State = types.ConnectionError
				c.record.ReconnectCount++
				c.mu.Unlock()
				if m.metrics != nil {
					m.metrics.FetcherReconnectsTotal.Inc()
				}
				delay := m.calculateBackoff(attempt)
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
				if err := c.handle.Connect(ctx); err != nil {
					m.logger.Warn("fetcher: reconnect failed", zap.String("key", key), zap.Error(err))
					continue
				}
				c.mu.Lock()
				c.record.State = types.ConnectionConnected
				c.mu.Unlock()
				continue
			}
			attempt = 0
			c.mu.Lock()
			c.record.LastDataAt = time.Now()
			c.mu.Unlock()
			if m.onTick != nil {
				m.onTick(c.record.Provider, c.record.Capability, tick)
			}
		}
	}
}

func (m *Manager) calculateBackoff(attempt int) time.Duration {
	base := m.cfg.ReconnectBaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	max := m.cfg.ReconnectMaxDelay
	if max <= 0 {
		max = 30 * time.Second
	}
	delay := base * time.Duration(1<<uint(minInt(attempt, 20)))
	if delay > max {
		delay = max
	}
	jitter := time.Duration(float64(delay) * 0.1 * (rand.Float64()*2 - 1))
	return delay + jitter
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// SubscribeToSymbols adds native-form symbols to an existing connection's
// stream.
func (m *Manager) SubscribeToSymbols(ctx context.Context, provider, capabilityName string, nativeSymbols []string) error {
	m.mu.RLock()
	c, ok := m.connections[connKey(provider, capabilityName)]
	m.mu.RUnlock()
	if !ok {
		return errors.Wrapf(ErrSubscriptionFailed, "no connection for provider=%s capability=%s", provider, capabilityName)
	}

	if err := c.handle.Subscribe(ctx, nativeSymbols); err != nil {
		return errors.Wrap(ErrSubscriptionFailed, err.Error())
	}

	c.mu.Lock()
	for _, s := range nativeSymbols {
		c.record.Symbols[s] = struct{}{}
	}
	c.mu.Unlock()
	return nil
}

// UnsubscribeFromSymbols removes native-form symbols from a connection.
func (m *Manager) UnsubscribeFromSymbols(ctx context.Context, provider, capabilityName string, nativeSymbols []string) error {
	m.mu.RLock()
	c, ok := m.connections[connKey(provider, capabilityName)]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	if err := c.handle.Unsubscribe(ctx, nativeSymbols); err != nil {
		return errors.Wrap(ErrSubscriptionFailed, err.Error())
	}

	c.mu.Lock()
	for _, s := range nativeSymbols {
		delete(c.record.Symbols, s)
	}
	c.mu.Unlock()
	return nil
}

// GetConnectionStatus returns the current state of a connection.
func (m *Manager) GetConnectionStatus(provider, capabilityName string) (types.ConnectionState, bool) {
	m.mu.RLock()
	c, ok := m.connections[connKey(provider, capabilityName)]
	m.mu.RUnlock()
	if !ok {
		return types.ConnectionClosed, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.record.State, true
}

// --- Tiered health check: classify (tier 1, local) then escalate ---

func (m *Manager) snapshotConnections() []*connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*connection, 0, len(m.connections))
	for _, c := range m.connections {
		out = append(out, c)
	}
	return out
}

func (m *Manager) suspiciousConnections() []*connection {
	var out []*connection
	for _, c := range m.snapshotConnections() {
		c.mu.Lock()
		susp := c.suspicious
		c.mu.Unlock()
		if susp {
			out = append(out, c)
		}
	}
	return out
}

func (m *Manager) connectionsNeedingTier3() []*connection {
	var out []*connection
	for _, c := range m.snapshotConnections() {
		c.mu.Lock()
		needs := c.needsTier3
		c.mu.Unlock()
		if needs {
			out = append(out, c)
		}
	}
	return out
}

func (m *Manager) markSuspicious(c *connection) {
	c.mu.Lock()
	c.suspicious = true
	c.mu.Unlock()
}

func (m *Manager) clearSuspicion(c *connection) {
	c.mu.Lock()
	c.suspicious = false
	c.mu.Unlock()
}

func (m *Manager) markNeedsTier3(c *connection) {
	c.mu.Lock()
	c.suspicious = false
	c.needsTier3 = true
	c.mu.Unlock()
}

func (m *Manager) clearNeedsTier3(c *connection) {
	c.mu.Lock()
	c.needsTier3 = false
	c.mu.Unlock()
}

// classifyTier1 is a purely local decision from isConnected/lastActiveAt:
// no I/O is performed. A disconnected handle or one silent for more than
// tier1FailInactivity fails outright; one silent for more than
// tier1SuspiciousInactivity passes tentatively but is flagged suspicious
// for tier 2 to resolve.
func (m *Manager) classifyTier1(c *connection) healthState {
	c.mu.Lock()
	connected := c.record.State == types.ConnectionConnected
	inactivity := time.Since(c.record.LastDataAt)
	c.mu.Unlock()

	switch {
	case !connected:
		return healthFail
	case inactivity > tier1FailInactivity:
		return healthFail
	case inactivity > tier1SuspiciousInactivity:
		return healthSuspicious
	default:
		return healthPass
	}
}

// tier1Sweep classifies every connection locally. Hard fails are flagged
// straight for tier 3; tentative passes are flagged suspicious for tier
// 2; clean passes clear any prior suspicion.
func (m *Manager) tier1Sweep() {
	for _, c := range m.snapshotConnections() {
		switch m.classifyTier1(c) {
		case healthFail:
			m.markNeedsTier3(c)
			m.recordOutcome(c, false)
		case healthSuspicious:
			m.markSuspicious(c)
		default:
			m.clearSuspicion(c)
			m.recordOutcome(c, true)
		}
	}
}

// tier2Sweep races a heartbeat against a short timeout, but only for
// connections tier 1 marked suspicious — the point of tiering is to
// never touch the network for a connection tier 1 already trusts.
func (m *Manager) tier2Sweep() {
	for _, c := range m.suspiciousConnections() {
		c := c
		_ = m.antsPool.Submit(func() {
			m.tier2Check(c)
		})
	}
}

func (m *Manager) tier2Check(c *connection) {
	timeout := m.cfg.Tier2Interval / 10
	if timeout <= 0 || timeout > time.Second {
		timeout = time.Second
	}
	ctx, cancel := context.WithTimeout(m.ctx, timeout)
	defer cancel()

	start := time.Now()
	ok, err := c.handle.SendHeartbeat(ctx)
	elapsed := time.Since(start)
	if m.metrics != nil {
		m.metrics.FetcherHealthCheckLatency.WithLabelValues("tier2").Observe(elapsed.Seconds())
	}

	c.mu.Lock()
	connected := c.record.State == types.ConnectionConnected
	c.mu.Unlock()

	success := err == nil && ok && connected
	m.recordOutcome(c, success)
	if success {
		m.clearSuspicion(c)
		return
	}
	m.logger.Warn("fetcher: tier2 heartbeat failed", zap.String("key", c.record.Key), zap.Error(err))
	m.markNeedsTier3(c)
}

// tier3Sweep runs the full, expensive check against connections tier 1
// hard-failed or tier 2 could not clear.
func (m *Manager) tier3Sweep() {
	for _, c := range m.connectionsNeedingTier3() {
		c := c
		_ = m.antsPool.Submit(func() {
			err := m.tier3Check(m.ctx, c, 5*time.Second, 1)
			m.recordOutcome(c, err == nil)
			if err == nil {
				m.clearNeedsTier3(c)
				return
			}
			m.logger.Warn("fetcher: tier3 check failed", zap.String("key", c.record.Key), zap.Error(err))
		})
	}
}

// tier3Check performs the full check with retries under timeout. A
// connection whose check takes more than 80% of the timeout is treated
// as unhealthy even if it eventually answered.
func (m *Manager) tier3Check(ctx context.Context, c *connection, timeout time.Duration, retries int) error {
	if retries <= 0 {
		retries = 1
	}
	slowThreshold := time.Duration(float64(timeout) * 0.8)

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		err := c.handle.Check(checkCtx, capability.Tier3)
		elapsed := time.Since(start)
		cancel()

		if m.metrics != nil {
			m.metrics.FetcherHealthCheckLatency.WithLabelValues("tier3").Observe(elapsed.Seconds())
		}

		if err == nil && elapsed <= slowThreshold {
			return nil
		}
		if err == nil {
			lastErr = errors.Errorf("fetcher: tier3 check for %s took %s, over 80%% of the %s timeout", c.record.Key, elapsed, timeout)
		} else {
			lastErr = err
		}
	}
	return lastErr
}

// tieredCheckOne runs the classify/escalate pipeline synchronously for a
// single connection, used by BatchHealthCheck's on-demand path.
func (m *Manager) tieredCheckOne(ctx context.Context, c *connection, timeout time.Duration, retries int) bool {
	switch m.classifyTier1(c) {
	case healthFail:
		return m.tier3Check(ctx, c, timeout, retries) == nil
	case healthSuspicious:
		t2timeout := timeout / 10
		if t2timeout <= 0 || t2timeout > time.Second {
			t2timeout = time.Second
		}
		hbCtx, cancel := context.WithTimeout(ctx, t2timeout)
		ok, err := c.handle.SendHeartbeat(hbCtx)
		cancel()

		c.mu.Lock()
		connected := c.record.State == types.ConnectionConnected
		c.mu.Unlock()

		if err == nil && ok && connected {
			return true
		}
		return m.tier3Check(ctx, c, timeout, retries) == nil
	default:
		return true
	}
}

// BatchHealthCheckOptions configures an on-demand BatchHealthCheck run.
type BatchHealthCheckOptions struct {
	Timeout       time.Duration
	Concurrency   int
	Retries       int
	TieredEnabled bool
}

// BatchHealthCheck runs a health check across every active connection and
// returns a per-key healthy/unhealthy verdict. When TieredEnabled is set
// it runs the same classify/escalate pipeline as the periodic sweeps
// (most connections never leave tier 1, which is the efficiency win over
// a naive full check on every key); otherwise every connection gets the
// full tier 3 check regardless of its local classification.
func (m *Manager) BatchHealthCheck(ctx context.Context, opts BatchHealthCheckOptions) map[string]bool {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := opts.Retries
	if retries <= 0 {
		retries = 1
	}

	m.mu.RLock()
	conns := make(map[string]*connection, len(m.connections))
	for k, c := range m.connections {
		conns[k] = c
	}
	m.mu.RUnlock()

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = len(conns)
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	results := make(map[string]bool, len(conns))
	var resMu sync.Mutex
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for key, c := range conns {
		key, c := key, c
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			var healthy bool
			if opts.TieredEnabled {
				healthy = m.tieredCheckOne(ctx, c, timeout, retries)
			} else {
				healthy = m.tier3Check(ctx, c, timeout, retries) == nil
			}

			resMu.Lock()
			results[key] = healthy
			resMu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

func (m *Manager) recordOutcome(c *connection, success bool) {
	c.mu.Lock()
	c.window.Record(success)
	c.mu.Unlock()

	m.windowMu.Lock()
	m.globalWindow.Record(success)
	m.windowMu.Unlock()
}

// --- Adaptive concurrency controller with circuit breaker ---

func (m *Manager) adaptiveConcurrencyTick() {
	m.windowMu.Lock()
	rate := m.globalWindow.SuccessRate()
	filled := m.globalWindow.Filled()
	m.windowMu.Unlock()

	if !filled {
		return
	}

	if m.circuitOpen.Load() {
		openedAt := time.Unix(0, m.circuitOpenedAt.Load())
		if time.Since(openedAt) >= m.cfg.CircuitBreakerRecoveryDelay && rate > m.cfg.CircuitBreakerRecoveryRate {
			m.circuitOpen.Store(false)
			if m.metrics != nil {
				m.metrics.FetcherCircuitOpen.Set(0)
			}
			m.logger.Info("fetcher: circuit breaker closed", zap.Float64("success_rate", rate))
		}
		return
	}

	if rate < m.cfg.CircuitBreakerThreshold {
		m.circuitOpen.Store(true)
		m.circuitOpenedAt.Store(time.Now().UnixNano())
		m.setConcurrency(m.cfg.MinConcurrency)
		if m.metrics != nil {
			m.metrics.FetcherCircuitOpen.Set(1)
		}
		m.logger.Warn("fetcher: circuit breaker tripped", zap.Float64("success_rate", rate))
		return
	}

	current := m.concurrencyLimit.Load()
	var next int64
	if rate > m.cfg.CircuitBreakerRecoveryRate {
		next = current + int64(float64(current)*m.cfg.ConcurrencyAdjustPct)
	} else if rate < 0.75 {
		next = current - int64(float64(current)*m.cfg.ConcurrencyAdjustPct)
	} else {
		return
	}
	m.setConcurrency(int(next))
}

func (m *Manager) setConcurrency(n int) {
	if n < m.cfg.MinConcurrency {
		n = m.cfg.MinConcurrency
	}
	if n > m.cfg.MaxConcurrency {
		n = m.cfg.MaxConcurrency
	}
	m.concurrencyLimit.Store(int64(n))
	m.antsPool.Tune(n)
	if m.metrics != nil {
		m.metrics.FetcherConcurrencyLimit.Set(float64(n))
	}
}

// Stats is a point-in-time snapshot of fetcher state.
type Stats struct {
	ActiveConnections int
	ConcurrencyLimit  int
	CircuitOpen       bool
	SuccessRate       float64
}

// GetStats returns current fetcher statistics.
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	n := len(m.connections)
	m.mu.RUnlock()

	m.windowMu.Lock()
	rate := m.globalWindow.SuccessRate()
	m.windowMu.Unlock()

	return Stats{
		ActiveConnections: n,
		ConcurrencyLimit:  int(m.concurrencyLimit.Load()),
		CircuitOpen:       m.circuitOpen.Load(),
		SuccessRate:       rate,
	}
}
