// Package clientstate implements the Client State Manager: the
// bidirectional subscriber<->symbol index and room-based broadcast. A
// symbol->subscribers room index is joined by the reverse
// client->symbols index and a providerToClients index, required for the
// consistency invariant that all three indices move together, and an
// atomically-swapped BroadcastStats value object instead of loose
// counters. There is no per-client callback fan-out path — broadcast
// only ever goes through the room (BroadcastToSymbolViaGateway).
package clientstate

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/olebedev/emitter"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/aoxiansheng/streamgw/internal/config"
	"github.com/aoxiansheng/streamgw/internal/metrics"
	"github.com/aoxiansheng/streamgw/pkg/types"
)

// ErrGatewayBroadcast is returned when a room broadcast cannot be
// delivered to any transport (e.g. the room has no subscribers is NOT an
// error; this is reserved for actual transport failure).
var ErrGatewayBroadcast = errors.New("clientstate: gateway broadcast error")

// Client is a single connected subscriber.
type Client struct {
	ID          string
	SendChan    chan types.OutboundFrame
	ConnectTime time.Time
	LastSend    atomic.Int64 // unix nanos
	Dropped     atomic.Int64
	closed      atomic.Bool
}

// subscriptionInfo is the per-(client,symbol) routing context needed to
// reverse a subscription: which upstream connection key it rode on.
type subscriptionInfo struct {
	Provider string
	Category string
}

func newClient(id string, bufSize int) *Client {
	c := &Client{
		ID:          id,
		SendChan:    make(chan types.OutboundFrame, bufSize),
		ConnectTime: time.Now(),
	}
	c.LastSend.Store(time.Now().UnixNano())
	return c
}

// Manager is the Client State Manager.
type Manager struct {
	cfg     config.ClientStateConfig
	metrics *metrics.Metrics
	logger  *zap.Logger
	emitter *emitter.Emitter

	mu                sync.RWMutex
	clients           map[string]*Client
	symbolToClients   map[string]map[string]*Client
	clientToSymbols   map[string]map[string]subscriptionInfo // clientID -> symbol -> (provider, category)
	providerToClients map[string]map[string]struct{}

	totalBroadcasts atomic.Int64
	totalDrops      atomic.Int64
	statsPtr        atomic.Pointer[types.BroadcastStats]
}

// NewManager constructs a Client State Manager.
func NewManager(cfg config.ClientStateConfig, m *metrics.Metrics, logger *zap.Logger) *Manager {
	mgr := &Manager{
		cfg:               cfg,
		metrics:           m,
		logger:            logger,
		emitter:           emitter.New(16),
		clients:           make(map[string]*Client),
		symbolToClients:   make(map[string]map[string]*Client),
		clientToSymbols:   make(map[string]map[string]subscriptionInfo),
		providerToClients: make(map[string]map[string]struct{}),
	}
	mgr.statsPtr.Store(&types.BroadcastStats{Health: types.HealthExcellent})
	return mgr
}

// RegisterClient creates and tracks a new client connection.
func (m *Manager) RegisterClient(id string) *Client {
	c := newClient(id, m.cfg.SubscriberBufferSize)
	m.mu.Lock()
	m.clients[id] = c
	m.clientToSymbols[id] = make(map[string]subscriptionInfo)
	m.mu.Unlock()
	m.refreshStats()
	return c
}

// Subscribe adds (clientID, symbol, provider, category) to all three
// indices atomically under a single lock.
func (m *Manager) Subscribe(clientID, symbol, provider, category string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	client, ok := m.clients[clientID]
	if !ok {
		return errors.Errorf("clientstate: unknown client %s", clientID)
	}

	if _, ok := m.symbolToClients[symbol]; !ok {
		m.symbolToClients[symbol] = make(map[string]*Client)
	}
	m.symbolToClients[symbol][clientID] = client

	m.clientToSymbols[clientID][symbol] = subscriptionInfo{Provider: provider, Category: category}

	if _, ok := m.providerToClients[provider]; !ok {
		m.providerToClients[provider] = make(map[string]struct{})
	}
	m.providerToClients[provider][clientID] = struct{}{}

	m.emitter.Emit("subscribe", ChangeEvent{ClientID: clientID, Symbol: symbol, Provider: provider})
	m.refreshStatsLocked()
	return nil
}

// RouteForSymbol returns the (provider, category) a client's subscription
// to symbol was established on, used to resolve the upstream connection
// key when a later unsubscribe needs to reverse that routing.
func (m *Manager) RouteForSymbol(clientID, symbol string) (provider, category string, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.clientToSymbols[clientID][symbol]
	if !ok {
		return "", "", false
	}
	return info.Provider, info.Category, true
}

// Unsubscribe removes (clientID, symbol) from all three indices.
func (m *Manager) Unsubscribe(clientID, symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribeLocked(clientID, symbol)
	m.refreshStatsLocked()
}

func (m *Manager) unsubscribeLocked(clientID, symbol string) {
	info, ok := m.clientToSymbols[clientID][symbol]
	if !ok {
		return
	}
	provider := info.Provider
	delete(m.clientToSymbols[clientID], symbol)

	if clients, ok := m.symbolToClients[symbol]; ok {
		delete(clients, clientID)
		if len(clients) == 0 {
			delete(m.symbolToClients, symbol)
		}
	}

	if stillSubscribed := m.clientSubscribedToProvider(clientID, provider); !stillSubscribed {
		if clients, ok := m.providerToClients[provider]; ok {
			delete(clients, clientID)
			if len(clients) == 0 {
				delete(m.providerToClients, provider)
			}
		}
	}

	m.emitter.Emit("unsubscribe", ChangeEvent{ClientID: clientID, Symbol: symbol, Provider: provider})
}

func (m *Manager) clientSubscribedToProvider(clientID, provider string) bool {
	for _, info := range m.clientToSymbols[clientID] {
		if info.Provider == provider {
			return true
		}
	}
	return false
}

// RemoveClient unsubscribes a client from everything and drops its
// connection record.
func (m *Manager) RemoveClient(clientID string) {
	m.mu.Lock()
	client, ok := m.clients[clientID]
	if !ok {
		m.mu.Unlock()
		return
	}
	symbols := m.clientToSymbols[clientID]
	for symbol := range symbols {
		m.unsubscribeLocked(clientID, symbol)
	}
	delete(m.clientToSymbols, clientID)
	delete(m.clients, clientID)
	m.mu.Unlock()

	if client.closed.CompareAndSwap(false, true) {
		close(client.SendChan)
	}
	m.refreshStats()
}

// BroadcastToSymbolViaGateway delivers frame to every client subscribed
// to symbol through the room's non-blocking send, dropping on a full
// buffer and disconnecting clients that cross the slow-consumer
// threshold. There is no fallback delivery path: if the room has no
// transport-level way to reach a client, that client is simply not
// reached this round — it is not retried through any other channel.
func (m *Manager) BroadcastToSymbolViaGateway(symbol string, frame types.OutboundFrame) error {
	m.mu.RLock()
	clients, ok := m.symbolToClients[symbol]
	if !ok {
		m.mu.RUnlock()
		return nil // no subscribers; not an error
	}
	targets := make([]*Client, 0, len(clients))
	for _, c := range clients {
		targets = append(targets, c)
	}
	m.mu.RUnlock()

	var delivered, dropped int64
	for _, c := range targets {
		if c.closed.Load() {
			continue
		}
		select {
		case c.SendChan <- frame:
			c.LastSend.Store(time.Now().UnixNano())
			delivered++
		default:
			c.Dropped.Add(1)
			dropped++
			if int(c.Dropped.Load()) > m.cfg.SlowConsumerThreshold {
				m.RemoveClient(c.ID)
			}
		}
	}

	m.totalBroadcasts.Add(delivered)
	m.totalDrops.Add(dropped)
	if m.metrics != nil {
		if dropped > 0 {
			m.metrics.BroadcastDrops.Add(float64(dropped))
		}
	}
	m.refreshStats()

	if delivered == 0 && dropped > 0 {
		if m.metrics != nil {
			m.metrics.GatewayBroadcastErrors.Inc()
		}
		return errors.Wrapf(ErrGatewayBroadcast, "symbol=%s all %d deliveries dropped", symbol, dropped)
	}
	return nil
}

// ChangeEvent describes a subscription-index mutation.
type ChangeEvent struct {
	ClientID string
	Symbol   string
	Provider string
}

// SubscriptionChangeListener is a cancellable handle to subscribe/
// unsubscribe notifications.
type SubscriptionChangeListener struct {
	events chan ChangeEvent
	cancel func()
}

// Events returns the notification channel.
func (l *SubscriptionChangeListener) Events() <-chan ChangeEvent { return l.events }

// Cancel stops the listener.
func (l *SubscriptionChangeListener) Cancel() { l.cancel() }

// AddSubscriptionChangeListener returns a handle that receives every
// Subscribe/Unsubscribe mutation until cancelled.
func (m *Manager) AddSubscriptionChangeListener() *SubscriptionChangeListener {
	out := make(chan ChangeEvent, 64)
	subCh := m.emitter.On("subscribe")
	unsubCh := m.emitter.On("unsubscribe")

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case ev, ok := <-subCh:
				if !ok {
					return
				}
				if ce, ok := ev.Args[0].(ChangeEvent); ok {
					select {
					case out <- ce:
					default:
					}
				}
			case ev, ok := <-unsubCh:
				if !ok {
					return
				}
				if ce, ok := ev.Args[0].(ChangeEvent); ok {
					select {
					case out <- ce:
					default:
					}
				}
			}
		}
	}()

	l := &SubscriptionChangeListener{events: out}
	l.cancel = func() {
		close(done)
		m.emitter.Off("subscribe", subCh)
		m.emitter.Off("unsubscribe", unsubCh)
	}
	return l
}

// CleanupIdle disconnects clients that have not received a broadcast in
// cfg.IdleTimeout.
func (m *Manager) CleanupIdle() {
	threshold := time.Now().Add(-m.cfg.IdleTimeout).UnixNano()

	m.mu.RLock()
	var idle []string
	for id, c := range m.clients {
		if c.LastSend.Load() < threshold {
			idle = append(idle, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range idle {
		m.RemoveClient(id)
	}
}

func (m *Manager) refreshStats() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.refreshStatsLocked()
}

func (m *Manager) refreshStatsLocked() {
	stats := types.BroadcastStats{
		TotalBroadcasts: m.totalBroadcasts.Load(),
		TotalDrops:      m.totalDrops.Load(),
		ActiveClients:   int64(len(m.clients)),
		ActiveSymbols:   int64(len(m.symbolToClients)),
		LastBroadcastAt: time.Now(),
	}
	stats.Health = deriveHealth(stats.DropRate(), m.cfg)
	m.statsPtr.Store(&stats)

	if m.metrics != nil {
		m.metrics.ActiveClients.Set(float64(stats.ActiveClients))
		m.metrics.ActiveSymbols.Set(float64(stats.ActiveSymbols))
	}
}

func deriveHealth(dropRate float64, cfg config.ClientStateConfig) types.HealthStatus {
	switch {
	case dropRate >= cfg.HealthCriticalDropRate:
		return types.HealthCritical
	case dropRate >= cfg.HealthWarningDropRate:
		return types.HealthWarning
	case dropRate > 0:
		return types.HealthGood
	default:
		return types.HealthExcellent
	}
}

// GetStats returns the current BroadcastStats snapshot, a lock-free read
// of an atomically-swapped value object.
func (m *Manager) GetStats() types.BroadcastStats {
	return *m.statsPtr.Load()
}

// SubscriberCount returns the number of clients currently subscribed to
// symbol. Used both to decide whether an upstream symbol can be safely
// unsubscribed (zero remaining subscribers) and whether an incoming tick
// for that symbol is still worth caching.
func (m *Manager) SubscriberCount(symbol string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.symbolToClients[symbol])
}

// HasSubscribers reports whether any client is currently subscribed to
// symbol.
func (m *Manager) HasSubscribers(symbol string) bool {
	return m.SubscriberCount(symbol) > 0
}

// SendToClient delivers frame to one specific client, bypassing the room
// index — used by the Recovery Worker Pool to target a single
// reconnecting client rather than an entire symbol's subscriber set.
func (m *Manager) SendToClient(clientID string, frame types.OutboundFrame) error {
	m.mu.RLock()
	c, ok := m.clients[clientID]
	m.mu.RUnlock()
	if !ok {
		return errors.Errorf("clientstate: unknown client %s", clientID)
	}
	if c.closed.Load() {
		return errors.Errorf("clientstate: client %s is closed", clientID)
	}

	select {
	case c.SendChan <- frame:
		c.LastSend.Store(time.Now().UnixNano())
		return nil
	default:
		c.Dropped.Add(1)
		return errors.Wrapf(ErrGatewayBroadcast, "client=%s send buffer full", clientID)
	}
}
