// Package types defines the core domain vocabulary shared across the
// gateway's internal packages: symbols, ticks, connections, subscriptions,
// replay entries, recovery tasks and broadcast health.
package types

import (
	"time"
)

// Symbol carries both the upstream provider's native spelling of an
// instrument and the gateway's normalized, provider-agnostic spelling.
// Everything downstream of the pipeline's transform stage only ever sees
// the standard form; everything upstream of it only ever sees the
// provider form.
type Symbol struct {
	Provider string `json:"provider"` // e.g. "longport"
	Native   string `json:"native"`   // provider's own spelling, e.g. "700.HK"
	Standard string `json:"standard"` // gateway spelling, e.g. "700.hk"
}

// TickPoint is a single normalized market-data observation after the
// pipeline's transform stage has run.
type TickPoint struct {
	Symbol    string    `json:"symbol"` // standard form
	Provider  string    `json:"provider"`
	Category  string    `json:"category"` // stream-stock-quote, stream-stock-depth, ...
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
	Sequence  int64     `json:"sequence"`
	Fields    map[string]float64 `json:"fields,omitempty"` // extra rule-mapped fields
}

// CompressedPoint is the wire/cache form of a TickPoint, msgpack-tagged so
// the warm replay tier can serialize it directly without an intermediate
// struct. Roughly 10x smaller than the JSON TickPoint representation.
type CompressedPoint struct {
	S string  `msgpack:"s" json:"s"` // symbol
	P float64 `msgpack:"p" json:"p"` // price
	V float64 `msgpack:"v" json:"v"` // volume
	T int64   `msgpack:"t" json:"t"` // unix millis
}

// ToCompressed produces the compressed wire form of a tick.
func (t TickPoint) ToCompressed() CompressedPoint {
	return CompressedPoint{
		S: t.Symbol,
		P: t.Price,
		V: t.Volume,
		T: t.Timestamp.UnixMilli(),
	}
}

// ConnectionState is the lifecycle state of an upstream StreamConnection.
type ConnectionState int

const (
	ConnectionConnecting ConnectionState = iota
	ConnectionConnected
	ConnectionError
	ConnectionClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionConnecting:
		return "CONNECTING"
	case ConnectionConnected:
		return "CONNECTED"
	case ConnectionError:
		return "ERROR"
	case ConnectionClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// StreamConnection is a single upstream connection to a provider for a
// given capability (e.g. quote stream, depth stream).
type StreamConnection struct {
	ID          string
	Provider    string
	Capability  string
	Key         string // pool admission key: provider+capability
	State       ConnectionState
	Symbols     map[string]struct{}
	EstablishedAt time.Time
	LastDataAt  time.Time
	ReconnectCount int
	LastError   error
}

// ConnectionRecord is the pool-admission-time bookkeeping record, distinct
// from StreamConnection because the pool only needs to know "who holds a
// slot", not the connection's internal state machine.
type ConnectionRecord struct {
	Key       string // provider+capability admission key
	IP        string
	CreatedAt time.Time
}

// ClientSubscription is one client's subscription to one symbol, held in
// both the forward (client->symbols) and inverted (symbol->clients,
// provider->clients) indices of the Client State Manager.
type ClientSubscription struct {
	ClientID  string
	Symbol    string // standard form
	Provider  string
	Category  string
	CreatedAt time.Time
}

// ReplayEntry is one cached tick retained for reconnect replay, held in
// the hot tier (a fixed-capacity ring buffer per symbol with a short
// per-entry TTL; when full, the oldest entry is overwritten, and reads do
// not change the order) before being superseded by the warm tier.
type ReplayEntry struct {
	Point     CompressedPoint
	Symbol    string
	ExpiresAt time.Time
}

// RecoveryPriority orders pending recovery tasks; lower value runs first.
type RecoveryPriority int

const (
	RecoveryPriorityHigh RecoveryPriority = iota
	RecoveryPriorityNormal
	RecoveryPriorityLow
)

// RecoveryTask is one client's pending reconnect-replay request.
type RecoveryTask struct {
	ClientID          string
	Symbols           []string
	LastReceiveTime   time.Time
	MaxRecoveryWindow time.Duration
	MaxBatchSize      int
	Priority          RecoveryPriority
	IdempotencyKey    string
	SubmittedAt       time.Time
	Attempts          int
}

// HealthStatus buckets BroadcastStats into an operator-facing category.
type HealthStatus int

const (
	HealthExcellent HealthStatus = iota
	HealthGood
	HealthWarning
	HealthCritical
)

func (h HealthStatus) String() string {
	switch h {
	case HealthExcellent:
		return "excellent"
	case HealthGood:
		return "good"
	case HealthWarning:
		return "warning"
	case HealthCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// BroadcastStats is a value object swapped atomically by the Client State
// Manager; readers never see a partially-updated snapshot.
type BroadcastStats struct {
	TotalBroadcasts   int64
	TotalDrops        int64
	ActiveClients     int64
	ActiveSymbols     int64
	LastBroadcastAt   time.Time
	Health            HealthStatus
}

// DropRate returns the fraction of broadcasts dropped, used to derive
// Health.
func (b BroadcastStats) DropRate() float64 {
	total := b.TotalBroadcasts + b.TotalDrops
	if total == 0 {
		return 0
	}
	return float64(b.TotalDrops) / float64(total)
}

// PerformanceWindow is a fixed-size ring buffer of recent outcomes used by
// the Stream Data Fetcher's adaptive concurrency controller to compute a
// rolling success rate.
type PerformanceWindow struct {
	outcomes []bool
	head     int
	count    int
}

// NewPerformanceWindow allocates a window holding the last `size` outcomes.
func NewPerformanceWindow(size int) *PerformanceWindow {
	if size <= 0 {
		size = 1
	}
	return &PerformanceWindow{outcomes: make([]bool, size)}
}

// Record appends a success/failure outcome, evicting the oldest if full.
func (w *PerformanceWindow) Record(success bool) {
	w.outcomes[w.head] = success
	w.head = (w.head + 1) % len(w.outcomes)
	if w.count < len(w.outcomes) {
		w.count++
	}
}

// SuccessRate returns the fraction of recorded outcomes that succeeded.
// Returns 1.0 when no outcomes have been recorded yet (optimistic start).
func (w *PerformanceWindow) SuccessRate() float64 {
	if w.count == 0 {
		return 1.0
	}
	successes := 0
	for i := 0; i < w.count; i++ {
		if w.outcomes[i] {
			successes++
		}
	}
	return float64(successes) / float64(w.count)
}

// Filled reports whether the window has accumulated enough samples to be
// trusted (full capacity reached at least once).
func (w *PerformanceWindow) Filled() bool {
	return w.count == len(w.outcomes)
}

// --- WebSocket frame shapes (external interface) ---

// ClientCapabilities describes a reconnecting client's transport
// preferences, negotiated once at reconnect time.
type ClientCapabilities struct {
	SupportsCompression bool   `json:"supportsCompression,omitempty"`
	MaxBatchSize        int    `json:"maxBatchSize,omitempty"`
	PreferredFormat     string `json:"preferredFormat,omitempty"` // json | binary
}

// InboundFrame is the envelope for all client->gateway messages. Symbols
// carries one or more symbols: provider-native spellings for subscribe,
// standard-form symbols for unsubscribe and reconnect;
// Category identifies the capability (e.g. "stream-stock-quote").
type InboundFrame struct {
	Op                   string             `json:"op"` // subscribe | unsubscribe | reconnect
	Symbols              []string           `json:"symbols,omitempty"`
	Provider             string             `json:"provider,omitempty"`
	Category             string             `json:"category,omitempty"`
	ClientID             string             `json:"clientId,omitempty"`
	ResumeToken          string             `json:"resumeToken,omitempty"`
	LastReceiveTimestamp int64              `json:"lastReceiveTimestamp,omitempty"`
	MaxRecoveryWindowMs  int64              `json:"maxRecoveryWindow,omitempty"`
	ClientCapabilities   ClientCapabilities `json:"clientCapabilities,omitempty"`
}

// OutboundFrame is the envelope for all gateway->client messages.
type OutboundFrame struct {
	Type              string            `json:"type"` // data | recovery_batch | recovery_failed | ack | error
	Symbol            string            `json:"symbol,omitempty"`
	Point             *CompressedPoint  `json:"point,omitempty"`
	Points            []CompressedPoint `json:"points,omitempty"`
	Reason            string            `json:"reason,omitempty"`
	RecommendedAction string            `json:"recommendedAction,omitempty"` // e.g. "resubscribe"
	Complete          bool              `json:"complete,omitempty"`
}
