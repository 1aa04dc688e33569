// Package capability defines the Capability Registry external collaborator:
// a lookup from (provider, capability) to a handle the Stream Data
// Fetcher uses to open and operate an upstream connection. Provider SDK
// internals are out of scope; this package only defines the seam and an
// in-memory fake suitable for composing the fetcher in tests without a
// live provider.
package capability

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrUnknownCapability is returned when no handle is registered for the
// requested (provider, capability) pair.
var ErrUnknownCapability = errors.New("capability: no handle registered")

// Tick is a single raw observation delivered by a provider handle, in the
// provider's own field names — the pipeline's transform stage is
// responsible for converting this into a types.TickPoint.
type Tick struct {
	Symbol    string // provider's native spelling
	Fields    map[string]float64
	Timestamp time.Time
	Sequence  int64
}

// HealthTier identifies which tier of health check a Check call performs.
type HealthTier int

const (
	// Tier1 is a cheap, frequent liveness probe (e.g. last-message age).
	Tier1 HealthTier = iota
	// Tier2 is a moderate round trip (e.g. application-level ping).
	Tier2
	// Tier3 is an expensive, infrequent deep check (e.g. resubscribe probe).
	Tier3
)

// Handle is the capability factory's per-connection contract. A Handle is
// obtained once per (provider, capability) connection and reused across
// the connection's lifetime; Subscribe/Unsubscribe may be called many
// times against the same handle.
type Handle interface {
	// Connect establishes the upstream connection, blocking until ready
	// or ctx expires.
	Connect(ctx context.Context) error
	// Subscribe adds native-form symbols to this connection's stream.
	Subscribe(ctx context.Context, nativeSymbols []string) error
	// Unsubscribe removes native-form symbols from this connection's stream.
	Unsubscribe(ctx context.Context, nativeSymbols []string) error
	// Ticks returns the channel ticks are delivered on until Close.
	Ticks() <-chan Tick
	// Check performs a health check at the given tier.
	Check(ctx context.Context, tier HealthTier) error
	// SendHeartbeat performs a lightweight application-level ping, used
	// by the tier 2 health check to race a short timeout against
	// connections tier 1 marked suspicious. Returns false (not an error)
	// for a heartbeat that completed but reported an unhealthy peer.
	SendHeartbeat(ctx context.Context) (bool, error)
	// Close releases the connection.
	Close() error
}

// Registry resolves (provider, capability) pairs to a Handle factory.
type Registry interface {
	Open(ctx context.Context, provider, capability string) (Handle, error)
}

// Factory adapts a plain function into a Registry.
type Factory func(ctx context.Context, provider, capability string) (Handle, error)

// Open implements Registry.
func (f Factory) Open(ctx context.Context, provider, capability string) (Handle, error) {
	return f(ctx, provider, capability)
}
