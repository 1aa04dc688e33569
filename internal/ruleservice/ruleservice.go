// Package ruleservice defines the Rule Read Service external collaborator:
// symbol normalization in both directions and transform-rule lookup.
// Rule CRUD is explicitly out of scope; this package defines the
// read-only seam the Streaming Pipeline depends on, plus an in-memory
// implementation using a cache-by-id-with-invalidation pattern,
// repointed at symbol/rule data and exposing change notifications
// through a subscription-with-cancellation handle instead of a bare
// channel.
package ruleservice

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrSymbolNotFound is returned when no mapping exists for a symbol in
// either direction.
var ErrSymbolNotFound = errors.New("ruleservice: symbol not found")

// ErrRuleNotFound is returned when no transform rule exists for a
// (provider, category) pair.
var ErrRuleNotFound = errors.New("ruleservice: rule not found")

// FieldRule describes how one provider-native field maps onto a
// TickPoint field during the pipeline's transform stage.
type FieldRule struct {
	SourceField string
	TargetField string
	Scale       float64 // multiplicative adjustment, 1.0 if none
}

// Rule is the full transform rule for a (provider, category) pair.
type Rule struct {
	Provider string
	Category string
	Fields   []FieldRule
}

// ChangeEvent is delivered to subscribers when rule or symbol-mapping
// data changes.
type ChangeEvent struct {
	Kind string // "rule" | "symbol"
	Key  string
}

// Subscription is a cancellable handle to a change-event stream, per the
// Observable -> subscription+cancellation design note: callers range over
// Events() and must call Cancel() when done to release the channel.
type Subscription struct {
	events chan ChangeEvent
	cancel func()
}

// Events returns the channel change events are delivered on.
func (s *Subscription) Events() <-chan ChangeEvent { return s.events }

// Cancel unsubscribes and releases resources. Safe to call more than once.
func (s *Subscription) Cancel() { s.cancel() }

// Service is the read-only interface the pipeline depends on.
type Service interface {
	// NormalizeSymbol converts a provider-native symbol to the gateway's
	// standard form. Implementations must never accept the literal
	// string "standard" as a provider name — normalization only ever
	// runs in the native->standard direction.
	NormalizeSymbol(ctx context.Context, provider, native string) (standard string, err error)
	// DenormalizeSymbol converts a standard symbol back to a provider's
	// native form; the gateway uses it to map a client's unsubscribe
	// symbols to the provider's spelling before unsubscribing upstream.
	DenormalizeSymbol(ctx context.Context, provider, standard string) (native string, err error)
	// FindRuleFor resolves the transform rule for a (provider, category).
	FindRuleFor(ctx context.Context, provider, category string) (Rule, error)
	// Subscribe returns a handle that receives change notifications.
	Subscribe() *Subscription
}

// InMemory is a cache-backed Service implementation: symbol mappings and
// rules are held in plain maps behind an RWMutex, with change
// notifications fanned out to subscribers via olebedev/emitter-style
// broadcast (plain channels here, since the rule service's event volume
// is low enough that a dedicated pub/sub library buys nothing beyond a
// hand-rolled cache-invalidation loop).
type InMemory struct {
	mu    sync.RWMutex
	toStd map[string]string // provider|native -> standard
	toNat map[string]string // provider|standard -> native
	rules map[string]Rule   // provider|category -> rule

	subMu sync.Mutex
	subs  map[*Subscription]struct{}
}

// NewInMemory constructs an empty in-memory rule service, suitable for
// tests and for seeding via Put* before wiring into the pipeline.
func NewInMemory() *InMemory {
	return &InMemory{
		toStd: make(map[string]string),
		toNat: make(map[string]string),
		rules: make(map[string]Rule),
		subs:  make(map[*Subscription]struct{}),
	}
}

func symbolKey(provider, symbol string) string { return provider + "|" + symbol }

// PutSymbolMapping registers a bidirectional provider<->standard mapping.
func (s *InMemory) PutSymbolMapping(provider, native, standard string) {
	s.mu.Lock()
	s.toStd[symbolKey(provider, native)] = standard
	s.toNat[symbolKey(provider, standard)] = native
	s.mu.Unlock()
	s.notify(ChangeEvent{Kind: "symbol", Key: symbolKey(provider, native)})
}

// PutRule registers a transform rule for (provider, category).
func (s *InMemory) PutRule(r Rule) {
	s.mu.Lock()
	s.rules[symbolKey(r.Provider, r.Category)] = r
	s.mu.Unlock()
	s.notify(ChangeEvent{Kind: "rule", Key: symbolKey(r.Provider, r.Category)})
}

// NormalizeSymbol implements Service.
func (s *InMemory) NormalizeSymbol(_ context.Context, provider, native string) (string, error) {
	if provider == "standard" {
		return "", errors.Wrap(ErrSymbolNotFound, "provider must not be the literal sentinel \"standard\"")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	std, ok := s.toStd[symbolKey(provider, native)]
	if !ok {
		return "", errors.Wrapf(ErrSymbolNotFound, "provider=%s native=%s", provider, native)
	}
	return std, nil
}

// DenormalizeSymbol implements Service.
func (s *InMemory) DenormalizeSymbol(_ context.Context, provider, standard string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	native, ok := s.toNat[symbolKey(provider, standard)]
	if !ok {
		return "", errors.Wrapf(ErrSymbolNotFound, "provider=%s standard=%s", provider, standard)
	}
	return native, nil
}

// FindRuleFor implements Service.
func (s *InMemory) FindRuleFor(_ context.Context, provider, category string) (Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[symbolKey(provider, category)]
	if !ok {
		return Rule{}, errors.Wrapf(ErrRuleNotFound, "provider=%s category=%s", provider, category)
	}
	return r, nil
}

// Subscribe implements Service.
func (s *InMemory) Subscribe() *Subscription {
	sub := &Subscription{events: make(chan ChangeEvent, 32)}
	s.subMu.Lock()
	s.subs[sub] = struct{}{}
	s.subMu.Unlock()

	sub.cancel = func() {
		s.subMu.Lock()
		if _, ok := s.subs[sub]; ok {
			delete(s.subs, sub)
			close(sub.events)
		}
		s.subMu.Unlock()
	}
	return sub
}

func (s *InMemory) notify(ev ChangeEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for sub := range s.subs {
		select {
		case sub.events <- ev:
		default:
			// slow subscriber; drop rather than block rule updates
		}
	}
}
