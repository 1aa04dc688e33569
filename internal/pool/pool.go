// Package pool implements the Connection Pool Manager: three-dimensional
// admission control (global, per-key, per-IP) over upstream stream
// connections, built on an acquire/release counter idiom generalized to
// three counters guarded by one lock so the admission check is a single
// critical section.
package pool

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/aoxiansheng/streamgw/internal/config"
	"github.com/aoxiansheng/streamgw/internal/metrics"
)

// ErrOverCapacity is returned by Register when any of the three
// admission dimensions would be exceeded; CanCreate reports the same
// condition by returning false.
var ErrOverCapacity = errors.New("pool: over capacity")

// Manager enforces global, per-key and per-IP connection caps.
type Manager struct {
	mu      sync.Mutex
	cfg     config.PoolConfig
	metrics *metrics.Metrics

	global int
	perKey map[string]int
	perIP  map[string]int
}

// NewManager constructs a Connection Pool Manager.
func NewManager(cfg config.PoolConfig, m *metrics.Metrics) *Manager {
	return &Manager{
		cfg:     cfg,
		metrics: m,
		perKey:  make(map[string]int),
		perIP:   make(map[string]int),
	}
}

// CanCreate reports whether a new connection for (key, ip) would stay
// within all three caps, without reserving a slot.
func (p *Manager) CanCreate(key, ip string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.admits(key, ip)
}

func (p *Manager) admits(key, ip string) bool {
	if p.global >= p.cfg.GlobalMaxConnections {
		return false
	}
	if p.perKey[key] >= p.cfg.PerKeyMaxConnections {
		return false
	}
	if p.perIP[ip] >= p.cfg.PerIPMaxConnections {
		return false
	}
	return true
}

// Register admits a connection for (key, ip), incrementing all three
// counters atomically. Returns ErrOverCapacity if any dimension is full.
func (p *Manager) Register(key, ip string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.admits(key, ip) {
		dim := p.overCapacityDimension(key, ip)
		if p.metrics != nil {
			p.metrics.PoolOverCapacity.WithLabelValues(dim).Inc()
		}
		return errors.Wrapf(ErrOverCapacity, "dimension=%s key=%s ip=%s", dim, key, ip)
	}

	p.global++
	p.perKey[key]++
	p.perIP[ip]++
	p.publish()
	return nil
}

func (p *Manager) overCapacityDimension(key, ip string) string {
	if p.global >= p.cfg.GlobalMaxConnections {
		return "global"
	}
	if p.perKey[key] >= p.cfg.PerKeyMaxConnections {
		return "key"
	}
	return "ip"
}

// Unregister releases a previously registered slot. Safe to call even if
// the counters are already at zero for (key, ip) — it is a no-op floor.
func (p *Manager) Unregister(key, ip string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.global > 0 {
		p.global--
	}
	if p.perKey[key] > 0 {
		p.perKey[key]--
		if p.perKey[key] == 0 {
			delete(p.perKey, key)
		}
	}
	if p.perIP[ip] > 0 {
		p.perIP[ip]--
		if p.perIP[ip] == 0 {
			delete(p.perIP, ip)
		}
	}
	p.publish()
}

func (p *Manager) publish() {
	if p.metrics == nil {
		return
	}
	p.metrics.PoolConnectionsTotal.WithLabelValues("global").Set(float64(p.global))
}

// Alert is an operator-facing warning raised when a dimension crosses the
// warning/critical utilization thresholds from PoolConfig.
type Alert struct {
	Dimension string
	Key       string
	Utilization float64
	Critical  bool
}

// Alerts reports every (dimension, key) pair currently at or above the
// warning threshold.
func (p *Manager) Alerts() []Alert {
	p.mu.Lock()
	defer p.mu.Unlock()

	var alerts []Alert
	if u := utilization(p.global, p.cfg.GlobalMaxConnections); u >= p.cfg.WarningThreshold {
		alerts = append(alerts, Alert{Dimension: "global", Utilization: u, Critical: u >= p.cfg.CriticalThreshold})
	}
	for k, v := range p.perKey {
		if u := utilization(v, p.cfg.PerKeyMaxConnections); u >= p.cfg.WarningThreshold {
			alerts = append(alerts, Alert{Dimension: "key", Key: k, Utilization: u, Critical: u >= p.cfg.CriticalThreshold})
		}
	}
	for ip, v := range p.perIP {
		if u := utilization(v, p.cfg.PerIPMaxConnections); u >= p.cfg.WarningThreshold {
			alerts = append(alerts, Alert{Dimension: "ip", Key: ip, Utilization: u, Critical: u >= p.cfg.CriticalThreshold})
		}
	}
	return alerts
}

func utilization(count, max int) float64 {
	if max <= 0 {
		return 0
	}
	return float64(count) / float64(max)
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Global       int
	DistinctKeys int
	DistinctIPs  int
}

// Stats returns current occupancy.
func (p *Manager) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Global: p.global, DistinctKeys: len(p.perKey), DistinctIPs: len(p.perIP)}
}

// Reset clears all counters. Test-only.
func (p *Manager) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.global = 0
	p.perKey = make(map[string]int)
	p.perIP = make(map[string]int)
}
