package fetcher

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/aoxiansheng/streamgw/internal/capability"
	"github.com/aoxiansheng/streamgw/internal/config"
	"github.com/aoxiansheng/streamgw/internal/metrics"
	"github.com/aoxiansheng/streamgw/internal/pool"
	"github.com/aoxiansheng/streamgw/pkg/types"
)

// fakeHandle is a minimal capability.Handle used to exercise tier
// escalation without real synthetic-tick machinery.
type fakeHandle struct {
	heartbeatOK  bool
	heartbeatErr error
	checkErr     error
}

func (f *fakeHandle) Connect(ctx context.Context) error                       { return nil }
func (f *fakeHandle) Subscribe(ctx context.Context, symbols []string) error   { return nil }
func (f *fakeHandle) Unsubscribe(ctx context.Context, symbols []string) error { return nil }
func (f *fakeHandle) Ticks() <-chan capability.Tick                          { return nil }
func (f *fakeHandle) Check(ctx context.Context, tier capability.HealthTier) error {
	return f.checkErr
}
func (f *fakeHandle) SendHeartbeat(ctx context.Context) (bool, error) {
	return f.heartbeatOK, f.heartbeatErr
}
func (f *fakeHandle) Close() error { return nil }

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	pm := pool.NewManager(config.PoolConfig{
		GlobalMaxConnections: 10, PerKeyMaxConnections: 10, PerIPMaxConnections: 10,
	}, metrics.NewMetrics())
	mgr, err := NewManager(config.FetcherConfig{
		Tier1Interval: time.Hour, Tier2Interval: time.Hour, Tier3Interval: time.Hour,
		MapCleanupInterval: time.Hour, ZombieConnectionInactivity: time.Minute,
		MinConcurrency: 1, MaxConcurrency: 10, PerformanceWindowSize: 10,
	}, capability.NewSimulatedRegistry(time.Second), pm, metrics.NewMetrics(), zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mgr.ctx, mgr.cancel = context.WithCancel(context.Background())
	return mgr
}

func newTestConnection(key string, h capability.Handle) *connection {
	return &connection{
		record: types.StreamConnection{
			ID:         "conn-" + key,
			Key:        key,
			State:      types.ConnectionConnected,
			Symbols:    make(map[string]struct{}),
			LastDataAt: time.Now(),
		},
		handle: h,
		cancel: func() {},
		window: types.NewPerformanceWindow(10),
	}
}

func TestClassifyTier1(t *testing.T) {
	mgr := newTestManager(t)

	cases := []struct {
		name       string
		connected  bool
		inactivity time.Duration
		want       healthState
	}{
		{"fresh", true, 0, healthPass},
		{"tentative", true, 3 * time.Minute, healthSuspicious},
		{"stale", true, 6 * time.Minute, healthFail},
		{"disconnected", false, 0, healthFail},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestConnection("demo|quote", &fakeHandle{})
			c.record.LastDataAt = time.Now().Add(-tc.inactivity)
			if !tc.connected {
				c.record.State = types.ConnectionError
			}
			got := mgr.classifyTier1(c)
			if got != tc.want {
				t.Fatalf("classifyTier1() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestTier2CheckClearsSuspicionOnHealthyHeartbeat(t *testing.T) {
	mgr := newTestManager(t)
	c := newTestConnection("demo|quote", &fakeHandle{heartbeatOK: true})
	c.suspicious = true

	mgr.tier2Check(c)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.suspicious {
		t.Fatal("expected suspicion to clear after a healthy heartbeat")
	}
	if c.needsTier3 {
		t.Fatal("did not expect tier3 escalation after a healthy heartbeat")
	}
}

func TestTier2CheckEscalatesToTier3OnFailure(t *testing.T) {
	mgr := newTestManager(t)
	c := newTestConnection("demo|quote", &fakeHandle{heartbeatOK: false})
	c.suspicious = true

	mgr.tier2Check(c)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.suspicious {
		t.Fatal("expected suspicion to be replaced by tier3 escalation")
	}
	if !c.needsTier3 {
		t.Fatal("expected a failed heartbeat to escalate to tier3")
	}
}

func TestTier3CheckRetriesBeforeFailing(t *testing.T) {
	mgr := newTestManager(t)
	c := newTestConnection("demo|quote", &fakeHandle{checkErr: errTestCheck})

	err := mgr.tier3Check(context.Background(), c, 50*time.Millisecond, 2)
	if err == nil {
		t.Fatal("expected tier3Check to fail when every attempt errors")
	}
}

func TestTier3CheckSucceedsWhenHandleHealthy(t *testing.T) {
	mgr := newTestManager(t)
	c := newTestConnection("demo|quote", &fakeHandle{})

	if err := mgr.tier3Check(context.Background(), c, 50*time.Millisecond, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMapHygieneSweepReapsZombieConnections(t *testing.T) {
	mgr := newTestManager(t)
	c := newTestConnection("demo|quote", &fakeHandle{})
	c.record.State = types.ConnectionError
	c.record.LastDataAt = time.Now().Add(-time.Hour)

	mgr.mu.Lock()
	mgr.connections["demo|quote"] = c
	mgr.connectionIdToKey[c.record.ID] = "demo|quote"
	mgr.mu.Unlock()

	mgr.mapHygieneSweep()

	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	if _, ok := mgr.connections["demo|quote"]; ok {
		t.Fatal("expected the zombie connection to be reaped")
	}
	if _, ok := mgr.connectionIdToKey[c.record.ID]; ok {
		t.Fatal("expected the zombie connection's id mapping to be reaped")
	}
}

func TestMapHygieneSweepKeepsLiveConnections(t *testing.T) {
	mgr := newTestManager(t)
	c := newTestConnection("demo|quote", &fakeHandle{})

	mgr.mu.Lock()
	mgr.connections["demo|quote"] = c
	mgr.connectionIdToKey[c.record.ID] = "demo|quote"
	mgr.mu.Unlock()

	mgr.mapHygieneSweep()

	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	if _, ok := mgr.connections["demo|quote"]; !ok {
		t.Fatal("expected the live connection to survive the sweep")
	}
}

func TestCloseConnectionIsIdempotent(t *testing.T) {
	mgr := newTestManager(t)
	c := newTestConnection("demo|quote", &fakeHandle{})

	mgr.mu.Lock()
	mgr.connections["demo|quote"] = c
	mgr.connectionIdToKey[c.record.ID] = "demo|quote"
	mgr.mu.Unlock()

	mgr.closeConnection("demo|quote")
	mgr.closeConnection("demo|quote") // must not panic on a second call

	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	if _, ok := mgr.connections["demo|quote"]; ok {
		t.Fatal("expected closeConnection to remove the connection")
	}
}

var errTestCheck = &testCheckError{}

type testCheckError struct{}

func (e *testCheckError) Error() string { return "simulated check failure" }
