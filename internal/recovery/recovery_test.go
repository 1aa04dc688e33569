package recovery_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/aoxiansheng/streamgw/internal/config"
	"github.com/aoxiansheng/streamgw/internal/recovery"
	"github.com/aoxiansheng/streamgw/pkg/types"
)

type fakeCache struct {
	points []types.CompressedPoint
}

func (f *fakeCache) GetDataSince(ctx context.Context, symbol string, since time.Time) ([]types.CompressedPoint, error) {
	return f.points, nil
}

type fakeSender struct {
	mu     sync.Mutex
	frames []types.OutboundFrame
}

func (f *fakeSender) SendToClient(clientID string, frame types.OutboundFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func testConfig() config.RecoveryConfig {
	return config.RecoveryConfig{
		WorkerPoolSize:          2,
		MaxConcurrentRecoveries: 2,
		BatchSize:               2,
		MaxQPS:                  1000,
		TimeoutMs:               5 * time.Second,
		ResumeTokenSecret:       "test-secret",
	}
}

func TestResumeTokenRoundTrip(t *testing.T) {
	issuedAt := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
	token, err := recovery.IssueResumeToken("test-secret", "client-1", issuedAt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := recovery.VerifyResumeToken("test-secret", token, "client-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(issuedAt) {
		t.Fatalf("expected %v, got %v", issuedAt, got)
	}
}

func TestVerifyResumeTokenRejectsClientMismatch(t *testing.T) {
	token, err := recovery.IssueResumeToken("test-secret", "client-1", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := recovery.VerifyResumeToken("test-secret", token, "client-2"); !errors.Is(err, recovery.ErrAdmissionRejected) {
		t.Fatalf("expected ErrAdmissionRejected on client mismatch, got %v", err)
	}
}

func TestVerifyResumeTokenRejectsBadSignature(t *testing.T) {
	token, err := recovery.IssueResumeToken("test-secret", "client-1", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := recovery.VerifyResumeToken("wrong-secret", token, "client-1"); !errors.Is(err, recovery.ErrAdmissionRejected) {
		t.Fatalf("expected ErrAdmissionRejected on bad signature, got %v", err)
	}
}

func TestSubmitRejectsDuplicateIdempotencyKey(t *testing.T) {
	cache := &fakeCache{}
	sender := &fakeSender{}
	p, err := recovery.New(testConfig(), cache, sender, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	task := types.RecoveryTask{ClientID: "client-1", Symbols: []string{"700.hk"}, IdempotencyKey: "dup-key"}
	if err := p.Submit(task); err != nil {
		t.Fatalf("first submit should succeed: %v", err)
	}
	if err := p.Submit(task); !errors.Is(err, recovery.ErrAdmissionRejected) {
		t.Fatalf("expected ErrAdmissionRejected for duplicate idempotency key, got %v", err)
	}
}

func TestSubmitRejectsTaskOutsideRecoveryWindow(t *testing.T) {
	cache := &fakeCache{points: []types.CompressedPoint{{S: "700.hk", P: 1, T: 1}}}
	sender := &fakeSender{}
	cfg := testConfig()
	cfg.MaxRecoveryWindow = time.Minute
	p, err := recovery.New(cfg, cache, sender, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	task := types.RecoveryTask{
		ClientID:        "client-1",
		Symbols:         []string{"700.hk"},
		LastReceiveTime: time.Now().Add(-time.Hour),
		IdempotencyKey:  "stale-key",
	}
	if err := p.Submit(task); !errors.Is(err, recovery.ErrAdmissionRejected) {
		t.Fatalf("expected ErrAdmissionRejected for a task outside the recovery window, got %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && sender.count() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if sender.count() != 1 {
		t.Fatalf("expected exactly one terminal frame, got %d", sender.count())
	}
	frame := sender.frames[0]
	if frame.Type != "recovery_failed" || frame.RecommendedAction != "resubscribe" || !frame.Complete {
		t.Fatalf("unexpected rejection frame: %+v", frame)
	}
}

func TestSubmitAllowsTaskWithinRecoveryWindow(t *testing.T) {
	cache := &fakeCache{points: []types.CompressedPoint{{S: "700.hk", P: 1, T: 1}}}
	sender := &fakeSender{}
	cfg := testConfig()
	cfg.MaxRecoveryWindow = time.Hour
	p, err := recovery.New(cfg, cache, sender, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	task := types.RecoveryTask{
		ClientID:        "client-1",
		Symbols:         []string{"700.hk"},
		LastReceiveTime: time.Now().Add(-time.Minute),
		IdempotencyKey:  "fresh-key",
	}
	if err := p.Submit(task); err != nil {
		t.Fatalf("expected a task within the recovery window to be admitted, got %v", err)
	}
}

func TestExecuteDeliversBatchedFrames(t *testing.T) {
	cache := &fakeCache{points: []types.CompressedPoint{
		{S: "700.hk", P: 1, T: 1}, {S: "700.hk", P: 2, T: 2}, {S: "700.hk", P: 3, T: 3},
	}}
	sender := &fakeSender{}
	p, err := recovery.New(testConfig(), cache, sender, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	task := types.RecoveryTask{ClientID: "client-1", Symbols: []string{"700.hk"}, IdempotencyKey: "key-1"}
	if err := p.Submit(task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sender.count() >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if sender.count() < 2 {
		t.Fatalf("expected at least 2 recovery_batch frames (batch size 2 over 3 points), got %d", sender.count())
	}
}

func TestExecuteRespectsClientMaxBatchSize(t *testing.T) {
	cache := &fakeCache{points: []types.CompressedPoint{
		{S: "700.hk", P: 1, T: 1}, {S: "700.hk", P: 2, T: 2}, {S: "700.hk", P: 3, T: 3}, {S: "700.hk", P: 4, T: 4},
	}}
	sender := &fakeSender{}
	p, err := recovery.New(testConfig(), cache, sender, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	// testConfig's BatchSize is 2; a client-advertised MaxBatchSize of 1
	// should further shrink each chunk rather than being ignored.
	task := types.RecoveryTask{ClientID: "client-1", Symbols: []string{"700.hk"}, MaxBatchSize: 1, IdempotencyKey: "key-2"}
	if err := p.Submit(task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sender.count() >= 4 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if sender.count() < 4 {
		t.Fatalf("expected 4 single-point frames with maxBatchSize=1, got %d", sender.count())
	}
	for _, f := range sender.frames {
		if len(f.Points) > 1 {
			t.Fatalf("expected each frame to carry at most 1 point, got %d", len(f.Points))
		}
	}
}
