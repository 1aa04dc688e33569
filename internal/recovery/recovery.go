// Package recovery implements the Recovery Worker Pool:
// admission-checked, priority-ordered, rate-limited replay of missed
// ticks to a reconnecting client. Two mechanisms compose together here:
// the ants.Pool worker-submission idiom for dispatch, and the
// golang.org/x/time/rate token-bucket idiom for egress, here capped to
// the pool's aggregate egress instead of per-client ingress. The
// priority queue uses stdlib container/heap (see DESIGN.md for why no
// pack example supplies a priority-queue library). Reconnect resume
// tokens are verified with golang-jwt, grounded on
// adred-codev-ws_poc's session-token pattern.
package recovery

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aoxiansheng/streamgw/internal/config"
	"github.com/aoxiansheng/streamgw/internal/metrics"
	"github.com/aoxiansheng/streamgw/pkg/types"
)

// ErrAdmissionRejected covers rejections at submission time (duplicate
// idempotency key, lastReceiveTimestamp outside the recovery window) and
// invalid or mismatched resume tokens.
var ErrAdmissionRejected = errors.New("recovery: admission rejected")

// ErrExecutionFailed covers in-flight failures that terminate a task with
// a recovery_failed frame.
var ErrExecutionFailed = errors.New("recovery: execution failed")

// CacheReader is the subset of the Replay Cache recovery depends on.
type CacheReader interface {
	GetDataSince(ctx context.Context, symbol string, since time.Time) ([]types.CompressedPoint, error)
}

// ClientSender is the subset of the Client State Manager recovery
// depends on to target one specific reconnecting client.
type ClientSender interface {
	SendToClient(clientID string, frame types.OutboundFrame) error
}

// --- resume tokens ---

type resumeClaims struct {
	ClientID        string `json:"clientId"`
	LastReceiveTime int64  `json:"lastReceiveTimestamp"`
	jwt.RegisteredClaims
}

// IssueResumeToken signs a resume token binding a clientId to the point
// in time the client last received data, so a later reconnect cannot be
// forged into replaying a different client's or an earlier window's data.
func IssueResumeToken(secret, clientID string, lastReceiveTime time.Time) (string, error) {
	claims := resumeClaims{
		ClientID:        clientID,
		LastReceiveTime: lastReceiveTime.UnixMilli(),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString([]byte(secret))
}

// VerifyResumeToken checks a resume token's signature and that it was
// issued for clientID, returning the bound lastReceiveTimestamp.
func VerifyResumeToken(secret, token, clientID string) (time.Time, error) {
	parsed, err := jwt.ParseWithClaims(token, &resumeClaims{}, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil || !parsed.Valid {
		return time.Time{}, errors.Wrap(ErrAdmissionRejected, "invalid resume token")
	}
	claims := parsed.Claims.(*resumeClaims)
	if claims.ClientID != clientID {
		return time.Time{}, errors.Wrap(ErrAdmissionRejected, "resume token client mismatch")
	}
	return time.UnixMilli(claims.LastReceiveTime), nil
}

// --- priority queue ---

type item struct {
	task  types.RecoveryTask
	index int
}

type taskHeap []*item

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority < h[j].task.Priority
	}
	return h[i].task.SubmittedAt.Before(h[j].task.SubmittedAt)
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *taskHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Pool is the Recovery Worker Pool.
type Pool struct {
	cfg     config.RecoveryConfig
	cache   CacheReader
	clients ClientSender
	metrics *metrics.Metrics
	logger  *zap.Logger

	antsPool *ants.Pool
	limiter  *rate.Limiter
	sem      chan struct{}

	mu      sync.Mutex
	queue   taskHeap
	pending map[string]struct{} // idempotency keys currently queued/running
	cond    *sync.Cond

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Recovery Worker Pool.
func New(cfg config.RecoveryConfig, cache CacheReader, clients ClientSender, m *metrics.Metrics, logger *zap.Logger) (*Pool, error) {
	poolSize := cfg.WorkerPoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	antsPool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, errors.Wrap(err, "recovery: failed to create worker pool")
	}

	qps := cfg.MaxQPS
	if qps <= 0 {
		qps = 1000
	}

	maxConcurrent := cfg.MaxConcurrentRecoveries
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}

	p := &Pool{
		cfg:      cfg,
		cache:    cache,
		clients:  clients,
		metrics:  m,
		logger:   logger,
		antsPool: antsPool,
		limiter:  rate.NewLimiter(rate.Limit(qps), int(qps)),
		sem:      make(chan struct{}, maxConcurrent),
		pending:  make(map[string]struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p, nil
}

// Start begins the dispatch loop.
func (p *Pool) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.dispatchLoop()

	go func() {
		<-p.ctx.Done()
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	}()
}

// Stop cancels the dispatch loop and releases the worker pool.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.antsPool.Release()
}

// Submit admits a recovery task: rejects if its lastReceiveTimestamp is
// outside the maximum recovery window, or if its idempotency key is
// already queued/running. The concurrency bound does not reject: admitted
// tasks wait in the queue until a worker slot frees up. Admitted tasks are
// never request-scoped — each runs in its own context derived from the
// pool's lifetime, not the inbound reconnect request's.
func (p *Pool) Submit(task types.RecoveryTask) error {
	if !task.LastReceiveTime.IsZero() {
		window := task.MaxRecoveryWindow
		if window <= 0 {
			window = p.cfg.MaxRecoveryWindow
		}
		if window > 0 && time.Since(task.LastReceiveTime) > window {
			if p.metrics != nil {
				p.metrics.RecoveryRejected.WithLabelValues("window_exceeded").Inc()
			}
			p.rejectOutsideWindow(task)
			return errors.Wrap(ErrAdmissionRejected, "lastReceiveTimestamp outside the maximum recovery window")
		}
	}

	p.mu.Lock()
	if _, dup := p.pending[task.IdempotencyKey]; dup {
		p.mu.Unlock()
		if p.metrics != nil {
			p.metrics.RecoveryRejected.WithLabelValues("duplicate").Inc()
		}
		return errors.Wrap(ErrAdmissionRejected, "duplicate idempotency key")
	}
	p.pending[task.IdempotencyKey] = struct{}{}
	task.SubmittedAt = time.Now()
	heap.Push(&p.queue, &item{task: task})
	p.cond.Signal()
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.RecoveryAdmitted.Inc()
		p.metrics.RecoveryQueueDepth.Set(float64(p.queueDepth()))
	}
	return nil
}

func (p *Pool) queueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Pool) dispatchLoop() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 {
			select {
			case <-p.ctx.Done():
				p.mu.Unlock()
				return
			default:
			}
			p.cond.Wait()
			select {
			case <-p.ctx.Done():
				p.mu.Unlock()
				return
			default:
			}
		}
		it := heap.Pop(&p.queue).(*item)
		p.mu.Unlock()

		select {
		case p.sem <- struct{}{}:
		case <-p.ctx.Done():
			return
		}

		task := it.task
		_ = p.antsPool.Submit(func() {
			defer func() { <-p.sem }()
			p.execute(task)
			p.mu.Lock()
			delete(p.pending, task.IdempotencyKey)
			p.mu.Unlock()
		})
	}
}

// rejectOutsideWindow admits no backfill for a task whose lastReceiveTime
// already fell outside the recovery window at submission time: it sends
// the single terminal recovery_failed frame the client needs to know to
// give up on replay and resubscribe fresh, without ever touching the
// cache.
func (p *Pool) rejectOutsideWindow(task types.RecoveryTask) {
	p.logger.Warn("recovery: task rejected outside recovery window",
		zap.String("client_id", task.ClientID),
		zap.Time("last_receive_time", task.LastReceiveTime))

	_ = p.clients.SendToClient(task.ClientID, types.OutboundFrame{
		Type:              "recovery_failed",
		Reason:            "lastReceiveTimestamp outside the maximum recovery window",
		RecommendedAction: "resubscribe",
		Complete:          true,
	})
}

func (p *Pool) execute(task types.RecoveryTask) {
	timeout := p.cfg.TimeoutMs
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	batchSize := p.cfg.BatchSize
	if task.MaxBatchSize > 0 && task.MaxBatchSize < batchSize {
		batchSize = task.MaxBatchSize
	}

	for _, symbol := range task.Symbols {
		points, err := p.cache.GetDataSince(ctx, symbol, task.LastReceiveTime)
		if err != nil {
			p.fail(task, symbol, err)
			return
		}

		for start := 0; start < len(points); start += batchSize {
			if err := p.limiter.Wait(ctx); err != nil {
				p.fail(task, symbol, err)
				return
			}

			end := start + batchSize
			if end > len(points) {
				end = len(points)
			}
			chunk := points[start:end]

			frame := types.OutboundFrame{
				Type:     "recovery_batch",
				Symbol:   symbol,
				Points:   chunk,
				Complete: end == len(points),
			}
			if err := p.clients.SendToClient(task.ClientID, frame); err != nil {
				p.fail(task, symbol, err)
				return
			}
		}
	}

	if p.metrics != nil {
		p.metrics.RecoveryCompleted.Inc()
	}
}

func (p *Pool) fail(task types.RecoveryTask, symbol string, cause error) {
	if p.metrics != nil {
		p.metrics.RecoveryFailed.Inc()
	}
	p.logger.Warn("recovery: task failed", zap.String("client_id", task.ClientID), zap.String("symbol", symbol), zap.Error(cause))

	_ = p.clients.SendToClient(task.ClientID, types.OutboundFrame{
		Type:     "recovery_failed",
		Symbol:   symbol,
		Reason:   errors.Wrap(ErrExecutionFailed, cause.Error()).Error(),
		Complete: true,
	})
}
