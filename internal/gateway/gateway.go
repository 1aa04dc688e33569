// Package gateway implements the WebSocket Gateway adapter: the
// external-facing protocol surface translating subscribe/unsubscribe/
// reconnect frames into calls against the pool, fetcher, client state
// manager and recovery pool. REST (health/stats/metrics) runs on fiber;
// the upgraded socket runs on a plain net/http listener using
// nhooyr.io/websocket, kept as two listeners rather than merged since
// nhooyr needs a net/http request and fiber runs on fasthttp.
package gateway

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/aoxiansheng/streamgw/internal/clientstate"
	"github.com/aoxiansheng/streamgw/internal/config"
	"github.com/aoxiansheng/streamgw/internal/fetcher"
	"github.com/aoxiansheng/streamgw/internal/metrics"
	"github.com/aoxiansheng/streamgw/internal/pool"
	"github.com/aoxiansheng/streamgw/internal/recovery"
	"github.com/aoxiansheng/streamgw/internal/ruleservice"
	"github.com/aoxiansheng/streamgw/pkg/types"
)

// ErrBadFrame is returned when an inbound frame fails validation.
var ErrBadFrame = errors.New("gateway: malformed frame")

// Server is the WebSocket Gateway adapter: a fiber REST shell plus a
// plain net/http listener for the upgraded socket.
type Server struct {
	cfg      config.ServerConfig
	clients  *clientstate.Manager
	pool     *pool.Manager
	fetcher  *fetcher.Manager
	recovery *recovery.Pool
	rules    ruleservice.Service
	resumeSecret string
	metrics  *metrics.Metrics
	logger   *zap.Logger

	app *fiber.App
}

// New constructs a Server wiring every in-scope subsystem behind one
// external protocol surface.
func New(cfg config.ServerConfig, resumeSecret string, clients *clientstate.Manager, pm *pool.Manager, fm *fetcher.Manager, rp *recovery.Pool, rules ruleservice.Service, m *metrics.Metrics, logger *zap.Logger) *Server {
	s := &Server{
		cfg:          cfg,
		clients:      clients,
		pool:         pm,
		fetcher:      fm,
		recovery:     rp,
		rules:        rules,
		resumeSecret: resumeSecret,
		metrics:      m,
		logger:       logger,
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/health", func(c *fiber.Ctx) error { return c.SendString("ok") })
	app.Get("/stats", s.handleStats)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	s.app = app
	return s
}

func (s *Server) handleStats(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"pool":    s.pool.Stats(),
		"fetcher": s.fetcher.GetStats(),
		"clients": s.clients.GetStats(),
	})
}

// StartREST serves /health, /stats and /metrics on cfg.HTTPPort.
func (s *Server) StartREST() error {
	return s.app.Listen(s.cfg.Host + ":" + itoa(s.cfg.HTTPPort))
}

// StartWS serves the upgraded WebSocket endpoint on cfg.HTTPPort+1.
func (s *Server) StartWS() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	addr := s.cfg.Host + ":" + itoa(s.cfg.HTTPPort+1)
	return http.ListenAndServe(addr, mux)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("gateway: accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	clientID := uuid.NewString()
	ip := clientIP(r)
	client := s.clients.RegisterClient(clientID)
	s.logger.Info("gateway: client connected", zap.String("client_id", clientID), zap.String("ip", ip))
	defer s.clients.RemoveClient(clientID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go s.writePump(ctx, conn, client)
	s.readPump(ctx, conn, clientID, ip)
}

func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, client *clientstate.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-client.SendChan:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, clientID, ip string) {
	for {
		var in types.InboundFrame
		if err := wsjson.Read(ctx, conn, &in); err != nil {
			return
		}
		s.handleInbound(ctx, clientID, ip, in)
	}
}

func (s *Server) handleInbound(ctx context.Context, clientID, ip string, in types.InboundFrame) {
	switch in.Op {
	case "subscribe":
		s.handleSubscribe(ctx, clientID, ip, in)
	case "unsubscribe":
		s.handleUnsubscribe(ctx, clientID, in)
	case "reconnect":
		s.handleReconnect(clientID, in)
	default:
		s.logger.Debug("gateway: unknown op", zap.String("op", in.Op))
	}
}

// handleSubscribe treats in.Symbols as provider-native spellings, exactly
// as the client's upstream SDK would: it subscribes upstream with them
// directly, then normalizes each to standard form to key the client's
// room membership — the same direction the pipeline's tick path
// normalizes in, so a client's subscribe-time symbol always matches the
// symbol it later sees on data frames.
func (s *Server) handleSubscribe(ctx context.Context, clientID, ip string, in types.InboundFrame) {
	key := in.Provider + "|" + in.Category
	if _, ok := s.fetcher.GetConnectionStatus(in.Provider, in.Category); !ok {
		if _, err := s.fetcher.EstablishStreamConnection(ctx, in.Provider, in.Category, ip); err != nil {
			s.logger.Warn("gateway: establish connection failed", zap.String("key", key), zap.Error(err))
			return
		}
	}

	for _, native := range in.Symbols {
		standard, err := s.rules.NormalizeSymbol(ctx, in.Provider, native)
		if err != nil {
			s.logger.Debug("gateway: normalize failed", zap.String("symbol", native), zap.Error(err))
			continue
		}

		if err := s.fetcher.SubscribeToSymbols(ctx, in.Provider, in.Category, []string{native}); err != nil {
			s.logger.Warn("gateway: upstream subscribe failed", zap.String("symbol", native), zap.Error(err))
			continue
		}

		_ = s.clients.Subscribe(clientID, standard, in.Provider, in.Category)
	}
}

// handleUnsubscribe treats in.Symbols as standard-form spellings, the
// form a client knows its subscriptions by from the data frames it has
// received. The upstream unsubscribe only propagates once no other
// client on the same (provider, category) connection still needs the
// symbol — otherwise one client disconnecting would starve every other
// client still subscribed to it.
func (s *Server) handleUnsubscribe(ctx context.Context, clientID string, in types.InboundFrame) {
	for _, standard := range in.Symbols {
		provider, category, ok := s.clients.RouteForSymbol(clientID, standard)
		s.clients.Unsubscribe(clientID, standard)
		if !ok {
			continue
		}

		if s.clients.HasSubscribers(standard) {
			continue
		}

		native, err := s.rules.DenormalizeSymbol(ctx, provider, standard)
		if err != nil {
			s.logger.Debug("gateway: denormalize failed on unsubscribe", zap.String("symbol", standard), zap.Error(err))
			continue
		}
		if err := s.fetcher.UnsubscribeFromSymbols(ctx, provider, category, []string{native}); err != nil {
			s.logger.Warn("gateway: upstream unsubscribe failed", zap.String("symbol", standard), zap.Error(err))
		}
	}
}

func (s *Server) handleReconnect(clientID string, in types.InboundFrame) {
	lastReceive, err := recovery.VerifyResumeToken(s.resumeSecret, in.ResumeToken, in.ClientID)
	if err != nil {
		s.logger.Warn("gateway: reconnect rejected", zap.Error(err))
		return
	}
	if in.LastReceiveTimestamp > 0 {
		lastReceive = time.UnixMilli(in.LastReceiveTimestamp)
	}

	window := time.Duration(in.MaxRecoveryWindowMs) * time.Millisecond
	task := types.RecoveryTask{
		ClientID:          clientID,
		Symbols:           in.Symbols,
		LastReceiveTime:   lastReceive,
		MaxRecoveryWindow: window,
		MaxBatchSize:      in.ClientCapabilities.MaxBatchSize,
		Priority:          types.RecoveryPriorityNormal,
		IdempotencyKey:    clientID + ":" + itoa64(lastReceive.UnixMilli()),
	}
	if err := s.recovery.Submit(task); err != nil {
		s.logger.Warn("gateway: recovery admission rejected", zap.Error(err))
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func itoa(n int) string  { return itoa64(int64(n)) }
func itoa64(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	buf := [20]byte{}
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
