// Command gateway is the composition root: it wires every subsystem
// (pool, capability registry, fetcher, rule service, pipeline, replay
// cache, client state manager, recovery pool, broadcast bus, persistence
// sink, WebSocket gateway, admin gRPC server) together and runs them
// until an interrupt signal arrives. Composition order: load config,
// init logger, init metrics, construct subsystems bottom-up, start
// background loops, serve, wait for signal, shut down in reverse order.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"

	"github.com/aoxiansheng/streamgw/internal/broadcastbus"
	"github.com/aoxiansheng/streamgw/internal/capability"
	"github.com/aoxiansheng/streamgw/internal/clientstate"
	"github.com/aoxiansheng/streamgw/internal/config"
	"github.com/aoxiansheng/streamgw/internal/fetcher"
	"github.com/aoxiansheng/streamgw/internal/gateway"
	ggrpc "github.com/aoxiansheng/streamgw/internal/grpc"
	"github.com/aoxiansheng/streamgw/internal/logger"
	"github.com/aoxiansheng/streamgw/internal/metrics"
	"github.com/aoxiansheng/streamgw/internal/persistence"
	"github.com/aoxiansheng/streamgw/internal/pipeline"
	"github.com/aoxiansheng/streamgw/internal/pool"
	"github.com/aoxiansheng/streamgw/internal/recovery"
	"github.com/aoxiansheng/streamgw/internal/replaycache"
	"github.com/aoxiansheng/streamgw/internal/ruleservice"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	loggerCfg := logger.Config(cfg.Logger)
	if err := logger.Init(&loggerCfg); err != nil {
		panic(err)
	}
	log := logger.Log
	defer log.Sync()

	if _, err := maxprocs.Set(maxprocs.Logger(log.Sugar().Infof)); err != nil {
		log.Warn("gateway: automaxprocs failed", zap.Error(err))
	}

	m := metrics.NewMetrics()
	go sampleProcessLoop(m)

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
	}

	poolMgr := pool.NewManager(cfg.Pool, m)
	rules := seedRuleService()
	cache := replaycache.New(cfg.Replay, rdb, m, m, log)
	clients := clientstate.NewManager(cfg.ClientState, m, log)
	pl := pipeline.New(cfg.Pipeline, rules, cache, clients, m, log)

	registry := capability.NewSimulatedRegistry(500 * time.Millisecond)
	fetcherMgr, err := fetcher.NewManager(cfg.Fetcher, registry, poolMgr, m, log, pl.Ingest)
	if err != nil {
		log.Fatal("gateway: failed to construct fetcher", zap.Error(err))
	}

	recoveryPool, err := recovery.New(cfg.Recovery, cache, clients, m, log)
	if err != nil {
		log.Fatal("gateway: failed to construct recovery pool", zap.Error(err))
	}

	bus, err := broadcastbus.Connect(cfg.NATS.URL, cfg.NATS.Enabled, log)
	if err != nil {
		log.Warn("gateway: broadcast bus disabled", zap.Error(err))
	}
	if err := bus.SubscribeAll(clients); err != nil {
		log.Warn("gateway: broadcast bus subscribe failed", zap.Error(err))
	}

	sink, err := persistence.Open(cfg.Database, log)
	if err != nil {
		log.Warn("gateway: persistence sink disabled", zap.Error(err))
	}

	gw := gateway.New(cfg.Server, cfg.Recovery.ResumeTokenSecret, clients, poolMgr, fetcherMgr, recoveryPool, rules, m, log)
	admin := ggrpc.NewServer(cfg.Server.GRPCPort, poolMgr, fetcherMgr, log)

	ctx, cancel := context.WithCancel(context.Background())
	fetcherMgr.Start(ctx)
	recoveryPool.Start(ctx)
	go idleCleanupLoop(ctx, clients)

	go func() {
		if err := gw.StartWS(); err != nil {
			log.Error("gateway: ws server stopped", zap.Error(err))
		}
	}()
	go func() {
		if err := gw.StartREST(); err != nil {
			log.Error("gateway: rest server stopped", zap.Error(err))
		}
	}()
	go func() {
		if err := admin.Start(); err != nil {
			log.Error("gateway: admin grpc server stopped", zap.Error(err))
		}
	}()

	log.Info("gateway: started",
		zap.Int("http_port", cfg.Server.HTTPPort),
		zap.Int("ws_port", cfg.Server.HTTPPort+1),
		zap.Int("grpc_port", cfg.Server.GRPCPort))

	waitForShutdown()

	log.Info("gateway: shutting down")
	cancel()
	admin.Stop()
	recoveryPool.Stop()
	fetcherMgr.Stop()
	bus.Close()
	if err := sink.Close(); err != nil {
		log.Warn("gateway: persistence sink close failed", zap.Error(err))
	}
}

func waitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}

func sampleProcessLoop(m *metrics.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		m.SampleProcess()
	}
}

func idleCleanupLoop(ctx context.Context, clients *clientstate.Manager) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			clients.CleanupIdle()
		}
	}
}

// seedRuleService constructs an in-memory Rule Read Service seeded with a
// placeholder symbol mapping (native "DEMO.US" to standard "demo.us")
// and a pass-through rule for the "demo"
// provider. Real rule/symbol-mapping data comes from the external Rule
// Read Service this package only defines the seam for (see
// internal/ruleservice); this seed exists purely so the simulated
// capability registry has something to resolve end to end.
func seedRuleService() *ruleservice.InMemory {
	svc := ruleservice.NewInMemory()
	svc.PutSymbolMapping("demo", "DEMO.US", "demo.us")
	svc.PutRule(ruleservice.Rule{
		Provider: "demo",
		Category: "stream-stock-quote",
		Fields: []ruleservice.FieldRule{
			{SourceField: "price", TargetField: "price", Scale: 1.0},
			{SourceField: "volume", TargetField: "volume", Scale: 1.0},
		},
	})
	return svc
}
