package clientstate_test

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/aoxiansheng/streamgw/internal/clientstate"
	"github.com/aoxiansheng/streamgw/internal/config"
	"github.com/aoxiansheng/streamgw/internal/metrics"
	"github.com/aoxiansheng/streamgw/pkg/types"
)

func zapNop() *zap.Logger { return zap.NewNop() }

func testConfig() config.ClientStateConfig {
	return config.ClientStateConfig{
		SubscriberBufferSize:   8,
		SlowConsumerThreshold:  3,
		IdleTimeout:            time.Minute,
		HealthWarningDropRate:  0.1,
		HealthCriticalDropRate: 0.5,
	}
}

func TestSubscribeUpdatesAllIndices(t *testing.T) {
	mgr := clientstate.NewManager(testConfig(), metrics.NewMetrics(), zapNop())
	mgr.RegisterClient("client-1")

	if err := mgr.Subscribe("client-1", "700.hk", "longport", "stream-stock-quote"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := mgr.BroadcastToSymbolViaGateway("700.hk", types.OutboundFrame{Type: "data"}); err != nil {
		t.Fatalf("unexpected broadcast error: %v", err)
	}

	stats := mgr.GetStats()
	if stats.ActiveClients != 1 || stats.ActiveSymbols != 1 {
		t.Fatalf("unexpected stats after subscribe+broadcast: %+v", stats)
	}
}

func TestUnsubscribeRemovesFromAllIndices(t *testing.T) {
	mgr := clientstate.NewManager(testConfig(), metrics.NewMetrics(), zapNop())
	mgr.RegisterClient("client-1")
	_ = mgr.Subscribe("client-1", "700.hk", "longport", "stream-stock-quote")

	mgr.Unsubscribe("client-1", "700.hk")

	if err := mgr.BroadcastToSymbolViaGateway("700.hk", types.OutboundFrame{Type: "data"}); err != nil {
		t.Fatalf("broadcast to an empty room should not error: %v", err)
	}
	stats := mgr.GetStats()
	if stats.ActiveSymbols != 0 {
		t.Fatalf("expected 0 active symbols after unsubscribe, got %d", stats.ActiveSymbols)
	}
}

func TestBroadcastDropsOnFullBuffer(t *testing.T) {
	cfg := testConfig()
	cfg.SubscriberBufferSize = 1
	cfg.SlowConsumerThreshold = 100
	mgr := clientstate.NewManager(cfg, metrics.NewMetrics(), zapNop())
	mgr.RegisterClient("client-1")
	_ = mgr.Subscribe("client-1", "700.hk", "longport", "stream-stock-quote")

	// Fill the single-slot buffer.
	if err := mgr.BroadcastToSymbolViaGateway("700.hk", types.OutboundFrame{Type: "data"}); err != nil {
		t.Fatalf("first broadcast should deliver: %v", err)
	}
	// Second broadcast has nowhere to go; there's exactly one target, so
	// its drop means every delivery dropped and an error is returned.
	if err := mgr.BroadcastToSymbolViaGateway("700.hk", types.OutboundFrame{Type: "data"}); err == nil {
		t.Fatal("expected an error when the only subscriber's buffer is full")
	}
}

func TestSendToClientTargetsOneClient(t *testing.T) {
	mgr := clientstate.NewManager(testConfig(), metrics.NewMetrics(), zapNop())
	client := mgr.RegisterClient("client-1")

	if err := mgr.SendToClient("client-1", types.OutboundFrame{Type: "recovery_batch"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case frame := <-client.SendChan:
		if frame.Type != "recovery_batch" {
			t.Fatalf("unexpected frame: %+v", frame)
		}
	default:
		t.Fatal("expected a frame on the client's send channel")
	}
}

func TestSubscriberCountReflectsRemainingClients(t *testing.T) {
	mgr := clientstate.NewManager(testConfig(), metrics.NewMetrics(), zapNop())
	mgr.RegisterClient("client-1")
	mgr.RegisterClient("client-2")
	_ = mgr.Subscribe("client-1", "700.hk", "longport", "stream-stock-quote")
	_ = mgr.Subscribe("client-2", "700.hk", "longport", "stream-stock-quote")

	if n := mgr.SubscriberCount("700.hk"); n != 2 {
		t.Fatalf("expected 2 subscribers, got %d", n)
	}
	if !mgr.HasSubscribers("700.hk") {
		t.Fatal("expected HasSubscribers to report true with 2 subscribers")
	}

	mgr.Unsubscribe("client-1", "700.hk")
	if n := mgr.SubscriberCount("700.hk"); n != 1 {
		t.Fatalf("expected 1 subscriber remaining, got %d", n)
	}
	if !mgr.HasSubscribers("700.hk") {
		t.Fatal("expected HasSubscribers to still report true with 1 subscriber left")
	}

	mgr.Unsubscribe("client-2", "700.hk")
	if mgr.HasSubscribers("700.hk") {
		t.Fatal("expected HasSubscribers to report false once the last client unsubscribes")
	}
}

func TestRouteForSymbolReturnsSubscriptionContext(t *testing.T) {
	mgr := clientstate.NewManager(testConfig(), metrics.NewMetrics(), zapNop())
	mgr.RegisterClient("client-1")
	_ = mgr.Subscribe("client-1", "700.hk", "longport", "stream-stock-quote")

	provider, category, ok := mgr.RouteForSymbol("client-1", "700.hk")
	if !ok || provider != "longport" || category != "stream-stock-quote" {
		t.Fatalf("unexpected route: provider=%s category=%s ok=%v", provider, category, ok)
	}

	mgr.Unsubscribe("client-1", "700.hk")
	if _, _, ok := mgr.RouteForSymbol("client-1", "700.hk"); ok {
		t.Fatal("expected no route after unsubscribe")
	}
}

func TestSendToClientUnknownClient(t *testing.T) {
	mgr := clientstate.NewManager(testConfig(), metrics.NewMetrics(), zapNop())
	if err := mgr.SendToClient("ghost", types.OutboundFrame{}); err == nil {
		t.Fatal("expected an error for an unknown client id")
	}
}
