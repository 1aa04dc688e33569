package capability_test

import (
	"context"
	"testing"
	"time"

	"github.com/aoxiansheng/streamgw/internal/capability"
)

func TestSimulatedRegistryOpenReturnsHandle(t *testing.T) {
	registry := capability.NewSimulatedRegistry(10 * time.Millisecond)
	handle, err := registry.Open(context.Background(), "demo", "stream-stock-quote")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer handle.Close()

	if err := handle.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSimulatedHandleTicksSubscribedSymbolsOnly(t *testing.T) {
	registry := capability.NewSimulatedRegistry(5 * time.Millisecond)
	handle, err := registry.Open(context.Background(), "demo", "stream-stock-quote")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer handle.Close()

	if err := handle.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := handle.Subscribe(context.Background(), []string{"700.hk"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case tick := <-handle.Ticks():
		if tick.Symbol != "700.hk" {
			t.Fatalf("expected a tick for 700.hk, got %+v", tick)
		}
		if tick.Fields["price"] == 0 {
			t.Fatal("expected a nonzero synthetic price")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a synthetic tick")
	}
}

func TestSimulatedHandleUnsubscribeStopsTicks(t *testing.T) {
	registry := capability.NewSimulatedRegistry(5 * time.Millisecond)
	handle, err := registry.Open(context.Background(), "demo", "stream-stock-quote")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer handle.Close()

	_ = handle.Connect(context.Background())
	_ = handle.Subscribe(context.Background(), []string{"700.hk"})
	<-handle.Ticks() // drain at least one to confirm it was flowing

	if err := handle.Unsubscribe(context.Background(), []string{"700.hk"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case tick := <-handle.Ticks():
		t.Fatalf("expected no further ticks after unsubscribe, got %+v", tick)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSimulatedHandleCheckIsAlwaysHealthy(t *testing.T) {
	registry := capability.NewSimulatedRegistry(time.Second)
	handle, err := registry.Open(context.Background(), "demo", "stream-stock-quote")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer handle.Close()

	if err := handle.Check(context.Background(), capability.HealthTier(0)); err != nil {
		t.Fatalf("expected the simulated handle to always report healthy, got %v", err)
	}
}

func TestSimulatedHandleSendHeartbeatIsAlwaysHealthy(t *testing.T) {
	registry := capability.NewSimulatedRegistry(time.Second)
	handle, err := registry.Open(context.Background(), "demo", "stream-stock-quote")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer handle.Close()

	ok, err := handle.SendHeartbeat(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected the simulated handle's heartbeat to report healthy, got ok=%v err=%v", ok, err)
	}
}
