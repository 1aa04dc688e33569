package broadcastbus_test

import (
	"testing"

	"go.uber.org/zap"

	"github.com/aoxiansheng/streamgw/internal/broadcastbus"
	"github.com/aoxiansheng/streamgw/pkg/types"
)

type fakeLocal struct{ called bool }

func (f *fakeLocal) BroadcastToSymbolViaGateway(symbol string, frame types.OutboundFrame) error {
	f.called = true
	return nil
}

func TestConnectDisabledReturnsNilBus(t *testing.T) {
	bus, err := broadcastbus.Connect("", false, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bus != nil {
		t.Fatalf("expected a nil bus when disabled, got %+v", bus)
	}
}

func TestConnectEmptyURLReturnsNilBus(t *testing.T) {
	bus, err := broadcastbus.Connect("", true, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bus != nil {
		t.Fatalf("expected a nil bus when url is empty, got %+v", bus)
	}
}

func TestNilBusMethodsAreNoOps(t *testing.T) {
	var bus *broadcastbus.Bus

	if err := bus.Publish("700.hk", types.OutboundFrame{}); err != nil {
		t.Fatalf("Publish on a nil bus should be a no-op, got %v", err)
	}

	local := &fakeLocal{}
	if err := bus.SubscribeAll(local); err != nil {
		t.Fatalf("SubscribeAll on a nil bus should be a no-op, got %v", err)
	}
	if local.called {
		t.Fatal("a nil bus must never invoke the local deliverer")
	}

	bus.Close() // must not panic
}
