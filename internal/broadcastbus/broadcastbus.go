// Package broadcastbus mirrors room broadcasts onto a NATS subject so a
// second gateway process sharing the same warm replay tier receives the
// same tick stream, extending the Client State Manager's single-process
// room broadcast to a multi-instance deployment. Grounded on
// adred-codev-ws_poc's NATS-backed websocket fanout hub. This is
// additive: the in-process path (internal/clientstate) remains
// authoritative for local delivery order, the bus only extends reach to
// peer instances.
package broadcastbus

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/aoxiansheng/streamgw/pkg/types"
)

// ErrPublishFailed wraps NATS publish failures.
var ErrPublishFailed = errors.New("broadcastbus: publish failed")

// LocalDeliverer is the subset of the Client State Manager the bus needs
// to relay a peer-originated broadcast into this instance's local rooms.
type LocalDeliverer interface {
	BroadcastToSymbolViaGateway(symbol string, frame types.OutboundFrame) error
}

type envelope struct {
	Origin string             `json:"origin"`
	Symbol string             `json:"symbol"`
	Frame  types.OutboundFrame `json:"frame"`
}

// Bus mirrors broadcasts across gateway instances over NATS.
type Bus struct {
	conn     *nats.Conn
	origin   string
	logger   *zap.Logger
	sub      *nats.Subscription
}

// Connect dials NATS and returns a Bus. A nil *Bus (with a nil error) is
// returned when url is empty or enabled is false, so callers can treat
// the cross-instance bus as an optional, nullable dependency like the
// rest of this gateway's external collaborators.
func Connect(url string, enabled bool, logger *zap.Logger) (*Bus, error) {
	if !enabled || url == "" {
		return nil, nil
	}
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, errors.Wrap(err, "broadcastbus: connect failed")
	}
	return &Bus{conn: conn, origin: uuid.NewString(), logger: logger}, nil
}

func subject(symbol string) string { return "symbol." + symbol }

// Publish mirrors a frame already delivered to local subscribers onto
// the shared bus, tagged with this instance's origin id so peers can
// avoid re-delivering it to us.
func (b *Bus) Publish(symbol string, frame types.OutboundFrame) error {
	if b == nil {
		return nil
	}
	payload, err := json.Marshal(envelope{Origin: b.origin, Symbol: symbol, Frame: frame})
	if err != nil {
		return errors.Wrap(ErrPublishFailed, err.Error())
	}
	if err := b.conn.Publish(subject(symbol), payload); err != nil {
		return errors.Wrap(ErrPublishFailed, err.Error())
	}
	return nil
}

// SubscribeAll relays every peer-originated broadcast into local's rooms,
// skipping frames this instance itself published.
func (b *Bus) SubscribeAll(local LocalDeliverer) error {
	if b == nil {
		return nil
	}
	sub, err := b.conn.Subscribe("symbol.*", func(msg *nats.Msg) {
		var env envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			return
		}
		if env.Origin == b.origin {
			return
		}
		_ = local.BroadcastToSymbolViaGateway(env.Symbol, env.Frame)
	})
	if err != nil {
		return errors.Wrap(err, "broadcastbus: subscribe failed")
	}
	b.sub = sub
	return nil
}

// Close drains the subscription and closes the NATS connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if b.sub != nil {
		_ = b.sub.Drain()
	}
	b.conn.Close()
}
