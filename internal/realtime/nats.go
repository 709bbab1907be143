package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/example/ridesync/internal/ride/domain"
	"github.com/example/ridesync/pkg/outbox"
)

// DefaultBridgeSubject carries room events between realtime nodes.
const DefaultBridgeSubject = "ride.realtime"

// Bus is the part of *nats.Conn the bridge uses.
type Bus interface {
	outbox.Conn
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// NATSBridge fans room events out across nodes: each publish is delivered to the local hub
// and forwarded on the bus; messages from other nodes are delivered locally only.
type NATSBridge struct {
	hub       *Hub
	publisher *outbox.Publisher
	bus       Bus
	origin    string
	sub       *nats.Subscription
	logger    *zap.Logger
}

func NewNATSBridge(hub *Hub, bus Bus, subject string, logger *zap.Logger) *NATSBridge {
	if subject == "" {
		subject = DefaultBridgeSubject
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSBridge{
		hub:       hub,
		publisher: outbox.NewPublisher(bus, subject),
		bus:       bus,
		origin:    uuid.NewString(),
		logger:    logger.Named("realtime.bridge"),
	}
}

// Start subscribes to the bridge subject.
func (b *NATSBridge) Start() error {
	sub, err := b.bus.Subscribe(b.publisher.Subject(), b.receive)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.publisher.Subject(), err)
	}
	b.sub = sub
	return nil
}

func (b *NATSBridge) Close() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
}

// PublishRoom delivers ev to room on every node.
func (b *NATSBridge) PublishRoom(ctx context.Context, room string, ev domain.RideEvent) error {
	if err := b.hub.PublishRoom(ctx, room, ev); err != nil {
		return err
	}
	return b.forward(ctx, ev, nats.Header{outbox.HeaderRoom: {room}})
}

// Publish routes a store event by RoomsFor on every node. It satisfies domain.EventPublisher.
func (b *NATSBridge) Publish(ctx context.Context, ev domain.RideEvent) error {
	if err := b.hub.Publish(ctx, ev); err != nil {
		return err
	}
	return b.forward(ctx, ev, nil)
}

func (b *NATSBridge) forward(ctx context.Context, ev domain.RideEvent, header nats.Header) error {
	if header == nil {
		header = nats.Header{}
	}
	header.Set(outbox.HeaderOrigin, b.origin)
	return b.publisher.PublishWith(ctx, ev, header)
}

func (b *NATSBridge) receive(msg *nats.Msg) {
	if msg.Header.Get(outbox.HeaderOrigin) == b.origin {
		return
	}
	var ev domain.RideEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		b.logger.Warn("dropping undecodable bridge message", zap.Error(err))
		return
	}
	ctx := context.Background()
	var err error
	if room := msg.Header.Get(outbox.HeaderRoom); room != "" {
		err = b.hub.PublishRoom(ctx, room, ev)
	} else {
		err = b.hub.Publish(ctx, ev)
	}
	if err != nil {
		b.logger.Warn("dropping bridge event", zap.String("ride_id", ev.RideID.String()), zap.Error(err))
	}
}

var (
	_ domain.EventPublisher = (*NATSBridge)(nil)
	_ RoomPublisher         = (*NATSBridge)(nil)
)
