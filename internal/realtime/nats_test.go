package realtime

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/example/ridesync/internal/ride/domain"
)

// loopbackBus delivers every message synchronously to every subscriber, like a single
// NATS subject shared by all nodes.
type loopbackBus struct {
	mu       sync.Mutex
	handlers []nats.MsgHandler
}

func (l *loopbackBus) PublishMsg(msg *nats.Msg) error {
	l.mu.Lock()
	handlers := append([]nats.MsgHandler(nil), l.handlers...)
	l.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
	return nil
}

func (l *loopbackBus) Subscribe(_ string, cb nats.MsgHandler) (*nats.Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, cb)
	return nil, nil
}

func TestNATSBridgeFansOutAcrossNodes(t *testing.T) {
	ctx := context.Background()
	bus := &loopbackBus{}
	hubA, hubB := NewHub(nil), NewHub(nil)
	bridgeA := NewNATSBridge(hubA, bus, "", nil)
	bridgeB := NewNATSBridge(hubB, bus, "", nil)
	require.NoError(t, bridgeA.Start())
	require.NoError(t, bridgeB.Start())
	defer bridgeA.Close()
	defer bridgeB.Close()

	rideID := uuid.New()
	room := RideRoom(rideID)
	onA := NewLocalBus(hubA, bridgeA, domain.Actor{UserID: uuid.New()}, nil)
	onB := NewLocalBus(hubB, bridgeB, domain.Actor{UserID: uuid.New()}, nil)
	defer onA.Close()
	defer onB.Close()

	subA, err := onA.Subscribe(ctx, room)
	require.NoError(t, err)
	subB, err := onB.Subscribe(ctx, room)
	require.NoError(t, err)
	lobbyB, err := onB.Subscribe(ctx, OpenRidesRoom)
	require.NoError(t, err)

	update := testEvent(rideID, domain.EventDriverLocationUpdate)
	require.NoError(t, onA.Publish(ctx, room, update))
	require.Equal(t, update.ID, recv(t, subA).ID)
	require.Equal(t, update.ID, recv(t, subB).ID)
	requireQuiet(t, subA)

	created := testEvent(rideID, domain.EventNewRide)
	require.NoError(t, bridgeA.Publish(ctx, created))
	require.Equal(t, created.ID, recv(t, lobbyB).ID)
	requireQuiet(t, subB)
}

func TestNATSBridgeDropsUndecodableMessages(t *testing.T) {
	hub := NewHub(nil)
	bridge := NewNATSBridge(hub, &loopbackBus{}, "", nil)
	require.NotPanics(t, func() {
		bridge.receive(&nats.Msg{Data: []byte("{not json")})
		bridge.receive(&nats.Msg{Data: []byte(`{"type":"teleported"}`)})
	})
}
