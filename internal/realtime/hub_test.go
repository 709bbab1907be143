package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/ridesync/internal/ride/domain"
)

type roomRules struct {
	denyJoin    string
	denyPublish bool
}

func (r roomRules) CanJoin(_ context.Context, _ domain.Actor, room string) error {
	if room == r.denyJoin {
		return domain.ErrNotParticipant
	}
	return nil
}

func (r roomRules) CanPublish(context.Context, domain.Actor, string, domain.RideEvent) error {
	if r.denyPublish {
		return domain.ErrNotParticipant
	}
	return nil
}

func testEvent(rideID uuid.UUID, typ domain.EventType) domain.RideEvent {
	return domain.RideEvent{ID: uuid.New(), Type: typ, RideID: rideID, OccurredAt: time.Now().UTC()}
}

func recv(t *testing.T, sub *Subscription) domain.RideEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription ended: %v", sub.Err())
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("no event on %s", sub.Room())
	}
	return domain.RideEvent{}
}

func requireQuiet(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %s on %s", ev.Type, sub.Room())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRoomsFor(t *testing.T) {
	id := uuid.New()
	require.Equal(t, []string{OpenRidesRoom}, RoomsFor(testEvent(id, domain.EventNewRide)))
	require.Equal(t, []string{OpenRidesRoom, RideRoom(id)}, RoomsFor(testEvent(id, domain.EventRideAssigned)))
	require.Equal(t, []string{RideRoom(id)}, RoomsFor(testEvent(id, domain.EventDriverLocationUpdate)))

	parsed, ok := ParseRideRoom(RideRoom(id))
	require.True(t, ok)
	require.Equal(t, id, parsed)
	_, ok = ParseRideRoom(OpenRidesRoom)
	require.False(t, ok)
	_, ok = ParseRideRoom("ride:nope")
	require.False(t, ok)
}

func TestBackoffDelayBounds(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: time.Second}
	for i := 0; i < 50; i++ {
		d := b.Delay(0)
		require.GreaterOrEqual(t, d, 100*time.Millisecond)
		require.LessOrEqual(t, d, 150*time.Millisecond)

		d = b.Delay(40)
		require.GreaterOrEqual(t, d, time.Second)
		require.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}

func TestLocalBusJoinIsIdempotent(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(nil)
	bus := NewLocalBus(hub, nil, domain.Actor{UserID: uuid.New()}, nil)
	defer bus.Close()
	room := RideRoom(uuid.New())

	require.NoError(t, bus.LeaveRoom(ctx, room), "leaving an unjoined room is a no-op")
	require.NoError(t, bus.JoinRoom(ctx, room))
	require.NoError(t, bus.JoinRoom(ctx, room))
	require.Equal(t, 1, hub.Members(room))

	sub, err := bus.Subscribe(ctx, room)
	require.NoError(t, err)
	sub.Close()
	sub.Close()
	require.Equal(t, 1, hub.Members(room), "explicit join outlives the subscription")

	require.NoError(t, bus.LeaveRoom(ctx, room))
	require.Equal(t, 0, hub.Members(room))
}

func TestLocalBusSubscriptionLifecycle(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(nil)
	bus := NewLocalBus(hub, nil, domain.Actor{UserID: uuid.New()}, nil)
	rideID := uuid.New()
	room := RideRoom(rideID)

	sub, err := bus.Subscribe(ctx, room)
	require.NoError(t, err)
	require.Equal(t, 1, hub.Members(room))

	first := testEvent(rideID, domain.EventRideStarted)
	second := testEvent(rideID, domain.EventRideCompleted)
	require.NoError(t, hub.PublishRoom(ctx, room, first))
	require.NoError(t, hub.PublishRoom(ctx, room, second))
	require.Equal(t, first.ID, recv(t, sub).ID)
	require.Equal(t, second.ID, recv(t, sub).ID)

	sub.Close()
	require.Equal(t, 0, hub.Members(room))
	_, open := <-sub.Events()
	require.False(t, open)
	require.NoError(t, sub.Err())

	bus.Close()
	_, err = bus.Subscribe(ctx, room)
	require.ErrorIs(t, err, ErrChannelClosed)
}

func TestLocalBusAuthorization(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(nil)
	rideID := uuid.New()
	denied := RideRoom(rideID)
	bus := NewLocalBus(hub, nil, domain.Actor{UserID: uuid.New()}, roomRules{denyJoin: denied, denyPublish: true})
	defer bus.Close()

	_, err := bus.Subscribe(ctx, denied)
	require.ErrorIs(t, err, domain.ErrNotParticipant)
	require.ErrorIs(t, bus.JoinRoom(ctx, denied), domain.ErrNotParticipant)
	require.Equal(t, 0, hub.Members(denied))

	err = bus.Publish(ctx, OpenRidesRoom, testEvent(rideID, domain.EventRideAssigned))
	require.ErrorIs(t, err, domain.ErrNotParticipant)

	err = bus.Publish(ctx, OpenRidesRoom, domain.RideEvent{Type: "bogus"})
	require.ErrorIs(t, err, domain.ErrMalformedEvent)
}

func TestHubRoutesStoreEvents(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(nil)
	bus := NewLocalBus(hub, nil, domain.Actor{UserID: uuid.New()}, nil)
	defer bus.Close()
	rideID := uuid.New()

	lobby, err := bus.Subscribe(ctx, OpenRidesRoom)
	require.NoError(t, err)
	ride, err := bus.Subscribe(ctx, RideRoom(rideID))
	require.NoError(t, err)

	created := testEvent(rideID, domain.EventNewRide)
	require.NoError(t, hub.Publish(ctx, created))
	require.Equal(t, created.ID, recv(t, lobby).ID)
	requireQuiet(t, ride)

	assigned := testEvent(rideID, domain.EventRideAssigned)
	require.NoError(t, hub.Publish(ctx, assigned))
	require.Equal(t, assigned.ID, recv(t, lobby).ID)
	require.Equal(t, assigned.ID, recv(t, ride).ID)

	started := testEvent(rideID, domain.EventRideStarted)
	require.NoError(t, hub.Publish(ctx, started))
	require.Equal(t, started.ID, recv(t, ride).ID)
	requireQuiet(t, lobby)
}

func TestSubscriptionDropsOldestOnOverflow(t *testing.T) {
	sub := newSubscription("ride:x", nil)
	defer sub.Close()
	rideID := uuid.New()
	events := make([]domain.RideEvent, maxQueuedEvents+50)
	for i := range events {
		events[i] = testEvent(rideID, domain.EventDriverLocationUpdate)
		sub.deliver(events[i])
	}
	last := events[len(events)-1].ID
	received := 0
	for {
		ev := recv(t, sub)
		received++
		if ev.ID == last {
			break
		}
	}
	require.LessOrEqual(t, received, maxQueuedEvents+1)
}
