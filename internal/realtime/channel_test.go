package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/example/ridesync/internal/ride/domain"
)

const testToken = "good"

func startServer(t *testing.T, authz Authorizer) (*Hub, string) {
	t.Helper()
	hub := NewHub(nil)
	authn := func(r *http.Request) (domain.Actor, error) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			return domain.Actor{}, errors.New("bad token")
		}
		return domain.Actor{UserID: uuid.New()}, nil
	}
	srv := httptest.NewServer(NewHandler(hub, nil, authn, authz, nil))
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func runChannel(t *testing.T, ch *Channel) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ch.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func newTestChannel(url string) *Channel {
	return NewChannel(ChannelConfig{
		URL:     url,
		Token:   StaticToken(testToken),
		Backoff: Backoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond},
	})
}

func dropConnections(h *Hub, room string) {
	h.mu.RLock()
	var conns []*conn
	for m := range h.rooms[room] {
		if c, ok := m.(*conn); ok {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.close()
	}
}

func members(h *Hub, room string, n int) func() bool {
	return func() bool { return h.Members(room) == n }
}

func TestHandlerRejectsUnauthenticated(t *testing.T) {
	_, url := startServer(t, nil)
	ws, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer nope"}})
	require.Error(t, err)
	require.Nil(t, ws)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestChannelRejoinsAfterReconnect(t *testing.T) {
	ctx := context.Background()
	hub, url := startServer(t, nil)
	ch := newTestChannel(url)
	runChannel(t, ch)

	rideID := uuid.New()
	room := RideRoom(rideID)
	sub, err := ch.Subscribe(ctx, room)
	require.NoError(t, err)
	require.Eventually(t, members(hub, room, 1), 2*time.Second, 5*time.Millisecond)

	started := testEvent(rideID, domain.EventRideStarted)
	require.NoError(t, hub.PublishRoom(ctx, room, started))
	require.Equal(t, started.ID, recv(t, sub).ID)

	dropConnections(hub, room)
	require.Equal(t, 0, hub.Members(room))
	require.Eventually(t, members(hub, room, 1), 2*time.Second, 5*time.Millisecond, "room rejoined after reconnect")

	update := testEvent(rideID, domain.EventDriverLocationUpdate)
	require.NoError(t, hub.PublishRoom(ctx, room, update))
	require.Equal(t, update.ID, recv(t, sub).ID)

	sub.Close()
	require.Eventually(t, members(hub, room, 0), 2*time.Second, 5*time.Millisecond)
}

func TestChannelJoinLeaveIdempotent(t *testing.T) {
	ctx := context.Background()
	hub, url := startServer(t, nil)
	ch := newTestChannel(url)
	runChannel(t, ch)
	require.Eventually(t, ch.Connected, 2*time.Second, 5*time.Millisecond)

	room := RideRoom(uuid.New())
	require.NoError(t, ch.LeaveRoom(ctx, room))
	require.NoError(t, ch.JoinRoom(ctx, room))
	require.NoError(t, ch.JoinRoom(ctx, room))
	require.Eventually(t, members(hub, room, 1), 2*time.Second, 5*time.Millisecond)

	require.NoError(t, ch.LeaveRoom(ctx, room))
	require.Eventually(t, members(hub, room, 0), 2*time.Second, 5*time.Millisecond)
}

func TestChannelRejectedJoinEndsSubscription(t *testing.T) {
	ctx := context.Background()
	room := RideRoom(uuid.New())
	hub, url := startServer(t, roomRules{denyJoin: room})
	ch := newTestChannel(url)
	runChannel(t, ch)

	sub, err := ch.Subscribe(ctx, room)
	require.NoError(t, err)
	select {
	case _, open := <-sub.Events():
		require.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription was not rejected")
	}
	require.ErrorIs(t, sub.Err(), ErrJoinRejected)
	require.ErrorIs(t, sub.Err(), domain.ErrNotParticipant)
	require.Equal(t, 0, hub.Members(room))
}

func TestChannelFlushesQueuedPublishes(t *testing.T) {
	ctx := context.Background()
	hub, url := startServer(t, nil)
	rideID := uuid.New()
	room := RideRoom(rideID)

	listener := NewLocalBus(hub, nil, domain.Actor{UserID: uuid.New()}, nil)
	defer listener.Close()
	sub, err := listener.Subscribe(ctx, room)
	require.NoError(t, err)

	ch := newTestChannel(url)
	queued := testEvent(rideID, domain.EventDriverLocationUpdate)
	require.NoError(t, ch.Publish(ctx, room, queued))
	require.False(t, ch.Connected())

	runChannel(t, ch)
	require.Equal(t, queued.ID, recv(t, sub).ID)
}

func TestChannelClosesSubscriptionsOnExit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	_, url := startServer(t, nil)
	ch := newTestChannel(url)
	done := make(chan error, 1)
	go func() { done <- ch.Run(ctx) }()

	sub, err := ch.Subscribe(context.Background(), RideRoom(uuid.New()))
	require.NoError(t, err)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	_, open := <-sub.Events()
	require.False(t, open)
	_, err = ch.Subscribe(context.Background(), OpenRidesRoom)
	require.ErrorIs(t, err, ErrChannelClosed)
	require.ErrorIs(t, ch.Publish(context.Background(), OpenRidesRoom, testEvent(uuid.New(), domain.EventNewRide)), ErrChannelClosed)
}

func TestPublishDoesNotWaitOnStalledPeer(t *testing.T) {
	release := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		<-release
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	ch := newTestChannel("ws" + strings.TrimPrefix(srv.URL, "http"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.Run(ctx) }()
	require.Eventually(t, ch.Connected, 2*time.Second, 5*time.Millisecond)

	rideID := uuid.New()
	big := testEvent(rideID, domain.EventDriverLocationUpdate)
	big.Payload = json.RawMessage(`"` + strings.Repeat("x", 256<<10) + `"`)
	start := time.Now()
	for i := 0; i < 200; i++ {
		require.NoError(t, ch.Publish(ctx, RideRoom(rideID), big))
	}
	require.Less(t, time.Since(start), time.Second, "publish waited on the socket")

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("channel did not shut down while the peer was stalled")
	}
}

func TestReconnectSignalsResync(t *testing.T) {
	ctx := context.Background()
	hub, url := startServer(t, nil)
	ch := newTestChannel(url)
	runChannel(t, ch)
	require.Eventually(t, ch.Connected, 2*time.Second, 5*time.Millisecond)

	room := RideRoom(uuid.New())
	sub, err := ch.Subscribe(ctx, room)
	require.NoError(t, err)
	require.Eventually(t, members(hub, room, 1), 2*time.Second, 5*time.Millisecond)
	select {
	case <-sub.Resync():
	default:
	}

	dropConnections(hub, room)
	select {
	case <-sub.Resync():
	case <-time.After(2 * time.Second):
		t.Fatal("no resync after reconnect")
	}
	require.Eventually(t, members(hub, room, 1), 2*time.Second, 5*time.Millisecond)
}
