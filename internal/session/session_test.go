package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/example/ridesync/internal/geo"
	"github.com/example/ridesync/internal/location"
	"github.com/example/ridesync/internal/realtime"
	"github.com/example/ridesync/internal/ride/claim"
	"github.com/example/ridesync/internal/ride/domain"
	"github.com/example/ridesync/internal/ride/repository"
	"github.com/example/ridesync/internal/ride/service"
	"github.com/example/ridesync/internal/routing"
	"github.com/example/ridesync/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type world struct {
	svc    *service.Service
	hub    *realtime.Hub
	policy *service.Policy
	routes *routing.Client
}

func newWorld() *world {
	hub := realtime.NewHub(nil)
	svc := service.New(repository.NewMemoryRepository(), hub, claim.NewMemoryStore(), nil, nil, nil, nil, service.Config{})
	return &world{svc: svc, hub: hub, policy: service.NewPolicy(svc), routes: routing.NewClient(nil, nil, routing.DefaultConfig, nil)}
}

type participant struct {
	actor domain.Actor
	bus   *realtime.LocalBus
}

func (w *world) participant(t *testing.T, capability domain.DriverCapability) participant {
	t.Helper()
	actor := domain.Actor{UserID: uuid.New(), Capability: capability}
	bus := realtime.NewLocalBus(w.hub, nil, actor, w.policy)
	t.Cleanup(bus.Close)
	return participant{actor: actor, bus: bus}
}

// assignedRide creates the reference trip and has driver accept it.
func (w *world) assignedRide(t *testing.T, passenger, driver participant) domain.Ride {
	t.Helper()
	ctx := context.Background()
	ride, err := w.svc.CreateRide(ctx, passenger.actor, domain.CreateRideRequest{
		Origin:         domain.Place{Point: geo.Point{Lat: 12.97, Lng: 77.59}, Address: "MG Road"},
		Destination:    domain.Place{Point: geo.Point{Lat: 12.93, Lng: 77.62}, Address: "Koramangala"},
		SeatsRequested: 2,
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusRequested, ride.Status)
	ride, err = w.svc.AcceptRide(ctx, ride.ID, driver.actor)
	require.NoError(t, err)
	return ride
}

func (w *world) open(t *testing.T, p participant, rideID uuid.UUID, source location.Source) *session.Session {
	t.Helper()
	cfg := session.DefaultConfig
	cfg.Publisher = location.PublisherConfig{Cadence: 10 * time.Millisecond, AcquireTimeout: time.Second}
	s, err := session.Open(context.Background(), p.actor, rideID, session.Deps{
		Store:  w.svc,
		Events: p.bus,
		Routes: w.routes,
		Source: source,
	}, cfg)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func waitView(t *testing.T, s *session.Session, cond func(session.View) bool) session.View {
	t.Helper()
	require.Eventually(t, func() bool { return cond(s.Snapshot()) }, 2*time.Second, 5*time.Millisecond)
	return s.Snapshot()
}

func waitDone(t *testing.T, s *session.Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
}

func status(want domain.RideStatus) func(session.View) bool {
	return func(v session.View) bool { return v.Ride.Status == want }
}

func TestOpenRequiresParticipant(t *testing.T) {
	w := newWorld()
	passenger := w.participant(t, domain.CapabilityNone)
	driver := w.participant(t, domain.CapabilityApproved)
	stranger := w.participant(t, domain.CapabilityApproved)
	ride := w.assignedRide(t, passenger, driver)

	_, err := session.Open(context.Background(), stranger.actor, ride.ID, session.Deps{Store: w.svc, Events: stranger.bus}, session.DefaultConfig)
	require.ErrorIs(t, err, domain.ErrNotParticipant)
	require.Zero(t, w.hub.Members(realtime.RideRoom(ride.ID)))

	_, err = session.Open(context.Background(), passenger.actor, uuid.New(), session.Deps{Store: w.svc, Events: passenger.bus}, session.DefaultConfig)
	require.ErrorIs(t, err, domain.ErrRideNotFound)
}

func TestCommandsValidateLocally(t *testing.T) {
	w := newWorld()
	passenger := w.participant(t, domain.CapabilityNone)
	driver := w.participant(t, domain.CapabilityApproved)
	ride := w.assignedRide(t, passenger, driver)

	ps := w.open(t, passenger, ride.ID, nil)
	ds := w.open(t, driver, ride.ID, nil)
	require.Equal(t, domain.RolePassenger, ps.Role())
	require.Equal(t, domain.RoleDriver, ds.Role())

	require.ErrorIs(t, ps.Start(context.Background()), domain.ErrNotParticipant)
	require.ErrorIs(t, ds.Complete(context.Background()), domain.ErrInvalidTransition)

	current, err := w.svc.GetRide(context.Background(), ride.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAssigned, current.Status)
}

func TestCancelReasonReachesOtherParticipant(t *testing.T) {
	w := newWorld()
	passenger := w.participant(t, domain.CapabilityNone)
	driver := w.participant(t, domain.CapabilityApproved)
	ride := w.assignedRide(t, passenger, driver)

	ps := w.open(t, passenger, ride.ID, nil)
	ds := w.open(t, driver, ride.ID, nil)

	require.NoError(t, ds.Cancel(context.Background(), "Driver cancelled"))
	waitDone(t, ps)
	waitDone(t, ds)

	seen := ps.Snapshot()
	require.True(t, seen.Closed)
	require.Equal(t, domain.StatusCancelled, seen.Ride.Status)
	require.Equal(t, "Driver cancelled", seen.Ride.CancelReason)
	require.Equal(t, driver.actor.UserID, *seen.Ride.CancelledBy)
	require.Nil(t, seen.Ride.DriverID)
	require.NoError(t, ps.Err())
	require.NoError(t, ds.Err())

	require.ErrorIs(t, ps.Cancel(context.Background(), "again"), session.ErrSessionClosed)
	require.Zero(t, w.hub.Members(realtime.RideRoom(ride.ID)))
}

func TestDistanceAndEtaShrinkAsDriverApproaches(t *testing.T) {
	w := newWorld()
	passenger := w.participant(t, domain.CapabilityNone)
	driver := w.participant(t, domain.CapabilityApproved)
	ride := w.assignedRide(t, passenger, driver)
	src := location.NewChannelSource()

	ps := w.open(t, passenger, ride.ID, nil)
	ds := w.open(t, driver, ride.ID, src)
	require.Eventually(t, func() bool { return src.Active() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, ds.Start(context.Background()))
	waitView(t, ps, status(domain.StatusOnRoute))

	t0 := time.Now()
	src.Push(location.Sample{Point: geo.Point{Lat: 12.97, Lng: 77.59}, CapturedAt: t0})
	first := waitView(t, ds, func(v session.View) bool { return v.Route != nil })
	require.Equal(t, session.AnchorDestination, first.Anchor, "driver at the pickup point heads for the destination")
	require.Equal(t, routing.SourceGeometricFallback, first.Route.Source)

	src.Push(location.Sample{Point: geo.Point{Lat: 12.95, Lng: 77.60}, CapturedAt: t0.Add(time.Second)})
	second := waitView(t, ds, func(v session.View) bool {
		return v.Route != nil && v.Route.DistanceKm < first.Route.DistanceKm
	})
	require.Less(t, second.Ride.DistanceKm, first.Ride.DistanceKm)
	require.Less(t, second.Ride.EstimatedDurationMins, first.Ride.EstimatedDurationMins)
	require.InDelta(t, 2.47, second.TravelledKm, 0.05)

	shared := waitView(t, ps, func(v session.View) bool {
		return v.Driver != nil && v.Driver.Point == (geo.Point{Lat: 12.95, Lng: 77.60}) &&
			v.Ride.DistanceKm == second.Ride.DistanceKm
	})
	require.Equal(t, second.Ride.EstimatedDurationMins, shared.Ride.EstimatedDurationMins)

	require.NoError(t, ds.Complete(context.Background()))
	waitDone(t, ds)
	waitDone(t, ps)
	done := ps.Snapshot().Ride
	require.Equal(t, domain.StatusCompleted, done.Status)
	require.InDelta(t, 2.47, done.DistanceKm, 0.05)
	require.Equal(t, 1, done.ActualDurationMins)
	require.Equal(t, domain.DefaultPricing.Fare(done.DistanceKm, 1), done.FareCents)
	require.Zero(t, src.Active())
}

func TestCloseStopsSamplingAndRoomEvents(t *testing.T) {
	w := newWorld()
	passenger := w.participant(t, domain.CapabilityNone)
	driver := w.participant(t, domain.CapabilityApproved)
	ride := w.assignedRide(t, passenger, driver)
	src := location.NewChannelSource()
	room := realtime.RideRoom(ride.ID)

	ps := w.open(t, passenger, ride.ID, nil)
	ds := w.open(t, driver, ride.ID, src)
	require.Eventually(t, func() bool { return src.Active() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 2, w.hub.Members(room))

	ps.Close()
	require.Equal(t, 1, w.hub.Members(room))
	closed := ps.Snapshot()
	require.True(t, closed.Closed)

	src.Push(location.Sample{Point: geo.Point{Lat: 12.96, Lng: 77.59}, CapturedAt: time.Now()})
	waitView(t, ds, func(v session.View) bool { return v.Driver != nil })
	require.Nil(t, ps.Snapshot().Driver, "no position applied after teardown")

	var last session.View
	for v := range ps.Updates() {
		last = v
	}
	require.True(t, last.Closed)

	ds.Close()
	require.Zero(t, src.Active())
	require.Zero(t, w.hub.Members(room))
	require.NoError(t, ds.Err())
}

func TestMalformedRoomEventTearsSessionDown(t *testing.T) {
	w := newWorld()
	passenger := w.participant(t, domain.CapabilityNone)
	driver := w.participant(t, domain.CapabilityApproved)
	ride := w.assignedRide(t, passenger, driver)
	src := location.NewChannelSource()

	ds := w.open(t, driver, ride.ID, src)
	require.Eventually(t, func() bool { return src.Active() == 1 }, time.Second, 5*time.Millisecond)

	bogus := domain.RideEvent{ID: uuid.New(), Type: domain.EventRideStarted, RideID: ride.ID, Payload: []byte(`"not a ride"`), OccurredAt: time.Now()}
	require.NoError(t, w.hub.PublishRoom(context.Background(), realtime.RideRoom(ride.ID), bogus))

	waitDone(t, ds)
	require.ErrorIs(t, ds.Err(), domain.ErrMalformedEvent)
	require.Zero(t, src.Active())
	require.Zero(t, w.hub.Members(realtime.RideRoom(ride.ID)))
}

func TestLocationUnavailableIsReportedWithoutEndingSession(t *testing.T) {
	w := newWorld()
	passenger := w.participant(t, domain.CapabilityNone)
	driver := w.participant(t, domain.CapabilityApproved)
	ride := w.assignedRide(t, passenger, driver)
	src := location.NewChannelSource()

	cfg := session.DefaultConfig
	cfg.Publisher = location.PublisherConfig{Cadence: 10 * time.Millisecond, AcquireTimeout: 20 * time.Millisecond}
	ds, err := session.Open(context.Background(), driver.actor, ride.ID, session.Deps{Store: w.svc, Events: driver.bus, Routes: w.routes, Source: src}, cfg)
	require.NoError(t, err)
	defer ds.Close()

	waitView(t, ds, func(v session.View) bool { return v.LocationUnavailable })
	require.NoError(t, ds.Start(context.Background()))
	waitView(t, ds, status(domain.StatusOnRoute))

	src.Push(location.Sample{Point: geo.Point{Lat: 12.96, Lng: 77.59}, CapturedAt: time.Now()})
	recovered := waitView(t, ds, func(v session.View) bool { return v.Driver != nil })
	require.False(t, recovered.LocationUnavailable)
	require.NoError(t, ds.Err())
}
