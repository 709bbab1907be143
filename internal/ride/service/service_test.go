package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/ridesync/internal/geo"
	"github.com/example/ridesync/internal/ride/claim"
	"github.com/example/ridesync/internal/ride/domain"
	"github.com/example/ridesync/internal/ride/repository"
	"github.com/example/ridesync/internal/ride/service"
)

type stubPublisher struct {
	mu     sync.Mutex
	events []domain.RideEvent
}

func (s *stubPublisher) Publish(_ context.Context, event domain.RideEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *stubPublisher) types() []domain.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EventType, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Type)
	}
	return out
}

type stubClock struct{ t time.Time }

func (s stubClock) Now() time.Time { return s.t }

func passenger() domain.Actor {
	return domain.Actor{UserID: uuid.New(), Institution: "IISc"}
}

func driver() domain.Actor {
	return domain.Actor{UserID: uuid.New(), Capability: domain.CapabilityApproved}
}

func rideRequest() domain.CreateRideRequest {
	return domain.CreateRideRequest{
		Origin:         domain.Place{Point: geo.Point{Lat: 12.97, Lng: 77.59}, Address: "MG Road"},
		Destination:    domain.Place{Point: geo.Point{Lat: 12.93, Lng: 77.62}, Address: "Koramangala"},
		SeatsRequested: 2,
	}
}

func newService(t *testing.T) (*service.Service, *stubPublisher) {
	t.Helper()
	publisher := &stubPublisher{}
	svc := service.New(repository.NewMemoryRepository(), publisher, claim.NewMemoryStore(),
		stubClock{t: time.Unix(1_700_000_000, 0).UTC()}, repository.NewMemoryIdempotencyRepo(time.Hour), nil, nil, service.Config{})
	return svc, publisher
}

func TestCreateRideIsIdempotentAndPublishesNewRide(t *testing.T) {
	svc, publisher := newService(t)
	actor := passenger()

	ride, err := svc.CreateRideIdempotent(context.Background(), "key-1", actor, rideRequest())
	require.NoError(t, err)
	require.Equal(t, domain.StatusRequested, ride.Status)
	require.Equal(t, "IISc", ride.Institution)
	require.InDelta(t, 5.5, ride.DistanceKm, 0.3)
	require.Positive(t, ride.EstimatedDurationMins)

	again, err := svc.CreateRideIdempotent(context.Background(), "key-1", actor, rideRequest())
	require.NoError(t, err)
	require.Equal(t, ride.ID, again.ID)

	other, err := svc.CreateRideIdempotent(context.Background(), "key-1", passenger(), rideRequest())
	require.NoError(t, err)
	require.NotEqual(t, ride.ID, other.ID, "keys are scoped per passenger")

	require.Equal(t, []domain.EventType{domain.EventNewRide, domain.EventNewRide}, publisher.types())
}

func TestCreateRideRejectsInvalidRequest(t *testing.T) {
	svc, _ := newService(t)
	req := rideRequest()
	req.SeatsRequested = 0
	_, err := svc.CreateRide(context.Background(), passenger(), req)
	require.ErrorIs(t, err, domain.ErrInvalidRide)
}

func TestConcurrentAcceptHasExactlyOneWinner(t *testing.T) {
	svc, publisher := newService(t)
	ride, err := svc.CreateRide(context.Background(), passenger(), rideRequest())
	require.NoError(t, err)

	driverA, driverB := driver(), driver()
	start := make(chan struct{})
	results := make(chan error, 2)
	for _, d := range []domain.Actor{driverA, driverB} {
		d := d
		go func() {
			<-start
			_, err := svc.AcceptRide(context.Background(), ride.ID, d)
			results <- err
		}()
	}
	close(start)

	var won, lost int
	for i := 0; i < 2; i++ {
		err := <-results
		switch {
		case err == nil:
			won++
		case errors.Is(err, domain.ErrRideAlreadyAssigned):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, won)
	require.Equal(t, 1, lost)

	stored, err := svc.GetRide(context.Background(), ride.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAssigned, stored.Status)
	require.NotNil(t, stored.DriverID)
	require.Contains(t, []uuid.UUID{driverA.UserID, driverB.UserID}, *stored.DriverID)
	require.Equal(t, []domain.EventType{domain.EventNewRide, domain.EventRideAssigned}, publisher.types())
}

func TestAcceptEligibility(t *testing.T) {
	svc, _ := newService(t)
	owner := passenger()
	ride, err := svc.CreateRide(context.Background(), owner, rideRequest())
	require.NoError(t, err)

	_, err = svc.AcceptRide(context.Background(), ride.ID, passenger())
	require.ErrorIs(t, err, domain.ErrNotEligible)

	owner.Capability = domain.CapabilitySelfRegistered
	_, err = svc.AcceptRide(context.Background(), ride.ID, owner)
	require.ErrorIs(t, err, domain.ErrNotEligible)

	accepted, err := svc.AcceptRide(context.Background(), ride.ID, driver())
	require.NoError(t, err, "a failed attempt must not leave the claim behind")
	require.Equal(t, domain.StatusAssigned, accepted.Status)
}

func TestLifecycleCompletesWithFare(t *testing.T) {
	svc, publisher := newService(t)
	ctx := context.Background()
	d := driver()
	ride, err := svc.CreateRide(ctx, passenger(), rideRequest())
	require.NoError(t, err)
	_, err = svc.AcceptRide(ctx, ride.ID, d)
	require.NoError(t, err)

	_, err = svc.StartRide(ctx, ride.ID, passenger())
	require.ErrorIs(t, err, domain.ErrNotParticipant)

	_, err = svc.StartRide(ctx, ride.ID, d)
	require.NoError(t, err)

	done, err := svc.CompleteRide(ctx, ride.ID, d, domain.TripMetrics{DistanceKm: 5.6, ActualDurationMins: 21})
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, done.Status)
	require.Equal(t, domain.DefaultPricing.Fare(5.6, 21), done.FareCents)

	_, err = svc.CompleteRide(ctx, ride.ID, d, domain.TripMetrics{})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	require.Equal(t, []domain.EventType{
		domain.EventNewRide, domain.EventRideAssigned, domain.EventRideStarted, domain.EventRideCompleted,
	}, publisher.types())
}

func TestCancelByPassengerCarriesReason(t *testing.T) {
	svc, publisher := newService(t)
	ctx := context.Background()
	p := passenger()
	ride, err := svc.CreateRide(ctx, p, rideRequest())
	require.NoError(t, err)

	_, err = svc.CancelRide(ctx, ride.ID, p, "changed plans")
	require.ErrorIs(t, err, domain.ErrInvalidTransition, "requested rides cannot be cancelled")

	_, err = svc.AcceptRide(ctx, ride.ID, driver())
	require.NoError(t, err)

	_, err = svc.CancelRide(ctx, ride.ID, passenger(), "not mine")
	require.ErrorIs(t, err, domain.ErrNotParticipant)

	cancelled, err := svc.CancelRide(ctx, ride.ID, p, "changed plans")
	require.NoError(t, err)
	require.Equal(t, "changed plans", cancelled.CancelReason)
	require.Equal(t, p.UserID, *cancelled.CancelledBy)

	publisher.mu.Lock()
	last := publisher.events[len(publisher.events)-1]
	publisher.mu.Unlock()
	require.Equal(t, domain.EventRideCancelled, last.Type)
	decoded, err := last.Ride()
	require.NoError(t, err)
	require.Equal(t, "changed plans", decoded.CancelReason)
}
