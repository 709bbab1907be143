package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Change is one state transition persisted together with the event announcing it.
// Apply runs while the stored ride is locked, so it observes the latest committed state.
type Change struct {
	RideID uuid.UUID
	Event  EventType
	At     time.Time
	Apply  func(Ride) (Ride, error)
}

// Repository persists rides and their outbox of events. UpdateRide is atomic per ride:
// concurrent changes are serialized and each Apply sees the result of the previous one.
type Repository interface {
	CreateRide(ctx context.Context, ride Ride) (Ride, RideEvent, error)
	GetRide(ctx context.Context, id uuid.UUID) (Ride, error)
	UpdateRide(ctx context.Context, change Change) (Ride, RideEvent, error)
	ListOpenRides(ctx context.Context, filter OpenRideFilter) ([]Ride, error)
}

type IdempotencyRepository interface {
	GetResponse(ctx context.Context, key string) ([]byte, bool, error)
	PutResponse(ctx context.Context, key string, payload []byte) error
}

// RideStore is the authoritative store as seen by participants. The server-side service
// implements it directly; remote clients implement it over HTTP.
type RideStore interface {
	CreateRide(ctx context.Context, actor Actor, req CreateRideRequest) (Ride, error)
	GetRide(ctx context.Context, id uuid.UUID) (Ride, error)
	AcceptRide(ctx context.Context, rideID uuid.UUID, actor Actor) (Ride, error)
	StartRide(ctx context.Context, rideID uuid.UUID, actor Actor) (Ride, error)
	CompleteRide(ctx context.Context, rideID uuid.UUID, actor Actor, metrics TripMetrics) (Ride, error)
	CancelRide(ctx context.Context, rideID uuid.UUID, actor Actor, reason string) (Ride, error)
	ListOpenRides(ctx context.Context, filter OpenRideFilter) ([]Ride, error)
}

// ClaimStore arbitrates accept races across service replicas before the repository write.
type ClaimStore interface {
	TryClaim(ctx context.Context, rideID, driverID uuid.UUID, ttl time.Duration) (bool, error)
	Release(ctx context.Context, rideID uuid.UUID) error
}

type EventPublisher interface {
	Publish(ctx context.Context, event RideEvent) error
}

// EventPublisherFunc adapts a function to EventPublisher.
type EventPublisherFunc func(ctx context.Context, event RideEvent) error

func (f EventPublisherFunc) Publish(ctx context.Context, event RideEvent) error { return f(ctx, event) }

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
