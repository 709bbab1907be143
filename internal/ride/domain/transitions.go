package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// The methods below are the only way a ride changes status. Each returns a new value and
// leaves the receiver untouched.

func (r Ride) transition(next RideStatus) error {
	if !r.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, next)
	}
	return nil
}

// Accept assigns driverID to a REQUESTED ride.
func (r Ride) Accept(driverID uuid.UUID) (Ride, error) {
	if r.Status.HasDriver() {
		return Ride{}, ErrRideAlreadyAssigned
	}
	if err := r.transition(StatusAssigned); err != nil {
		return Ride{}, err
	}
	if driverID == r.PassengerID {
		return Ride{}, ErrNotEligible
	}
	id := driverID
	r.DriverID = &id
	r.Status = StatusAssigned
	return r, nil
}

// Start moves an ASSIGNED ride on route. Only the assigned driver may start it.
func (r Ride) Start(actor uuid.UUID, at time.Time) (Ride, error) {
	if err := r.transition(StatusOnRoute); err != nil {
		return Ride{}, err
	}
	if !r.IsDriver(actor) {
		return Ride{}, ErrNotParticipant
	}
	started := at
	r.StartedAt = &started
	r.Status = StatusOnRoute
	return r, nil
}

// Cancel is available to either participant while ASSIGNED or ON_ROUTE. The driver is
// released and the canceller recorded.
func (r Ride) Cancel(actor uuid.UUID, reason string, at time.Time) (Ride, error) {
	if err := r.transition(StatusCancelled); err != nil {
		return Ride{}, err
	}
	if !r.IsParticipant(actor) {
		return Ride{}, ErrNotParticipant
	}
	by := actor
	cancelled := at
	r.CancelledBy = &by
	r.CancelReason = strings.TrimSpace(reason)
	r.CancelledAt = &cancelled
	r.ReleasedDriverID = r.DriverID
	r.DriverID = nil
	r.Status = StatusCancelled
	return r, nil
}

// Complete closes an ON_ROUTE ride and prices it from the reported metrics.
func (r Ride) Complete(actor uuid.UUID, metrics TripMetrics, at time.Time) (Ride, error) {
	if err := r.transition(StatusCompleted); err != nil {
		return Ride{}, err
	}
	if !r.IsDriver(actor) {
		return Ride{}, ErrNotParticipant
	}
	if metrics.DistanceKm < 0 || metrics.ActualDurationMins < 0 {
		return Ride{}, fmt.Errorf("%w: negative trip metrics", ErrInvalidRide)
	}
	completed := at
	r.DistanceKm = metrics.DistanceKm
	r.ActualDurationMins = metrics.ActualDurationMins
	r.FareCents = DefaultPricing.Fare(metrics.DistanceKm, metrics.ActualDurationMins)
	r.CompletedAt = &completed
	r.Status = StatusCompleted
	return r, nil
}

// Supersedes reports whether incoming is a later state of the same ride than current.
// Equal rank with a higher version counts as newer so metric updates flow through.
func Supersedes(incoming, current Ride) bool {
	if incoming.ID != current.ID {
		return false
	}
	ri, rc := incoming.Status.Rank(), current.Status.Rank()
	if ri != rc {
		return ri > rc
	}
	if current.Status.IsTerminal() {
		return false
	}
	return incoming.Version > current.Version
}
