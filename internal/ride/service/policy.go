package service

import (
	"context"
	"fmt"

	"github.com/example/ridesync/internal/realtime"
	"github.com/example/ridesync/internal/ride/domain"
)

// Policy authorizes realtime room membership and client-originated events against the
// authoritative ride state.
type Policy struct {
	rides domain.RideStore
}

func NewPolicy(rides domain.RideStore) *Policy {
	return &Policy{rides: rides}
}

// CanJoin admits drivers to the open-rides lobby and participants to their ride's room.
func (p *Policy) CanJoin(ctx context.Context, actor domain.Actor, room string) error {
	if room == realtime.OpenRidesRoom {
		if !actor.CanDrive() {
			return domain.ErrNotEligible
		}
		return nil
	}
	rideID, ok := realtime.ParseRideRoom(room)
	if !ok {
		return fmt.Errorf("%w: unknown room %q", domain.ErrNotParticipant, room)
	}
	ride, err := p.rides.GetRide(ctx, rideID)
	if err != nil {
		return err
	}
	if ride.Involves(actor.UserID) {
		return nil
	}
	return domain.ErrNotParticipant
}

// CanPublish lets participants relay telemetry into their ride room and lets the assigned
// driver announce its win in the lobby. Lifecycle events are only ever emitted by the store.
func (p *Policy) CanPublish(ctx context.Context, actor domain.Actor, room string, event domain.RideEvent) error {
	if err := event.Check(); err != nil {
		return err
	}
	if room == realtime.OpenRidesRoom {
		if event.Type != domain.EventRideAssigned {
			return domain.ErrNotParticipant
		}
		ride, err := p.rides.GetRide(ctx, event.RideID)
		if err != nil {
			return err
		}
		if !ride.IsDriver(actor.UserID) {
			return domain.ErrNotParticipant
		}
		return nil
	}
	rideID, ok := realtime.ParseRideRoom(room)
	if !ok || rideID != event.RideID {
		return fmt.Errorf("%w: event for %s published to %q", domain.ErrMalformedEvent, event.RideID, room)
	}
	ride, err := p.rides.GetRide(ctx, rideID)
	if err != nil {
		return err
	}
	switch event.Type {
	case domain.EventDriverLocationUpdate:
		pos, err := event.Location()
		if err != nil {
			return err
		}
		if pos.Role == domain.RoleDriver && ride.IsDriver(actor.UserID) {
			return nil
		}
		if pos.Role == domain.RolePassenger && ride.PassengerID == actor.UserID {
			return nil
		}
		return domain.ErrNotParticipant
	case domain.EventRideStatusUpdate:
		if _, err := event.Status(); err != nil {
			return err
		}
		if ride.IsDriver(actor.UserID) {
			return nil
		}
		return domain.ErrNotParticipant
	default:
		return domain.ErrNotParticipant
	}
}
