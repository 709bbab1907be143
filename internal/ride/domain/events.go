package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/ridesync/internal/geo"
)

type EventType string

const (
	EventNewRide              EventType = "newRide"
	EventRideAssigned         EventType = "rideAssigned"
	EventRideStarted          EventType = "rideStarted"
	EventDriverLocationUpdate EventType = "driverLocationUpdate"
	EventRideStatusUpdate     EventType = "rideStatusUpdate"
	EventRideCancelled        EventType = "rideCancelled"
	EventRideCompleted        EventType = "rideCompleted"
)

func (t EventType) Known() bool {
	switch t {
	case EventNewRide, EventRideAssigned, EventRideStarted, EventDriverLocationUpdate,
		EventRideStatusUpdate, EventRideCancelled, EventRideCompleted:
		return true
	}
	return false
}

// CarriesRide reports whether the payload of t is a full ride snapshot.
func (t EventType) CarriesRide() bool {
	switch t {
	case EventNewRide, EventRideAssigned, EventRideStarted, EventRideCancelled, EventRideCompleted:
		return true
	}
	return false
}

// RideEvent is the unit delivered through the realtime channel and the event bus.
type RideEvent struct {
	ID         uuid.UUID       `json:"id"`
	Type       EventType       `json:"type"`
	RideID     uuid.UUID       `json:"ride_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// LocationPayload accompanies driverLocationUpdate.
type LocationPayload struct {
	Role       HolderRole `json:"holder_role"`
	Lat        float64    `json:"lat"`
	Lng        float64    `json:"lng"`
	CapturedAt time.Time  `json:"captured_at"`
}

// StatusPayload accompanies rideStatusUpdate: the latest trip metrics for the ride.
type StatusPayload struct {
	Status                RideStatus `json:"status"`
	DistanceKm            float64    `json:"distance_km"`
	EstimatedDurationMins int        `json:"estimated_duration_mins"`
	Source                string     `json:"source,omitempty"`
	ComputedAt            time.Time  `json:"computed_at"`
}

// NewEvent marshals payload into a fresh event.
func NewEvent(typ EventType, rideID uuid.UUID, payload any, at time.Time) (RideEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return RideEvent{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return RideEvent{ID: uuid.New(), Type: typ, RideID: rideID, Payload: raw, OccurredAt: at}, nil
}

// RideSnapshotEvent wraps the given ride as the payload of typ.
func RideSnapshotEvent(typ EventType, ride Ride, at time.Time) (RideEvent, error) {
	return NewEvent(typ, ride.ID, ride, at)
}

// LocationEvent builds a driverLocationUpdate for pos.
func LocationEvent(pos LivePosition) (RideEvent, error) {
	return NewEvent(EventDriverLocationUpdate, pos.RideID, LocationPayload{
		Role:       pos.Role,
		Lat:        pos.Point.Lat,
		Lng:        pos.Point.Lng,
		CapturedAt: pos.CapturedAt,
	}, pos.CapturedAt)
}

// Check validates the envelope.
func (e RideEvent) Check() error {
	if e.ID == uuid.Nil || e.RideID == uuid.Nil {
		return fmt.Errorf("%w: missing identifiers", ErrMalformedEvent)
	}
	if !e.Type.Known() {
		return fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, e.Type)
	}
	return nil
}

// Ride decodes a ride snapshot payload and verifies it belongs to the event.
func (e RideEvent) Ride() (Ride, error) {
	if !e.Type.CarriesRide() {
		return Ride{}, fmt.Errorf("%w: %s carries no ride", ErrMalformedEvent, e.Type)
	}
	var ride Ride
	if err := json.Unmarshal(e.Payload, &ride); err != nil {
		return Ride{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ride.ID != e.RideID {
		return Ride{}, fmt.Errorf("%w: payload ride %s does not match %s", ErrMalformedEvent, ride.ID, e.RideID)
	}
	return ride, nil
}

// Location decodes a driverLocationUpdate payload.
func (e RideEvent) Location() (LivePosition, error) {
	if e.Type != EventDriverLocationUpdate {
		return LivePosition{}, fmt.Errorf("%w: %s carries no location", ErrMalformedEvent, e.Type)
	}
	var p LocationPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return LivePosition{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if p.Role == "" {
		p.Role = RoleDriver
	}
	pos := LivePosition{RideID: e.RideID, Role: p.Role, Point: geo.Point{Lat: p.Lat, Lng: p.Lng}, CapturedAt: p.CapturedAt}
	if !pos.Role.Valid() {
		return LivePosition{}, fmt.Errorf("%w: holder role %q", ErrMalformedEvent, p.Role)
	}
	if err := pos.Point.Validate(); err != nil {
		return LivePosition{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return pos, nil
}

// Status decodes a rideStatusUpdate payload.
func (e RideEvent) Status() (StatusPayload, error) {
	if e.Type != EventRideStatusUpdate {
		return StatusPayload{}, fmt.Errorf("%w: %s carries no status", ErrMalformedEvent, e.Type)
	}
	var p StatusPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return StatusPayload{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if !p.Status.Valid() || p.DistanceKm < 0 || p.EstimatedDurationMins < 0 {
		return StatusPayload{}, fmt.Errorf("%w: status payload out of range", ErrMalformedEvent)
	}
	return p, nil
}
