package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/ridesync/internal/geo"
)

type RideStatus string

const (
	StatusRequested RideStatus = "REQUESTED"
	StatusAssigned  RideStatus = "ASSIGNED"
	StatusOnRoute   RideStatus = "ON_ROUTE"
	StatusCompleted RideStatus = "COMPLETED"
	StatusCancelled RideStatus = "CANCELLED"
)

// MaxSeats is the platform-wide cap on seats per request.
const MaxSeats = 6

var allowedTransitions = map[RideStatus][]RideStatus{
	StatusRequested: {StatusAssigned},
	StatusAssigned:  {StatusOnRoute, StatusCancelled},
	StatusOnRoute:   {StatusCancelled, StatusCompleted},
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s RideStatus) CanTransitionTo(next RideStatus) bool {
	for _, candidate := range allowedTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition can leave s.
func (s RideStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Rank orders statuses along the lifecycle; terminal states share the top rank.
func (s RideStatus) Rank() int {
	switch s {
	case StatusRequested:
		return 0
	case StatusAssigned:
		return 1
	case StatusOnRoute:
		return 2
	case StatusCompleted, StatusCancelled:
		return 3
	default:
		return -1
	}
}

// HasDriver reports whether a ride in status s must carry a driver.
func (s RideStatus) HasDriver() bool {
	return s == StatusAssigned || s == StatusOnRoute || s == StatusCompleted
}

func (s RideStatus) Valid() bool {
	return s.Rank() >= 0
}

type Place struct {
	geo.Point
	Address string `json:"address"`
}

type Ride struct {
	ID                    uuid.UUID  `json:"id"`
	PassengerID           uuid.UUID  `json:"passenger_id"`
	DriverID              *uuid.UUID `json:"driver_id,omitempty"`
	Origin                Place      `json:"origin"`
	Destination           Place      `json:"destination"`
	SeatsRequested        int        `json:"seats_requested"`
	Institution           string     `json:"institution,omitempty"`
	Status                RideStatus `json:"status"`
	DistanceKm            float64    `json:"distance_km"`
	EstimatedDurationMins int        `json:"estimated_duration_mins"`
	FareCents             int64      `json:"fare_cents,omitempty"`
	ActualDurationMins    int        `json:"actual_duration_mins,omitempty"`
	CancelReason          string     `json:"cancel_reason,omitempty"`
	CancelledBy           *uuid.UUID `json:"cancelled_by,omitempty"`
	ReleasedDriverID      *uuid.UUID `json:"released_driver_id,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	StartedAt             *time.Time `json:"started_at,omitempty"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
	CancelledAt           *time.Time `json:"cancelled_at,omitempty"`
	Version               int64      `json:"version"`
}

// Validate checks the structural invariants every stored or received ride must satisfy.
func (r Ride) Validate() error {
	if r.ID == uuid.Nil || r.PassengerID == uuid.Nil {
		return fmt.Errorf("%w: missing identifiers", ErrInvariantViolation)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvariantViolation, r.Status)
	}
	if r.Status.HasDriver() != (r.DriverID != nil) {
		return fmt.Errorf("%w: status %s with driver set=%t", ErrInvariantViolation, r.Status, r.DriverID != nil)
	}
	if r.Status != StatusCompleted && (r.FareCents != 0 || r.ActualDurationMins != 0) {
		return fmt.Errorf("%w: completion metrics on %s ride", ErrInvariantViolation, r.Status)
	}
	return nil
}

// IsParticipant reports whether user is the passenger or the assigned driver.
func (r Ride) IsParticipant(user uuid.UUID) bool {
	return r.PassengerID == user || r.IsDriver(user)
}

func (r Ride) IsDriver(user uuid.UUID) bool {
	return r.DriverID != nil && *r.DriverID == user
}

// Involves extends IsParticipant to the driver a cancellation released and to whoever
// cancelled, so both can still read how the ride ended.
func (r Ride) Involves(user uuid.UUID) bool {
	return r.IsParticipant(user) ||
		(r.CancelledBy != nil && *r.CancelledBy == user) ||
		(r.ReleasedDriverID != nil && *r.ReleasedDriverID == user)
}

// CreateRideRequest is what a passenger submits to open a ride.
type CreateRideRequest struct {
	Origin         Place  `json:"origin"`
	Destination    Place  `json:"destination"`
	SeatsRequested int    `json:"seats_requested"`
	Institution    string `json:"institution,omitempty"`
}

// Validate rejects requests that could never become a valid ride.
func (req CreateRideRequest) Validate() error {
	if err := req.Origin.Validate(); err != nil {
		return fmt.Errorf("%w: origin: %v", ErrInvalidRide, err)
	}
	if err := req.Destination.Validate(); err != nil {
		return fmt.Errorf("%w: destination: %v", ErrInvalidRide, err)
	}
	if req.SeatsRequested < 1 || req.SeatsRequested > MaxSeats {
		return fmt.Errorf("%w: seats must be between 1 and %d", ErrInvalidRide, MaxSeats)
	}
	if strings.TrimSpace(req.Origin.Address) == "" || strings.TrimSpace(req.Destination.Address) == "" {
		return fmt.Errorf("%w: addresses are required", ErrInvalidRide)
	}
	return nil
}

// TripMetrics is reported by the driver side when completing a ride.
type TripMetrics struct {
	DistanceKm         float64 `json:"distance_km"`
	ActualDurationMins int     `json:"actual_duration_mins"`
}

// OpenRideFilter narrows the server-side open ride listing.
type OpenRideFilter struct {
	MinSeats    int
	Institution string
	Limit       int
}

type HolderRole string

const (
	RoleDriver    HolderRole = "driver"
	RolePassenger HolderRole = "passenger"
)

func (r HolderRole) Valid() bool {
	return r == RoleDriver || r == RolePassenger
}

// LivePosition is the latest known location of one participant of one ride.
type LivePosition struct {
	RideID     uuid.UUID  `json:"ride_id"`
	Role       HolderRole `json:"holder_role"`
	Point      geo.Point  `json:"point"`
	CapturedAt time.Time  `json:"captured_at"`
}

// Newer reports whether p should replace current.
func (p LivePosition) Newer(current *LivePosition) bool {
	return current == nil || p.CapturedAt.After(current.CapturedAt)
}
