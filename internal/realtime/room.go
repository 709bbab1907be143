package realtime

import (
	"strings"

	"github.com/google/uuid"

	"github.com/example/ridesync/internal/ride/domain"
)

// OpenRidesRoom is the lobby every eligible driver's directory listens on.
const OpenRidesRoom = "rides:open"

const rideRoomPrefix = "ride:"

// RideRoom is the room carrying events for one ride.
func RideRoom(id uuid.UUID) string {
	return rideRoomPrefix + id.String()
}

// ParseRideRoom extracts the ride identifier from a RideRoom name.
func ParseRideRoom(room string) (uuid.UUID, bool) {
	if !strings.HasPrefix(room, rideRoomPrefix) {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(strings.TrimPrefix(room, rideRoomPrefix))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// RoomsFor lists the rooms a store-originated event fans out to. newRide only interests the
// lobby; rideAssigned also reaches the ride's participants.
func RoomsFor(event domain.RideEvent) []string {
	switch event.Type {
	case domain.EventNewRide:
		return []string{OpenRidesRoom}
	case domain.EventRideAssigned:
		return []string{OpenRidesRoom, RideRoom(event.RideID)}
	default:
		return []string{RideRoom(event.RideID)}
	}
}
