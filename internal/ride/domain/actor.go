package domain

import "github.com/google/uuid"

type DriverCapability string

const (
	CapabilityNone           DriverCapability = ""
	CapabilitySelfRegistered DriverCapability = "self_registered"
	CapabilityApproved       DriverCapability = "approved"
)

// Actor is the authenticated session context handed to every component that acts on
// behalf of a user. It is passed explicitly, never read from globals.
type Actor struct {
	UserID      uuid.UUID
	Capability  DriverCapability
	Institution string
	Token       string
}

// CanDrive reports whether the actor holds driver capability.
func (a Actor) CanDrive() bool {
	return a.Capability == CapabilityApproved || a.Capability == CapabilitySelfRegistered
}

// CheckAcceptEligibility is the precondition for accepting ride.
func (a Actor) CheckAcceptEligibility(ride Ride) error {
	if !a.CanDrive() || a.UserID == uuid.Nil {
		return ErrNotEligible
	}
	if ride.PassengerID == a.UserID {
		return ErrNotEligible
	}
	return nil
}
