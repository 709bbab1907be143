package domain

import (
	"errors"

	"github.com/example/ridesync/internal/geo"
)

var (
	ErrInvalidTransition   = errors.New("invalid ride state transition")
	ErrRideAlreadyAssigned = errors.New("ride already assigned")
	ErrNotEligible         = errors.New("actor not eligible to accept ride")
	ErrNotParticipant      = errors.New("actor does not participate in ride")
	ErrRideNotFound        = errors.New("ride not found")
	ErrInvalidRide         = errors.New("invalid ride request")
	ErrInvariantViolation  = errors.New("ride invariant violated")
	ErrMalformedEvent      = errors.New("malformed ride event")
)

// ErrorClass groups errors by how callers are expected to react.
type ErrorClass string

const (
	// ClassBusiness outcomes are reported to the initiating user and never retried.
	ClassBusiness ErrorClass = "business"
	// ClassTransient errors are recovered locally (fallback, reconnect, retry affordance).
	ClassTransient ErrorClass = "transient"
	// ClassPermission errors are reported immediately.
	ClassPermission ErrorClass = "permission"
	// ClassFatal errors tear the affected session down.
	ClassFatal ErrorClass = "fatal"
)

// Classify maps err onto an ErrorClass. Unknown errors are treated as transient
// infrastructure failures.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRideAlreadyAssigned),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrRideNotFound),
		errors.Is(err, ErrInvalidRide),
		errors.Is(err, geo.ErrInvalidCoordinate):
		return ClassBusiness
	case errors.Is(err, ErrNotEligible), errors.Is(err, ErrNotParticipant):
		return ClassPermission
	case errors.Is(err, ErrMalformedEvent), errors.Is(err, ErrInvariantViolation):
		return ClassFatal
	default:
		return ClassTransient
	}
}

var errorCodes = []struct {
	code string
	err  error
}{
	{"ride_already_assigned", ErrRideAlreadyAssigned},
	{"invalid_transition", ErrInvalidTransition},
	{"not_eligible", ErrNotEligible},
	{"not_participant", ErrNotParticipant},
	{"ride_not_found", ErrRideNotFound},
	{"invalid_ride", ErrInvalidRide},
	{"invalid_coordinate", geo.ErrInvalidCoordinate},
	{"malformed_event", ErrMalformedEvent},
	{"invariant_violation", ErrInvariantViolation},
}

// ErrorCode is the stable wire name of err, "internal" for anything unrecognised.
func ErrorCode(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

// ErrorFromCode maps a wire code back to its sentinel; unknown codes yield nil.
func ErrorFromCode(code string) error {
	for _, c := range errorCodes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}
