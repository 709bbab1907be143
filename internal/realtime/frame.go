package realtime

import (
	"errors"
	"fmt"

	"github.com/example/ridesync/internal/ride/domain"
)

// Op names the kind of frame exchanged over the websocket.
type Op string

const (
	OpJoin    Op = "join"
	OpLeave   Op = "leave"
	OpPublish Op = "publish"
	OpEvent   Op = "event"
	OpAck     Op = "ack"
	OpError   Op = "error"
)

// Frame is the JSON envelope for every websocket message in both directions.
type Frame struct {
	Op      Op                `json:"op"`
	Room    string            `json:"room,omitempty"`
	Ref     string            `json:"ref,omitempty"`
	Event   *domain.RideEvent `json:"event,omitempty"`
	Code    string            `json:"code,omitempty"`
	Message string            `json:"message,omitempty"`
}

// ErrJoinRejected is reported on a subscription whose room the server refused to join.
var ErrJoinRejected = errors.New("room join rejected")

func errorFrame(req Frame, err error) Frame {
	return Frame{Op: OpError, Room: req.Room, Ref: req.Ref, Code: domain.ErrorCode(err), Message: err.Error()}
}

// rejection rebuilds the error carried by an error frame.
func rejection(f Frame) error {
	if sentinel := domain.ErrorFromCode(f.Code); sentinel != nil {
		return fmt.Errorf("%w: %w", ErrJoinRejected, sentinel)
	}
	return fmt.Errorf("%w: %s", ErrJoinRejected, f.Message)
}
