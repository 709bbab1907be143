package realtime

import (
	"context"
	"errors"

	"github.com/example/ridesync/internal/ride/domain"
)

// ErrChannelClosed is returned by a client that has shut down.
var ErrChannelClosed = errors.New("realtime channel closed")

// Client is the participant view of the realtime channel. Channel implements it over a
// websocket; LocalBus implements it in process.
type Client interface {
	// JoinRoom registers interest in room. Joining twice is the same as joining once.
	JoinRoom(ctx context.Context, room string) error
	// LeaveRoom drops an explicit join. Leaving a room that was never joined is a no-op.
	LeaveRoom(ctx context.Context, room string) error
	// Subscribe joins room and returns an exclusive event queue for it.
	Subscribe(ctx context.Context, room string) (*Subscription, error)
	// Publish sends ev to every member of room.
	Publish(ctx context.Context, room string, ev domain.RideEvent) error
}
