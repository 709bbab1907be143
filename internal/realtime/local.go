package realtime

import (
	"context"
	"sync"

	"github.com/example/ridesync/internal/ride/domain"
)

// LocalBus is an in-process Client attached directly to a Hub. It applies the same
// authorization as the websocket handler, but synchronously, so a rejected join is an error.
type LocalBus struct {
	hub   *Hub
	out   RoomPublisher
	actor domain.Actor
	authz Authorizer
	rooms *registry

	mu     sync.Mutex
	closed bool
}

// NewLocalBus attaches actor to hub. out receives publishes; nil means the hub itself.
func NewLocalBus(hub *Hub, out RoomPublisher, actor domain.Actor, authz Authorizer) *LocalBus {
	if out == nil {
		out = hub
	}
	return &LocalBus{hub: hub, out: out, actor: actor, authz: authz, rooms: newRegistry()}
}

func (b *LocalBus) deliver(room string, ev domain.RideEvent) {
	b.rooms.dispatch(room, ev)
}

func (b *LocalBus) authorizeJoin(ctx context.Context, room string) error {
	if b.isClosed() {
		return ErrChannelClosed
	}
	if b.authz == nil {
		return nil
	}
	return b.authz.CanJoin(ctx, b.actor, room)
}

func (b *LocalBus) JoinRoom(ctx context.Context, room string) error {
	if err := b.authorizeJoin(ctx, room); err != nil {
		return err
	}
	if b.rooms.join(room) {
		b.hub.join(b, room)
	}
	return nil
}

func (b *LocalBus) LeaveRoom(_ context.Context, room string) error {
	if b.rooms.leave(room) {
		b.hub.leave(b, room)
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, room string) (*Subscription, error) {
	if err := b.authorizeJoin(ctx, room); err != nil {
		return nil, err
	}
	sub := newSubscription(room, b.release)
	if b.rooms.add(sub) {
		b.hub.join(b, room)
	}
	return sub, nil
}

func (b *LocalBus) release(sub *Subscription) {
	if b.rooms.remove(sub) {
		b.hub.leave(b, sub.room)
	}
}

func (b *LocalBus) Publish(ctx context.Context, room string, ev domain.RideEvent) error {
	if b.isClosed() {
		return ErrChannelClosed
	}
	if err := ev.Check(); err != nil {
		return err
	}
	if b.authz != nil {
		if err := b.authz.CanPublish(ctx, b.actor, room, ev); err != nil {
			return err
		}
	}
	return b.out.PublishRoom(ctx, room, ev)
}

// Close detaches the bus from the hub and ends every subscription.
func (b *LocalBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.hub.leaveAll(b)
	b.rooms.closeAll()
}

func (b *LocalBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

var _ Client = (*LocalBus)(nil)
