package realtime

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/example/ridesync/internal/ride/domain"
)

// member is anything the hub can deliver room events to: a websocket connection or an
// in-process client.
type member interface {
	deliver(room string, ev domain.RideEvent)
}

// RoomPublisher delivers an event to every member of one room.
type RoomPublisher interface {
	PublishRoom(ctx context.Context, room string, ev domain.RideEvent) error
}

// Hub keeps room membership for this node and fans events out to members.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[member]struct{}
	logger *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{rooms: make(map[string]map[member]struct{}), logger: logger}
}

func (h *Hub) join(m member, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[member]struct{})
		h.rooms[room] = members
	}
	members[m] = struct{}{}
}

func (h *Hub) leave(m member, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(m, room)
}

func (h *Hub) leaveLocked(m member, room string) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, m)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

func (h *Hub) leaveAll(m member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range h.rooms {
		h.leaveLocked(m, room)
	}
}

// Members reports how many members are in room.
func (h *Hub) Members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// PublishRoom delivers ev to the local members of room.
func (h *Hub) PublishRoom(_ context.Context, room string, ev domain.RideEvent) error {
	if err := ev.Check(); err != nil {
		return err
	}
	h.mu.RLock()
	members := make([]member, 0, len(h.rooms[room]))
	for m := range h.rooms[room] {
		members = append(members, m)
	}
	h.mu.RUnlock()
	for _, m := range members {
		m.deliver(room, ev)
	}
	eventsDelivered.WithLabelValues(roomKind(room)).Add(float64(len(members)))
	return nil
}

// Publish fans a store event out to RoomsFor(ev). It satisfies domain.EventPublisher.
func (h *Hub) Publish(ctx context.Context, ev domain.RideEvent) error {
	for _, room := range RoomsFor(ev) {
		if err := h.PublishRoom(ctx, room, ev); err != nil {
			return err
		}
	}
	return nil
}

var _ domain.EventPublisher = (*Hub)(nil)
