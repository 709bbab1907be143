package repository

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/example/ridesync/internal/ride/domain"
)

// EventLogLimit is how many recent events a MemoryRepository keeps for inspection.
const EventLogLimit = 1024

// MemoryRepository provides an in-memory implementation suitable for tests and local demos.
type MemoryRepository struct {
	mu     sync.RWMutex
	rides  map[uuid.UUID]domain.Ride
	events []domain.RideEvent
}

// NewMemoryRepository constructs an empty memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rides: make(map[uuid.UUID]domain.Ride)}
}

// CreateRide stores the ride and records a newRide event.
func (m *MemoryRepository) CreateRide(_ context.Context, ride domain.Ride) (domain.Ride, domain.RideEvent, error) {
	if err := ride.Validate(); err != nil {
		return domain.Ride{}, domain.RideEvent{}, err
	}
	event, err := domain.RideSnapshotEvent(domain.EventNewRide, ride, ride.CreatedAt)
	if err != nil {
		return domain.Ride{}, domain.RideEvent{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[ride.ID] = ride
	m.record(event)
	return ride, event, nil
}

// GetRide retrieves a ride.
func (m *MemoryRepository) GetRide(_ context.Context, id uuid.UUID) (domain.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ride, ok := m.rides[id]
	if !ok {
		return domain.Ride{}, domain.ErrRideNotFound
	}
	return ride, nil
}

// UpdateRide applies the change under the write lock, bumping the version.
func (m *MemoryRepository) UpdateRide(_ context.Context, change domain.Change) (domain.Ride, domain.RideEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.rides[change.RideID]
	if !ok {
		return domain.Ride{}, domain.RideEvent{}, domain.ErrRideNotFound
	}
	updated, err := change.Apply(existing)
	if err != nil {
		return domain.Ride{}, domain.RideEvent{}, err
	}
	updated.Version = existing.Version + 1
	if err := updated.Validate(); err != nil {
		return domain.Ride{}, domain.RideEvent{}, err
	}
	event, err := domain.RideSnapshotEvent(change.Event, updated, change.At)
	if err != nil {
		return domain.Ride{}, domain.RideEvent{}, err
	}
	m.rides[updated.ID] = updated
	m.record(event)
	return updated, event, nil
}

// record appends to the event log, dropping the oldest entries past EventLogLimit.
func (m *MemoryRepository) record(event domain.RideEvent) {
	if len(m.events) >= EventLogLimit {
		n := copy(m.events, m.events[len(m.events)-EventLogLimit+1:])
		m.events = m.events[:n]
	}
	m.events = append(m.events, event)
}

// ListOpenRides returns REQUESTED rides, newest first.
func (m *MemoryRepository) ListOpenRides(_ context.Context, filter domain.OpenRideFilter) ([]domain.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Ride
	for _, ride := range m.rides {
		if ride.Status != domain.StatusRequested || ride.SeatsRequested < filter.MinSeats {
			continue
		}
		if filter.Institution != "" && !strings.EqualFold(ride.Institution, filter.Institution) {
			continue
		}
		out = append(out, ride)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Events returns the most recent events, oldest first.
func (m *MemoryRepository) Events() []domain.RideEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.RideEvent(nil), m.events...)
}
