package location

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// StreamObserver keeps the latest position reported by each device and notifies watchers.
// Older samples never replace newer ones.
type StreamObserver struct {
	mu       sync.RWMutex
	latest   map[uuid.UUID]Sample
	watchers map[uuid.UUID]map[chan Sample]struct{}
}

func NewStreamObserver() *StreamObserver {
	return &StreamObserver{
		latest:   make(map[uuid.UUID]Sample),
		watchers: make(map[uuid.UUID]map[chan Sample]struct{}),
	}
}

// Update stores s for userID and reports whether it was newer than the stored sample.
func (o *StreamObserver) Update(_ context.Context, userID uuid.UUID, s Sample) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if current, ok := o.latest[userID]; ok && !s.CapturedAt.After(current.CapturedAt) {
		return false
	}
	o.latest[userID] = s
	for ch := range o.watchers[userID] {
		offerLatest(ch, s)
	}
	return true
}

// Latest returns the stored sample for userID.
func (o *StreamObserver) Latest(_ context.Context, userID uuid.UUID) (Sample, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.latest[userID]
	return s, ok
}

func (o *StreamObserver) watch(userID uuid.UUID) (chan Sample, func()) {
	ch := make(chan Sample, 1)
	o.mu.Lock()
	subs, ok := o.watchers[userID]
	if !ok {
		subs = make(map[chan Sample]struct{})
		o.watchers[userID] = subs
	}
	subs[ch] = struct{}{}
	if s, ok := o.latest[userID]; ok {
		ch <- s
	}
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			delete(o.watchers[userID], ch)
			if len(o.watchers[userID]) == 0 {
				delete(o.watchers, userID)
			}
		})
	}
}

// ObserverSource is the Source for a device whose GPS readings are streamed over gRPC.
type ObserverSource struct {
	watchers
	observer *StreamObserver
	userID   uuid.UUID
}

func NewObserverSource(observer *StreamObserver, userID uuid.UUID) *ObserverSource {
	return &ObserverSource{observer: observer, userID: userID}
}

func (s *ObserverSource) Watch(context.Context) (<-chan Sample, func(), error) {
	ch, release := s.observer.watch(s.userID)
	s.n.Add(1)
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			release()
			s.n.Add(-1)
		})
	}, nil
}
