package realtime

import (
	"sort"
	"sync"

	"github.com/example/ridesync/internal/ride/domain"
)

const maxQueuedEvents = 1024

// Subscription is one consumer's interest in one room. Events are queued without blocking
// the transport and handed out in arrival order on Events. The channel is closed once the
// subscription is closed or the room is rejected; Err then tells the two apart.
// Resync fires after the transport (re)joined the room: events sent in between were not
// delivered and the consumer should re-read whatever state it derives from them.
type Subscription struct {
	room    string
	out     chan domain.RideEvent
	signal  chan struct{}
	resync  chan struct{}
	done    chan struct{}
	release func(*Subscription)

	mu     sync.Mutex
	queue  []domain.RideEvent
	err    error
	once   sync.Once
	closed bool
}

func newSubscription(room string, release func(*Subscription)) *Subscription {
	s := &Subscription{
		room:    room,
		out:     make(chan domain.RideEvent),
		signal:  make(chan struct{}, 1),
		resync:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		release: release,
	}
	go s.pump()
	return s
}

func (s *Subscription) Room() string { return s.room }

func (s *Subscription) Events() <-chan domain.RideEvent { return s.out }

// Resync receives one value per (re)join; pending signals coalesce.
func (s *Subscription) Resync() <-chan struct{} { return s.resync }

func (s *Subscription) markResync() {
	select {
	case s.resync <- struct{}{}:
	default:
	}
}

// Err reports why the subscription ended; nil while active or after a plain Close.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close releases the subscription. It is idempotent and safe to call from any goroutine.
func (s *Subscription) Close() {
	s.finish(nil)
}

func (s *Subscription) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.err = err
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
		if s.release != nil {
			s.release(s)
		}
	})
}

func (s *Subscription) deliver(ev domain.RideEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= maxQueuedEvents {
		s.queue = s.queue[1:]
		eventsDropped.WithLabelValues("subscriber_overflow").Inc()
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}

// registry tracks which rooms a client is interested in: explicitly joined ones and those
// with at least one open subscription.
type registry struct {
	mu    sync.Mutex
	rooms map[string]*interest
}

type interest struct {
	explicit bool
	subs     map[*Subscription]struct{}
}

func newRegistry() *registry {
	return &registry{rooms: make(map[string]*interest)}
}

func (r *registry) entry(room string) (*interest, bool) {
	in, ok := r.rooms[room]
	if !ok {
		in = &interest{subs: make(map[*Subscription]struct{})}
		r.rooms[room] = in
	}
	return in, !ok
}

// join records an explicit join and reports whether the room is new to the client.
func (r *registry) join(room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, created := r.entry(room)
	in.explicit = true
	return created
}

// leave drops the explicit join and reports whether the room no longer has any interest.
func (r *registry) leave(room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.rooms[room]
	if !ok {
		return false
	}
	in.explicit = false
	if len(in.subs) > 0 {
		return false
	}
	delete(r.rooms, room)
	return true
}

func (r *registry) add(sub *Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, created := r.entry(sub.room)
	in.subs[sub] = struct{}{}
	return created
}

func (r *registry) remove(sub *Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.rooms[sub.room]
	if !ok {
		return false
	}
	if _, ok := in.subs[sub]; !ok {
		return false
	}
	delete(in.subs, sub)
	if len(in.subs) > 0 || in.explicit {
		return false
	}
	delete(r.rooms, sub.room)
	return true
}

func (r *registry) has(room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[room]
	return ok
}

func (r *registry) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.rooms))
	for room := range r.rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

func (r *registry) subscribers(room string) []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.rooms[room]
	if !ok {
		return nil
	}
	out := make([]*Subscription, 0, len(in.subs))
	for sub := range in.subs {
		out = append(out, sub)
	}
	return out
}

func (r *registry) resyncAll() {
	r.mu.Lock()
	var subs []*Subscription
	for _, in := range r.rooms {
		for sub := range in.subs {
			subs = append(subs, sub)
		}
	}
	r.mu.Unlock()
	for _, sub := range subs {
		sub.markResync()
	}
}

func (r *registry) dispatch(room string, ev domain.RideEvent) {
	for _, sub := range r.subscribers(room) {
		sub.deliver(ev)
	}
}

// reject ends every subscription on room with err and forgets the room.
func (r *registry) reject(room string, err error) {
	r.mu.Lock()
	in, ok := r.rooms[room]
	delete(r.rooms, room)
	r.mu.Unlock()
	if !ok {
		return
	}
	for sub := range in.subs {
		sub.finish(err)
	}
}

func (r *registry) closeAll() {
	r.mu.Lock()
	rooms := r.rooms
	r.rooms = make(map[string]*interest)
	r.mu.Unlock()
	for _, in := range rooms {
		for sub := range in.subs {
			sub.finish(nil)
		}
	}
}
