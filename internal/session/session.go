package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/ridesync/internal/geo"
	"github.com/example/ridesync/internal/location"
	"github.com/example/ridesync/internal/realtime"
	"github.com/example/ridesync/internal/ride/domain"
	"github.com/example/ridesync/internal/routing"
)

// ErrSessionClosed is returned by commands issued after the session ended.
var ErrSessionClosed = errors.New("ride session closed")

// Store is the part of the authoritative ride store a session drives.
type Store interface {
	GetRide(ctx context.Context, id uuid.UUID) (domain.Ride, error)
	StartRide(ctx context.Context, rideID uuid.UUID, actor domain.Actor) (domain.Ride, error)
	CompleteRide(ctx context.Context, rideID uuid.UUID, actor domain.Actor, metrics domain.TripMetrics) (domain.Ride, error)
	CancelRide(ctx context.Context, rideID uuid.UUID, actor domain.Actor, reason string) (domain.Ride, error)
}

// Router computes route estimates for the refresh loop.
type Router interface {
	GetRoute(ctx context.Context, origin, destination geo.Point) (routing.RouteEstimate, error)
}

// Anchor names the point the refresh loop routes the driver towards.
type Anchor string

const (
	AnchorNone        Anchor = ""
	AnchorPickup      Anchor = "pickup"
	AnchorDestination Anchor = "destination"
)

type Config struct {
	// MinDisplacementKm is how far the driver must move before the route is recomputed.
	MinDisplacementKm float64
	// PickupRadiusKm switches the anchor from pickup to destination once the driver is this close.
	PickupRadiusKm float64
	Publisher      location.PublisherConfig
}

var DefaultConfig = Config{
	MinDisplacementKm: 0.05,
	PickupRadiusKm:    0.15,
	Publisher:         location.DefaultPublisherConfig,
}

// Deps are the collaborators of one session. Source is only used on the driver side and
// may be nil, in which case the session never publishes positions.
type Deps struct {
	Store  Store
	Events realtime.Client
	Routes Router
	Source location.Source
	Clock  domain.Clock
	Logger *zap.Logger
}

// View is a read-only snapshot of the session handed to renderers.
type View struct {
	Ride                domain.Ride
	Role                domain.HolderRole
	Driver              *domain.LivePosition
	Passenger           *domain.LivePosition
	Route               *routing.RouteEstimate
	Anchor              Anchor
	TravelledKm         float64
	LocationUnavailable bool
	Closed              bool
}

// Session is one participant's live view of one ride. All state is owned by a single
// goroutine; commands and readers talk to it through channels and snapshots.
type Session struct {
	actor  domain.Actor
	rideID uuid.UUID
	role   domain.HolderRole
	cfg    Config
	deps   Deps
	logger *zap.Logger

	sub     *realtime.Subscription
	results chan domain.Ride
	closeCh chan struct{}
	done    chan struct{}
	updates chan View
	once    sync.Once

	mu   sync.RWMutex
	view View
	err  error
}

// Open fetches the ride, verifies actor participates in it and joins its room.
func Open(ctx context.Context, actor domain.Actor, rideID uuid.UUID, deps Deps, cfg Config) (*Session, error) {
	if deps.Store == nil || deps.Events == nil {
		return nil, errors.New("session: store and events are required")
	}
	if deps.Clock == nil {
		deps.Clock = domain.SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.MinDisplacementKm <= 0 {
		cfg.MinDisplacementKm = DefaultConfig.MinDisplacementKm
	}
	if cfg.PickupRadiusKm <= 0 {
		cfg.PickupRadiusKm = DefaultConfig.PickupRadiusKm
	}

	ride, err := deps.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	if err := ride.Validate(); err != nil {
		return nil, err
	}
	var role domain.HolderRole
	switch {
	case ride.IsDriver(actor.UserID):
		role = domain.RoleDriver
	case ride.PassengerID == actor.UserID:
		role = domain.RolePassenger
	default:
		return nil, domain.ErrNotParticipant
	}
	if ride.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: ride is %s", domain.ErrInvalidTransition, ride.Status)
	}

	sub, err := deps.Events.Subscribe(ctx, realtime.RideRoom(rideID))
	if err != nil {
		return nil, fmt.Errorf("join ride room: %w", err)
	}
	s := &Session{
		actor:   actor,
		rideID:  rideID,
		role:    role,
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger.Named("session").With(zap.String("ride_id", rideID.String()), zap.String("role", string(role))),
		sub:     sub,
		results: make(chan domain.Ride),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
		updates: make(chan View, 1),
		view:    View{Ride: ride, Role: role},
	}
	activeSessions.Inc()
	l := newLoop(s, ride)
	go l.run(ctx)
	return s, nil
}

func (s *Session) RideID() uuid.UUID { return s.rideID }

func (s *Session) Role() domain.HolderRole { return s.role }

// Snapshot returns the current view.
func (s *Session) Snapshot() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view
}

// Updates delivers views as they change, latest wins. It is closed after teardown.
func (s *Session) Updates() <-chan View { return s.updates }

// Done is closed once every resource of the session is released.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports the fatal error that ended the session, nil otherwise.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Close tears the session down and waits until the refresh loop, position source and room
// subscription are released.
func (s *Session) Close() {
	s.once.Do(func() { close(s.closeCh) })
	<-s.done
}

// Start moves the ride on route. Only the assigned driver may start it.
func (s *Session) Start(ctx context.Context) error {
	return s.command(ctx, func(r domain.Ride, now time.Time) error {
		_, err := r.Start(s.actor.UserID, now)
		return err
	}, func(ctx context.Context) (domain.Ride, error) {
		return s.deps.Store.StartRide(ctx, s.rideID, s.actor)
	})
}

// Cancel cancels the ride on behalf of either participant.
func (s *Session) Cancel(ctx context.Context, reason string) error {
	return s.command(ctx, func(r domain.Ride, now time.Time) error {
		_, err := r.Cancel(s.actor.UserID, reason, now)
		return err
	}, func(ctx context.Context) (domain.Ride, error) {
		return s.deps.Store.CancelRide(ctx, s.rideID, s.actor, reason)
	})
}

// Complete closes the ride with the distance driven and the time since it started.
func (s *Session) Complete(ctx context.Context) error {
	view := s.Snapshot()
	metrics := s.tripMetrics(view)
	return s.command(ctx, func(r domain.Ride, now time.Time) error {
		_, err := r.Complete(s.actor.UserID, metrics, now)
		return err
	}, func(ctx context.Context) (domain.Ride, error) {
		return s.deps.Store.CompleteRide(ctx, s.rideID, s.actor, metrics)
	})
}

// tripMetrics prefers the odometer built from driver fixes and falls back to the last
// route estimate when too few fixes arrived.
func (s *Session) tripMetrics(v View) domain.TripMetrics {
	distance := v.TravelledKm
	if distance <= 0 {
		distance = v.Ride.DistanceKm
	}
	mins := 0
	if v.Ride.StartedAt != nil {
		elapsed := s.deps.Clock.Now().Sub(*v.Ride.StartedAt)
		if elapsed > 0 {
			mins = int(math.Ceil(elapsed.Minutes()))
		}
	}
	return domain.TripMetrics{DistanceKm: math.Round(distance*1000) / 1000, ActualDurationMins: mins}
}

// command validates against the current projection, calls the store and hands the result
// to the event loop. The store call runs on the caller's goroutine so the loop never blocks.
func (s *Session) command(ctx context.Context, check func(domain.Ride, time.Time) error, call func(context.Context) (domain.Ride, error)) error {
	view := s.Snapshot()
	if view.Closed {
		return ErrSessionClosed
	}
	if err := check(view.Ride, s.deps.Clock.Now()); err != nil {
		return err
	}
	ride, err := call(ctx)
	if err != nil {
		return err
	}
	select {
	case s.results <- ride:
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (s *Session) publishView(v View) {
	s.mu.Lock()
	s.view = v
	s.mu.Unlock()
	select {
	case s.updates <- v:
	default:
		select {
		case <-s.updates:
		default:
		}
		select {
		case s.updates <- v:
		default:
		}
	}
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
