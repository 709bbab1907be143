package directory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/example/ridesync/internal/realtime"
	"github.com/example/ridesync/internal/ride/domain"
)

var refreshes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "directory_refresh_total",
	Help: "Open ride polls grouped by outcome.",
}, []string{"result"})

// Lister is the part of the ride store the directory polls.
type Lister interface {
	ListOpenRides(ctx context.Context, filter domain.OpenRideFilter) ([]domain.Ride, error)
}

type Config struct {
	PollInterval time.Duration
	FetchLimit   int
}

var DefaultConfig = Config{PollInterval: 30 * time.Second, FetchLimit: 200}

// Directory caches the open rides one driver can see. The cache changes only through
// Refresh, Apply and Remove; everything else reads snapshots.
type Directory struct {
	store  Lister
	viewer domain.Actor
	events realtime.Client
	cfg    Config
	logger *zap.Logger

	now        func() time.Time

	mu         sync.RWMutex
	rides      map[uuid.UUID]domain.Ride
	suppressed map[uuid.UUID]suppression
	refreshed  time.Time
	changes    chan struct{}
}

// suppression remembers which version of a removed ride was hidden and when.
type suppression struct {
	version int64
	at      time.Time
}

// New builds a directory for viewer. events may be nil, leaving polling as the only source.
func New(store Lister, viewer domain.Actor, events realtime.Client, cfg Config, logger *zap.Logger) *Directory {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = DefaultConfig.FetchLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		store:      store,
		viewer:     viewer,
		events:     events,
		cfg:        cfg,
		logger:     logger.Named("directory"),
		rides:      make(map[uuid.UUID]domain.Ride),
		now:        time.Now,
		suppressed: make(map[uuid.UUID]suppression),
		changes:    make(chan struct{}, 1),
	}
}

// Changes signals, coalesced, that the cache was modified.
func (d *Directory) Changes() <-chan struct{} { return d.changes }

func (d *Directory) notify() {
	select {
	case d.changes <- struct{}{}:
	default:
	}
}

// Refresh replaces the cache with a fresh poll. Rides removed by events stay hidden until a
// poll stops returning them, so a poll that raced an assignment cannot resurrect a ride.
// A hidden ride that a poll still lists as REQUESTED at the same version a full poll
// interval later is shown again: the assignment that hid it never committed.
func (d *Directory) Refresh(ctx context.Context) error {
	rides, err := d.store.ListOpenRides(ctx, domain.OpenRideFilter{Limit: d.cfg.FetchLimit})
	if err != nil {
		refreshes.WithLabelValues("error").Inc()
		return err
	}
	refreshes.WithLabelValues("ok").Inc()

	now := d.now()
	d.mu.Lock()
	next := make(map[uuid.UUID]domain.Ride, len(rides))
	stillSuppressed := make(map[uuid.UUID]suppression)
	for _, r := range rides {
		if sup, hidden := d.suppressed[r.ID]; hidden {
			if !d.reopened(r, sup, now) {
				stillSuppressed[r.ID] = sup
				continue
			}
			refreshes.WithLabelValues("reopened").Inc()
			d.logger.Debug("ride still open after removal", zap.String("ride_id", r.ID.String()))
		}
		if r.Status == domain.StatusRequested {
			next[r.ID] = r
		}
	}
	d.rides = next
	d.suppressed = stillSuppressed
	d.refreshed = now
	d.mu.Unlock()
	d.notify()
	return nil
}

// Apply folds one lobby event into the cache. Events for other rooms' concerns are ignored;
// applying the same event twice leaves the cache as applying it once.
func (d *Directory) Apply(ev domain.RideEvent) error {
	if err := ev.Check(); err != nil {
		return err
	}
	switch ev.Type {
	case domain.EventNewRide:
		ride, err := ev.Ride()
		if err != nil {
			return err
		}
		if ride.Status != domain.StatusRequested {
			d.Remove(ride.ID)
			return nil
		}
		d.mu.Lock()
		_, hidden := d.suppressed[ride.ID]
		current, known := d.rides[ride.ID]
		changed := !hidden && (!known || ride.Version > current.Version)
		if changed {
			d.rides[ride.ID] = ride
		}
		d.mu.Unlock()
		if changed {
			d.notify()
		}
	case domain.EventRideAssigned, domain.EventRideStarted, domain.EventRideCancelled, domain.EventRideCompleted:
		d.Remove(ev.RideID)
	}
	return nil
}

func (d *Directory) reopened(r domain.Ride, sup suppression, now time.Time) bool {
	if r.Status != domain.StatusRequested || now.Sub(sup.at) < d.cfg.PollInterval {
		return false
	}
	return sup.version == 0 || r.Version == sup.version
}

// Remove drops a ride from the view and keeps it hidden from later polls.
func (d *Directory) Remove(rideID uuid.UUID) {
	d.mu.Lock()
	current, known := d.rides[rideID]
	delete(d.rides, rideID)
	if _, hidden := d.suppressed[rideID]; !hidden {
		d.suppressed[rideID] = suppression{version: current.Version, at: d.now()}
	}
	d.mu.Unlock()
	if known {
		d.notify()
	}
}

// Contains reports whether rideID is currently cached.
func (d *Directory) Contains(rideID uuid.UUID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.rides[rideID]
	return ok
}

// List returns a filtered snapshot.
func (d *Directory) List(f Filters) []domain.Ride {
	d.mu.RLock()
	rides := make([]domain.Ride, 0, len(d.rides))
	for _, r := range d.rides {
		rides = append(rides, r)
	}
	d.mu.RUnlock()
	return Project(rides, f, d.viewer)
}

// Run polls every PollInterval and applies lobby events until ctx ends. A failed poll is
// logged and retried on the next tick.
func (d *Directory) Run(ctx context.Context) error {
	var (
		events <-chan domain.RideEvent
		resync <-chan struct{}
	)
	if d.events != nil {
		sub, err := d.events.Subscribe(ctx, realtime.OpenRidesRoom)
		if err != nil {
			d.logger.Warn("open rides room unavailable, polling only", zap.Error(err))
		} else {
			defer sub.Close()
			events = sub.Events()
			resync = sub.Resync()
		}
	}

	if err := d.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Warn("initial refresh failed", zap.Error(err))
	}
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.Refresh(ctx); err != nil && ctx.Err() == nil {
				d.logger.Warn("refresh failed", zap.Error(err))
			}
		case <-resync:
			if err := d.Refresh(ctx); err != nil && ctx.Err() == nil {
				d.logger.Warn("refresh after reconnect failed", zap.Error(err))
			}
		case ev, ok := <-events:
			if !ok {
				events, resync = nil, nil
				d.logger.Warn("open rides subscription ended, polling only")
				continue
			}
			if err := d.Apply(ev); err != nil {
				d.logger.Warn("ignoring lobby event", zap.String("type", string(ev.Type)), zap.Error(err))
			}
		}
	}
}
