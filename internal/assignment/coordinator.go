package assignment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/example/ridesync/internal/realtime"
	"github.com/example/ridesync/internal/ride/domain"
)

var attempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "assignment_attempts_total",
	Help: "Client accept attempts grouped by outcome.",
}, []string{"result"})

// Store is the part of the authoritative ride store the coordinator calls.
type Store interface {
	GetRide(ctx context.Context, id uuid.UUID) (domain.Ride, error)
	AcceptRide(ctx context.Context, rideID uuid.UUID, actor domain.Actor) (domain.Ride, error)
}

// Directory is the local open-ride view reconciled after every attempt.
type Directory interface {
	Remove(rideID uuid.UUID)
}

// Coordinator runs the accept protocol for one driver session. The store decides the race;
// the coordinator only checks eligibility up front and reconciles the local view afterwards.
type Coordinator struct {
	store  Store
	actor  domain.Actor
	dir    Directory
	events realtime.Client
	now    func() time.Time
	logger *zap.Logger
}

// New builds a coordinator. dir and events may be nil.
func New(store Store, actor domain.Actor, dir Directory, events realtime.Client, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store:  store,
		actor:  actor,
		dir:    dir,
		events: events,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.Named("assignment"),
	}
}

// AcceptRide claims rideID for the session's driver. Losing the race returns
// domain.ErrRideAlreadyAssigned, an expected outcome; the ride is dropped from the local
// directory either way.
func (c *Coordinator) AcceptRide(ctx context.Context, rideID uuid.UUID) (domain.Ride, error) {
	log := c.logger.With(zap.String("ride_id", rideID.String()))
	if !c.actor.CanDrive() {
		attempts.WithLabelValues("not_eligible").Inc()
		return domain.Ride{}, domain.ErrNotEligible
	}
	ride, err := c.store.GetRide(ctx, rideID)
	if err != nil {
		if errors.Is(err, domain.ErrRideNotFound) {
			c.remove(rideID)
		}
		attempts.WithLabelValues("error").Inc()
		return domain.Ride{}, err
	}
	if err := c.actor.CheckAcceptEligibility(ride); err != nil {
		attempts.WithLabelValues("not_eligible").Inc()
		return domain.Ride{}, err
	}
	if ride.Status != domain.StatusRequested {
		c.remove(rideID)
		if ride.IsDriver(c.actor.UserID) {
			// An earlier attempt won but its response was lost.
			attempts.WithLabelValues("won").Inc()
			return ride, nil
		}
		attempts.WithLabelValues("lost").Inc()
		return domain.Ride{}, domain.ErrRideAlreadyAssigned
	}

	accepted, err := c.store.AcceptRide(ctx, rideID, c.actor)
	switch {
	case errors.Is(err, domain.ErrRideAlreadyAssigned):
		c.remove(rideID)
		attempts.WithLabelValues("lost").Inc()
		log.Info("ride taken by another driver")
		return domain.Ride{}, domain.ErrRideAlreadyAssigned
	case err != nil:
		attempts.WithLabelValues("error").Inc()
		return domain.Ride{}, err
	}

	c.remove(rideID)
	attempts.WithLabelValues("won").Inc()
	c.announce(ctx, accepted)
	return accepted, nil
}

// announce tells every driver watching the lobby that the ride is gone, independent of
// their poll cycle. Failure only delays removal until the next poll.
func (c *Coordinator) announce(ctx context.Context, ride domain.Ride) {
	if c.events == nil {
		return
	}
	ev, err := domain.RideSnapshotEvent(domain.EventRideAssigned, ride, c.now())
	if err == nil {
		err = c.events.Publish(ctx, realtime.OpenRidesRoom, ev)
	}
	if err != nil {
		c.logger.Warn("announce assignment failed", zap.String("ride_id", ride.ID.String()), zap.Error(err))
	}
}

func (c *Coordinator) remove(rideID uuid.UUID) {
	if c.dir != nil {
		c.dir.Remove(rideID)
	}
}

// Expected reports whether err is a business outcome to show the user rather than a failure.
func Expected(err error) bool {
	return err != nil && domain.Classify(err) == domain.ClassBusiness
}
