package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/ridesync/internal/geo"
	"github.com/example/ridesync/internal/ride/domain"
	"github.com/example/ridesync/internal/routing"
)

// RouteEstimator prices the initial trip metrics of a new ride.
type RouteEstimator interface {
	GetRoute(ctx context.Context, origin, destination geo.Point) (routing.RouteEstimate, error)
}

// Config tunes the service.
type Config struct {
	ClaimTTL time.Duration
}

// Service is the authoritative ride store: it serializes every write to a ride and
// announces each change as a RideEvent.
type Service struct {
	repo       domain.Repository
	events     domain.EventPublisher
	claims     domain.ClaimStore
	clock      domain.Clock
	idempotent domain.IdempotencyRepository
	routes     RouteEstimator
	logger     *zap.Logger
	tracer     trace.Tracer
	cfg        Config
}

// New constructs a Service with the required collaborators. events, claims, idem and
// routes may be nil.
func New(repo domain.Repository, events domain.EventPublisher, claims domain.ClaimStore, clock domain.Clock, idem domain.IdempotencyRepository, routes RouteEstimator, logger *zap.Logger, cfg Config) *Service {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 10 * time.Second
	}
	return &Service{
		repo:       repo,
		events:     events,
		claims:     claims,
		clock:      clock,
		idempotent: idem,
		routes:     routes,
		logger:     logger,
		tracer:     otel.Tracer("ride.service"),
		cfg:        cfg,
	}
}

var _ domain.RideStore = (*Service)(nil)

// CreateRide opens a REQUESTED ride for actor.
func (s *Service) CreateRide(ctx context.Context, actor domain.Actor, req domain.CreateRideRequest) (domain.Ride, error) {
	return s.CreateRideIdempotent(ctx, "", actor, req)
}

// CreateRideIdempotent is CreateRide guarded by a client supplied idempotency key; a
// repeated key returns the ride created by the first call.
func (s *Service) CreateRideIdempotent(ctx context.Context, key string, actor domain.Actor, req domain.CreateRideRequest) (domain.Ride, error) {
	ctx, span := s.tracer.Start(ctx, "rides.create")
	defer span.End()

	if actor.UserID == uuid.Nil {
		return domain.Ride{}, domain.ErrNotParticipant
	}
	if err := req.Validate(); err != nil {
		return domain.Ride{}, err
	}
	scopedKey := ""
	if key != "" && s.idempotent != nil {
		scopedKey = actor.UserID.String() + ":" + key
		if cached, ok, err := s.idempotent.GetResponse(ctx, scopedKey); err == nil && ok {
			var ride domain.Ride
			if err := json.Unmarshal(cached, &ride); err == nil {
				return ride, nil
			}
		}
	}

	institution := req.Institution
	if institution == "" {
		institution = actor.Institution
	}
	ride := domain.Ride{
		ID:             uuid.New(),
		PassengerID:    actor.UserID,
		Origin:         req.Origin,
		Destination:    req.Destination,
		SeatsRequested: req.SeatsRequested,
		Institution:    institution,
		Status:         domain.StatusRequested,
		CreatedAt:      s.clock.Now(),
		Version:        1,
	}
	ride.DistanceKm, ride.EstimatedDurationMins = s.estimate(ctx, req.Origin.Point, req.Destination.Point)

	created, event, err := s.repo.CreateRide(ctx, ride)
	if err != nil {
		return domain.Ride{}, fmt.Errorf("create ride: %w", err)
	}
	s.publish(ctx, event)

	if scopedKey != "" {
		if payload, err := json.Marshal(created); err == nil {
			_ = s.idempotent.PutResponse(ctx, scopedKey, payload)
		}
	}
	s.logger.Info("ride requested", zap.String("ride_id", created.ID.String()), zap.String("passenger_id", created.PassengerID.String()))
	return created, nil
}

// GetRide retrieves a ride by identifier.
func (s *Service) GetRide(ctx context.Context, id uuid.UUID) (domain.Ride, error) {
	return s.repo.GetRide(ctx, id)
}

// ListOpenRides returns REQUESTED rides, newest first.
func (s *Service) ListOpenRides(ctx context.Context, filter domain.OpenRideFilter) ([]domain.Ride, error) {
	return s.repo.ListOpenRides(ctx, filter)
}

// AcceptRide assigns actor to a REQUESTED ride. Replicas race on the claim store first;
// the repository's locked update is the final arbiter, so exactly one caller wins and every
// other caller gets ErrRideAlreadyAssigned.
func (s *Service) AcceptRide(ctx context.Context, rideID uuid.UUID, actor domain.Actor) (domain.Ride, error) {
	ctx, span := s.tracer.Start(ctx, "rides.accept", trace.WithAttributes(attribute.String("ride_id", rideID.String())))
	defer span.End()
	start := time.Now()

	if !actor.CanDrive() {
		acceptDuration.WithLabelValues("not_eligible").Observe(time.Since(start).Seconds())
		return domain.Ride{}, domain.ErrNotEligible
	}
	if s.claims != nil {
		claimed, err := s.claims.TryClaim(ctx, rideID, actor.UserID, s.cfg.ClaimTTL)
		if err != nil {
			acceptDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
			return domain.Ride{}, fmt.Errorf("claim ride: %w", err)
		}
		if !claimed {
			acceptDuration.WithLabelValues("lost").Observe(time.Since(start).Seconds())
			return domain.Ride{}, domain.ErrRideAlreadyAssigned
		}
	}

	updated, err := s.apply(ctx, rideID, domain.EventRideAssigned, func(r domain.Ride) (domain.Ride, error) {
		if err := actor.CheckAcceptEligibility(r); err != nil {
			return domain.Ride{}, err
		}
		return r.Accept(actor.UserID)
	})
	if err != nil {
		if s.claims != nil {
			if relErr := s.claims.Release(ctx, rideID); relErr != nil {
				s.logger.Warn("release claim failed", zap.Error(relErr), zap.String("ride_id", rideID.String()))
			}
		}
		result := "error"
		if errors.Is(err, domain.ErrRideAlreadyAssigned) {
			result = "lost"
		}
		acceptDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
		return domain.Ride{}, err
	}
	acceptDuration.WithLabelValues("won").Observe(time.Since(start).Seconds())
	s.logger.Info("ride assigned", zap.String("ride_id", rideID.String()), zap.String("driver_id", actor.UserID.String()))
	return updated, nil
}

// StartRide moves an ASSIGNED ride on route; only its driver may do so.
func (s *Service) StartRide(ctx context.Context, rideID uuid.UUID, actor domain.Actor) (domain.Ride, error) {
	ctx, span := s.tracer.Start(ctx, "rides.start")
	defer span.End()
	now := s.clock.Now()
	return s.apply(ctx, rideID, domain.EventRideStarted, func(r domain.Ride) (domain.Ride, error) {
		return r.Start(actor.UserID, now)
	})
}

// CompleteRide closes an ON_ROUTE ride with the driver's trip metrics and prices it.
func (s *Service) CompleteRide(ctx context.Context, rideID uuid.UUID, actor domain.Actor, metrics domain.TripMetrics) (domain.Ride, error) {
	ctx, span := s.tracer.Start(ctx, "rides.complete")
	defer span.End()
	now := s.clock.Now()
	updated, err := s.apply(ctx, rideID, domain.EventRideCompleted, func(r domain.Ride) (domain.Ride, error) {
		return r.Complete(actor.UserID, metrics, now)
	})
	if err != nil {
		return domain.Ride{}, err
	}
	s.releaseClaim(ctx, rideID)
	return updated, nil
}

// CancelRide cancels an ASSIGNED or ON_ROUTE ride on behalf of either participant.
func (s *Service) CancelRide(ctx context.Context, rideID uuid.UUID, actor domain.Actor, reason string) (domain.Ride, error) {
	ctx, span := s.tracer.Start(ctx, "rides.cancel")
	defer span.End()
	now := s.clock.Now()
	updated, err := s.apply(ctx, rideID, domain.EventRideCancelled, func(r domain.Ride) (domain.Ride, error) {
		return r.Cancel(actor.UserID, reason, now)
	})
	if err != nil {
		return domain.Ride{}, err
	}
	s.releaseClaim(ctx, rideID)
	s.logger.Info("ride cancelled", zap.String("ride_id", rideID.String()), zap.String("cancelled_by", actor.UserID.String()))
	return updated, nil
}

func (s *Service) apply(ctx context.Context, rideID uuid.UUID, event domain.EventType, fn func(domain.Ride) (domain.Ride, error)) (domain.Ride, error) {
	updated, ev, err := s.repo.UpdateRide(ctx, domain.Change{RideID: rideID, Event: event, At: s.clock.Now(), Apply: fn})
	if err != nil {
		transitionsTotal.WithLabelValues(string(event), string(domain.Classify(err))).Inc()
		return domain.Ride{}, err
	}
	transitionsTotal.WithLabelValues(string(event), "ok").Inc()
	s.publish(ctx, ev)
	return updated, nil
}

// publish hands ev to the event publisher. The change is already committed, so a failure
// is logged rather than returned; subscribers recover on their next poll or refetch.
func (s *Service) publish(ctx context.Context, ev domain.RideEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		publishFailures.Inc()
		s.logger.Warn("publish ride event failed", zap.Error(err), zap.String("ride_id", ev.RideID.String()), zap.String("type", string(ev.Type)))
	}
}

func (s *Service) releaseClaim(ctx context.Context, rideID uuid.UUID) {
	if s.claims == nil {
		return
	}
	if err := s.claims.Release(ctx, rideID); err != nil {
		s.logger.Warn("release claim failed", zap.Error(err), zap.String("ride_id", rideID.String()))
	}
}

func (s *Service) estimate(ctx context.Context, origin, destination geo.Point) (float64, int) {
	if s.routes != nil {
		if est, err := s.routes.GetRoute(ctx, origin, destination); err == nil {
			return est.DistanceKm, est.DurationMins
		}
	}
	km, err := geo.HaversineDistanceKm(origin, destination)
	if err != nil {
		return 0, 0
	}
	return km, geo.EstimateEtaMins(km, routing.FallbackSpeedKmh)
}
