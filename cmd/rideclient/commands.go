package main

import (
	"context"
	"errors"
	"flag"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/example/ridesync/internal/assignment"
	"github.com/example/ridesync/internal/directory"
	"github.com/example/ridesync/internal/geo"
	"github.com/example/ridesync/internal/location"
	"github.com/example/ridesync/internal/ride/domain"
	"github.com/example/ridesync/internal/session"
)

func (a *app) request(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("request", flag.ContinueOnError)
	from := fs.String("from", "", "pickup address or \"lat,lng\"")
	to := fs.String("to", "", "drop-off address or \"lat,lng\"")
	seats := fs.Int("seats", 1, "seats requested")
	institution := fs.String("institution", a.actor.Institution, "institution tag of the ride")
	if err := fs.Parse(args); err != nil {
		return err
	}

	origin, err := a.routes.AddressToCoords(ctx, *from)
	if err != nil {
		return fmt.Errorf("pickup: %w", err)
	}
	destination, err := a.routes.AddressToCoords(ctx, *to)
	if err != nil {
		return fmt.Errorf("drop-off: %w", err)
	}
	ride, err := a.store.CreateRideIdempotent(ctx, uuid.NewString(), a.actor, domain.CreateRideRequest{
		Origin:         origin,
		Destination:    destination,
		SeatsRequested: *seats,
		Institution:    *institution,
	})
	if err != nil {
		return err
	}
	a.logger.Info("ride requested", zap.String("ride_id", ride.ID.String()),
		zap.Float64("distance_km", ride.DistanceKm), zap.Int("eta_mins", ride.EstimatedDurationMins))
	return a.followRide(ctx, ride.ID, nil, nil)
}

func (a *app) follow(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("follow", flag.ContinueOnError)
	raw := fs.String("ride", "", "ride id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := uuid.Parse(*raw)
	if err != nil {
		return fmt.Errorf("ride id: %w", err)
	}
	return a.followRide(ctx, id, nil, nil)
}

func (a *app) drive(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("drive", flag.ContinueOnError)
	text := fs.String("text", "", "only rides whose addresses contain text")
	minSeats := fs.Int("min-seats", 0, "only rides needing at least this many seats")
	sameInstitution := fs.Bool("same-institution", false, "only rides of my institution")
	raw := fs.String("ride", "", "accept this ride once it shows up")
	steps := fs.Int("steps", 40, "points in the simulated track")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var want uuid.UUID
	if *raw != "" {
		id, err := uuid.Parse(*raw)
		if err != nil {
			return fmt.Errorf("ride id: %w", err)
		}
		want = id
	}
	if err := waitConnected(ctx, a.channel); err != nil {
		return err
	}

	ride, err := a.acceptOne(ctx, directory.Filters{Text: *text, MinSeats: *minSeats, SameInstitution: *sameInstitution}, want)
	if err != nil {
		return err
	}

	track := location.NewTrackSource(geo.Track(ride.Origin.Point, ride.Destination.Point, *steps), a.cfg.Cadence)
	stopForward := a.forwardFixes(ctx, track)
	defer stopForward()

	started, completed := false, false
	return a.followRide(ctx, ride.ID, track, func(s *session.Session, v session.View) {
		switch {
		case v.Ride.Status == domain.StatusAssigned && !started:
			started = true
			if err := s.Start(ctx); err != nil {
				a.logger.Warn("start failed", zap.Error(err))
			}
		case v.Ride.Status == domain.StatusOnRoute && v.Driver != nil && !completed:
			left, err := geo.HaversineDistanceKm(v.Driver.Point, v.Ride.Destination.Point)
			if err == nil && left <= a.cfg.PickupRadius {
				completed = true
				if err := s.Complete(ctx); err != nil {
					a.logger.Warn("complete failed", zap.Error(err))
				}
			}
		}
	})
}

// acceptOne watches the directory and accepts the first ride that matches, or want when set.
// Losing a race is expected: the ride leaves the directory and the next one is tried.
func (a *app) acceptOne(ctx context.Context, filters directory.Filters, want uuid.UUID) (domain.Ride, error) {
	dir := directory.New(a.store, a.actor, a.channel, directory.Config{PollInterval: a.cfg.PollInterval}, a.logger)
	dctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = dir.Run(dctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	coord := assignment.New(a.store, a.actor, dir, a.channel, a.logger)
	for {
		select {
		case <-ctx.Done():
			return domain.Ride{}, ctx.Err()
		case <-dir.Changes():
		}
		open := dir.List(filters)
		a.logger.Info("open rides", zap.Int("count", len(open)))
		for _, r := range open {
			if want != uuid.Nil && r.ID != want {
				continue
			}
			ride, err := coord.AcceptRide(ctx, r.ID)
			if err == nil {
				a.logger.Info("ride accepted", zap.String("ride_id", ride.ID.String()))
				return ride, nil
			}
			if !assignment.Expected(err) {
				return domain.Ride{}, err
			}
			a.logger.Info("ride not available", zap.String("ride_id", r.ID.String()), zap.Error(err))
		}
	}
}

// forwardFixes streams the track to the location service when one is configured.
func (a *app) forwardFixes(ctx context.Context, source location.Source) func() {
	if a.cfg.LocationAddr == "" {
		return func() {}
	}
	conn, err := grpc.DialContext(ctx, a.cfg.LocationAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		a.logger.Warn("location service unavailable", zap.Error(err))
		return func() {}
	}
	pub, err := location.StartPublisher(ctx, source, location.PublisherConfig{Cadence: a.cfg.Cadence, AcquireTimeout: a.cfg.AcquireTimeout}, a.logger)
	if err != nil {
		_ = conn.Close()
		a.logger.Warn("position source unavailable", zap.Error(err))
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		ack, err := location.Forward(ctx, location.NewLocationClient(conn), a.actor.UserID, pub.Fixes())
		if err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn("position forwarding stopped", zap.Error(err))
			return
		}
		if ack != nil {
			a.logger.Info("positions forwarded", zap.Int("accepted", ack.Accepted), zap.Int("rejected", ack.Rejected))
		}
	}()
	return func() {
		pub.Stop()
		<-done
		_ = conn.Close()
	}
}

// followRide opens a session on rideID and renders it until it ends. act runs on every live
// view and may issue commands.
func (a *app) followRide(ctx context.Context, rideID uuid.UUID, source location.Source, act func(*session.Session, session.View)) error {
	if err := waitConnected(ctx, a.channel); err != nil {
		return err
	}
	s, err := session.Open(ctx, a.actor, rideID, session.Deps{
		Store:  a.store,
		Events: a.channel,
		Routes: a.routes,
		Source: source,
		Logger: a.logger,
	}, a.sessionConfig())
	if err != nil {
		return err
	}
	defer s.Close()
	var onView func(session.View)
	if act != nil {
		onView = func(v session.View) { act(s, v) }
	}
	return a.render(ctx, s, onView)
}
