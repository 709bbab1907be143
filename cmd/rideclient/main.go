// Command rideclient is a participant of the ride engine run from a terminal. It can request
// a ride as a passenger, drive (watch the open rides, accept one and replay a simulated
// track) or follow an existing ride.
//
//	rideclient request -from "12.9716,77.5946" -to "12.9352,77.6245" -seats 2
//	rideclient drive -min-seats 1 -steps 40
//	rideclient follow -ride 6f1c...
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/example/ridesync/internal/auth"
	"github.com/example/ridesync/internal/config"
	"github.com/example/ridesync/internal/realtime"
	"github.com/example/ridesync/internal/ride/client"
	"github.com/example/ridesync/internal/ride/domain"
	"github.com/example/ridesync/internal/routing"
	"github.com/example/ridesync/internal/session"
	"github.com/example/ridesync/pkg/observability"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: rideclient request|drive|follow [flags]")
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadClient()
	if err != nil {
		observability.SetupLogger("ride-client", "info").Fatal("load config", zap.Error(err))
	}
	logger := observability.SetupLogger("ride-client", cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck

	actor, err := auth.Inspect(cfg.Token)
	if err != nil {
		logger.Fatal("read token", zap.Error(err))
	}
	app := newApp(ctx, cfg, actor, logger)
	defer app.close()

	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "request":
		err = app.request(ctx, args)
	case "drive":
		err = app.drive(ctx, args)
	case "follow":
		err = app.follow(ctx, args)
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal(os.Args[1]+" failed", zap.Error(err))
	}
}

// app holds what every command shares: the store client, the realtime channel and the
// routing client used by the session refresh loop.
type app struct {
	cfg     config.Client
	actor   domain.Actor
	store   *client.Client
	channel *realtime.Channel
	routes  *routing.Client
	logger  *zap.Logger

	stopChannel context.CancelFunc
	channelDone chan struct{}
}

func newApp(ctx context.Context, cfg config.Client, actor domain.Actor, logger *zap.Logger) *app {
	var provider routing.Provider
	if cfg.RoutingURL != "" {
		provider = routing.NewHTTPProvider(cfg.RoutingURL, cfg.RoutingURL)
	}
	a := &app{
		cfg:    cfg,
		actor:  actor,
		store:  client.New(cfg.APIURL, actor, nil),
		routes: routing.NewClient(provider, routing.NewMemoryCache(), routing.DefaultConfig, logger),
		channel: realtime.NewChannel(realtime.ChannelConfig{
			URL:    cfg.RealtimeURL,
			Token:  realtime.StaticToken(cfg.Token),
			Logger: logger,
		}),
		logger:      logger,
		channelDone: make(chan struct{}),
	}
	chCtx, cancel := context.WithCancel(ctx)
	a.stopChannel = cancel
	go func() {
		defer close(a.channelDone)
		if err := a.channel.Run(chCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("realtime channel stopped", zap.Error(err))
		}
	}()
	return a
}

func (a *app) close() {
	a.stopChannel()
	<-a.channelDone
}

func (a *app) sessionConfig() session.Config {
	cfg := session.DefaultConfig
	cfg.MinDisplacementKm = a.cfg.MinDisplacement
	cfg.PickupRadiusKm = a.cfg.PickupRadius
	cfg.Publisher.Cadence = a.cfg.Cadence
	cfg.Publisher.AcquireTimeout = a.cfg.AcquireTimeout
	return cfg
}

// render logs every view until the session ends, handing each one to onView first.
func (a *app) render(ctx context.Context, s *session.Session, onView func(session.View)) error {
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return ctx.Err()
		case v, ok := <-s.Updates():
			if !ok {
				return s.Err()
			}
			a.logView(v)
			if onView != nil && !v.Closed {
				onView(v)
			}
		}
	}
}

func (a *app) logView(v session.View) {
	fields := []zap.Field{
		zap.String("ride_id", v.Ride.ID.String()),
		zap.String("status", string(v.Ride.Status)),
		zap.Float64("distance_km", v.Ride.DistanceKm),
		zap.Int("eta_mins", v.Ride.EstimatedDurationMins),
		zap.Float64("travelled_km", v.TravelledKm),
		zap.Bool("location_unavailable", v.LocationUnavailable),
	}
	if v.Route != nil {
		fields = append(fields, zap.String("route_source", string(v.Route.Source)), zap.String("anchor", string(v.Anchor)))
	}
	if v.Driver != nil {
		fields = append(fields, zap.Stringer("driver", v.Driver.Point))
	}
	if v.Ride.Status == domain.StatusCompleted {
		fields = append(fields, zap.Int64("fare_cents", v.Ride.FareCents))
	}
	if v.Ride.Status == domain.StatusCancelled {
		fields = append(fields, zap.String("reason", v.Ride.CancelReason))
	}
	a.logger.Info("ride update", fields...)
}

func waitConnected(ctx context.Context, ch *realtime.Channel) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for !ch.Connected() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("realtime channel: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}
