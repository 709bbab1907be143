package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/ridesync/internal/geo"
	"github.com/example/ridesync/internal/location"
	"github.com/example/ridesync/internal/realtime"
	"github.com/example/ridesync/internal/ride/domain"
	"github.com/example/ridesync/internal/routing"
)

type routeResult struct {
	gen uint64
	est routing.RouteEstimate
}

// loop is the single consumer of a session. Only its goroutine touches these fields.
type loop struct {
	s    *Session
	view View

	publisher *location.Publisher
	fixes     <-chan location.Sample
	fixErrs   <-chan error

	fetchCtx    context.Context
	fetchCancel context.CancelFunc
	fetches     sync.WaitGroup
	fetching    bool
	refetch     bool

	refreshCtx    context.Context
	refreshCancel context.CancelFunc
	routes        sync.WaitGroup
	routeResults  chan routeResult
	fetched       chan fetchResult
	gen           uint64
	appliedGen    uint64
	routedFrom    *geo.Point
	routedAnchor  Anchor
	pickedUp      bool
	metricsAt     time.Time
}

func newLoop(s *Session, ride domain.Ride) *loop {
	return &loop{
		s:            s,
		view:         View{Ride: ride, Role: s.role},
		routeResults: make(chan routeResult),
		fetched:      make(chan fetchResult),
	}
}

func (l *loop) run(ctx context.Context) {
	var fatal error
	l.fetchCtx, l.fetchCancel = context.WithCancel(ctx)
	defer func() { l.teardown(fatal) }()

	l.sync(ctx)
	l.emit()
	events := l.s.sub.Events()
	resync := l.s.sub.Resync()
	for !l.view.Ride.Status.IsTerminal() {
		select {
		case <-ctx.Done():
			return
		case <-l.s.closeCh:
			return
		case ev, ok := <-events:
			if !ok {
				fatal = l.s.sub.Err()
				if fatal == nil {
					fatal = realtime.ErrChannelClosed
				}
				return
			}
			if err := l.applyEvent(ctx, ev); err != nil {
				fatal = err
				return
			}
		case <-resync:
			l.refresh()
		case ride := <-l.s.results:
			if err := l.applyRide(ctx, ride); err != nil {
				fatal = err
				return
			}
		case f := <-l.fetched:
			l.fetching = false
			if f.err != nil {
				l.s.logger.Warn("resync ride", zap.Error(f.err))
			} else if err := l.applyRide(ctx, f.ride); err != nil {
				fatal = err
				return
			}
			if l.refetch {
				l.refetch = false
				l.refresh()
			}
		case fix, ok := <-l.fixes:
			if !ok {
				l.fixes = nil
				continue
			}
			l.onFix(ctx, fix)
		case err := <-l.fixErrs:
			l.s.logger.Warn("driver position unavailable", zap.Error(err))
			l.view.LocationUnavailable = true
			l.emit()
		case res := <-l.routeResults:
			l.applyRoute(ctx, res)
		}
	}
}

// teardown releases the refresh loop, then the position source, then the room.
func (l *loop) teardown(fatal error) {
	if l.fetchCancel != nil {
		l.fetchCancel()
		l.fetches.Wait()
	}
	l.stopRefresh()
	l.stopPublisher()
	l.s.sub.Close()
	if fatal != nil {
		sessionFailures.Inc()
		l.s.logger.Error("ride session torn down", zap.Error(fatal))
		l.s.fail(fatal)
	}
	l.view.Closed = true
	l.s.publishView(l.view)
	close(l.s.updates)
	activeSessions.Dec()
	close(l.s.done)
}

func (l *loop) emit() { l.s.publishView(l.view) }

type fetchResult struct {
	ride domain.Ride
	err  error
}

// refresh re-reads the ride from the store off the loop goroutine. The result goes
// through applyRide, so a snapshot the session already has is a no-op. At most one read
// is in flight; a request made meanwhile runs once it returns.
func (l *loop) refresh() {
	if l.fetching {
		l.refetch = true
		return
	}
	l.fetching = true
	sessionResyncs.Inc()
	ctx := l.fetchCtx
	store := l.s.deps.Store
	id := l.s.rideID
	l.fetches.Add(1)
	go func() {
		defer l.fetches.Done()
		ride, err := store.GetRide(ctx, id)
		select {
		case l.fetched <- fetchResult{ride: ride, err: err}:
		case <-ctx.Done():
		}
	}()
}

// sync starts or stops the position publisher and the refresh loop to match the status.
func (l *loop) sync(ctx context.Context) {
	status := l.view.Ride.Status
	wantFixes := l.s.role == domain.RoleDriver && l.s.deps.Source != nil &&
		(status == domain.StatusAssigned || status == domain.StatusOnRoute)
	switch {
	case wantFixes && l.publisher == nil:
		l.startPublisher(ctx)
	case !wantFixes && l.publisher != nil:
		l.stopPublisher()
	}
	switch {
	case status == domain.StatusOnRoute && l.refreshCtx == nil:
		l.refreshCtx, l.refreshCancel = context.WithCancel(ctx)
		l.maybeRoute()
	case status != domain.StatusOnRoute && l.refreshCtx != nil:
		l.stopRefresh()
	}
}

func (l *loop) startPublisher(ctx context.Context) {
	p, err := location.StartPublisher(ctx, l.s.deps.Source, l.s.cfg.Publisher, l.s.logger)
	if err != nil {
		l.s.logger.Warn("start position publisher", zap.Error(err))
		l.view.LocationUnavailable = true
		return
	}
	l.publisher = p
	l.fixes = p.Fixes()
	l.fixErrs = p.Errors()
}

func (l *loop) stopPublisher() {
	if l.publisher == nil {
		return
	}
	l.publisher.Stop()
	l.publisher, l.fixes, l.fixErrs = nil, nil, nil
}

func (l *loop) stopRefresh() {
	if l.refreshCtx == nil {
		return
	}
	l.refreshCancel()
	l.routes.Wait()
	l.refreshCtx, l.refreshCancel = nil, nil
}

func (l *loop) applyEvent(ctx context.Context, ev domain.RideEvent) error {
	if ev.RideID != l.s.rideID {
		sessionEvents.WithLabelValues(string(ev.Type), "ignored").Inc()
		return nil
	}
	if err := ev.Check(); err != nil {
		return err
	}
	switch {
	case ev.Type.CarriesRide():
		ride, err := ev.Ride()
		if err != nil {
			return err
		}
		return l.applyRide(ctx, ride)
	case ev.Type == domain.EventDriverLocationUpdate:
		pos, err := ev.Location()
		if err != nil {
			return err
		}
		if l.applyPosition(pos) {
			sessionEvents.WithLabelValues(string(ev.Type), "applied").Inc()
		} else {
			sessionEvents.WithLabelValues(string(ev.Type), "stale").Inc()
		}
	case ev.Type == domain.EventRideStatusUpdate:
		status, err := ev.Status()
		if err != nil {
			return err
		}
		l.applyStatus(status)
	}
	return nil
}

// applyRide adopts ride when it is a later state than the projection. Replays and
// out-of-order snapshots are no-ops.
func (l *loop) applyRide(ctx context.Context, ride domain.Ride) error {
	if ride.ID != l.s.rideID {
		return nil
	}
	if err := ride.Validate(); err != nil {
		return err
	}
	if !domain.Supersedes(ride, l.view.Ride) {
		sessionEvents.WithLabelValues("snapshot", "duplicate").Inc()
		return nil
	}
	if !ride.Status.IsTerminal() && !l.metricsAt.IsZero() {
		ride.DistanceKm = l.view.Ride.DistanceKm
		ride.EstimatedDurationMins = l.view.Ride.EstimatedDurationMins
	}
	sessionEvents.WithLabelValues("snapshot", "applied").Inc()
	l.s.logger.Debug("ride status applied", zap.String("status", string(ride.Status)), zap.Int64("version", ride.Version))
	l.view.Ride = ride
	l.sync(ctx)
	l.emit()
	return nil
}

func (l *loop) onFix(ctx context.Context, fix location.Sample) {
	pos := domain.LivePosition{RideID: l.s.rideID, Role: l.s.role, Point: fix.Point, CapturedAt: fix.CapturedAt}
	l.view.LocationUnavailable = false
	if !l.applyPosition(pos) {
		return
	}
	ev, err := domain.LocationEvent(pos)
	if err != nil {
		l.s.logger.Warn("encode position", zap.Error(err))
		return
	}
	if err := l.s.deps.Events.Publish(ctx, realtime.RideRoom(l.s.rideID), ev); err != nil {
		l.s.logger.Warn("publish position", zap.Error(err))
	}
}

// applyPosition keeps the newest position per role and feeds the refresh loop.
func (l *loop) applyPosition(pos domain.LivePosition) bool {
	switch pos.Role {
	case domain.RoleDriver:
		if !pos.Newer(l.view.Driver) {
			return false
		}
		if l.view.Ride.Status == domain.StatusOnRoute && l.view.Driver != nil {
			if km, err := geo.HaversineDistanceKm(l.view.Driver.Point, pos.Point); err == nil {
				l.view.TravelledKm += km
			}
		}
		p := pos
		l.view.Driver = &p
	case domain.RolePassenger:
		if !pos.Newer(l.view.Passenger) {
			return false
		}
		p := pos
		l.view.Passenger = &p
	default:
		return false
	}
	l.maybeRoute()
	l.emit()
	return true
}

// anchor is the pickup point until the driver has been within PickupRadiusKm of it.
func (l *loop) anchor(driver geo.Point) (Anchor, geo.Point) {
	ride := l.view.Ride
	if !l.pickedUp {
		if km, err := geo.HaversineDistanceKm(driver, ride.Origin.Point); err == nil && km <= l.s.cfg.PickupRadiusKm {
			l.pickedUp = true
		}
	}
	if l.pickedUp {
		return AnchorDestination, ride.Destination.Point
	}
	return AnchorPickup, ride.Origin.Point
}

// maybeRoute requests a new estimate when the refresh loop runs and the driver moved
// far enough or the anchor changed. The request runs off the loop goroutine.
func (l *loop) maybeRoute() {
	if l.refreshCtx == nil || l.view.Driver == nil {
		return
	}
	from := l.view.Driver.Point
	anchor, to := l.anchor(from)
	if l.routedFrom != nil && anchor == l.routedAnchor && !geo.DisplacementExceeds(*l.routedFrom, from, l.s.cfg.MinDisplacementKm) {
		routeRefreshes.WithLabelValues("below_threshold").Inc()
		return
	}
	l.gen++
	gen := l.gen
	l.routedFrom = &from
	l.routedAnchor = anchor
	l.view.Anchor = anchor

	rctx := l.refreshCtx
	router := l.s.deps.Routes
	now := l.s.deps.Clock.Now()
	l.routes.Add(1)
	go func() {
		defer l.routes.Done()
		var (
			est routing.RouteEstimate
			err error
		)
		if router != nil {
			est, err = router.GetRoute(rctx, from, to)
		} else {
			est, err = routing.Fallback(from, to, routing.FallbackSpeedKmh, now)
		}
		if err != nil {
			if rctx.Err() == nil {
				l.s.logger.Warn("route refresh failed", zap.Error(err))
			}
			routeRefreshes.WithLabelValues("error").Inc()
			return
		}
		select {
		case l.routeResults <- routeResult{gen: gen, est: est}:
		case <-rctx.Done():
		}
	}()
}

// applyRoute installs results newer than the last applied generation and, on the driver
// side, shares the new metrics with the room.
func (l *loop) applyRoute(ctx context.Context, res routeResult) {
	if res.gen <= l.appliedGen || l.view.Ride.Status != domain.StatusOnRoute {
		routeRefreshes.WithLabelValues("stale").Inc()
		return
	}
	routeRefreshes.WithLabelValues("applied").Inc()
	l.appliedGen = res.gen
	est := res.est
	l.view.Route = &est
	l.view.Ride.DistanceKm = est.DistanceKm
	l.view.Ride.EstimatedDurationMins = est.DurationMins
	l.metricsAt = est.ComputedAt
	l.emit()

	if l.s.role != domain.RoleDriver {
		return
	}
	ev, err := domain.NewEvent(domain.EventRideStatusUpdate, l.s.rideID, domain.StatusPayload{
		Status:                l.view.Ride.Status,
		DistanceKm:            est.DistanceKm,
		EstimatedDurationMins: est.DurationMins,
		Source:                string(est.Source),
		ComputedAt:            est.ComputedAt,
	}, l.s.deps.Clock.Now())
	if err != nil {
		l.s.logger.Warn("encode status update", zap.Error(err))
		return
	}
	if err := l.s.deps.Events.Publish(ctx, realtime.RideRoom(l.s.rideID), ev); err != nil {
		l.s.logger.Warn("publish status update", zap.Error(err))
	}
}

// applyStatus adopts trip metrics shared by the driver when they are newer than the ones
// already shown.
func (l *loop) applyStatus(st domain.StatusPayload) {
	if st.Status != l.view.Ride.Status || !st.ComputedAt.After(l.metricsAt) {
		sessionEvents.WithLabelValues(string(domain.EventRideStatusUpdate), "stale").Inc()
		return
	}
	sessionEvents.WithLabelValues(string(domain.EventRideStatusUpdate), "applied").Inc()
	l.metricsAt = st.ComputedAt
	l.view.Ride.DistanceKm = st.DistanceKm
	l.view.Ride.EstimatedDurationMins = st.EstimatedDurationMins
	l.emit()
}
