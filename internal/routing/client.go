package routing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/ridesync/internal/geo"
	"github.com/example/ridesync/internal/ride/domain"
)

type Config struct {
	ProviderTimeout  time.Duration
	FallbackSpeedKmh float64
	CacheTTL         time.Duration
}

var DefaultConfig = Config{
	ProviderTimeout:  2 * time.Second,
	FallbackSpeedKmh: FallbackSpeedKmh,
	CacheTTL:         5 * time.Minute,
}

// Client wraps a routing provider. Every provider call is bounded by ProviderTimeout and
// degrades locally on failure, so route estimates and snapping never fail for valid input.
type Client struct {
	provider Provider
	cache    Cache
	cfg      Config
	now      func() time.Time
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewClient builds a routing client. provider and cache may be nil; without a provider every
// answer is the local fallback.
func NewClient(provider Provider, cache Cache, cfg Config, logger *zap.Logger) *Client {
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = DefaultConfig.ProviderTimeout
	}
	if cfg.FallbackSpeedKmh <= 0 {
		cfg.FallbackSpeedKmh = DefaultConfig.FallbackSpeedKmh
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultConfig.CacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		provider: provider,
		cache:    cache,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.Named("routing"),
		tracer:   otel.Tracer("routing.client"),
	}
}

// GetRoute estimates the trip between origin and destination. It only fails for invalid
// coordinates.
func (c *Client) GetRoute(ctx context.Context, origin, destination geo.Point) (RouteEstimate, error) {
	if err := origin.Validate(); err != nil {
		return RouteEstimate{}, fmt.Errorf("origin: %w", err)
	}
	if err := destination.Validate(); err != nil {
		return RouteEstimate{}, fmt.Errorf("destination: %w", err)
	}
	ctx, span := c.tracer.Start(ctx, "routing.get_route", trace.WithAttributes(
		attribute.String("origin", geo.Quantize(origin)),
		attribute.String("destination", geo.Quantize(destination)),
	))
	defer span.End()

	originKey, destKey := geo.Quantize(origin), geo.Quantize(destination)
	if c.cache != nil {
		est, ok, err := c.cache.Get(ctx, originKey, destKey)
		if err != nil {
			c.logger.Debug("route cache unavailable", zap.Error(err))
		} else if ok {
			routeRequests.WithLabelValues("cache").Inc()
			return est, nil
		}
	}

	if c.provider != nil {
		r, err := callProvider(ctx, c.cfg.ProviderTimeout, "route", func(ctx context.Context) (ProviderRoute, error) {
			r, err := c.provider.Route(ctx, origin, destination)
			if err != nil {
				return ProviderRoute{}, err
			}
			return r, r.check()
		})
		if err == nil {
			est := RouteEstimate{
				OriginKey:      originKey,
				DestinationKey: destKey,
				DistanceKm:     r.DistanceKm,
				DurationMins:   durationMins(r.DurationSeconds),
				Path:           r.Path,
				ComputedAt:     c.now(),
				Source:         SourceRoutingService,
			}
			if c.cache != nil {
				if err := c.cache.Put(ctx, est, c.cfg.CacheTTL); err != nil {
					c.logger.Debug("route cache write failed", zap.Error(err))
				}
			}
			routeRequests.WithLabelValues(string(SourceRoutingService)).Inc()
			span.SetAttributes(attribute.String("source", string(est.Source)))
			return est, nil
		}
		routeFallbacks.WithLabelValues("route", fallbackReason(err)).Inc()
		c.logger.Warn("routing provider failed, using geometric estimate", zap.Error(err))
	}

	est, err := Fallback(origin, destination, c.cfg.FallbackSpeedKmh, c.now())
	if err != nil {
		return RouteEstimate{}, err
	}
	routeRequests.WithLabelValues(string(SourceGeometricFallback)).Inc()
	span.SetAttributes(attribute.String("source", string(est.Source)))
	return est, nil
}

// SnapToRoad moves p onto the nearest road. Any failure returns p unchanged.
func (c *Client) SnapToRoad(ctx context.Context, p geo.Point) geo.Point {
	if c.provider == nil || p.Validate() != nil {
		return p
	}
	snapped, err := callProvider(ctx, c.cfg.ProviderTimeout, "nearest", func(ctx context.Context) (geo.Point, error) {
		return c.provider.Nearest(ctx, p)
	})
	if err == nil {
		err = snapped.Validate()
	}
	if err != nil {
		routeFallbacks.WithLabelValues("nearest", fallbackReason(err)).Inc()
		return p
	}
	return snapped
}

// AddressToCoords resolves an address through the provider, then as a literal "lat,lng".
func (c *Client) AddressToCoords(ctx context.Context, address string) (domain.Place, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return domain.Place{}, ErrGeocodeNotFound
	}
	if c.provider != nil {
		type found struct {
			point geo.Point
			label string
		}
		res, err := callProvider(ctx, c.cfg.ProviderTimeout, "search", func(ctx context.Context) (found, error) {
			pt, label, err := c.provider.Search(ctx, address)
			return found{pt, label}, err
		})
		if err == nil {
			err = res.point.Validate()
		}
		if err == nil {
			if res.label == "" {
				res.label = address
			}
			return domain.Place{Point: res.point, Address: res.label}, nil
		}
		routeFallbacks.WithLabelValues("search", fallbackReason(err)).Inc()
	}
	if pt, ok := parseLatLng(address); ok {
		return domain.Place{Point: pt, Address: address}, nil
	}
	return domain.Place{}, fmt.Errorf("%w: %q", ErrGeocodeNotFound, address)
}

// CoordsToAddress names p through the provider, degrading to its formatted coordinates.
func (c *Client) CoordsToAddress(ctx context.Context, p geo.Point) string {
	if c.provider == nil || p.Validate() != nil {
		return p.String()
	}
	label, err := callProvider(ctx, c.cfg.ProviderTimeout, "reverse", func(ctx context.Context) (string, error) {
		return c.provider.Reverse(ctx, p)
	})
	if err != nil || strings.TrimSpace(label) == "" {
		routeFallbacks.WithLabelValues("reverse", fallbackReason(err)).Inc()
		return p.String()
	}
	return label
}

// callProvider runs fn with a deadline and returns once it elapses, even if fn ignores ctx.
func callProvider[T any](ctx context.Context, timeout time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	defer func() { providerLatency.WithLabelValues(op).Observe(time.Since(start).Seconds()) }()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v, err}
	}()
	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func fallbackReason(err error) string {
	switch {
	case err == nil:
		return "empty"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, errNoResult):
		return "no_result"
	case errors.Is(err, errMalformedReply):
		return "malformed"
	default:
		return "error"
	}
}

func durationMins(seconds float64) int {
	mins := int(math.Ceil(seconds / 60))
	if mins < 1 {
		return 1
	}
	return mins
}

func parseLatLng(s string) (geo.Point, bool) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return geo.Point{}, false
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return geo.Point{}, false
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return geo.Point{}, false
	}
	pt := geo.Point{Lat: lat, Lng: lng}
	if pt.Validate() != nil {
		return geo.Point{}, false
	}
	return pt, true
}
