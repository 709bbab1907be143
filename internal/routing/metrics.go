package routing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	routeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "routing_route_requests_total",
		Help: "Route estimates served grouped by where they came from.",
	}, []string{"source"})

	routeFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "routing_fallbacks_total",
		Help: "Provider calls that degraded to a local answer grouped by operation and reason.",
	}, []string{"operation", "reason"})

	providerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "routing_provider_seconds",
		Help:    "Latency of external routing and geocoding calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
)
