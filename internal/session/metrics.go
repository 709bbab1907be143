package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "session_active",
		Help: "Ride sessions currently open",
	})
	sessionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_events_total",
		Help: "Room events seen by ride sessions by outcome",
	}, []string{"type", "result"})
	routeRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_route_refresh_total",
		Help: "Route recomputations requested by the refresh loop by outcome",
	}, []string{"result"})
	sessionResyncs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_resync_total",
		Help: "Ride re-reads issued after the room was rejoined",
	})
	sessionFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_failures_total",
		Help: "Ride sessions torn down by a fatal error",
	})
)
