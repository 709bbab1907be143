package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	acceptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ride_accept_seconds",
		Help:    "Time spent arbitrating an accept request.",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ride_transitions_total",
		Help: "Ride state changes grouped by event and outcome.",
	}, []string{"event", "result"})

	publishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ride_event_publish_failures_total",
		Help: "Ride events that could not be handed to the event publisher.",
	})
)
