package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	serverConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_connections",
		Help: "Open realtime websocket connections on this node.",
	})

	clientReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_client_reconnects_total",
		Help: "Realtime client connection attempts grouped by outcome.",
	}, []string{"result"})

	eventsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_events_delivered_total",
		Help: "Events handed to room members grouped by room kind.",
	}, []string{"room"})

	eventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_events_dropped_total",
		Help: "Events dropped before delivery grouped by reason.",
	}, []string{"reason"})
)

func roomKind(room string) string {
	if room == OpenRidesRoom {
		return "lobby"
	}
	return "ride"
}
