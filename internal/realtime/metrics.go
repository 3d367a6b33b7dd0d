package realtime

import "github.com/prometheus/client_golang/prometheus"

var (
	connectionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_connections",
		Help: "Number of live websocket connections",
	})

	roomsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_rooms",
		Help: "Number of rooms with at least one member",
	})

	eventsRouted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_routed_total",
			Help: "Inbound events accepted by the router, by event name",
		},
		[]string{"event"},
	)

	eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_dropped_total",
			Help: "Inbound events dropped without delivery, by reason",
		},
		[]string{"reason"},
	)

	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_deliveries_total",
			Help: "Outbound frames queued to connections, by scope",
		},
		[]string{"scope"},
	)

	slowConsumers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_slow_consumers_total",
		Help: "Connections closed because their send queue was full",
	})
)

func init() {
	prometheus.MustRegister(connectionsGauge)
	prometheus.MustRegister(roomsGauge)
	prometheus.MustRegister(eventsRouted)
	prometheus.MustRegister(eventsDropped)
	prometheus.MustRegister(deliveries)
	prometheus.MustRegister(slowConsumers)
}
