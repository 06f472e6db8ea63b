package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	RidesRequested     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_requested_total", Help: "Total ride requests accepted into the lifecycle"})
	RideTransitions    = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Successful ride transitions by target status"}, []string{"to"})
	InvalidTransitions = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "invalid_transitions_total", Help: "Rejected ride events by event name"}, []string{"event"})
	CommissionTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "commission_total", Help: "Commission debited from driver wallets"})

	DriversOnline   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of online drivers"})
	MatchLatency    = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Candidate selection latency seconds"})
	MatchCandidates = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_candidates", Help: "Candidate drivers per ride request", Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100}})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Events enqueued to subscribers"}, []string{"type"})
	EventsDropped   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "events_dropped_total", Help: "Events dropped because a subscriber buffer was full"}, []string{"type"})
	WSSessions      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_sessions", Help: "Connected websocket sessions"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
