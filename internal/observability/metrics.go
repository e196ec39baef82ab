package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "requests_created_total", Help: "Total requests opened"})
	AssignmentsTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "assignments_total", Help: "Total successful assignments"})
	AssignConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "assign_conflicts_total", Help: "Reservations lost to a concurrent commit"})
	NoProviderTotal      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "assign_no_provider_total", Help: "Assign calls that found nobody in range"})
	AssignLatency        = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "assign_latency_seconds", Help: "Assign latency seconds"})
	ProvidersAvailable   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "providers_available", Help: "Providers currently in the matchable pool"})

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "transitions_total", Help: "Lifecycle transitions committed"},
		[]string{"event"},
	)
	RatingsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "ratings_total", Help: "Ratings recorded"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
