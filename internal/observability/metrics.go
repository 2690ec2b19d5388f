// README: Prometheus metrics for the dispatch pipeline.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OffersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lifeline", Name: "offers_total",
		Help: "Offers extended to units",
	})
	OfferOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lifeline", Name: "offer_outcomes_total",
		Help: "Offer resolutions by outcome (accepted, rejected, expired)",
	}, []string{"outcome"})
	AssignmentsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lifeline", Name: "assignments_total",
		Help: "Confirmed request-unit assignments",
	})
	RequestsExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lifeline", Name: "requests_exhausted_total",
		Help: "Requests that ran out of eligible units",
	})
	TransitionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lifeline", Name: "transition_conflicts_total",
		Help: "Guarded writes lost to a concurrent transition",
	})
	UnitsOnDuty = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lifeline", Name: "units_on_duty",
		Help: "Units currently on duty",
	})
	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "lifeline", Name: "dispatch_latency_seconds",
		Help:    "Time from request creation to confirmed assignment",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lifeline", Name: "http_requests_total",
		Help: "HTTP requests handled",
	}, []string{"method", "path", "status"})
)
