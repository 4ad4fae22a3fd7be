package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "requests_total",
		Help:      "Completed router calls by provider, operation, and outcome.",
	}, []string{"provider", "operation", "outcome"})

	FallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "fallbacks_total",
		Help:      "Candidate failures that caused the router to advance down the chain.",
	}, []string{"provider"})

	BudgetRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "budget_rejections_total",
		Help:      "Admission rejections by the budget circuit breaker.",
	}, []string{"tier"})

	SpendUSDTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "spend_usd_total",
		Help:      "Recorded metered spend in USD by provider.",
	}, []string{"provider"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "request_duration_seconds",
		Help:      "Latency of successful backend calls.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"provider", "operation"})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
