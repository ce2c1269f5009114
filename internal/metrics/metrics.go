package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RequestsTotal counts HTTP requests by method, path, status.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claimer_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDurationSeconds measures request latency.
	RequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "claimer_http_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// PollsTotal counts feed polls by region and result.
	PollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claimer_polls_total",
			Help: "Feed polls by result (ok, unauthorized, error, no_credentials)",
		},
		[]string{"region", "result"},
	)

	// PollDurationSeconds measures whole poll tick time.
	PollDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "claimer_poll_duration_seconds",
			Help:    "Poll tick duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5},
		},
		[]string{"region"},
	)

	// DetectionsTotal counts opportunity sightings.
	DetectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claimer_detections_total",
			Help: "Opportunity sightings by producer",
		},
		[]string{"region", "via"},
	)

	// ClaimsTotal counts claim calls by outcome: an HTTP status code,
	// "error" or "backoff".
	ClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claimer_claims_total",
			Help: "Claim calls by outcome",
		},
		[]string{"region", "outcome"},
	)

	// ClaimDurationSeconds measures claim POST latency.
	ClaimDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "claimer_claim_duration_seconds",
			Help:    "Claim POST latency in seconds",
			Buckets: []float64{.025, .05, .1, .2, .4, .8, 1.5, 3},
		},
		[]string{"region"},
	)

	// LockSkipsTotal counts claims skipped because another worker holds the lock.
	LockSkipsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claimer_lock_skips_total",
			Help: "Claims skipped on lock contention",
		},
		[]string{"region"},
	)

	// TokenRefreshesTotal counts refresh requests by trigger.
	TokenRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claimer_token_refreshes_total",
			Help: "Token refreshes by trigger (reactive, proactive)",
		},
		[]string{"region", "trigger"},
	)

	// HubReconnectsTotal counts push channel reconnects.
	HubReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claimer_hub_reconnects_total",
			Help: "Push channel reconnects",
		},
		[]string{"region"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal, RequestDurationSeconds,
		PollsTotal, PollDurationSeconds,
		DetectionsTotal,
		ClaimsTotal, ClaimDurationSeconds, LockSkipsTotal,
		TokenRefreshesTotal, HubReconnectsTotal,
	)
}
