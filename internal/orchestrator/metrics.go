package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "freeclaim"

const (
	outcomeSuccess        = "success"
	outcomeFailed         = "failed"
	outcomeNoCredentials  = "no_credentials"
	outcomeNotImplemented = "not_implemented"
)

var (
	// ClaimsTotal counts claim invocations by provider and outcome.
	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "claims_total",
			Help:      "Total number of claim invocations by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	// GamesClaimedTotal counts games acquired, including ones already recorded.
	GamesClaimedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "games_claimed_total",
			Help:      "Total number of games acquired by provider.",
		},
		[]string{"provider"},
	)

	// ClaimDurationSeconds is the wall time of one user's claim.
	ClaimDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "claim_duration_seconds",
			Help:      "Claim duration in seconds by provider.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 9), // 1s to ~4m
		},
		[]string{"provider"},
	)
)
