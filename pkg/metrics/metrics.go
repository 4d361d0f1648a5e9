package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PayoutsSettled counts payouts that reached completed, by chain.
var PayoutsSettled = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "settler_payouts_settled_total",
		Help: "Total number of payouts settled and reconciled",
	},
	[]string{"chain"},
)

// PayoutsFailed counts payouts that reached failed, by chain and failure
// class.
var PayoutsFailed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "settler_payouts_failed_total",
		Help: "Total number of payouts that failed settlement",
	},
	[]string{"chain", "reason"},
)

// SubmissionRetries counts transient submission retries within a sweep.
var SubmissionRetries = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "settler_submission_retries_total",
		Help: "Total number of in-sweep submission retries after transient RPC errors",
	},
)

// SweepDuration records latency distribution for dispatcher sweeps.
var SweepDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "settler_sweep_duration_seconds",
		Help:    "Duration in seconds of one settlement dispatcher sweep",
		Buckets: prometheus.DefBuckets,
	},
)

func init() {
	prometheus.MustRegister(PayoutsSettled, PayoutsFailed, SubmissionRetries, SweepDuration)
}
