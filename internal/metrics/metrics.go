package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeDecided labels requests that produced a decision.
	OutcomeDecided = "decided"
	// OutcomeRejected labels requests refused by the rate limiter.
	OutcomeRejected = "rejected"
	// OutcomeFailed labels requests whose computation failed.
	OutcomeFailed = "failed"

	resultAllowed  = "allowed"
	resultRejected = "rejected"
	resultSuccess  = "success"
	resultFailure  = "failure"
)

var (
	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "decision_core",
			Name:      "decisions_total",
			Help:      "Total number of decision requests, partitioned by service and outcome.",
		},
		[]string{"service", "outcome"},
	)

	decisionDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "decision_core",
			Name:      "decision_seconds",
			Help:      "Decision latency in seconds, including rate limiting and cache lookup.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"service"},
	)

	rateLimitChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "decision_core",
			Name:      "ratelimit_checks_total",
			Help:      "Rate limit checks partitioned by tier and result.",
		},
		[]string{"tier", "result"},
	)

	rateLimitFallbackTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "decision_core",
			Name:      "ratelimit_fallback_total",
			Help:      "Rate limit checks served by the local fallback ledger.",
		},
	)

	cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "decision_core",
			Name:      "cache_lookups_total",
			Help:      "Computation cache lookups partitioned by outcome (hit, computed, shared).",
		},
		[]string{"outcome"},
	)

	scorerFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "decision_core",
			Name:      "scorer_failures_total",
			Help:      "Scorers excluded from a composite because they failed or timed out.",
		},
		[]string{"service", "scorer"},
	)

	fanoutPublishesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "decision_core",
			Name:      "fanout_publishes_total",
			Help:      "Per-channel fanout publishes partitioned by result.",
		},
		[]string{"result"},
	)
)

// Register attaches decision-core collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		decisionsTotal,
		decisionDurationSeconds,
		rateLimitChecksTotal,
		rateLimitFallbackTotal,
		cacheLookupsTotal,
		scorerFailuresTotal,
		fanoutPublishesTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveDecision records a decision request duration and outcome label.
func ObserveDecision(service string, duration time.Duration, outcome string) {
	switch outcome {
	case OutcomeDecided, OutcomeRejected:
	default:
		outcome = OutcomeFailed
	}
	decisionsTotal.WithLabelValues(service, outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	decisionDurationSeconds.WithLabelValues(service).Observe(duration.Seconds())
}

// ObserveRateLimit counts one limiter check for tier.
func ObserveRateLimit(tier string, allowed bool) {
	result := resultRejected
	if allowed {
		result = resultAllowed
	}
	rateLimitChecksTotal.WithLabelValues(tier, result).Inc()
}

// ObserveRateLimitFallback counts a check answered by the fallback ledger.
func ObserveRateLimitFallback() {
	rateLimitFallbackTotal.Inc()
}

// ObserveCacheLookup counts a computation cache lookup.
func ObserveCacheLookup(outcome string) {
	cacheLookupsTotal.WithLabelValues(outcome).Inc()
}

// ObserveScorerFailure counts an excluded scorer.
func ObserveScorerFailure(service, scorer string) {
	scorerFailuresTotal.WithLabelValues(service, scorer).Inc()
}

// ObserveFanout counts one channel publish.
func ObserveFanout(ok bool) {
	result := resultFailure
	if ok {
		result = resultSuccess
	}
	fanoutPublishesTotal.WithLabelValues(result).Inc()
}
