package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	SessionsTotal     *prometheus.CounterVec
	SessionsActive    prometheus.Gauge
	TrialsTotal       *prometheus.CounterVec
	TrialLatency      *prometheus.HistogramVec
	ObjectiveBest     *prometheus.GaugeVec
	RateLimitedTotal  prometheus.Counter

	// GP-ask circuit breaker metrics.
	BreakerState        prometheus.Gauge   // 0=closed, 1=open, 2=half-open
	BreakerFallbackTotal prometheus.Counter // count of asks that fell back to random sampling
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optimiser_sessions_total",
			Help: "Total optimization sessions by terminal reason",
		}, []string{"reason"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "optimiser_sessions_active",
			Help: "Number of currently running optimization sessions",
		}),
		TrialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optimiser_trials_total",
			Help: "Total trials observed, by whether they passed configured filters",
		}, []string{"acquisition", "passed_filters"}),
		TrialLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "optimiser_trial_round_trip_ms",
			Help:    "Ask-evaluate-tell round trip latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}, []string{"acquisition"}),
		ObjectiveBest: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "optimiser_best_objective",
			Help: "Best objective value observed so far for a session",
		}, []string{"session_id"}),
		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optimiser_rate_limited_total",
			Help: "Total requests rejected by the rate limiter",
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "optimiser_ask_circuit_state",
			Help: "Surrogate-model ask circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		BreakerFallbackTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optimiser_ask_fallback_total",
			Help: "Total asks that fell back to uniform random sampling due to the circuit breaker",
		}),
	}
	reg.MustRegister(
		m.SessionsTotal, m.SessionsActive, m.TrialsTotal, m.TrialLatency,
		m.ObjectiveBest, m.RateLimitedTotal, m.BreakerState, m.BreakerFallbackTotal,
	)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
