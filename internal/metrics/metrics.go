// Package metrics exposes pipeline counters to Prometheus. The collector is
// fed from the event bus so the orchestrator and interceptor stay unaware
// of it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/triage-ai/palisade/services/tool_gate/internal/events"
)

// Collector holds all Prometheus metrics for the gate.
// Uses a custom registry, no global state.
type Collector struct {
	Registry *prometheus.Registry

	Intercepts         *prometheus.CounterVec
	Decisions          *prometheus.CounterVec
	ValidationDuration *prometheus.HistogramVec
	CacheResults       *prometheus.CounterVec
	Timeouts           *prometheus.CounterVec
	Bypasses           *prometheus.CounterVec
	AsyncFailures      *prometheus.CounterVec
	Corrections        *prometheus.CounterVec
	Executions         *prometheus.CounterVec
	RiskScore          *prometheus.HistogramVec
	ConfigUpdates      prometheus.Counter
}

// NewCollector creates a Collector with all metrics registered on a custom
// prometheus.Registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,

		Intercepts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tool_gate",
			Name:      "intercepts_total",
			Help:      "Tool calls intercepted, by validation level.",
		}, []string{"level"}),

		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tool_gate",
			Name:      "decisions_total",
			Help:      "Validation decisions, by level and outcome.",
		}, []string{"level", "outcome"}),

		ValidationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tool_gate",
			Subsystem: "validation",
			Name:      "duration_seconds",
			Help:      "Validation latency in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"level", "cached"}),

		CacheResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tool_gate",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Validation cache lookups, by result.",
		}, []string{"result"}),

		Timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tool_gate",
			Subsystem: "validation",
			Name:      "timeouts_total",
			Help:      "Validations that exceeded the latency budget.",
		}, []string{"action"}),

		Bypasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tool_gate",
			Name:      "bypasses_total",
			Help:      "Calls passed through without validation.",
		}, []string{"reason"}),

		AsyncFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tool_gate",
			Subsystem: "validation",
			Name:      "async_failures_total",
			Help:      "Deferred validations that found problems.",
		}, []string{"tool"}),

		Corrections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tool_gate",
			Subsystem: "interceptor",
			Name:      "corrections_total",
			Help:      "Correction attempts, by result.",
		}, []string{"result"}),

		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tool_gate",
			Subsystem: "interceptor",
			Name:      "executions_total",
			Help:      "Intercepted executions, by status.",
		}, []string{"status"}),

		RiskScore: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tool_gate",
			Name:      "risk_score",
			Help:      "Assessed risk score per intercepted call.",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		}, []string{"level"}),

		ConfigUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tool_gate",
			Name:      "config_updates_total",
			Help:      "Runtime configuration updates applied.",
		}),
	}

	reg.MustRegister(
		c.Intercepts,
		c.Decisions,
		c.ValidationDuration,
		c.CacheResults,
		c.Timeouts,
		c.Bypasses,
		c.AsyncFailures,
		c.Corrections,
		c.Executions,
		c.RiskScore,
		c.ConfigUpdates,
	)

	return c
}

// Observe updates metrics for one event. It is a bus handler.
func (c *Collector) Observe(env events.Envelope) {
	switch p := env.Payload.(type) {
	case events.Intercepted:
		level := p.Level.String()
		c.Intercepts.WithLabelValues(level).Inc()
		c.RiskScore.WithLabelValues(level).Observe(p.RiskScore)
	case events.Validated:
		level := p.Level.String()
		outcome := "proceed"
		if !p.Valid {
			outcome = "invalid"
		}
		c.Decisions.WithLabelValues(level, outcome).Inc()
		cached := "false"
		if p.Cached {
			cached = "true"
			c.CacheResults.WithLabelValues("hit").Inc()
		} else {
			c.CacheResults.WithLabelValues("miss").Inc()
		}
		c.ValidationDuration.WithLabelValues(level, cached).Observe(p.Latency.Seconds())
	case events.Blocked:
		c.Decisions.WithLabelValues(p.Level.String(), "blocked").Inc()
	case events.Bypassed:
		c.Bypasses.WithLabelValues(p.Reason).Inc()
	case events.Timeout:
		action := "fallback"
		if p.Blocked {
			action = "blocked"
		}
		c.Timeouts.WithLabelValues(action).Inc()
	case events.AsyncValidationFailed:
		c.AsyncFailures.WithLabelValues(env.ToolName).Inc()
	case events.CorrectionAttempted:
		result := "none"
		if p.Corrected {
			result = "corrected"
		}
		c.Corrections.WithLabelValues(result).Inc()
	case events.CorrectionReported:
		result := "failed"
		if p.Successful {
			result = "succeeded"
		}
		c.Corrections.WithLabelValues(result).Inc()
	case events.ExecutionCompleted:
		status := "success"
		switch {
		case !p.Success:
			status = "failure"
		case p.CorrectionApplied:
			status = "corrected"
		}
		c.Executions.WithLabelValues(status).Inc()
	case events.ConfigUpdated:
		c.ConfigUpdates.Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{})
}
