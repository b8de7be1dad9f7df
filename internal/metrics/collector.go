// Package metrics provides Prometheus instrumentation for configwatch.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ppiankov/configwatch/internal/correlate"
	"github.com/ppiankov/configwatch/internal/engine"
	"github.com/ppiankov/configwatch/internal/history"
	"github.com/ppiankov/configwatch/internal/policy"
	"github.com/ppiankov/configwatch/internal/store"
)

// Collector counts evaluations as they happen and mirrors finding counts
// from the store into gauges.
type Collector struct {
	evaluations      *prometheus.CounterVec
	evaluationErrors *prometheus.CounterVec
	ruleErrors       *prometheus.CounterVec
	linkedLookups    *prometheus.CounterVec
	duration         *prometheus.HistogramVec
	findingsOpen     *prometheus.GaugeVec
	findingsStatus   *prometheus.GaugeVec
	mu               sync.Mutex
}

// NewCollector creates and registers metrics on the given registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "configwatch",
			Name:      "evaluations_total",
			Help:      "Completed evaluations by resource type and finding mutation.",
		}, []string{"resource_type", "mutation"}),

		evaluationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "configwatch",
			Name:      "evaluation_errors_total",
			Help:      "Evaluations that failed without writing a finding.",
		}, []string{"resource_type", "reason"}),

		ruleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "configwatch",
			Name:      "rule_errors_total",
			Help:      "Rules that faulted during evaluation.",
		}, []string{"rule"}),

		linkedLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "configwatch",
			Name:      "linked_lookups_total",
			Help:      "Correlation outcomes for evaluations with dependent resources.",
		}, []string{"outcome"}),

		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "configwatch",
			Name:      "evaluation_duration_seconds",
			Help:      "Time spent evaluating one change event.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"resource_type"}),

		findingsOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "configwatch",
			Name:      "findings_open",
			Help:      "Active findings by severity.",
		}, []string{"severity"}),

		findingsStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "configwatch",
			Name:      "findings_total",
			Help:      "Stored findings by status.",
		}, []string{"status"}),
	}

	reg.MustRegister(c.evaluations)
	reg.MustRegister(c.evaluationErrors)
	reg.MustRegister(c.ruleErrors)
	reg.MustRegister(c.linkedLookups)
	reg.MustRegister(c.duration)
	reg.MustRegister(c.findingsOpen)
	reg.MustRegister(c.findingsStatus)

	return c
}

// Observe implements engine.Observer.
func (c *Collector) Observe(_ context.Context, r *engine.Result) {
	rt := string(r.Event.ResourceType)
	c.duration.WithLabelValues(rt).Observe(r.Duration.Seconds())
	if r.Err != nil {
		c.evaluationErrors.WithLabelValues(rt, errorReason(r.Err)).Inc()
		return
	}
	c.evaluations.WithLabelValues(rt, string(r.Mutation)).Inc()
	for i := range r.RuleErrors {
		c.ruleErrors.WithLabelValues(r.RuleErrors[i].RuleName).Inc()
	}
	if r.Correlation != "" && r.Correlation != correlate.OutcomeNone {
		c.linkedLookups.WithLabelValues(string(r.Correlation)).Inc()
	}
}

// Update replaces the finding gauges with the given store counts.
func (c *Collector) Update(stats history.Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.findingsOpen.Reset()
	c.findingsStatus.Reset()

	for _, sev := range []store.Severity{
		store.SeverityInformational, store.SeverityLow, store.SeverityMedium, store.SeverityHigh, store.SeverityCritical,
	} {
		c.findingsOpen.With(prometheus.Labels{"severity": string(sev)}).Set(float64(stats.BySeverity[sev]))
	}
	for _, st := range []store.Status{
		store.StatusOpen, store.StatusInProgress, store.StatusResolved, store.StatusFalsePositive,
	} {
		c.findingsStatus.With(prometheus.Labels{"status": string(st)}).Set(float64(stats.ByStatus[st]))
	}
}

// StatsSource reports finding counts.
type StatsSource interface {
	Stats(ctx context.Context) (history.Stats, error)
}

// Refresh reloads the finding gauges from src.
func (c *Collector) Refresh(ctx context.Context, src StatsSource) error {
	stats, err := src.Stats(ctx)
	if err != nil {
		return fmt.Errorf("loading finding stats: %w", err)
	}
	c.Update(stats)
	return nil
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, engine.ErrTransient):
		return "conflict"
	case errors.Is(err, engine.ErrInvalidSnapshot):
		return "invalid_snapshot"
	case errors.Is(err, policy.ErrUnsupportedResourceType):
		return "unsupported_type"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		return "rules"
	}
}
