// Package metrics records stage run metrics for the batch engine and exports
// them to a node-exporter textfile.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"

	"github.com/sells-group/revenue-engine/internal/report"
)

const namespace = "revenue_engine"

// Run outcomes.
const (
	OutcomeComplete = "complete"
	OutcomeFailed   = "failed"
)

// Metrics holds the engine collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	StageRuns     *prometheus.CounterVec
	StageErrors   *prometheus.CounterVec
	StagePairs    *prometheus.GaugeVec
	StageDuration *prometheus.HistogramVec
}

// New creates and registers the engine collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		StageRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_runs_total",
			Help:      "Stage runs by outcome.",
		}, []string{"stage", "outcome"}),
		StageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_errors_total",
			Help:      "Per-pair error categories tallied by stage runs.",
		}, []string{"stage", "category"}),
		StagePairs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage_pairs",
			Help:      "Pairs processed by the last run of a stage.",
		}, []string{"stage"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Stage run duration.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"stage"}),
	}
	m.Registry.MustRegister(m.StageRuns, m.StageErrors, m.StagePairs, m.StageDuration)
	return m
}

// ObserveStage records one stage run. tally may be nil when the stage failed.
func (m *Metrics) ObserveStage(stage string, elapsed time.Duration, tally *report.Tally, err error) {
	m.StageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
	if err != nil {
		m.StageRuns.WithLabelValues(stage, OutcomeFailed).Inc()
		return
	}
	m.StageRuns.WithLabelValues(stage, OutcomeComplete).Inc()
	if tally == nil {
		return
	}
	m.StagePairs.WithLabelValues(stage).Set(float64(tally.Pairs()))
	for _, c := range tally.Summary(0).Errors {
		m.StageErrors.WithLabelValues(stage, c.Name).Add(float64(c.Count))
	}
}

// WriteTextfile atomically writes every collected metric to path.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.Registry); err != nil {
		return eris.Wrapf(err, "metrics: write textfile %s", path)
	}
	return nil
}
