package engine

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/revenue-engine/internal/metrics"
	"github.com/sells-group/revenue-engine/internal/report"
	"github.com/sells-group/revenue-engine/internal/store"
)

// Engine orchestrates stage runs.
type Engine struct {
	store   store.Store
	reg     *Registry
	metrics *metrics.Metrics
}

// RunOpts configures which stages to run and at what time.
type RunOpts struct {
	Stages []string  // restrict to specific stage names
	Now    time.Time // evaluation time; zero means the current time
}

// StageReport is the outcome of one stage run.
type StageReport struct {
	Stage   string
	RunID   string
	Tally   *report.Tally
	Elapsed time.Duration
}

// New creates an engine. m may be nil.
func New(st store.Store, reg *Registry, m *metrics.Metrics) *Engine {
	return &Engine{store: st, reg: reg, metrics: m}
}

// Run executes the selected stages in dependency order. Each run is recorded
// in the stage run log. A stage failure aborts the run because later stages
// read what it writes; reports of the stages that completed are returned
// with the error.
func (e *Engine) Run(ctx context.Context, opts RunOpts) ([]StageReport, error) {
	log := zap.L().With(zap.String("component", "engine"))

	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	stages, err := e.reg.Select(opts.Stages)
	if err != nil {
		return nil, err
	}
	log.Info("selected stages", zap.Int("count", len(stages)), zap.Time("now", now))

	var reports []StageReport
	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			return reports, err
		}

		stageLog := log.With(zap.String("stage", s.Name()))
		runID, err := e.store.StartRun(ctx, s.Name())
		if err != nil {
			return reports, eris.Wrapf(err, "engine: start run log for %s", s.Name())
		}

		start := time.Now()
		tally, err := s.Run(ctx, e.store, now)
		elapsed := time.Since(start)
		if e.metrics != nil {
			e.metrics.ObserveStage(s.Name(), elapsed, tally, err)
		}

		if err != nil {
			stageLog.Error("stage failed", zap.Error(err), zap.Duration("elapsed", elapsed))
			if logErr := e.store.FailRun(ctx, runID, err.Error()); logErr != nil {
				stageLog.Error("failed to record stage failure", zap.Error(logErr))
			}
			return reports, eris.Wrapf(err, "engine: stage %s", s.Name())
		}

		if err := e.store.CompleteRun(ctx, runID, tally.Pairs(), tally.Metadata()); err != nil {
			stageLog.Error("failed to record stage completion", zap.Error(err))
		}

		stageLog.Info("stage complete",
			zap.Int("pairs", tally.Pairs()),
			zap.Int("errors", tally.TotalErrors()),
			zap.Duration("elapsed", elapsed),
		)
		reports = append(reports, StageReport{Stage: s.Name(), RunID: runID, Tally: tally, Elapsed: elapsed})
	}

	total := Total(reports)
	log.Info("engine run complete",
		zap.Int("stages", len(reports)),
		zap.Int("pair_results", total.Pairs()),
		zap.Int("tallied", total.Total()),
		zap.Int("errors", total.TotalErrors()),
	)
	return reports, nil
}

// Total merges the tallies of reports into one run-wide tally.
func Total(reports []StageReport) *report.Tally {
	total := report.NewTally("total")
	for _, r := range reports {
		total.Merge(r.Tally)
	}
	return total
}

// Summaries renders the tallies of reports, keeping topN offenders per category.
func Summaries(reports []StageReport, topN int) []report.Summary {
	out := make([]report.Summary, len(reports))
	for i, r := range reports {
		out[i] = r.Tally.Summary(topN)
	}
	return out
}
