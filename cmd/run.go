package main

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/revenue-engine/internal/engine"
	"github.com/sells-group/revenue-engine/internal/lifecycle"
	"github.com/sells-group/revenue-engine/internal/metrics"
	"github.com/sells-group/revenue-engine/internal/pricing"
	"github.com/sells-group/revenue-engine/internal/report"
	"github.com/sells-group/revenue-engine/internal/valuation"
)

// runFlags are the options shared by run and its single-stage shortcuts.
type runFlags struct {
	stages string
	now    string
	report string
	xlsx   string
}

var runOpts runFlags

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the lifecycle, pricing and valuation stages",
	Long: "Runs the selected stages in dependency order over the whole event store. " +
		"Each stage replaces only the columns it owns and is recorded in the stage run log.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runStages(cmd.Context(), cmd.OutOrStdout(), runOpts)
	},
}

// stageShortcut builds a command running a single stage.
func stageShortcut(use, short, stage string) *cobra.Command {
	var flags runFlags
	c := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags.stages = stage
			return runStages(cmd.Context(), cmd.OutOrStdout(), flags)
		},
	}
	addRunFlags(c, &flags, false)
	return c
}

var (
	validateCmd       = stageShortcut("validate", "Validate subscription lifecycles", lifecycle.StageName)
	assignPricesCmd   = stageShortcut("assign-prices", "Assign canonical price buckets", pricing.StageName)
	estimateValuesCmd = stageShortcut("estimate-values", "Estimate current pair values", valuation.StageName)
)

func runStages(ctx context.Context, out io.Writer, flags runFlags) error {
	format, err := report.ParseFormat(flags.report)
	if err != nil {
		return err
	}
	now, err := parseNow(flags.now)
	if err != nil {
		return err
	}

	st, err := initStore(ctx, "run")
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	m := metrics.New()
	eng := engine.New(st, engine.NewRegistry(cfg), m)

	reports, runErr := eng.Run(ctx, engine.RunOpts{Stages: parseStages(flags.stages), Now: now})

	// Partial reports are still rendered when a later stage fails.
	summaries := engine.Summaries(reports, cfg.Report.TopN)
	if len(summaries) > 0 {
		if err := report.Write(out, format, summaries); err != nil {
			return err
		}
	}
	if flags.xlsx != "" && len(summaries) > 0 {
		if err := report.WriteXLSX(flags.xlsx, summaries); err != nil {
			return err
		}
		zap.L().Info("summary workbook written", zap.String("path", flags.xlsx))
	}
	if path := cfg.Metrics.TextfilePath; path != "" {
		if err := m.WriteTextfile(path); err != nil {
			zap.L().Warn("failed to write metrics textfile", zap.String("path", path), zap.Error(err))
		}
	}

	return runErr
}

// parseStages splits a comma separated --stages value. Empty means every stage.
func parseStages(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if name := strings.TrimSpace(part); name != "" {
			out = append(out, name)
		}
	}
	return out
}

// parseNow parses --now as a date or RFC 3339 timestamp. Empty means the current time.
func parseNow(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, eris.Errorf("invalid --now %q (want YYYY-MM-DD or RFC 3339)", s)
	}
	return t.UTC(), nil
}

func addRunFlags(c *cobra.Command, flags *runFlags, withStages bool) {
	if withStages {
		c.Flags().StringVar(&flags.stages, "stages", "", "comma separated stages to run (default: all)")
	}
	c.Flags().StringVar(&flags.now, "now", "", "evaluation date, YYYY-MM-DD (default: today)")
	c.Flags().StringVar(&flags.report, "report", "table", "summary format: table, json or yaml")
	c.Flags().StringVar(&flags.xlsx, "xlsx", "", "also export the summary to this workbook")
}

func init() {
	addRunFlags(runCmd, &runOpts, true)
	rootCmd.AddCommand(runCmd, validateCmd, assignPricesCmd, estimateValuesCmd)
}
