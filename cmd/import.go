package main

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/revenue-engine/internal/ingest"
	"github.com/sells-group/revenue-engine/internal/report"
	"github.com/sells-group/revenue-engine/internal/store"
)

var importCSVPath string

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Load pre-staged exports into the store",
	Long:  "Loads event, rate and credited date exports (CSV or XLSX). Malformed rows are rejected and summarized.",
}

var importEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Append events to the event store",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runImport(cmd.Context(), func(ctx context.Context, st store.Store) (int64, *report.Tally, error) {
			events, tally, err := ingest.ReadEventsFile(ctx, importCSVPath)
			if err != nil {
				return 0, nil, err
			}
			n, err := st.InsertEvents(ctx, events)
			return n, tally, err
		})
	},
}

var importRatesCmd = &cobra.Command{
	Use:   "rates",
	Short: "Upsert conversion and refund rate profiles",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runImport(cmd.Context(), func(ctx context.Context, st store.Store) (int64, *report.Tally, error) {
			rates, tally, err := ingest.ReadRatesFile(ctx, importCSVPath)
			if err != nil {
				return 0, nil, err
			}
			n, err := st.UpsertRates(ctx, rates)
			return n, tally, err
		})
	},
}

var importCreditedCmd = &cobra.Command{
	Use:   "credited",
	Short: "Upsert credited dates of user/product pairs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runImport(cmd.Context(), func(ctx context.Context, st store.Store) (int64, *report.Tally, error) {
			dates, tally, err := ingest.ReadPairsFile(ctx, importCSVPath)
			if err != nil {
				return 0, nil, err
			}
			n, err := st.SetCreditedDates(ctx, dates)
			return n, tally, err
		})
	},
}

type importFunc func(ctx context.Context, st store.Store) (int64, *report.Tally, error)

func runImport(ctx context.Context, load importFunc) error {
	st, err := initStore(ctx, "import")
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	n, tally, err := load(ctx, st)
	if err != nil {
		return eris.Wrapf(err, "import %s", importCSVPath)
	}

	zap.L().Info("import complete",
		zap.String("import", tally.Stage()),
		zap.String("csv", importCSVPath),
		zap.Int("rows", tally.Pairs()),
		zap.Int64("written", n),
		zap.Int("rejected", tally.TotalErrors()),
	)
	if tally.TotalErrors() > 0 {
		return report.WriteTable(rootCmd.OutOrStdout(), []report.Summary{tally.Summary(cfg.Report.TopN)})
	}
	return nil
}

func init() {
	importCmd.PersistentFlags().StringVar(&importCSVPath, "csv", "", "path to CSV or XLSX export (required)")
	_ = importCmd.MarkPersistentFlagRequired("csv")
	importCmd.AddCommand(importEventsCmd, importRatesCmd, importCreditedCmd)
	rootCmd.AddCommand(importCmd)
}
