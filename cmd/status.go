package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/revenue-engine/internal/store"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent stage runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, "status")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runs, err := st.ListRuns(ctx, statusLimit)
		if err != nil {
			return eris.Wrap(err, "status")
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No stage runs found.")
			return nil
		}

		return formatStatusEntries(cmd.OutOrStdout(), runs)
	},
}

func formatStatusEntries(out io.Writer, runs []store.RunEntry) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTAGE\tSTATUS\tSTARTED\tDURATION\tPAIRS\tERROR")
	for _, r := range runs {
		duration := "-"
		if r.CompletedAt != nil {
			duration = r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		errMsg := "-"
		if r.Error != "" {
			errMsg = truncate(r.Error, 60)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			shortID(r.ID),
			r.Stage,
			r.Status,
			r.StartedAt.Format("2006-01-02 15:04:05"),
			duration,
			r.Pairs,
			errMsg,
		)
	}
	return eris.Wrap(w.Flush(), "status: flush table")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "number of runs to show")
	rootCmd.AddCommand(statusCmd)
}
