package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/adrianco/consciousness-sub000/internal/loop"
	"github.com/adrianco/consciousness-sub000/internal/store"
)

// NewHealthCommand creates the health command.
func NewHealthCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		dbPath string
		last   int
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show recent cycle health records",
		Long: `Read the most recent per-cycle health records from the audit store.
WAL mode lets this run concurrently against a live loop.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealth(rootOpts, dbPath, last, cmd)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "safla.db", "audit database path")
	cmd.Flags().IntVar(&last, "last", 10, "number of records to show")
	return cmd
}

func runHealth(opts *RootOptions, dbPath string, last int, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "open store", err)
	}
	defer st.Close()

	records, err := st.RecentHealth(cmd.Context(), last)
	if err != nil {
		return WrapExitError(ExitCommandError, "read health records", err)
	}

	return renderHealth(formatter, records)
}

// renderHealth writes the health report in the configured format.
func renderHealth(f *OutputFormatter, records []loop.HealthRecord) error {
	if f.Format == "json" {
		return f.Success(records)
	}

	if len(records) == 0 {
		fmt.Fprintln(f.Writer, "no health records")
		return nil
	}

	for _, rec := range records {
		status := "ok"
		if rec.Degraded {
			status = "DEGRADED"
		}
		fmt.Fprintf(f.Writer, "cycle %-6d %-14s %-10s samples=%d anomalies=%d completed=%d rejected=%d confidence=%.2f\n",
			rec.Cycle,
			humanize.Time(rec.StartedAt),
			rec.Duration.Round(10*time.Microsecond),
			rec.Samples,
			rec.Anomalies,
			rec.Completed,
			rec.ActionsRejected,
			rec.Confidence,
		)
		if rec.Degraded {
			fmt.Fprintf(f.Writer, "             %s: %s\n", status, rec.Fault)
		}
		if len(rec.Partial) > 0 {
			fmt.Fprintf(f.Writer, "             partial: %v\n", rec.Partial)
		}
		if len(rec.Divergence) > 0 {
			fmt.Fprintf(f.Writer, "             divergence: %s\n", divergenceLine(rec.Divergence))
		}
	}
	return nil
}

// divergenceLine formats per-device twin divergence scores in device
// order.
func divergenceLine(scores map[string]float64) string {
	ids := make([]string, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%s=%.3f", id, scores[id])
	}
	return strings.Join(parts, " ")
}
