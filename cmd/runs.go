package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/callpipe/internal/model"
	"github.com/sells-group/callpipe/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect pipeline run history",
	Long:  "Commands for listing, viewing, and summarizing stored pipeline runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipeline runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openRunStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		tag, _ := cmd.Flags().GetString("tag")
		degradation, _ := cmd.Flags().GetString("degradation")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := st.ListRuns(ctx, store.RunFilter{
			Tag:         tag,
			Degradation: model.Degradation(degradation),
			Limit:       limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openRunStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openRunStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		tag, _ := cmd.Flags().GetString("tag")
		since, _ := cmd.Flags().GetDuration("since")

		runs, err := st.ListRuns(ctx, store.RunFilter{Tag: tag, Limit: 10000})
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}
		if since > 0 {
			runs = runsSince(runs, time.Now().Add(-since))
		}

		formatRunStats(os.Stdout, computeRunStats(runs))
		return nil
	},
}

func openRunStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate("runs"); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func init() {
	runsListCmd.Flags().String("tag", "", "filter by classification tag")
	runsListCmd.Flags().String("degradation", "", "filter by degradation (none, minimal, moderate, severe)")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsStatsCmd.Flags().String("tag", "", "filter by classification tag")
	runsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// runsSince keeps runs started at or after cutoff. Input is newest first.
func runsSince(runs []model.AggregateResult, cutoff time.Time) []model.AggregateResult {
	for i, r := range runs {
		if r.StartedAt.Before(cutoff) {
			return runs[:i]
		}
	}
	return runs
}

// runStats holds aggregate statistics computed from a set of runs.
type runStats struct {
	Total      int
	Completed  int
	Aborted    int
	ByDegrade  map[model.Degradation]int
	AvgDurSecs float64
	TotalCost  float64
}

// computeRunStats computes aggregate statistics from a list of runs.
func computeRunStats(runs []model.AggregateResult) runStats {
	s := runStats{
		Total:     len(runs),
		ByDegrade: make(map[model.Degradation]int),
	}

	var totalMs int64
	for i := range runs {
		r := &runs[i]
		if r.Aborted {
			s.Aborted++
		}
		if r.FullyCompleted() {
			s.Completed++
		}
		s.ByDegrade[r.Degradation]++
		totalMs += r.Duration
		s.TotalCost += r.EstimatedCost
	}

	if s.Total > 0 {
		s.AvgDurSecs = float64(totalMs) / 1000 / float64(s.Total)
	}
	return s
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.AggregateResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTAG\tDEGRADATION\tABORTED_BY\tSTEPS\tSTARTED\tDURATION\tCOST")
	_, _ = fmt.Fprintln(w, "--\t---\t-----------\t----------\t-----\t-------\t--------\t----")

	for _, r := range runs {
		dur := (time.Duration(r.Duration) * time.Millisecond).Round(time.Millisecond).String()

		tag := r.Tag
		if tag == "" {
			tag = "-"
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\t$%.4f\n",
			truncateID(r.RunID),
			tag,
			r.Degradation,
			r.AbortedBy,
			len(r.Executed),
			len(r.Executed)+len(r.NotRun),
			r.StartedAt.Format("2006-01-02 15:04"),
			dur,
			r.EstimatedCost,
		)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s runStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Fully completed:\t%d\n", s.Completed)
	_, _ = fmt.Fprintf(w, "Aborted:\t%d\n", s.Aborted)
	for _, d := range []model.Degradation{
		model.DegradationNone,
		model.DegradationMinimal,
		model.DegradationModerate,
		model.DegradationSevere,
	} {
		_, _ = fmt.Fprintf(w, "  %s:\t%d\n", d, s.ByDegrade[d])
	}
	if s.AvgDurSecs > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", s.AvgDurSecs)
	}
	_, _ = fmt.Fprintf(w, "Estimated cost:\t$%.4f\n", s.TotalCost)
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
