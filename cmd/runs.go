package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/shelfsight/shelfscan/internal/model"
	"github.com/shelfsight/shelfscan/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect extraction run history",
	Long:  "Commands for listing, viewing, and summarizing extraction runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List extraction runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := st.ListRuns(ctx, store.RunFilter{
			Status: model.RunStatus(status),
			Limit:  limit,
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

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

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

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		since, _ := cmd.Flags().GetDuration("since")
		filter := store.RunFilter{Limit: 10000}
		if since > 0 {
			filter.Since = time.Now().Add(-since)
		}

		runs, err := st.ListRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		stats := computeRunStats(runs)
		formatRunStats(os.Stdout, stats)
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (queued, running, done, escalated, aborted)")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// runStats holds aggregate statistics computed from a set of runs.
type runStats struct {
	Total       int
	Done        int
	Escalated   int
	Aborted     int
	Active      int
	TotalCost   float64
	AvgAccuracy float64
	AvgDurSecs  float64
}

// computeRunStats computes aggregate statistics from a list of runs.
func computeRunStats(runs []model.Run) runStats {
	var s runStats
	s.Total = len(runs)

	var totalDur time.Duration
	var durCount int
	var accuracySum float64
	var accuracyRuns int

	for _, r := range runs {
		switch r.Status {
		case model.RunStatusDone:
			s.Done++
		case model.RunStatusEscalated:
			s.Escalated++
		case model.RunStatusAborted:
			s.Aborted++
		default:
			s.Active++
		}

		if r.Status.Terminal() {
			totalDur += r.UpdatedAt.Sub(r.CreatedAt)
			durCount++
			if r.State != nil {
				accuracySum += r.State.Accuracy
				accuracyRuns++
			}
		}
		if r.State != nil {
			s.TotalCost += r.State.Budget.SpentUSD
		}
	}

	if durCount > 0 {
		s.AvgDurSecs = totalDur.Seconds() / float64(durCount)
	}
	if accuracyRuns > 0 {
		s.AvgAccuracy = accuracySum / float64(accuracyRuns)
	}
	return s
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tIMAGE\tSTATUS\tACCURACY\tITER\tCOST\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t-----\t------\t--------\t----\t----\t-------")

	for _, r := range runs {
		accuracy, iter, cost := "", "", ""
		if r.State != nil {
			accuracy = fmt.Sprintf("%.1f", r.State.Accuracy)
			iter = fmt.Sprintf("%d", r.State.Iteration)
			cost = fmt.Sprintf("$%.2f", r.State.Budget.SpentUSD)
		}

		image := r.Job.ImageRef
		if len(image) > 30 {
			image = image[:27] + "..."
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID),
			image,
			r.Status,
			accuracy,
			iter,
			cost,
			r.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s runStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Done:\t%d\n", s.Done)
	_, _ = fmt.Fprintf(w, "Escalated:\t%d\n", s.Escalated)
	_, _ = fmt.Fprintf(w, "Aborted:\t%d\n", s.Aborted)
	_, _ = fmt.Fprintf(w, "Active:\t%d\n", s.Active)
	_, _ = fmt.Fprintf(w, "Total cost:\t$%.2f\n", s.TotalCost)
	if s.AvgAccuracy > 0 {
		_, _ = fmt.Fprintf(w, "Avg accuracy:\t%.1f\n", s.AvgAccuracy)
	}
	if s.AvgDurSecs > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", s.AvgDurSecs)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
