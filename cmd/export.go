package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/shelfsight/shelfscan/internal/model"
)

var exportOut string

var exportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Export a run's layout and iteration audit to an xlsx workbook",
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
			return eris.Wrap(err, "export: load run")
		}
		recs, err := st.ListIterations(ctx, run.ID)
		if err != nil {
			return eris.Wrap(err, "export: load iterations")
		}

		f, err := buildWorkbook(run, recs)
		if err != nil {
			return err
		}

		out := exportOut
		if out == "" {
			out = truncateID(run.ID) + ".xlsx"
		}
		if err := f.Save(out); err != nil {
			return eris.Wrapf(err, "export: save %s", out)
		}

		zap.L().Info("export complete",
			zap.String("run", run.ID),
			zap.String("file", out),
			zap.Int("items", itemCount(run)),
			zap.Int("iterations", len(recs)),
		)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportOut, "out", "", "output file (default <run-id>.xlsx)")
	rootCmd.AddCommand(exportCmd)
}

func itemCount(run *model.Run) int {
	if run.State == nil {
		return 0
	}
	return len(run.State.Result.Items)
}

// buildWorkbook assembles the two-sheet export: Summary carries the run
// header and the final layout, Iterations carries the audit trail.
func buildWorkbook(run *model.Run, recs []model.IterationRecord) (*xlsx.File, error) {
	f := xlsx.NewFile()

	summary, err := f.AddSheet("Summary")
	if err != nil {
		return nil, eris.Wrap(err, "export: add summary sheet")
	}
	writeSummary(summary, run)

	iterations, err := f.AddSheet("Iterations")
	if err != nil {
		return nil, eris.Wrap(err, "export: add iterations sheet")
	}
	writeIterations(iterations, recs)

	return f, nil
}

func writeSummary(sheet *xlsx.Sheet, run *model.Run) {
	addKV := func(key, value string) {
		row := sheet.AddRow()
		row.AddCell().Value = key
		row.AddCell().Value = value
	}

	addKV("Run", run.ID)
	addKV("Image", run.Job.ImageRef)
	addKV("Status", string(run.Status))
	addKV("Created", run.CreatedAt.Format("2006-01-02 15:04:05"))
	if run.State != nil {
		addKV("Accuracy", fmt.Sprintf("%.1f", run.State.Accuracy))
		addKV("Target", fmt.Sprintf("%.1f", run.State.TargetAccuracy))
		addKV("Iterations", fmt.Sprintf("%d", run.State.Iteration))
		addKV("Cost USD", fmt.Sprintf("%.4f", run.State.Budget.SpentUSD))
		addKV("Incomplete", fmt.Sprintf("%t", run.State.Incomplete))
		if run.State.Reason != "" {
			addKV("Reason", run.State.Reason)
		}
	}

	if run.State == nil || len(run.State.Result.Items) == 0 {
		return
	}

	sheet.AddRow() // spacer
	header := sheet.AddRow()
	for _, h := range []string{"Position", "Locked", "Confidence", "Payload", "Sources"} {
		header.AddCell().Value = h
	}

	for i := range run.State.Result.Items {
		it := &run.State.Result.Items[i]
		row := sheet.AddRow()
		row.AddCell().Value = it.Position
		row.AddCell().Value = fmt.Sprintf("%t", it.Lock == model.LockLocked)
		row.AddCell().SetFloatWithFormat(it.Confidence, "0.00")
		row.AddCell().Value = payloadString(it.Payload)
		row.AddCell().Value = strings.Join(it.Sources, ", ")
	}
}

func writeIterations(sheet *xlsx.Sheet, recs []model.IterationRecord) {
	header := sheet.AddRow()
	for _, h := range []string{"Iteration", "Accuracy", "Locked", "Total", "Unlocked", "Re-extracted", "Mismatches", "Decision", "Cost USD"} {
		header.AddCell().Value = h
	}

	for _, rec := range recs {
		row := sheet.AddRow()
		row.AddCell().SetInt(rec.Iteration)
		row.AddCell().SetFloatWithFormat(rec.Accuracy, "0.0")
		row.AddCell().SetInt(rec.LockedCount)
		row.AddCell().SetInt(rec.TotalCount)
		row.AddCell().SetInt(len(rec.Unlocked))
		row.AddCell().SetInt(len(rec.Reextracted))
		row.AddCell().SetInt(len(rec.Mismatches))
		row.AddCell().Value = rec.Decision
		row.AddCell().SetFloatWithFormat(rec.CostUSD, "0.0000")
	}
}

// payloadString renders a payload as stable "key=value" pairs.
func payloadString(payload map[string]any) string {
	if len(payload) == 0 {
		return ""
	}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, payload[k]))
	}
	return strings.Join(parts, ", ")
}
