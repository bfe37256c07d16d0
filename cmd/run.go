package main

import (
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shelfsight/shelfscan/internal/model"
)

var (
	runImage  string
	runTarget float64
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Extract the layout of a single shelf image",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		eng, st, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		job := model.Job{
			ID:             uuid.New().String(),
			ImageRef:       runImage,
			TargetAccuracy: runTarget,
			SubmittedAt:    time.Now().UTC(),
		}

		state, err := eng.Run(ctx, job)
		if err != nil {
			// Aborted runs still carry a final state worth printing; the
			// non-zero exit stays.
			if state == nil {
				return err
			}
			zap.L().Error("run aborted",
				zap.String("reason", state.Reason),
				zap.Error(err),
			)
			printState(state)
			return errors.New("run aborted: " + state.Reason)
		}

		zap.L().Info("run finished",
			zap.String("run", state.RunID),
			zap.Float64("accuracy", state.Accuracy),
			zap.Int("iterations", state.Iteration),
			zap.Int("items", len(state.Result.Items)),
			zap.Int("locked", state.Result.LockedCount()),
			zap.Float64("cost_usd", state.Budget.SpentUSD),
			zap.Bool("incomplete", state.Incomplete),
		)

		return printState(state)
	},
}

func printState(state *model.RunState) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(state)
}

func init() {
	runCmd.Flags().StringVar(&runImage, "image", "", "shelf image reference: path or URL (required)")
	runCmd.Flags().Float64Var(&runTarget, "target", 0, "accuracy target 0-100 (default from config)")
	_ = runCmd.MarkFlagRequired("image")
	rootCmd.AddCommand(runCmd)
}
