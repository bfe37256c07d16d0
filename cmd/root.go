package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shelfsight/shelfscan/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "shelfscan",
	Short: "Shelf layout extraction engine",
	Long:  "Extracts planogram layouts from shelf photographs via consensus over multiple vision models, scores them against the image, and iterates with selective locking until the accuracy target or the budget is reached.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
