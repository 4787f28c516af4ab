package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one campaign run over all configured sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		report, err := e.orchestrator.RunOnce(ctx)
		if err != nil {
			return err
		}

		zap.L().Info("run finished",
			zap.Int("placed", report.Placed),
			zap.Int("polled", report.Polled),
			zap.Int("finalized", report.Finalized),
			zap.Int("skipped", report.Skipped),
			zap.Int("failed", report.Failed))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
