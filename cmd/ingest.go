package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/ingest"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Download configured lead feeds and store new client records",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("ingest"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		ing := ingest.New(st, ingest.NewHTTPFetcher(time.Duration(cfg.Ingest.TimeoutSecs)*time.Second))
		report, err := ing.Run(ctx, cfg.Ingest.Feeds)
		if err != nil {
			return err
		}

		zap.L().Info("ingest finished",
			zap.Int("fetched", report.Fetched),
			zap.Int("inserted", report.Inserted),
			zap.Int("skipped", report.Skipped),
			zap.Int("failed", report.Failed))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}
