package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/campaign"
	"github.com/sells-group/outreach-cli/internal/trigger"
)

var daemonPort int

// lastReport holds the most recent run report for the status endpoint.
type lastReport struct {
	mu     sync.RWMutex
	report *campaign.RunReport
}

func (l *lastReport) set(r campaign.RunReport) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.report = &r
}

func (l *lastReport) get() *campaign.RunReport {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.report
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the campaign engine on a fixed interval",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		var last lastReport
		runner := trigger.NewRunner(cfg.Trigger.Interval, func(ctx context.Context) error {
			report, err := e.orchestrator.RunOnce(ctx)
			last.set(report)
			return err
		})

		r := chi.NewRouter()
		r.Use(middleware.Recoverer)
		r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		})
		r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"last_run":      last.get(),
				"ticks_skipped": runner.Skipped(),
			})
		})

		port := daemonPort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down status server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		go func() {
			zap.L().Info("starting status server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				zap.L().Error("status server failed", zap.Error(err))
			}
		}()

		runner.Run(ctx)

		if err := ctx.Err(); err != nil && err != context.Canceled {
			return eris.Wrap(err, "daemon")
		}
		return nil
	},
}

func init() {
	daemonCmd.Flags().IntVar(&daemonPort, "port", 0, "status server port (default from config)")
	rootCmd.AddCommand(daemonCmd)
}
