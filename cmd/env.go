package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/campaign"
	"github.com/sells-group/outreach-cli/internal/store"
	"github.com/sells-group/outreach-cli/internal/transcript"
	"github.com/sells-group/outreach-cli/pkg/anthropic"
	"github.com/sells-group/outreach-cli/pkg/vapi"
)

// env bundles the collaborators a command needs, wired from config.
type env struct {
	store        store.Store
	orchestrator *campaign.Orchestrator
}

func (e *env) Close() {
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			zap.L().Warn("store close failed", zap.Error(err))
		}
	}
}

// initStore opens the configured store backend.
func initStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate("store"); err != nil {
		return nil, err
	}

	switch cfg.Store.Driver {
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	case "sqlite":
		return store.NewSQLite(ctx, cfg.Store.DatabaseURL)
	default:
		return nil, eris.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}

// initEngine wires the full campaign engine: store, gateway, catalog, clock,
// and the optional transcript analyzer.
func initEngine(ctx context.Context) (*env, error) {
	if err := cfg.Validate("engine"); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	catalog, err := campaign.LoadCatalog(cfg.Campaign)
	if err != nil {
		st.Close()
		return nil, err
	}

	gateway := vapi.NewClient(
		cfg.Vapi.Key,
		cfg.Vapi.AssistantID,
		cfg.Vapi.PhoneNumberID,
		vapi.WithBaseURL(cfg.Vapi.BaseURL),
	)

	fallback, err := time.LoadLocation(cfg.Campaign.FallbackTimezone)
	if err != nil {
		st.Close()
		return nil, eris.Wrapf(err, "load fallback timezone %q", cfg.Campaign.FallbackTimezone)
	}

	opts := campaign.Options{
		Debug:            cfg.Campaign.Debug,
		TestPhoneNumber:  cfg.Campaign.TestPhoneNumber,
		Fallback:         fallback,
		FinalizeTerminal: cfg.Campaign.FinalizeTerminal,
	}
	if cfg.Anthropic.Key != "" {
		opts.Analyzer = transcript.NewAnalyzer(
			anthropic.NewClient(cfg.Anthropic.Key),
			cfg.Anthropic.Model,
		)
	}

	orchestrator, err := campaign.New(st, gateway, catalog, campaign.NewPacer(cfg.Campaign.Cooldown), opts)
	if err != nil {
		st.Close()
		return nil, err
	}

	zap.L().Info("engine initialized",
		zap.String("store_driver", cfg.Store.Driver),
		zap.Int("sources", len(catalog)),
		zap.Bool("debug", cfg.Campaign.Debug),
		zap.Bool("transcript_analysis", opts.Analyzer != nil))

	return &env{store: st, orchestrator: orchestrator}, nil
}
