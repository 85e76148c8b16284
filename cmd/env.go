package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/vendalabs/leadpipe/internal/config"
	"github.com/vendalabs/leadpipe/internal/enrich"
	"github.com/vendalabs/leadpipe/internal/icp"
	"github.com/vendalabs/leadpipe/internal/lifecycle"
	"github.com/vendalabs/leadpipe/internal/pipeline"
	"github.com/vendalabs/leadpipe/internal/provider"
	"github.com/vendalabs/leadpipe/internal/ratelimit"
	"github.com/vendalabs/leadpipe/internal/store"
	"github.com/vendalabs/leadpipe/pkg/cnpjws"
	"github.com/vendalabs/leadpipe/pkg/prospecta"
	"github.com/vendalabs/leadpipe/pkg/riskgate"
	"github.com/vendalabs/leadpipe/pkg/socialscan"
	"github.com/vendalabs/leadpipe/pkg/techsniff"
)

// env bundles the wired components a command needs.
type env struct {
	Store    store.Store
	Pipeline *pipeline.Pipeline
	Machine  *lifecycle.Machine
	Limiter  *ratelimit.Limiter
}

func (e *env) Close() {
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("close store", zap.Error(err))
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.Path)
	case "postgres":
		var poolCfg *store.PoolConfig
		if cfg.Store.MaxConns > 0 || cfg.Store.MinConns > 0 {
			poolCfg = &store.PoolConfig{MaxConns: cfg.Store.MaxConns, MinConns: cfg.Store.MinConns}
		}
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, poolCfg)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// buildAdapters wires one adapter per configured provider. Providers that
// require an API key and have none configured are left out; the registry
// and the technology detector work without credentials.
func buildAdapters() []provider.Adapter {
	adapters := []provider.Adapter{
		provider.NewRegistryAdapter(newRegistryClient(cfg.Providers.Registry), cfg.Providers.Registry.TTL()),
		provider.NewTechAdapter(techsniff.NewDetector(), cfg.Providers.Tech.TTL()),
	}

	if p := cfg.Providers.People; p.APIKey != "" {
		var opts []prospecta.Option
		if p.BaseURL != "" {
			opts = append(opts, prospecta.WithBaseURL(p.BaseURL))
		}
		adapters = append(adapters, provider.NewPeopleAdapter(prospecta.NewClient(p.APIKey, opts...), p.TTL()))
	} else {
		zap.L().Info("people provider disabled, no API key configured")
	}

	if p := cfg.Providers.Social; p.APIKey != "" {
		var opts []socialscan.Option
		if p.BaseURL != "" {
			opts = append(opts, socialscan.WithBaseURL(p.BaseURL))
		}
		adapters = append(adapters, provider.NewSocialAdapter(socialscan.NewClient(p.APIKey, opts...), p.TTL()))
	} else {
		zap.L().Info("social provider disabled, no API key configured")
	}

	if p := cfg.Providers.Risk; p.APIKey != "" {
		var opts []riskgate.Option
		if p.BaseURL != "" {
			opts = append(opts, riskgate.WithBaseURL(p.BaseURL))
		}
		adapters = append(adapters, provider.NewRiskAdapter(riskgate.NewClient(p.APIKey, opts...), p.TTL()))
	} else {
		zap.L().Info("risk provider disabled, no API key configured")
	}

	return adapters
}

func newRegistryClient(p config.ProviderConfig) cnpjws.Client {
	var opts []cnpjws.Option
	if p.BaseURL != "" {
		opts = append(opts, cnpjws.WithBaseURL(p.BaseURL))
	}
	return cnpjws.NewClient(p.APIKey, opts...)
}

// initPipeline opens the store, runs migrations and wires the full
// enrichment pipeline.
func initPipeline(ctx context.Context) (*env, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	criteria, err := icp.LoadCriteria(cfg.ICP.CriteriaPath)
	if err != nil {
		st.Close()
		return nil, err
	}

	limiter := ratelimit.New(cfg.Rules())
	orch := enrich.New(buildAdapters(), store.EnrichCache{S: st}, limiter,
		enrich.WithConcurrency(cfg.Enrich.Concurrency))
	machine := lifecycle.NewMachine(st, nil)
	p := pipeline.New(st, orch, icp.NewEngine(criteria), machine, cfg.Enrich.Workers)

	zap.L().Info("pipeline ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("tenant", cfg.Tenant),
		zap.Int("profiles", len(criteria.Profiles)),
	)
	return &env{Store: st, Pipeline: p, Machine: machine, Limiter: limiter}, nil
}
