// Package pipeline wires the full pass for a lead: enrichment fan-out,
// reconciliation into the canonical record, persistence, ICP scoring
// and the lifecycle decision. Each stage is owned by its package; this
// one only sequences them.
package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/vendalabs/leadpipe/internal/enrich"
	"github.com/vendalabs/leadpipe/internal/icp"
	"github.com/vendalabs/leadpipe/internal/lifecycle"
	"github.com/vendalabs/leadpipe/internal/model"
	"github.com/vendalabs/leadpipe/internal/provider"
	"github.com/vendalabs/leadpipe/internal/reconcile"
	"github.com/vendalabs/leadpipe/internal/store"
)

// Pipeline runs enrichment passes end to end.
type Pipeline struct {
	store   store.Store
	orch    *enrich.Orchestrator
	engine  *icp.Engine
	machine *lifecycle.Machine
	workers int
}

func New(s store.Store, orch *enrich.Orchestrator, engine *icp.Engine, machine *lifecycle.Machine, workers int) *Pipeline {
	if workers <= 0 {
		workers = 3
	}
	return &Pipeline{store: s, orch: orch, engine: engine, machine: machine, workers: workers}
}

// Entity builds the provider lookup key from a canonical record.
func Entity(c *model.Company) provider.Entity {
	return provider.Entity{
		CompanyID: c.ID,
		TenantID:  c.TenantID,
		CNPJ:      c.CNPJ,
		Domain:    c.Domain,
		Name:      c.LegalName,
		City:      c.City,
		State:     c.UF,
	}
}

// ProcessCompany runs one enrichment pass for a single company and
// applies the scoring decision.
func (p *Pipeline) ProcessCompany(ctx context.Context, tenantID, companyID string, providers []string) (*icp.Result, error) {
	c, err := p.store.GetCompany(ctx, tenantID, companyID)
	if err != nil {
		return nil, err
	}

	bundle, err := p.orch.Enrich(ctx, Entity(c), providers)
	if err != nil {
		return nil, err
	}

	return p.absorb(ctx, c, bundle)
}

// EnrichBatch runs enrichment over every company matching the filter.
// Bundles are absorbed as they complete; a failing company is logged
// and skipped, never aborting the batch.
func (p *Pipeline) EnrichBatch(ctx context.Context, filter store.CompanyFilter, providers []string) (*enrich.BatchResult, error) {
	companies, err := p.store.ListCompanies(ctx, filter)
	if err != nil {
		return nil, err
	}

	entities := make([]provider.Entity, len(companies))
	for i := range companies {
		entities[i] = Entity(&companies[i])
	}

	return p.orch.RunBatch(ctx, entities, providers, p.workers, func(ctx context.Context, e provider.Entity, b *model.Bundle) error {
		c, err := p.store.GetCompany(ctx, e.TenantID, e.CompanyID)
		if err != nil {
			return err
		}
		_, err = p.absorb(ctx, c, b)
		return err
	})
}

// absorb folds one bundle into the canonical record: merge, persist,
// score, and run the lifecycle decision. The record is re-read by the
// caller right before this, so the merge works on fresh state.
func (p *Pipeline) absorb(ctx context.Context, c *model.Company, bundle *model.Bundle) (*icp.Result, error) {
	merged := reconcile.Merge(*c, bundle)

	people, err := p.store.ListPeople(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	people = reconcile.People(people, c.ID, bundle)

	res := p.engine.Qualify(&merged)
	score := res.Score
	merged.ICPScore = &score
	merged.Temperature = res.Temperature

	if err := p.store.UpsertCompany(ctx, &merged); err != nil {
		return nil, err
	}
	if len(people) > 0 {
		if err := p.store.UpsertPeople(ctx, c.ID, people); err != nil {
			return nil, err
		}
	}

	if err := p.machine.Apply(ctx, &merged, res); err != nil {
		return nil, eris.Wrap(err, "pipeline: lifecycle apply")
	}

	zap.L().Info("enrichment pass absorbed",
		zap.String("company_id", c.ID),
		zap.String("bundle_status", string(bundle.Status)),
		zap.Int("score", res.Score),
		zap.String("temperature", res.Temperature),
		zap.String("decision", res.Decision),
	)
	return &res, nil
}

// Qualify rescoring without enrichment: used after criteria changes and
// by the qualify command over the quarantine queue.
func (p *Pipeline) Qualify(ctx context.Context, c *model.Company) (*icp.Result, error) {
	res := p.engine.Qualify(c)
	score := res.Score
	c.ICPScore = &score
	c.Temperature = res.Temperature

	if err := p.store.UpsertCompany(ctx, c); err != nil {
		return nil, err
	}
	if err := p.machine.Apply(ctx, c, res); err != nil {
		return nil, eris.Wrap(err, "pipeline: lifecycle apply")
	}
	return &res, nil
}

// QualifyQuarantine rescores every quarantined company for a tenant.
func (p *Pipeline) QualifyQuarantine(ctx context.Context, tenantID string) (int, error) {
	companies, err := p.store.ListCompanies(ctx, store.CompanyFilter{
		TenantID: tenantID,
		State:    model.StateQuarantine,
		Limit:    10_000,
	})
	if err != nil {
		return 0, err
	}

	scored := 0
	started := time.Now()
	for i := range companies {
		if ctx.Err() != nil {
			return scored, ctx.Err()
		}
		if _, err := p.Qualify(ctx, &companies[i]); err != nil {
			zap.L().Error("pipeline: qualify failed",
				zap.String("company_id", companies[i].ID), zap.Error(err))
			continue
		}
		scored++
	}

	zap.L().Info("quarantine rescoring finished",
		zap.Int("scored", scored),
		zap.Duration("elapsed", time.Since(started)),
	)
	return scored, nil
}
