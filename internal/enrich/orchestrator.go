// Package enrich sequences provider adapter calls for one entity,
// consulting the cache and the rate limiter, and assembles the results
// into a bundle. Partial success is the expected common case.
package enrich

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vendalabs/leadpipe/internal/cache"
	"github.com/vendalabs/leadpipe/internal/model"
	"github.com/vendalabs/leadpipe/internal/provider"
	"github.com/vendalabs/leadpipe/internal/ratelimit"
)

// callerKey identifies the orchestrator to the rate limiter.
const callerKey = "orchestrator"

// Orchestrator fans out to provider adapters for one entity at a time.
type Orchestrator struct {
	adapters    map[string]provider.Adapter
	cache       cache.Cache
	limiter     *ratelimit.Limiter
	concurrency int
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithConcurrency bounds how many providers run in parallel within one
// pass. Default 4.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// New creates an orchestrator over the given adapters.
func New(adapters []provider.Adapter, c cache.Cache, l *ratelimit.Limiter, opts ...Option) *Orchestrator {
	m := make(map[string]provider.Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Name()] = a
	}
	o := &Orchestrator{
		adapters:    m,
		cache:       c,
		limiter:     l,
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Providers returns the names of all registered adapters, sorted.
func (o *Orchestrator) Providers() []string {
	names := make([]string, 0, len(o.adapters))
	for name := range o.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Enrich runs one enrichment pass for the entity. Requested providers are
// resolved into dependency waves: a provider whose prerequisite failed is
// skipped, independent providers within a wave run concurrently. Individual
// failures never abort the pass.
func (o *Orchestrator) Enrich(ctx context.Context, e provider.Entity, requested []string) (*model.Bundle, error) {
	if len(requested) == 0 {
		requested = o.Providers()
	}

	log := zap.L().With(zap.String("company_id", e.CompanyID))
	started := time.Now()
	bundle := &model.Bundle{
		CompanyID: e.CompanyID,
		StartedAt: started.UTC(),
	}

	pending := make(map[string]provider.Adapter, len(requested))
	for _, name := range requested {
		a, ok := o.adapters[name]
		if !ok {
			return nil, eris.Errorf("enrich: unknown provider %q", name)
		}
		pending[name] = a
	}

	done := make(map[string]bool)

	for len(pending) > 0 {
		wave := o.nextWave(pending, done, requested)
		if len(wave) == 0 {
			// Remaining providers wait on prerequisites that already failed.
			for _, a := range sortedAdapters(pending) {
				bundle.Outcomes = append(bundle.Outcomes, model.ProviderOutcome{
					Provider: a.Name(),
					Status:   model.OutcomeSkipped,
					ErrKind:  string(provider.KindMissingKey),
				})
				delete(pending, a.Name())
			}
			break
		}

		results := o.runWave(ctx, e, wave, bundle)

		// Fold wave results back into the entity so dependent providers
		// see identifiers resolved upstream (e.g. registry -> domain).
		for _, res := range results {
			e = foldEntity(e, res)
			bundle.Results = append(bundle.Results, *res)
		}
		for _, a := range wave {
			done[a.Name()] = true
			delete(pending, a.Name())
		}
	}

	bundle.Elapsed = time.Since(started)
	bundle.Status = summarize(bundle.Outcomes)
	log.Info("enrichment pass finished",
		zap.String("status", string(bundle.Status)),
		zap.Int("providers", len(bundle.Outcomes)),
		zap.Duration("elapsed", bundle.Elapsed),
	)
	return bundle, nil
}

// nextWave returns the pending adapters whose prerequisites are resolved.
// A prerequisite that was not requested at all does not block its
// dependents; the adapter itself rejects entities missing its key.
func (o *Orchestrator) nextWave(pending map[string]provider.Adapter, done map[string]bool, requested []string) []provider.Adapter {
	requestedSet := make(map[string]bool, len(requested))
	for _, r := range requested {
		requestedSet[r] = true
	}

	var wave []provider.Adapter
	for _, a := range sortedAdapters(pending) {
		ready := true
		for _, dep := range a.Requires() {
			if requestedSet[dep] && !done[dep] {
				ready = false
				break
			}
		}
		if ready {
			wave = append(wave, a)
		}
	}
	return wave
}

// runWave executes one wave concurrently and returns successful results.
// Outcomes (including failures) are appended to the bundle.
func (o *Orchestrator) runWave(ctx context.Context, e provider.Entity, wave []provider.Adapter, bundle *model.Bundle) []*model.EnrichmentResult {
	var (
		mu       sync.Mutex
		results  []*model.EnrichmentResult
		outcomes []model.ProviderOutcome
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)

	for _, a := range wave {
		g.Go(func() error {
			res, outcome := o.callProvider(gctx, e, a)
			mu.Lock()
			outcomes = append(outcomes, outcome)
			if res != nil {
				results = append(results, res)
			}
			mu.Unlock()
			return nil // individual failures never abort the wave
		})
	}
	_ = g.Wait()

	// Deterministic ordering regardless of completion order.
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].Provider < outcomes[j].Provider })
	sort.Slice(results, func(i, j int) bool { return results[i].Provider < results[j].Provider })

	bundle.Outcomes = append(bundle.Outcomes, outcomes...)
	return results
}

// callProvider resolves one provider through cache, limiter and adapter.
func (o *Orchestrator) callProvider(ctx context.Context, e provider.Entity, a provider.Adapter) (*model.EnrichmentResult, model.ProviderOutcome) {
	name := a.Name()
	log := zap.L().With(zap.String("provider", name), zap.String("company_id", e.CompanyID))
	started := time.Now()

	cacheKey := cache.Key(name, entityKey(e))
	if o.cache != nil {
		if raw, found, err := o.cache.Get(ctx, cacheKey); err == nil && found {
			var res model.EnrichmentResult
			if jsonErr := json.Unmarshal(raw, &res); jsonErr == nil {
				log.Debug("cache hit")
				return &res, model.ProviderOutcome{
					Provider: name,
					Status:   model.OutcomeCached,
					Elapsed:  time.Since(started),
				}
			}
		} else if err != nil {
			log.Warn("cache read failed", zap.Error(err))
		}
	}

	if o.limiter != nil {
		if d := o.limiter.Admit(callerKey, "provider/"+name); !d.Allowed {
			log.Warn("provider call rejected by rate limiter",
				zap.Duration("retry_after", d.RetryAfter))
			return nil, model.ProviderOutcome{
				Provider: name,
				Status:   model.OutcomeRateLimited,
				ErrKind:  string(provider.KindRateLimited),
				Elapsed:  time.Since(started),
			}
		}
	}

	res, err := a.Fetch(ctx, e)
	if err != nil {
		kind := provider.KindOf(err)
		status := model.OutcomeFailed
		if kind == provider.KindMissingKey {
			status = model.OutcomeSkipped
		}
		log.Warn("provider call failed",
			zap.String("kind", string(kind)),
			zap.Error(err))
		return nil, model.ProviderOutcome{
			Provider: name,
			Status:   status,
			ErrKind:  string(kind),
			Elapsed:  time.Since(started),
		}
	}

	if o.cache != nil {
		if raw, jsonErr := json.Marshal(res); jsonErr == nil {
			if err := o.cache.Set(ctx, cacheKey, raw, a.CacheTTL()); err != nil {
				log.Warn("cache write failed", zap.Error(err))
			}
		}
	}

	return res, model.ProviderOutcome{
		Provider: name,
		Status:   model.OutcomeOK,
		Elapsed:  time.Since(started),
	}
}

// entityKey picks the strongest stable identifier for cache keying.
func entityKey(e provider.Entity) string {
	if e.CNPJ != "" {
		return e.CNPJ
	}
	if e.Domain != "" {
		return e.Domain
	}
	return e.CompanyID
}

// foldEntity back-fills identifiers resolved by a provider result.
func foldEntity(e provider.Entity, res *model.EnrichmentResult) provider.Entity {
	if e.Domain == "" {
		if fv, ok := res.Fields[model.FieldDomain]; ok {
			if s, ok := fv.Value.(string); ok {
				e.Domain = s
			}
		}
	}
	if e.CNPJ == "" {
		if fv, ok := res.Fields[model.FieldTaxID]; ok {
			if s, ok := fv.Value.(string); ok {
				e.CNPJ = s
			}
		}
	}
	return e
}

func summarize(outcomes []model.ProviderOutcome) model.BundleStatus {
	if len(outcomes) == 0 {
		return model.BundleFailed
	}
	ok, bad := 0, 0
	for _, oc := range outcomes {
		switch oc.Status {
		case model.OutcomeOK, model.OutcomeCached:
			ok++
		default:
			bad++
		}
	}
	switch {
	case bad == 0:
		return model.BundleComplete
	case ok == 0:
		return model.BundleFailed
	default:
		return model.BundlePartial
	}
}

func sortedAdapters(m map[string]provider.Adapter) []provider.Adapter {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]provider.Adapter, 0, len(names))
	for _, n := range names {
		out = append(out, m[n])
	}
	return out
}
