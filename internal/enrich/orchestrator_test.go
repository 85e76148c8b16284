package enrich

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendalabs/leadpipe/internal/cache"
	"github.com/vendalabs/leadpipe/internal/model"
	"github.com/vendalabs/leadpipe/internal/provider"
	"github.com/vendalabs/leadpipe/internal/ratelimit"
)

// fakeAdapter is a scriptable provider for orchestrator tests.
type fakeAdapter struct {
	name     string
	requires []string
	ttl      time.Duration

	mu       sync.Mutex
	calls    int
	entities []provider.Entity
	fetch    func(e provider.Entity) (*model.EnrichmentResult, error)
}

func (f *fakeAdapter) Name() string       { return f.name }
func (f *fakeAdapter) Requires() []string { return f.requires }
func (f *fakeAdapter) CacheTTL() time.Duration {
	if f.ttl > 0 {
		return f.ttl
	}
	return time.Hour
}

func (f *fakeAdapter) Fetch(_ context.Context, e provider.Entity) (*model.EnrichmentResult, error) {
	f.mu.Lock()
	f.calls++
	f.entities = append(f.entities, e)
	f.mu.Unlock()
	if f.fetch != nil {
		return f.fetch(e)
	}
	return &model.EnrichmentResult{
		Provider:  f.name,
		FetchedAt: time.Now().UTC(),
		Fields:    map[string]model.FieldValue{},
	}, nil
}

func okResult(name string, fields map[string]model.FieldValue) *model.EnrichmentResult {
	return &model.EnrichmentResult{Provider: name, FetchedAt: time.Now().UTC(), Fields: fields}
}

func TestEnrich_DependentProviderSeesResolvedDomain(t *testing.T) {
	registry := &fakeAdapter{
		name: provider.Registry,
		fetch: func(provider.Entity) (*model.EnrichmentResult, error) {
			return okResult(provider.Registry, map[string]model.FieldValue{
				model.FieldDomain: {Value: "acme.com.br", Source: provider.Registry},
			}), nil
		},
	}
	people := &fakeAdapter{
		name:     provider.PeopleData,
		requires: []string{provider.Registry},
		fetch: func(e provider.Entity) (*model.EnrichmentResult, error) {
			if e.Domain == "" {
				return nil, provider.NewError(provider.PeopleData, provider.KindMissingKey, errors.New("no domain"))
			}
			return okResult(provider.PeopleData, nil), nil
		},
	}

	o := New([]provider.Adapter{registry, people}, cache.NewMemory(), nil)
	bundle, err := o.Enrich(context.Background(), provider.Entity{CompanyID: "c1", CNPJ: "12345678000195"}, nil)
	require.NoError(t, err)

	assert.Equal(t, model.BundleComplete, bundle.Status)
	require.Len(t, people.entities, 1)
	assert.Equal(t, "acme.com.br", people.entities[0].Domain, "domain resolved by registry must reach the dependent provider")
}

func TestEnrich_PartialWhenOneProviderFails(t *testing.T) {
	good := &fakeAdapter{name: provider.TechSniff}
	bad := &fakeAdapter{
		name: provider.RiskGate,
		fetch: func(provider.Entity) (*model.EnrichmentResult, error) {
			return nil, provider.NewError(provider.RiskGate, provider.KindUnavailable, errors.New("down"))
		},
	}

	o := New([]provider.Adapter{good, bad}, cache.NewMemory(), nil)
	bundle, err := o.Enrich(context.Background(), provider.Entity{CompanyID: "c1", Domain: "acme.com.br", CNPJ: "12345678000195"}, nil)
	require.NoError(t, err)

	assert.Equal(t, model.BundlePartial, bundle.Status)
	require.NotNil(t, bundle.Outcome(provider.RiskGate))
	assert.Equal(t, model.OutcomeFailed, bundle.Outcome(provider.RiskGate).Status)
	assert.Equal(t, string(provider.KindUnavailable), bundle.Outcome(provider.RiskGate).ErrKind)
	assert.Equal(t, model.OutcomeOK, bundle.Outcome(provider.TechSniff).Status)
}

func TestEnrich_AllFailedIsFailed(t *testing.T) {
	bad := &fakeAdapter{
		name: provider.Registry,
		fetch: func(provider.Entity) (*model.EnrichmentResult, error) {
			return nil, provider.NewError(provider.Registry, provider.KindAuth, errors.New("bad key"))
		},
	}
	o := New([]provider.Adapter{bad}, cache.NewMemory(), nil)
	bundle, err := o.Enrich(context.Background(), provider.Entity{CompanyID: "c1", CNPJ: "12345678000195"}, nil)
	require.NoError(t, err)
	assert.Equal(t, model.BundleFailed, bundle.Status)
}

func TestEnrich_CacheHitSkipsSecondCall(t *testing.T) {
	a := &fakeAdapter{name: provider.Registry}
	o := New([]provider.Adapter{a}, cache.NewMemory(), nil)
	e := provider.Entity{CompanyID: "c1", CNPJ: "12345678000195"}

	_, err := o.Enrich(context.Background(), e, nil)
	require.NoError(t, err)

	bundle, err := o.Enrich(context.Background(), e, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, a.calls, "second pass must be served from cache")
	assert.Equal(t, model.OutcomeCached, bundle.Outcome(provider.Registry).Status)
	assert.Equal(t, model.BundleComplete, bundle.Status)
}

func TestEnrich_ErrorsAreNotCached(t *testing.T) {
	failing := atomic.Bool{}
	failing.Store(true)
	a := &fakeAdapter{
		name: provider.Registry,
		fetch: func(provider.Entity) (*model.EnrichmentResult, error) {
			if failing.Load() {
				return nil, provider.NewError(provider.Registry, provider.KindUnavailable, errors.New("down"))
			}
			return okResult(provider.Registry, nil), nil
		},
	}
	o := New([]provider.Adapter{a}, cache.NewMemory(), nil)
	e := provider.Entity{CompanyID: "c1", CNPJ: "12345678000195"}

	_, err := o.Enrich(context.Background(), e, nil)
	require.NoError(t, err)

	failing.Store(false)
	bundle, err := o.Enrich(context.Background(), e, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, a.calls, "failure must not be cached as a positive result")
	assert.Equal(t, model.OutcomeOK, bundle.Outcome(provider.Registry).Status)
}

func TestEnrich_RateLimiterRejection(t *testing.T) {
	a := &fakeAdapter{name: provider.Registry}
	limiter := ratelimit.New(map[string]ratelimit.Rule{
		"provider/" + provider.Registry: {Max: 1, Window: time.Minute},
	})

	o := New([]provider.Adapter{a}, nil, limiter)
	e := provider.Entity{CompanyID: "c1", CNPJ: "12345678000195"}

	bundle, err := o.Enrich(context.Background(), e, nil)
	require.NoError(t, err)
	assert.Equal(t, model.BundleComplete, bundle.Status)

	bundle, err = o.Enrich(context.Background(), e, nil)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeRateLimited, bundle.Outcome(provider.Registry).Status)
	assert.Equal(t, 1, a.calls)
}

func TestEnrich_UnknownProvider(t *testing.T) {
	o := New(nil, nil, nil)
	_, err := o.Enrich(context.Background(), provider.Entity{CompanyID: "c1"}, []string{"nope"})
	assert.Error(t, err)
}

func TestRunBatch_CancellationStopsDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int64
	slow := &fakeAdapter{
		name: provider.TechSniff,
		fetch: func(provider.Entity) (*model.EnrichmentResult, error) {
			if calls.Add(1) == 1 {
				cancel() // cancel while the first entity is in flight
			}
			time.Sleep(10 * time.Millisecond)
			return okResult(provider.TechSniff, nil), nil
		},
	}

	o := New([]provider.Adapter{slow}, nil, nil)

	entities := make([]provider.Entity, 20)
	for i := range entities {
		entities[i] = provider.Entity{CompanyID: string(rune('a' + i)), Domain: "acme.com.br"}
	}

	var handled atomic.Int64
	result, err := o.RunBatch(ctx, entities, nil, 1, func(context.Context, provider.Entity, *model.Bundle) error {
		handled.Add(1)
		return nil
	})
	require.NoError(t, err)

	assert.True(t, result.Canceled)
	assert.Less(t, result.Dispatched, len(entities), "dispatch must stop after cancellation")
	// In-flight entities complete and their bundles are still handled.
	assert.EqualValues(t, result.Dispatched, handled.Load())
}

func TestRunBatch_CountsStatuses(t *testing.T) {
	flaky := &fakeAdapter{
		name: provider.Registry,
		fetch: func(e provider.Entity) (*model.EnrichmentResult, error) {
			if e.CompanyID == "bad" {
				return nil, provider.NewError(provider.Registry, provider.KindUnavailable, errors.New("down"))
			}
			return okResult(provider.Registry, nil), nil
		},
	}
	o := New([]provider.Adapter{flaky}, nil, nil)

	entities := []provider.Entity{
		{CompanyID: "good-1", CNPJ: "12345678000195"},
		{CompanyID: "bad", CNPJ: "98765432000198"},
		{CompanyID: "good-2", CNPJ: "11222333000181"},
	}

	result, err := o.RunBatch(context.Background(), entities, nil, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Dispatched)
	assert.Equal(t, 2, result.Complete)
	assert.Equal(t, 1, result.Failed)
	assert.False(t, result.Canceled)
}
