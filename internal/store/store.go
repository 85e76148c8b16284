// Package store persists canonical company records, people, deals and
// outbox events. Two backends exist: SQLite for single-node and local
// use, PostgreSQL for shared deployments. Both enforce the lifecycle
// invariants through constraints rather than read-then-write checks.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/vendalabs/leadpipe/internal/lifecycle"
	"github.com/vendalabs/leadpipe/internal/model"
)

// ErrNotFound marks lookups for records that do not exist.
var ErrNotFound = eris.New("store: not found")

// CompanyFilter specifies criteria for listing companies.
type CompanyFilter struct {
	TenantID    string               `json:"tenant_id,omitempty"`
	State       model.LifecycleState `json:"state,omitempty"`
	Temperature string               `json:"temperature,omitempty"`
	Limit       int                  `json:"limit,omitempty"`
	Offset      int                  `json:"offset,omitempty"`
}

// Store defines the persistence interface for the pipeline.
type Store interface {
	// Companies. UpsertCompany never touches the lifecycle state of an
	// existing row; state changes only flow through SwapState.
	UpsertCompany(ctx context.Context, c *model.Company) error
	GetCompany(ctx context.Context, tenantID, id string) (*model.Company, error)
	FindCompany(ctx context.Context, tenantID, cnpj, domain string) (*model.Company, error)
	ListCompanies(ctx context.Context, filter CompanyFilter) ([]model.Company, error)

	// People, deduplicated per company by normalized name key.
	UpsertPeople(ctx context.Context, companyID string, people []model.Person) error
	ListPeople(ctx context.Context, companyID string) ([]model.Person, error)

	// Lifecycle transitions (constraint-guarded writes).
	lifecycle.Store

	// Outbox draining.
	PendingEvents(ctx context.Context, limit int) ([]lifecycle.OutboxEvent, error)
	MarkPublished(ctx context.Context, eventID string) error

	// Enrichment cache.
	GetCache(ctx context.Context, key string) ([]byte, bool, error)
	SetCache(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeleteExpiredCache(ctx context.Context) (int, error)

	Migrate(ctx context.Context) error
	Close() error
}

// EnrichCache adapts a Store's cache table to the enrichment cache
// interface so provider results survive restarts.
type EnrichCache struct {
	S Store
}

func (c EnrichCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return c.S.GetCache(ctx, key)
}

func (c EnrichCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.S.SetCache(ctx, key, value, ttl)
}
