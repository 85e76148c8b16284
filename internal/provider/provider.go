// Package provider defines the adapter contract every external data source
// implements, plus the shared error taxonomy. The orchestrator only sees
// this interface; provider-specific shapes stay behind each adapter.
package provider

import (
	"context"
	"time"

	"github.com/vendalabs/leadpipe/internal/model"
)

// Provider names. The priority order in reconciliation and the dependency
// edges in the orchestrator refer to these.
const (
	Registry   = "registry"    // tax-registry lookup (CNPJ)
	PeopleData = "people_data" // decision makers by domain
	TechSniff  = "tech_detect" // homepage technology signatures
	SocialScan = "social"      // job-based social presence scraper
	RiskGate   = "risk"        // financial risk score by CNPJ
)

// Entity is the lookup key handed to adapters. Adapters pick the
// identifier they understand and fail with KindMissingKey when it is absent.
type Entity struct {
	CompanyID string
	TenantID  string
	CNPJ      string // digits-only
	Domain    string
	Name      string
	City      string
	State     string
}

// Adapter normalizes one external API into the common result shape.
// Implementations own their timeout and retry policy and must never
// fabricate fields: anything the provider cannot determine is omitted.
type Adapter interface {
	// Name returns the provider name constant.
	Name() string

	// Requires lists providers whose success is a precondition for this
	// one (e.g. people data needs a resolved domain from the registry).
	Requires() []string

	// CacheTTL is the validity window for a successful result.
	CacheTTL() time.Duration

	// Fetch looks up the entity and returns a normalized result.
	Fetch(ctx context.Context, e Entity) (*model.EnrichmentResult, error)
}
