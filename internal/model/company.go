// Package model defines the canonical record types shared across the
// enrichment pipeline.
package model

import (
	"time"
)

// LifecycleState tracks where a company sits in the qualification funnel.
type LifecycleState string

const (
	StateQuarantine LifecycleState = "quarantine"
	StateQualified  LifecycleState = "qualified"
	StatePromoted   LifecycleState = "promoted"
	StateRejected   LifecycleState = "rejected"
)

// Temperature buckets derived from the ICP score.
const (
	TempHot  = "hot"
	TempWarm = "warm"
	TempCold = "cold"
)

// Provenance records which provider supplied a field and when.
type Provenance struct {
	Source    string    `json:"source"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Company is the canonical record for a lead. Scalar fields hold at most
// one value; multi-valued fields are deduplicated sets kept sorted so that
// reconciliation stays deterministic.
type Company struct {
	ID       string `json:"id" db:"id"`
	TenantID string `json:"tenant_id" db:"tenant_id"`

	// Identity
	CNPJ   string `json:"cnpj,omitempty" db:"cnpj"` // digits-only, 14 chars
	Domain string `json:"domain,omitempty" db:"domain"`

	// Firmographics
	LegalName       string     `json:"legal_name,omitempty" db:"legal_name"`
	TradeName       string     `json:"trade_name,omitempty" db:"trade_name"`
	Porte           string     `json:"porte,omitempty" db:"porte"` // size bucket as reported by the registry
	EmployeeCount   *int       `json:"employee_count,omitempty" db:"employee_count"`
	RevenueEstimate *float64   `json:"revenue_estimate,omitempty" db:"revenue_estimate"`
	CapitalSocial   *float64   `json:"capital_social,omitempty" db:"capital_social"`
	FoundedAt       *time.Time `json:"founded_at,omitempty" db:"founded_at"`
	Situacao        string     `json:"situacao,omitempty" db:"situacao"` // registry status
	Sector          string     `json:"sector,omitempty" db:"sector"`
	Niche           string     `json:"niche,omitempty" db:"niche"`

	// Industry classification
	CNAEPrincipal   string   `json:"cnae_principal,omitempty" db:"cnae_principal"`
	CNAEDescricao   string   `json:"cnae_descricao,omitempty" db:"cnae_descricao"`
	CNAESecundarios []string `json:"cnae_secundarios,omitempty" db:"cnae_secundarios"`

	// Address
	Street  string `json:"street,omitempty" db:"street"`
	City    string `json:"city,omitempty" db:"city"`
	UF      string `json:"uf,omitempty" db:"uf"`
	ZipCode string `json:"zip_code,omitempty" db:"zip_code"`

	// Multi-valued (deduplicated sets)
	Phones         []string `json:"phones,omitempty" db:"phones"`
	Emails         []string `json:"emails,omitempty" db:"emails"`
	Technologies   []string `json:"technologies,omitempty" db:"technologies"`
	SocialProfiles []string `json:"social_profiles,omitempty" db:"social_profiles"`

	// Financial risk (0-1000, provider scale)
	RiskScore *int `json:"risk_score,omitempty" db:"risk_score"`

	// Scoring
	ICPScore    *int   `json:"icp_score,omitempty" db:"icp_score"`
	Temperature string `json:"temperature,omitempty" db:"temperature"`

	// Lifecycle
	State LifecycleState `json:"lifecycle_state" db:"lifecycle_state"`

	// Per-field provenance, keyed by field key.
	Sources map[string]Provenance `json:"sources,omitempty" db:"sources"`

	LastEnrichedAt *time.Time `json:"last_enriched_at,omitempty" db:"last_enriched_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// Person is a decision maker linked to a company. Dedup key is
// (company_id, normalized full name) unless a verified email is present.
type Person struct {
	ID        string    `json:"id" db:"id"`
	CompanyID string    `json:"company_id" db:"company_id"`
	FullName  string    `json:"full_name" db:"full_name"`
	NameKey   string    `json:"name_key" db:"name_key"` // normalize.Name(FullName)
	Title     string    `json:"title,omitempty" db:"title"`
	Dept      string    `json:"department,omitempty" db:"department"`
	Seniority string    `json:"seniority,omitempty" db:"seniority"`
	Source    string    `json:"source,omitempty" db:"source"`
	Contacts  []Contact `json:"contacts,omitempty"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Contact is a single channel+value pair for a person, deduplicated by
// (channel, normalized value).
type Contact struct {
	Channel  string `json:"channel" db:"channel"` // email | phone | linkedin
	Value    string `json:"value" db:"value"`
	Verified bool   `json:"verified,omitempty" db:"verified"`
}

// Contact channels.
const (
	ChannelEmail    = "email"
	ChannelPhone    = "phone"
	ChannelLinkedIn = "linkedin"
)

// VerifiedEmail returns the first verified email contact, or "".
func (p *Person) VerifiedEmail() string {
	for _, c := range p.Contacts {
		if c.Channel == ChannelEmail && c.Verified {
			return c.Value
		}
	}
	return ""
}
