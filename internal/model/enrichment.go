package model

import (
	"encoding/json"
	"time"
)

// Field keys understood by the reconciliation engine. Adapters normalize
// provider responses into these; anything else stays in the raw payload.
const (
	FieldLegalName       = "legal_name"
	FieldTradeName       = "trade_name"
	FieldTaxID           = "tax_id"
	FieldDomain          = "domain"
	FieldPorte           = "porte"
	FieldSituacao        = "situacao"
	FieldCNAEPrincipal   = "cnae_principal"
	FieldCNAEDescricao   = "cnae_descricao"
	FieldCNAESecundarios = "cnae_secundarios"
	FieldCapitalSocial   = "capital_social"
	FieldEmployeeCount   = "employee_count"
	FieldRevenueEstimate = "revenue_estimate"
	FieldFoundedAt       = "founded_at"
	FieldSector          = "sector"
	FieldStreet          = "street"
	FieldCity            = "city"
	FieldState           = "state"
	FieldZipCode         = "zip_code"
	FieldPhones          = "phones"
	FieldEmails          = "emails"
	FieldTechnologies    = "technologies"
	FieldSocialProfiles  = "social_profiles"
	FieldRiskScore       = "risk_score"
)

// MultiValued reports whether a field key is a deduplicated set rather
// than a scalar.
func MultiValued(key string) bool {
	switch key {
	case FieldCNAESecundarios, FieldPhones, FieldEmails, FieldTechnologies, FieldSocialProfiles:
		return true
	}
	return false
}

// FieldValue is one normalized field from one provider call. Value is a
// string for scalar fields and a []string for multi-valued fields.
type FieldValue struct {
	Value     any       `json:"value"`
	Source    string    `json:"source"`
	FetchedAt time.Time `json:"fetched_at"`
}

// EnrichmentResult is the output of a single provider adapter call.
// It is never written to the canonical record directly; the reconciliation
// engine decides what survives.
type EnrichmentResult struct {
	Provider  string                `json:"provider"`
	FetchedAt time.Time             `json:"fetched_at"`
	Raw       json.RawMessage       `json:"raw,omitempty"`
	Fields    map[string]FieldValue `json:"fields"`
	People    []Person              `json:"people,omitempty"`
}

// BundleStatus summarizes one enrichment pass.
type BundleStatus string

const (
	BundleComplete BundleStatus = "complete" // every requested provider succeeded
	BundlePartial  BundleStatus = "partial"  // some failed or were skipped
	BundleFailed   BundleStatus = "failed"   // all failed
)

// Outcome statuses per provider within a pass.
const (
	OutcomeOK          = "ok"
	OutcomeCached      = "cached"
	OutcomeFailed      = "failed"
	OutcomeRateLimited = "rate_limited"
	OutcomeSkipped     = "skipped" // unmet dependency
)

// ProviderOutcome records what happened to one provider during a pass.
type ProviderOutcome struct {
	Provider string        `json:"provider"`
	Status   string        `json:"status"`
	ErrKind  string        `json:"err_kind,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Bundle is the merged output of one enrichment pass for one entity.
type Bundle struct {
	CompanyID string             `json:"company_id"`
	Results   []EnrichmentResult `json:"results"`
	Outcomes  []ProviderOutcome  `json:"outcomes"`
	Status    BundleStatus       `json:"status"`
	StartedAt time.Time          `json:"started_at"`
	Elapsed   time.Duration      `json:"elapsed"`
}

// Outcome returns the recorded outcome for a provider, or nil.
func (b *Bundle) Outcome(provider string) *ProviderOutcome {
	for i := range b.Outcomes {
		if b.Outcomes[i].Provider == provider {
			return &b.Outcomes[i]
		}
	}
	return nil
}
