package reconcile

import (
	"github.com/vendalabs/leadpipe/internal/model"
)

// Scalar field keys under provenance control, in record order.
var scalarKeys = []string{
	model.FieldLegalName,
	model.FieldTradeName,
	model.FieldTaxID,
	model.FieldDomain,
	model.FieldPorte,
	model.FieldSituacao,
	model.FieldCNAEPrincipal,
	model.FieldCNAEDescricao,
	model.FieldCapitalSocial,
	model.FieldEmployeeCount,
	model.FieldRevenueEstimate,
	model.FieldFoundedAt,
	model.FieldSector,
	model.FieldStreet,
	model.FieldCity,
	model.FieldState,
	model.FieldZipCode,
	model.FieldRiskScore,
}

var setKeys = []string{
	model.FieldCNAESecundarios,
	model.FieldPhones,
	model.FieldEmails,
	model.FieldTechnologies,
	model.FieldSocialProfiles,
}

// Converge folds an updated copy of a company onto the stored record.
// Concurrent passes read the same snapshot and write back independently,
// so the copy being written may lack fields another writer resolved in
// the meantime. The updated copy wins a conflict only when the stored
// provenance does not beat its own; fields it never saw are restored
// from the stored record.
func Converge(stored, updated model.Company) model.Company {
	out := updated
	out.Sources = make(map[string]model.Provenance, len(updated.Sources)+len(stored.Sources))
	for k, v := range updated.Sources {
		out.Sources[k] = v
	}

	for _, key := range scalarKeys {
		if !hasScalar(&stored, key) {
			continue
		}
		if !hasScalar(&out, key) {
			copyScalar(&out, &stored, key)
			if prov, ok := stored.Sources[key]; ok {
				out.Sources[key] = prov
			}
			continue
		}
		sp, sok := stored.Sources[key]
		up, uok := out.Sources[key]
		if sok && (!uok || beats(key, fieldValue(sp), fieldValue(up))) {
			copyScalar(&out, &stored, key)
			out.Sources[key] = sp
		}
	}

	for _, key := range setKeys {
		if vals := getSet(&stored, key); len(vals) > 0 {
			setSet(&out, key, unionSorted(getSet(&out, key), vals))
		}
	}
	for key, prov := range stored.Sources {
		if _, ok := out.Sources[key]; !ok {
			out.Sources[key] = prov
		}
	}

	if out.Niche == "" {
		out.Niche = stored.Niche
	}
	if out.ICPScore == nil {
		out.ICPScore = stored.ICPScore
	}
	if out.Temperature == "" {
		out.Temperature = stored.Temperature
	}
	if stored.LastEnrichedAt != nil &&
		(out.LastEnrichedAt == nil || stored.LastEnrichedAt.After(*out.LastEnrichedAt)) {
		out.LastEnrichedAt = stored.LastEnrichedAt
	}
	if !stored.CreatedAt.IsZero() {
		out.CreatedAt = stored.CreatedAt
	}
	return out
}

func fieldValue(p model.Provenance) model.FieldValue {
	return model.FieldValue{Source: p.Source, FetchedAt: p.FetchedAt}
}

func copyScalar(dst, src *model.Company, key string) {
	switch key {
	case model.FieldLegalName:
		dst.LegalName = src.LegalName
	case model.FieldTradeName:
		dst.TradeName = src.TradeName
	case model.FieldTaxID:
		dst.CNPJ = src.CNPJ
	case model.FieldDomain:
		dst.Domain = src.Domain
	case model.FieldPorte:
		dst.Porte = src.Porte
	case model.FieldSituacao:
		dst.Situacao = src.Situacao
	case model.FieldCNAEPrincipal:
		dst.CNAEPrincipal = src.CNAEPrincipal
	case model.FieldCNAEDescricao:
		dst.CNAEDescricao = src.CNAEDescricao
	case model.FieldCapitalSocial:
		dst.CapitalSocial = src.CapitalSocial
	case model.FieldEmployeeCount:
		dst.EmployeeCount = src.EmployeeCount
	case model.FieldRevenueEstimate:
		dst.RevenueEstimate = src.RevenueEstimate
	case model.FieldFoundedAt:
		dst.FoundedAt = src.FoundedAt
	case model.FieldSector:
		dst.Sector = src.Sector
	case model.FieldStreet:
		dst.Street = src.Street
	case model.FieldCity:
		dst.City = src.City
	case model.FieldState:
		dst.UF = src.UF
	case model.FieldZipCode:
		dst.ZipCode = src.ZipCode
	case model.FieldRiskScore:
		dst.RiskScore = src.RiskScore
	}
}
