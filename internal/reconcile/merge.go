// Package reconcile folds enrichment results into the canonical company
// record. Provider payloads never touch the record directly; every field
// goes through the trust rules here, so replaying the same bundle is a
// no-op and merge order never changes the outcome.
package reconcile

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vendalabs/leadpipe/internal/model"
	"github.com/vendalabs/leadpipe/internal/provider"
)

// authoritative names the provider whose value always wins for a field,
// regardless of freshness. The tax registry is the system of record for
// identity and registry status.
var authoritative = map[string]string{
	model.FieldLegalName: provider.Registry,
	model.FieldTaxID:     provider.Registry,
	model.FieldSituacao:  provider.Registry,
	model.FieldPorte:     provider.Registry,
}

// priority breaks exact freshness ties. Lower is stronger.
var priority = map[string]int{
	provider.Registry:   0,
	provider.PeopleData: 1,
	provider.TechSniff:  2,
	provider.RiskGate:   3,
	provider.SocialScan: 4,
}

func providerRank(name string) int {
	if p, ok := priority[name]; ok {
		return p
	}
	return len(priority)
}

// beats reports whether a wins over b for the given field.
func beats(field string, a, b model.FieldValue) bool {
	if auth, ok := authoritative[field]; ok {
		aAuth, bAuth := a.Source == auth, b.Source == auth
		if aAuth != bAuth {
			return aAuth
		}
	}
	if !a.FetchedAt.Equal(b.FetchedAt) {
		return a.FetchedAt.After(b.FetchedAt)
	}
	if ra, rb := providerRank(a.Source), providerRank(b.Source); ra != rb {
		return ra < rb
	}
	return a.Source < b.Source
}

// Merge applies one enrichment bundle to a company record and returns the
// updated copy. Scalar fields follow the trust rules; multi-valued fields
// are unioned. Merge is idempotent: applying the same bundle twice yields
// the same record.
func Merge(c model.Company, b *model.Bundle) model.Company {
	if c.Sources == nil {
		c.Sources = make(map[string]model.Provenance)
	} else {
		copied := make(map[string]model.Provenance, len(c.Sources))
		for k, v := range c.Sources {
			copied[k] = v
		}
		c.Sources = copied
	}

	// Best bundle candidate per scalar field.
	winners := make(map[string]model.FieldValue)
	var latest time.Time
	for _, res := range b.Results {
		if res.FetchedAt.After(latest) {
			latest = res.FetchedAt
		}
		for key, fv := range res.Fields {
			if model.MultiValued(key) {
				continue
			}
			if asString(fv.Value) == "" {
				continue
			}
			cur, ok := winners[key]
			if !ok || beats(key, fv, cur) {
				winners[key] = fv
			}
		}
	}

	for key, fv := range winners {
		if prov, ok := c.Sources[key]; ok && hasScalar(&c, key) {
			existing := model.FieldValue{Source: prov.Source, FetchedAt: prov.FetchedAt}
			if !beats(key, fv, existing) {
				continue
			}
		}
		if setScalar(&c, key, asString(fv.Value)) {
			c.Sources[key] = model.Provenance{Source: fv.Source, FetchedAt: fv.FetchedAt}
		}
	}

	mergeSets(&c, b)
	mergePeopleInto(&c, b)

	if !latest.IsZero() {
		t := latest.UTC()
		c.LastEnrichedAt = &t
	}
	return c
}

// mergeSets unions multi-valued fields across existing record and bundle.
func mergeSets(c *model.Company, b *model.Bundle) {
	for _, key := range []string{
		model.FieldCNAESecundarios,
		model.FieldPhones,
		model.FieldEmails,
		model.FieldTechnologies,
		model.FieldSocialProfiles,
	} {
		var incoming []string
		var freshest model.FieldValue
		for _, res := range b.Results {
			fv, ok := res.Fields[key]
			if !ok {
				continue
			}
			vals := asStrings(fv.Value)
			if len(vals) == 0 {
				continue
			}
			incoming = append(incoming, vals...)
			if freshest.Source == "" || beats(key, fv, freshest) {
				freshest = fv
			}
		}
		if len(incoming) == 0 {
			continue
		}
		merged := unionSorted(getSet(c, key), incoming)
		setSet(c, key, merged)
		c.Sources[key] = model.Provenance{Source: freshest.Source, FetchedAt: freshest.FetchedAt}
	}
}

// People holds the company's deduplicated decision makers after a merge.
// Dedup key is a verified email when one exists, otherwise the normalized
// full name. People-data providers override titles; other sources only
// fill gaps.
func People(existing []model.Person, companyID string, b *model.Bundle) []model.Person {
	byKey := make(map[string]*model.Person)
	keyOf := func(p *model.Person) string {
		if email := p.VerifiedEmail(); email != "" {
			return "email\x00" + email
		}
		return "name\x00" + p.NameKey
	}

	ordered := make([]*model.Person, 0, len(existing))
	for i := range existing {
		p := existing[i]
		byKey[keyOf(&p)] = &p
		ordered = append(ordered, &p)
	}

	for _, res := range b.Results {
		for _, incoming := range res.People {
			if incoming.NameKey == "" {
				continue
			}
			incoming.CompanyID = companyID

			cur, ok := byKey[keyOf(&incoming)]
			if !ok && incoming.VerifiedEmail() != "" {
				// A verified email may attach to someone we only knew by name.
				cur, ok = byKey["name\x00"+incoming.NameKey]
			}
			if !ok {
				p := incoming
				if p.ID == "" {
					p.ID = uuid.NewString()
				}
				byKey[keyOf(&p)] = &p
				ordered = append(ordered, &p)
				continue
			}

			overrideTitles := incoming.Source == provider.PeopleData
			if incoming.Title != "" && (overrideTitles || cur.Title == "") {
				cur.Title = incoming.Title
			}
			if incoming.Dept != "" && (overrideTitles || cur.Dept == "") {
				cur.Dept = incoming.Dept
			}
			if incoming.Seniority != "" && (overrideTitles || cur.Seniority == "") {
				cur.Seniority = incoming.Seniority
			}
			if cur.FullName == "" {
				cur.FullName = incoming.FullName
			}
			cur.Contacts = mergeContacts(cur.Contacts, incoming.Contacts)
		}
	}

	out := make([]model.Person, 0, len(ordered))
	for _, p := range ordered {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NameKey < out[j].NameKey })
	return out
}

func mergePeopleInto(c *model.Company, b *model.Bundle) {
	// Emails of verified contacts also land on the company record so the
	// outreach surface does not depend on person rows being loaded.
	var emails []string
	for _, res := range b.Results {
		for _, p := range res.People {
			for _, contact := range p.Contacts {
				if contact.Channel == model.ChannelEmail && contact.Verified {
					emails = append(emails, contact.Value)
				}
			}
		}
	}
	if len(emails) > 0 {
		c.Emails = unionSorted(c.Emails, emails)
	}
}

// mergeContacts unions contacts by (channel, value). Verification is sticky:
// once a contact is verified it never downgrades.
func mergeContacts(existing, incoming []model.Contact) []model.Contact {
	idx := make(map[string]int, len(existing))
	out := append([]model.Contact(nil), existing...)
	for i, contact := range out {
		idx[contact.Channel+"\x00"+contact.Value] = i
	}
	for _, contact := range incoming {
		if contact.Value == "" {
			continue
		}
		key := contact.Channel + "\x00" + contact.Value
		if i, ok := idx[key]; ok {
			if contact.Verified {
				out[i].Verified = true
			}
			continue
		}
		idx[key] = len(out)
		out = append(out, contact)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Channel != out[j].Channel {
			return out[i].Channel < out[j].Channel
		}
		return out[i].Value < out[j].Value
	})
	return out
}

func unionSorted(base, extra []string) []string {
	seen := make(map[string]bool, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, s := range base {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range extra {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// asString extracts a scalar field value. Adapters emit strings; values
// round-tripped through the cache stay strings too.
func asString(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

// asStrings extracts a multi-valued field. JSON round-trips through the
// cache decode []string as []any, so both shapes are accepted.
func asStrings(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if vv == "" {
			return nil
		}
		return []string{vv}
	}
	return nil
}

func hasScalar(c *model.Company, key string) bool {
	switch key {
	case model.FieldLegalName:
		return c.LegalName != ""
	case model.FieldTradeName:
		return c.TradeName != ""
	case model.FieldTaxID:
		return c.CNPJ != ""
	case model.FieldDomain:
		return c.Domain != ""
	case model.FieldPorte:
		return c.Porte != ""
	case model.FieldSituacao:
		return c.Situacao != ""
	case model.FieldCNAEPrincipal:
		return c.CNAEPrincipal != ""
	case model.FieldCNAEDescricao:
		return c.CNAEDescricao != ""
	case model.FieldCapitalSocial:
		return c.CapitalSocial != nil
	case model.FieldEmployeeCount:
		return c.EmployeeCount != nil
	case model.FieldRevenueEstimate:
		return c.RevenueEstimate != nil
	case model.FieldFoundedAt:
		return c.FoundedAt != nil
	case model.FieldSector:
		return c.Sector != ""
	case model.FieldStreet:
		return c.Street != ""
	case model.FieldCity:
		return c.City != ""
	case model.FieldState:
		return c.UF != ""
	case model.FieldZipCode:
		return c.ZipCode != ""
	case model.FieldRiskScore:
		return c.RiskScore != nil
	}
	return false
}

// setScalar writes a winning value onto the record. Returns false when the
// value cannot be parsed, in which case provenance is not updated either.
func setScalar(c *model.Company, key, value string) bool {
	switch key {
	case model.FieldLegalName:
		c.LegalName = value
	case model.FieldTradeName:
		c.TradeName = value
	case model.FieldTaxID:
		c.CNPJ = value
	case model.FieldDomain:
		c.Domain = value
	case model.FieldPorte:
		c.Porte = value
	case model.FieldSituacao:
		c.Situacao = value
	case model.FieldCNAEPrincipal:
		c.CNAEPrincipal = value
	case model.FieldCNAEDescricao:
		c.CNAEDescricao = value
	case model.FieldSector:
		c.Sector = value
	case model.FieldStreet:
		c.Street = value
	case model.FieldCity:
		c.City = value
	case model.FieldState:
		c.UF = value
	case model.FieldZipCode:
		c.ZipCode = value
	case model.FieldCapitalSocial:
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return false
		}
		c.CapitalSocial = &v
	case model.FieldRevenueEstimate:
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return false
		}
		c.RevenueEstimate = &v
	case model.FieldEmployeeCount:
		v, err := strconv.Atoi(value)
		if err != nil {
			return false
		}
		c.EmployeeCount = &v
	case model.FieldRiskScore:
		v, err := strconv.Atoi(value)
		if err != nil {
			return false
		}
		c.RiskScore = &v
	case model.FieldFoundedAt:
		t, err := time.Parse("2006-01-02", value)
		if err != nil {
			return false
		}
		c.FoundedAt = &t
	default:
		return false
	}
	return true
}

func getSet(c *model.Company, key string) []string {
	switch key {
	case model.FieldCNAESecundarios:
		return c.CNAESecundarios
	case model.FieldPhones:
		return c.Phones
	case model.FieldEmails:
		return c.Emails
	case model.FieldTechnologies:
		return c.Technologies
	case model.FieldSocialProfiles:
		return c.SocialProfiles
	}
	return nil
}

func setSet(c *model.Company, key string, vals []string) {
	switch key {
	case model.FieldCNAESecundarios:
		c.CNAESecundarios = vals
	case model.FieldPhones:
		c.Phones = vals
	case model.FieldEmails:
		c.Emails = vals
	case model.FieldTechnologies:
		c.Technologies = vals
	case model.FieldSocialProfiles:
		c.SocialProfiles = vals
	}
}
