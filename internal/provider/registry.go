package provider

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/vendalabs/leadpipe/internal/model"
	"github.com/vendalabs/leadpipe/internal/normalize"
	"github.com/vendalabs/leadpipe/internal/resilience"
	"github.com/vendalabs/leadpipe/pkg/cnpjws"
)

// RegistryAdapter resolves firmographics from the tax registry. It is the
// authoritative source for legal name, tax id and registry status, and it
// seeds the domain the dependent providers need.
type RegistryAdapter struct {
	client cnpjws.Client
	ttl    time.Duration
	retry  resilience.RetryConfig
}

// NewRegistryAdapter wraps a registry client. Registry data moves slowly,
// so the default cache window is generous.
func NewRegistryAdapter(client cnpjws.Client, ttl time.Duration) *RegistryAdapter {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	cfg := resilience.DefaultRetryConfig()
	cfg.OnRetry = resilience.RetryLogger(Registry, "lookup")
	return &RegistryAdapter{client: client, ttl: ttl, retry: cfg}
}

func (a *RegistryAdapter) Name() string            { return Registry }
func (a *RegistryAdapter) Requires() []string      { return nil }
func (a *RegistryAdapter) CacheTTL() time.Duration { return a.ttl }

func (a *RegistryAdapter) Fetch(ctx context.Context, e Entity) (*model.EnrichmentResult, error) {
	cnpj := normalize.CNPJ(e.CNPJ)
	if cnpj == "" {
		return nil, NewError(Registry, KindMissingKey, errors.New("entity has no tax-registry id"))
	}

	info, err := resilience.DoVal(ctx, a.retry, func(ctx context.Context) (*cnpjws.CompanyInfo, error) {
		out, err := a.client.Lookup(ctx, cnpj)
		if err != nil {
			return nil, wrapRegistryErr(err)
		}
		return out, nil
	})
	if err != nil {
		return nil, ClassifyErr(Registry, err)
	}

	now := time.Now().UTC()
	fields := make(map[string]model.FieldValue)
	set := func(key string, value any) {
		fields[key] = model.FieldValue{Value: value, Source: Registry, FetchedAt: now}
	}

	// Absent provider fields stay absent: no placeholders, ever.
	set(model.FieldTaxID, cnpj)
	if info.Nome != "" {
		set(model.FieldLegalName, info.Nome)
	}
	if info.Fantasia != "" {
		set(model.FieldTradeName, info.Fantasia)
	}
	if info.Porte != "" {
		set(model.FieldPorte, info.Porte)
	}
	if info.Situacao != "" {
		set(model.FieldSituacao, strings.ToUpper(info.Situacao))
	}
	if len(info.AtividadePrincipal) > 0 {
		set(model.FieldCNAEPrincipal, normalize.CNAECode(info.AtividadePrincipal[0].Code))
		if txt := info.AtividadePrincipal[0].Text; txt != "" {
			set(model.FieldCNAEDescricao, txt)
		}
	}
	if len(info.AtividadesSecundaria) > 0 {
		codes := make([]string, 0, len(info.AtividadesSecundaria))
		for _, at := range info.AtividadesSecundaria {
			if c := normalize.CNAECode(at.Code); c != "" {
				codes = append(codes, c)
			}
		}
		if len(codes) > 0 {
			set(model.FieldCNAESecundarios, codes)
		}
	}
	if cap, ok := parseCapitalSocial(info.CapitalSocial); ok {
		set(model.FieldCapitalSocial, strconv.FormatFloat(cap, 'f', 2, 64))
	}
	if t, ok := parseAbertura(info.Abertura); ok {
		set(model.FieldFoundedAt, t.Format("2006-01-02"))
	}
	if info.Logradouro != "" {
		street := info.Logradouro
		if info.Numero != "" {
			street += ", " + info.Numero
		}
		set(model.FieldStreet, street)
	}
	if info.Municipio != "" {
		set(model.FieldCity, info.Municipio)
	}
	if info.UF != "" {
		set(model.FieldState, normalize.State(info.UF))
	}
	if info.CEP != "" {
		set(model.FieldZipCode, normalize.Digits(info.CEP))
	}
	if info.Telefone != "" {
		phones := splitPhones(info.Telefone)
		if len(phones) > 0 {
			set(model.FieldPhones, phones)
		}
	}
	if info.Email != "" {
		set(model.FieldEmails, []string{normalize.Email(info.Email)})
	}
	if d := normalize.Domain(info.Website); d != "" {
		set(model.FieldDomain, d)
	}

	var people []model.Person
	for _, socio := range info.QSA {
		if strings.TrimSpace(socio.Nome) == "" {
			continue
		}
		people = append(people, model.Person{
			FullName: socio.Nome,
			NameKey:  normalize.Name(socio.Nome),
			Title:    socio.Qual,
			Source:   Registry,
		})
	}

	raw, _ := json.Marshal(info)
	return &model.EnrichmentResult{
		Provider:  Registry,
		FetchedAt: now,
		Raw:       raw,
		Fields:    fields,
		People:    people,
	}, nil
}

func wrapRegistryErr(err error) error {
	var se *cnpjws.StatusError
	if errors.As(err, &se) {
		if se.Code == 429 {
			// Provider quota exhaustion is not worth retrying within a pass.
			return ClassifyHTTP(Registry, se.Code)
		}
		if resilience.IsTransientHTTPStatus(se.Code) {
			return resilience.NewTransientError(err, se.Code)
		}
		return ClassifyHTTP(Registry, se.Code)
	}
	return err
}

// parseCapitalSocial accepts both "1000000.00" and "1.000.000,00".
func parseCapitalSocial(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if strings.Contains(s, ",") {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func parseAbertura(s string) (time.Time, bool) {
	t, err := time.Parse("02/01/2006", strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func splitPhones(s string) []string {
	var out []string
	for _, part := range strings.Split(s, "/") {
		if p := normalize.Phone(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
