package ingest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/vendalabs/leadpipe/internal/fetcher"
	"github.com/vendalabs/leadpipe/internal/model"
	"github.com/vendalabs/leadpipe/internal/normalize"
)

// ErrNoIdentity marks a lead that carries none of the identity fields
// (tax id, website or name). Such rows are rejected individually and
// never enter the pipeline.
var ErrNoIdentity = eris.New("ingest: lead has no identity field (cnpj, website or name)")

// Lead is one raw inbound lead before normalization. All fields are the
// untrimmed source strings; parsing happens in Create.
type Lead struct {
	LegalName     string
	TradeName     string
	CNPJ          string
	Website       string
	Email         string
	Phone         string
	Sector        string
	Porte         string
	Employees     string
	CapitalSocial string
	Revenue       string
	Founded       string
	Situacao      string
	CNAE          string
	CNAEDesc      string
	Street        string
	City          string
	UF            string
	Zip           string
}

// companyStore is the slice of the persistence layer ingestion needs.
type companyStore interface {
	FindCompany(ctx context.Context, tenantID, cnpj, domain string) (*model.Company, error)
	UpsertCompany(ctx context.Context, c *model.Company) error
}

// Importer writes inbound leads into quarantine, merging duplicates by
// tax id or domain instead of creating a second record.
type Importer struct {
	store    companyStore
	tenantID string
}

func NewImporter(s companyStore, tenantID string) *Importer {
	return &Importer{store: s, tenantID: tenantID}
}

// RowError ties a rejected row to its line number in the source file.
type RowError struct {
	Line int
	Err  error
}

func (e RowError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }

// Summary reports the outcome of one import run.
type Summary struct {
	Rows    int        `json:"rows"`
	Created int        `json:"created"`
	Updated int        `json:"updated"`
	Errors  []RowError `json:"errors,omitempty"`
}

// ImportCSV reads a delimited file with a header row and imports every
// data row. Brazilian export tools split between comma and semicolon
// delimiters, so the delimiter is sniffed from the header line. Bad
// rows land in the summary's error list; only I/O and store failures
// abort the run.
func (im *Importer) ImportCSV(ctx context.Context, r io.Reader) (*Summary, error) {
	br := bufio.NewReader(r)
	headerCh := make(chan []string, 1)
	rows, errs := fetcher.StreamCSV(ctx, br, fetcher.CSVOptions{
		Delimiter:  sniffDelimiter(br),
		HasHeader:  true,
		HeaderCh:   headerCh,
		TrimSpace:  true,
		LazyQuotes: true,
	})

	sum := &Summary{}
	var mapping []string
	line := 1
	for row := range rows {
		if mapping == nil {
			// The parser always delivers the header before the first row.
			mapping = MapHeaders(<-headerCh)
		}
		line++
		if err := im.importRow(ctx, sum, line, leadFromRow(mapping, row)); err != nil {
			return sum, err
		}
	}
	if err := <-errs; err != nil {
		return sum, eris.Wrap(err, "ingest: read csv")
	}
	return sum, nil
}

// importRow counts one row against the summary. Validation problems are
// per-row and recorded; anything else (store unreachable) aborts the run.
func (im *Importer) importRow(ctx context.Context, sum *Summary, line int, lead Lead) error {
	sum.Rows++
	created, err := im.Create(ctx, lead)
	switch {
	case eris.Is(err, ErrNoIdentity):
		sum.Errors = append(sum.Errors, RowError{Line: line, Err: err})
	case err != nil:
		zap.L().Error("ingest: row import failed", zap.Int("line", line), zap.Error(err))
		return err
	case created:
		sum.Created++
	default:
		sum.Updated++
	}
	return nil
}

// Create imports one lead: validates identity, merges into an existing
// company matched by tax id or domain, or creates a fresh quarantined
// record. Returns true when a new company was created.
func (im *Importer) Create(ctx context.Context, lead Lead) (bool, error) {
	cnpj := normalize.CNPJ(lead.CNPJ)
	domain := normalize.Domain(lead.Website)
	name := strings.TrimSpace(lead.LegalName)
	if cnpj == "" && domain == "" && name == "" {
		return false, ErrNoIdentity
	}

	existing, err := im.store.FindCompany(ctx, im.tenantID, cnpj, domain)
	if err != nil {
		return false, err
	}

	if existing != nil {
		applyLead(existing, lead, cnpj, domain)
		return false, im.store.UpsertCompany(ctx, existing)
	}

	c := &model.Company{
		ID:       uuid.NewString(),
		TenantID: im.tenantID,
		State:    model.StateQuarantine,
	}
	applyLead(c, lead, cnpj, domain)
	return true, im.store.UpsertCompany(ctx, c)
}

// applyLead fills empty fields only. Imported values never overwrite
// what enrichment already resolved; reconciliation owns conflicts.
func applyLead(c *model.Company, lead Lead, cnpj, domain string) {
	setIfEmpty(&c.CNPJ, cnpj)
	setIfEmpty(&c.Domain, domain)
	setIfEmpty(&c.LegalName, strings.TrimSpace(lead.LegalName))
	setIfEmpty(&c.TradeName, strings.TrimSpace(lead.TradeName))
	setIfEmpty(&c.Sector, strings.TrimSpace(lead.Sector))
	setIfEmpty(&c.Porte, strings.ToUpper(strings.TrimSpace(lead.Porte)))
	setIfEmpty(&c.Situacao, strings.ToUpper(strings.TrimSpace(lead.Situacao)))
	setIfEmpty(&c.CNAEPrincipal, normalize.CNAECode(lead.CNAE))
	setIfEmpty(&c.CNAEDescricao, strings.TrimSpace(lead.CNAEDesc))
	setIfEmpty(&c.Street, strings.TrimSpace(lead.Street))
	setIfEmpty(&c.City, strings.TrimSpace(lead.City))
	setIfEmpty(&c.UF, normalize.State(lead.UF))
	setIfEmpty(&c.ZipCode, normalize.Digits(lead.Zip))

	if email := normalize.Email(lead.Email); email != "" && !contains(c.Emails, email) {
		c.Emails = append(c.Emails, email)
	}
	if phone := normalize.Phone(lead.Phone); phone != "" && !contains(c.Phones, phone) {
		c.Phones = append(c.Phones, phone)
	}

	if c.EmployeeCount == nil {
		if n, ok := parseCount(lead.Employees); ok {
			c.EmployeeCount = &n
		}
	}
	if c.CapitalSocial == nil {
		if v, ok := parseMoney(lead.CapitalSocial); ok {
			c.CapitalSocial = &v
		}
	}
	if c.RevenueEstimate == nil {
		if v, ok := parseMoney(lead.Revenue); ok {
			c.RevenueEstimate = &v
		}
	}
	if c.FoundedAt == nil {
		if t, ok := parseDate(lead.Founded); ok {
			c.FoundedAt = &t
		}
	}
}

func leadFromRow(mapping []string, row []string) Lead {
	var lead Lead
	for i, col := range mapping {
		if i >= len(row) || col == "" {
			continue
		}
		value := row[i]
		switch col {
		case colCNPJ:
			lead.CNPJ = value
		case colName:
			lead.LegalName = value
		case colTradeName:
			lead.TradeName = value
		case colWebsite:
			lead.Website = value
		case colEmail:
			lead.Email = value
		case colPhone:
			lead.Phone = value
		case colSector:
			lead.Sector = value
		case colPorte:
			lead.Porte = value
		case colEmployees:
			lead.Employees = value
		case colCapital:
			lead.CapitalSocial = value
		case colRevenue:
			lead.Revenue = value
		case colFounded:
			lead.Founded = value
		case colSituacao:
			lead.Situacao = value
		case colCNAE:
			lead.CNAE = value
		case colCNAEDesc:
			lead.CNAEDesc = value
		case colStreet:
			lead.Street = value
		case colCity:
			lead.City = value
		case colUF:
			lead.UF = value
		case colZip:
			lead.Zip = value
		}
	}
	return lead
}

// sniffDelimiter peeks at the header line and picks ';' when it
// outnumbers ',' there. Quoted commas inside one header cell cannot
// outvote a semicolon-delimited layout in practice.
func sniffDelimiter(br *bufio.Reader) rune {
	peek, _ := br.Peek(4096)
	line, _, _ := strings.Cut(string(peek), "\n")
	if strings.Count(line, ";") > strings.Count(line, ",") {
		return ';'
	}
	return ','
}

func setIfEmpty(dst *string, v string) {
	if *dst == "" && v != "" {
		*dst = v
	}
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func parseCount(s string) (int, bool) {
	d := normalize.Digits(s)
	if d == "" {
		return 0, false
	}
	n, err := strconv.Atoi(d)
	if err != nil {
		return 0, false
	}
	return n, true
}

// parseMoney accepts both "1234567.89" and the Brazilian "R$ 1.234.567,89".
func parseMoney(s string) (float64, bool) {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "R$"))
	if s == "" {
		return 0, false
	}
	if strings.Contains(s, ",") {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

var dateLayouts = []string{"2006-01-02", "02/01/2006", "02-01-2006"}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
