package ingest

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendalabs/leadpipe/internal/model"
)

// fakeStore keys companies by cnpj and domain like the real backends do.
type fakeStore struct {
	companies map[string]*model.Company
	upserts   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{companies: make(map[string]*model.Company)}
}

func (s *fakeStore) FindCompany(_ context.Context, _, cnpj, domain string) (*model.Company, error) {
	for _, c := range s.companies {
		if cnpj != "" && c.CNPJ == cnpj {
			return c, nil
		}
		if domain != "" && c.Domain == domain {
			return c, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) UpsertCompany(_ context.Context, c *model.Company) error {
	s.upserts++
	s.companies[c.ID] = c
	return nil
}

func TestImportCSV_PortugueseHeaders(t *testing.T) {
	csv := strings.Join([]string{
		"CNPJ,Razão Social,Website,UF,Cidade,Porte,Capital Social",
		`12.345.678/0001-95,ACME LTDA,https://www.acme.com.br/sobre,SP,São Paulo,MEDIO/GRANDE PORTE,"1.500.000,00"`,
	}, "\n")

	store := newFakeStore()
	im := NewImporter(store, "t1")
	sum, err := im.ImportCSV(context.Background(), strings.NewReader(csv))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Rows)
	assert.Equal(t, 1, sum.Created)
	assert.Empty(t, sum.Errors)

	require.Len(t, store.companies, 1)
	for _, c := range store.companies {
		assert.Equal(t, "12345678000195", c.CNPJ)
		assert.Equal(t, "acme.com.br", c.Domain)
		assert.Equal(t, "ACME LTDA", c.LegalName)
		assert.Equal(t, "SP", c.UF)
		assert.Equal(t, "São Paulo", c.City)
		assert.Equal(t, "MEDIO/GRANDE PORTE", c.Porte)
		require.NotNil(t, c.CapitalSocial)
		assert.InDelta(t, 1_500_000.0, *c.CapitalSocial, 0.01)
		assert.Equal(t, model.StateQuarantine, c.State)
	}
}

func TestImportCSV_SemicolonDelimiterSniffed(t *testing.T) {
	// Exports from Brazilian spreadsheet tools use ';' so decimal commas
	// survive unquoted.
	csv := strings.Join([]string{
		"CNPJ;Razão Social;UF;Capital Social",
		"12.345.678/0001-95;ACME LTDA;SP;1.500.000,00",
	}, "\n")

	store := newFakeStore()
	im := NewImporter(store, "t1")
	sum, err := im.ImportCSV(context.Background(), strings.NewReader(csv))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Created)
	assert.Empty(t, sum.Errors)

	for _, c := range store.companies {
		assert.Equal(t, "12345678000195", c.CNPJ)
		assert.Equal(t, "SP", c.UF)
		require.NotNil(t, c.CapitalSocial)
		assert.InDelta(t, 1_500_000.0, *c.CapitalSocial, 0.01)
	}
}

func TestImportCSV_DuplicateMergesInsteadOfCreating(t *testing.T) {
	csv := strings.Join([]string{
		"CNPJ,Nome da Empresa,Telefone",
		"12345678000195,ACME LTDA,11 98765-4321",
		"12.345.678/0001-95,ACME LTDA,11 91234-5678",
	}, "\n")

	store := newFakeStore()
	im := NewImporter(store, "t1")
	sum, err := im.ImportCSV(context.Background(), strings.NewReader(csv))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Created)
	assert.Equal(t, 1, sum.Updated)
	require.Len(t, store.companies, 1)

	for _, c := range store.companies {
		assert.ElementsMatch(t, []string{"11987654321", "11912345678"}, c.Phones)
	}
}

func TestImportCSV_RowWithoutIdentityIsRejectedIndividually(t *testing.T) {
	csv := strings.Join([]string{
		"CNPJ,Razão Social,Setor",
		",,Tecnologia",
		"12345678000195,ACME LTDA,Tecnologia",
	}, "\n")

	store := newFakeStore()
	im := NewImporter(store, "t1")
	sum, err := im.ImportCSV(context.Background(), strings.NewReader(csv))
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Rows)
	assert.Equal(t, 1, sum.Created)
	require.Len(t, sum.Errors, 1)
	assert.Equal(t, 2, sum.Errors[0].Line)
	assert.ErrorIs(t, sum.Errors[0].Err, ErrNoIdentity)
}

func TestImportCSV_DoesNotOverwriteEnrichedFields(t *testing.T) {
	store := newFakeStore()
	store.companies["c1"] = &model.Company{
		ID: "c1", TenantID: "t1", CNPJ: "12345678000195",
		LegalName: "ACME INDUSTRIA LTDA", UF: "SP",
	}

	csv := strings.Join([]string{
		"CNPJ,Razão Social,UF,Cidade",
		"12345678000195,ACME (PLANILHA),RJ,Campinas",
	}, "\n")

	im := NewImporter(store, "t1")
	sum, err := im.ImportCSV(context.Background(), strings.NewReader(csv))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Updated)

	c := store.companies["c1"]
	assert.Equal(t, "ACME INDUSTRIA LTDA", c.LegalName)
	assert.Equal(t, "SP", c.UF)
	// Empty fields do get filled.
	assert.Equal(t, "Campinas", c.City)
}

func TestCreate_ManualLead(t *testing.T) {
	store := newFakeStore()
	im := NewImporter(store, "t1")

	created, err := im.Create(context.Background(), Lead{
		LegalName: "Acme Ltda",
		Website:   "acme.com.br",
	})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = im.Create(context.Background(), Lead{})
	assert.ErrorIs(t, err, ErrNoIdentity)
	assert.False(t, created)
}

func TestParseMoney(t *testing.T) {
	cases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"1500000", 1_500_000, true},
		{"1500000.50", 1_500_000.50, true},
		{"R$ 1.500.000,50", 1_500_000.50, true},
		{"1.500.000,00", 1_500_000, true},
		{"", 0, false},
		{"n/a", 0, false},
	}
	for _, tc := range cases {
		got, ok := parseMoney(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		if tc.ok {
			assert.InDelta(t, tc.want, got, 0.001, tc.in)
		}
	}
}

func TestParseDate(t *testing.T) {
	got, ok := parseDate("15/03/2010")
	require.True(t, ok)
	assert.Equal(t, "2010-03-15", got.Format("2006-01-02"))

	got, ok = parseDate("2010-03-15")
	require.True(t, ok)
	assert.Equal(t, "2010-03-15", got.Format("2006-01-02"))

	_, ok = parseDate("15 de março")
	assert.False(t, ok)
}
