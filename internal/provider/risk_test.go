package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendalabs/leadpipe/internal/model"
	"github.com/vendalabs/leadpipe/pkg/riskgate"
)

type fakeRiskClient struct {
	report *riskgate.RiskReport
	err    error
}

func (f *fakeRiskClient) Score(_ context.Context, _ string) (*riskgate.RiskReport, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.report, nil
}

func TestRiskAdapter_MissingCNPJ(t *testing.T) {
	a := NewRiskAdapter(&fakeRiskClient{}, 0)

	_, err := a.Fetch(context.Background(), Entity{Domain: "acme.com.br"})
	require.Error(t, err)
	assert.Equal(t, KindMissingKey, KindOf(err))
}

func TestRiskAdapter_MapsScore(t *testing.T) {
	client := &fakeRiskClient{report: &riskgate.RiskReport{
		CNPJ: "12345678000195", Score: 720, Band: "B",
	}}
	a := NewRiskAdapter(client, 0)

	res, err := a.Fetch(context.Background(), Entity{CNPJ: "12.345.678/0001-95"})
	require.NoError(t, err)
	assert.Equal(t, RiskGate, res.Provider)
	assert.Equal(t, "720", res.Fields[model.FieldRiskScore].Value)
}

func TestRiskAdapter_ZeroScoreIsOmitted(t *testing.T) {
	client := &fakeRiskClient{report: &riskgate.RiskReport{CNPJ: "12345678000195"}}
	a := NewRiskAdapter(client, 0)

	res, err := a.Fetch(context.Background(), Entity{CNPJ: "12345678000195"})
	require.NoError(t, err)
	assert.NotContains(t, res.Fields, model.FieldRiskScore)
}

func TestRiskAdapter_ClassifiesQuota(t *testing.T) {
	client := &fakeRiskClient{err: &riskgate.StatusError{Code: 429}}
	a := NewRiskAdapter(client, 0)

	_, err := a.Fetch(context.Background(), Entity{CNPJ: "12345678000195"})
	require.Error(t, err)
	assert.Equal(t, KindQuota, KindOf(err))
}
