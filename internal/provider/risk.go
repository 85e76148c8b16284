package provider

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/vendalabs/leadpipe/internal/model"
	"github.com/vendalabs/leadpipe/internal/normalize"
	"github.com/vendalabs/leadpipe/internal/resilience"
	"github.com/vendalabs/leadpipe/pkg/riskgate"
)

// RiskAdapter fetches the financial risk score. It depends on the registry
// having confirmed the tax id.
type RiskAdapter struct {
	client riskgate.Client
	ttl    time.Duration
	retry  resilience.RetryConfig
}

// NewRiskAdapter wraps a risk scoring client.
func NewRiskAdapter(client riskgate.Client, ttl time.Duration) *RiskAdapter {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	cfg := resilience.DefaultRetryConfig()
	cfg.OnRetry = resilience.RetryLogger(RiskGate, "score")
	return &RiskAdapter{client: client, ttl: ttl, retry: cfg}
}

func (a *RiskAdapter) Name() string            { return RiskGate }
func (a *RiskAdapter) Requires() []string      { return []string{Registry} }
func (a *RiskAdapter) CacheTTL() time.Duration { return a.ttl }

func (a *RiskAdapter) Fetch(ctx context.Context, e Entity) (*model.EnrichmentResult, error) {
	cnpj := normalize.CNPJ(e.CNPJ)
	if cnpj == "" {
		return nil, NewError(RiskGate, KindMissingKey, errors.New("entity has no tax-registry id"))
	}

	report, err := resilience.DoVal(ctx, a.retry, func(ctx context.Context) (*riskgate.RiskReport, error) {
		out, err := a.client.Score(ctx, cnpj)
		if err != nil {
			return nil, wrapRiskErr(err)
		}
		return out, nil
	})
	if err != nil {
		return nil, ClassifyErr(RiskGate, err)
	}

	now := time.Now().UTC()
	fields := make(map[string]model.FieldValue)
	if report.Score > 0 {
		fields[model.FieldRiskScore] = model.FieldValue{
			Value:     strconv.Itoa(report.Score),
			Source:    RiskGate,
			FetchedAt: now,
		}
	}

	raw, _ := json.Marshal(report)
	return &model.EnrichmentResult{
		Provider:  RiskGate,
		FetchedAt: now,
		Raw:       raw,
		Fields:    fields,
	}, nil
}

func wrapRiskErr(err error) error {
	var se *riskgate.StatusError
	if errors.As(err, &se) {
		if se.Code == 429 {
			// Provider quota exhaustion is not worth retrying within a pass.
			return ClassifyHTTP(RiskGate, se.Code)
		}
		if resilience.IsTransientHTTPStatus(se.Code) {
			return resilience.NewTransientError(err, se.Code)
		}
		return ClassifyHTTP(RiskGate, se.Code)
	}
	return err
}
