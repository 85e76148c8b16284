package provider

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/vendalabs/leadpipe/internal/model"
	"github.com/vendalabs/leadpipe/internal/normalize"
	"github.com/vendalabs/leadpipe/internal/resilience"
	"github.com/vendalabs/leadpipe/pkg/techsniff"
)

// TechAdapter detects the company's technology stack from its homepage.
// It only needs a domain, which may come from ingestion directly, so it
// has no provider dependency.
type TechAdapter struct {
	detector *techsniff.Detector
	ttl      time.Duration
	retry    resilience.RetryConfig
}

// NewTechAdapter wraps a homepage detector.
func NewTechAdapter(detector *techsniff.Detector, ttl time.Duration) *TechAdapter {
	if ttl <= 0 {
		ttl = 14 * 24 * time.Hour
	}
	cfg := resilience.DefaultRetryConfig()
	cfg.MaxAttempts = 2
	cfg.OnRetry = resilience.RetryLogger(TechSniff, "scan")
	return &TechAdapter{detector: detector, ttl: ttl, retry: cfg}
}

func (a *TechAdapter) Name() string            { return TechSniff }
func (a *TechAdapter) Requires() []string      { return nil }
func (a *TechAdapter) CacheTTL() time.Duration { return a.ttl }

func (a *TechAdapter) Fetch(ctx context.Context, e Entity) (*model.EnrichmentResult, error) {
	domain := normalize.Domain(e.Domain)
	if domain == "" {
		return nil, NewError(TechSniff, KindMissingKey, errors.New("entity has no domain"))
	}

	result, err := resilience.DoVal(ctx, a.retry, func(ctx context.Context) (*techsniff.Result, error) {
		out, err := a.detector.Scan(ctx, domain)
		if err != nil {
			return nil, wrapTechErr(err)
		}
		return out, nil
	})
	if err != nil {
		return nil, ClassifyErr(TechSniff, err)
	}

	now := time.Now().UTC()
	fields := make(map[string]model.FieldValue)

	// No detections is a valid answer, not a reason to invent one.
	if len(result.Detections) > 0 {
		techs := make([]string, 0, len(result.Detections))
		for _, d := range result.Detections {
			techs = append(techs, normalize.Technology(d.Name))
		}
		fields[model.FieldTechnologies] = model.FieldValue{Value: techs, Source: TechSniff, FetchedAt: now}
	}

	raw, _ := json.Marshal(result)
	return &model.EnrichmentResult{
		Provider:  TechSniff,
		FetchedAt: now,
		Raw:       raw,
		Fields:    fields,
	}, nil
}

func wrapTechErr(err error) error {
	var se *techsniff.StatusError
	if errors.As(err, &se) {
		if se.Code == 429 {
			// Provider quota exhaustion is not worth retrying within a pass.
			return ClassifyHTTP(TechSniff, se.Code)
		}
		if resilience.IsTransientHTTPStatus(se.Code) {
			return resilience.NewTransientError(err, se.Code)
		}
		return ClassifyHTTP(TechSniff, se.Code)
	}
	return err
}
