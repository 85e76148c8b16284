package provider

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/vendalabs/leadpipe/internal/model"
	"github.com/vendalabs/leadpipe/internal/normalize"
	"github.com/vendalabs/leadpipe/internal/resilience"
	"github.com/vendalabs/leadpipe/pkg/socialscan"
)

// SocialAdapter runs the asynchronous social-presence scan: submit a job,
// then poll with backoff until it completes or the poll budget runs out.
type SocialAdapter struct {
	client   socialscan.Client
	ttl      time.Duration
	pollOpts []socialscan.PollOption
}

// NewSocialAdapter wraps a social scan client. Engagement data goes stale
// quickly; the default cache window is 24h.
func NewSocialAdapter(client socialscan.Client, ttl time.Duration, pollOpts ...socialscan.PollOption) *SocialAdapter {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SocialAdapter{client: client, ttl: ttl, pollOpts: pollOpts}
}

func (a *SocialAdapter) Name() string            { return SocialScan }
func (a *SocialAdapter) Requires() []string      { return nil }
func (a *SocialAdapter) CacheTTL() time.Duration { return a.ttl }

func (a *SocialAdapter) Fetch(ctx context.Context, e Entity) (*model.EnrichmentResult, error) {
	if e.Name == "" && normalize.Domain(e.Domain) == "" {
		return nil, NewError(SocialScan, KindMissingKey, errors.New("entity has neither name nor domain"))
	}

	jobID, err := a.client.StartScan(ctx, e.Name, normalize.Domain(e.Domain))
	if err != nil {
		return nil, classifySocialErr(err)
	}

	status, err := socialscan.PollScan(ctx, a.client, jobID, a.pollOpts...)
	if err != nil {
		if errors.Is(err, socialscan.ErrJobIncomplete) {
			// The job may still finish server-side; treat as a timeout so
			// the orchestrator records the provider as failed-but-retryable.
			return nil, NewError(SocialScan, KindTimeout, err)
		}
		return nil, classifySocialErr(err)
	}

	now := time.Now().UTC()
	fields := make(map[string]model.FieldValue)
	if len(status.Profiles) > 0 {
		urls := make([]string, 0, len(status.Profiles))
		for _, p := range status.Profiles {
			if p.URL != "" {
				urls = append(urls, p.URL)
			}
		}
		if len(urls) > 0 {
			fields[model.FieldSocialProfiles] = model.FieldValue{Value: urls, Source: SocialScan, FetchedAt: now}
		}
	}

	raw, _ := json.Marshal(status)
	return &model.EnrichmentResult{
		Provider:  SocialScan,
		FetchedAt: now,
		Raw:       raw,
		Fields:    fields,
	}, nil
}

func classifySocialErr(err error) error {
	var se *socialscan.StatusError
	if errors.As(err, &se) {
		return ClassifyHTTP(SocialScan, se.Code)
	}
	if resilience.IsTransient(err) {
		return NewError(SocialScan, KindUnavailable, err)
	}
	return ClassifyErr(SocialScan, err)
}
