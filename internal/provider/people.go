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
	"github.com/vendalabs/leadpipe/pkg/prospecta"
)

// PeopleAdapter resolves decision makers for a company domain. It runs
// after the registry because the domain is often resolved there.
type PeopleAdapter struct {
	client prospecta.Client
	ttl    time.Duration
	retry  resilience.RetryConfig
}

// NewPeopleAdapter wraps a people-data client.
func NewPeopleAdapter(client prospecta.Client, ttl time.Duration) *PeopleAdapter {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	cfg := resilience.DefaultRetryConfig()
	cfg.OnRetry = resilience.RetryLogger(PeopleData, "search_people")
	return &PeopleAdapter{client: client, ttl: ttl, retry: cfg}
}

func (a *PeopleAdapter) Name() string            { return PeopleData }
func (a *PeopleAdapter) Requires() []string      { return []string{Registry} }
func (a *PeopleAdapter) CacheTTL() time.Duration { return a.ttl }

func (a *PeopleAdapter) Fetch(ctx context.Context, e Entity) (*model.EnrichmentResult, error) {
	domain := normalize.Domain(e.Domain)
	if domain == "" {
		return nil, NewError(PeopleData, KindMissingKey, errors.New("entity has no resolved domain"))
	}

	out, err := resilience.DoVal(ctx, a.retry, func(ctx context.Context) (*prospecta.PeopleResponse, error) {
		resp, err := a.client.SearchPeople(ctx, domain)
		if err != nil {
			return nil, wrapPeopleErr(err)
		}
		return resp, nil
	})
	if err != nil {
		return nil, ClassifyErr(PeopleData, err)
	}

	now := time.Now().UTC()
	fields := make(map[string]model.FieldValue)
	set := func(key string, value any) {
		fields[key] = model.FieldValue{Value: value, Source: PeopleData, FetchedAt: now}
	}

	if org := out.Organization; org != nil {
		if org.EmployeeCount > 0 {
			set(model.FieldEmployeeCount, strconv.Itoa(org.EmployeeCount))
		}
		if org.AnnualRevenue > 0 {
			set(model.FieldRevenueEstimate, strconv.FormatFloat(org.AnnualRevenue, 'f', 2, 64))
		}
		if org.Industry != "" {
			set(model.FieldSector, org.Industry)
		}
		if len(org.Phones) > 0 {
			var phones []string
			for _, p := range org.Phones {
				if key := normalize.Phone(p); key != "" {
					phones = append(phones, key)
				}
			}
			if len(phones) > 0 {
				set(model.FieldPhones, phones)
			}
		}
		if org.LinkedInURL != "" {
			set(model.FieldSocialProfiles, []string{org.LinkedInURL})
		}
	}

	var people []model.Person
	for _, p := range out.People {
		if normalize.Name(p.FullName) == "" {
			continue
		}
		person := model.Person{
			FullName:  p.FullName,
			NameKey:   normalize.Name(p.FullName),
			Title:     p.Title,
			Dept:      p.Department,
			Seniority: p.Seniority,
			Source:    PeopleData,
		}
		if p.Email != "" {
			person.Contacts = append(person.Contacts, model.Contact{
				Channel:  model.ChannelEmail,
				Value:    normalize.Email(p.Email),
				Verified: p.EmailStatus == "verified",
			})
		}
		if key := normalize.Phone(p.Phone); key != "" {
			person.Contacts = append(person.Contacts, model.Contact{
				Channel: model.ChannelPhone,
				Value:   key,
			})
		}
		if p.LinkedInURL != "" {
			person.Contacts = append(person.Contacts, model.Contact{
				Channel: model.ChannelLinkedIn,
				Value:   p.LinkedInURL,
			})
		}
		people = append(people, person)
	}

	raw, _ := json.Marshal(out)
	return &model.EnrichmentResult{
		Provider:  PeopleData,
		FetchedAt: now,
		Raw:       raw,
		Fields:    fields,
		People:    people,
	}, nil
}

func wrapPeopleErr(err error) error {
	var se *prospecta.StatusError
	if errors.As(err, &se) {
		if se.Code == 429 {
			// Provider quota exhaustion is not worth retrying within a pass.
			return ClassifyHTTP(PeopleData, se.Code)
		}
		if resilience.IsTransientHTTPStatus(se.Code) {
			return resilience.NewTransientError(err, se.Code)
		}
		return ClassifyHTTP(PeopleData, se.Code)
	}
	return err
}
