// Package prospecta provides a client for the Prospecta people-data API,
// which resolves decision makers for a company domain.
package prospecta

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Client defines the people-data operations.
type Client interface {
	// SearchPeople returns decision makers for a company domain.
	SearchPeople(ctx context.Context, domain string) (*PeopleResponse, error)
}

// PersonInfo is one decision maker as reported by the provider.
type PersonInfo struct {
	FullName       string `json:"name"`
	Title          string `json:"title,omitempty"`
	Department     string `json:"department,omitempty"`
	Seniority      string `json:"seniority,omitempty"`
	Email          string `json:"email,omitempty"`
	EmailStatus    string `json:"email_status,omitempty"` // verified | guessed
	Phone          string `json:"phone,omitempty"`
	LinkedInURL    string `json:"linkedin_url,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
}

// OrgInfo is the provider's view of the company itself.
type OrgInfo struct {
	Name          string   `json:"name,omitempty"`
	Domain        string   `json:"primary_domain,omitempty"`
	EmployeeCount int      `json:"estimated_num_employees,omitempty"`
	AnnualRevenue float64  `json:"annual_revenue,omitempty"`
	Industry      string   `json:"industry,omitempty"`
	Phones        []string `json:"phone_numbers,omitempty"`
	LinkedInURL   string   `json:"linkedin_url,omitempty"`
}

// PeopleResponse is the search result payload.
type PeopleResponse struct {
	Organization *OrgInfo     `json:"organization,omitempty"`
	People       []PersonInfo `json:"people"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a people-data client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "https://api.prospecta.io/v2",
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Every(time.Second), 2),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) SearchPeople(ctx context.Context, domain string) (*PeopleResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "prospecta: rate wait")
	}

	payload, err := json.Marshal(map[string]any{
		"domain":         domain,
		"person_titles":  []string{"CEO", "CFO", "CTO", "Diretor", "Gerente", "Head"},
		"contact_reveal": true,
		"per_page":       25,
	})
	if err != nil {
		return nil, eris.Wrap(err, "prospecta: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/people/search", bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "prospecta: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "prospecta: search people")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, eris.Wrap(err, "prospecta: read body")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode}
	}

	var out PeopleResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, eris.Wrap(err, "prospecta: decode response")
	}
	return &out, nil
}

// StatusError carries a non-2xx response for classification by the adapter.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("prospecta: http %d", e.Code)
}
