// Package riskgate provides a client for the financial-risk scoring API.
package riskgate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Client defines the risk scoring operations.
type Client interface {
	// Score fetches the risk assessment for a digits-only CNPJ.
	Score(ctx context.Context, cnpj string) (*RiskReport, error)
}

// RiskReport is the provider's assessment of a company.
type RiskReport struct {
	CNPJ        string `json:"cnpj"`
	Score       int    `json:"score"`                  // 0 (worst) to 1000 (best)
	Band        string `json:"band,omitempty"`         // A-E
	Protests    int    `json:"protests,omitempty"`     // registered protests
	Bankruptcy  bool   `json:"bankruptcy,omitempty"`   // bankruptcy filing found
	LastUpdated string `json:"last_updated,omitempty"` // yyyy-mm-dd
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

// NewClient creates a risk scoring client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "https://api.riskgate.com.br/v1",
		http: &http.Client{
			Timeout: 8 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Every(500*time.Millisecond), 2),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Score(ctx context.Context, cnpj string) (*RiskReport, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "riskgate: rate wait")
	}

	url := fmt.Sprintf("%s/score/%s", c.baseURL, cnpj)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, eris.Wrap(err, "riskgate: build request")
	}
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "riskgate: score")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, eris.Wrap(err, "riskgate: read body")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode}
	}

	var report RiskReport
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, eris.Wrap(err, "riskgate: decode response")
	}
	return &report, nil
}

// StatusError carries a non-2xx response for classification by the adapter.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("riskgate: http %d", e.Code)
}
