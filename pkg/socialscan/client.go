// Package socialscan provides a client for the social-presence scraping
// API. Scans are asynchronous: StartScan returns a job id that is polled
// until the job finishes.
package socialscan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

// Job statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Client defines the social scan operations.
type Client interface {
	// StartScan submits a scan job for a company name + domain.
	StartScan(ctx context.Context, name, domain string) (string, error)
	// GetScan returns the current state of a scan job.
	GetScan(ctx context.Context, jobID string) (*ScanStatus, error)
}

// Profile is one social presence found by the scraper.
type Profile struct {
	Network   string `json:"network"` // linkedin | instagram | facebook | youtube
	URL       string `json:"url"`
	Followers int    `json:"followers,omitempty"`
}

// ScanStatus is the job state plus results when completed.
type ScanStatus struct {
	ID       string    `json:"id"`
	Status   string    `json:"status"`
	Error    string    `json:"error,omitempty"`
	Profiles []Profile `json:"profiles,omitempty"`
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
}

// NewClient creates a social scan client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "https://api.socialscan.dev/v1",
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) StartScan(ctx context.Context, name, domain string) (string, error) {
	payload, err := json.Marshal(map[string]string{"name": name, "domain": domain})
	if err != nil {
		return "", eris.Wrap(err, "socialscan: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/scans", bytes.NewReader(payload))
	if err != nil {
		return "", eris.Wrap(err, "socialscan: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", eris.Wrap(err, "socialscan: start scan")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", &StatusError{Code: resp.StatusCode}
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", eris.Wrap(err, "socialscan: decode start response")
	}
	if out.ID == "" {
		return "", eris.New("socialscan: empty job id")
	}
	return out.ID, nil
}

func (c *httpClient) GetScan(ctx context.Context, jobID string) (*ScanStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/scans/"+jobID, nil)
	if err != nil {
		return nil, eris.Wrap(err, "socialscan: build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "socialscan: get scan")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, eris.Wrap(err, "socialscan: read body")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode}
	}

	var status ScanStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, eris.Wrap(err, "socialscan: decode status")
	}
	return &status, nil
}

// StatusError carries a non-2xx response for classification by the adapter.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("socialscan: http %d", e.Code)
}
