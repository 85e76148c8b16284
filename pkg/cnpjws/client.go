// Package cnpjws provides a client for the CNPJ tax-registry lookup API.
package cnpjws

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

// Client defines the registry lookup operations.
type Client interface {
	// Lookup fetches registry data for a digits-only CNPJ.
	Lookup(ctx context.Context, cnpj string) (*CompanyInfo, error)
}

// Atividade is one industry classification entry.
type Atividade struct {
	Code string `json:"code"`
	Text string `json:"text"`
}

// Socio is a registered partner of the company.
type Socio struct {
	Nome string `json:"nome"`
	Qual string `json:"qual"` // qualification, e.g. "49-Sócio-Administrador"
}

// CompanyInfo is the registry response for one CNPJ.
type CompanyInfo struct {
	Status               string      `json:"status"` // OK | ERROR
	Message              string      `json:"message,omitempty"`
	CNPJ                 string      `json:"cnpj"`
	Nome                 string      `json:"nome"` // razão social
	Fantasia             string      `json:"fantasia,omitempty"`
	Porte                string      `json:"porte,omitempty"`
	Abertura             string      `json:"abertura,omitempty"` // dd/mm/yyyy
	Situacao             string      `json:"situacao,omitempty"`
	CapitalSocial        string      `json:"capital_social,omitempty"`
	AtividadePrincipal   []Atividade `json:"atividade_principal,omitempty"`
	AtividadesSecundaria []Atividade `json:"atividades_secundarias,omitempty"`
	Logradouro           string      `json:"logradouro,omitempty"`
	Numero               string      `json:"numero,omitempty"`
	Municipio            string      `json:"municipio,omitempty"`
	UF                   string      `json:"uf,omitempty"`
	CEP                  string      `json:"cep,omitempty"`
	Telefone             string      `json:"telefone,omitempty"`
	Email                string      `json:"email,omitempty"`
	Website              string      `json:"website,omitempty"`
	QSA                  []Socio     `json:"qsa,omitempty"`
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

// WithRateLimit overrides the client-side request rate.
func WithRateLimit(rps rate.Limit, burst int) Option {
	return func(c *httpClient) {
		c.limiter = rate.NewLimiter(rps, burst)
	}
}

type httpClient struct {
	token   string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a registry client. The free tier allows three requests
// per minute, so the default limiter is deliberately slow.
func NewClient(token string, opts ...Option) Client {
	c := &httpClient{
		token:   token,
		baseURL: "https://api.cnpjws.com.br/v1",
		http: &http.Client{
			Timeout: 12 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Every(20*time.Second), 3),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Lookup(ctx context.Context, cnpj string) (*CompanyInfo, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "cnpjws: rate wait")
	}

	url := fmt.Sprintf("%s/cnpj/%s", c.baseURL, cnpj)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, eris.Wrap(err, "cnpjws: build request")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "cnpjws: lookup")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, eris.Wrap(err, "cnpjws: read body")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	var info CompanyInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, eris.Wrap(err, "cnpjws: decode response")
	}
	if info.Status == "ERROR" {
		return nil, eris.Errorf("cnpjws: registry error: %s", info.Message)
	}
	return &info, nil
}

// StatusError carries a non-2xx response for classification by the adapter.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("cnpjws: http %d", e.Code)
}
