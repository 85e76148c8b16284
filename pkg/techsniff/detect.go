// Package techsniff detects a company's technology stack from its homepage
// response headers and markup signatures. No external API is involved; the
// detector fetches the page once and runs signature matching locally.
package techsniff

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Detection is one matched technology.
type Detection struct {
	Name     string `json:"name"`
	Category string `json:"category"` // erp | crm | cms | analytics | ecommerce | infra
	Evidence string `json:"evidence"` // header | markup
}

// Result is the outcome of a homepage scan.
type Result struct {
	URL        string      `json:"url"`
	Detections []Detection `json:"detections"`
	FetchedAt  time.Time   `json:"fetched_at"`
}

// signature matches a technology either by response header or by a markup
// pattern over the raw HTML.
type signature struct {
	name     string
	category string
	header   string         // header name to inspect, empty = markup only
	pattern  *regexp.Regexp // applied to the header value or body
}

var signatures = []signature{
	{"TOTVS Protheus", "erp", "", regexp.MustCompile(`(?i)totvs|protheus|fluig`)},
	{"SAP", "erp", "", regexp.MustCompile(`(?i)sap\.com/ui5|sapui5|hybris`)},
	{"Oracle ERP", "erp", "", regexp.MustCompile(`(?i)oraclecloud\.com|netsuite`)},
	{"Salesforce", "crm", "", regexp.MustCompile(`(?i)force\.com|salesforce\.com/embed|pardot\.com`)},
	{"RD Station", "crm", "", regexp.MustCompile(`(?i)d335luupugsy2\.cloudfront\.net|rdstation`)},
	{"HubSpot", "crm", "", regexp.MustCompile(`(?i)js\.hs-scripts\.com|hubspot`)},
	{"WordPress", "cms", "", regexp.MustCompile(`(?i)wp-content|wp-includes`)},
	{"VTEX", "ecommerce", "", regexp.MustCompile(`(?i)vteximg\.com\.br|vtexassets`)},
	{"Shopify", "ecommerce", "", regexp.MustCompile(`(?i)cdn\.shopify\.com`)},
	{"Google Analytics", "analytics", "", regexp.MustCompile(`(?i)googletagmanager\.com|google-analytics\.com`)},
	{"Cloudflare", "infra", "Server", regexp.MustCompile(`(?i)cloudflare`)},
	{"Nginx", "infra", "Server", regexp.MustCompile(`(?i)nginx`)},
	{"ASP.NET", "infra", "X-Powered-By", regexp.MustCompile(`(?i)asp\.net`)},
	{"PHP", "infra", "X-Powered-By", regexp.MustCompile(`(?i)php`)},
}

// maxBodyBytes limits how much HTML the detector downloads.
const maxBodyBytes = 512 * 1024

// Detector fetches homepages and matches signatures.
type Detector struct {
	http      *http.Client
	userAgent string
}

// Option configures the detector.
type Option func(*Detector)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(d *Detector) {
		d.http = hc
	}
}

// WithUserAgent overrides the request user agent.
func WithUserAgent(ua string) Option {
	return func(d *Detector) {
		d.userAgent = ua
	}
}

// NewDetector creates a homepage technology detector.
func NewDetector(opts ...Option) *Detector {
	d := &Detector{
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
		userAgent: "leadpipe/1.0 (+https://vendalabs.io)",
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Scan fetches the domain's homepage and returns matched technologies.
// A domain with no matches yields an empty detection list, not an error.
func (d *Detector) Scan(ctx context.Context, domain string) (*Result, error) {
	url := domain
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "https://" + url
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, eris.Wrap(err, "techsniff: build request")
	}
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "techsniff: fetch homepage")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, eris.Wrap(err, "techsniff: read body")
	}

	result := &Result{URL: url, FetchedAt: time.Now().UTC()}
	seen := make(map[string]bool)
	for _, sig := range signatures {
		var matched bool
		var evidence string
		if sig.header != "" {
			matched = sig.pattern.MatchString(resp.Header.Get(sig.header))
			evidence = "header"
		} else {
			matched = sig.pattern.Match(body)
			evidence = "markup"
		}
		if matched && !seen[sig.name] {
			seen[sig.name] = true
			result.Detections = append(result.Detections, Detection{
				Name:     sig.name,
				Category: sig.category,
				Evidence: evidence,
			})
		}
	}
	return result, nil
}

// StatusError carries a non-2xx response for classification by the adapter.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("techsniff: http %d", e.Code)
}
