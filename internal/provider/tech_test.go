package provider

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendalabs/leadpipe/internal/model"
	"github.com/vendalabs/leadpipe/pkg/techsniff"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func stubDetector(status int, header http.Header, body string) *techsniff.Detector {
	return techsniff.NewDetector(techsniff.WithHTTPClient(&http.Client{
		Transport: roundTripFunc(func(_ *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: status,
				Header:     header,
				Body:       io.NopCloser(strings.NewReader(body)),
			}, nil
		}),
	}))
}

func TestTechAdapter_MissingDomain(t *testing.T) {
	a := NewTechAdapter(techsniff.NewDetector(), 0)

	_, err := a.Fetch(context.Background(), Entity{CNPJ: "12345678000195"})
	require.Error(t, err)
	assert.Equal(t, KindMissingKey, KindOf(err))
}

func TestTechAdapter_DetectsFromHomepage(t *testing.T) {
	header := http.Header{}
	header.Set("Server", "nginx/1.24")
	detector := stubDetector(http.StatusOK, header,
		`<html><head><link href="/wp-content/themes/acme/style.css"></head></html>`)
	a := NewTechAdapter(detector, 0)

	res, err := a.Fetch(context.Background(), Entity{Domain: "acme.com.br"})
	require.NoError(t, err)
	assert.Equal(t, TechSniff, res.Provider)

	techs, ok := res.Fields[model.FieldTechnologies].Value.([]string)
	require.True(t, ok)
	assert.Contains(t, techs, "wordpress")
	assert.Contains(t, techs, "nginx")
}

func TestTechAdapter_NoDetectionsIsNotAnError(t *testing.T) {
	a := NewTechAdapter(stubDetector(http.StatusOK, http.Header{}, `<html><body>ola</body></html>`), 0)

	res, err := a.Fetch(context.Background(), Entity{Domain: "acme.com.br"})
	require.NoError(t, err)
	assert.NotContains(t, res.Fields, model.FieldTechnologies)
}

func TestTechAdapter_ClassifiesNotFound(t *testing.T) {
	a := NewTechAdapter(stubDetector(http.StatusNotFound, http.Header{}, ""), 0)

	_, err := a.Fetch(context.Background(), Entity{Domain: "acme.com.br"})
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
}
