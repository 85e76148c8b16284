package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendalabs/leadpipe/internal/cache"
	"github.com/vendalabs/leadpipe/internal/config"
	"github.com/vendalabs/leadpipe/internal/enrich"
	"github.com/vendalabs/leadpipe/internal/icp"
	"github.com/vendalabs/leadpipe/internal/lifecycle"
	"github.com/vendalabs/leadpipe/internal/model"
	"github.com/vendalabs/leadpipe/internal/pipeline"
	"github.com/vendalabs/leadpipe/internal/provider"
	"github.com/vendalabs/leadpipe/internal/ratelimit"
	"github.com/vendalabs/leadpipe/internal/store"
)

func newTestEnv(t *testing.T, rules map[string]ratelimit.Rule) *env {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	limiter := ratelimit.New(rules)
	orch := enrich.New([]provider.Adapter{}, cache.NewMemory(), limiter)
	engine := icp.NewEngine(&icp.Criteria{
		Weights:  icp.Weights{Localizacao: 80},
		Profiles: []icp.Profile{{ID: "p1", Name: "SP", TargetStates: []string{"SP"}}},
	})
	machine := lifecycle.NewMachine(st, nil)

	return &env{
		Store:    st,
		Pipeline: pipeline.New(st, orch, engine, machine, 2),
		Machine:  machine,
		Limiter:  limiter,
	}
}

func newTestRouter(t *testing.T, e *env) http.Handler {
	t.Helper()
	return newRouter(context.Background(), e, &config.Config{
		Tenant: "t1",
		Server: config.ServerConfig{
			WebhookVerifyToken: "s3cret",
			CORSOrigins:        []string{"*"},
		},
	})
}

func seedCompany(t *testing.T, e *env, c *model.Company) {
	t.Helper()
	require.NoError(t, e.Store.UpsertCompany(context.Background(), c))
}

func TestServeHealth(t *testing.T) {
	router := newTestRouter(t, newTestEnv(t, nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServeWebhookVerifyRoute(t *testing.T) {
	router := newTestRouter(t, newTestEnv(t, nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/webhooks/leads?hub.mode=subscribe&hub.verify_token=s3cret&hub.challenge=77", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "77", rec.Body.String())
}

func TestServeCompaniesAPI(t *testing.T) {
	e := newTestEnv(t, nil)
	router := newTestRouter(t, e)

	seedCompany(t, e, &model.Company{
		ID: "c1", TenantID: "t1", CNPJ: "12345678000195",
		LegalName: "Acme Ltda", UF: "SP", State: model.StateQuarantine,
	})
	seedCompany(t, e, &model.Company{
		ID: "c2", TenantID: "t1", Domain: "beta.com.br",
		LegalName: "Beta SA", State: model.StateQualified,
	})

	t.Run("list filters by state", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/companies?state=quarantine", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"count":1`)
		assert.Contains(t, rec.Body.String(), "Acme Ltda")
	})

	t.Run("get by id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/companies/c2", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "beta.com.br")
	})

	t.Run("manual create, then duplicate merges", func(t *testing.T) {
		body := `{"legal_name":"Gama Ltda","cnpj":"45.723.174/0001-10","uf":"MG"}`
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/companies", strings.NewReader(body)))
		assert.Equal(t, http.StatusCreated, rec.Code)

		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/companies", strings.NewReader(body)))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"created":false`)
	})

	t.Run("create without identity is 400", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/companies", strings.NewReader(`{"uf":"SP"}`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown id is 404", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/companies/nope", nil))

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestServeQualifyEndpoint(t *testing.T) {
	e := newTestEnv(t, nil)
	router := newTestRouter(t, e)

	seedCompany(t, e, &model.Company{
		ID: "c1", TenantID: "t1", CNPJ: "12345678000195",
		UF: "SP", State: model.StateQuarantine,
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/companies/c1/qualify", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"score":80`)
	// No auto_approve in the criteria means hot leads approve by default.
	assert.Contains(t, rec.Body.String(), `"decision":"approve"`)

	c, err := e.Store.GetCompany(context.Background(), "t1", "c1")
	require.NoError(t, err)
	require.NotNil(t, c.ICPScore)
	assert.Equal(t, 80, *c.ICPScore)
	assert.Equal(t, model.TempHot, c.Temperature)
	assert.Equal(t, model.StatePromoted, c.State)

	deal, err := e.Store.ActiveDeal(context.Background(), "t1", "c1")
	require.NoError(t, err)
	require.NotNil(t, deal)
}

func TestServeDealFlow(t *testing.T) {
	e := newTestEnv(t, nil)
	router := newTestRouter(t, e)

	c := &model.Company{
		ID: "c1", TenantID: "t1", LegalName: "Acme Ltda",
		State: model.StatePromoted,
	}
	seedCompany(t, e, c)
	deal, err := e.Machine.EnsureDeal(context.Background(), c, "", "owner-1")
	require.NoError(t, err)
	require.Equal(t, "prospeccao", deal.Stage)

	t.Run("get open deal", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/companies/c1/deal", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), deal.ID)
	})

	t.Run("forward stage move", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/companies/c1/deal/stage",
			strings.NewReader(`{"stage":"diagnostico"}`)))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"stage":"diagnostico"`)
	})

	t.Run("backward stage move conflicts", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/companies/c1/deal/stage",
			strings.NewReader(`{"stage":"prospeccao"}`)))

		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("unknown stage is 400", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/companies/c1/deal/stage",
			strings.NewReader(`{"stage":"invented"}`)))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("handoff request and acceptance", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/companies/c1/deal/handoff",
			strings.NewReader(`{"to_owner":"owner-2","notes":"vacation"}`)))
		require.Equal(t, http.StatusCreated, rec.Code)

		var h lifecycle.Handoff
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
		assert.Equal(t, lifecycle.HandoffPending, h.Status)

		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/handoffs/"+h.ID+"/resolve",
			strings.NewReader(`{"accept":true}`)))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"status":"accepted"`)

		fresh, err := e.Store.ActiveDeal(context.Background(), "t1", "c1")
		require.NoError(t, err)
		assert.Equal(t, "owner-2", fresh.OwnerID)
	})

	t.Run("resolving unknown handoff is 404", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/handoffs/nope/resolve",
			strings.NewReader(`{"accept":false}`)))

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestServeRateLimitCheck(t *testing.T) {
	e := newTestEnv(t, map[string]ratelimit.Rule{
		"provider/registry": {Max: 1, Window: time.Minute},
	})
	router := newTestRouter(t, e)

	body := `{"endpoint":"provider/registry","identifier":"worker-1"}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ratelimit/check", strings.NewReader(body)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"allowed":true`)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ratelimit/check", strings.NewReader(body)))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), `"allowed":false`)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ratelimit/check", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeRateLimit(t *testing.T) {
	e := newTestEnv(t, map[string]ratelimit.Rule{
		"/api/companies": {Max: 1, Window: time.Minute},
	})
	router := newTestRouter(t, e)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/companies", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/companies", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// A different caller still has its own window.
	req := httptest.NewRequest(http.MethodGet, "/api/companies", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
