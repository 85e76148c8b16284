package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/vendalabs/leadpipe/internal/ingest"
	"github.com/vendalabs/leadpipe/internal/lifecycle"
	"github.com/vendalabs/leadpipe/internal/model"
	"github.com/vendalabs/leadpipe/internal/ratelimit"
	"github.com/vendalabs/leadpipe/internal/store"
)

type server struct {
	env      *env
	tenant   string
	importer *ingest.Importer
	baseCtx  context.Context
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRateLimitCheck is the check-and-record boundary for external
// collaborators metering their own provider calls. Admission here consumes
// a slot for the named endpoint.
func (s *server) handleRateLimitCheck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Endpoint   string `json:"endpoint"`
		Identifier string `json:"identifier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" || req.Identifier == "" {
		writeError(w, http.StatusBadRequest, "endpoint and identifier are required")
		return
	}

	d := s.env.Limiter.Admit(req.Identifier, req.Endpoint)
	ratelimit.WriteHeaders(w, d)

	status := http.StatusOK
	if !d.Allowed {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, map[string]any{
		"allowed":   d.Allowed,
		"limit":     d.Limit,
		"remaining": d.Remaining,
		"reset_at":  d.ResetAt.Unix(),
	})
}

func (s *server) handleListCompanies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.CompanyFilter{
		TenantID:    s.tenant,
		State:       model.LifecycleState(q.Get("state")),
		Temperature: q.Get("temperature"),
		Limit:       100,
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		filter.Limit = n
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n > 0 {
		filter.Offset = n
	}

	companies, err := s.env.Store.ListCompanies(r.Context(), filter)
	if err != nil {
		zap.L().Error("list companies", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list companies failed")
		return
	}
	if companies == nil {
		companies = []model.Company{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"companies": companies, "count": len(companies)})
}

// handleCreateCompany is the manual single-lead entry point. Duplicates
// by tax id or domain merge into the existing record.
func (s *server) handleCreateCompany(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LegalName string `json:"legal_name"`
		TradeName string `json:"trade_name"`
		CNPJ      string `json:"cnpj"`
		Website   string `json:"website"`
		Email     string `json:"email"`
		Phone     string `json:"phone"`
		Sector    string `json:"sector"`
		City      string `json:"city"`
		UF        string `json:"uf"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created, err := s.importer.Create(r.Context(), ingest.Lead{
		LegalName: req.LegalName,
		TradeName: req.TradeName,
		CNPJ:      req.CNPJ,
		Website:   req.Website,
		Email:     req.Email,
		Phone:     req.Phone,
		Sector:    req.Sector,
		City:      req.City,
		UF:        req.UF,
	})
	if err != nil {
		if eris.Is(err, ingest.ErrNoIdentity) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		zap.L().Error("create lead", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "create lead failed")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]bool{"created": created})
}

func (s *server) company(w http.ResponseWriter, r *http.Request) *model.Company {
	id := chi.URLParam(r, "id")
	c, err := s.env.Store.GetCompany(r.Context(), s.tenant, id)
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "company not found")
		} else {
			zap.L().Error("load company", zap.String("company_id", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "load company failed")
		}
		return nil
	}
	return c
}

func (s *server) handleGetCompany(w http.ResponseWriter, r *http.Request) {
	c := s.company(w, r)
	if c == nil {
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// handleEnrich kicks off an enrichment pass in the background and
// returns immediately: provider fan-out can take tens of seconds.
func (s *server) handleEnrich(w http.ResponseWriter, r *http.Request) {
	c := s.company(w, r)
	if c == nil {
		return
	}

	var req struct {
		Providers []string `json:"providers"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	go func() {
		res, err := s.env.Pipeline.ProcessCompany(s.baseCtx, s.tenant, c.ID, req.Providers)
		if err != nil {
			zap.L().Error("async enrichment failed",
				zap.String("company_id", c.ID), zap.Error(err))
			return
		}
		zap.L().Info("async enrichment complete",
			zap.String("company_id", c.ID),
			zap.Int("score", res.Score),
			zap.String("decision", res.Decision),
		)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "company_id": c.ID})
}

func (s *server) handleQualify(w http.ResponseWriter, r *http.Request) {
	c := s.company(w, r)
	if c == nil {
		return
	}

	res, err := s.env.Pipeline.Qualify(r.Context(), c)
	if err != nil {
		zap.L().Error("qualify company", zap.String("company_id", c.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "qualification failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) deal(w http.ResponseWriter, r *http.Request, c *model.Company) *lifecycle.Deal {
	d, err := s.env.Store.ActiveDeal(r.Context(), s.tenant, c.ID)
	if err != nil {
		zap.L().Error("load deal", zap.String("company_id", c.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "load deal failed")
		return nil
	}
	if d == nil {
		writeError(w, http.StatusNotFound, "no open deal")
		return nil
	}
	return d
}

func (s *server) handleGetDeal(w http.ResponseWriter, r *http.Request) {
	c := s.company(w, r)
	if c == nil {
		return
	}
	d := s.deal(w, r, c)
	if d == nil {
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *server) handleMoveStage(w http.ResponseWriter, r *http.Request) {
	c := s.company(w, r)
	if c == nil {
		return
	}

	var req struct {
		Stage string `json:"stage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Stage == "" {
		writeError(w, http.StatusBadRequest, "stage is required")
		return
	}

	d := s.deal(w, r, c)
	if d == nil {
		return
	}

	if err := s.env.Machine.MoveStage(r.Context(), d, req.Stage); err != nil {
		switch {
		case eris.Is(err, lifecycle.ErrUnknownStage):
			writeError(w, http.StatusBadRequest, "unknown stage")
		case eris.Is(err, lifecycle.ErrBackwardStageMove), eris.Is(err, lifecycle.ErrDealClosed):
			writeError(w, http.StatusConflict, err.Error())
		default:
			zap.L().Error("move deal stage", zap.String("deal_id", d.ID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "stage move failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *server) handleRequestHandoff(w http.ResponseWriter, r *http.Request) {
	c := s.company(w, r)
	if c == nil {
		return
	}

	var req struct {
		ToOwner string `json:"to_owner"`
		Notes   string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ToOwner == "" {
		writeError(w, http.StatusBadRequest, "to_owner is required")
		return
	}

	d := s.deal(w, r, c)
	if d == nil {
		return
	}

	h, err := s.env.Machine.RequestHandoff(r.Context(), d, req.ToOwner, req.Notes)
	if err != nil {
		if eris.Is(err, lifecycle.ErrDealClosed) {
			writeError(w, http.StatusConflict, "deal is closed")
			return
		}
		zap.L().Error("request handoff", zap.String("deal_id", d.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "handoff request failed")
		return
	}
	writeJSON(w, http.StatusCreated, h)
}

func (s *server) handleResolveHandoff(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Accept bool `json:"accept"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.env.Machine.ResolveHandoff(r.Context(), s.tenant, id, req.Accept); err != nil {
		if eris.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "handoff not found")
			return
		}
		zap.L().Error("resolve handoff", zap.String("handoff_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "handoff resolution failed")
		return
	}

	h, err := s.env.Store.GetHandoff(r.Context(), id)
	if err != nil {
		zap.L().Error("reload handoff", zap.String("handoff_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "handoff resolution failed")
		return
	}
	writeJSON(w, http.StatusOK, h)
}
