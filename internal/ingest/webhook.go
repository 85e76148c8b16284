package ingest

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// LeadWebhook receives lead-ads change events. The platform verifies
// the endpoint once with a GET token handshake and then POSTs batches
// of change events; each leadgen event becomes a quarantined lead.
type LeadWebhook struct {
	importer    *Importer
	verifyToken string
}

func NewLeadWebhook(im *Importer, verifyToken string) *LeadWebhook {
	return &LeadWebhook{importer: im, verifyToken: verifyToken}
}

// Verify answers the subscription handshake: echo hub.challenge when
// the mode is subscribe and the token matches, 403 otherwise.
func (h *LeadWebhook) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") == "subscribe" && q.Get("hub.verify_token") == h.verifyToken {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(q.Get("hub.challenge")))
		return
	}
	http.Error(w, "verification failed", http.StatusForbidden)
}

type fieldDatum struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

type webhookPayload struct {
	Entry []struct {
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				FieldData []fieldDatum `json:"field_data"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// Receive ingests POSTed change events. Events that fail validation are
// counted and skipped; the response always acknowledges the batch so
// the platform does not redeliver rows we have already rejected.
func (h *LeadWebhook) Receive(w http.ResponseWriter, r *http.Request) {
	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	var created, rejected int
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "leadgen" {
				continue
			}
			lead := leadFromFieldData(change.Value.FieldData)
			ok, err := h.importer.Create(r.Context(), lead)
			if err != nil {
				rejected++
				zap.L().Warn("ingest: webhook lead rejected", zap.Error(err))
				continue
			}
			if ok {
				created++
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"created": created, "rejected": rejected})
}

// leadFromFieldData maps a form's field_data list through the same
// alias table CSV headers use ("company_name" folds to "company name").
func leadFromFieldData(fields []fieldDatum) Lead {
	var lead Lead
	for _, f := range fields {
		if len(f.Values) == 0 {
			continue
		}
		value := f.Values[0]
		switch columnAliases[foldHeader(f.Name)] {
		case colCNPJ:
			lead.CNPJ = value
		case colName:
			lead.LegalName = value
		case colWebsite:
			lead.Website = value
		case colEmail:
			lead.Email = value
		case colPhone:
			lead.Phone = value
		case colCity:
			lead.City = value
		case colUF:
			lead.UF = value
		case colSector:
			lead.Sector = value
		}
	}
	return lead
}
