package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"ledgerlink.org/internal/auth"
	"ledgerlink.org/internal/batch"
	"ledgerlink.org/internal/ledger"
	"ledgerlink.org/internal/provider"
	"ledgerlink.org/internal/syncstate"
)

type syncRequest struct {
	CompanyID  string `json:"company_id"`
	Provider   string `json:"provider"`
	EntityType string `json:"entity_type"`
	Period     string `json:"period"`
}

type listRecordsResponse struct {
	Items []syncstate.Record `json:"items"`
}

func (a *API) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.sync == nil {
		writeError(w, r, http.StatusServiceUnavailable, "sync disabled")
		return
	}
	var req syncRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if !authorize(w, r, req.CompanyID, auth.PermSyncRun) {
		return
	}
	et, err := ledger.ParseEntityType(req.EntityType)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	period, err := ledger.ParsePeriod(req.Period)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	rep, err := a.sync.Run(r.Context(), batch.Request{
		CompanyID:  req.CompanyID,
		Provider:   provider.ID(strings.ToLower(strings.TrimSpace(req.Provider))),
		EntityType: et,
		Period:     period,
	})
	if err != nil {
		handleSyncError(w, r, err)
		return
	}
	if rep.Aborted && rep.AbortReason == batch.AbortCredential {
		writeJSON(w, http.StatusConflict, rep)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *API) handleSyncRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.records == nil {
		writeError(w, r, http.StatusServiceUnavailable, "sync records unavailable")
		return
	}
	q := r.URL.Query()
	companyID := q.Get("company_id")
	if !authorize(w, r, companyID, auth.PermSyncRead) {
		return
	}
	query := syncstate.Query{CompanyID: companyID, Provider: provider.ID(q.Get("provider"))}
	if v := q.Get("entity_type"); v != "" {
		et, err := ledger.ParseEntityType(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		query.EntityType = et
	}
	if v := q.Get("period"); v != "" {
		p, err := ledger.ParsePeriod(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		query.Period = p
	}
	limit, err := parseLimit(q.Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	query.Limit = limit

	items, err := a.records.List(r.Context(), query)
	if err != nil {
		handleSyncError(w, r, err)
		return
	}
	if items == nil {
		items = []syncstate.Record{}
	}
	writeJSON(w, http.StatusOK, listRecordsResponse{Items: items})
}

// handleSyncRecord serves GET /v1/sync/records/{internal_id}?provider=&company_id=.
func (a *API) handleSyncRecord(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/sync/records/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.records == nil {
		writeError(w, r, http.StatusServiceUnavailable, "sync records unavailable")
		return
	}
	q := r.URL.Query()
	companyID := q.Get("company_id")
	if !authorize(w, r, companyID, auth.PermSyncRead) {
		return
	}
	p := provider.ID(q.Get("provider"))
	if p == "" {
		writeError(w, r, http.StatusBadRequest, "provider is required")
		return
	}
	rec, err := a.records.GetStatus(r.Context(), syncstate.Key{InternalID: id, Provider: p})
	if err != nil {
		handleSyncError(w, r, err)
		return
	}
	if rec.CompanyID != "" && rec.CompanyID != companyID {
		writeError(w, r, http.StatusNotFound, "record not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func parseLimit(raw string, def, min, max int) (int, error) {
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}

func handleSyncError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, batch.ErrInvalidRequest),
		errors.Is(err, ledger.ErrInvalidPeriod),
		errors.Is(err, ledger.ErrInvalidEntityType):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, provider.ErrUnknownProvider):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, batch.ErrNotSyncable):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
