package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"ledgerlink.org/internal/auth"
	"ledgerlink.org/internal/consent"
	"ledgerlink.org/internal/credentials"
	"ledgerlink.org/internal/provider"
)

type connectRequest struct {
	CompanyID     string `json:"company_id"`
	Provider      string `json:"provider"`
	InstitutionID string `json:"institution_id"`
	RedirectURL   string `json:"redirect_url"`
}

type completeRequest struct {
	ConsentID string            `json:"consent_id"`
	Params    map[string]string `json:"params"`
}

type connectionRequest struct {
	CompanyID string `json:"company_id"`
	Provider  string `json:"provider"`
}

func providerID(s string) provider.ID {
	return provider.ID(strings.ToLower(strings.TrimSpace(s)))
}

func (a *API) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.conns == nil {
		writeError(w, r, http.StatusServiceUnavailable, "connections disabled")
		return
	}
	var req connectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if !authorize(w, r, req.CompanyID, auth.PermConnectionManage) {
		return
	}
	if strings.TrimSpace(req.Provider) == "" {
		writeError(w, r, http.StatusBadRequest, "provider is required")
		return
	}
	started, err := a.conns.Initiate(r.Context(), req.CompanyID, providerID(req.Provider), req.InstitutionID, req.RedirectURL)
	if err != nil {
		handleConsentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, started)
}

func (a *API) handleConnectComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.conns == nil {
		writeError(w, r, http.StatusServiceUnavailable, "connections disabled")
		return
	}
	var req completeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.ConsentID) == "" {
		writeError(w, r, http.StatusBadRequest, "consent_id is required")
		return
	}
	owner, err := a.conns.ConsentOwner(r.Context(), req.ConsentID)
	if err != nil {
		handleConsentError(w, r, err)
		return
	}
	if !authorize(w, r, owner, auth.PermConnectionManage) {
		return
	}
	cred, err := a.conns.CompleteAuthorization(r.Context(), req.ConsentID, req.Params)
	if err != nil {
		handleConsentError(w, r, err)
		return
	}
	st, err := a.conns.Status(r.Context(), cred.CompanyID, cred.Provider)
	if err != nil {
		handleConsentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleConnectionStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.conns == nil {
		writeError(w, r, http.StatusServiceUnavailable, "connections disabled")
		return
	}
	companyID := r.URL.Query().Get("company_id")
	if !authorize(w, r, companyID, auth.PermConnectionRead) {
		return
	}
	p := providerID(r.URL.Query().Get("provider"))
	if p == "" {
		writeError(w, r, http.StatusBadRequest, "provider is required")
		return
	}
	st, err := a.conns.Status(r.Context(), companyID, p)
	if err != nil {
		handleConsentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.conns == nil {
		writeError(w, r, http.StatusServiceUnavailable, "connections disabled")
		return
	}
	var req connectionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if !authorize(w, r, req.CompanyID, auth.PermConnectionManage) {
		return
	}
	if err := a.conns.Disconnect(r.Context(), req.CompanyID, providerID(req.Provider)); err != nil {
		handleConsentError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleConsentError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, consent.ErrNotConnected):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, provider.ErrUnknownProvider):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, consent.ErrNotAuthorizer), errors.Is(err, provider.ErrValidation):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, consent.ErrNotPending), errors.Is(err, credentials.ErrInvalidState):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, consent.ErrReconnectRequired), errors.Is(err, provider.ErrAuthExpired):
		writeError(w, r, http.StatusConflict, "reconnect required")
	case errors.Is(err, provider.ErrTransient), errors.Is(err, provider.ErrRateLimited):
		writeError(w, r, http.StatusBadGateway, "provider unavailable")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
