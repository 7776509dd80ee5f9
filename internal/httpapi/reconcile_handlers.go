package httpapi

import (
	"errors"
	"net/http"

	"ledgerlink.org/internal/auth"
	"ledgerlink.org/internal/consent"
	"ledgerlink.org/internal/ledger"
	"ledgerlink.org/internal/provider"
	"ledgerlink.org/internal/reconcile"
)

type reconcileRequest struct {
	CompanyID string `json:"company_id"`
	Provider  string `json:"provider"`
	Period    string `json:"period"`
}

func (a *API) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.reconciler == nil {
		writeError(w, r, http.StatusServiceUnavailable, "reconciliation disabled")
		return
	}
	var req reconcileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if !authorize(w, r, req.CompanyID, auth.PermReconcileRun) {
		return
	}
	period, err := ledger.ParsePeriod(req.Period)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rep, err := a.reconciler.Run(r.Context(), reconcile.Request{
		CompanyID: req.CompanyID,
		Provider:  providerID(req.Provider),
		Period:    period,
	})
	if err != nil {
		handleReconcileError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func handleReconcileError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, reconcile.ErrInvalidRequest):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, reconcile.ErrNotBanking):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, reconcile.ErrAlreadyMatched):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, provider.ErrUnknownProvider):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, consent.ErrNotConnected), errors.Is(err, consent.ErrReconnectRequired):
		writeError(w, r, http.StatusConflict, "reconnect required: "+err.Error())
	case errors.Is(err, provider.ErrTransient), errors.Is(err, provider.ErrRateLimited):
		writeError(w, r, http.StatusBadGateway, "provider unavailable")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
