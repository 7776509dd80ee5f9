package httpapi

import (
	"net/http"
	"strings"
	"time"

	"ledgerlink.org/internal/audit"
	"ledgerlink.org/internal/auth"
)

const tokenTTL = 15 * time.Minute

type tokenRequest struct {
	User      string   `json:"user"`
	CompanyID string   `json:"company_id"`
	Roles     []string `json:"roles"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// tokenHandler is open in dev mode; otherwise only admins mint tokens.
func (a *API) tokenHandler() http.Handler {
	h := http.HandlerFunc(a.handleAuthToken)
	if a.devTokens {
		return h
	}
	return RequireRole(auth.RoleAdmin)(h)
}

func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.User = strings.TrimSpace(req.User)
	req.CompanyID = strings.TrimSpace(req.CompanyID)
	if req.User == "" || len(req.Roles) == 0 {
		writeError(w, r, http.StatusBadRequest, "user and roles are required")
		return
	}
	if !a.devTokens && !mayDelegate(r, req) {
		writeError(w, r, http.StatusForbidden, "cannot issue a token beyond your own scope")
		return
	}

	token, err := auth.GenerateToken(req.User, req.CompanyID, req.Roles, tokenTTL)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	expiresAt := time.Now().UTC().Add(tokenTTL)
	_ = audit.LogEvent(r.Context(), audit.EventTokenIssued, map[string]any{
		"user":       req.User,
		"company_id": req.CompanyID,
		"roles":      req.Roles,
		"expires_at": expiresAt.Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, ExpiresAt: expiresAt})
}

// mayDelegate keeps a company admin inside its own company and away from the
// operator role. Operators are unrestricted.
func mayDelegate(r *http.Request, req tokenRequest) bool {
	if auth.HasRole(r.Context(), auth.RoleOperator) {
		return true
	}
	own, ok := auth.CompanyIDFromContext(r.Context())
	if !ok || own != req.CompanyID {
		return false
	}
	for _, role := range req.Roles {
		if strings.EqualFold(strings.TrimSpace(role), auth.RoleOperator) {
			return false
		}
	}
	return true
}
