package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"ledgerlink.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
}

// withAuth verifies the bearer token and stores the session in the context.
// Per-route permission checks happen in the handlers.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || a.isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="ledgerlink"`)
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := auth.ParseAndValidate(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			if errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, r, http.StatusUnauthorized, "invalid token")
			} else {
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithClaims(r.Context(), claims)))
	})
}

// authorize writes the error response and returns false when the session may
// not perform perm for companyID.
func authorize(w http.ResponseWriter, r *http.Request, companyID, perm string) bool {
	err := auth.Authorize(r.Context(), companyID, perm)
	switch {
	case err == nil:
		return true
	case errors.Is(err, auth.ErrUnauthorized):
		w.Header().Set("WWW-Authenticate", `Bearer realm="ledgerlink"`)
		writeError(w, r, http.StatusUnauthorized, "authentication required")
	default:
		writeError(w, r, http.StatusForbidden, "forbidden")
	}
	return false
}

// RequireRole guards operator-only handlers.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := auth.UserIDFromContext(r.Context()); !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="ledgerlink"`)
				writeError(w, r, http.StatusUnauthorized, "authentication required")
				return
			}
			if !auth.HasRole(r.Context(), role) {
				w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope"`)
				writeError(w, r, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func (a *API) isPublicPath(path string) bool {
	if a.devTokens && path == "/v1/auth/token" {
		return true
	}
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
