package auth

import (
	"context"
	"strings"
)

// session is the verified caller stored in a request context.
type session struct {
	user      string
	companyID string
	roles     []string
}

type sessionKey struct{}

func sessionFrom(ctx context.Context) (session, bool) {
	s, ok := ctx.Value(sessionKey{}).(session)
	return s, ok && s.user != ""
}

// ContextWithUser stores an unscoped identity.
func ContextWithUser(ctx context.Context, userID string, roles []string) context.Context {
	return context.WithValue(ctx, sessionKey{}, session{
		user:  strings.TrimSpace(userID),
		roles: normalizeRoles(roles),
	})
}

// ContextWithClaims stores a verified token's session.
func ContextWithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, sessionKey{}, session{
		user:      strings.TrimSpace(c.Subject),
		companyID: strings.TrimSpace(c.CompanyID),
		roles:     normalizeRoles(c.Roles),
	})
}

func UserIDFromContext(ctx context.Context) (string, bool) {
	s, ok := sessionFrom(ctx)
	return s.user, ok
}

// CompanyIDFromContext returns the company the session is scoped to.
func CompanyIDFromContext(ctx context.Context) (string, bool) {
	s, ok := sessionFrom(ctx)
	if !ok || s.companyID == "" {
		return "", false
	}
	return s.companyID, true
}

// RolesFromContext returns a copy of the session roles.
func RolesFromContext(ctx context.Context) []string {
	s, _ := sessionFrom(ctx)
	if len(s.roles) == 0 {
		return nil
	}
	return append([]string(nil), s.roles...)
}

func HasRole(ctx context.Context, role string) bool {
	s, ok := sessionFrom(ctx)
	return ok && contains(s.roles, strings.ToLower(strings.TrimSpace(role)))
}

// Authorize checks that the session may perform perm on companyID. Only
// operators cross company boundaries.
func Authorize(ctx context.Context, companyID, perm string) error {
	s, ok := sessionFrom(ctx)
	if !ok {
		return ErrUnauthorized
	}
	if !contains(s.roles, RoleOperator) && (s.companyID == "" || s.companyID != companyID) {
		return ErrForbidden
	}
	for _, r := range s.roles {
		if RoleGrants(r, perm) {
			return nil
		}
	}
	return ErrForbidden
}
