// Package audit writes the compliance trail for sync runs and consent changes
// as type=audit entries on the shared logger.
package audit

import (
	"context"
	"errors"
	"maps"
	"strings"

	"github.com/sirupsen/logrus"

	"ledgerlink.org/internal/auth"
	"ledgerlink.org/internal/obs"
)

const (
	EventSyncBatch         = "sync.batch"
	EventConnectInitiated  = "consent.initiated"
	EventConnectCompleted  = "consent.completed"
	EventCredentialExpired = "consent.expired"
	EventCredentialRevoked = "consent.revoked"
	EventConsentExpiring   = "consent.expiring"
	EventReconcileRun      = "reconcile.run"
	EventTokenIssued       = "auth.token.issued"
)

var ErrNoEvent = errors.New("audit: event name is required")

type requestIDKey struct{}

// WithRequestID tags ctx so later events can be joined to the access log.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID = strings.TrimSpace(requestID); requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey{}).(string)
	return v
}

// LogEvent records event with the caller's request id and session. fields is
// copied; the caller may reuse it.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	if event = strings.TrimSpace(event); event == "" {
		return ErrNoEvent
	}
	copied := maps.Clone(fields)
	if copied == nil {
		copied = map[string]any{}
	}
	entry := logrus.Fields{"type": "audit", "event": event, "fields": copied}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if user, ok := auth.UserIDFromContext(ctx); ok {
		entry["user_id"] = user
	}
	if company, ok := auth.CompanyIDFromContext(ctx); ok {
		entry["session_company_id"] = company
	}
	obs.Logger().WithFields(entry).Info(event)
	return nil
}
