package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"ledgerlink.org/internal/auth"
	"ledgerlink.org/internal/obs"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	logger := obs.Logger()
	original := logger.Out
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(original) })
	return &buf
}

func TestLogEventCarriesSession(t *testing.T) {
	buf := captureLog(t)

	ctx := WithRequestID(context.Background(), "req-123")
	ctx = auth.ContextWithClaims(ctx, &auth.Claims{
		CompanyID:        "c1",
		Roles:            []string{auth.RoleAccountant},
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-42"},
	})

	fields := map[string]any{"provider": "holded"}
	if err := LogEvent(ctx, EventSyncBatch, fields); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}
	fields["provider"] = "mutated"

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	want := map[string]any{
		"type":               "audit",
		"event":              EventSyncBatch,
		"request_id":         "req-123",
		"user_id":            "user-42",
		"session_company_id": "c1",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Fatalf("%s = %v, want %v", k, entry[k], v)
		}
	}
	got, ok := entry["fields"].(map[string]any)
	if !ok || got["provider"] != "holded" {
		t.Fatalf("fields missing or aliased: %v", entry["fields"])
	}
}

func TestLogEventWithoutSession(t *testing.T) {
	buf := captureLog(t)
	if err := LogEvent(context.Background(), EventConsentExpiring, nil); err != nil {
		t.Fatalf("LogEvent: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if _, ok := entry["user_id"]; ok {
		t.Fatalf("unexpected user_id: %v", entry)
	}
	if _, ok := entry["fields"].(map[string]any); !ok {
		t.Fatalf("fields should be an empty object: %v", entry["fields"])
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); !errors.Is(err, ErrNoEvent) {
		t.Fatalf("expected ErrNoEvent, got %v", err)
	}
}
