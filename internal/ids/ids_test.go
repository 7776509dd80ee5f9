package ids

import (
	"strings"
	"testing"
	"time"
)

func TestNewIsSortable(t *testing.T) {
	a := New()
	b := New()
	if a >= b {
		t.Fatalf("expected monotonic ids, got %s >= %s", a, b)
	}
}

func TestWithPrefixAndTime(t *testing.T) {
	before := time.Now().Add(-time.Second)
	id := WithPrefix("RUN")
	if !strings.HasPrefix(id, "run_") {
		t.Fatalf("unexpected prefix: %s", id)
	}
	ts, ok := Time(id)
	if !ok {
		t.Fatalf("expected timestamp to be decodable from %s", id)
	}
	if ts.Before(before) {
		t.Fatalf("timestamp %v predates %v", ts, before)
	}
	if _, ok := Time("not-a-ulid"); ok {
		t.Fatal("expected garbage id to be rejected")
	}
}
