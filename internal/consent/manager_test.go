package consent

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ledgerlink.org/internal/credentials"
	"ledgerlink.org/internal/ledger"
	"ledgerlink.org/internal/obs"
	"ledgerlink.org/internal/provider"
)

type fakeAdapter struct {
	id       provider.ID
	refresh  func(provider.Credential) (provider.Credential, error)
	complete func(provider.Credential, map[string]string) (provider.Credential, error)
	calls    atomic.Int32
}

func (f *fakeAdapter) ID() provider.ID     { return f.id }
func (f *fakeAdapter) Kind() provider.Kind { return provider.KindAccounting }

func (f *fakeAdapter) CreateRecord(context.Context, provider.Credential, string, ledger.Entity) (string, error) {
	return "", errors.New("not used")
}

func (f *fakeAdapter) RefreshCredential(_ context.Context, c provider.Credential) (provider.Credential, error) {
	f.calls.Add(1)
	return f.refresh(c)
}

func (f *fakeAdapter) BeginAuthorization(_ context.Context, r provider.AuthorizationRequest) (provider.Authorization, error) {
	return provider.Authorization{URL: "https://login.example/authorize?state=" + r.Reference}, nil
}

func (f *fakeAdapter) CompleteAuthorization(_ context.Context, c provider.Credential, params map[string]string) (provider.Credential, error) {
	return f.complete(c, params)
}

type fixture struct {
	now     time.Time
	store   *credentials.InMemory
	adapter *fakeAdapter
	mgr     *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := credentials.DeriveKey([]byte("consent-test-master-key-0001"), "test")
	if err != nil {
		t.Fatal(err)
	}
	sealer, err := credentials.NewXChaCha(key)
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }
	f.store = credentials.NewInMemory(sealer, credentials.WithClock(clock))
	f.adapter = &fakeAdapter{id: provider.Xero}
	f.adapter.refresh = func(c provider.Credential) (provider.Credential, error) {
		c.AccessToken = "fresh"
		c.ExpiresAt = provider.ExpiresIn(f.now, 1800)
		return c, nil
	}
	f.adapter.complete = func(c provider.Credential, params map[string]string) (provider.Credential, error) {
		if params["code"] != "ok" {
			return provider.Credential{}, provider.Validation(provider.Xero, "exchange", errors.New("bad code"))
		}
		c.AccessToken, c.RefreshToken = "at", "rt"
		c.ExpiresAt = provider.ExpiresIn(f.now, 1800)
		return c, nil
	}
	f.mgr = NewManager(f.store, provider.NewRegistry(f.adapter), WithClock(clock))
	return f
}

func (f *fixture) seedActive(t *testing.T, expiresIn time.Duration) provider.Credential {
	t.Helper()
	exp := f.now.Add(expiresIn)
	c := provider.Credential{CompanyID: "c1", Provider: provider.Xero, State: provider.StateActive, AccessToken: "old", RefreshToken: "rt", ExpiresAt: &exp}
	if expiresIn <= 0 {
		c.State = provider.StateExpiredNeedsRenewal
	}
	if err := f.store.Save(context.Background(), c); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return c
}

func TestInitiateAndComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	started, err := f.mgr.Initiate(ctx, "c1", provider.Xero, "", "https://app.example/cb")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if started.ConsentID == "" || started.AuthorizationURL == "" {
		t.Fatalf("unexpected initiation %+v", started)
	}
	if owner, err := f.mgr.ConsentOwner(ctx, started.ConsentID); err != nil || owner != "c1" {
		t.Fatalf("owner = %q, %v", owner, err)
	}
	if _, err := f.mgr.ConsentOwner(ctx, "unknown"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}
	st, _ := f.mgr.Status(ctx, "c1", provider.Xero)
	if st.State != provider.StatePendingAuthorization {
		t.Fatalf("state = %s", st.State)
	}

	if _, err := f.mgr.CompleteAuthorization(ctx, started.ConsentID, map[string]string{"code": "bad"}); !errors.Is(err, provider.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	cred, err := f.mgr.CompleteAuthorization(ctx, started.ConsentID, map[string]string{"code": "ok"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if cred.State != provider.StateActive || cred.AccessToken.Reveal() != "at" {
		t.Fatalf("unexpected credential %+v", cred)
	}
	again, err := f.mgr.CompleteAuthorization(ctx, started.ConsentID, map[string]string{"code": "ok"})
	if err != nil || again.State != provider.StateActive {
		t.Fatalf("repeat complete = %+v, %v", again, err)
	}
	if _, err := f.mgr.CompleteAuthorization(ctx, "unknown", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}
}

func TestCheckExpiry(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	past, future := now.Add(-time.Minute), now.Add(time.Minute)
	cases := []struct {
		name string
		cred provider.Credential
		want bool
	}{
		{"no expiry", provider.Credential{}, false},
		{"future", provider.Credential{ExpiresAt: &future}, false},
		{"past", provider.Credential{ExpiresAt: &past}, true},
		{"exactly now", provider.Credential{ExpiresAt: &now}, true},
		{"consent horizon", provider.Credential{ExpiresAt: &future, ConsentExpiresAt: &past}, true},
	}
	for _, tc := range cases {
		if got := CheckExpiry(tc.cred, now); got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestEnsureUsableRefreshesExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedActive(t, time.Hour)
	f.now = f.now.Add(2 * time.Hour)

	cred, err := f.mgr.EnsureUsable(ctx, "c1", provider.Xero)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if cred.AccessToken.Reveal() != "fresh" || f.adapter.calls.Load() != 1 {
		t.Fatalf("expected one refresh, got %d calls token=%s", f.adapter.calls.Load(), cred.AccessToken.Reveal())
	}
	if _, err := f.mgr.EnsureUsable(ctx, "c1", provider.Xero); err != nil || f.adapter.calls.Load() != 1 {
		t.Fatalf("fresh credential should not refresh again")
	}
}

func TestRefreshRejectedMarksExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cred := f.seedActive(t, 0)
	f.adapter.refresh = func(provider.Credential) (provider.Credential, error) {
		return provider.Credential{}, provider.AuthExpired(provider.Xero, "refresh", errors.New("invalid_grant"))
	}

	if _, err := f.mgr.Refresh(ctx, cred); !errors.Is(err, ErrReconnectRequired) {
		t.Fatalf("expected reconnect required, got %v", err)
	}
	st, _ := f.mgr.Status(ctx, "c1", provider.Xero)
	if st.State != provider.StateExpiredNeedsRenewal || !st.NeedsRenewal {
		t.Fatalf("status = %+v", st)
	}
}

type failingExpiry struct {
	*credentials.InMemory
}

func (failingExpiry) MarkExpired(context.Context, string, provider.ID) error {
	return errors.New("disk full")
}

func TestRefreshRejectedLogsFailedExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exp := f.now.Add(-time.Minute)
	cred := provider.Credential{CompanyID: "c1", Provider: provider.Xero, State: provider.StateActive, AccessToken: "old", RefreshToken: "rt", ExpiresAt: &exp}
	if err := f.store.Save(ctx, cred); err != nil {
		t.Fatalf("seed: %v", err)
	}
	f.adapter.refresh = func(provider.Credential) (provider.Credential, error) {
		return provider.Credential{}, provider.AuthExpired(provider.Xero, "refresh", errors.New("invalid_grant"))
	}
	mgr := NewManager(failingExpiry{f.store}, provider.NewRegistry(f.adapter), WithClock(func() time.Time { return f.now }))

	logger := obs.Logger()
	orig := logger.Out
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(orig)

	if _, err := mgr.Refresh(ctx, cred); !errors.Is(err, ErrReconnectRequired) {
		t.Fatalf("expected reconnect required, got %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "mark expired failed") || !strings.Contains(out, "disk full") {
		t.Fatalf("expiry failure not logged: %s", out)
	}
}

func TestRefreshTransientLeavesState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedActive(t, time.Minute)
	f.now = f.now.Add(time.Hour)
	f.adapter.refresh = func(provider.Credential) (provider.Credential, error) {
		return provider.Credential{}, &provider.Error{Kind: provider.ErrTransient, Provider: provider.Xero, Op: "refresh", Err: errors.New("503")}
	}
	_, err := f.mgr.EnsureUsable(ctx, "c1", provider.Xero)
	if err == nil || errors.Is(err, ErrReconnectRequired) || !provider.Retryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	got, _ := f.store.Get(ctx, "c1", provider.Xero)
	if got.State != provider.StateActive {
		t.Fatalf("state changed to %s", got.State)
	}
}

func TestConcurrentEnsureUsableRefreshesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedActive(t, time.Minute)
	f.now = f.now.Add(time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.mgr.EnsureUsable(ctx, "c1", provider.Xero); err != nil {
				t.Errorf("ensure: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := f.adapter.calls.Load(); n != 1 {
		t.Fatalf("refresh calls = %d, want 1", n)
	}
	got, _ := f.store.Get(ctx, "c1", provider.Xero)
	if !got.Usable(f.now) {
		t.Fatalf("credential not usable after refresh: %+v", got)
	}
}

func TestEnsureUsableStates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.mgr.EnsureUsable(ctx, "c1", provider.Xero); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}
	f.seedActive(t, time.Hour)
	if err := f.mgr.Disconnect(ctx, "c1", provider.Xero); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := f.mgr.Disconnect(ctx, "c1", provider.Xero); err != nil {
		t.Fatalf("disconnect is idempotent: %v", err)
	}
	if _, err := f.mgr.EnsureUsable(ctx, "c1", provider.Xero); !errors.Is(err, ErrReconnectRequired) {
		t.Fatalf("expected reconnect required, got %v", err)
	}
	got, _ := f.store.Get(ctx, "c1", provider.Xero)
	if !got.AccessToken.IsEmpty() || !got.RefreshToken.IsEmpty() {
		t.Fatalf("revoked credential kept tokens")
	}
}

func TestStatusUninitiated(t *testing.T) {
	f := newFixture(t)
	st, err := f.mgr.Status(context.Background(), "nobody", provider.Xero)
	if err != nil || st.State != StateUninitiated || st.ExpiresAt != nil {
		t.Fatalf("status = %+v, %v", st, err)
	}
}

func TestSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exp := f.now.Add(time.Hour)
	soon := f.now.Add(48 * time.Hour)
	later := f.now.Add(60 * 24 * time.Hour)
	seed := []provider.Credential{
		{CompanyID: "expiring", Provider: provider.Xero, State: provider.StateActive, ExpiresAt: &exp, ConsentExpiresAt: &soon},
		{CompanyID: "fine", Provider: provider.Xero, State: provider.StateActive, ExpiresAt: &exp, ConsentExpiresAt: &later},
		{CompanyID: "stale", Provider: provider.Xero, State: provider.StateActive, ExpiresAt: &exp},
	}
	for _, c := range seed {
		if err := f.store.Save(ctx, c); err != nil {
			t.Fatalf("seed %s: %v", c.CompanyID, err)
		}
	}
	f.now = f.now.Add(2 * time.Hour)

	rep, err := f.mgr.Sweep(ctx, f.now, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	// every token passed ExpiresAt, so all three are flagged expired
	if len(rep.Expired) != 3 || len(rep.Expiring) != 0 {
		t.Fatalf("report = %+v", rep)
	}
	for _, c := range seed {
		got, _ := f.store.Get(ctx, c.CompanyID, provider.Xero)
		if got.State != provider.StateExpiredNeedsRenewal {
			t.Fatalf("%s state = %s", c.CompanyID, got.State)
		}
	}
}

func TestSweepWarnsBeforeConsentHorizon(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exp := f.now.Add(time.Hour)
	soon := f.now.Add(48 * time.Hour)
	if err := f.store.Save(ctx, provider.Credential{CompanyID: "c1", Provider: provider.Xero, State: provider.StateActive, ExpiresAt: &exp, ConsentExpiresAt: &soon}); err != nil {
		t.Fatal(err)
	}
	rep, err := f.mgr.Sweep(ctx, f.now, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(rep.Expiring) != 1 || len(rep.Expired) != 0 || rep.Expiring[0].CompanyID != "c1" {
		t.Fatalf("report = %+v", rep)
	}
}
