package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ledgerlink.org/internal/consent"
	"ledgerlink.org/internal/ledger"
	"ledgerlink.org/internal/provider"
	"ledgerlink.org/internal/stream"
	"ledgerlink.org/internal/syncstate"
)

var jan = ledger.Period{Year: 2025, Month: time.January}

type scriptedAdapter struct {
	id   provider.ID
	kind provider.Kind
	fn   func(ctx context.Context, e ledger.Entity, call int) (string, error)

	mu    sync.Mutex
	calls map[string]int
}

func newAdapter(fn func(ctx context.Context, e ledger.Entity, call int) (string, error)) *scriptedAdapter {
	return &scriptedAdapter{id: provider.Xero, kind: provider.KindAccounting, fn: fn, calls: map[string]int{}}
}

func (a *scriptedAdapter) ID() provider.ID     { return a.id }
func (a *scriptedAdapter) Kind() provider.Kind { return a.kind }

func (a *scriptedAdapter) CreateRecord(ctx context.Context, _ provider.Credential, _ string, e ledger.Entity) (string, error) {
	a.mu.Lock()
	a.calls[e.ID]++
	n := a.calls[e.ID]
	a.mu.Unlock()
	return a.fn(ctx, e, n)
}

func (a *scriptedAdapter) RefreshCredential(_ context.Context, c provider.Credential) (provider.Credential, error) {
	return c, nil
}

func (a *scriptedAdapter) callsFor(id string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[id]
}

func (a *scriptedAdapter) total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		n += c
	}
	return n
}

type fakeCreds struct {
	err     error
	expired atomic.Int32
}

func (f *fakeCreds) EnsureUsable(_ context.Context, companyID string, p provider.ID) (provider.Credential, error) {
	if f.err != nil {
		return provider.Credential{}, f.err
	}
	return provider.Credential{CompanyID: companyID, Provider: p, State: provider.StateActive, AccessToken: "tok"}, nil
}

func (f *fakeCreds) MarkExpired(context.Context, string, provider.ID) error {
	f.expired.Add(1)
	return nil
}

type harness struct {
	source  *ledger.InMemory
	tracker *syncstate.InMemory
	creds   *fakeCreds
	adapter *scriptedAdapter
	orch    *Orchestrator
	sleeps  []time.Duration
	mu      sync.Mutex
}

func newHarness(t *testing.T, n int, cfg Config, fn func(ctx context.Context, e ledger.Entity, call int) (string, error), opts ...Option) *harness {
	t.Helper()
	h := &harness{
		source:  ledger.NewInMemory(),
		tracker: syncstate.NewInMemory(),
		creds:   &fakeCreds{},
		adapter: newAdapter(fn),
	}
	for i := 1; i <= n; i++ {
		h.source.Put(ledger.Entity{
			ID:        fmt.Sprintf("e%d", i),
			CompanyID: "c1",
			Type:      ledger.EntityExpense,
			Date:      time.Date(2025, 1, i, 0, 0, 0, 0, time.UTC),
			Amount:    ledger.Money{Currency: "EUR", Amount: int64(i * 1000)},
		})
	}
	sleep := func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.sleeps = append(h.sleeps, d)
		h.mu.Unlock()
		return ctx.Err()
	}
	opts = append([]Option{withSleep(sleep)}, opts...)
	h.orch = New(cfg, h.source, h.tracker, h.creds, provider.NewRegistry(h.adapter), opts...)
	return h
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RatePerSec = 0
	cfg.CallTimeout = time.Second
	return cfg
}

func request() Request {
	return Request{CompanyID: "c1", Provider: provider.Xero, EntityType: ledger.EntityExpense, Period: jan}
}

func ok(_ context.Context, e ledger.Entity, _ int) (string, error) { return "X-" + e.ID, nil }

func transient() error {
	return &provider.Error{Kind: provider.ErrTransient, Provider: provider.Xero, Op: "create_record", StatusCode: 503}
}

func TestThreeExpenseScenario(t *testing.T) {
	failE2 := true
	h := newHarness(t, 3, testConfig(), func(ctx context.Context, e ledger.Entity, call int) (string, error) {
		if e.ID == "e2" && failE2 {
			return "", transient()
		}
		return "X-" + e.ID, nil
	})
	ctx := context.Background()

	rep, err := h.orch.Run(ctx, request())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Processed != 3 || rep.Succeeded != 2 || rep.Failed != 1 || rep.Message != "2/3 succeeded" {
		t.Fatalf("first run = %+v", rep)
	}
	if h.adapter.callsFor("e2") != 2 {
		t.Fatalf("transient item should be retried once, calls = %d", h.adapter.callsFor("e2"))
	}
	rec, _ := h.tracker.GetStatus(ctx, syncstate.Key{InternalID: "e2", Provider: provider.Xero})
	if rec.Status != syncstate.StatusFailed || rec.ErrorKind != "transient" || rec.LastError == "" {
		t.Fatalf("e2 record = %+v", rec)
	}

	failE2 = false
	rep, err = h.orch.Run(ctx, request())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if rep.Processed != 1 || rep.Succeeded != 1 || len(rep.Items) != 1 || rep.Items[0].InternalID != "e2" {
		t.Fatalf("second run = %+v", rep)
	}
	if h.adapter.callsFor("e1") != 1 || h.adapter.callsFor("e3") != 1 {
		t.Fatalf("synced items were sent again")
	}
}

func TestIdempotentRerun(t *testing.T) {
	h := newHarness(t, 4, testConfig(), ok)
	ctx := context.Background()
	if _, err := h.orch.Run(ctx, request()); err != nil {
		t.Fatalf("run: %v", err)
	}
	before := h.adapter.total()
	rep, err := h.orch.Run(ctx, request())
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if rep.Processed != 0 || h.adapter.total() != before {
		t.Fatalf("rerun dispatched work: %+v", rep)
	}
	for i := 1; i <= 4; i++ {
		rec, _ := h.tracker.GetStatus(ctx, syncstate.Key{InternalID: fmt.Sprintf("e%d", i), Provider: provider.Xero})
		if rec.Status != syncstate.StatusSynced || rec.ExternalID != fmt.Sprintf("X-e%d", i) {
			t.Fatalf("record %d = %+v", i, rec)
		}
	}
}

func TestConcurrentRunsNeverDoubleRegister(t *testing.T) {
	h := newHarness(t, 10, testConfig(), func(ctx context.Context, e ledger.Entity, _ int) (string, error) {
		time.Sleep(2 * time.Millisecond)
		return "X-" + e.ID, nil
	})
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.orch.Run(ctx, request()); err != nil {
				t.Errorf("run: %v", err)
			}
		}()
	}
	wg.Wait()
	for i := 1; i <= 10; i++ {
		if n := h.adapter.callsFor(fmt.Sprintf("e%d", i)); n != 1 {
			t.Fatalf("e%d registered %d times", i, n)
		}
	}
}

func TestPartialFailureIsolation(t *testing.T) {
	h := newHarness(t, 5, testConfig(), func(ctx context.Context, e ledger.Entity, _ int) (string, error) {
		if e.ID == "e3" {
			return "", provider.Validation(provider.Xero, "create_record", errors.New("account code missing"))
		}
		return "X-" + e.ID, nil
	})
	rep, err := h.orch.Run(context.Background(), request())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Succeeded != 4 || rep.Failed != 1 || rep.Aborted {
		t.Fatalf("report = %+v", rep)
	}
	if h.adapter.callsFor("e3") != 1 {
		t.Fatalf("validation errors must not be retried")
	}
	for i, it := range rep.Items {
		if it.InternalID != fmt.Sprintf("e%d", i+1) {
			t.Fatalf("items out of order: %+v", rep.Items)
		}
	}
	if rep.Items[2].ErrorKind != "validation" || !strings.Contains(rep.Items[2].Error, "account code missing") {
		t.Fatalf("item error = %+v", rep.Items[2])
	}
}

func TestCredentialAbortBeforeDispatch(t *testing.T) {
	h := newHarness(t, 3, testConfig(), ok)
	h.creds.err = fmt.Errorf("%w: refresh rejected", consent.ErrReconnectRequired)
	rep, err := h.orch.Run(context.Background(), request())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Processed != 0 || !rep.Aborted || !strings.HasPrefix(rep.Message, "reconnect required") {
		t.Fatalf("report = %+v", rep)
	}
	if h.adapter.total() != 0 {
		t.Fatalf("adapter called with unusable credential")
	}
}

func TestAuthExpiredAbortsRemainingItems(t *testing.T) {
	cfg := testConfig()
	cfg.Concurrency = 1
	h := newHarness(t, 5, cfg, func(ctx context.Context, e ledger.Entity, _ int) (string, error) {
		if e.ID == "e2" {
			return "", provider.AuthExpired(provider.Xero, "create_record", errors.New("token revoked"))
		}
		return "X-" + e.ID, nil
	})
	rep, err := h.orch.Run(context.Background(), request())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !rep.Aborted || rep.AbortReason != AbortCredential || !strings.HasPrefix(rep.Message, "reconnect required") {
		t.Fatalf("report = %+v", rep)
	}
	if rep.Processed != 2 || rep.Succeeded != 1 || rep.Failed != 1 {
		t.Fatalf("counts = %+v", rep)
	}
	if h.adapter.callsFor("e2") != 1 || h.adapter.total() != 2 {
		t.Fatalf("calls after abort: %d", h.adapter.total())
	}
	if h.creds.expired.Load() != 1 {
		t.Fatalf("credential not marked expired")
	}
}

func TestCancellationLetsInFlightFinish(t *testing.T) {
	cfg := testConfig()
	cfg.Concurrency = 1
	started := make(chan struct{})
	release := make(chan struct{})
	var inflightErr atomic.Value
	h := newHarness(t, 3, cfg, func(ctx context.Context, e ledger.Entity, _ int) (string, error) {
		if e.ID == "e1" {
			close(started)
			<-release
			inflightErr.Store(fmt.Sprint(ctx.Err()))
		}
		return "X-" + e.ID, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Report, 1)
	go func() {
		rep, _ := h.orch.Run(ctx, request())
		done <- rep
	}()
	<-started
	cancel()
	close(release)

	var rep Report
	select {
	case rep = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return")
	}
	if got := inflightErr.Load(); got != "<nil>" {
		t.Fatalf("in-flight call context = %v", got)
	}
	if rep.Processed != 1 || rep.Succeeded != 1 || !rep.Aborted || rep.AbortReason != AbortCancelled {
		t.Fatalf("report = %+v", rep)
	}
	rec, _ := h.tracker.GetStatus(context.Background(), syncstate.Key{InternalID: "e1", Provider: provider.Xero})
	if rec.Status != syncstate.StatusSynced {
		t.Fatalf("in-flight outcome not recorded: %+v", rec)
	}
	if h.adapter.total() != 1 {
		t.Fatalf("dispatched after cancellation")
	}
}

func TestRateLimitedHonorsRetryAfter(t *testing.T) {
	h := newHarness(t, 1, testConfig(), func(ctx context.Context, e ledger.Entity, call int) (string, error) {
		if call == 1 {
			return "", &provider.Error{Kind: provider.ErrRateLimited, Provider: provider.Xero, Op: "create_record", StatusCode: 429, RetryAfter: 7 * time.Second}
		}
		return "X-" + e.ID, nil
	})
	rep, err := h.orch.Run(context.Background(), request())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Succeeded != 1 || rep.Items[0].Attempts != 2 {
		t.Fatalf("report = %+v", rep)
	}
	if len(h.sleeps) == 0 || h.sleeps[0] != 7*time.Second {
		t.Fatalf("sleeps = %v", h.sleeps)
	}
}

func TestUnknownErrorsAreTransientAndTimeoutsBounded(t *testing.T) {
	cfg := testConfig()
	cfg.CallTimeout = 20 * time.Millisecond
	h := newHarness(t, 1, cfg, func(ctx context.Context, e ledger.Entity, _ int) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	rep, err := h.orch.Run(context.Background(), request())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Failed != 1 || rep.Items[0].ErrorKind != "transient" || rep.Items[0].Attempts != 2 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestBatchSizeBoundsSelection(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 3
	h := newHarness(t, 7, cfg, ok)
	rep, err := h.orch.Run(context.Background(), request())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Selected != 3 || rep.Processed != 3 {
		t.Fatalf("report = %+v", rep)
	}
	if rep.Items[0].InternalID != "e1" || rep.Items[2].InternalID != "e3" {
		t.Fatalf("selection order = %+v", rep.Items)
	}
}

func TestRejectsBankingProviderAndBadRequest(t *testing.T) {
	h := newHarness(t, 1, testConfig(), ok)
	h.adapter.kind = provider.KindBanking
	if _, err := h.orch.Run(context.Background(), request()); !errors.Is(err, ErrNotSyncable) {
		t.Fatalf("expected ErrNotSyncable, got %v", err)
	}
	if _, err := h.orch.Run(context.Background(), Request{Provider: provider.Xero}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestItemEventsPublished(t *testing.T) {
	s := stream.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := s.Subscribe(ctx, "c1")
	h := newHarness(t, 2, testConfig(), ok, WithStream(s))
	rep, err := h.orch.Run(context.Background(), request())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var items, batches int
	for items+batches < 3 {
		select {
		case evt := <-events:
			switch evt.Kind {
			case stream.KindItem:
				items++
				if evt.RunID != rep.RunID || evt.Status != ItemSynced {
					t.Fatalf("item event = %+v", evt)
				}
			case stream.KindBatch:
				batches++
			}
		case <-time.After(time.Second):
			t.Fatalf("got %d item and %d batch events", items, batches)
		}
	}
}

func TestBackoff(t *testing.T) {
	cfg := Config{BackoffBase: 100 * time.Millisecond, BackoffMax: time.Second}.normalized()
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for i, w := range want {
		if got := cfg.backoff(i + 1); got != w {
			t.Fatalf("backoff(%d) = %v want %v", i+1, got, w)
		}
	}
}
