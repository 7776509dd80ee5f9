package banking

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ledgerlink.org/internal/ledger"
	"ledgerlink.org/internal/provider"
)

var fixedNow = time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)

func janRange() ledger.DateRange {
	p, _ := ledger.ParsePeriod("2025-01")
	return p.Range()
}

func gcServer(t *testing.T, requisitionStatus string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v2/token/new/":
			_, _ = w.Write([]byte(`{"access":"acc","access_expires":86400,"refresh":"ref","refresh_expires":2592000}`))
		case r.URL.Path == "/api/v2/token/refresh/":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["refresh"] != "ref" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = w.Write([]byte(`{"access":"acc2","access_expires":86400}`))
		case r.URL.Path == "/api/v2/agreements/enduser/":
			_, _ = w.Write([]byte(`{"id":"agr-1"}`))
		case r.URL.Path == "/api/v2/requisitions/" && r.Method == http.MethodPost:
			_, _ = w.Write([]byte(`{"id":"req-1","link":"https://bank.example/auth/req-1","status":"CR"}`))
		case r.URL.Path == "/api/v2/requisitions/req-1/":
			_, _ = w.Write([]byte(`{"id":"req-1","status":"` + requisitionStatus + `","accounts":["acct-1"]}`))
		case strings.HasPrefix(r.URL.Path, "/api/v2/accounts/acct-1/transactions/"):
			if r.Header.Get("Authorization") != "Bearer acc" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			if r.URL.Query().Get("date_to") != "2025-01-31" {
				t.Errorf("date_to = %s", r.URL.Query().Get("date_to"))
			}
			_, _ = w.Write([]byte(`{"transactions":{"booked":[
				{"transactionId":"tx-2","bookingDate":"2025-01-12","transactionAmount":{"amount":"-42.10","currency":"eur"},"creditorName":"Utility Co"},
				{"transactionId":"tx-1","bookingDate":"2025-01-10","transactionAmount":{"amount":"150.00","currency":"EUR"},"debtorName":"Tenant A","remittanceInformationUnstructured":"rent jan"}
			]}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func newGC(srv *httptest.Server) *GoCardless {
	return NewGoCardless(GoCardlessConfig{
		BaseURL:    srv.URL,
		SecretID:   "sid",
		SecretKey:  "skey",
		HTTPClient: srv.Client(),
		Now:        func() time.Time { return fixedNow },
	})
}

func TestGoCardlessRequisitionFlow(t *testing.T) {
	srv := gcServer(t, "LN")
	defer srv.Close()
	g := newGC(srv)

	auth, err := g.BeginAuthorization(context.Background(), provider.AuthorizationRequest{
		CompanyID: "c1", InstitutionID: "SANDBOXFINANCE_SFIN0000", RedirectURL: "https://app.example/cb", Reference: "ref-1",
	})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if auth.ConsentID != "req-1" || auth.URL == "" {
		t.Fatalf("authorization = %+v", auth)
	}
	if !auth.ConsentExpiresAt.Equal(fixedNow.AddDate(0, 0, 90)) {
		t.Fatalf("consent horizon = %v", auth.ConsentExpiresAt)
	}

	pending := provider.Credential{CompanyID: "c1", Provider: provider.GoCardless, State: provider.StatePendingAuthorization, ConsentID: auth.ConsentID}
	cred, err := g.CompleteAuthorization(context.Background(), pending, nil)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if cred.State != provider.StateActive || len(cred.AccountIDs) != 1 || cred.ConsentExpiresAt == nil {
		t.Fatalf("credential = %+v", cred)
	}
}

func TestGoCardlessPendingAndRejectedRequisitions(t *testing.T) {
	pending := provider.Credential{ConsentID: "req-1"}

	srv := gcServer(t, "UA")
	_, err := newGC(srv).CompleteAuthorization(context.Background(), pending, nil)
	srv.Close()
	if !errors.Is(err, ErrAuthorizationPending) || !errors.Is(err, provider.ErrTransient) {
		t.Fatalf("expected pending transient, got %v", err)
	}

	srv = gcServer(t, "RJ")
	_, err = newGC(srv).CompleteAuthorization(context.Background(), pending, nil)
	srv.Close()
	if !errors.Is(err, provider.ErrAuthExpired) {
		t.Fatalf("expected auth expired for rejected requisition, got %v", err)
	}
}

func TestGoCardlessFetchTransactions(t *testing.T) {
	srv := gcServer(t, "LN")
	defer srv.Close()
	g := newGC(srv)
	cred := provider.Credential{AccessToken: "acc", AccountIDs: []string{"acct-1"}}

	txs, err := g.FetchTransactions(context.Background(), cred, janRange())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(txs) != 2 || txs[0].ID != "tx-1" || txs[1].ID != "tx-2" {
		t.Fatalf("transactions = %+v", txs)
	}
	if txs[0].Amount != (ledger.Money{Currency: "EUR", Amount: 15000}) || txs[0].Counterparty != "Tenant A" {
		t.Fatalf("tx-1 = %+v", txs[0])
	}
	if txs[1].Amount.Amount != -4210 || txs[1].Counterparty != "Utility Co" {
		t.Fatalf("tx-2 = %+v", txs[1])
	}

	cred.AccessToken = "stale"
	if _, err := g.FetchTransactions(context.Background(), cred, janRange()); !errors.Is(err, provider.ErrAuthExpired) {
		t.Fatalf("expected auth expired, got %v", err)
	}
}

func TestGoCardlessRefresh(t *testing.T) {
	srv := gcServer(t, "LN")
	defer srv.Close()
	g := newGC(srv)
	horizon := fixedNow.AddDate(0, 0, 30)
	cred := provider.Credential{RefreshToken: "ref", ConsentExpiresAt: &horizon, State: provider.StateExpiredNeedsRenewal}

	out, err := g.RefreshCredential(context.Background(), cred)
	if err != nil || out.AccessToken.Reveal() != "acc2" || out.State != provider.StateActive {
		t.Fatalf("refresh = %+v, %v", out, err)
	}

	// stale refresh token falls back to minting a new pair
	cred.RefreshToken = "gone"
	out, err = g.RefreshCredential(context.Background(), cred)
	if err != nil || out.AccessToken.Reveal() != "acc" || out.RefreshToken.Reveal() != "ref" {
		t.Fatalf("fallback refresh = %+v, %v", out, err)
	}

	past := fixedNow.Add(-time.Hour)
	cred.ConsentExpiresAt = &past
	if _, err := g.RefreshCredential(context.Background(), cred); !errors.Is(err, provider.ErrAuthExpired) {
		t.Fatalf("expected auth expired after consent horizon, got %v", err)
	}
}

func TestBankingAdaptersDoNotCreateRecords(t *testing.T) {
	g := NewGoCardless(GoCardlessConfig{})
	tl := NewTrueLayer(TrueLayerConfig{})
	for _, a := range []provider.Adapter{g, tl} {
		_, err := a.CreateRecord(context.Background(), provider.Credential{}, "c1", ledger.Entity{})
		if !errors.Is(err, provider.ErrValidation) || !errors.Is(err, provider.ErrUnsupported) {
			t.Fatalf("%s: expected unsupported validation error, got %v", a.ID(), err)
		}
	}
}

func TestTrueLayerFlowAndTransactions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/connect/token":
			_ = r.ParseForm()
			switch r.Form.Get("grant_type") {
			case "authorization_code":
				_, _ = w.Write([]byte(`{"access_token":"at","refresh_token":"rt","expires_in":3600}`))
			default:
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			}
		case "/data/v1/accounts":
			_, _ = w.Write([]byte(`{"results":[{"account_id":"a1"}]}`))
		case "/data/v1/accounts/a1/transactions":
			_, _ = w.Write([]byte(`{"results":[
				{"transaction_id":"t1","timestamp":"2025-01-10T14:22:00+00:00","amount":150.00,"currency":"EUR","description":"RENT","meta":{"counter_party_preferred_name":"Tenant A"}},
				{"transaction_id":"t0","timestamp":"2024-12-31T10:00:00+00:00","amount":10,"currency":"EUR"}
			]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	tl := NewTrueLayer(TrueLayerConfig{
		ClientID: "cid", ClientSecret: "sec",
		APIURL: srv.URL, AuthURL: srv.URL + "/", TokenURL: srv.URL + "/connect/token",
		HTTPClient: srv.Client(), Now: func() time.Time { return fixedNow },
	})
	auth, err := tl.BeginAuthorization(context.Background(), provider.AuthorizationRequest{RedirectURL: "https://app/cb", Reference: "st", InstitutionID: "ob-bank"})
	if err != nil || !strings.Contains(auth.URL, "provider_id=ob-bank") || strings.Contains(auth.URL, "payments") {
		t.Fatalf("begin = %+v, %v", auth, err)
	}

	cred, err := tl.CompleteAuthorization(context.Background(), provider.Credential{ConsentID: "st"}, map[string]string{"code": "c", "state": "st"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if len(cred.AccountIDs) != 1 || cred.ConsentExpiresAt == nil || !cred.ExpiresAt.Equal(fixedNow.Add(time.Hour)) {
		t.Fatalf("credential = %+v", cred)
	}

	txs, err := tl.FetchTransactions(context.Background(), cred, janRange())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(txs) != 1 || txs[0].Amount.Amount != 15000 || txs[0].Counterparty != "Tenant A" {
		t.Fatalf("transactions = %+v", txs)
	}

	if _, err := tl.RefreshCredential(context.Background(), cred); !errors.Is(err, provider.ErrAuthExpired) {
		t.Fatalf("expected auth expired on invalid_grant, got %v", err)
	}
}
