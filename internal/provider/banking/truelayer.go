package banking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ledgerlink.org/internal/ledger"
	"ledgerlink.org/internal/provider"
)

// readScopes are the only scopes requested; payment scopes are never asked for.
var readScopes = []string{"info", "accounts", "balance", "transactions", "offline_access"}

// TrueLayer is an OAuth-based Open Banking aggregator. Refresh tokens stop
// working when the bank consent lapses, which surfaces as ErrAuthExpired.
type TrueLayer struct {
	api   *provider.Client
	oauth *provider.OAuth
	now   func() time.Time
	// consentDays is the regulatory re-authentication horizon.
	consentDays int
}

type TrueLayerConfig struct {
	ClientID     string
	ClientSecret provider.Secret
	APIURL       string
	AuthURL      string
	TokenURL     string
	ConsentDays  int
	HTTPClient   *http.Client
	Now          func() time.Time
}

func NewTrueLayer(cfg TrueLayerConfig) *TrueLayer {
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.truelayer-sandbox.com"
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = "https://auth.truelayer-sandbox.com/"
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = "https://auth.truelayer-sandbox.com/connect/token"
	}
	if cfg.ConsentDays <= 0 {
		cfg.ConsentDays = defaultConsentDays
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &TrueLayer{
		api: provider.NewClient(provider.TrueLayer, cfg.APIURL, cfg.HTTPClient),
		oauth: &provider.OAuth{
			Provider:     provider.TrueLayer,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			AuthURL:      cfg.AuthURL,
			Scopes:       readScopes,
			Extra:        url.Values{"providers": {"uk-ob-all uk-oauth-all"}},
			Token:        provider.NewClient(provider.TrueLayer, cfg.TokenURL, cfg.HTTPClient),
			Now:          cfg.Now,
		},
		now:         cfg.Now,
		consentDays: cfg.ConsentDays,
	}
}

var (
	_ provider.Adapter            = (*TrueLayer)(nil)
	_ provider.Authorizer         = (*TrueLayer)(nil)
	_ provider.TransactionFetcher = (*TrueLayer)(nil)
)

func (t *TrueLayer) ID() provider.ID     { return provider.TrueLayer }
func (t *TrueLayer) Kind() provider.Kind { return provider.KindBanking }

func (t *TrueLayer) CreateRecord(context.Context, provider.Credential, string, ledger.Entity) (string, error) {
	return "", provider.Validation(provider.TrueLayer, "create_record", provider.ErrUnsupported)
}

func (t *TrueLayer) RefreshCredential(ctx context.Context, cred provider.Credential) (provider.Credential, error) {
	return t.oauth.Refresh(ctx, cred)
}

func (t *TrueLayer) BeginAuthorization(_ context.Context, req provider.AuthorizationRequest) (provider.Authorization, error) {
	u, err := t.oauth.AuthCodeURL(req.RedirectURL, req.Reference)
	if err != nil {
		return provider.Authorization{}, err
	}
	if req.InstitutionID != "" {
		// skip the provider picker when the bank is already known
		u += "&" + url.Values{"provider_id": {req.InstitutionID}}.Encode()
	}
	return provider.Authorization{URL: u, ConsentID: req.Reference}, nil
}

type tlAccount struct {
	AccountID string `json:"account_id"`
}

type tlResults[T any] struct {
	Results []T `json:"results"`
}

// CompleteAuthorization exchanges the code and records the granted accounts.
func (t *TrueLayer) CompleteAuthorization(ctx context.Context, cred provider.Credential, params map[string]string) (provider.Credential, error) {
	out, err := t.oauth.Exchange(ctx, cred, params)
	if err != nil {
		return provider.Credential{}, err
	}
	var accts tlResults[tlAccount]
	err = t.api.Do(ctx, provider.Request{Op: "accounts", Method: http.MethodGet, Path: "/data/v1/accounts", Bearer: out.AccessToken}, &accts)
	if err != nil {
		return provider.Credential{}, err
	}
	out.AccountIDs = out.AccountIDs[:0]
	for _, a := range accts.Results {
		out.AccountIDs = append(out.AccountIDs, a.AccountID)
	}
	horizon := t.now().UTC().AddDate(0, 0, t.consentDays)
	out.ConsentExpiresAt = &horizon
	return out, nil
}

type tlTransaction struct {
	TransactionID string      `json:"transaction_id"`
	Timestamp     string      `json:"timestamp"`
	Amount        json.Number `json:"amount"`
	Currency      string      `json:"currency"`
	Description   string      `json:"description"`
	MerchantName  string      `json:"merchant_name"`
	Meta          struct {
		CounterPartyName string `json:"counter_party_preferred_name"`
	} `json:"meta"`
}

// FetchTransactions reads every granted account; amounts arrive as JSON
// numbers and are converted without passing through float64.
func (t *TrueLayer) FetchTransactions(ctx context.Context, cred provider.Credential, r ledger.DateRange) ([]provider.BankTransaction, error) {
	const op = "transactions"
	if cred.AccessToken.IsEmpty() {
		return nil, provider.AuthExpired(provider.TrueLayer, op, errors.New("missing access token"))
	}
	q := url.Values{
		"from": {r.From.UTC().Format(time.RFC3339)},
		"to":   {r.To.UTC().Format(time.RFC3339)},
	}
	var out []provider.BankTransaction
	for _, acct := range cred.AccountIDs {
		var page tlResults[tlTransaction]
		err := t.api.Do(ctx, provider.Request{
			Op: op, Method: http.MethodGet, Path: "/data/v1/accounts/" + url.PathEscape(acct) + "/transactions",
			Query: q, Bearer: cred.AccessToken,
		}, &page)
		if err != nil {
			return nil, err
		}
		for _, tx := range page.Results {
			bt, err := convertTrueLayer(acct, tx)
			if err != nil {
				return nil, &provider.Error{Kind: provider.ErrTransient, Provider: provider.TrueLayer, Op: op, Err: err}
			}
			if r.Contains(bt.BookingDate) {
				out = append(out, bt)
			}
		}
	}
	sortTransactions(out)
	return out, nil
}

func convertTrueLayer(acct string, tx tlTransaction) (provider.BankTransaction, error) {
	if tx.TransactionID == "" {
		return provider.BankTransaction{}, errors.New("transaction without id")
	}
	ts, err := time.Parse(time.RFC3339, tx.Timestamp)
	if err != nil {
		return provider.BankTransaction{}, fmt.Errorf("transaction %s: timestamp: %w", tx.TransactionID, err)
	}
	minor, err := provider.ParseAmount(tx.Amount.String())
	if err != nil {
		return provider.BankTransaction{}, fmt.Errorf("transaction %s: %w", tx.TransactionID, err)
	}
	ts = ts.UTC()
	counterparty := tx.Meta.CounterPartyName
	if counterparty == "" {
		counterparty = tx.MerchantName
	}
	return provider.BankTransaction{
		ID:           tx.TransactionID,
		AccountID:    acct,
		BookingDate:  time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC),
		Amount:       ledger.Money{Currency: strings.ToUpper(tx.Currency), Amount: minor},
		Counterparty: counterparty,
		Description:  tx.Description,
	}, nil
}
