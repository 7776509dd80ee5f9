// Package banking contains Open Banking adapters. They never create records;
// they mediate consent and expose booked transactions for reconciliation.
package banking

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"ledgerlink.org/internal/ledger"
	"ledgerlink.org/internal/provider"
)

const defaultConsentDays = 90

// GoCardless talks to a requisition-based bank account data API: the
// application holds an API token pair, each company connection is a
// requisition with an end-user agreement that expires after AccessDays.
type GoCardless struct {
	client      *provider.Client
	secretID    string
	secretKey   provider.Secret
	accessDays  int
	historyDays int
	now         func() time.Time
}

type GoCardlessConfig struct {
	BaseURL     string
	SecretID    string
	SecretKey   provider.Secret
	AccessDays  int
	HistoryDays int
	HTTPClient  *http.Client
	Now         func() time.Time
}

func NewGoCardless(cfg GoCardlessConfig) *GoCardless {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://bankaccountdata.gocardless.com"
	}
	if cfg.AccessDays <= 0 {
		cfg.AccessDays = defaultConsentDays
	}
	if cfg.HistoryDays <= 0 {
		cfg.HistoryDays = 90
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &GoCardless{
		client:      provider.NewClient(provider.GoCardless, cfg.BaseURL, cfg.HTTPClient),
		secretID:    cfg.SecretID,
		secretKey:   cfg.SecretKey,
		accessDays:  cfg.AccessDays,
		historyDays: cfg.HistoryDays,
		now:         cfg.Now,
	}
}

var (
	_ provider.Adapter            = (*GoCardless)(nil)
	_ provider.Authorizer         = (*GoCardless)(nil)
	_ provider.TransactionFetcher = (*GoCardless)(nil)
)

func (g *GoCardless) ID() provider.ID     { return provider.GoCardless }
func (g *GoCardless) Kind() provider.Kind { return provider.KindBanking }

func (g *GoCardless) CreateRecord(context.Context, provider.Credential, string, ledger.Entity) (string, error) {
	return "", provider.Validation(provider.GoCardless, "create_record", provider.ErrUnsupported)
}

type gcToken struct {
	Access         string `json:"access"`
	AccessExpires  int64  `json:"access_expires"`
	Refresh        string `json:"refresh"`
	RefreshExpires int64  `json:"refresh_expires"`
}

func (g *GoCardless) newToken(ctx context.Context) (gcToken, error) {
	var tok gcToken
	err := g.client.Do(ctx, provider.Request{
		Op: "token", Method: http.MethodPost, Path: "/api/v2/token/new/",
		JSON: map[string]string{"secret_id": g.secretID, "secret_key": g.secretKey.Reveal()},
	}, &tok)
	if err != nil {
		return gcToken{}, err
	}
	if tok.Access == "" {
		return gcToken{}, provider.AuthExpired(provider.GoCardless, "token", errors.New("empty access token"))
	}
	return tok, nil
}

// RefreshCredential renews the access token. When the refresh token is gone
// the requisition itself still stands, so a new token pair is minted from the
// application secrets; only the consent horizon forces re-authorisation.
func (g *GoCardless) RefreshCredential(ctx context.Context, cred provider.Credential) (provider.Credential, error) {
	const op = "refresh"
	now := g.now().UTC()
	if cred.ConsentExpiresAt != nil && !now.Before(*cred.ConsentExpiresAt) {
		return provider.Credential{}, provider.AuthExpired(provider.GoCardless, op, errors.New("end-user agreement expired"))
	}
	out := cred.Clone()
	var tok gcToken
	err := g.client.Do(ctx, provider.Request{
		Op: op, Method: http.MethodPost, Path: "/api/v2/token/refresh/",
		JSON: map[string]string{"refresh": cred.RefreshToken.Reveal()},
	}, &tok)
	switch {
	case err == nil:
	case errors.Is(err, provider.ErrAuthExpired), errors.Is(err, provider.ErrValidation):
		if tok, err = g.newToken(ctx); err != nil {
			return provider.Credential{}, err
		}
		out.RefreshToken = provider.Secret(tok.Refresh)
	default:
		return provider.Credential{}, err
	}
	if tok.Access == "" {
		return provider.Credential{}, provider.AuthExpired(provider.GoCardless, op, errors.New("empty access token"))
	}
	out.AccessToken = provider.Secret(tok.Access)
	out.ExpiresAt = provider.ExpiresIn(now, tok.AccessExpires)
	out.State = provider.StateActive
	out.UpdatedAt = now
	return out, nil
}

type gcAgreement struct {
	ID string `json:"id"`
}

type gcRequisition struct {
	ID       string   `json:"id"`
	Link     string   `json:"link"`
	Status   string   `json:"status"`
	Accounts []string `json:"accounts"`
}

type gcRequisitionRequest struct {
	Redirect      string `json:"redirect" validate:"required,url"`
	InstitutionID string `json:"institution_id" validate:"required"`
	Reference     string `json:"reference" validate:"required"`
	Agreement     string `json:"agreement" validate:"required"`
	UserLanguage  string `json:"user_language,omitempty"`
}

// BeginAuthorization creates an end-user agreement and a requisition. The
// requisition id becomes the consent id.
func (g *GoCardless) BeginAuthorization(ctx context.Context, req provider.AuthorizationRequest) (provider.Authorization, error) {
	const op = "requisition"
	if req.InstitutionID == "" {
		return provider.Authorization{}, provider.Validation(provider.GoCardless, op, errors.New("institution id required"))
	}
	tok, err := g.newToken(ctx)
	if err != nil {
		return provider.Authorization{}, err
	}
	var agr gcAgreement
	err = g.client.Do(ctx, provider.Request{
		Op: op, Method: http.MethodPost, Path: "/api/v2/agreements/enduser/",
		Bearer: provider.Secret(tok.Access),
		JSON: map[string]any{
			"institution_id":        req.InstitutionID,
			"max_historical_days":   g.historyDays,
			"access_valid_for_days": g.accessDays,
			"access_scope":          []string{"balances", "details", "transactions"},
		},
	}, &agr)
	if err != nil {
		return provider.Authorization{}, err
	}
	body := gcRequisitionRequest{
		Redirect:      req.RedirectURL,
		InstitutionID: req.InstitutionID,
		Reference:     req.Reference,
		Agreement:     agr.ID,
	}
	if err := provider.Validate(provider.GoCardless, op, body); err != nil {
		return provider.Authorization{}, err
	}
	var rq gcRequisition
	err = g.client.Do(ctx, provider.Request{
		Op: op, Method: http.MethodPost, Path: "/api/v2/requisitions/",
		Bearer: provider.Secret(tok.Access), JSON: body,
	}, &rq)
	if err != nil {
		return provider.Authorization{}, err
	}
	if rq.ID == "" || rq.Link == "" {
		return provider.Authorization{}, &provider.Error{Kind: provider.ErrTransient, Provider: provider.GoCardless, Op: op, Err: errors.New("incomplete requisition response")}
	}
	horizon := g.now().UTC().AddDate(0, 0, g.accessDays)
	return provider.Authorization{URL: rq.Link, ConsentID: rq.ID, ConsentExpiresAt: &horizon}, nil
}

// CompleteAuthorization polls the requisition; it must be linked ("LN").
func (g *GoCardless) CompleteAuthorization(ctx context.Context, cred provider.Credential, _ map[string]string) (provider.Credential, error) {
	const op = "requisition_status"
	if cred.ConsentID == "" {
		return provider.Credential{}, provider.Validation(provider.GoCardless, op, errors.New("no requisition"))
	}
	tok, err := g.newToken(ctx)
	if err != nil {
		return provider.Credential{}, err
	}
	var rq gcRequisition
	err = g.client.Do(ctx, provider.Request{
		Op: op, Method: http.MethodGet, Path: "/api/v2/requisitions/" + url.PathEscape(cred.ConsentID) + "/",
		Bearer: provider.Secret(tok.Access),
	}, &rq)
	if err != nil {
		return provider.Credential{}, err
	}
	switch rq.Status {
	case "LN":
	case "RJ", "EX", "SU":
		return provider.Credential{}, provider.AuthExpired(provider.GoCardless, op, fmt.Errorf("requisition status %s", rq.Status))
	default:
		return provider.Credential{}, &provider.Error{Kind: provider.ErrTransient, Provider: provider.GoCardless, Op: op, Err: fmt.Errorf("%w: status %s", ErrAuthorizationPending, rq.Status)}
	}
	now := g.now().UTC()
	out := cred.Clone()
	out.AccessToken = provider.Secret(tok.Access)
	out.RefreshToken = provider.Secret(tok.Refresh)
	out.ExpiresAt = provider.ExpiresIn(now, tok.AccessExpires)
	out.AccountIDs = append([]string(nil), rq.Accounts...)
	out.State = provider.StateActive
	out.UpdatedAt = now
	if out.ConsentExpiresAt == nil {
		h := now.AddDate(0, 0, g.accessDays)
		out.ConsentExpiresAt = &h
	}
	return out, nil
}

type gcAmount struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type gcTransaction struct {
	TransactionID                     string   `json:"transactionId"`
	InternalTransactionID             string   `json:"internalTransactionId"`
	BookingDate                       string   `json:"bookingDate"`
	TransactionAmount                 gcAmount `json:"transactionAmount"`
	CreditorName                      string   `json:"creditorName"`
	DebtorName                        string   `json:"debtorName"`
	RemittanceInformationUnstructured string   `json:"remittanceInformationUnstructured"`
}

type gcTransactions struct {
	Transactions struct {
		Booked []gcTransaction `json:"booked"`
	} `json:"transactions"`
}

// FetchTransactions returns booked transactions for every account under the
// requisition, ordered by booking date then id.
func (g *GoCardless) FetchTransactions(ctx context.Context, cred provider.Credential, r ledger.DateRange) ([]provider.BankTransaction, error) {
	const op = "transactions"
	if cred.AccessToken.IsEmpty() {
		return nil, provider.AuthExpired(provider.GoCardless, op, errors.New("missing access token"))
	}
	q := url.Values{
		"date_from": {r.From.UTC().Format("2006-01-02")},
		// the API bound is inclusive, the range is half-open
		"date_to": {r.To.UTC().AddDate(0, 0, -1).Format("2006-01-02")},
	}
	var out []provider.BankTransaction
	for _, acct := range cred.AccountIDs {
		var page gcTransactions
		err := g.client.Do(ctx, provider.Request{
			Op: op, Method: http.MethodGet, Path: "/api/v2/accounts/" + url.PathEscape(acct) + "/transactions/",
			Query: q, Bearer: cred.AccessToken,
		}, &page)
		if err != nil {
			return nil, err
		}
		for _, tx := range page.Transactions.Booked {
			bt, err := g.convert(acct, tx)
			if err != nil {
				return nil, &provider.Error{Kind: provider.ErrTransient, Provider: provider.GoCardless, Op: op, Err: err}
			}
			if r.Contains(bt.BookingDate) {
				out = append(out, bt)
			}
		}
	}
	sortTransactions(out)
	return out, nil
}

func (g *GoCardless) convert(acct string, tx gcTransaction) (provider.BankTransaction, error) {
	id := tx.TransactionID
	if id == "" {
		id = tx.InternalTransactionID
	}
	if id == "" {
		return provider.BankTransaction{}, errors.New("transaction without id")
	}
	day, err := time.Parse("2006-01-02", tx.BookingDate)
	if err != nil {
		return provider.BankTransaction{}, fmt.Errorf("transaction %s: booking date: %w", id, err)
	}
	minor, err := provider.ParseAmount(tx.TransactionAmount.Amount)
	if err != nil {
		return provider.BankTransaction{}, fmt.Errorf("transaction %s: %w", id, err)
	}
	counterparty := tx.DebtorName
	if minor < 0 {
		counterparty = tx.CreditorName
	}
	return provider.BankTransaction{
		ID:           id,
		AccountID:    acct,
		BookingDate:  day,
		Amount:       ledger.Money{Currency: strings.ToUpper(tx.TransactionAmount.Currency), Amount: minor},
		Counterparty: counterparty,
		Description:  tx.RemittanceInformationUnstructured,
	}, nil
}

func sortTransactions(txs []provider.BankTransaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		if !txs[i].BookingDate.Equal(txs[j].BookingDate) {
			return txs[i].BookingDate.Before(txs[j].BookingDate)
		}
		return txs[i].ID < txs[j].ID
	})
}

// ErrAuthorizationPending means the end user has not finished the bank flow yet.
var ErrAuthorizationPending = errors.New("authorization not completed yet")
