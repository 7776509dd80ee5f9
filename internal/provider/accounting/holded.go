// Package accounting contains adapters for accounting platforms that accept
// expenses, invoices and payments from the internal ledger.
package accounting

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ledgerlink.org/internal/ledger"
	"ledgerlink.org/internal/provider"
)

// Holded authenticates with a per-company API key sent in the "key" header.
// The key does not expire, so there is nothing to refresh.
type Holded struct {
	client *provider.Client
	now    func() time.Time
}

type HoldedConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Now        func() time.Time
}

func NewHolded(cfg HoldedConfig) *Holded {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.holded.com"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Holded{client: provider.NewClient(provider.Holded, cfg.BaseURL, cfg.HTTPClient), now: cfg.Now}
}

var (
	_ provider.Adapter    = (*Holded)(nil)
	_ provider.Authorizer = (*Holded)(nil)
)

func (h *Holded) ID() provider.ID     { return provider.Holded }
func (h *Holded) Kind() provider.Kind { return provider.KindAccounting }

type holdedItem struct {
	Name     string  `json:"name" validate:"required"`
	Units    int     `json:"units" validate:"gte=1"`
	Subtotal string  `json:"subtotal" validate:"required,numeric"`
	Tax      float64 `json:"tax"`
	Account  string  `json:"account,omitempty"`
}

type holdedDocument struct {
	ContactName string       `json:"contactName" validate:"required"`
	Date        int64        `json:"date" validate:"gt=0"`
	DueDate     int64        `json:"dueDate,omitempty"`
	Currency    string       `json:"currency" validate:"required,len=3"`
	Notes       string       `json:"notes,omitempty"`
	DocNumber   string       `json:"docNumber,omitempty"`
	Items       []holdedItem `json:"items" validate:"required,min=1,dive"`
	// CustomID carries the internal ledger id so duplicates can be traced manually.
	CustomID string `json:"customId" validate:"required"`
}

type holdedPayment struct {
	Date     int64  `json:"date" validate:"gt=0"`
	Amount   string `json:"amount" validate:"required,numeric"`
	Desc     string `json:"desc,omitempty"`
	Contact  string `json:"contactName" validate:"required"`
	CustomID string `json:"customId" validate:"required"`
}

type holdedCreated struct {
	Status int    `json:"status"`
	ID     string `json:"id"`
	Info   string `json:"info"`
}

// CreateRecord registers an expense as a purchase document, an invoice as a
// sales invoice, and a payment as a treasury payment.
func (h *Holded) CreateRecord(ctx context.Context, cred provider.Credential, companyID string, e ledger.Entity) (string, error) {
	const op = "create_record"
	if cred.AccessToken.IsEmpty() {
		return "", provider.AuthExpired(provider.Holded, op, errors.New("missing api key"))
	}
	if e.CompanyID != "" && e.CompanyID != companyID {
		return "", provider.Validation(provider.Holded, op, fmt.Errorf("entity %s belongs to another company", e.ID))
	}

	var (
		path    string
		payload any
	)
	switch e.Type {
	case ledger.EntityExpense, ledger.EntityInvoice:
		docType := "purchase"
		if e.Type == ledger.EntityInvoice {
			docType = "invoice"
		}
		path = "/api/invoicing/v1/documents/" + docType
		payload = holdedDocumentFor(e)
	case ledger.EntityPayment:
		path = "/api/invoicing/v1/payments"
		payload = holdedPayment{
			Date:     e.Date.Unix(),
			Amount:   provider.FormatAmount(e.Amount.Amount),
			Desc:     e.Description,
			Contact:  e.Counterparty,
			CustomID: e.ID,
		}
	default:
		return "", provider.Validation(provider.Holded, op, fmt.Errorf("unsupported entity type %q", e.Type))
	}
	if err := provider.Validate(provider.Holded, op, payload); err != nil {
		return "", err
	}

	var out holdedCreated
	err := h.client.Do(ctx, provider.Request{
		Op:     op,
		Method: http.MethodPost,
		Path:   path,
		Header: http.Header{"Key": {cred.AccessToken.Reveal()}},
		JSON:   payload,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", provider.Validation(provider.Holded, op, fmt.Errorf("no id in response: %s", out.Info))
	}
	return out.ID, nil
}

func holdedDocumentFor(e ledger.Entity) holdedDocument {
	desc := e.Description
	if strings.TrimSpace(desc) == "" {
		desc = string(e.Type) + " " + e.ID
	}
	doc := holdedDocument{
		ContactName: e.Counterparty,
		Date:        e.Date.Unix(),
		Currency:    strings.ToLower(e.Amount.Currency),
		Notes:       e.Description,
		DocNumber:   e.Reference,
		CustomID:    e.ID,
		Items: []holdedItem{{
			Name:     desc,
			Units:    1,
			Subtotal: provider.FormatAmount(e.Amount.Amount - e.TaxAmount),
			Tax:      taxPercent(e.Amount.Amount, e.TaxAmount),
			Account:  e.AccountCode,
		}},
	}
	if e.DueDate != nil {
		doc.DueDate = e.DueDate.Unix()
	}
	return doc
}

// taxPercent derives the rate Holded expects from gross and tax amounts.
func taxPercent(gross, tax int64) float64 {
	net := gross - tax
	if tax == 0 || net == 0 {
		return 0
	}
	return float64(tax*10000/net) / 100
}

// RefreshCredential returns cred unchanged while the key is set.
func (h *Holded) RefreshCredential(_ context.Context, cred provider.Credential) (provider.Credential, error) {
	if cred.AccessToken.IsEmpty() {
		return provider.Credential{}, provider.AuthExpired(provider.Holded, "refresh", errors.New("missing api key"))
	}
	out := cred.Clone()
	out.State = provider.StateActive
	out.ExpiresAt = nil
	out.UpdatedAt = h.now().UTC()
	return out, nil
}

// BeginAuthorization has no redirect: the company pastes its API key, which is
// submitted through CompleteAuthorization.
func (h *Holded) BeginAuthorization(_ context.Context, req provider.AuthorizationRequest) (provider.Authorization, error) {
	return provider.Authorization{ConsentID: req.Reference}, nil
}

// CompleteAuthorization verifies the submitted key against the contacts endpoint.
func (h *Holded) CompleteAuthorization(ctx context.Context, cred provider.Credential, params map[string]string) (provider.Credential, error) {
	key := strings.TrimSpace(params["api_key"])
	if key == "" {
		return provider.Credential{}, provider.Validation(provider.Holded, "authorize", errors.New("api_key required"))
	}
	err := h.client.Do(ctx, provider.Request{
		Op:     "authorize",
		Method: http.MethodGet,
		Path:   "/api/invoicing/v1/contacts",
		Header: http.Header{"Key": {key}},
	}, nil)
	if err != nil {
		return provider.Credential{}, err
	}
	out := cred.Clone()
	out.AccessToken = provider.Secret(key)
	out.State = provider.StateActive
	out.ExpiresAt = nil
	out.UpdatedAt = h.now().UTC()
	return out, nil
}
