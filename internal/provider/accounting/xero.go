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

// Xero is an OAuth2 accounting platform. The organisation (tenant) chosen during
// authorization is kept in Credential.InstitutionID and sent on every call.
type Xero struct {
	api   *provider.Client
	oauth *provider.OAuth
	now   func() time.Time
}

type XeroConfig struct {
	ClientID     string
	ClientSecret provider.Secret
	APIURL       string
	AuthURL      string
	TokenURL     string
	HTTPClient   *http.Client
	Now          func() time.Time
}

func NewXero(cfg XeroConfig) *Xero {
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.xero.com"
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = "https://login.xero.com/identity/connect/authorize"
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = "https://identity.xero.com/connect/token"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Xero{
		api: provider.NewClient(provider.Xero, cfg.APIURL, cfg.HTTPClient),
		oauth: &provider.OAuth{
			Provider:     provider.Xero,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			AuthURL:      cfg.AuthURL,
			Scopes:       []string{"offline_access", "accounting.transactions"},
			Token:        provider.NewClient(provider.Xero, cfg.TokenURL, cfg.HTTPClient),
			Now:          cfg.Now,
		},
		now: cfg.Now,
	}
}

var (
	_ provider.Adapter    = (*Xero)(nil)
	_ provider.Authorizer = (*Xero)(nil)
)

func (x *Xero) ID() provider.ID     { return provider.Xero }
func (x *Xero) Kind() provider.Kind { return provider.KindAccounting }

type xeroContact struct {
	Name string `json:"Name" validate:"required"`
}

type xeroLine struct {
	Description string `json:"Description" validate:"required"`
	Quantity    string `json:"Quantity"`
	UnitAmount  string `json:"UnitAmount" validate:"required,numeric"`
	TaxAmount   string `json:"TaxAmount,omitempty"`
	AccountCode string `json:"AccountCode" validate:"required"`
}

type xeroInvoice struct {
	Type            string      `json:"Type" validate:"oneof=ACCPAY ACCREC"`
	Contact         xeroContact `json:"Contact"`
	Date            string      `json:"Date" validate:"required,datetime=2006-01-02"`
	DueDate         string      `json:"DueDate,omitempty"`
	CurrencyCode    string      `json:"CurrencyCode" validate:"required,len=3"`
	Reference       string      `json:"Reference" validate:"required"`
	LineAmountTypes string      `json:"LineAmountTypes"`
	LineItems       []xeroLine  `json:"LineItems" validate:"required,min=1,dive"`
	Status          string      `json:"Status"`
}

type xeroPayment struct {
	Invoice   xeroRef `json:"Invoice"`
	Account   xeroRef `json:"Account"`
	Date      string  `json:"Date" validate:"required,datetime=2006-01-02"`
	Amount    string  `json:"Amount" validate:"required,numeric"`
	Reference string  `json:"Reference" validate:"required"`
}

type xeroRef struct {
	InvoiceNumber string `json:"InvoiceNumber,omitempty"`
	Code          string `json:"Code,omitempty"`
}

type xeroInvoicesResponse struct {
	Invoices []struct {
		InvoiceID string `json:"InvoiceID"`
	} `json:"Invoices"`
}

type xeroPaymentsResponse struct {
	Payments []struct {
		PaymentID string `json:"PaymentID"`
	} `json:"Payments"`
}

// CreateRecord posts expenses as ACCPAY bills, invoices as ACCREC invoices and
// payments against the invoice named by the entity reference.
func (x *Xero) CreateRecord(ctx context.Context, cred provider.Credential, companyID string, e ledger.Entity) (string, error) {
	const op = "create_record"
	if cred.AccessToken.IsEmpty() {
		return "", provider.AuthExpired(provider.Xero, op, errors.New("missing access token"))
	}
	if cred.InstitutionID == "" {
		return "", provider.AuthExpired(provider.Xero, op, errors.New("no tenant selected"))
	}
	if e.CompanyID != "" && e.CompanyID != companyID {
		return "", provider.Validation(provider.Xero, op, fmt.Errorf("entity %s belongs to another company", e.ID))
	}
	header := http.Header{"Xero-Tenant-Id": {cred.InstitutionID}}

	switch e.Type {
	case ledger.EntityExpense, ledger.EntityInvoice:
		inv := xeroInvoiceFor(e)
		if err := provider.Validate(provider.Xero, op, inv); err != nil {
			return "", err
		}
		var out xeroInvoicesResponse
		err := x.api.Do(ctx, provider.Request{
			Op: op, Method: http.MethodPost, Path: "/api.xro/2.0/Invoices",
			Bearer: cred.AccessToken, Header: header,
			JSON: map[string][]xeroInvoice{"Invoices": {inv}},
		}, &out)
		if err != nil {
			return "", err
		}
		if len(out.Invoices) == 0 || out.Invoices[0].InvoiceID == "" {
			return "", &provider.Error{Kind: provider.ErrTransient, Provider: provider.Xero, Op: op, Err: errors.New("empty invoice response")}
		}
		return out.Invoices[0].InvoiceID, nil
	case ledger.EntityPayment:
		p := xeroPayment{
			Invoice:   xeroRef{InvoiceNumber: e.Reference},
			Account:   xeroRef{Code: e.AccountCode},
			Date:      e.Date.UTC().Format("2006-01-02"),
			Amount:    provider.FormatAmount(e.Amount.Amount),
			Reference: e.ID,
		}
		if err := provider.Validate(provider.Xero, op, p); err != nil {
			return "", err
		}
		if p.Invoice.InvoiceNumber == "" || p.Account.Code == "" {
			return "", provider.Validation(provider.Xero, op, errors.New("payment needs invoice reference and account code"))
		}
		var out xeroPaymentsResponse
		err := x.api.Do(ctx, provider.Request{
			Op: op, Method: http.MethodPut, Path: "/api.xro/2.0/Payments",
			Bearer: cred.AccessToken, Header: header,
			JSON: map[string][]xeroPayment{"Payments": {p}},
		}, &out)
		if err != nil {
			return "", err
		}
		if len(out.Payments) == 0 || out.Payments[0].PaymentID == "" {
			return "", &provider.Error{Kind: provider.ErrTransient, Provider: provider.Xero, Op: op, Err: errors.New("empty payment response")}
		}
		return out.Payments[0].PaymentID, nil
	}
	return "", provider.Validation(provider.Xero, op, fmt.Errorf("unsupported entity type %q", e.Type))
}

func xeroInvoiceFor(e ledger.Entity) xeroInvoice {
	typ := "ACCPAY"
	if e.Type == ledger.EntityInvoice {
		typ = "ACCREC"
	}
	desc := e.Description
	if strings.TrimSpace(desc) == "" {
		desc = string(e.Type) + " " + e.ID
	}
	line := xeroLine{
		Description: desc,
		Quantity:    "1",
		UnitAmount:  provider.FormatAmount(e.Amount.Amount),
		AccountCode: e.AccountCode,
	}
	if e.TaxAmount != 0 {
		line.TaxAmount = provider.FormatAmount(e.TaxAmount)
	}
	inv := xeroInvoice{
		Type:            typ,
		Contact:         xeroContact{Name: e.Counterparty},
		Date:            e.Date.UTC().Format("2006-01-02"),
		CurrencyCode:    strings.ToUpper(e.Amount.Currency),
		Reference:       e.ID,
		LineAmountTypes: "Inclusive",
		LineItems:       []xeroLine{line},
		Status:          "AUTHORISED",
	}
	if e.DueDate != nil {
		inv.DueDate = e.DueDate.UTC().Format("2006-01-02")
	}
	return inv
}

func (x *Xero) RefreshCredential(ctx context.Context, cred provider.Credential) (provider.Credential, error) {
	return x.oauth.Refresh(ctx, cred)
}

func (x *Xero) BeginAuthorization(_ context.Context, req provider.AuthorizationRequest) (provider.Authorization, error) {
	u, err := x.oauth.AuthCodeURL(req.RedirectURL, req.Reference)
	if err != nil {
		return provider.Authorization{}, err
	}
	return provider.Authorization{URL: u, ConsentID: req.Reference}, nil
}

type xeroConnection struct {
	TenantID   string `json:"tenantId"`
	TenantType string `json:"tenantType"`
}

// CompleteAuthorization exchanges the code and picks the first organisation
// connection unless params names one ("tenant_id").
func (x *Xero) CompleteAuthorization(ctx context.Context, cred provider.Credential, params map[string]string) (provider.Credential, error) {
	out, err := x.oauth.Exchange(ctx, cred, params)
	if err != nil {
		return provider.Credential{}, err
	}
	if t := params["tenant_id"]; t != "" {
		out.InstitutionID = t
		return out, nil
	}
	var conns []xeroConnection
	err = x.api.Do(ctx, provider.Request{
		Op: "connections", Method: http.MethodGet, Path: "/connections",
		Bearer: out.AccessToken,
	}, &conns)
	if err != nil {
		return provider.Credential{}, err
	}
	for _, c := range conns {
		if c.TenantType == "ORGANISATION" || c.TenantType == "" {
			out.InstitutionID = c.TenantID
			return out, nil
		}
	}
	return provider.Credential{}, provider.Validation(provider.Xero, "connections", errors.New("no organisation connected"))
}
