// Package provider defines the contract every external accounting or banking
// integration implements, together with the credential and error types that
// flow between adapters and the sync engine.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"ledgerlink.org/internal/ledger"
)

// ID names an external system.
type ID string

const (
	Holded     ID = "holded"
	Xero       ID = "xero"
	GoCardless ID = "gocardless"
	TrueLayer  ID = "truelayer"
)

// ParseID normalises s; it does not check registration (see Registry.Get).
func ParseID(s string) (ID, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", ErrUnknownProvider
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' && r != '_' {
			return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
		}
	}
	return ID(s), nil
}

// Kind separates accounting platforms from Open Banking providers.
type Kind string

const (
	KindAccounting Kind = "accounting"
	KindBanking    Kind = "banking"
)

// Adapter is implemented once per external system. Adapters only talk to their
// provider; sync state and credential persistence belong to the caller.
type Adapter interface {
	ID() ID
	Kind() Kind
	// CreateRecord registers entity with the provider and returns its external id.
	// It is not required to deduplicate.
	CreateRecord(ctx context.Context, cred Credential, companyID string, e ledger.Entity) (string, error)
	// RefreshCredential exchanges the refresh token for a new access token.
	// Returns ErrAuthExpired when the refresh token itself is no longer valid.
	RefreshCredential(ctx context.Context, cred Credential) (Credential, error)
}

// TransactionFetcher is implemented by banking adapters.
type TransactionFetcher interface {
	FetchTransactions(ctx context.Context, cred Credential, r ledger.DateRange) ([]BankTransaction, error)
}

// Authorizer drives the user-facing part of a connection: a redirect to the
// provider (or bank) followed by a callback that yields tokens.
type Authorizer interface {
	BeginAuthorization(ctx context.Context, req AuthorizationRequest) (Authorization, error)
	CompleteAuthorization(ctx context.Context, cred Credential, params map[string]string) (Credential, error)
}

// AuthorizationRequest starts a connection for a company.
type AuthorizationRequest struct {
	CompanyID     string
	InstitutionID string
	RedirectURL   string
	// Reference is an opaque value echoed back by the provider (OAuth state or
	// requisition reference).
	Reference string
}

// Authorization is the provider's answer to BeginAuthorization.
type Authorization struct {
	URL       string
	ConsentID string
	// ConsentExpiresAt is the regulatory horizon of the grant, if known.
	ConsentExpiresAt *time.Time
}

// BankTransaction is a booked transaction observed on a bank account.
type BankTransaction struct {
	ID                  string       `json:"id"`
	AccountID           string       `json:"account_id"`
	BookingDate         time.Time    `json:"booking_date"`
	Amount              ledger.Money `json:"amount"`
	Counterparty        string       `json:"counterparty,omitempty"`
	Description         string       `json:"description,omitempty"`
	ReconciledPaymentID string       `json:"reconciled_payment_id,omitempty"`
}

// Registry dispatches by provider ID.
type Registry struct {
	mu       sync.RWMutex
	adapters map[ID]Adapter
}

// NewRegistry registers the given adapters; later duplicates replace earlier ones.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[ID]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.ID()] = a
}

// Get returns the adapter registered for id.
func (r *Registry) Get(id ID) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	return a, nil
}

// IDs lists registered providers, optionally filtered by kind ("" for all).
func (r *Registry) IDs(kind Kind) []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ID, 0, len(r.adapters))
	for id, a := range r.adapters {
		if kind != "" && a.Kind() != kind {
			continue
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrUnsupported     = errors.New("operation not supported by provider")
)
