// Package credentials keeps per-company provider credentials. Tokens are held
// sealed; callers only ever see them through provider.Secret.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"ledgerlink.org/internal/provider"
)

var (
	ErrNotFound     = errors.New("credential not found")
	ErrInvalidState = errors.New("invalid credential state")
	ErrCorrupt      = errors.New("sealed credential cannot be opened")
)

// Store persists credentials keyed by (company, provider).
type Store interface {
	Get(ctx context.Context, companyID string, p provider.ID) (provider.Credential, error)
	// Save upserts c. Tokens are re-sealed on every write.
	Save(ctx context.Context, c provider.Credential) error
	// MarkExpired moves the credential to expired_needs_renewal. Idempotent.
	MarkExpired(ctx context.Context, companyID string, p provider.ID) error
	FindByConsent(ctx context.Context, consentID string) (provider.Credential, error)
	List(ctx context.Context, f Filter) ([]provider.Credential, error)
}

// Filter narrows List; zero fields match everything.
type Filter struct {
	CompanyID string
	Provider  provider.ID
	States    []provider.CredentialState
}

func (f Filter) Match(c provider.Credential) bool {
	if f.CompanyID != "" && c.CompanyID != f.CompanyID {
		return false
	}
	if f.Provider != "" && c.Provider != f.Provider {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if c.State == s {
			return true
		}
	}
	return false
}

// CheckWrite enforces the invariants every Store applies before persisting.
func CheckWrite(c provider.Credential, now time.Time) error {
	if c.CompanyID == "" || c.Provider == "" {
		return fmt.Errorf("%w: company and provider required", ErrInvalidState)
	}
	if !c.State.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidState, c.State)
	}
	if c.State == provider.StateActive && c.ExpiresAt != nil && !now.Before(*c.ExpiresAt) {
		return fmt.Errorf("%w: active credential already expired", ErrInvalidState)
	}
	return nil
}

type key struct {
	company  string
	provider provider.ID
}

// InMemory implements Store for tests and single-process runs.
type InMemory struct {
	mu     sync.RWMutex
	sealer Sealer
	now    func() time.Time
	rows   map[key]Sealed
}

type Option func(*InMemory)

func WithClock(fn func() time.Time) Option {
	return func(s *InMemory) {
		if fn != nil {
			s.now = fn
		}
	}
}

func NewInMemory(sealer Sealer, opts ...Option) *InMemory {
	s := &InMemory{sealer: sealer, now: time.Now, rows: make(map[key]Sealed)}
	for _, o := range opts {
		o(s)
	}
	return s
}

var _ Store = (*InMemory)(nil)

func (s *InMemory) Get(_ context.Context, companyID string, p provider.ID) (provider.Credential, error) {
	s.mu.RLock()
	row, ok := s.rows[key{companyID, p}]
	s.mu.RUnlock()
	if !ok {
		return provider.Credential{}, ErrNotFound
	}
	return Open(s.sealer, row)
}

func (s *InMemory) Save(_ context.Context, c provider.Credential) error {
	now := s.now().UTC()
	if err := CheckWrite(c, now); err != nil {
		return err
	}
	c.UpdatedAt = now
	row, err := Seal(s.sealer, c)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[key{c.CompanyID, c.Provider}] = row
	return nil
}

func (s *InMemory) MarkExpired(_ context.Context, companyID string, p provider.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{companyID, p}
	row, ok := s.rows[k]
	if !ok {
		return ErrNotFound
	}
	switch row.Meta.State {
	case provider.StateExpiredNeedsRenewal, provider.StateRevoked:
		return nil
	}
	row.Meta.State = provider.StateExpiredNeedsRenewal
	row.Meta.UpdatedAt = s.now().UTC()
	s.rows[k] = row
	return nil
}

func (s *InMemory) FindByConsent(_ context.Context, consentID string) (provider.Credential, error) {
	if consentID == "" {
		return provider.Credential{}, ErrNotFound
	}
	s.mu.RLock()
	var (
		row   Sealed
		found bool
	)
	for _, r := range s.rows {
		if r.Meta.ConsentID == consentID {
			row, found = r, true
			break
		}
	}
	s.mu.RUnlock()
	if !found {
		return provider.Credential{}, ErrNotFound
	}
	return Open(s.sealer, row)
}

// List returns matching credentials ordered by company then provider.
func (s *InMemory) List(_ context.Context, f Filter) ([]provider.Credential, error) {
	s.mu.RLock()
	rows := make([]Sealed, 0, len(s.rows))
	for _, r := range s.rows {
		if f.Match(r.Meta) {
			rows = append(rows, r)
		}
	}
	s.mu.RUnlock()
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Meta.CompanyID != rows[j].Meta.CompanyID {
			return rows[i].Meta.CompanyID < rows[j].Meta.CompanyID
		}
		return rows[i].Meta.Provider < rows[j].Meta.Provider
	})
	out := make([]provider.Credential, 0, len(rows))
	for _, r := range rows {
		c, err := Open(s.sealer, r)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// raw exposes the sealed row; used by tests to check nothing is stored in clear.
func (s *InMemory) raw(companyID string, p provider.ID) (Sealed, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[key{companyID, p}]
	return r, ok
}
