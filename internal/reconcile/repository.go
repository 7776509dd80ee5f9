package reconcile

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"ledgerlink.org/internal/ledger"
	"ledgerlink.org/internal/provider"
)

var ErrAlreadyMatched = errors.New("payment or transaction already reconciled")

// Record is a persisted match.
type Record struct {
	CompanyID     string       `json:"company_id"`
	Provider      provider.ID  `json:"provider"`
	TransactionID string       `json:"transaction_id"`
	PaymentID     string       `json:"payment_id"`
	Amount        ledger.Money `json:"amount"`
	BookingDate   time.Time    `json:"booking_date"`
	DistanceDays  int          `json:"distance_days"`
	RunID         string       `json:"run_id"`
	MatchedAt     time.Time    `json:"matched_at"`
}

// Repository remembers matches across runs. Save is all-or-nothing and fails
// with ErrAlreadyMatched if any payment, or any (provider, transaction), is
// already recorded for the same company.
type Repository interface {
	List(ctx context.Context, companyID string) ([]Record, error)
	Save(ctx context.Context, recs []Record) error
}

type InMemory struct {
	mu   sync.Mutex
	recs []Record
}

func NewInMemory() *InMemory { return &InMemory{} }

var _ Repository = (*InMemory)(nil)

func (s *InMemory) List(_ context.Context, companyID string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, r := range s.recs {
		if r.CompanyID == companyID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaymentID < out[j].PaymentID })
	return out, nil
}

func (s *InMemory) Save(_ context.Context, recs []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	type payKey struct{ company, payment string }
	type txnKey struct {
		company     string
		provider    provider.ID
		transaction string
	}
	pays := make(map[payKey]bool, len(s.recs)+len(recs))
	txns := make(map[txnKey]bool, len(s.recs)+len(recs))
	for _, r := range s.recs {
		pays[payKey{r.CompanyID, r.PaymentID}] = true
		txns[txnKey{r.CompanyID, r.Provider, r.TransactionID}] = true
	}
	for _, r := range recs {
		pk, tk := payKey{r.CompanyID, r.PaymentID}, txnKey{r.CompanyID, r.Provider, r.TransactionID}
		if pays[pk] || txns[tk] {
			return ErrAlreadyMatched
		}
		pays[pk], txns[tk] = true, true
	}
	s.recs = append(s.recs, recs...)
	return nil
}
