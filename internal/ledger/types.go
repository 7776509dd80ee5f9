package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Money is represented in minor units (e.g., cents). No floats.
type Money struct {
	Currency string `json:"currency"`
	Amount   int64  `json:"amount"`
}

func (m Money) IsPositive() bool { return m.Amount > 0 }
func (m Money) IsZero() bool     { return m.Amount == 0 }

// Equal reports whether both values carry the same currency and exact amount.
func (m Money) Equal(o Money) bool {
	return strings.EqualFold(m.Currency, o.Currency) && m.Amount == o.Amount
}

// EntityType identifies the kind of ledger record being synchronised.
type EntityType string

const (
	EntityExpense EntityType = "expense"
	EntityInvoice EntityType = "invoice"
	EntityPayment EntityType = "payment"
)

// ParseEntityType accepts the canonical lower-case names (case-insensitive).
func ParseEntityType(s string) (EntityType, error) {
	switch EntityType(strings.ToLower(strings.TrimSpace(s))) {
	case EntityExpense:
		return EntityExpense, nil
	case EntityInvoice:
		return EntityInvoice, nil
	case EntityPayment:
		return EntityPayment, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntityType, s)
}

// Period is a calendar month, written "YYYY-MM".
type Period struct {
	Year  int
	Month time.Month
}

// ParsePeriod parses "YYYY-MM".
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse("2006-01", strings.TrimSpace(s))
	if err != nil {
		return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}
	return Period{Year: t.Year(), Month: t.Month()}, nil
}

// PeriodOf returns the period containing t (UTC).
func PeriodOf(t time.Time) Period {
	t = t.UTC()
	return Period{Year: t.Year(), Month: t.Month()}
}

func (p Period) String() string { return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month)) }

func (p Period) IsZero() bool { return p.Year == 0 && p.Month == 0 }

// Range returns the half-open [first day, first day of next month) range in UTC.
func (p Period) Range() DateRange {
	from := time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
	return DateRange{From: from, To: from.AddDate(0, 1, 0)}
}

// Contains reports whether t falls within the period.
func (p Period) Contains(t time.Time) bool { return p.Range().Contains(t) }

// DateRange is a half-open time interval [From, To).
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && t.Before(r.To)
}

// Widen extends the range by d on both sides.
func (r DateRange) Widen(d time.Duration) DateRange {
	return DateRange{From: r.From.Add(-d), To: r.To.Add(d)}
}

// Entity is one internal ledger record (expense, invoice or payment) due for
// registration with an external system.
type Entity struct {
	ID           string     `json:"id"`
	CompanyID    string     `json:"company_id"`
	Type         EntityType `json:"type"`
	Date         time.Time  `json:"date"`
	DueDate      *time.Time `json:"due_date,omitempty"`
	Amount       Money      `json:"amount"`
	TaxAmount    int64      `json:"tax_amount,omitempty"`
	Counterparty string     `json:"counterparty,omitempty"`
	Description  string     `json:"description,omitempty"`
	Reference    string     `json:"reference,omitempty"`
	AccountCode  string     `json:"account_code,omitempty"`
	PropertyID   string     `json:"property_id,omitempty"`
}

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidPeriod     = errors.New("invalid period (want YYYY-MM)")
	ErrInvalidEntityType = errors.New("invalid entity type")
)
