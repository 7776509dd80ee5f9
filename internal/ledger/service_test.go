package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestParsePeriod(t *testing.T) {
	p, err := ParsePeriod("2025-01")
	assert.NoError(t, err)
	assert.Equal(t, "2025-01", p.String())
	r := p.Range()
	assert.True(t, r.From.Equal(day("2025-01-01")))
	assert.True(t, r.To.Equal(day("2025-02-01")))
	assert.True(t, p.Contains(day("2025-01-31")))
	assert.False(t, p.Contains(day("2025-02-01")))

	_, err = ParsePeriod("2025-13")
	assert.True(t, errors.Is(err, ErrInvalidPeriod))
	_, err = ParsePeriod("January")
	assert.True(t, errors.Is(err, ErrInvalidPeriod))
}

func TestParseEntityType(t *testing.T) {
	et, err := ParseEntityType(" Expense ")
	assert.NoError(t, err)
	assert.Equal(t, EntityExpense, et)
	_, err = ParseEntityType("booking")
	assert.True(t, errors.Is(err, ErrInvalidEntityType))
}

func TestListDueRecordsFiltersAndOrders(t *testing.T) {
	s := NewInMemory(
		Entity{ID: "e3", CompanyID: "c1", Type: EntityExpense, Date: day("2025-01-20")},
		Entity{ID: "e1", CompanyID: "c1", Type: EntityExpense, Date: day("2025-01-05")},
		Entity{ID: "e2", CompanyID: "c1", Type: EntityExpense, Date: day("2025-01-05")},
		Entity{ID: "x1", CompanyID: "c2", Type: EntityExpense, Date: day("2025-01-05")},
		Entity{ID: "i1", CompanyID: "c1", Type: EntityInvoice, Date: day("2025-01-05")},
		Entity{ID: "e9", CompanyID: "c1", Type: EntityExpense, Date: day("2025-02-01")},
	)
	p, _ := ParsePeriod("2025-01")
	got, err := s.ListDueRecords(context.Background(), "c1", EntityExpense, p)
	assert.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, e := range got {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"e1", "e2", "e3"}, ids)
}

func TestMoneyEqual(t *testing.T) {
	assert.True(t, Money{Currency: "EUR", Amount: 15000}.Equal(Money{Currency: "eur", Amount: 15000}))
	assert.False(t, Money{Currency: "EUR", Amount: 15000}.Equal(Money{Currency: "EUR", Amount: 15001}))
}
