package reconcile

import (
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"ledgerlink.org/internal/ledger"
	"ledgerlink.org/internal/provider"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func eur(minor int64) ledger.Money { return ledger.Money{Currency: "EUR", Amount: minor} }

func txn(id, date string, minor int64) provider.BankTransaction {
	return provider.BankTransaction{ID: id, BookingDate: day(date), Amount: eur(minor)}
}

func payment(id, date string, minor int64) ledger.Entity {
	return ledger.Entity{ID: id, Type: ledger.EntityPayment, Date: day(date), Amount: eur(minor)}
}

func matches(rs []Result) map[string]string {
	out := map[string]string{}
	for _, r := range rs {
		out[r.TransactionID] = r.PaymentID
	}
	return out
}

func TestMatchPrefersClosestDate(t *testing.T) {
	rs := Match(
		[]provider.BankTransaction{txn("t1", "2025-01-10", 15000)},
		[]ledger.Entity{payment("p1", "2025-01-08", 15000), payment("p2", "2025-01-11", 15000)},
		DefaultOptions(),
	)
	assert.Equal(t, 1, len(rs))
	assert.Equal(t, "p2", rs[0].PaymentID)
	assert.Equal(t, 1, rs[0].DistanceDays)
	assert.False(t, rs[0].NeedsReview)
}

func TestMatchEqualDistanceTakesSmallerPaymentID(t *testing.T) {
	rs := Match(
		[]provider.BankTransaction{txn("t1", "2025-01-10", 15000)},
		[]ledger.Entity{payment("pay-b", "2025-01-09", 15000), payment("pay-a", "2025-01-11", 15000)},
		DefaultOptions(),
	)
	assert.Equal(t, "pay-a", rs[0].PaymentID)
}

func TestMatchRules(t *testing.T) {
	tests := []struct {
		name string
		txn  provider.BankTransaction
		pay  ledger.Entity
		want string
	}{
		{"exact", txn("t", "2025-01-10", 15000), payment("p", "2025-01-10", 15000), "p"},
		{"window edge", txn("t", "2025-01-10", 15000), payment("p", "2025-01-13", 15000), "p"},
		{"outside window", txn("t", "2025-01-10", 15000), payment("p", "2025-01-14", 15000), ""},
		{"amount off by one cent", txn("t", "2025-01-10", 15000), payment("p", "2025-01-10", 15001), ""},
		{"currency differs", txn("t", "2025-01-10", 15000), ledger.Entity{ID: "p", Date: day("2025-01-10"), Amount: ledger.Money{Currency: "GBP", Amount: 15000}}, ""},
		{"currency case", txn("t", "2025-01-10", 15000), ledger.Entity{ID: "p", Date: day("2025-01-10"), Amount: ledger.Money{Currency: "eur", Amount: 15000}}, "p"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rs := Match([]provider.BankTransaction{tc.txn}, []ledger.Entity{tc.pay}, DefaultOptions())
			assert.Equal(t, tc.want, rs[0].PaymentID)
		})
	}
}

func TestMatchDeterministicAcrossInputOrder(t *testing.T) {
	txns := []provider.BankTransaction{
		txn("t3", "2025-01-10", 15000),
		txn("t1", "2025-01-10", 15000),
		txn("t2", "2025-01-10", 15000),
	}
	pays := []ledger.Entity{
		payment("p2", "2025-01-10", 15000),
		payment("p1", "2025-01-10", 15000),
	}
	want := matches(Match(txns, pays, DefaultOptions()))
	assert.Equal(t, map[string]string{"t1": "p1", "t2": "p2", "t3": ""}, want)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		rng.Shuffle(len(txns), func(a, b int) { txns[a], txns[b] = txns[b], txns[a] })
		rng.Shuffle(len(pays), func(a, b int) { pays[a], pays[b] = pays[b], pays[a] })
		assert.Equal(t, want, matches(Match(txns, pays, DefaultOptions())))
	}
}

func TestMatchNeverReusesPayment(t *testing.T) {
	rs := Match(
		[]provider.BankTransaction{txn("t1", "2025-01-09", 5000), txn("t2", "2025-01-10", 5000), txn("t3", "2025-01-11", 5000)},
		[]ledger.Entity{payment("p1", "2025-01-10", 5000)},
		DefaultOptions(),
	)
	got := matches(rs)
	assert.Equal(t, map[string]string{"t1": "", "t2": "p1", "t3": ""}, got)
}

func TestMatchDuplicatePaymentIDsNeedReview(t *testing.T) {
	rs := Match(
		[]provider.BankTransaction{txn("t1", "2025-01-10", 15000)},
		[]ledger.Entity{payment("p1", "2025-01-10", 15000), payment("p1", "2025-01-11", 15000)},
		DefaultOptions(),
	)
	assert.Equal(t, "", rs[0].PaymentID)
	assert.True(t, rs[0].NeedsReview)
}

func TestMatchCounterpartyDoesNotOutrankDistance(t *testing.T) {
	tx := txn("t1", "2025-01-10", 15000)
	tx.Counterparty = "Acme SL"
	far := payment("p1", "2025-01-08", 15000)
	far.Counterparty = "Acme"
	near := payment("p2", "2025-01-11", 15000)

	rs := Match([]provider.BankTransaction{tx}, []ledger.Entity{far, near}, DefaultOptions())
	assert.Equal(t, "p2", rs[0].PaymentID)
	assert.False(t, rs[0].CounterpartyMatch)
}

func TestMatchCounterpartyDoesNotOutrankTransactionID(t *testing.T) {
	t2 := txn("t2", "2025-01-10", 15000)
	t2.Counterparty = "Acme Property Services"
	p := payment("p1", "2025-01-10", 15000)
	p.Counterparty = "ACME PROPERTY SERVICES LTD"

	rs := Match([]provider.BankTransaction{t2, txn("t1", "2025-01-10", 15000)}, []ledger.Entity{p}, DefaultOptions())
	assert.Equal(t, map[string]string{"t1": "p1", "t2": ""}, matches(rs))
}

func TestMatchReportsCounterpartyAgreement(t *testing.T) {
	tx := txn("t1", "2025-01-10", 120000)
	tx.Counterparty = "ACME PROPERTY SERVICES LTD"
	p := payment("p1", "2025-01-10", 120000)
	p.Counterparty = "Acme Property Services"

	rs := Match([]provider.BankTransaction{tx}, []ledger.Entity{p}, DefaultOptions())
	assert.Equal(t, "p1", rs[0].PaymentID)
	assert.True(t, rs[0].CounterpartyMatch)
}

func TestMatchKeepsPreviousReconciliation(t *testing.T) {
	done := txn("t1", "2025-01-10", 15000)
	done.ReconciledPaymentID = "p1"
	rs := Match(
		[]provider.BankTransaction{done, txn("t2", "2025-01-10", 15000)},
		[]ledger.Entity{payment("p1", "2025-01-10", 15000)},
		DefaultOptions(),
	)
	assert.Equal(t, map[string]string{"t1": "p1", "t2": ""}, matches(rs))
	assert.True(t, rs[0].Previous)
}

func TestResultJSONNullPayment(t *testing.T) {
	b, err := json.Marshal(Result{TransactionID: "t1", Amount: eur(100)})
	assert.NoError(t, err)
	var out map[string]any
	assert.NoError(t, json.Unmarshal(b, &out))
	v, ok := out["payment_id"]
	assert.True(t, ok)
	assert.Equal(t, nil, v)
}
