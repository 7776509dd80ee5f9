// Package reconcile matches bank transactions fetched from banking providers
// against internal payment records.
package reconcile

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
	"unicode"

	"ledgerlink.org/internal/ledger"
	"ledgerlink.org/internal/provider"
)

// Options tunes Match.
type Options struct {
	// WindowDays is the maximum distance in whole UTC days between the
	// transaction booking date and the payment date.
	WindowDays int
}

func DefaultOptions() Options { return Options{WindowDays: 3} }

// Result is the outcome for one transaction. PaymentID is empty when the
// transaction is unmatched.
type Result struct {
	Provider      provider.ID  `json:"provider,omitempty"`
	TransactionID string       `json:"transaction_id"`
	PaymentID     string       `json:"payment_id"`
	NeedsReview   bool         `json:"needs_review"`
	DistanceDays  int          `json:"distance_days,omitempty"`
	Amount        ledger.Money `json:"amount"`
	BookingDate   time.Time    `json:"booking_date"`
	// CounterpartyMatch is informational; it never affects which payment wins.
	CounterpartyMatch bool `json:"counterparty_match,omitempty"`
	// Previous is set when the match was made by an earlier run.
	Previous bool `json:"previous,omitempty"`
}

func (r Result) Matched() bool { return r.PaymentID != "" }

// MarshalJSON renders an unmatched payment_id as null.
func (r Result) MarshalJSON() ([]byte, error) {
	type alias Result
	out := struct {
		alias
		PaymentID *string `json:"payment_id"`
	}{alias: alias(r)}
	if r.PaymentID != "" {
		out.PaymentID = &r.PaymentID
	}
	return json.Marshal(out)
}

type candidate struct {
	txn, pay     int
	counterparty bool
	distance     int
}

// Match pairs transactions with payments. A pair qualifies when currency and
// minor-unit amount are equal and the dates are at most WindowDays apart.
// Pairs are ranked by date distance, then payment id, then transaction id,
// and assigned greedily so that no payment
// and no transaction is used twice. The result does not depend on input
// order. A transaction whose candidates include a payment id that appears
// more than once is left unmatched and flagged for review.
//
// Transactions that already carry a ReconciledPaymentID keep it and remove
// that payment from the pool.
func Match(txns []provider.BankTransaction, payments []ledger.Entity, opts Options) []Result {
	if opts.WindowDays < 0 {
		opts.WindowDays = 0
	}
	txns = append([]provider.BankTransaction(nil), txns...)
	sort.SliceStable(txns, func(i, j int) bool { return txns[i].ID < txns[j].ID })
	pays := append([]ledger.Entity(nil), payments...)
	sort.SliceStable(pays, func(i, j int) bool { return pays[i].ID < pays[j].ID })

	payCount := make(map[string]int, len(pays))
	for _, p := range pays {
		payCount[p.ID]++
	}
	txnCount := make(map[string]int, len(txns))
	for _, t := range txns {
		txnCount[t.ID]++
	}

	results := make([]Result, 0, len(txns))
	index := make([]int, len(txns)) // txn position -> result position, -1 for dropped duplicates
	usedPay := make(map[string]bool)
	for i, t := range txns {
		if i > 0 && txns[i-1].ID == t.ID {
			index[i] = -1
			continue
		}
		index[i] = len(results)
		r := Result{TransactionID: t.ID, Amount: t.Amount, BookingDate: t.BookingDate}
		switch {
		case txnCount[t.ID] > 1:
			r.NeedsReview = true
		case t.ReconciledPaymentID != "":
			r.PaymentID = t.ReconciledPaymentID
			r.Previous = true
			usedPay[t.ReconciledPaymentID] = true
		}
		results = append(results, r)
	}

	var cands []candidate
	review := make(map[int]bool)
	for ti, t := range txns {
		ri := index[ti]
		if ri < 0 || results[ri].NeedsReview || results[ri].Matched() {
			continue
		}
		for pi, p := range pays {
			if usedPay[p.ID] || !t.Amount.Equal(p.Amount) {
				continue
			}
			d := dayDistance(t.BookingDate, p.Date)
			if d > opts.WindowDays {
				continue
			}
			if payCount[p.ID] > 1 {
				review[ri] = true
				continue
			}
			cands = append(cands, candidate{
				txn:          ri,
				pay:          pi,
				counterparty: sameParty(t.Counterparty, p.Counterparty),
				distance:     d,
			})
		}
	}
	for ri := range review {
		results[ri].NeedsReview = true
	}

	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.distance != b.distance {
			return a.distance < b.distance
		}
		if pays[a.pay].ID != pays[b.pay].ID {
			return pays[a.pay].ID < pays[b.pay].ID
		}
		return results[a.txn].TransactionID < results[b.txn].TransactionID
	})
	for _, c := range cands {
		r := &results[c.txn]
		pid := pays[c.pay].ID
		if r.NeedsReview || r.Matched() || usedPay[pid] {
			continue
		}
		r.PaymentID = pid
		r.DistanceDays = c.distance
		r.CounterpartyMatch = c.counterparty
		usedPay[pid] = true
	}
	return results
}

func dayDistance(a, b time.Time) int {
	da := time.Date(a.UTC().Year(), a.UTC().Month(), a.UTC().Day(), 0, 0, 0, 0, time.UTC)
	db := time.Date(b.UTC().Year(), b.UTC().Month(), b.UTC().Day(), 0, 0, 0, 0, time.UTC)
	d := int(da.Sub(db).Hours() / 24)
	if d < 0 {
		d = -d
	}
	return d
}

var legalSuffixes = map[string]bool{
	"ltd": true, "limited": true, "llc": true, "inc": true, "sl": true, "sa": true,
	"gmbh": true, "bv": true, "plc": true, "srl": true, "sas": true,
}

func normalizeParty(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if !legalSuffixes[f] {
			out = append(out, f)
		}
	}
	return strings.Join(out, " ")
}

func sameParty(a, b string) bool {
	na, nb := normalizeParty(a), normalizeParty(b)
	if na == "" || nb == "" {
		return false
	}
	return na == nb || strings.Contains(na, nb) || strings.Contains(nb, na)
}
