package pg

import (
	"context"
	"database/sql"

	"ledgerlink.org/internal/provider"
	"ledgerlink.org/internal/reconcile"
)

// Matches implements reconcile.Repository on reconciliation_matches. The
// table's unique constraints back the no-rematch rule across instances.
type Matches struct {
	db *sql.DB
}

var _ reconcile.Repository = (*Matches)(nil)

func (m *Matches) List(ctx context.Context, companyID string) ([]reconcile.Record, error) {
	rows, err := m.db.QueryContext(ctx, `
		select company_id, provider, transaction_id, payment_id, currency, amount, booking_date, distance_days, run_id, matched_at
		from reconciliation_matches where company_id=$1 order by payment_id`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []reconcile.Record
	for rows.Next() {
		var (
			r    reconcile.Record
			prov string
		)
		if err := rows.Scan(&r.CompanyID, &prov, &r.TransactionID, &r.PaymentID, &r.Amount.Currency, &r.Amount.Amount,
			&r.BookingDate, &r.DistanceDays, &r.RunID, &r.MatchedAt); err != nil {
			return nil, err
		}
		r.Provider = provider.ID(prov)
		r.BookingDate, r.MatchedAt = r.BookingDate.UTC(), r.MatchedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (m *Matches) Save(ctx context.Context, recs []reconcile.Record) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, r := range recs {
		if _, err := tx.ExecContext(ctx, `
			insert into reconciliation_matches
				(company_id, provider, transaction_id, payment_id, currency, amount, booking_date, distance_days, run_id, matched_at)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			r.CompanyID, string(r.Provider), r.TransactionID, r.PaymentID, r.Amount.Currency, r.Amount.Amount,
			r.BookingDate.UTC(), r.DistanceDays, r.RunID, r.MatchedAt.UTC()); err != nil {
			if isUniqueViolation(err) {
				return reconcile.ErrAlreadyMatched
			}
			return err
		}
	}
	return tx.Commit()
}
