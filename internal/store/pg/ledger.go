package pg

import (
	"context"
	"database/sql"
	"errors"

	"ledgerlink.org/internal/ledger"
)

// Ledger reads the ledger_entries read model.
type Ledger struct {
	db *sql.DB
}

var _ ledger.Source = (*Ledger)(nil)

const entryColumns = `id, company_id, entity_type, entry_date, due_date, currency, amount, tax_amount,
	counterparty, description, reference, account_code, property_id`

func scanEntry(row scanner) (ledger.Entity, error) {
	var (
		e   ledger.Entity
		typ string
		due sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.CompanyID, &typ, &e.Date, &due, &e.Amount.Currency, &e.Amount.Amount, &e.TaxAmount,
		&e.Counterparty, &e.Description, &e.Reference, &e.AccountCode, &e.PropertyID); err != nil {
		return ledger.Entity{}, err
	}
	e.Type = ledger.EntityType(typ)
	e.Date = e.Date.UTC()
	e.DueDate = timePtr(due)
	return e, nil
}

func (l *Ledger) Get(ctx context.Context, id string) (ledger.Entity, error) {
	e, err := scanEntry(l.db.QueryRowContext(ctx, `select `+entryColumns+` from ledger_entries where id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Entity{}, ledger.ErrNotFound
	}
	return e, err
}

// ListDueRecords returns the company's entries of type t dated within p,
// ordered by date then id.
func (l *Ledger) ListDueRecords(ctx context.Context, companyID string, t ledger.EntityType, p ledger.Period) ([]ledger.Entity, error) {
	r := p.Range()
	rows, err := l.db.QueryContext(ctx, `
		select `+entryColumns+` from ledger_entries
		where company_id=$1 and entity_type=$2 and entry_date >= $3 and entry_date < $4
		order by entry_date, id`,
		companyID, string(t), r.From, r.To)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ledger.Entity
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Put upserts an entry; used by the seed path and tests.
func (l *Ledger) Put(ctx context.Context, e ledger.Entity) error {
	_, err := l.db.ExecContext(ctx, `
		insert into ledger_entries (`+entryColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		on conflict (id) do update
		set company_id = excluded.company_id, entity_type = excluded.entity_type, entry_date = excluded.entry_date,
			due_date = excluded.due_date, currency = excluded.currency, amount = excluded.amount,
			tax_amount = excluded.tax_amount, counterparty = excluded.counterparty, description = excluded.description,
			reference = excluded.reference, account_code = excluded.account_code, property_id = excluded.property_id`,
		e.ID, e.CompanyID, string(e.Type), e.Date.UTC(), nullTime(e.DueDate), e.Amount.Currency, e.Amount.Amount,
		e.TaxAmount, e.Counterparty, e.Description, e.Reference, e.AccountCode, e.PropertyID)
	return err
}
