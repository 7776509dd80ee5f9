package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"ledgerlink.org/internal/ledger"
	"ledgerlink.org/internal/provider"
	"ledgerlink.org/internal/syncstate"
)

// Tracker implements syncstate.Tracker on the sync_records table.
type Tracker struct {
	db  *sql.DB
	now func() time.Time
}

var _ syncstate.Tracker = (*Tracker)(nil)

const recordColumns = `company_id, period, entity_type, internal_id, provider, coalesce(external_id, ''),
	status, attempts, last_attempt_at, last_error, error_kind, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (syncstate.Record, error) {
	var (
		r         syncstate.Record
		entity    string
		prov      string
		status    string
		lastAtt   sql.NullTime
		createdAt time.Time
		updatedAt time.Time
	)
	if err := row.Scan(&r.CompanyID, &r.Period, &entity, &r.InternalID, &prov, &r.ExternalID,
		&status, &r.Attempts, &lastAtt, &r.LastError, &r.ErrorKind, &createdAt, &updatedAt); err != nil {
		return syncstate.Record{}, err
	}
	r.EntityType = ledger.EntityType(entity)
	r.Provider = provider.ID(prov)
	r.Status = syncstate.Status(status)
	r.LastAttemptAt = timePtr(lastAtt)
	r.CreatedAt, r.UpdatedAt = createdAt.UTC(), updatedAt.UTC()
	return r, nil
}

func (t *Tracker) GetStatus(ctx context.Context, k syncstate.Key) (syncstate.Record, error) {
	r, err := scanRecord(t.db.QueryRowContext(ctx,
		`select `+recordColumns+` from sync_records where internal_id=$1 and provider=$2`,
		k.InternalID, string(k.Provider)))
	if errors.Is(err, sql.ErrNoRows) {
		return syncstate.Record{InternalID: k.InternalID, Provider: k.Provider, Status: syncstate.StatusNotSynced}, nil
	}
	return r, err
}

// Claim is a single conditional upsert: the row becomes pending only if it is
// not synced and no other claim's lease is live.
func (t *Tracker) Claim(ctx context.Context, k syncstate.Key, m syncstate.Meta, lease time.Duration) (syncstate.Record, error) {
	now := t.now().UTC()
	r, err := scanRecord(t.db.QueryRowContext(ctx, `
		insert into sync_records (internal_id, provider, company_id, entity_type, period, status, attempts, last_attempt_at, created_at, updated_at)
		values ($1, $2, $3, $4, $5, 'pending', 0, $6, $6, $6)
		on conflict (internal_id, provider) do update
		set status = 'pending', last_attempt_at = excluded.last_attempt_at, updated_at = excluded.updated_at
		where sync_records.status in ('not_synced', 'failed')
		   or (sync_records.status = 'pending' and (sync_records.last_attempt_at is null or sync_records.last_attempt_at <= $7))
		returning `+recordColumns,
		k.InternalID, string(k.Provider), m.CompanyID, string(m.EntityType), m.Period.String(), now, now.Add(-lease)))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return syncstate.Record{}, err
	}
	cur, err := t.GetStatus(ctx, k)
	if err != nil {
		return syncstate.Record{}, err
	}
	if cur.Status == syncstate.StatusSynced {
		return cur, syncstate.ErrAlreadySynced
	}
	return cur, syncstate.ErrInFlight
}

// RecordAttempt seeds the row if it is missing, locks it, applies the shared
// transition and writes it back in one transaction. The seed makes concurrent
// first writers queue on the same row lock.
func (t *Tracker) RecordAttempt(ctx context.Context, k syncstate.Key, m syncstate.Meta, o syncstate.Outcome) (syncstate.Record, error) {
	if o.At.IsZero() {
		o.At = t.now()
	}
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return syncstate.Record{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into sync_records (internal_id, provider, company_id, entity_type, period, status, attempts, created_at, updated_at)
		values ($1, $2, $3, $4, $5, 'not_synced', 0, $6, $6)
		on conflict (internal_id, provider) do nothing`,
		k.InternalID, string(k.Provider), m.CompanyID, string(m.EntityType), m.Period.String(), o.At.UTC()); err != nil {
		return syncstate.Record{}, fmt.Errorf("seed sync record: %w", err)
	}
	cur, err := scanRecord(tx.QueryRowContext(ctx,
		`select `+recordColumns+` from sync_records where internal_id=$1 and provider=$2 for update`,
		k.InternalID, string(k.Provider)))
	if err != nil {
		return syncstate.Record{}, err
	}

	next, changed, err := syncstate.Apply(cur, o)
	if err != nil || !changed {
		return cur, err
	}
	res, err := tx.ExecContext(ctx, `
		update sync_records
		set external_id = nullif($3, ''), status = $4, attempts = $5, last_attempt_at = $6,
			last_error = $7, error_kind = $8, updated_at = $9
		where internal_id = $1 and provider = $2 and status <> 'synced'`,
		next.InternalID, string(next.Provider), next.ExternalID, string(next.Status), next.Attempts,
		nullTime(next.LastAttemptAt), next.LastError, next.ErrorKind, next.UpdatedAt)
	if err != nil {
		return syncstate.Record{}, fmt.Errorf("update sync record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return cur, syncstate.ErrAlreadySynced
	}
	if err := tx.Commit(); err != nil {
		return syncstate.Record{}, err
	}
	return next, nil
}

// PendingNotSynced reads the recorded state of the selection and keeps due ids
// that are neither synced nor under a live claim, in due order.
func (t *Tracker) PendingNotSynced(ctx context.Context, q syncstate.Query) ([]string, error) {
	rows, err := t.db.QueryContext(ctx, `
		select internal_id, status, last_attempt_at from sync_records
		where company_id=$1 and provider=$2 and entity_type=$3 and period=$4`,
		q.CompanyID, string(q.Provider), string(q.EntityType), q.Period.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	known := make(map[string]syncstate.Record)
	for rows.Next() {
		var (
			r       syncstate.Record
			status  string
			lastAtt sql.NullTime
		)
		if err := rows.Scan(&r.InternalID, &status, &lastAtt); err != nil {
			return nil, err
		}
		r.Status = syncstate.Status(status)
		r.LastAttemptAt = timePtr(lastAtt)
		known[r.InternalID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := t.now().UTC()
	seen := make(map[string]bool, len(q.Due))
	var out []string
	for _, id := range q.Due {
		if seen[id] {
			continue
		}
		seen[id] = true
		if r, ok := known[id]; ok && syncstate.Claimable(r, now, q.Lease) != nil {
			continue
		}
		out = append(out, id)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (t *Tracker) List(ctx context.Context, q syncstate.Query) ([]syncstate.Record, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.CompanyID != "" {
		add("company_id=$%d", q.CompanyID)
	}
	if q.Provider != "" {
		add("provider=$%d", string(q.Provider))
	}
	if q.EntityType != "" {
		add("entity_type=$%d", string(q.EntityType))
	}
	if !q.Period.IsZero() {
		add("period=$%d", q.Period.String())
	}
	query := `select ` + recordColumns + ` from sync_records`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	query += " order by period, internal_id, provider"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" limit $%d", len(args))
	}
	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []syncstate.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
