package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"ledgerlink.org/internal/credentials"
	"ledgerlink.org/internal/provider"
)

// Credentials implements credentials.Store on provider_credentials. Tokens are
// stored only in sealed form.
type Credentials struct {
	db     *sql.DB
	sealer credentials.Sealer
	now    func() time.Time
}

var _ credentials.Store = (*Credentials)(nil)

const credentialColumns = `company_id, provider, state, access_token, refresh_token, expires_at,
	consent_id, institution_id, consent_expires_at, account_ids, updated_at`

func (c *Credentials) scan(row scanner) (provider.Credential, error) {
	var (
		s        credentials.Sealed
		prov     string
		state    string
		expires  sql.NullTime
		consent  sql.NullTime
		accounts string
		updated  time.Time
	)
	if err := row.Scan(&s.Meta.CompanyID, &prov, &state, &s.Access, &s.Refresh, &expires,
		&s.Meta.ConsentID, &s.Meta.InstitutionID, &consent, &accounts, &updated); err != nil {
		return provider.Credential{}, err
	}
	s.Meta.Provider = provider.ID(prov)
	s.Meta.State = provider.CredentialState(state)
	s.Meta.ExpiresAt = timePtr(expires)
	s.Meta.ConsentExpiresAt = timePtr(consent)
	s.Meta.UpdatedAt = updated.UTC()
	if accounts != "" {
		if err := json.Unmarshal([]byte(accounts), &s.Meta.AccountIDs); err != nil {
			return provider.Credential{}, fmt.Errorf("%w: account_ids: %v", credentials.ErrCorrupt, err)
		}
	}
	return credentials.Open(c.sealer, s)
}

func (c *Credentials) Get(ctx context.Context, companyID string, p provider.ID) (provider.Credential, error) {
	cred, err := c.scan(c.db.QueryRowContext(ctx,
		`select `+credentialColumns+` from provider_credentials where company_id=$1 and provider=$2`,
		companyID, string(p)))
	if errors.Is(err, sql.ErrNoRows) {
		return provider.Credential{}, credentials.ErrNotFound
	}
	return cred, err
}

func (c *Credentials) Save(ctx context.Context, cred provider.Credential) error {
	now := c.now().UTC()
	if err := credentials.CheckWrite(cred, now); err != nil {
		return err
	}
	cred.UpdatedAt = now
	sealed, err := credentials.Seal(c.sealer, cred)
	if err != nil {
		return err
	}
	accounts := cred.AccountIDs
	if accounts == nil {
		accounts = []string{}
	}
	accountsJSON, err := json.Marshal(accounts)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, `
		insert into provider_credentials (`+credentialColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		on conflict (company_id, provider) do update
		set state = excluded.state, access_token = excluded.access_token, refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at, consent_id = excluded.consent_id, institution_id = excluded.institution_id,
			consent_expires_at = excluded.consent_expires_at, account_ids = excluded.account_ids, updated_at = excluded.updated_at`,
		cred.CompanyID, string(cred.Provider), string(cred.State), sealed.Access, sealed.Refresh, nullTime(cred.ExpiresAt),
		cred.ConsentID, cred.InstitutionID, nullTime(cred.ConsentExpiresAt), string(accountsJSON), now)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: consent id already bound to another connection", credentials.ErrInvalidState)
	}
	return err
}

func (c *Credentials) MarkExpired(ctx context.Context, companyID string, p provider.ID) error {
	res, err := c.db.ExecContext(ctx, `
		update provider_credentials set state = $3, updated_at = $4
		where company_id=$1 and provider=$2 and state <> $5`,
		companyID, string(p), string(provider.StateExpiredNeedsRenewal), c.now().UTC(), string(provider.StateRevoked))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	// zero rows: either missing or revoked; only the former is an error
	var one int
	err = c.db.QueryRowContext(ctx, `select 1 from provider_credentials where company_id=$1 and provider=$2`,
		companyID, string(p)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return credentials.ErrNotFound
	}
	return err
}

func (c *Credentials) FindByConsent(ctx context.Context, consentID string) (provider.Credential, error) {
	if consentID == "" {
		return provider.Credential{}, credentials.ErrNotFound
	}
	cred, err := c.scan(c.db.QueryRowContext(ctx,
		`select `+credentialColumns+` from provider_credentials where consent_id=$1`, consentID))
	if errors.Is(err, sql.ErrNoRows) {
		return provider.Credential{}, credentials.ErrNotFound
	}
	return cred, err
}

func (c *Credentials) List(ctx context.Context, f credentials.Filter) ([]provider.Credential, error) {
	var (
		where []string
		args  []any
	)
	if f.CompanyID != "" {
		args = append(args, f.CompanyID)
		where = append(where, fmt.Sprintf("company_id=$%d", len(args)))
	}
	if f.Provider != "" {
		args = append(args, string(f.Provider))
		where = append(where, fmt.Sprintf("provider=$%d", len(args)))
	}
	if len(f.States) > 0 {
		var in []string
		for _, s := range f.States {
			args = append(args, string(s))
			in = append(in, fmt.Sprintf("$%d", len(args)))
		}
		where = append(where, "state in ("+strings.Join(in, ", ")+")")
	}
	query := `select ` + credentialColumns + ` from provider_credentials`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	query += " order by company_id, provider"
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []provider.Credential
	for rows.Next() {
		cred, err := c.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cred)
	}
	return out, rows.Err()
}
