// Package syncstate records, per (internal record, provider), whether the record
// has been registered externally and under which id. It is the single source
// of truth consulted before any external call is made.
package syncstate

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"ledgerlink.org/internal/ledger"
	"ledgerlink.org/internal/provider"
)

type Status string

const (
	StatusNotSynced Status = "not_synced"
	StatusPending   Status = "pending"
	StatusSynced    Status = "synced"
	StatusFailed    Status = "failed"
)

// Key identifies a record. There is at most one Record per Key.
type Key struct {
	InternalID string
	Provider   provider.ID
}

func (k Key) String() string { return string(k.Provider) + "/" + k.InternalID }

// Meta is stored alongside the record so it can be selected by company/period.
type Meta struct {
	CompanyID  string
	EntityType ledger.EntityType
	Period     ledger.Period
}

// Record is the sync state of one key. Records are never deleted.
type Record struct {
	CompanyID     string            `json:"company_id"`
	Period        string            `json:"period"`
	EntityType    ledger.EntityType `json:"entity_type"`
	InternalID    string            `json:"internal_id"`
	Provider      provider.ID       `json:"provider"`
	ExternalID    string            `json:"external_id,omitempty"`
	Status        Status            `json:"status"`
	Attempts      int               `json:"attempts"`
	LastAttemptAt *time.Time        `json:"last_attempt_at,omitempty"`
	LastError     string            `json:"last_error,omitempty"`
	ErrorKind     string            `json:"error_kind,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

func (r Record) Key() Key { return Key{InternalID: r.InternalID, Provider: r.Provider} }

// Outcome of one adapter call. A success carries the external id; a failure
// carries the error.
type Outcome struct {
	ExternalID string
	Err        error
	At         time.Time
}

func Succeeded(externalID string, at time.Time) Outcome {
	return Outcome{ExternalID: externalID, At: at}
}

func Failed(err error, at time.Time) Outcome {
	return Outcome{Err: err, At: at}
}

// Query selects records for one company/provider/type/period.
type Query struct {
	CompanyID  string
	Provider   provider.ID
	EntityType ledger.EntityType
	Period     ledger.Period
	// Due lists candidate internal ids in the order they should be processed.
	Due   []string
	Limit int
	// Lease is how long a pending claim blocks reselection.
	Lease time.Duration
}

// Tracker is implemented by InMemory and store/pg.
type Tracker interface {
	GetStatus(ctx context.Context, k Key) (Record, error)
	// Claim marks k pending before dispatch. It fails with ErrAlreadySynced
	// for synced records and ErrInFlight while another claim's lease is live.
	Claim(ctx context.Context, k Key, m Meta, lease time.Duration) (Record, error)
	// RecordAttempt stores the outcome of one attempt atomically.
	RecordAttempt(ctx context.Context, k Key, m Meta, o Outcome) (Record, error)
	// PendingNotSynced filters q.Due down to ids that still need work.
	PendingNotSynced(ctx context.Context, q Query) ([]string, error)
	List(ctx context.Context, q Query) ([]Record, error)
}

var (
	ErrAlreadySynced  = errors.New("record already synced")
	ErrInFlight       = errors.New("record is being synced by another run")
	ErrInvalidOutcome = errors.New("successful outcome without external id")
)

// Apply computes the next state of r for outcome o. It is shared by every
// Tracker implementation so they agree on transitions. changed is false when
// the write is a no-op.
func Apply(r Record, o Outcome) (next Record, changed bool, err error) {
	if o.Err == nil && o.ExternalID == "" {
		return r, false, ErrInvalidOutcome
	}
	if r.Status == StatusSynced {
		if o.Err == nil && o.ExternalID == r.ExternalID {
			return r, false, nil
		}
		return r, false, ErrAlreadySynced
	}
	at := o.At.UTC()
	next = r
	next.Attempts++
	next.LastAttemptAt = &at
	next.UpdatedAt = at
	if o.Err == nil {
		next.Status = StatusSynced
		next.ExternalID = o.ExternalID
		next.LastError = ""
		next.ErrorKind = ""
		return next, true, nil
	}
	next.Status = StatusFailed
	next.LastError = truncate(o.Err.Error(), 1024)
	next.ErrorKind = provider.KindOf(o.Err)
	return next, true, nil
}

// Claimable reports whether r may be claimed at now.
func Claimable(r Record, now time.Time, lease time.Duration) error {
	switch r.Status {
	case StatusSynced:
		return ErrAlreadySynced
	case StatusPending:
		if r.LastAttemptAt != nil && now.Before(r.LastAttemptAt.Add(lease)) {
			return ErrInFlight
		}
	}
	return nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
