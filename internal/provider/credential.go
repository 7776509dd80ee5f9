package provider

import (
	"time"
)

const redacted = "[redacted]"

// Secret holds token material. Every textual rendering is redacted; only
// Reveal returns the raw value, for use on the wire to the provider.
type Secret string

func (s Secret) String() string   { return redacted }
func (s Secret) GoString() string { return redacted }
func (s Secret) Reveal() string   { return string(s) }
func (s Secret) IsEmpty() bool    { return s == "" }

func (s Secret) MarshalJSON() ([]byte, error) { return []byte(`"` + redacted + `"`), nil }

func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// CredentialState tracks where a connection is in its lifecycle.
type CredentialState string

const (
	StatePendingAuthorization CredentialState = "pending_authorization"
	StateActive               CredentialState = "active"
	StateExpiredNeedsRenewal  CredentialState = "expired_needs_renewal"
	StateRevoked              CredentialState = "revoked"
)

func (s CredentialState) Valid() bool {
	switch s {
	case StatePendingAuthorization, StateActive, StateExpiredNeedsRenewal, StateRevoked:
		return true
	}
	return false
}

// Credential is the authentication material for one (company, provider) pair.
type Credential struct {
	CompanyID     string          `json:"company_id"`
	Provider      ID              `json:"provider"`
	State         CredentialState `json:"state"`
	AccessToken   Secret          `json:"access_token"`
	RefreshToken  Secret          `json:"refresh_token"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
	ConsentID     string          `json:"consent_id,omitempty"`
	InstitutionID string          `json:"institution_id,omitempty"`
	// ConsentExpiresAt is the end of the regulated access window (PSD2 consents
	// are typically granted for 90 days); after it the user must re-authorise
	// even if tokens could still be refreshed.
	ConsentExpiresAt *time.Time `json:"consent_expires_at,omitempty"`
	AccountIDs       []string   `json:"account_ids,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Expired reports whether either the token or the consent horizon has passed.
func (c Credential) Expired(now time.Time) bool {
	if c.ExpiresAt != nil && !now.Before(*c.ExpiresAt) {
		return true
	}
	if c.ConsentExpiresAt != nil && !now.Before(*c.ConsentExpiresAt) {
		return true
	}
	return false
}

// Usable reports whether the credential may be used for provider calls at now.
func (c Credential) Usable(now time.Time) bool {
	return c.State == StateActive && !c.Expired(now)
}

// Clone returns a deep copy.
func (c Credential) Clone() Credential {
	out := c
	if c.ExpiresAt != nil {
		t := *c.ExpiresAt
		out.ExpiresAt = &t
	}
	if c.ConsentExpiresAt != nil {
		t := *c.ConsentExpiresAt
		out.ConsentExpiresAt = &t
	}
	if c.AccountIDs != nil {
		out.AccountIDs = append([]string(nil), c.AccountIDs...)
	}
	return out
}

// ExpiresIn converts a provider "expires_in" seconds value into an absolute time.
func ExpiresIn(now time.Time, seconds int64) *time.Time {
	if seconds <= 0 {
		return nil
	}
	t := now.Add(time.Duration(seconds) * time.Second).UTC()
	return &t
}
