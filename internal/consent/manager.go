// Package consent drives the connection lifecycle of a company with a provider:
// authorization, token refresh, expiry detection and disconnect. It is the
// only writer of credential state.
package consent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ledgerlink.org/internal/audit"
	"ledgerlink.org/internal/credentials"
	"ledgerlink.org/internal/lock"
	"ledgerlink.org/internal/obs"
	"ledgerlink.org/internal/provider"
	"ledgerlink.org/internal/stream"
)

var (
	ErrNotConnected      = errors.New("provider not connected")
	ErrReconnectRequired = errors.New("reconnect required")
	ErrNotAuthorizer     = errors.New("provider does not support interactive authorization")
	ErrNotPending        = errors.New("connection is not awaiting authorization")
)

// StateUninitiated is reported by Status when no credential exists.
const StateUninitiated provider.CredentialState = "uninitiated"

type Manager struct {
	store    credentials.Store
	registry *provider.Registry
	locker   lock.Locker
	events   *stream.Stream
	now      func() time.Time
}

type Option func(*Manager)

func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// WithLocker serializes refreshes per connection across instances.
func WithLocker(l lock.Locker) Option {
	return func(m *Manager) {
		if l != nil {
			m.locker = l
		}
	}
}

func WithStream(s *stream.Stream) Option {
	return func(m *Manager) { m.events = s }
}

func NewManager(store credentials.Store, registry *provider.Registry, opts ...Option) *Manager {
	m := &Manager{store: store, registry: registry, locker: lock.NewLocal(), now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) authorizer(p provider.ID) (provider.Authorizer, error) {
	a, err := m.registry.Get(p)
	if err != nil {
		return nil, err
	}
	az, ok := a.(provider.Authorizer)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotAuthorizer, p)
	}
	return az, nil
}

// Initiation is returned by Initiate.
type Initiation struct {
	AuthorizationURL string `json:"authorization_url"`
	ConsentID        string `json:"consent_id"`
}

// Initiate starts a connection. Any previous credential for the pair is
// replaced by a pending one; the caller redirects the user to the URL.
func (m *Manager) Initiate(ctx context.Context, companyID string, p provider.ID, institutionID, redirectURL string) (Initiation, error) {
	az, err := m.authorizer(p)
	if err != nil {
		return Initiation{}, err
	}
	ref := uuid.NewString()
	auth, err := az.BeginAuthorization(ctx, provider.AuthorizationRequest{
		CompanyID:     companyID,
		InstitutionID: institutionID,
		RedirectURL:   redirectURL,
		Reference:     ref,
	})
	if err != nil {
		return Initiation{}, err
	}
	consentID := auth.ConsentID
	if consentID == "" {
		consentID = ref
	}
	cred := provider.Credential{
		CompanyID:        companyID,
		Provider:         p,
		State:            provider.StatePendingAuthorization,
		ConsentID:        consentID,
		InstitutionID:    institutionID,
		ConsentExpiresAt: auth.ConsentExpiresAt,
	}
	if err := m.store.Save(ctx, cred); err != nil {
		return Initiation{}, err
	}
	m.record(ctx, audit.EventConnectInitiated, cred, nil)
	return Initiation{AuthorizationURL: auth.URL, ConsentID: consentID}, nil
}

// CompleteAuthorization finishes the flow started by Initiate. Completing an
// already active consent returns it unchanged.
func (m *Manager) CompleteAuthorization(ctx context.Context, consentID string, params map[string]string) (provider.Credential, error) {
	cred, err := m.store.FindByConsent(ctx, consentID)
	if errors.Is(err, credentials.ErrNotFound) {
		return provider.Credential{}, fmt.Errorf("%w: consent %s", ErrNotConnected, consentID)
	}
	if err != nil {
		return provider.Credential{}, err
	}
	switch cred.State {
	case provider.StateActive:
		return cred, nil
	case provider.StatePendingAuthorization:
	default:
		return provider.Credential{}, fmt.Errorf("%w: %s", ErrNotPending, cred.State)
	}
	az, err := m.authorizer(cred.Provider)
	if err != nil {
		return provider.Credential{}, err
	}
	release, err := m.locker.Acquire(ctx, lockKey(cred.CompanyID, cred.Provider))
	if err != nil {
		return provider.Credential{}, err
	}
	defer release()

	active, err := az.CompleteAuthorization(ctx, cred, params)
	if err != nil {
		return provider.Credential{}, err
	}
	active.CompanyID, active.Provider = cred.CompanyID, cred.Provider
	active.State = provider.StateActive
	if err := m.store.Save(ctx, active); err != nil {
		return provider.Credential{}, err
	}
	m.record(ctx, audit.EventConnectCompleted, active, nil)
	return active, nil
}

// ConsentOwner returns the company a consent was initiated for.
func (m *Manager) ConsentOwner(ctx context.Context, consentID string) (string, error) {
	cred, err := m.store.FindByConsent(ctx, consentID)
	if errors.Is(err, credentials.ErrNotFound) {
		return "", fmt.Errorf("%w: consent %s", ErrNotConnected, consentID)
	}
	if err != nil {
		return "", err
	}
	return cred.CompanyID, nil
}

// CheckExpiry reports whether cred must be renewed at now. It considers both
// the access token and the consent horizon.
func CheckExpiry(cred provider.Credential, now time.Time) bool {
	return cred.Expired(now)
}

// Refresh exchanges the refresh token through the provider adapter. A
// rejected refresh flips the credential to expired_needs_renewal and returns
// ErrReconnectRequired; transient failures leave state untouched.
func (m *Manager) Refresh(ctx context.Context, cred provider.Credential) (provider.Credential, error) {
	switch cred.State {
	case provider.StateRevoked, provider.StatePendingAuthorization:
		return provider.Credential{}, fmt.Errorf("%w: connection is %s", ErrReconnectRequired, cred.State)
	}
	a, err := m.registry.Get(cred.Provider)
	if err != nil {
		return provider.Credential{}, err
	}
	release, err := m.locker.Acquire(ctx, lockKey(cred.CompanyID, cred.Provider))
	if err != nil {
		return provider.Credential{}, err
	}
	defer release()

	now := m.now().UTC()
	// another run may have refreshed while we waited for the lock
	if current, err := m.store.Get(ctx, cred.CompanyID, cred.Provider); err == nil && current.Usable(now) {
		return current, nil
	}
	if cred.ConsentExpiresAt != nil && !now.Before(*cred.ConsentExpiresAt) {
		m.expireOrLog(ctx, cred, "consent_horizon")
		return provider.Credential{}, fmt.Errorf("%w: consent expired at %s", ErrReconnectRequired, cred.ConsentExpiresAt.Format(time.RFC3339))
	}

	fresh, err := a.RefreshCredential(ctx, cred)
	if err != nil {
		if errors.Is(err, provider.ErrAuthExpired) {
			obs.CredentialRefresh(string(cred.Provider), "auth_expired")
			m.expireOrLog(ctx, cred, "refresh_rejected")
			return provider.Credential{}, fmt.Errorf("%w: %v", ErrReconnectRequired, err)
		}
		obs.CredentialRefresh(string(cred.Provider), "error")
		return provider.Credential{}, fmt.Errorf("refresh %s credential: %w", cred.Provider, err)
	}
	fresh.CompanyID, fresh.Provider = cred.CompanyID, cred.Provider
	fresh.State = provider.StateActive
	if fresh.Expired(now) {
		obs.CredentialRefresh(string(cred.Provider), "expired")
		m.expireOrLog(ctx, cred, "refresh_returned_expired")
		return provider.Credential{}, fmt.Errorf("%w: refreshed token already expired", ErrReconnectRequired)
	}
	if err := m.store.Save(ctx, fresh); err != nil {
		return provider.Credential{}, err
	}
	obs.CredentialRefresh(string(cred.Provider), "ok")
	obs.Logger().WithFields(logrus.Fields{
		"company_id": cred.CompanyID,
		"provider":   cred.Provider,
	}).Info("credential refreshed")
	return fresh, nil
}

// EnsureUsable returns an active, unexpired credential for the pair, refreshing
// at most once.
func (m *Manager) EnsureUsable(ctx context.Context, companyID string, p provider.ID) (provider.Credential, error) {
	cred, err := m.store.Get(ctx, companyID, p)
	if errors.Is(err, credentials.ErrNotFound) {
		return provider.Credential{}, fmt.Errorf("%w: %s", ErrNotConnected, p)
	}
	if err != nil {
		return provider.Credential{}, err
	}
	switch cred.State {
	case provider.StatePendingAuthorization:
		return provider.Credential{}, fmt.Errorf("%w: %s authorization not completed", ErrNotConnected, p)
	case provider.StateRevoked:
		return provider.Credential{}, fmt.Errorf("%w: %s disconnected", ErrReconnectRequired, p)
	case provider.StateActive:
		if !CheckExpiry(cred, m.now()) {
			return cred, nil
		}
	}
	return m.Refresh(ctx, cred)
}

// MarkExpired flags the connection as needing renewal. Idempotent.
func (m *Manager) MarkExpired(ctx context.Context, companyID string, p provider.ID) error {
	cred, err := m.store.Get(ctx, companyID, p)
	if err != nil {
		return err
	}
	return m.markExpired(ctx, cred, "auth_error")
}

func (m *Manager) markExpired(ctx context.Context, cred provider.Credential, reason string) error {
	if cred.State == provider.StateExpiredNeedsRenewal || cred.State == provider.StateRevoked {
		return nil
	}
	if err := m.store.MarkExpired(ctx, cred.CompanyID, cred.Provider); err != nil {
		return err
	}
	cred.State = provider.StateExpiredNeedsRenewal
	m.record(ctx, audit.EventCredentialExpired, cred, map[string]any{"reason": reason})
	return nil
}

// expireOrLog is markExpired for paths that already answer with
// ErrReconnectRequired; a store failure is logged instead of returned.
func (m *Manager) expireOrLog(ctx context.Context, cred provider.Credential, reason string) {
	if err := m.markExpired(ctx, cred, reason); err != nil {
		obs.Logger().WithError(err).WithFields(logrus.Fields{
			"company_id": cred.CompanyID,
			"provider":   cred.Provider,
			"reason":     reason,
		}).Warn("mark expired failed")
	}
}

// Disconnect revokes the connection and drops its tokens.
func (m *Manager) Disconnect(ctx context.Context, companyID string, p provider.ID) error {
	cred, err := m.store.Get(ctx, companyID, p)
	if errors.Is(err, credentials.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotConnected, p)
	}
	if err != nil {
		return err
	}
	if cred.State == provider.StateRevoked {
		return nil
	}
	cred.State = provider.StateRevoked
	cred.AccessToken, cred.RefreshToken = "", ""
	cred.ExpiresAt = nil
	if err := m.store.Save(ctx, cred); err != nil {
		return err
	}
	m.record(ctx, audit.EventCredentialRevoked, cred, nil)
	return nil
}

// ConnectionStatus is the caller-facing view of a credential.
type ConnectionStatus struct {
	CompanyID        string                   `json:"company_id"`
	Provider         provider.ID              `json:"provider"`
	State            provider.CredentialState `json:"state"`
	ExpiresAt        *time.Time               `json:"expires_at"`
	ConsentExpiresAt *time.Time               `json:"consent_expires_at,omitempty"`
	NeedsRenewal     bool                     `json:"needs_renewal"`
	AccountIDs       []string                 `json:"account_ids,omitempty"`
}

func (m *Manager) Status(ctx context.Context, companyID string, p provider.ID) (ConnectionStatus, error) {
	out := ConnectionStatus{CompanyID: companyID, Provider: p, State: StateUninitiated}
	cred, err := m.store.Get(ctx, companyID, p)
	if errors.Is(err, credentials.ErrNotFound) {
		return out, nil
	}
	if err != nil {
		return ConnectionStatus{}, err
	}
	out.State = cred.State
	out.ExpiresAt = cred.ExpiresAt
	out.ConsentExpiresAt = cred.ConsentExpiresAt
	out.AccountIDs = cred.AccountIDs
	switch cred.State {
	case provider.StateExpiredNeedsRenewal, provider.StateRevoked:
		out.NeedsRenewal = true
	case provider.StateActive:
		out.NeedsRenewal = cred.ConsentExpiresAt != nil && !m.now().Before(*cred.ConsentExpiresAt)
	}
	return out, nil
}

func (m *Manager) record(ctx context.Context, event string, cred provider.Credential, extra map[string]any) {
	fields := map[string]any{
		"company_id": cred.CompanyID,
		"provider":   cred.Provider,
		"state":      cred.State,
	}
	if cred.ConsentID != "" {
		fields["consent_id"] = cred.ConsentID
	}
	for k, v := range extra {
		fields[k] = v
	}
	_ = audit.LogEvent(ctx, event, fields)
	m.events.Publish(stream.Event{
		Kind:      stream.KindConsent,
		CompanyID: cred.CompanyID,
		Provider:  string(cred.Provider),
		Status:    string(cred.State),
		Message:   event,
	})
}

func lockKey(companyID string, p provider.ID) string {
	return "credential:" + companyID + ":" + string(p)
}
