package consent

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"ledgerlink.org/internal/audit"
	"ledgerlink.org/internal/credentials"
	"ledgerlink.org/internal/obs"
	"ledgerlink.org/internal/provider"
)

// SweepReport lists the connections touched by one Sweep.
type SweepReport struct {
	Expired  []ConnectionStatus `json:"expired"`
	Expiring []ConnectionStatus `json:"expiring"`
}

// Sweep scans active credentials. Those past either horizon are marked
// expired; those whose consent horizon falls within warnWithin are reported
// as expiring so the user can be prompted to re-authorise in time.
func (m *Manager) Sweep(ctx context.Context, now time.Time, warnWithin time.Duration) (SweepReport, error) {
	creds, err := m.store.List(ctx, credentials.Filter{States: []provider.CredentialState{provider.StateActive}})
	if err != nil {
		return SweepReport{}, err
	}
	var rep SweepReport
	for _, c := range creds {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		st := ConnectionStatus{
			CompanyID:        c.CompanyID,
			Provider:         c.Provider,
			ExpiresAt:        c.ExpiresAt,
			ConsentExpiresAt: c.ConsentExpiresAt,
		}
		switch {
		case CheckExpiry(c, now):
			if err := m.markExpired(ctx, c, "sweep"); err != nil {
				obs.Logger().WithError(err).WithFields(logrus.Fields{
					"company_id": c.CompanyID,
					"provider":   c.Provider,
				}).Warn("sweep: mark expired failed")
				continue
			}
			st.State, st.NeedsRenewal = provider.StateExpiredNeedsRenewal, true
			rep.Expired = append(rep.Expired, st)
			obs.ConsentExpiryAlert(string(c.Provider), "expired")
		case c.ConsentExpiresAt != nil && c.ConsentExpiresAt.Sub(now) <= warnWithin:
			st.State = c.State
			rep.Expiring = append(rep.Expiring, st)
			obs.ConsentExpiryAlert(string(c.Provider), "expiring")
			m.record(ctx, audit.EventConsentExpiring, c, map[string]any{
				"consent_expires_at": c.ConsentExpiresAt.UTC().Format(time.RFC3339),
			})
		}
	}
	return rep, nil
}
