package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"ledgerlink.org/internal/audit"
	"ledgerlink.org/internal/consent"
	"ledgerlink.org/internal/ids"
	"ledgerlink.org/internal/ledger"
	"ledgerlink.org/internal/obs"
	"ledgerlink.org/internal/provider"
	"ledgerlink.org/internal/stream"
)

var (
	ErrInvalidRequest = errors.New("invalid reconcile request")
	ErrNotBanking     = errors.New("provider does not expose bank transactions")
)

// Credentials is the part of the consent manager reconciliation needs.
type Credentials interface {
	EnsureUsable(ctx context.Context, companyID string, p provider.ID) (provider.Credential, error)
	MarkExpired(ctx context.Context, companyID string, p provider.ID) error
}

type Request struct {
	CompanyID string
	Provider  provider.ID
	Period    ledger.Period
}

type Report struct {
	RunID       string   `json:"run_id"`
	CompanyID   string   `json:"company_id"`
	Provider    string   `json:"provider"`
	Period      string   `json:"period"`
	Matched     int      `json:"matched"`
	Unmatched   int      `json:"unmatched"`
	NeedsReview int      `json:"needs_review"`
	Items       []Result `json:"items"`
	// Skipped lists banking providers left out of a run over all connections.
	Skipped []string `json:"skipped,omitempty"`
}

type Service struct {
	source   ledger.Source
	registry *provider.Registry
	creds    Credentials
	repo     Repository
	opts     Options
	events   *stream.Stream
	now      func() time.Time
}

type ServiceOption func(*Service)

func WithStream(s *stream.Stream) ServiceOption { return func(svc *Service) { svc.events = s } }

func WithClock(fn func() time.Time) ServiceOption {
	return func(svc *Service) {
		if fn != nil {
			svc.now = fn
		}
	}
}

func NewService(source ledger.Source, registry *provider.Registry, creds Credentials, repo Repository, opts Options, so ...ServiceOption) *Service {
	s := &Service{source: source, registry: registry, creds: creds, repo: repo, opts: opts, now: time.Now}
	for _, o := range so {
		o(s)
	}
	return s
}

// Run reconciles the period against req.Provider, or against every banking
// provider the company has a usable connection to when req.Provider is empty.
// Payments and transactions matched by earlier runs are never matched again.
func (s *Service) Run(ctx context.Context, req Request) (Report, error) {
	if req.CompanyID == "" || req.Period.IsZero() {
		return Report{}, fmt.Errorf("%w: company_id and period required", ErrInvalidRequest)
	}
	rep := Report{
		RunID:     ids.WithPrefix("rec"),
		CompanyID: req.CompanyID,
		Provider:  string(req.Provider),
		Period:    req.Period.String(),
		Items:     []Result{},
	}
	fresh := 0
	if req.Provider != "" {
		n, err := s.runProvider(ctx, req, &rep)
		if err != nil {
			return Report{}, err
		}
		fresh = n
	} else {
		var done []string
		for _, id := range s.registry.IDs(provider.KindBanking) {
			one := req
			one.Provider = id
			n, err := s.runProvider(ctx, one, &rep)
			if errors.Is(err, consent.ErrNotConnected) || errors.Is(err, consent.ErrReconnectRequired) {
				obs.Logger().WithError(err).WithFields(logrus.Fields{
					"run_id":     rep.RunID,
					"company_id": req.CompanyID,
					"provider":   id,
				}).Debug("banking provider skipped")
				rep.Skipped = append(rep.Skipped, string(id))
				continue
			}
			if err != nil {
				return Report{}, err
			}
			fresh += n
			done = append(done, string(id))
		}
		if len(done) == 0 {
			return Report{}, fmt.Errorf("%w: no usable banking connection for %s", consent.ErrNotConnected, req.CompanyID)
		}
		rep.Provider = strings.Join(done, ",")
	}

	obs.ReconcileResults("matched", rep.Matched)
	obs.ReconcileResults("unmatched", rep.Unmatched)
	obs.ReconcileResults("needs_review", rep.NeedsReview)
	_ = audit.LogEvent(ctx, audit.EventReconcileRun, map[string]any{
		"run_id":       rep.RunID,
		"company_id":   req.CompanyID,
		"provider":     rep.Provider,
		"period":       rep.Period,
		"matched":      rep.Matched,
		"new_matches":  fresh,
		"unmatched":    rep.Unmatched,
		"needs_review": rep.NeedsReview,
	})
	s.events.Publish(stream.Event{
		Kind:      stream.KindReconcile,
		RunID:     rep.RunID,
		CompanyID: req.CompanyID,
		Provider:  rep.Provider,
		Status:    "done",
		Message:   fmt.Sprintf("%d matched, %d unmatched, %d for review", rep.Matched, rep.Unmatched, rep.NeedsReview),
	})
	return rep, nil
}

// runProvider fetches one provider's transactions around the period, matches
// them against the period's open payments and appends the outcome to rep. It
// returns the number of matches it persisted.
func (s *Service) runProvider(ctx context.Context, req Request, rep *Report) (int, error) {
	a, err := s.registry.Get(req.Provider)
	if err != nil {
		return 0, err
	}
	fetcher, ok := a.(provider.TransactionFetcher)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotBanking, req.Provider)
	}
	cred, err := s.creds.EnsureUsable(ctx, req.CompanyID, req.Provider)
	if err != nil {
		return 0, err
	}

	window := time.Duration(s.opts.WindowDays) * 24 * time.Hour
	txns, err := fetcher.FetchTransactions(ctx, cred, req.Period.Range().Widen(window))
	if err != nil {
		if errors.Is(err, provider.ErrAuthExpired) {
			if merr := s.creds.MarkExpired(ctx, req.CompanyID, req.Provider); merr != nil {
				obs.Logger().WithError(merr).WithFields(logrus.Fields{
					"company_id": req.CompanyID,
					"provider":   req.Provider,
				}).Error("mark credential expired")
			}
			return 0, fmt.Errorf("%w: %v", consent.ErrReconnectRequired, err)
		}
		return 0, fmt.Errorf("fetch transactions: %w", err)
	}
	payments, err := s.source.ListDueRecords(ctx, req.CompanyID, ledger.EntityPayment, req.Period)
	if err != nil {
		return 0, fmt.Errorf("list payments: %w", err)
	}

	prior, err := s.repo.List(ctx, req.CompanyID)
	if err != nil {
		return 0, fmt.Errorf("load matches: %w", err)
	}
	byTxn := make(map[string]string, len(prior))
	usedPay := make(map[string]bool, len(prior))
	for _, m := range prior {
		usedPay[m.PaymentID] = true
		if m.Provider == req.Provider {
			byTxn[m.TransactionID] = m.PaymentID
		}
	}
	for i := range txns {
		if pid, ok := byTxn[txns[i].ID]; ok {
			txns[i].ReconciledPaymentID = pid
		}
	}
	open := payments[:0:0]
	for _, p := range payments {
		if !usedPay[p.ID] {
			open = append(open, p)
		}
	}

	results := Match(txns, open, s.opts)
	// unmatched transactions from the widened margin belong to neighbouring periods
	kept := results[:0]
	for _, r := range results {
		if r.Matched() || req.Period.Contains(r.BookingDate) {
			r.Provider = req.Provider
			kept = append(kept, r)
		}
	}
	now := s.now().UTC()
	var fresh []Record
	for _, r := range kept {
		switch {
		case r.Matched():
			rep.Matched++
			if !r.Previous {
				fresh = append(fresh, Record{
					CompanyID:     req.CompanyID,
					Provider:      req.Provider,
					TransactionID: r.TransactionID,
					PaymentID:     r.PaymentID,
					Amount:        r.Amount,
					BookingDate:   r.BookingDate,
					DistanceDays:  r.DistanceDays,
					RunID:         rep.RunID,
					MatchedAt:     now,
				})
			}
		case r.NeedsReview:
			rep.NeedsReview++
		default:
			rep.Unmatched++
		}
	}
	if len(fresh) > 0 {
		if err := s.repo.Save(ctx, fresh); err != nil {
			return 0, fmt.Errorf("save matches: %w", err)
		}
	}
	rep.Items = append(rep.Items, kept...)

	obs.Logger().WithFields(logrus.Fields{
		"run_id":       rep.RunID,
		"company_id":   req.CompanyID,
		"provider":     req.Provider,
		"transactions": len(txns),
		"payments":     len(open),
		"new_matches":  len(fresh),
	}).Info("reconciliation complete")
	return len(fresh), nil
}
