// Package batch runs bounded, per-company, per-period sync batches: select due
// records that are not yet synced, push them to one provider with bounded
// concurrency and record every outcome before reporting.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"ledgerlink.org/internal/audit"
	"ledgerlink.org/internal/consent"
	"ledgerlink.org/internal/ids"
	"ledgerlink.org/internal/ledger"
	"ledgerlink.org/internal/lock"
	"ledgerlink.org/internal/obs"
	"ledgerlink.org/internal/provider"
	"ledgerlink.org/internal/stream"
	"ledgerlink.org/internal/syncstate"
)

var (
	ErrInvalidRequest = errors.New("invalid sync request")
	ErrNotSyncable    = errors.New("provider does not accept records")
)

// Credentials is the part of the consent manager a run needs.
type Credentials interface {
	EnsureUsable(ctx context.Context, companyID string, p provider.ID) (provider.Credential, error)
	MarkExpired(ctx context.Context, companyID string, p provider.ID) error
}

var _ Credentials = (*consent.Manager)(nil)

type Request struct {
	CompanyID  string
	Provider   provider.ID
	EntityType ledger.EntityType
	Period     ledger.Period
}

func (r Request) validate() error {
	switch {
	case r.CompanyID == "":
		return fmt.Errorf("%w: company_id required", ErrInvalidRequest)
	case r.Provider == "":
		return fmt.Errorf("%w: provider required", ErrInvalidRequest)
	case r.EntityType == "":
		return fmt.Errorf("%w: entity_type required", ErrInvalidRequest)
	case r.Period.IsZero():
		return fmt.Errorf("%w: period required", ErrInvalidRequest)
	}
	return nil
}

type phase string

const (
	phaseSelecting   phase = "selecting"
	phaseDispatching phase = "dispatching"
	phaseAggregating phase = "aggregating"
	phaseDone        phase = "done"
)

type Orchestrator struct {
	cfg       Config
	source    ledger.Source
	tracker   syncstate.Tracker
	creds     Credentials
	registry  *provider.Registry
	locker    lock.Locker
	events    *stream.Stream
	throttles *throttles
	now       func() time.Time
	sleep     sleepFunc
}

type Option func(*Orchestrator)

func WithLocker(l lock.Locker) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.locker = l
		}
	}
}

func WithStream(s *stream.Stream) Option { return func(o *Orchestrator) { o.events = s } }

func WithClock(fn func() time.Time) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.now = fn
		}
	}
}

func withSleep(fn sleepFunc) Option { return func(o *Orchestrator) { o.sleep = fn } }

func New(cfg Config, source ledger.Source, tracker syncstate.Tracker, creds Credentials, registry *provider.Registry, opts ...Option) *Orchestrator {
	cfg = cfg.normalized()
	o := &Orchestrator{
		cfg:       cfg,
		source:    source,
		tracker:   tracker,
		creds:     creds,
		registry:  registry,
		locker:    lock.NewLocal(),
		throttles: newThrottles(cfg.RatePerSec, cfg.Burst),
		now:       time.Now,
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// run carries the per-run state shared by workers.
type run struct {
	req     Request
	id      string
	adapter provider.Adapter
	cred    provider.Credential
	meta    syncstate.Meta
	log     *logrus.Entry

	// ctx stops new dispatches; detached outlives it for in-flight calls.
	ctx      context.Context
	cancel   context.CancelFunc
	detached context.Context

	abortOnce sync.Once
	authErr   error
}

// Run executes one batch. Errors are returned only for bad requests and
// infrastructure failures; item failures and credential aborts are reported.
func (o *Orchestrator) Run(ctx context.Context, req Request) (rep Report, err error) {
	if err := req.validate(); err != nil {
		return Report{}, err
	}
	adapter, err := o.registry.Get(req.Provider)
	if err != nil {
		return Report{}, err
	}
	if adapter.Kind() != provider.KindAccounting {
		return Report{}, fmt.Errorf("%w: %s", ErrNotSyncable, req.Provider)
	}

	r := &run{
		req:     req,
		id:      ids.WithPrefix("run"),
		adapter: adapter,
		meta:    syncstate.Meta{CompanyID: req.CompanyID, EntityType: req.EntityType, Period: req.Period},
	}
	r.log = obs.Logger().WithFields(logrus.Fields{
		"run_id":      r.id,
		"company_id":  req.CompanyID,
		"provider":    req.Provider,
		"entity_type": req.EntityType,
		"period":      req.Period.String(),
	})
	rep = Report{
		RunID:      r.id,
		CompanyID:  req.CompanyID,
		Provider:   string(req.Provider),
		EntityType: string(req.EntityType),
		Period:     req.Period.String(),
		Items:      []ItemResult{},
		StartedAt:  o.now().UTC(),
	}
	defer func() { o.finish(ctx, r, &rep) }()

	r.log.WithField("phase", phaseSelecting).Debug("batch phase")
	entities, due, err := o.selectDue(ctx, req)
	if err != nil {
		return rep, err
	}
	rep.Selected = len(due)
	if len(due) == 0 {
		rep.Message = "nothing to sync"
		return rep, nil
	}

	cred, err := o.creds.EnsureUsable(ctx, req.CompanyID, req.Provider)
	if err != nil {
		rep.Aborted = true
		rep.AbortReason = AbortCredential
		if errors.Is(err, consent.ErrReconnectRequired) || errors.Is(err, consent.ErrNotConnected) {
			rep.Message = "reconnect required: " + err.Error()
		} else {
			rep.Message = "credential unavailable: " + err.Error()
		}
		return rep, nil
	}
	r.cred = cred

	r.log.WithFields(logrus.Fields{"phase": phaseDispatching, "items": len(due)}).Debug("batch phase")
	results := o.dispatch(ctx, r, entities, due)

	r.log.WithField("phase", phaseAggregating).Debug("batch phase")
	for _, res := range results {
		if res.Status == "" {
			continue
		}
		rep.add(res)
	}
	rep.Message = rep.Summary()
	switch {
	case r.authErr != nil:
		rep.Aborted = true
		rep.AbortReason = AbortCredential
		rep.Message = fmt.Sprintf("reconnect required: %s rejected the credential; %s", req.Provider, rep.Summary())
	case ctx.Err() != nil:
		rep.Aborted = true
		rep.AbortReason = AbortCancelled
		rep.Message = rep.Summary() + " (cancelled)"
	}
	return rep, nil
}

// selectDue returns due entities by id and the ordered ids that still need work.
func (o *Orchestrator) selectDue(ctx context.Context, req Request) (map[string]ledger.Entity, []string, error) {
	due, err := o.source.ListDueRecords(ctx, req.CompanyID, req.EntityType, req.Period)
	if err != nil {
		return nil, nil, fmt.Errorf("list due records: %w", err)
	}
	entities := make(map[string]ledger.Entity, len(due))
	order := make([]string, 0, len(due))
	for _, e := range due {
		if _, dup := entities[e.ID]; dup {
			continue
		}
		entities[e.ID] = e
		order = append(order, e.ID)
	}
	if len(order) == 0 {
		return entities, nil, nil
	}
	pending, err := o.tracker.PendingNotSynced(ctx, syncstate.Query{
		CompanyID:  req.CompanyID,
		Provider:   req.Provider,
		EntityType: req.EntityType,
		Period:     req.Period,
		Due:        order,
		Limit:      o.cfg.BatchSize,
		Lease:      o.cfg.PendingLease,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("select pending: %w", err)
	}
	return entities, pending, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, r *run, entities map[string]ledger.Entity, due []string) []ItemResult {
	r.ctx, r.cancel = context.WithCancel(ctx)
	defer r.cancel()
	r.detached = context.WithoutCancel(ctx)

	results := make([]ItemResult, len(due))
	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)
	for i, id := range due {
		if r.ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if r.ctx.Err() != nil {
				return nil
			}
			results[i] = o.process(r, entities[id])
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// process drives one item: lock, claim, call with retries, record. A zero
// ItemResult means the item was never dispatched.
func (o *Orchestrator) process(r *run, e ledger.Entity) ItemResult {
	key := syncstate.Key{InternalID: e.ID, Provider: r.req.Provider}
	log := r.log.WithField("internal_id", e.ID)

	release, err := o.locker.Acquire(r.ctx, "sync:"+key.String())
	if err != nil {
		if r.ctx.Err() != nil {
			return ItemResult{}
		}
		return o.skip(r, e, fmt.Sprintf("lock: %v", err))
	}
	defer release()

	th := o.throttles.get(r.req.Provider)
	if err := th.wait(r.ctx, o.now, o.sleep); err != nil {
		return ItemResult{}
	}
	if _, err := o.tracker.Claim(r.detached, key, r.meta, o.cfg.PendingLease); err != nil {
		if errors.Is(err, syncstate.ErrAlreadySynced) || errors.Is(err, syncstate.ErrInFlight) {
			return o.skip(r, e, err.Error())
		}
		log.WithError(err).Error("claim failed")
		return o.skip(r, e, "claim: "+err.Error())
	}

	var (
		extID    string
		callErr  error
		attempts int
	)
	for {
		attempts++
		extID, callErr = o.call(r, e)
		if callErr == nil || errors.Is(callErr, provider.ErrAuthExpired) || !provider.Retryable(callErr) || attempts >= o.cfg.MaxAttempts {
			break
		}
		delay := o.cfg.backoff(attempts)
		if ra := provider.RetryAfterOf(callErr); ra > 0 {
			th.pause(o.now().Add(ra))
			if ra > delay {
				delay = ra
			}
		}
		log.WithError(callErr).WithFields(logrus.Fields{"attempt": attempts, "delay": delay.String()}).Warn("retrying provider call")
		if o.sleep(r.ctx, delay) != nil || th.wait(r.ctx, o.now, o.sleep) != nil {
			break
		}
	}

	outcome := syncstate.Succeeded(extID, o.now())
	if callErr != nil {
		outcome = syncstate.Failed(callErr, o.now())
	}
	res := ItemResult{InternalID: e.ID, Attempts: attempts}
	if _, err := o.tracker.RecordAttempt(r.detached, key, r.meta, outcome); err != nil {
		// the external record exists but the local trace may not
		log.WithError(err).WithField("external_id", extID).Error("record attempt failed")
		res.Status, res.Error, res.ErrorKind = ItemFailed, "record attempt: "+err.Error(), "store"
		o.itemDone(r, e, res)
		return res
	}
	if callErr != nil {
		res.Status, res.Error, res.ErrorKind = ItemFailed, callErr.Error(), provider.KindOf(callErr)
		if errors.Is(callErr, provider.ErrAuthExpired) {
			o.abort(r, callErr)
		}
	} else {
		res.Status, res.ExternalID = ItemSynced, extID
	}
	o.itemDone(r, e, res)
	return res
}

func (o *Orchestrator) call(r *run, e ledger.Entity) (string, error) {
	ctx, cancel := context.WithTimeout(r.detached, o.cfg.CallTimeout)
	defer cancel()
	id, err := r.adapter.CreateRecord(ctx, r.cred, r.req.CompanyID, e)
	if err != nil {
		return "", normalize(r.req.Provider, err)
	}
	if id == "" {
		return "", &provider.Error{Kind: provider.ErrTransient, Provider: r.req.Provider, Op: "create_record", Err: errors.New("empty external id")}
	}
	return id, nil
}

// normalize gives errors outside the taxonomy a kind. Unknown failures,
// including call timeouts, are transient.
func normalize(p provider.ID, err error) error {
	for _, k := range []error{provider.ErrAuthExpired, provider.ErrValidation, provider.ErrRateLimited, provider.ErrTransient} {
		if errors.Is(err, k) {
			return err
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("call timed out: %w", err)
	}
	return &provider.Error{Kind: provider.ErrTransient, Provider: p, Op: "create_record", Err: err}
}

// abort stops dispatching and flags the credential. Runs once per run.
func (o *Orchestrator) abort(r *run, cause error) {
	r.abortOnce.Do(func() {
		r.authErr = cause
		r.cancel()
		if err := o.creds.MarkExpired(r.detached, r.req.CompanyID, r.req.Provider); err != nil {
			r.log.WithError(err).Error("mark credential expired")
		}
		r.log.WithError(cause).Warn("batch aborted: provider rejected credential")
	})
}

func (o *Orchestrator) skip(r *run, e ledger.Entity, reason string) ItemResult {
	res := ItemResult{InternalID: e.ID, Status: ItemSkipped, Error: reason}
	o.itemDone(r, e, res)
	return res
}

func (o *Orchestrator) itemDone(r *run, e ledger.Entity, res ItemResult) {
	obs.SyncItem(string(r.req.Provider), string(r.req.EntityType), res.Status)
	o.events.Publish(stream.Event{
		Kind:       stream.KindItem,
		RunID:      r.id,
		CompanyID:  r.req.CompanyID,
		Provider:   string(r.req.Provider),
		EntityType: string(e.Type),
		InternalID: e.ID,
		ExternalID: res.ExternalID,
		Status:     res.Status,
		Error:      res.Error,
	})
}

func (o *Orchestrator) finish(ctx context.Context, r *run, rep *Report) {
	rep.FinishedAt = o.now().UTC()
	obs.SyncBatch(rep.Provider, rep.result())
	o.events.Publish(stream.Event{
		Kind:       stream.KindBatch,
		RunID:      rep.RunID,
		CompanyID:  rep.CompanyID,
		Provider:   rep.Provider,
		EntityType: rep.EntityType,
		Status:     rep.result(),
		Message:    rep.Message,
	})
	_ = audit.LogEvent(ctx, audit.EventSyncBatch, map[string]any{
		"run_id":      rep.RunID,
		"company_id":  rep.CompanyID,
		"provider":    rep.Provider,
		"entity_type": rep.EntityType,
		"period":      rep.Period,
		"processed":   rep.Processed,
		"succeeded":   rep.Succeeded,
		"failed":      rep.Failed,
		"skipped":     rep.Skipped,
		"aborted":     rep.Aborted,
	})
	r.log.WithFields(logrus.Fields{
		"phase":     phaseDone,
		"processed": rep.Processed,
		"succeeded": rep.Succeeded,
		"failed":    rep.Failed,
		"skipped":   rep.Skipped,
		"aborted":   rep.Aborted,
	}).Info(rep.Message)
}
