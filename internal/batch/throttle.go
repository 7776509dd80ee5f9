package batch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ledgerlink.org/internal/provider"
)

// throttle paces calls to one provider. A Retry-After from the provider pauses
// every worker, not only the one that received it.
type throttle struct {
	lim *rate.Limiter

	mu    sync.Mutex
	until time.Time
}

func (t *throttle) wait(ctx context.Context, now func() time.Time, sleep sleepFunc) error {
	t.mu.Lock()
	d := t.until.Sub(now())
	t.mu.Unlock()
	if d > 0 {
		if err := sleep(ctx, d); err != nil {
			return err
		}
	}
	return t.lim.Wait(ctx)
}

func (t *throttle) pause(until time.Time) {
	t.mu.Lock()
	if until.After(t.until) {
		t.until = until
	}
	t.mu.Unlock()
}

type throttles struct {
	mu    sync.Mutex
	limit rate.Limit
	burst int
	m     map[provider.ID]*throttle
}

func newThrottles(perSec float64, burst int) *throttles {
	limit := rate.Inf
	if perSec > 0 {
		limit = rate.Limit(perSec)
	}
	return &throttles{limit: limit, burst: burst, m: make(map[provider.ID]*throttle)}
}

func (ts *throttles) get(p provider.ID) *throttle {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t, ok := ts.m[p]
	if !ok {
		t = &throttle{lim: rate.NewLimiter(ts.limit, ts.burst)}
		ts.m[p] = t
	}
	return t
}

type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
