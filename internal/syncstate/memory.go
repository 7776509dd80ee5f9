package syncstate

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemory implements Tracker with in-process concurrency safety. All writes
// go through one mutex, so writes for the same key never interleave.
type InMemory struct {
	mu   sync.Mutex
	now  func() time.Time
	recs map[Key]Record
}

type Option func(*InMemory)

func WithClock(fn func() time.Time) Option {
	return func(s *InMemory) {
		if fn != nil {
			s.now = fn
		}
	}
}

func NewInMemory(opts ...Option) *InMemory {
	s := &InMemory{now: time.Now, recs: make(map[Key]Record)}
	for _, o := range opts {
		o(s)
	}
	return s
}

var _ Tracker = (*InMemory)(nil)

func (s *InMemory) GetStatus(_ context.Context, k Key) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.recs[k]; ok {
		return r, nil
	}
	return Record{InternalID: k.InternalID, Provider: k.Provider, Status: StatusNotSynced}, nil
}

func (s *InMemory) load(k Key, m Meta, now time.Time) Record {
	r, ok := s.recs[k]
	if !ok {
		r = Record{
			InternalID: k.InternalID,
			Provider:   k.Provider,
			Status:     StatusNotSynced,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}
	if r.CompanyID == "" {
		r.CompanyID = m.CompanyID
	}
	if r.EntityType == "" {
		r.EntityType = m.EntityType
	}
	if r.Period == "" && !m.Period.IsZero() {
		r.Period = m.Period.String()
	}
	return r
}

func (s *InMemory) Claim(_ context.Context, k Key, m Meta, lease time.Duration) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	r := s.load(k, m, now)
	if err := Claimable(r, now, lease); err != nil {
		return r, err
	}
	r.Status = StatusPending
	r.LastAttemptAt = &now
	r.UpdatedAt = now
	s.recs[k] = r
	return r, nil
}

func (s *InMemory) RecordAttempt(_ context.Context, k Key, m Meta, o Outcome) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	if o.At.IsZero() {
		o.At = now
	}
	r := s.load(k, m, now)
	next, changed, err := Apply(r, o)
	if err != nil || !changed {
		return next, err
	}
	s.recs[k] = next
	return next, nil
}

func (s *InMemory) PendingNotSynced(_ context.Context, q Query) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	out := make([]string, 0, len(q.Due))
	seen := make(map[string]struct{}, len(q.Due))
	for _, id := range q.Due {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if r, ok := s.recs[Key{InternalID: id, Provider: q.Provider}]; ok {
			if Claimable(r, now, q.Lease) != nil {
				continue
			}
		}
		out = append(out, id)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// List returns records for the query's company and provider (and, when set,
// entity type and period), ordered by internal id.
func (s *InMemory) List(_ context.Context, q Query) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, r := range s.recs {
		if q.CompanyID != "" && r.CompanyID != q.CompanyID {
			continue
		}
		if q.Provider != "" && r.Provider != q.Provider {
			continue
		}
		if q.EntityType != "" && r.EntityType != q.EntityType {
			continue
		}
		if !q.Period.IsZero() && r.Period != q.Period.String() {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InternalID < out[j].InternalID })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}
