package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Source is the read side of the internal ledger: it lists records of one type
// that fall due for a company within a period. The ledger itself is owned by
// another service; this package only describes what the sync engine consumes.
type Source interface {
	ListDueRecords(ctx context.Context, companyID string, t EntityType, p Period) ([]Entity, error)
}

// InMemory implements Source with in-process concurrency safety.
// Intended for tests and local runs; production reads ledger_entries (see store/pg).
type InMemory struct {
	mu      sync.RWMutex
	entries map[string]Entity // id -> entity
}

// NewInMemory creates an empty ledger source.
func NewInMemory(entries ...Entity) *InMemory {
	s := &InMemory{entries: make(map[string]Entity, len(entries))}
	for _, e := range entries {
		s.entries[e.ID] = e
	}
	return s
}

// Put inserts or replaces an entity.
func (s *InMemory) Put(e Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.ID] = e
}

// Get returns a single entity by id.
func (s *InMemory) Get(_ context.Context, id string) (Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return Entity{}, ErrNotFound
	}
	return e, nil
}

// ListDueRecords returns matching entities ordered by date, then id.
func (s *InMemory) ListDueRecords(_ context.Context, companyID string, t EntityType, p Period) ([]Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Entity
	for _, e := range s.entries {
		if e.CompanyID != companyID || e.Type != t {
			continue
		}
		if !p.Contains(e.Date) {
			continue
		}
		res = append(res, e)
	}
	SortEntities(res)
	return res, nil
}

// SortEntities orders entities by date, then id.
func SortEntities(es []Entity) {
	sort.SliceStable(es, func(i, j int) bool {
		if !es[i].Date.Equal(es[j].Date) {
			return es[i].Date.Before(es[j].Date)
		}
		return strings.Compare(es[i].ID, es[j].ID) < 0
	})
}
