package stream

import (
	"context"
	"sync"
	"time"
)

// Event kinds.
const (
	KindItem      = "item"
	KindBatch     = "batch"
	KindConsent   = "consent"
	KindReconcile = "reconcile"
)

// Event describes progress of a sync run (one item outcome, or the batch summary).
type Event struct {
	Kind       string    `json:"kind"`
	RunID      string    `json:"run_id,omitempty"`
	CompanyID  string    `json:"company_id"`
	Provider   string    `json:"provider"`
	EntityType string    `json:"entity_type,omitempty"`
	InternalID string    `json:"internal_id,omitempty"`
	ExternalID string    `json:"external_id,omitempty"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Stream fan-outs events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

type subscriber struct {
	ch        chan Event
	companyID string
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events for companyID ("" for all companies).
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context, companyID string) <-chan Event {
	ch := make(chan Event, 64)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{ch: ch, companyID: companyID}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all matching subscribers.
func (s *Stream) Publish(evt Event) {
	if s == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.companyID != "" && sub.companyID != evt.CompanyID {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Subscribers returns the number of active subscribers.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
