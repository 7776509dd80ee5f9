package stream

import (
	"context"
	"testing"
	"time"
)

func TestPublishFiltersByCompany(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c1 := s.Subscribe(ctx, "c1")
	all := s.Subscribe(ctx, "")

	s.Publish(Event{Kind: KindItem, CompanyID: "c2", InternalID: "x"})
	s.Publish(Event{Kind: KindItem, CompanyID: "c1", InternalID: "e1"})

	select {
	case evt := <-c1:
		if evt.InternalID != "e1" || evt.Timestamp.IsZero() {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("c1 subscriber got nothing")
	}
	for _, want := range []string{"x", "e1"} {
		select {
		case evt := <-all:
			if evt.InternalID != want {
				t.Fatalf("got %s, want %s", evt.InternalID, want)
			}
		case <-time.After(time.Second):
			t.Fatal("wildcard subscriber starved")
		}
	}
}

func TestSubscriptionClosesWithContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx, "c1")
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	if s.Subscribers() != 0 {
		t.Fatalf("subscribers = %d", s.Subscribers())
	}
	var nilStream *Stream
	nilStream.Publish(Event{})
}
