package realtime

import (
	"context"
	"testing"
	"time"
)

func mustEvent(t *testing.T, eventType, table, userID string) ChangeEvent {
	t.Helper()
	event, err := NewChangeEvent(eventType, table, userID, map[string]string{"user_id": userID}, time.Now())
	if err != nil {
		t.Fatalf("failed to build change event: %v", err)
	}
	return event
}

func TestDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subscription, err := dispatcher.Subscribe(ctx, Filter{Table: "user_activity", UserID: "user-1"})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer subscription.Close() //nolint:errcheck

	if err := dispatcher.Publish(ctx, mustEvent(t, EventUpdate, "user_activity", "user-1")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case received := <-subscription.Events():
		if received.EventType != EventUpdate {
			t.Fatalf("expected event type %s, got %s", EventUpdate, received.EventType)
		}
		if len(received.Row) == 0 {
			t.Fatalf("expected encoded row")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestDispatcherIsolatedByUserAndTable(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	userStream, err := dispatcher.Subscribe(ctx, Filter{Table: "user_activity", UserID: "user-2"})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	allStream, err := dispatcher.Subscribe(ctx, Filter{Table: "user_activity"})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	_ = dispatcher.Publish(ctx, mustEvent(t, EventUpdate, "user_activity", "user-3"))
	_ = dispatcher.Publish(ctx, mustEvent(t, EventUpdate, "user_stats", "user-2"))

	select {
	case <-userStream.Events():
		t.Fatal("did not expect realtime message for unrelated user or table")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case msg := <-allStream.Events():
		if msg.UserID != "user-3" {
			t.Fatalf("expected user-3, received %s", msg.UserID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message for table-wide subscriber")
	}
}

func TestDispatcherUnregistersOnContextCancel(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	subscription, err := dispatcher.Subscribe(ctx, Filter{Table: "user_activity"})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if dispatcher.SubscriberCount() != 1 {
		t.Fatalf("expected one subscriber, got %d", dispatcher.SubscriberCount())
	}
	cancel()

	select {
	case _, ok := <-subscription.Events():
		if ok {
			t.Fatal("expected closed stream")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected stream to close after cancel")
	}
	if subscription.Err() != nil {
		t.Fatalf("expected clean close, got %v", subscription.Err())
	}
	if dispatcher.SubscriberCount() != 0 {
		t.Fatalf("expected subscriber to be removed, got %d", dispatcher.SubscriberCount())
	}
}

func TestDispatcherRejectsEventsWithoutTable(t *testing.T) {
	dispatcher := NewDispatcher()
	if err := dispatcher.Publish(context.Background(), ChangeEvent{EventType: EventUpdate}); err == nil {
		t.Fatal("expected validation error")
	}
	if _, err := dispatcher.Subscribe(context.Background(), Filter{}); err == nil {
		t.Fatal("expected subscribe to require a table")
	}
}
