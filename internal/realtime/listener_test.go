package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oxdn/community/internal/errs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var fastRetry = RetryPolicy{MaxRetries: 3, Delay: 5 * time.Millisecond}

type failingFeed struct {
	calls atomic.Int64
	err   error
}

func (f *failingFeed) Subscribe(context.Context, Filter) (Subscription, error) {
	f.calls.Add(1)
	return nil, f.err
}

func (f *failingFeed) Publish(context.Context, ChangeEvent) error {
	return nil
}

// flakyFeed fails the first failures subscriptions and then delegates to a dispatcher.
type flakyFeed struct {
	*Dispatcher
	mu       sync.Mutex
	failures int
}

func (f *flakyFeed) Subscribe(ctx context.Context, filter Filter) (Subscription, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return nil, errors.New("channel error")
	}
	f.mu.Unlock()
	return f.Dispatcher.Subscribe(ctx, filter)
}

func waitForSubscribers(t *testing.T, dispatcher *Dispatcher, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for dispatcher.SubscriberCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d subscribers, got %d", want, dispatcher.SubscriberCount())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestListenUserRejectsMissingUserID(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	listener, err := ListenUser(context.Background(), NewDispatcher(), "user_activity", "  ", func(ChangeEvent) {}, ListenerConfig{
		Logger: zap.New(core),
	})
	if listener != nil {
		t.Fatal("expected nil listener")
	}
	if !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if logs.Len() != 1 {
		t.Fatalf("expected rejection to be logged, got %d entries", logs.Len())
	}
}

func TestListenerStampsReceiptTime(t *testing.T) {
	dispatcher := NewDispatcher()
	receivedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := make(chan ChangeEvent, 1)

	listener, err := ListenUser(context.Background(), dispatcher, "user_activity", "user-1", func(event ChangeEvent) {
		events <- event
	}, ListenerConfig{
		Retry: fastRetry,
		Clock: func() time.Time { return receivedAt },
	})
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer listener.Stop()
	waitForSubscribers(t, dispatcher, 1)

	_ = dispatcher.Publish(context.Background(), mustEvent(t, EventUpdate, "user_activity", "user-1"))

	select {
	case event := <-events:
		if !event.ReceivedAt.Equal(receivedAt) {
			t.Fatalf("expected receipt stamp %v, got %v", receivedAt, event.ReceivedAt)
		}
	case <-time.After(time.Second):
		t.Fatal("expected event delivery")
	}
}

func TestListenerGivesUpAfterRetryBudget(t *testing.T) {
	feed := &failingFeed{err: errors.New("subscription error")}
	core, logs := observer.New(zapcore.DebugLevel)

	listener, err := Listen(context.Background(), feed, Filter{Table: "user_activity"}, func(ChangeEvent) {}, ListenerConfig{
		Retry:  fastRetry,
		Logger: zap.New(core),
	})
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}

	select {
	case <-listener.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected listener to give up")
	}
	if got := feed.calls.Load(); got != 4 {
		t.Fatalf("expected 1 attempt plus 3 retries, got %d", got)
	}
	if listener.Attempts() != 4 {
		t.Fatalf("expected attempts to be tracked, got %d", listener.Attempts())
	}
	if logs.FilterMessage("realtime subscription abandoned").Len() != 1 {
		t.Fatalf("expected abandon log entry")
	}
}

func TestListenerRecoversWithinRetryBudget(t *testing.T) {
	feed := &flakyFeed{Dispatcher: NewDispatcher(), failures: 2}
	events := make(chan ChangeEvent, 1)

	listener, err := ListenUser(context.Background(), feed, "user_activity", "user-9", func(event ChangeEvent) {
		events <- event
	}, ListenerConfig{Retry: fastRetry})
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer listener.Stop()
	waitForSubscribers(t, feed.Dispatcher, 1)

	_ = feed.Publish(context.Background(), mustEvent(t, EventUpdate, "user_activity", "user-9"))
	select {
	case <-events:
	case <-time.After(time.Second):
		t.Fatal("expected delivery after recovering")
	}
	if listener.Attempts() != 3 {
		t.Fatalf("expected three attempts, got %d", listener.Attempts())
	}
}

func TestListenerStopIsIdempotentAndHaltsDelivery(t *testing.T) {
	dispatcher := NewDispatcher()
	var delivered atomic.Int64

	listener, err := Listen(context.Background(), dispatcher, Filter{Table: "user_activity"}, func(ChangeEvent) {
		delivered.Add(1)
	}, ListenerConfig{Retry: fastRetry})
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	waitForSubscribers(t, dispatcher, 1)

	listener.Stop()
	listener.Stop()

	select {
	case <-listener.Done():
	case <-time.After(time.Second):
		t.Fatal("expected listener to exit after stop")
	}
	_ = dispatcher.Publish(context.Background(), mustEvent(t, EventUpdate, "user_activity", "user-1"))
	time.Sleep(20 * time.Millisecond)

	if delivered.Load() != 0 {
		t.Fatalf("expected no deliveries after stop, got %d", delivered.Load())
	}
	if dispatcher.SubscriberCount() != 0 {
		t.Fatalf("expected subscription to be released")
	}
}

func TestListenerStopHaltsPendingRetry(t *testing.T) {
	feed := &failingFeed{err: errors.New("subscription error")}
	listener, err := Listen(context.Background(), feed, Filter{Table: "user_activity"}, func(ChangeEvent) {}, ListenerConfig{
		Retry: RetryPolicy{MaxRetries: 3, Delay: time.Hour},
	})
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for feed.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	listener.Stop()

	select {
	case <-listener.Done():
	case <-time.After(time.Second):
		t.Fatal("expected stop to cancel the pending retry")
	}
	if feed.calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", feed.calls.Load())
	}
}
