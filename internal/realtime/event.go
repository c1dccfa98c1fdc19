package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
)

var (
	errMissingTable     = errors.New("realtime: table is required")
	errMissingEventType = errors.New("realtime: event type is required")
)

// ChangeEvent describes a committed row change on one table.
type ChangeEvent struct {
	ID          string          `json:"id"`
	EventType   string          `json:"eventType"`
	Table       string          `json:"table"`
	UserID      string          `json:"userId"`
	Row         json.RawMessage `json:"row,omitempty"`
	CommittedAt time.Time       `json:"committedAt"`
	ReceivedAt  time.Time       `json:"receivedAt,omitempty"`
}

// NewChangeEvent encodes row and stamps the event with a fresh identifier.
func NewChangeEvent(eventType, table, userID string, row any, committedAt time.Time) (ChangeEvent, error) {
	if strings.TrimSpace(table) == "" {
		return ChangeEvent{}, errMissingTable
	}
	if strings.TrimSpace(eventType) == "" {
		return ChangeEvent{}, errMissingEventType
	}
	var encoded json.RawMessage
	if row != nil {
		payload, err := json.Marshal(row)
		if err != nil {
			return ChangeEvent{}, err
		}
		encoded = payload
	}
	identifier, err := uuid.NewV7()
	if err != nil {
		return ChangeEvent{}, err
	}
	return ChangeEvent{
		ID:          identifier.String(),
		EventType:   eventType,
		Table:       table,
		UserID:      userID,
		Row:         encoded,
		CommittedAt: committedAt.UTC(),
	}, nil
}

func (e ChangeEvent) validate() error {
	if e.Table == "" {
		return errMissingTable
	}
	if e.EventType == "" {
		return errMissingEventType
	}
	return nil
}

func decodeEvent(payload []byte) (ChangeEvent, error) {
	var event ChangeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return ChangeEvent{}, err
	}
	if err := event.validate(); err != nil {
		return ChangeEvent{}, err
	}
	return event, nil
}

// Filter scopes a subscription to one table and, optionally, one user's rows.
type Filter struct {
	Table  string
	UserID string
}

// Matches reports whether the event falls inside the filter.
func (f Filter) Matches(event ChangeEvent) bool {
	if event.Table != f.Table {
		return false
	}
	return f.UserID == "" || event.UserID == f.UserID
}

// Subscription is a live stream of change events. The Events channel is closed when the
// subscription ends; Err reports why when the transport ended on its own.
type Subscription interface {
	Events() <-chan ChangeEvent
	Err() error
	Close() error
}

// Publisher emits change events after a committed write.
type Publisher interface {
	Publish(ctx context.Context, event ChangeEvent) error
}

// Feed is a change-notification transport.
type Feed interface {
	Publisher
	Subscribe(ctx context.Context, filter Filter) (Subscription, error)
}

type streamSubscription struct {
	mu        sync.Mutex
	events    chan ChangeEvent
	done      chan struct{}
	closed    bool
	err       error
	closeOnce sync.Once
	release   func()
}

func newStreamSubscription(bufferSize int, release func()) *streamSubscription {
	return &streamSubscription{
		events:  make(chan ChangeEvent, bufferSize),
		done:    make(chan struct{}),
		release: release,
	}
}

func (s *streamSubscription) Events() <-chan ChangeEvent {
	return s.events
}

func (s *streamSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *streamSubscription) closedSignal() <-chan struct{} {
	return s.done
}

func (s *streamSubscription) Close() error {
	s.finish(nil)
	return nil
}

// deliver never blocks: slow subscribers lose events instead of stalling publishers.
func (s *streamSubscription) deliver(event ChangeEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- event:
		return true
	default:
		return false
	}
}

func (s *streamSubscription) finish(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.err = err
		close(s.events)
		close(s.done)
		s.mu.Unlock()
		if s.release != nil {
			s.release()
		}
	})
}
