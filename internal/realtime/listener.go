package realtime

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/oxdn/community/internal/errs"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	opListen           = "realtime.listen"
	defaultMaxRetries  = 3
	defaultRetryDelay  = 2 * time.Second
	reasonMissingUser  = "missing_user_id"
	reasonMissingTable = "missing_table"
	reasonMissingFeed  = "missing_feed"
	reasonMissingSink  = "missing_callback"
)

var errStreamEnded = errors.New("realtime: subscription ended unexpectedly")

// RetryPolicy bounds how often a failed subscription is replaced.
type RetryPolicy struct {
	MaxRetries uint64
	Delay      time.Duration
}

// DefaultRetryPolicy retries three times with a fixed two second pause.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: defaultMaxRetries, Delay: defaultRetryDelay}
}

func (p RetryPolicy) backoff() retry.Backoff {
	delay := p.Delay
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	return retry.WithMaxRetries(p.MaxRetries, retry.NewConstant(delay))
}

// ListenerConfig carries the optional collaborators of a Listener.
type ListenerConfig struct {
	Retry  RetryPolicy
	Logger *zap.Logger
	Clock  func() time.Time
}

// Listener forwards change events to a callback until stopped or until its retry budget
// is spent. Absence of events is not proof that nothing changed.
type Listener struct {
	filter   Filter
	cancel   context.CancelFunc
	stopped  atomic.Bool
	attempts atomic.Int64
	done     chan struct{}
	logger   *zap.Logger
	clock    func() time.Time
}

// ListenUser subscribes to changes of one user's row in table.
func ListenUser(ctx context.Context, feed Feed, table, userID string, onChange func(ChangeEvent), cfg ListenerConfig) (*Listener, error) {
	if strings.TrimSpace(userID) == "" {
		err := errs.New(opListen, reasonMissingUser, errs.ErrInvalidArgument, nil)
		loggerOrNop(cfg.Logger).Error("realtime subscription rejected",
			zap.String("table", table),
			zap.Error(err))
		return nil, err
	}
	return Listen(ctx, feed, Filter{Table: table, UserID: strings.TrimSpace(userID)}, onChange, cfg)
}

// Listen subscribes to every change matching filter.
func Listen(ctx context.Context, feed Feed, filter Filter, onChange func(ChangeEvent), cfg ListenerConfig) (*Listener, error) {
	logger := loggerOrNop(cfg.Logger)
	if feed == nil {
		return nil, errs.New(opListen, reasonMissingFeed, errs.ErrInvalidArgument, nil)
	}
	if strings.TrimSpace(filter.Table) == "" {
		return nil, errs.New(opListen, reasonMissingTable, errs.ErrInvalidArgument, nil)
	}
	if onChange == nil {
		return nil, errs.New(opListen, reasonMissingSink, errs.ErrInvalidArgument, nil)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	policy := cfg.Retry
	if policy == (RetryPolicy{}) {
		policy = DefaultRetryPolicy()
	}

	listenCtx, cancel := context.WithCancel(ctx)
	listener := &Listener{
		filter: filter,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: logger.With(zap.String("table", filter.Table), zap.String("user_id", filter.UserID)),
		clock:  clock,
	}
	go listener.run(listenCtx, feed, onChange, policy)
	return listener, nil
}

// Stop halts delivery and any pending retry. Safe to call more than once.
func (l *Listener) Stop() {
	if l == nil {
		return
	}
	if l.stopped.CompareAndSwap(false, true) {
		l.cancel()
	}
}

// Done is closed once the listener goroutine has exited.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// Attempts reports how many subscriptions were opened or attempted.
func (l *Listener) Attempts() int {
	return int(l.attempts.Load())
}

func (l *Listener) run(ctx context.Context, feed Feed, onChange func(ChangeEvent), policy RetryPolicy) {
	defer close(l.done)
	err := retry.Do(ctx, policy.backoff(), func(ctx context.Context) error {
		attempt := l.attempts.Add(1)
		subscription, err := feed.Subscribe(ctx, l.filter)
		if err != nil {
			l.logger.Warn("realtime subscription failed",
				zap.Int64("attempt", attempt),
				zap.Uint64("max_retries", policy.MaxRetries),
				zap.Error(err))
			return retry.RetryableError(err)
		}
		defer subscription.Close() //nolint:errcheck
		for {
			select {
			case <-ctx.Done():
				return nil
			case event, ok := <-subscription.Events():
				if !ok {
					if ctx.Err() != nil {
						return nil
					}
					streamErr := subscription.Err()
					if streamErr == nil {
						streamErr = errStreamEnded
					}
					l.logger.Warn("realtime subscription interrupted",
						zap.Int64("attempt", attempt),
						zap.Error(streamErr))
					return retry.RetryableError(streamErr)
				}
				l.deliver(event, onChange)
			}
		}
	})
	if err != nil && ctx.Err() == nil {
		l.logger.Warn("realtime subscription abandoned",
			zap.Int("attempts", l.Attempts()),
			zap.Error(err))
	}
}

func (l *Listener) deliver(event ChangeEvent, onChange func(ChangeEvent)) {
	if l.stopped.Load() {
		return
	}
	event.ReceivedAt = l.clock().UTC()
	onChange(event)
}

func loggerOrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
