package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	postgresChannelPrefix     = "realtime_"
	postgresStreamBufferSize  = 64
	postgresMinReconnectDelay = 10 * time.Second
	postgresMaxReconnectDelay = time.Minute
	// pg_notify rejects payloads of 8000 bytes or more.
	postgresMaxPayloadBytes = 7999
)

var (
	errMissingPostgresDSN    = errors.New("realtime: postgres dsn is required")
	errMissingPublisherDB    = errors.New("realtime: database handle is required")
	errPostgresNotifyClosed  = errors.New("realtime: postgres notification channel closed")
	errPostgresPayloadTooBig = errors.New("realtime: change event exceeds notify payload limit")
)

// PostgresFeedConfig wires the LISTEN connection and the NOTIFY publisher.
type PostgresFeedConfig struct {
	DSN      string
	Database *gorm.DB
	Logger   *zap.Logger
}

// PostgresFeed carries change events over PostgreSQL LISTEN/NOTIFY.
type PostgresFeed struct {
	dsn    string
	db     *gorm.DB
	logger *zap.Logger
}

func NewPostgresFeed(cfg PostgresFeedConfig) (*PostgresFeed, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errMissingPostgresDSN
	}
	if cfg.Database == nil {
		return nil, errMissingPublisherDB
	}
	return &PostgresFeed{
		dsn:    cfg.DSN,
		db:     cfg.Database,
		logger: loggerOrNop(cfg.Logger),
	}, nil
}

func (f *PostgresFeed) Publish(ctx context.Context, event ChangeEvent) error {
	if err := event.validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}
	if len(payload) > postgresMaxPayloadBytes {
		return errPostgresPayloadTooBig
	}
	return f.db.WithContext(ctx).
		Exec("SELECT pg_notify(?, ?)", postgresChannel(event.Table), string(payload)).
		Error
}

func (f *PostgresFeed) Subscribe(ctx context.Context, filter Filter) (Subscription, error) {
	if filter.Table == "" {
		return nil, errMissingTable
	}
	failures := make(chan error, 1)
	listener := pq.NewListener(f.dsn, postgresMinReconnectDelay, postgresMaxReconnectDelay,
		func(eventType pq.ListenerEventType, err error) {
			switch eventType {
			case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
				if err == nil {
					err = errPostgresNotifyClosed
				}
				select {
				case failures <- err:
				default:
				}
			}
		})
	if err := listener.Listen(postgresChannel(filter.Table)); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	subscription := newStreamSubscription(postgresStreamBufferSize, func() {
		_ = listener.Close()
	})
	go relayNotifications(ctx, subscription, filter, listener.Notify, failures, f.logger)
	return subscription, nil
}

// relayNotifications delivers matching events until ctx ends, the subscription closes, the
// listener reports a failure or the notification channel is closed.
func relayNotifications(ctx context.Context, subscription *streamSubscription, filter Filter, notifications <-chan *pq.Notification, failures <-chan error, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			subscription.finish(nil)
			return
		case <-subscription.closedSignal():
			return
		case err := <-failures:
			subscription.finish(fmt.Errorf("postgres listener: %w", err))
			return
		case notification, ok := <-notifications:
			if !ok {
				subscription.finish(errPostgresNotifyClosed)
				return
			}
			// pq sends nil after re-establishing a dropped connection.
			if notification == nil {
				continue
			}
			event, err := decodeEvent([]byte(notification.Extra))
			if err != nil {
				logger.Debug("dropping malformed change event",
					zap.String("channel", notification.Channel),
					zap.Error(err))
				continue
			}
			if filter.Matches(event) {
				subscription.deliver(event)
			}
		}
	}
}

func postgresChannel(table string) string {
	return postgresChannelPrefix + table
}
