package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	redisChannelPrefix    = "realtime:"
	redisStreamBufferSize = 64
)

var (
	errMissingRedisClient = errors.New("realtime: redis client is required")
	errRedisChannelClosed = errors.New("realtime: redis channel closed")
)

// RedisFeed fans change events out across processes through Redis pub/sub.
type RedisFeed struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisFeed(client *redis.Client, logger *zap.Logger) (*RedisFeed, error) {
	if client == nil {
		return nil, errMissingRedisClient
	}
	return &RedisFeed{client: client, logger: loggerOrNop(logger)}, nil
}

// NewRedisClient parses redisURL and verifies the server answers.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing redis URL: %w", err)
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("error pinging redis: %w", err)
	}
	return client, nil
}

func (f *RedisFeed) Publish(ctx context.Context, event ChangeEvent) error {
	if err := event.validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}
	if err := f.client.Publish(ctx, redisChannel(event.Table, event.UserID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish change event: %w", err)
	}
	return nil
}

func (f *RedisFeed) Subscribe(ctx context.Context, filter Filter) (Subscription, error) {
	if filter.Table == "" {
		return nil, errMissingTable
	}
	var pubsub *redis.PubSub
	if filter.UserID == "" {
		pubsub = f.client.PSubscribe(ctx, redisPattern(filter.Table))
	} else {
		pubsub = f.client.Subscribe(ctx, redisChannel(filter.Table, filter.UserID))
	}
	// Receive blocks until the server confirms the subscription.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	subscription := newStreamSubscription(redisStreamBufferSize, func() {
		_ = pubsub.Close()
	})
	go relayRedisMessages(ctx, subscription, filter, pubsub.Channel(), f.logger)
	return subscription, nil
}

// relayRedisMessages delivers matching events until ctx ends, the subscription closes or
// the message channel is closed.
func relayRedisMessages(ctx context.Context, subscription *streamSubscription, filter Filter, messages <-chan *redis.Message, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			subscription.finish(nil)
			return
		case <-subscription.closedSignal():
			return
		case message, ok := <-messages:
			if !ok {
				subscription.finish(errRedisChannelClosed)
				return
			}
			event, err := decodeEvent([]byte(message.Payload))
			if err != nil {
				logger.Debug("dropping malformed change event",
					zap.String("channel", message.Channel),
					zap.Error(err))
				continue
			}
			if filter.Matches(event) {
				subscription.deliver(event)
			}
		}
	}
}

func redisChannel(table, userID string) string {
	return redisChannelPrefix + table + ":" + userID
}

func redisPattern(table string) string {
	return redisChannelPrefix + table + ":*"
}
