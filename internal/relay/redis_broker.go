package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const topicPrefix = "collab:"

// RedisBroker fans envelopes out over Redis pub/sub, one channel per document.
type RedisBroker struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisBroker connects to redisURL and verifies the connection.
func NewRedisBroker(redisURL string, logger *zap.Logger) (*RedisBroker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisBrokerWithClient(client, logger), nil
}

func NewRedisBrokerWithClient(client *redis.Client, logger *zap.Logger) *RedisBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBroker{client: client, logger: logger.Named("broker")}
}

func topic(document string) string {
	return topicPrefix + document
}

func (b *RedisBroker) Publish(ctx context.Context, document string, envelope Envelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.client.Publish(ctx, topic(document), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", document, err)
	}
	return nil
}

// Subscribe delivers envelopes from a dedicated goroutine until unsubscribe
// is called. The subscription is confirmed before Subscribe returns.
func (b *RedisBroker) Subscribe(ctx context.Context, document string, fn func(Envelope)) (func(), error) {
	pubsub := b.client.Subscribe(ctx, topic(document))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", document, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range pubsub.Channel() {
			var envelope Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
				b.logger.Warn("dropping malformed envelope", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			fn(envelope)
		}
	}()

	return func() {
		if err := pubsub.Close(); err != nil {
			b.logger.Debug("close subscription", zap.String("document", document), zap.Error(err))
		}
		<-done
	}, nil
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}
