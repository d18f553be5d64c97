package pubsub

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis implements PubSub on Redis pub/sub, letting multiple processes
// observe the same operation event stream.
type Redis struct {
	client *redis.Client
	log    *zap.Logger

	mu   sync.Mutex
	subs map[*redis.PubSub]struct{}
}

// NewRedis creates a Redis-backed pub/sub channel.
func NewRedis(client *redis.Client, log *zap.Logger) *Redis {
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{client: client, log: log, subs: make(map[*redis.PubSub]struct{})}
}

// Publish delivers payload to every subscriber of topic across processes.
func (r *Redis) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, topic, data).Err()
}

// Subscribe opens a Redis subscription for topic and pumps messages into a
// buffered channel.
func (r *Redis) Subscribe(ctx context.Context, topic string) (<-chan []byte, func()) {
	sub := r.client.Subscribe(ctx, topic)

	r.mu.Lock()
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	ch := make(chan []byte, 100)
	go func() {
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				select {
				case ch <- []byte(msg.Payload):
				default:
					r.log.Warn("dropping pubsub message, subscriber channel full", zap.String("topic", topic))
				}
			}
		}
	}()

	cleanup := func() {
		_ = sub.Close()
		r.mu.Lock()
		delete(r.subs, sub)
		r.mu.Unlock()
	}
	return ch, cleanup
}

// Close closes all subscriptions and the underlying client.
func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sub := range r.subs {
		_ = sub.Close()
	}
	r.subs = nil
	return r.client.Close()
}
