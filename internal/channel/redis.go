package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPublishTimeout = 5 * time.Second

// RedisTransport relays frames over a Redis pub/sub channel. Pub/sub is a broadcast
// medium: every subscriber, including the publisher, sees every frame, so the
// Channel's source check is what keeps host and editor from hearing themselves.
type RedisTransport struct {
	client *redis.Client
	name   string
	pubsub *redis.PubSub
	logger *slog.Logger

	mu        sync.Mutex
	onMessage func([]byte)
	closed    bool
	done      chan struct{}
}

// NewRedisTransport subscribes to channelName and starts relaying inbound frames.
func NewRedisTransport(ctx context.Context, client *redis.Client, channelName string, logger *slog.Logger) (*RedisTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pubsub := client.Subscribe(ctx, channelName)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channelName, err)
	}

	t := &RedisTransport{
		client: client,
		name:   channelName,
		pubsub: pubsub,
		logger: logger,
		done:   make(chan struct{}),
	}
	go t.relay(pubsub.Channel())
	logger.Info("[redis] subscribed", "channel", channelName)
	return t, nil
}

func (t *RedisTransport) relay(messages <-chan *redis.Message) {
	defer close(t.done)
	for msg := range messages {
		t.mu.Lock()
		fn := t.onMessage
		t.mu.Unlock()
		if fn != nil {
			fn([]byte(msg.Payload))
		}
	}
}

func (t *RedisTransport) Post(data []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisPublishTimeout)
	defer cancel()
	if err := t.client.Publish(ctx, t.name, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", t.name, err)
	}
	return nil
}

func (t *RedisTransport) OnMessage(fn func([]byte)) {
	t.mu.Lock()
	t.onMessage = fn
	t.mu.Unlock()
}

func (t *RedisTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	err := t.pubsub.Close()
	<-t.done
	return err
}
