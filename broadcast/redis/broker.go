// Package redis implements broadcast.Broker on Redis Pub/Sub.
// The caller owns the Redis client lifecycle; subscriptions each hold one
// Redis PUBSUB connection and must be closed when done.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/accord/broadcast"
)

// Compile-time interface check.
var _ broadcast.Broker = (*Broker)(nil)

// Option configures the Broker.
type Option func(*Broker)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// Broker implements broadcast.Broker backed by Redis Pub/Sub.
type Broker struct {
	client goredis.UniversalClient
	logger *slog.Logger
}

// New creates a new Redis-backed broadcast broker.
func New(client goredis.UniversalClient, opts ...Option) *Broker {
	b := &Broker{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish sends the payload on the channel via PUBLISH.
func (b *Broker) Publish(ctx context.Context, channel string, payload json.RawMessage) error {
	if err := b.client.Publish(ctx, channel, string(payload)).Err(); err != nil {
		return fmt.Errorf("accord/redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a Redis PUBSUB subscription on the channel and pumps
// messages into the returned Subscription until it is closed.
func (b *Broker) Subscribe(ctx context.Context, channel string) (broadcast.Subscription, error) {
	ps := b.client.Subscribe(ctx, channel)

	// Force the SUBSCRIBE round trip so a dead broker fails here, not on
	// first receive.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close() //nolint:errcheck // best-effort cleanup on failed subscribe
		return nil, fmt.Errorf("accord/redis: subscribe %s: %w", channel, err)
	}

	s := &subscription{
		ps:  ps,
		out: make(chan json.RawMessage, 64),
	}
	go s.pump(ps.Channel())

	return s, nil
}

type subscription struct {
	ps  *goredis.PubSub
	out chan json.RawMessage
}

// C returns the receive channel.
func (s *subscription) C() <-chan json.RawMessage { return s.out }

// Close closes the underlying PUBSUB connection; pump then closes the
// receive channel.
func (s *subscription) Close() error {
	return s.ps.Close()
}

// pump converts Redis messages to raw JSON payloads. It exits when Close
// closes the PubSub channel. A receiver that stops draining has messages
// dropped rather than wedging the pump on a full buffer, so Close always
// terminates the goroutine.
func (s *subscription) pump(in <-chan *goredis.Message) {
	defer close(s.out)
	for msg := range in {
		select {
		case s.out <- json.RawMessage(msg.Payload):
		default:
		}
	}
}
