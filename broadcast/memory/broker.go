// Package memory provides an in-process broadcast.Broker for unit testing
// and single-process development. Safe for concurrent use.
package memory

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/xraph/accord/broadcast"
)

// Compile-time interface check.
var _ broadcast.Broker = (*Broker)(nil)

// DefaultBufferSize is the per-subscription message buffer.
const DefaultBufferSize = 64

// Option configures the Broker.
type Option func(*Broker)

// WithBufferSize sets the per-subscription buffer size.
func WithBufferSize(size int) Option {
	return func(b *Broker) { b.bufferSize = size }
}

// Broker fans messages out to channel subscribers through buffered Go
// channels. A subscriber that stops draining has messages dropped rather
// than blocking the publisher.
type Broker struct {
	mu         sync.RWMutex
	channels   map[string]map[int64]*subscription
	nextID     atomic.Int64
	bufferSize int
}

// New returns a new empty Broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		channels:   make(map[string]map[int64]*subscription),
		bufferSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish sends the payload to every current subscriber of the channel.
func (b *Broker) Publish(_ context.Context, channel string, payload json.RawMessage) error {
	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.channels[channel]))
	for _, s := range b.channels[channel] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	cp := make(json.RawMessage, len(payload))
	copy(cp, payload)
	for _, s := range subs {
		s.send(cp)
	}
	return nil
}

// Subscribe registers a new subscription on the channel.
func (b *Broker) Subscribe(_ context.Context, channel string) (broadcast.Subscription, error) {
	s := &subscription{
		id:      b.nextID.Add(1),
		channel: channel,
		broker:  b,
		ch:      make(chan json.RawMessage, b.bufferSize),
	}

	b.mu.Lock()
	subs, ok := b.channels[channel]
	if !ok {
		subs = make(map[int64]*subscription)
		b.channels[channel] = subs
	}
	subs[s.id] = s
	b.mu.Unlock()

	return s, nil
}

func (b *Broker) drop(channel string, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.channels[channel]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(b.channels, channel)
	}
}

type subscription struct {
	id      int64
	channel string
	broker  *Broker

	// mu serializes send against Close so the channel is never written
	// after it is closed.
	mu     sync.Mutex
	ch     chan json.RawMessage
	closed bool
}

// C returns the receive channel.
func (s *subscription) C() <-chan json.RawMessage { return s.ch }

// Close detaches the subscription. Safe to call multiple times.
func (s *subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	s.broker.drop(s.channel, s.id)
	return nil
}

// send delivers without blocking; a full buffer drops the message.
func (s *subscription) send(payload json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	select {
	case s.ch <- payload:
	default:
	}
}
