// Package scaler manages per-event consumer-group lifecycle: given a
// mapping from event name to subscriber descriptors it converges the log to
// the declared set of streams, groups, and consumers. Apply is idempotent
// and safe to re-run after partial failure.
//
// Two scaling modes exist per subscriber. A fixed pool
// (HorizontalScale=false) creates Replicas consumers inside one group named
// after the subscriber, so entries are split across the pool of competing
// consumers. Horizontal scale (HorizontalScale=true) creates
// Replicas independent groups named "<name>-<uid>", each receiving a full
// copy of every entry, so scaled-out replicas never steal entries from one
// another.
package scaler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/xraph/accord/id"
	"github.com/xraph/accord/stream"
)

// Subscriber declares how one logical subscriber of an event stream is
// scaled.
type Subscriber struct {
	Name            string `json:"name"`
	HorizontalScale bool   `json:"horizontalScale"`
	Replicas        int    `json:"replicas"`
}

// EventConfig is the subscriber set declared for one event.
type EventConfig struct {
	Subscribers []Subscriber `json:"subscribers"`
}

// Option configures the Scaler.
type Option func(*Scaler)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scaler) { s.logger = l.With("component", "scaler") }
}

// WithPrefix namespaces every stream name.
func WithPrefix(prefix string) Option {
	return func(s *Scaler) { s.prefix = prefix }
}

// WithOwnerGroup sets the group created alongside a missing event stream,
// giving the dispatcher its own delivery group on streams it materializes.
func WithOwnerGroup(group string) Option {
	return func(s *Scaler) { s.ownerGroup = group }
}

// Scaler converges log streams, groups, and consumers to a declared
// subscriber configuration.
type Scaler struct {
	log        stream.Log
	logger     *slog.Logger
	prefix     string
	ownerGroup string
}

// New creates a Scaler over the given log.
func New(log stream.Log, opts ...Option) *Scaler {
	s := &Scaler{log: log, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Apply converges the log to the given event → subscriber configuration.
// Re-running with the same configuration never creates duplicate groups or
// consumers and converges to the target replica counts.
func (s *Scaler) Apply(ctx context.Context, cfg map[string]EventConfig) error {
	for event, eventCfg := range cfg {
		if err := s.applyEvent(ctx, event, eventCfg); err != nil {
			return fmt.Errorf("scaler: apply event %q: %w", event, err)
		}
	}
	return nil
}

func (s *Scaler) applyEvent(ctx context.Context, event string, cfg EventConfig) error {
	streamName := s.streamName(event)

	if err := s.ensureStream(ctx, streamName); err != nil {
		return err
	}

	for _, sub := range cfg.Subscribers {
		if err := s.applySubscriber(ctx, streamName, sub); err != nil {
			return fmt.Errorf("subscriber %q: %w", sub.Name, err)
		}
	}
	return nil
}

// ensureStream materializes the event stream when missing. Creating the
// owner group on top of an existing stream is a no-op, not an error.
func (s *Scaler) ensureStream(ctx context.Context, streamName string) error {
	exists, err := s.log.StreamExists(ctx, streamName)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	group := s.ownerGroup
	if group == "" {
		group = streamName
	}
	if err := s.log.Init(ctx, streamName, group, stream.StartNewOnly); err != nil && !errors.Is(err, stream.ErrGroupExists) {
		return err
	}
	return nil
}

func (s *Scaler) applySubscriber(ctx context.Context, streamName string, sub Subscriber) error {
	groups, err := s.log.ListGroups(ctx, streamName)
	if err != nil {
		return err
	}

	// The plain group named after the subscriber is the reservation mark;
	// it is created in both scaling modes.
	plain, found := findGroup(groups, sub.Name)
	if !found {
		if err := s.log.CreateGroup(ctx, streamName, sub.Name, stream.StartNewOnly, true); err != nil && !errors.Is(err, stream.ErrGroupExists) {
			return err
		}
		s.logger.Info("created subscriber group", "stream", streamName, "group", sub.Name)
	}

	if sub.HorizontalScale {
		return s.scaleGroups(ctx, streamName, sub, groups)
	}
	return s.scaleConsumers(ctx, streamName, sub, plain)
}

// scaleConsumers tops the plain group's consumer pool up to Replicas.
func (s *Scaler) scaleConsumers(ctx context.Context, streamName string, sub Subscriber, plain stream.GroupInfo) error {
	for i := plain.Consumers; i < sub.Replicas; i++ {
		consumer := id.NewConsumerID().String()
		if err := s.log.CreateConsumer(ctx, streamName, sub.Name, consumer); err != nil {
			return err
		}
		s.logger.Info("created pool consumer", "stream", streamName, "group", sub.Name, "consumer", consumer)
	}
	return nil
}

// scaleGroups tops the set of "<name>-<uid>" fan-out groups up to Replicas.
func (s *Scaler) scaleGroups(ctx context.Context, streamName string, sub Subscriber, groups []stream.GroupInfo) error {
	existing := 0
	for _, g := range groups {
		if strings.HasPrefix(g.Name, sub.Name+"-") {
			existing++
		}
	}

	for i := existing; i < sub.Replicas; i++ {
		group := sub.Name + "-" + id.NewGroupSuffix().String()
		if err := s.log.CreateGroup(ctx, streamName, group, stream.StartNewOnly, true); err != nil && !errors.Is(err, stream.ErrGroupExists) {
			return err
		}
		s.logger.Info("created horizontal group", "stream", streamName, "group", group)
	}
	return nil
}

func (s *Scaler) streamName(event string) string {
	if s.prefix == "" {
		return event
	}
	return s.prefix + "-" + event
}

func findGroup(groups []stream.GroupInfo, name string) (stream.GroupInfo, bool) {
	for _, g := range groups {
		if g.Name == name {
			return g, true
		}
	}
	return stream.GroupInfo{}, false
}
