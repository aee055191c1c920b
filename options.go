package accord

import (
	"log/slog"
	"time"

	"github.com/xraph/accord/broadcast"
	"github.com/xraph/accord/registry"
	"github.com/xraph/accord/scaler"
	"github.com/xraph/accord/store"
	"github.com/xraph/accord/stream"
)

// Option configures the Coordinator.
type Option func(*Coordinator)

// WithConfig replaces the whole configuration. Options applied after it
// still override individual fields.
func WithConfig(cfg Config) Option {
	return func(c *Coordinator) { c.cfg = cfg }
}

// WithInstanceName sets the logical name of this instance, shared by every
// replica of the same service.
func WithInstanceName(name string) Option {
	return func(c *Coordinator) { c.cfg.InstanceName = name }
}

// WithPrefix namespaces every stream name, channel, and store key.
func WithPrefix(prefix string) Option {
	return func(c *Coordinator) { c.cfg.Prefix = prefix }
}

// WithLog sets the durable log backend. Required.
func WithLog(log stream.Log) Option {
	return func(c *Coordinator) { c.log = log }
}

// WithStore sets the registry and transaction store backend. Required.
func WithStore(s store.Store) Option {
	return func(c *Coordinator) { c.store = s }
}

// WithBroker sets the broadcast channel backend. Required.
func WithBroker(b broadcast.Broker) Option {
	return func(c *Coordinator) { c.broker = b }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithIdleTime sets the claim redelivery idle time. The ACCORD_IDLE_TIME
// environment variable still takes precedence.
func WithIdleTime(d time.Duration) Option {
	return func(c *Coordinator) { c.cfg.IdleTime = d }
}

// WithDefaultEvents sets the event configuration the winning dispatcher
// applies after taking the lead.
func WithDefaultEvents(cfg map[string]scaler.EventConfig) Option {
	return func(c *Coordinator) { c.cfg.DefaultEvents = cfg }
}

// WithMaxSubscriptions caps the declared subscriptions an incomer may
// register. Zero means unlimited.
func WithMaxSubscriptions(n int) Option {
	return func(c *Coordinator) { c.cfg.MaxSubscriptions = n }
}

// WithSubscriptions declares the events this instance subscribes to and
// casts, carried in its registration request.
func WithSubscriptions(subscribe []registry.Subscription, cast []string) Option {
	return func(c *Coordinator) {
		c.subscribe = subscribe
		c.cast = cast
	}
}
