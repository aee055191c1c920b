package accord

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/xraph/accord/scaler"
)

// EnvIdleTime is the environment variable overriding the claim idle time,
// in milliseconds. A non-numeric value is ignored.
const EnvIdleTime = "ACCORD_IDLE_TIME"

// Default durations for claim redelivery and steady-state loops.
const (
	// DefaultIdleTime is the library default before an unacknowledged
	// entry becomes claimable by another consumer.
	DefaultIdleTime = 2 * time.Second

	// DefaultCoordinationIdleTime is the redelivery idle time on the
	// coordination stream. Short, because the election sentinel must be
	// resolved quickly.
	DefaultCoordinationIdleTime = 500 * time.Millisecond

	// DefaultEventIdleTime is the redelivery idle time on ordinary event
	// streams, trading election latency against redelivery of real work.
	DefaultEventIdleTime = 5 * time.Second

	// DefaultPollInterval is how often read loops poll for new entries.
	DefaultPollInterval = 1 * time.Second

	// DefaultPingInterval is how often the active dispatcher pings
	// registered incomers.
	DefaultPingInterval = 30 * time.Second
)

// Config holds configuration for the Coordinator.
type Config struct {
	// InstanceName is the logical name of this instance. Required; it is
	// also the consumer-group name on the coordination stream.
	InstanceName string

	// Prefix namespaces every stream name and store key. Empty means no
	// prefix; names are used as-is.
	Prefix string

	// IdleTime is how long an unacknowledged entry stays owned by its
	// consumer before it becomes claimable by another. Zero means no
	// override; event streams then fall back to EventIdleTime.
	IdleTime time.Duration

	// CoordinationIdleTime is the redelivery idle time on the
	// coordination stream.
	CoordinationIdleTime time.Duration

	// EventIdleTime is the redelivery idle time on event streams.
	EventIdleTime time.Duration

	// PollInterval is how often read loops poll for new entries.
	PollInterval time.Duration

	// PingInterval is how often the active dispatcher broadcasts pings.
	PingInterval time.Duration

	// MaxSubscriptions caps the declared event subscriptions an incomer
	// may register. Zero means unlimited.
	MaxSubscriptions int

	// DefaultEvents is the event → subscriber configuration the winning
	// dispatcher applies after taking the lead.
	DefaultEvents map[string]scaler.EventConfig
}

// DefaultConfig returns a Config with sensible defaults. InstanceName must
// still be set by the caller.
func DefaultConfig() Config {
	return Config{
		CoordinationIdleTime: DefaultCoordinationIdleTime,
		EventIdleTime:        DefaultEventIdleTime,
		PollInterval:         DefaultPollInterval,
		PingInterval:         DefaultPingInterval,
	}
}

// Validate reports whether required fields are set. Called at construction
// so misconfiguration is an error, not a surprise at first use.
func (c Config) Validate() error {
	if c.InstanceName == "" {
		return errors.New("accord: InstanceName is required")
	}
	if c.IdleTime < 0 || c.CoordinationIdleTime < 0 || c.EventIdleTime < 0 {
		return errors.New("accord: idle times must be non-negative")
	}

	return nil
}

// ResolveIdleTime resolves the claim idle time with documented precedence:
// the ACCORD_IDLE_TIME environment override wins, then the caller-supplied
// value, then the library default of 2000ms. Zero means "not supplied".
func ResolveIdleTime(supplied time.Duration) time.Duration {
	if env, ok := envIdleTime(); ok {
		return env
	}
	if supplied > 0 {
		return supplied
	}

	return DefaultIdleTime
}

// EventClaimIdle resolves the redelivery idle time Consume uses on event
// streams: the ACCORD_IDLE_TIME environment override wins, then IdleTime,
// then EventIdleTime, then the event-stream default.
func (c Config) EventClaimIdle() time.Duration {
	supplied := c.IdleTime
	if supplied <= 0 {
		supplied = c.EventIdleTime
	}
	if supplied <= 0 {
		supplied = DefaultEventIdleTime
	}

	return ResolveIdleTime(supplied)
}

// envIdleTime reads the ACCORD_IDLE_TIME override, in milliseconds.
// Non-numeric and non-positive values are ignored.
func envIdleTime() (time.Duration, bool) {
	raw := os.Getenv(EnvIdleTime)
	if raw == "" {
		return 0, false
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return 0, false
	}

	return time.Duration(ms) * time.Millisecond, true
}

// Prefixed returns name with the configured namespace prefix applied
// ("<prefix>-<name>"), or name unchanged when no prefix is set.
func (c Config) Prefixed(name string) string {
	if c.Prefix == "" {
		return name
	}

	return c.Prefix + "-" + name
}
