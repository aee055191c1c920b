// Package elect runs the dispatcher election handshake on the coordination
// stream.
//
// Leadership is decided by the log, not by a lock: every candidate appends
// one sentinel entry with the fixed explicit ID 0-2 and payload
// {"event":"init"}. Entry IDs are strictly increasing per stream, so only
// the first append succeeds; every later candidate gets an ID conflict and
// has lost the race. The consumer that observes the sentinel, whether it
// authored it or claimed it after the author went idle, takes the lead.
package elect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/accord/broadcast"
	"github.com/xraph/accord/id"
	"github.com/xraph/accord/pubsub"
	"github.com/xraph/accord/registry"
	"github.com/xraph/accord/scaler"
	"github.com/xraph/accord/stream"
)

// ErrInitFailed is returned when the coordination stream cannot be
// initialized even after the single race-tolerating retry.
var ErrInitFailed = errors.New("elect: coordination stream initialization failed")

// sentinelID is the reserved election marker. Appending it is the one
// winning move; a conflict on it means another candidate already won.
var sentinelID = stream.EntryID{Ms: 0, Seq: 2}

var sentinelPayload = json.RawMessage(`{"event":"init"}`)

const (
	// initRetryDelay is the backoff before the single init retry when two
	// candidates observe a missing stream simultaneously.
	initRetryDelay = 10 * time.Millisecond

	// DefaultIdleTime is how long the sentinel may sit unacknowledged
	// before another consumer claims it. Short, so elections resolve
	// quickly.
	DefaultIdleTime = 500 * time.Millisecond

	// DefaultPollInterval is how long a read blocks waiting for entries.
	DefaultPollInterval = 1 * time.Second

	claimBatch = 16
)

// Option configures the Elector.
type Option func(*Elector)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Elector) { e.logger = l.With("component", "elect") }
}

// WithPrefix namespaces the coordination stream and registry records.
func WithPrefix(prefix string) Option {
	return func(e *Elector) { e.prefix = prefix }
}

// WithIdleTime sets the redelivery idle time on the coordination stream.
func WithIdleTime(d time.Duration) Option {
	return func(e *Elector) { e.idleTime = d }
}

// WithPollInterval sets how long each read blocks for new entries.
func WithPollInterval(d time.Duration) Option {
	return func(e *Elector) { e.pollInterval = d }
}

// WithDefaultEvents sets the event configuration the winner applies after
// taking the lead.
func WithDefaultEvents(cfg map[string]scaler.EventConfig) Option {
	return func(e *Elector) { e.defaultEvents = cfg }
}

// WithOnLead registers a hook invoked once when this instance takes the
// lead, after the registry record is written.
func WithOnLead(fn func(ctx context.Context, instanceID id.InstanceID)) Option {
	return func(e *Elector) { e.onLead = fn }
}

// WithClock injects a clock for deterministic timestamps in tests.
func WithClock(now func() time.Time) Option {
	return func(e *Elector) { e.now = now }
}

// Elector runs one candidate's side of the election protocol. Each process
// instance owns exactly one Elector; its consumer name on the coordination
// stream is the instance's base ID.
type Elector struct {
	log    stream.Log
	broker broadcast.Broker
	reg    registry.Store
	scaler *scaler.Scaler
	logger *slog.Logger

	prefix        string
	name          string
	origin        id.InstanceID
	idleTime      time.Duration
	pollInterval  time.Duration
	defaultEvents map[string]scaler.EventConfig
	onLead        func(ctx context.Context, instanceID id.InstanceID)
	now           func() time.Time

	streamName string
	consumer   string

	mu         sync.Mutex
	leader     bool
	instanceID id.InstanceID

	cancel context.CancelFunc
	eg     *errgroup.Group
}

// New creates an Elector for the candidate identified by origin. The name
// is the shared consumer-group name: every replica of one logical service
// passes the same name and competes within that group.
func New(log stream.Log, broker broadcast.Broker, reg registry.Store, sc *scaler.Scaler, origin id.InstanceID, name string, opts ...Option) *Elector {
	e := &Elector{
		log:          log,
		broker:       broker,
		reg:          reg,
		scaler:       sc,
		logger:       slog.Default(),
		name:         name,
		origin:       origin,
		idleTime:     DefaultIdleTime,
		pollInterval: DefaultPollInterval,
		now:          time.Now,
		consumer:     origin.String(),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.streamName = "coordination"
	if e.prefix != "" {
		e.streamName = e.prefix + "-coordination"
	}
	return e
}

// Init runs the start-up handshake. When the coordination stream and group
// already exist, the candidate joins the established cluster as a plain
// consumer and does not attempt election; joined reports which path was
// taken. Otherwise the candidate initializes the stream (retrying once on a
// creation race), opens its read loop, and appends the election sentinel.
func (e *Elector) Init(ctx context.Context) (joined bool, err error) {
	streamUp, err := e.log.StreamExists(ctx, e.streamName)
	if err != nil {
		return false, fmt.Errorf("elect: check stream: %w", err)
	}
	groupUp := false
	if streamUp {
		if groupUp, err = e.log.GroupExists(ctx, e.streamName, e.name); err != nil {
			return false, fmt.Errorf("elect: check group: %w", err)
		}
	}

	if streamUp && groupUp {
		// Established cluster: a leader already won here. Register as a
		// plain consumer and skip election.
		if err := e.log.CreateConsumer(ctx, e.streamName, e.name, e.consumer); err != nil {
			return false, fmt.Errorf("elect: register consumer: %w", err)
		}
		e.startLoop()
		e.logger.Info("joined established coordination stream", "stream", e.streamName, "consumer", e.consumer)
		return true, nil
	}

	if err := e.initStream(ctx); err != nil {
		return false, err
	}
	if err := e.log.CreateConsumer(ctx, e.streamName, e.name, e.consumer); err != nil {
		return false, fmt.Errorf("elect: register consumer: %w", err)
	}
	e.startLoop()

	switch _, err := e.log.Append(ctx, e.streamName, sentinelPayload, stream.AppendArgs{ID: sentinelID}); {
	case err == nil:
		e.logger.Info("election sentinel appended", "stream", e.streamName, "consumer", e.consumer)
	case errors.Is(err, stream.ErrIDConflict):
		// Lost the race. The read loop still observes the winner's
		// sentinel if it goes unacknowledged.
		e.logger.Info("lost election append race", "stream", e.streamName, "consumer", e.consumer)
	default:
		e.logger.Warn("sentinel append failed", "stream", e.streamName, "error", err)
	}
	return false, nil
}

// initStream creates the stream and group, tolerating the narrow race where
// two candidates observe "missing" simultaneously: one fixed backoff, one
// retry, then fatal.
func (e *Elector) initStream(ctx context.Context) error {
	err := e.log.Init(ctx, e.streamName, e.name, stream.StartBeginning)
	if err == nil {
		return nil
	}

	sleepCtx(ctx, initRetryDelay)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	err = e.log.Init(ctx, e.streamName, e.name, stream.StartBeginning)
	if err != nil && !errors.Is(err, stream.ErrGroupExists) {
		return fmt.Errorf("%w: %v", ErrInitFailed, err)
	}
	return nil
}

// IsLeader reports whether this candidate took the lead.
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader
}

// InstanceID returns the registry record ID written at takeLead, or the nil
// ID when this candidate is not the leader.
func (e *Elector) InstanceID() id.InstanceID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.instanceID
}

// Close tears the read loop down deterministically: the stop is signaled,
// the in-flight read drains, and only then is the consumer registration
// removed. A closing leader deletes the coordination stream and its registry
// record so a surviving instance can run a fresh election.
func (e *Elector) Close(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
	}
	if e.eg != nil {
		e.eg.Wait()
	}

	var errs []error
	if e.IsLeader() {
		if err := e.log.DeleteStream(ctx, e.streamName); err != nil && !errors.Is(err, stream.ErrStreamNotFound) {
			errs = append(errs, fmt.Errorf("elect: delete stream: %w", err))
		}
		if instID := e.InstanceID(); !instID.IsNil() {
			if err := e.reg.DeleteInstance(ctx, instID); err != nil {
				errs = append(errs, fmt.Errorf("elect: delete registry record: %w", err))
			}
		}
		return errors.Join(errs...)
	}

	err := e.log.DeleteConsumer(ctx, e.streamName, e.name, e.consumer)
	switch {
	case err == nil:
	case errors.Is(err, stream.ErrStreamNotFound), errors.Is(err, stream.ErrGroupNotFound), errors.Is(err, stream.ErrConsumerNotFound):
		// The leader may have torn the stream down first.
	default:
		errs = append(errs, fmt.Errorf("elect: delete consumer: %w", err))
	}
	return errors.Join(errs...)
}

func (e *Elector) startLoop() {
	loopCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.eg, loopCtx = errgroup.WithContext(loopCtx)
	e.eg.Go(func() error { e.run(loopCtx); return nil })
}

// run is the continuous read loop over the coordination stream. Read and
// transport errors are reported, not fatal; the loop only stops on
// cancellation.
func (e *Elector) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		claimed, err := e.log.AutoClaim(ctx, e.streamName, e.name, e.consumer, e.idleTime, claimBatch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !isStreamGone(err) {
				e.logger.Warn("coordination claim failed", "stream", e.streamName, "error", err)
			}
			sleepCtx(ctx, e.pollInterval)
			continue
		}
		e.process(ctx, claimed)

		entries, err := e.log.ReadGroup(ctx, e.streamName, e.name, e.consumer, stream.ReadArgs{Block: e.pollInterval})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !isStreamGone(err) {
				e.logger.Warn("coordination read failed", "stream", e.streamName, "error", err)
			}
			sleepCtx(ctx, e.pollInterval)
			continue
		}
		e.process(ctx, entries)
	}
}

// process handles observed entries. Every entry is acknowledged, win or
// not, so no entry leaks redelivery pressure.
func (e *Elector) process(ctx context.Context, entries []stream.Entry) {
	for _, entry := range entries {
		if entry.ID == sentinelID {
			e.takeLead(ctx)
		}
		if err := e.log.Ack(ctx, e.streamName, e.name, entry.ID); err != nil {
			e.logger.Warn("ack failed", "stream", e.streamName, "entry", entry.ID, "error", err)
		}
	}
}

// takeLead marks leadership, announces it, applies the default event
// configuration, and writes the dispatcher registry record. Runs at most
// once per Elector.
func (e *Elector) takeLead(ctx context.Context) {
	e.mu.Lock()
	if e.leader {
		e.mu.Unlock()
		return
	}
	e.leader = true
	e.mu.Unlock()

	// Announce first so standing candidates stop considering election.
	announce := pubsub.NewTakeLead(e.origin.String())
	if data, err := announce.Encode(); err == nil {
		if err := e.broker.Publish(ctx, pubsub.DispatcherChannel(e.prefix), data); err != nil {
			e.logger.Warn("leadership announcement failed", "error", err)
		}
	}

	if len(e.defaultEvents) > 0 {
		if err := e.scaler.Apply(ctx, e.defaultEvents); err != nil {
			e.logger.Error("apply default event config", "error", err)
		}
	}

	now := e.now().UTC()
	inst := &registry.Instance{
		BaseID:             e.origin,
		Name:               e.name,
		IsActiveDispatcher: true,
		AliveSince:         now,
		LastActivity:       now,
		Prefix:             e.prefix,
	}
	assigned, err := e.reg.SetInstance(ctx, inst)
	if err != nil {
		e.logger.Error("write dispatcher registry record", "error", err)
	} else {
		e.mu.Lock()
		e.instanceID = assigned
		e.mu.Unlock()
	}

	e.logger.Info("took dispatcher lead", "stream", e.streamName, "consumer", e.consumer)
	if e.onLead != nil {
		e.onLead(ctx, assigned)
	}
}

func isStreamGone(err error) bool {
	return errors.Is(err, stream.ErrStreamNotFound) || errors.Is(err, stream.ErrGroupNotFound)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
