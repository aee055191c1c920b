package accord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/xraph/accord/broadcast"
	"github.com/xraph/accord/elect"
	"github.com/xraph/accord/id"
	"github.com/xraph/accord/pubsub"
	"github.com/xraph/accord/registry"
	"github.com/xraph/accord/scaler"
	"github.com/xraph/accord/store"
	"github.com/xraph/accord/stream"
)

// Coordinator is the composition root: it wires the elector, the group
// scaler, the registration handler, and the stores together under one
// instance identity and exposes Start and Stop.
type Coordinator struct {
	cfg    Config
	log    stream.Log
	broker broadcast.Broker
	store  store.Store
	logger *slog.Logger

	subscribe []registry.Subscription
	cast      []string

	origin  id.InstanceID
	scaler  *scaler.Scaler
	elector *elect.Elector
	handler *pubsub.Handler

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a Coordinator. A log, a store, and a broker are required, as
// is an instance name; everything else has defaults.
func New(opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		cfg:    DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.log == nil {
		return nil, ErrNoLog
	}
	if c.store == nil {
		return nil, ErrNoStore
	}
	if c.broker == nil {
		return nil, ErrNoBroker
	}
	if err := c.cfg.Validate(); err != nil {
		return nil, err
	}

	c.origin = id.NewInstanceID()
	c.logger = c.logger.With("instance", c.origin.String())

	c.scaler = scaler.New(c.log,
		scaler.WithLogger(c.logger),
		scaler.WithPrefix(c.cfg.Prefix),
		scaler.WithOwnerGroup(c.cfg.InstanceName),
	)
	c.handler = pubsub.New(c.broker, c.store, c.store, c.scaler, c.origin, c.cfg.InstanceName,
		pubsub.WithLogger(c.logger),
		pubsub.WithPrefix(c.cfg.Prefix),
		pubsub.WithMaxSubscriptions(c.cfg.MaxSubscriptions),
		pubsub.WithPingInterval(c.cfg.PingInterval),
		pubsub.WithAckInterval(c.cfg.PollInterval),
		pubsub.WithSubscriptions(c.subscribe, c.cast),
	)
	c.elector = elect.New(c.log, c.broker, c.store, c.scaler, c.origin, c.cfg.InstanceName,
		elect.WithLogger(c.logger),
		elect.WithPrefix(c.cfg.Prefix),
		elect.WithIdleTime(c.cfg.CoordinationIdleTime),
		elect.WithPollInterval(c.cfg.PollInterval),
		elect.WithDefaultEvents(c.cfg.DefaultEvents),
		elect.WithOnLead(func(_ context.Context, instanceID id.InstanceID) {
			c.handler.SetLeader(instanceID)
		}),
	)
	return c, nil
}

// Origin returns the base identity this process generated for itself.
func (c *Coordinator) Origin() id.InstanceID { return c.origin }

// IsLeader reports whether this instance is the active dispatcher.
func (c *Coordinator) IsLeader() bool { return c.elector.IsLeader() }

// InstanceID returns this instance's registry record ID, or the nil ID
// before registration completes.
func (c *Coordinator) InstanceID() id.InstanceID {
	if instID := c.elector.InstanceID(); !instID.IsNil() {
		return instID
	}
	return c.handler.InstanceID()
}

// Start runs the election handshake and the standing registration. Start-up
// failures are reported to the caller rather than crashing read loops;
// registration itself retries in the background until acknowledged.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	fail := func(err error) error {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		c.logger.Error("start failed", "error", err)
		return err
	}

	if err := c.handler.Init(ctx); err != nil {
		return fail(err)
	}

	joined, err := c.elector.Init(ctx)
	if err != nil {
		c.handler.Close()
		return fail(fmt.Errorf("accord: election init: %w", err))
	}
	if joined {
		c.logger.Info("joined established namespace", "prefix", c.cfg.Prefix)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	// Standing registration: republished until a dispatcher acknowledges,
	// so it completes whenever the election resolves.
	go func() {
		defer close(done)
		instID, err := c.handler.Register(runCtx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.logger.Error("registration failed", "error", err)
			}
			return
		}
		c.logger.Info("registered", "id", instID.String())
	}()

	return nil
}

// Stop releases the coordination-stream consumer registration and
// terminates every read loop before returning. Safe to call while loops are
// awaiting entries.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return ErrNotStarted
	}
	c.started = false
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	var errs []error
	if err := c.handler.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.elector.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if instID := c.handler.InstanceID(); !instID.IsNil() && !c.elector.IsLeader() {
		if err := c.store.DeleteInstance(ctx, instID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ApplyEvents applies an event configuration through the group scaler. Only
// the active dispatcher may reshape groups.
func (c *Coordinator) ApplyEvents(ctx context.Context, cfg map[string]scaler.EventConfig) error {
	if !c.IsLeader() {
		return ErrNotLeader
	}
	return c.scaler.Apply(ctx, cfg)
}
