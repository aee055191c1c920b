// Package pubsub runs the standing handshake by which incomers and the
// active dispatcher discover each other over the broadcast channel.
//
// Registration is a correlated exchange: the requester records a main
// transaction and publishes a register message carrying its ID; the
// dispatcher answers with a resolving spread transaction and an
// acknowledgment addressed to the requester's own channel. The requester
// republishes until acknowledged, so a request sent before a leader exists
// is picked up once one takes the lead. Periodic pings refresh registry
// liveness without creating new transactions.
package pubsub

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
	"github.com/xraph/accord/registry"
	"github.com/xraph/accord/scaler"
	"github.com/xraph/accord/txn"
)

var (
	// ErrSubscriptionLimit is returned when a registration declares more
	// event subscriptions than the dispatcher allows.
	ErrSubscriptionLimit = errors.New("pubsub: subscription limit exceeded")

	// ErrRegistrationRejected is returned when the dispatcher acknowledges
	// a registration with an error.
	ErrRegistrationRejected = errors.New("pubsub: registration rejected")
)

// Default intervals for the steady-state loops.
const (
	DefaultPingInterval = 30 * time.Second
	DefaultAckInterval  = 1 * time.Second

	ackBuffer = 16
)

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l.With("component", "pubsub") }
}

// WithPrefix namespaces the broadcast channels and transaction stores.
func WithPrefix(prefix string) Option {
	return func(h *Handler) { h.prefix = prefix }
}

// WithSubscriptions declares the events this instance subscribes to and
// casts, carried in its registration request.
func WithSubscriptions(subscribe []registry.Subscription, cast []string) Option {
	return func(h *Handler) {
		h.eventsSubscribe = subscribe
		h.eventsCast = cast
	}
}

// WithMaxSubscriptions caps the declared subscriptions the dispatcher
// accepts per registration. Zero means unlimited.
func WithMaxSubscriptions(n int) Option {
	return func(h *Handler) { h.maxSubscriptions = n }
}

// WithPingInterval sets how often the active dispatcher broadcasts pings.
func WithPingInterval(d time.Duration) Option {
	return func(h *Handler) { h.pingInterval = d }
}

// WithAckInterval sets how often an unacknowledged registration request is
// republished.
func WithAckInterval(d time.Duration) Option {
	return func(h *Handler) { h.ackInterval = d }
}

// WithClock injects a clock for deterministic timestamps in tests.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// Handler orchestrates registration and liveness over the broadcast broker.
// One Handler runs per process instance and serves both roles: the incomer
// path (Register) and, when leadership is granted via SetLeader, the
// dispatcher path answering register messages and broadcasting pings.
type Handler struct {
	broker broadcast.Broker
	reg    registry.Store
	scaler *scaler.Scaler
	logger *slog.Logger

	dispatcherTxns *txn.Store
	incomerTxns    *txn.Store

	prefix           string
	name             string
	origin           id.InstanceID
	eventsSubscribe  []registry.Subscription
	eventsCast       []string
	maxSubscriptions int
	pingInterval     time.Duration
	ackInterval      time.Duration
	now              func() time.Time

	mu               sync.Mutex
	leader           bool
	self             id.InstanceID
	dispatcherOrigin string

	acks chan Message

	cancel        context.CancelFunc
	eg            *errgroup.Group
	dispatcherSub broadcast.Subscription
	instanceSub   broadcast.Subscription
}

// New creates a Handler for the instance identified by origin. The name is
// the instance's logical name carried in its registration request.
func New(broker broadcast.Broker, reg registry.Store, txns txn.Backend, sc *scaler.Scaler, origin id.InstanceID, name string, opts ...Option) *Handler {
	h := &Handler{
		broker:       broker,
		reg:          reg,
		scaler:       sc,
		logger:       slog.Default(),
		name:         name,
		origin:       origin,
		pingInterval: DefaultPingInterval,
		ackInterval:  DefaultAckInterval,
		now:          time.Now,
		acks:         make(chan Message, ackBuffer),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.dispatcherTxns = txn.NewStore(txns, txn.KindDispatcher, h.prefix)
	h.incomerTxns = txn.NewStore(txns, txn.KindIncomer, h.prefix)
	return h
}

// Init subscribes to the shared dispatcher channel and this instance's own
// acknowledgment channel, then starts the receive and ping loops.
func (h *Handler) Init(ctx context.Context) error {
	dsub, err := h.broker.Subscribe(ctx, DispatcherChannel(h.prefix))
	if err != nil {
		return fmt.Errorf("pubsub: subscribe dispatcher channel: %w", err)
	}
	isub, err := h.broker.Subscribe(ctx, InstanceChannel(h.prefix, h.origin.String()))
	if err != nil {
		dsub.Close()
		return fmt.Errorf("pubsub: subscribe instance channel: %w", err)
	}
	h.dispatcherSub = dsub
	h.instanceSub = isub

	loopCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.eg, loopCtx = errgroup.WithContext(loopCtx)

	h.eg.Go(func() error { h.dispatcherLoop(loopCtx); return nil })
	h.eg.Go(func() error { h.instanceLoop(loopCtx); return nil })
	h.eg.Go(func() error { h.pingLoop(loopCtx); return nil })
	return nil
}

// Close stops the loops and detaches both subscriptions.
func (h *Handler) Close() error {
	if h.cancel != nil {
		h.cancel()
	}

	var errs []error
	if h.dispatcherSub != nil {
		if err := h.dispatcherSub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if h.instanceSub != nil {
		if err := h.instanceSub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if h.eg != nil {
		h.eg.Wait()
	}
	return errors.Join(errs...)
}

// SetLeader grants this handler the dispatcher role. The instance ID is the
// registry record the winning elector wrote when taking the lead.
func (h *Handler) SetLeader(instanceID id.InstanceID) {
	h.mu.Lock()
	h.leader = true
	h.self = instanceID
	h.dispatcherOrigin = h.origin.String()
	h.mu.Unlock()
}

// IsLeader reports whether this handler currently holds the dispatcher role.
func (h *Handler) IsLeader() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leader
}

// InstanceID returns this instance's registry record ID, or the nil ID
// before registration completes.
func (h *Handler) InstanceID() id.InstanceID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.self
}

// DispatcherOrigin returns the origin of the last announced dispatcher, or
// an empty string when none has announced yet.
func (h *Handler) DispatcherOrigin() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dispatcherOrigin
}

// Register performs the incomer side of the handshake: it records a main
// transaction, publishes the registration request, and republishes until the
// dispatcher's resolving acknowledgment arrives or ctx is done. On success
// the main transaction is deleted and the assigned registry ID returned.
func (h *Handler) Register(ctx context.Context) (id.InstanceID, error) {
	req := Message{
		Event:           EventRegister,
		Name:            h.name,
		Origin:          h.origin.String(),
		EventsSubscribe: h.eventsSubscribe,
		EventsCast:      h.eventsCast,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return id.Nil, fmt.Errorf("pubsub: marshal registration: %w", err)
	}

	mainID, err := h.incomerTxns.Create(ctx, txn.NewMain(h.origin.String(), EventRegister, payload))
	if err != nil {
		return id.Nil, fmt.Errorf("pubsub: create registration transaction: %w", err)
	}
	req.TransactionID = mainID.String()

	data, err := req.Encode()
	if err != nil {
		return id.Nil, err
	}

	h.publish(ctx, DispatcherChannel(h.prefix), data)
	ticker := time.NewTicker(h.ackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return id.Nil, ctx.Err()
		case <-ticker.C:
			h.publish(ctx, DispatcherChannel(h.prefix), data)
		case ack := <-h.acks:
			if ack.RelatedTransaction != mainID.String() {
				continue
			}
			if err := h.incomerTxns.Delete(ctx, mainID); err != nil {
				h.logger.Warn("delete registration transaction", "id", mainID, "error", err)
			}
			if ack.Error != "" {
				return id.Nil, fmt.Errorf("%w: %s", ErrRegistrationRejected, ack.Error)
			}

			assigned, err := id.ParseInstanceID(ack.InstanceID)
			if err != nil {
				return id.Nil, fmt.Errorf("pubsub: registration ack: %w", err)
			}
			h.mu.Lock()
			if h.self.IsNil() {
				h.self = assigned
			}
			assigned = h.self
			h.mu.Unlock()
			return assigned, nil
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────
// Receive loops
// ─────────────────────────────────────────────────────────────────────────

func (h *Handler) dispatcherLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-h.dispatcherSub.C():
			if !ok {
				return
			}
			msg, err := Decode(raw)
			if err != nil {
				h.logger.Warn("dropping malformed broadcast", "channel", "dispatcher", "error", err)
				continue
			}
			h.handleDispatcherMessage(ctx, msg)
		}
	}
}

func (h *Handler) instanceLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-h.instanceSub.C():
			if !ok {
				return
			}
			msg, err := Decode(raw)
			if err != nil {
				h.logger.Warn("dropping malformed broadcast", "channel", "instance", "error", err)
				continue
			}
			if msg.Event != EventRegisterAck {
				continue
			}
			select {
			case h.acks <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (h *Handler) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !h.IsLeader() {
				continue
			}
			ping := Message{Event: EventPing, Origin: h.origin.String()}
			data, err := ping.Encode()
			if err != nil {
				continue
			}
			h.publish(ctx, DispatcherChannel(h.prefix), data)
		}
	}
}

func (h *Handler) handleDispatcherMessage(ctx context.Context, msg Message) {
	switch {
	case msg.Name == NameTakeLead:
		h.handleTakeLead(msg)
	case msg.Event == EventRegister:
		if h.IsLeader() {
			h.handleRegister(ctx, msg)
		}
	case msg.Event == EventPing:
		h.touchSelf(ctx)
	}
}

// handleTakeLead records the announced dispatcher. An announcement from a
// different origin revokes any local leadership claim.
func (h *Handler) handleTakeLead(msg Message) {
	if msg.Metadata == nil || msg.Metadata.Origin == "" {
		return
	}

	h.mu.Lock()
	h.dispatcherOrigin = msg.Metadata.Origin
	if msg.Metadata.Origin != h.origin.String() {
		h.leader = false
	}
	h.mu.Unlock()
}

// handleRegister runs the dispatcher side of the handshake: validate the
// declared subscriptions, record the resolving spread transaction, allocate
// consumer groups, write the registry record, and acknowledge.
func (h *Handler) handleRegister(ctx context.Context, msg Message) {
	if msg.TransactionID == "" || msg.Origin == "" {
		return
	}
	related, err := id.ParseTransactionID(msg.TransactionID)
	if err != nil {
		h.logger.Warn("dropping registration with bad transaction id", "origin", msg.Origin, "error", err)
		return
	}
	baseID, err := id.ParseInstanceID(msg.Origin)
	if err != nil {
		h.logger.Warn("dropping registration with bad origin", "origin", msg.Origin, "error", err)
		return
	}
	ackChannel := InstanceChannel(h.prefix, msg.Origin)

	if h.maxSubscriptions > 0 && len(msg.EventsSubscribe) > h.maxSubscriptions {
		h.publishAck(ctx, ackChannel, Message{
			Event:              EventRegisterAck,
			Origin:             h.origin.String(),
			RelatedTransaction: msg.TransactionID,
			Error:              ErrSubscriptionLimit.Error(),
		})
		return
	}

	spread := txn.NewSpread(h.origin.String(), EventRegister, related, nil)
	spreadID, err := h.dispatcherTxns.Create(ctx, spread)
	if err != nil {
		// The requester keeps republishing, so dropping here retries.
		h.logger.Error("create spread transaction", "origin", msg.Origin, "error", err)
		return
	}

	if err := h.scaler.Apply(ctx, subscriberConfig(msg)); err != nil {
		h.logger.Error("allocate consumer groups", "origin", msg.Origin, "error", err)
		return
	}

	now := h.now().UTC()
	inst := &registry.Instance{
		BaseID:          baseID,
		Name:            msg.Name,
		EventsSubscribe: msg.EventsSubscribe,
		EventsCast:      msg.EventsCast,
		AliveSince:      now,
		LastActivity:    now,
		Prefix:          h.prefix,
	}
	if msg.Origin == h.origin.String() {
		// Self-registration keeps the record written at takeLead.
		inst.ID = h.InstanceID()
		inst.IsActiveDispatcher = true
	}
	assigned, err := h.reg.SetInstance(ctx, inst)
	if err != nil {
		h.logger.Error("write registry record", "origin", msg.Origin, "error", err)
		return
	}

	spread.Resolved = true
	if err := h.dispatcherTxns.Update(ctx, spreadID, spread); err != nil {
		h.logger.Error("resolve spread transaction", "id", spreadID, "error", err)
		return
	}

	h.publishAck(ctx, ackChannel, Message{
		Event:              EventRegisterAck,
		Origin:             h.origin.String(),
		TransactionID:      spreadID.String(),
		RelatedTransaction: msg.TransactionID,
		InstanceID:         assigned.String(),
	})
}

// touchSelf refreshes this instance's liveness timestamp on ping receipt.
func (h *Handler) touchSelf(ctx context.Context) {
	self := h.InstanceID()
	if self.IsNil() {
		return
	}
	if err := h.reg.TouchInstance(ctx, self, h.now().UTC()); err != nil {
		h.logger.Warn("touch instance", "id", self, "error", err)
	}
}

func (h *Handler) publish(ctx context.Context, channel string, data json.RawMessage) {
	if err := h.broker.Publish(ctx, channel, data); err != nil {
		h.logger.Warn("publish failed", "channel", channel, "error", err)
	}
}

func (h *Handler) publishAck(ctx context.Context, channel string, ack Message) {
	data, err := ack.Encode()
	if err != nil {
		h.logger.Error("encode ack", "error", err)
		return
	}
	h.publish(ctx, channel, data)
}

// subscriberConfig maps a registration's declared subscriptions to the
// scaler configuration confirming one group per subscribed event.
func subscriberConfig(msg Message) map[string]scaler.EventConfig {
	cfg := make(map[string]scaler.EventConfig, len(msg.EventsSubscribe))
	for _, sub := range msg.EventsSubscribe {
		cfg[sub.Name] = scaler.EventConfig{Subscribers: []scaler.Subscriber{{
			Name:            msg.Name,
			HorizontalScale: sub.HorizontalScale,
			Replicas:        1,
		}}}
	}
	return cfg
}
