// Package txn tracks in-flight correlated exchanges between instances.
// A main transaction originates a request chain; a spread transaction
// answers or relays it and carries a resolved flag flipped exactly once by
// the party completing the exchange.
package txn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/accord/id"
)

var (
	// ErrNotFound is returned by backends when a transaction lookup
	// misses. Callers that treat absence as an empty result test for it
	// with errors.Is.
	ErrNotFound = errors.New("txn: transaction not found")

	// ErrResolveRollback is returned by Update when a write would
	// transition a resolved transaction back to unresolved.
	ErrResolveRollback = errors.New("txn: resolved transaction cannot be unresolved")

	// ErrRelatedRequired is returned when a spread transaction carries
	// no related transaction reference.
	ErrRelatedRequired = errors.New("txn: spread transaction requires a related transaction")

	// ErrMainRelated is returned when a main transaction references a
	// related transaction.
	ErrMainRelated = errors.New("txn: main transaction cannot reference a related transaction")
)

// Kind is the role a transaction store serves. Dispatcher-side and
// incomer-side stores share one contract, namespaced apart.
type Kind string

const (
	KindDispatcher Kind = "dispatcher"
	KindIncomer    Kind = "incomer"
)

// Transaction is one record of a correlated exchange.
type Transaction struct {
	ID                 id.TransactionID `json:"id"`
	OriginID           string           `json:"originId"`
	Event              string           `json:"event"`
	Payload            json.RawMessage  `json:"payload,omitempty"`
	MainTransaction    bool             `json:"mainTransaction"`
	RelatedTransaction id.TransactionID `json:"relatedTransaction,omitempty"`
	Resolved           bool             `json:"resolved"`
	AliveSince         time.Time        `json:"aliveSince"`
}

// NewMain builds an unsaved main transaction: the originating record of a
// request chain, never resolved and never related.
func NewMain(originID, event string, payload json.RawMessage) *Transaction {
	return &Transaction{
		OriginID:        originID,
		Event:           event,
		Payload:         payload,
		MainTransaction: true,
	}
}

// NewSpread builds an unsaved spread transaction answering or relaying the
// given main transaction.
func NewSpread(originID, event string, related id.TransactionID, payload json.RawMessage) *Transaction {
	return &Transaction{
		OriginID:           originID,
		Event:              event,
		Payload:            payload,
		RelatedTransaction: related,
	}
}

// Validate enforces the correlation invariants: a main transaction's related
// reference is always nil; every spread transaction references a main one.
func (t *Transaction) Validate() error {
	if t.MainTransaction && !t.RelatedTransaction.IsNil() {
		return ErrMainRelated
	}
	if !t.MainTransaction && t.RelatedTransaction.IsNil() {
		return ErrRelatedRequired
	}
	return nil
}

// Backend is the raw keyed persistence a Store view binds to. Records are
// grouped under an opaque namespace key and mutated by whole-value replace.
type Backend interface {
	// ListTransactions returns all transactions under the namespace.
	ListTransactions(ctx context.Context, ns string) ([]*Transaction, error)

	// SetTransaction writes the record by whole-value replace.
	SetTransaction(ctx context.Context, ns string, t *Transaction) error

	// GetTransaction returns a single record, or a not-found error.
	GetTransaction(ctx context.Context, ns string, txID id.TransactionID) (*Transaction, error)

	// DeleteTransaction removes the record. Idempotent.
	DeleteTransaction(ctx context.Context, ns string, txID id.TransactionID) error
}

// Store is a namespaced view over a Backend, parameterized by role kind and
// namespace prefix. Dispatcher-side and incomer-side logic construct the
// same view with a different kind.
type Store struct {
	backend Backend
	ns      string
	now     func() time.Time
}

// Option configures a Store view.
type Option func(*Store)

// WithClock injects a clock for deterministic AliveSince stamps in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore binds a view to the backend under the "<prefix>-<kind>-transaction"
// namespace (unprefixed when prefix is empty).
func NewStore(backend Backend, kind Kind, prefix string, opts ...Option) *Store {
	ns := string(kind) + "-transaction"
	if prefix != "" {
		ns = prefix + "-" + ns
	}

	s := &Store{backend: backend, ns: ns, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Namespace returns the namespace key this view operates under.
func (s *Store) Namespace() string { return s.ns }

// List returns all transactions under this view's namespace, keyed by
// transaction ID.
func (s *Store) List(ctx context.Context) (map[id.TransactionID]*Transaction, error) {
	all, err := s.backend.ListTransactions(ctx, s.ns)
	if err != nil {
		return nil, err
	}

	out := make(map[id.TransactionID]*Transaction, len(all))
	for _, t := range all {
		out[t.ID] = t
	}
	return out, nil
}

// Create assigns a new unique transaction ID, stamps AliveSince, persists
// the record, and returns the ID.
func (s *Store) Create(ctx context.Context, t *Transaction) (id.TransactionID, error) {
	if err := t.Validate(); err != nil {
		return id.Nil, err
	}

	cp := *t
	cp.ID = id.NewTransactionID()
	cp.AliveSince = s.now().UTC()

	if err := s.backend.SetTransaction(ctx, s.ns, &cp); err != nil {
		return id.Nil, err
	}
	return cp.ID, nil
}

// Update replaces the whole record and re-stamps AliveSince. Updating an
// absent ID is silently ignored; callers that care check existence first.
// A write that would regress Resolved from true to false is rejected.
func (s *Store) Update(ctx context.Context, txID id.TransactionID, t *Transaction) error {
	if err := t.Validate(); err != nil {
		return err
	}

	existing, err := s.backend.GetTransaction(ctx, s.ns, txID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil // absent id is a silent no-op by contract
		}
		return err
	}
	if existing.Resolved && !t.Resolved {
		return fmt.Errorf("%w: %s", ErrResolveRollback, txID)
	}

	cp := *t
	cp.ID = txID
	cp.AliveSince = s.now().UTC()
	return s.backend.SetTransaction(ctx, s.ns, &cp)
}

// GetByID returns a single transaction, or the backend's not-found error.
func (s *Store) GetByID(ctx context.Context, txID id.TransactionID) (*Transaction, error) {
	return s.backend.GetTransaction(ctx, s.ns, txID)
}

// Delete removes the record. Deleting an absent ID is not an error.
func (s *Store) Delete(ctx context.Context, txID id.TransactionID) error {
	return s.backend.DeleteTransaction(ctx, s.ns, txID)
}
