// Package memory is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/accord"
	"github.com/xraph/accord/id"
	"github.com/xraph/accord/registry"
	"github.com/xraph/accord/store"
	"github.com/xraph/accord/txn"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store is a mutex-guarded map implementation of the composite store.
type Store struct {
	mu sync.RWMutex

	instances    map[string]*registry.Instance
	transactions map[string]map[string]*txn.Transaction // ns → txID → record
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		instances:    make(map[string]*registry.Instance),
		transactions: make(map[string]map[string]*txn.Transaction),
	}
}

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close(_ context.Context) error { return nil }

// ──────────────────────────────────────────────────
// Registry store
// ──────────────────────────────────────────────────

// SetInstance writes the record by whole-value replace, assigning a
// provided ID when absent.
func (m *Store) SetInstance(_ context.Context, inst *registry.Instance) (id.InstanceID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *inst
	if cp.ID.IsNil() {
		cp.ID = id.NewInstanceID()
	}
	m.instances[cp.ID.String()] = &cp
	return cp.ID, nil
}

// GetInstance returns the record for the given provided ID.
func (m *Store) GetInstance(_ context.Context, instanceID id.InstanceID) (*registry.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances[instanceID.String()]
	if !ok {
		return nil, accord.ErrInstanceNotFound
	}
	cp := *inst
	return &cp, nil
}

// ListInstances returns all records under the namespace prefix, ordered by
// provided ID for deterministic iteration.
func (m *Store) ListInstances(_ context.Context, prefix string) ([]*registry.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*registry.Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		if inst.Prefix != prefix {
			continue
		}
		cp := *inst
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

// TouchInstance refreshes LastActivity.
func (m *Store) TouchInstance(_ context.Context, instanceID id.InstanceID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[instanceID.String()]
	if !ok {
		return accord.ErrInstanceNotFound
	}
	inst.LastActivity = at
	return nil
}

// DeleteInstance removes the record. Idempotent.
func (m *Store) DeleteInstance(_ context.Context, instanceID id.InstanceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.instances, instanceID.String())
	return nil
}

// ActiveDispatcher returns the record with IsActiveDispatcher set under the
// prefix, or nil when there is none.
func (m *Store) ActiveDispatcher(_ context.Context, prefix string) (*registry.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, inst := range m.instances {
		if inst.Prefix == prefix && inst.IsActiveDispatcher {
			cp := *inst
			return &cp, nil
		}
	}
	return nil, nil
}

// ──────────────────────────────────────────────────
// Transaction backend
// ──────────────────────────────────────────────────

// ListTransactions returns all transactions under the namespace.
func (m *Store) ListTransactions(_ context.Context, ns string) ([]*txn.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := m.transactions[ns]
	out := make([]*txn.Transaction, 0, len(records))
	for _, t := range records {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

// SetTransaction writes the record by whole-value replace.
func (m *Store) SetTransaction(_ context.Context, ns string, t *txn.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	records, ok := m.transactions[ns]
	if !ok {
		records = make(map[string]*txn.Transaction)
		m.transactions[ns] = records
	}
	cp := *t
	records[t.ID.String()] = &cp
	return nil
}

// GetTransaction returns a single record, or txn.ErrNotFound.
func (m *Store) GetTransaction(_ context.Context, ns string, txID id.TransactionID) (*txn.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.transactions[ns][txID.String()]
	if !ok {
		return nil, txn.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// DeleteTransaction removes the record. Idempotent.
func (m *Store) DeleteTransaction(_ context.Context, ns string, txID id.TransactionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.transactions[ns], txID.String())
	return nil
}
