// Package store defines the composite persistence interface for Accord.
//
// Accord follows a composable store pattern: the registry and transaction
// subsystems each define their own contract, and a single backend implements
// all of them. Backends ship for Redis (production) and memory (testing).
package store

import (
	"context"

	"github.com/xraph/accord/registry"
	"github.com/xraph/accord/txn"
)

// Store is the composite interface a persistence backend implements.
type Store interface {
	registry.Store
	txn.Backend

	// Ping verifies the backend connection is alive.
	Ping(ctx context.Context) error

	// Close releases backend resources owned by the store.
	Close(ctx context.Context) error
}
