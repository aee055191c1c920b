// Package registry defines the shared directory of known instances:
// dispatchers and incomers, their declared event interests, and their
// liveness timestamps. The registry is the synchronization point for
// "who is the active dispatcher": exactly one record per namespace may
// carry IsActiveDispatcher at a time, an invariant upheld by the election
// protocol, not by the store.
package registry

import (
	"context"
	"time"

	"github.com/xraph/accord/id"
)

// Subscription declares one event a registered instance subscribes to.
type Subscription struct {
	Name            string `json:"name"`
	HorizontalScale bool   `json:"horizontalScale,omitempty"`
}

// Instance is one record of the shared directory. Records are mutated by
// whole-value replace only, never partial field writes, so concurrent
// writers cannot corrupt each other's updates.
type Instance struct {
	// ID is the provided identity assigned by the store on first Set.
	ID id.InstanceID `json:"id"`

	// BaseID is the identity the process generated for itself at boot,
	// also its consumer name on the coordination stream.
	BaseID id.InstanceID `json:"baseId"`

	Name               string         `json:"name"`
	IsActiveDispatcher bool           `json:"isActiveDispatcher"`
	EventsSubscribe    []Subscription `json:"eventsSubscribe,omitempty"`
	EventsCast         []string       `json:"eventsCast,omitempty"`
	AliveSince         time.Time      `json:"aliveSince"`
	LastActivity       time.Time      `json:"lastActivity"`
	Prefix             string         `json:"prefix,omitempty"`
}

// Store defines the persistence contract for the instance directory.
type Store interface {
	// SetInstance writes the record by whole-value replace, assigning a
	// provided ID when inst.ID is nil, and returns that ID.
	SetInstance(ctx context.Context, inst *Instance) (id.InstanceID, error)

	// GetInstance returns the record for the given provided ID.
	GetInstance(ctx context.Context, instanceID id.InstanceID) (*Instance, error)

	// ListInstances returns all records under the namespace prefix.
	ListInstances(ctx context.Context, prefix string) ([]*Instance, error)

	// TouchInstance refreshes LastActivity without rewriting the record.
	TouchInstance(ctx context.Context, instanceID id.InstanceID, at time.Time) error

	// DeleteInstance removes the record. Deleting an absent record is
	// not an error.
	DeleteInstance(ctx context.Context, instanceID id.InstanceID) error

	// ActiveDispatcher returns the record with IsActiveDispatcher set
	// under the namespace prefix, or nil when there is none.
	ActiveDispatcher(ctx context.Context, prefix string) (*Instance, error)
}
