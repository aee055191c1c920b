// Package accord provides a distributed coordination layer for event-driven
// process fleets. Independent instances race to elect exactly one active
// dispatcher per namespace over a shared append-only log with consumer-group
// semantics, scale per-event delivery groups, and correlate cross-instance
// request/response exchanges as transactions.
//
// Accord is designed as a library, not a service. Import it, configure a log
// backend and a store, and call Start.
//
// # Quick Start
//
//	c, err := accord.New(
//	    accord.WithInstanceName("pulsar"),
//	    accord.WithLog(streamredis.New(client)),
//	    accord.WithStore(storeredis.New(client)),
//	    accord.WithBroker(broadcastredis.New(client)),
//	)
//
// # Architecture
//
// Accord follows a composable store pattern where each subsystem (stream,
// broadcast, registry, txn) defines its own contract interface. Leadership is
// decided on the log itself: the first candidate to append the fixed-id
// sentinel entry to the coordination stream wins, so no distributed lock is
// needed.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package accord
