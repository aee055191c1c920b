package redis

// Redis key naming conventions for accord data.
// All keys are prefixed with "accord:" to avoid collisions.

const keyPrefix = "accord:"

// ── Registry keys ──

// instanceKey returns the key for an instance record: accord:instance:{id}
func instanceKey(id string) string { return keyPrefix + "instance:" + id }

// instanceIDsKey returns the Set tracking instance IDs per namespace:
// accord:instances:{prefix}
func instanceIDsKey(prefix string) string { return keyPrefix + "instances:" + prefix }

// ── Transaction keys ──

// txKey returns the key for a transaction record: accord:txn:{ns}:{id}.
// The namespace already carries the caller's prefix and role kind
// ("<prefix>-<kind>-transaction").
func txKey(ns, id string) string { return keyPrefix + "txn:" + ns + ":" + id }

// txIDsKey returns the Set tracking transaction IDs per namespace:
// accord:txns:{ns}
func txIDsKey(ns string) string { return keyPrefix + "txns:" + ns }
