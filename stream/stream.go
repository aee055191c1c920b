// Package stream defines the durable log contract Accord coordinates over:
// named append-only ordered sequences of entries with consumer-group delivery
// semantics (Redis Streams shaped).
//
// Within one stream, entries are delivered to each group in append order;
// across groups there is no ordering guarantee. An entry claimed but not
// acknowledged for longer than the configured idle time becomes eligible for
// redelivery to another consumer, the only built-in retry mechanism.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrIDConflict is returned by Append when an explicit entry ID is
	// supplied and the stream already advanced past it. Leadership races
	// are decided on this error.
	ErrIDConflict = errors.New("stream: entry id equal or smaller than last appended")

	// ErrStreamNotFound is returned when an operation targets a stream
	// that does not exist.
	ErrStreamNotFound = errors.New("stream: stream not found")

	// ErrGroupNotFound is returned when an operation targets a consumer
	// group that does not exist on the stream.
	ErrGroupNotFound = errors.New("stream: consumer group not found")

	// ErrGroupExists is returned by Init and CreateGroup when the group
	// already exists (Redis BUSYGROUP).
	ErrGroupExists = errors.New("stream: consumer group already exists")

	// ErrConsumerNotFound is returned when deleting an unknown consumer.
	ErrConsumerNotFound = errors.New("stream: consumer not found")
)

// Start positions for new consumer groups.
const (
	// StartBeginning delivers every entry in the stream, including
	// entries appended before the group was created.
	StartBeginning = "0"

	// StartNewOnly delivers only entries appended after group creation.
	StartNewOnly = "$"
)

// EntryID is the logical timestamp of a log entry: a strictly increasing
// (milliseconds, sequence) pair assigned by the log, rendered "ms-seq".
type EntryID struct {
	Ms  uint64
	Seq uint64
}

// String returns the canonical "ms-seq" representation.
func (e EntryID) String() string {
	return strconv.FormatUint(e.Ms, 10) + "-" + strconv.FormatUint(e.Seq, 10)
}

// IsZero reports whether the ID is the zero value "0-0".
func (e EntryID) IsZero() bool { return e.Ms == 0 && e.Seq == 0 }

// Before reports whether e precedes other in append order.
func (e EntryID) Before(other EntryID) bool {
	if e.Ms != other.Ms {
		return e.Ms < other.Ms
	}

	return e.Seq < other.Seq
}

// ParseEntryID parses an "ms-seq" string into an EntryID.
func ParseEntryID(s string) (EntryID, error) {
	ms, seq, ok := strings.Cut(s, "-")
	if !ok {
		return EntryID{}, fmt.Errorf("stream: parse entry id %q: missing separator", s)
	}

	msV, err := strconv.ParseUint(ms, 10, 64)
	if err != nil {
		return EntryID{}, fmt.Errorf("stream: parse entry id %q: %w", s, err)
	}
	seqV, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return EntryID{}, fmt.Errorf("stream: parse entry id %q: %w", s, err)
	}

	return EntryID{Ms: msV, Seq: seqV}, nil
}

// Entry is one immutable record of a stream.
type Entry struct {
	ID      EntryID         `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// GroupInfo describes one consumer group of a stream.
type GroupInfo struct {
	Name      string `json:"name"`
	Consumers int    `json:"consumers"`
}

// AppendArgs tunes a single Append call.
type AppendArgs struct {
	// ID, when non-zero, is the explicit entry ID to append at. The log
	// rejects it with ErrIDConflict if the stream already advanced past
	// it, which is the conflict primitive leader election relies on.
	ID EntryID
}

// ReadArgs tunes a single ReadGroup call.
type ReadArgs struct {
	// Count caps the number of entries returned. Zero means the backend
	// default.
	Count int64

	// Block is how long to wait for new entries before returning an
	// empty batch. Zero returns immediately.
	Block time.Duration
}

// Log is the durable log primitive Accord consumes. Implementations must
// guarantee strictly increasing entry IDs per stream and at-most-one
// delivery per entry per group.
type Log interface {
	// StreamExists reports whether the named stream exists.
	StreamExists(ctx context.Context, stream string) (bool, error)

	// GroupExists reports whether the named group exists on the stream.
	GroupExists(ctx context.Context, stream, group string) (bool, error)

	// Init creates the stream (if missing) and the consumer group,
	// positioned at start. Returns ErrGroupExists when another candidate
	// initialized the group first.
	Init(ctx context.Context, stream, group, start string) error

	// Append appends an entry and returns its assigned ID. With an
	// explicit args.ID, fails with ErrIDConflict if the ID is taken.
	Append(ctx context.Context, stream string, payload json.RawMessage, args AppendArgs) (EntryID, error)

	// ReadGroup delivers new entries to the given consumer, registering
	// it in the group if needed. Entries stay pending until acknowledged.
	ReadGroup(ctx context.Context, stream, group, consumer string, args ReadArgs) ([]Entry, error)

	// Claim transfers delivery ownership of pending entries to consumer,
	// provided each has been idle for at least minIdle. Entries not
	// pending or not yet idle are skipped.
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...EntryID) ([]Entry, error)

	// AutoClaim scans the group's pending entries and transfers up to
	// count entries idle for at least minIdle to consumer.
	AutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error)

	// Ack acknowledges pending entries, removing them from the group's
	// pending list. Acknowledging an entry that is not pending is a no-op.
	Ack(ctx context.Context, stream, group string, ids ...EntryID) error

	// CreateGroup creates a consumer group positioned at start. With
	// mkstream, the stream is created when missing; creating a group on
	// an existing stream never truncates it. Returns ErrGroupExists when
	// the group is already present.
	CreateGroup(ctx context.Context, stream, group, start string, mkstream bool) error

	// CreateConsumer registers a named consumer in the group. Idempotent.
	CreateConsumer(ctx context.Context, stream, group, consumer string) error

	// DeleteConsumer removes a consumer registration along with its
	// pending entries (Redis DELCONSUMER semantics).
	DeleteConsumer(ctx context.Context, stream, group, consumer string) error

	// ListGroups returns the groups of a stream.
	ListGroups(ctx context.Context, stream string) ([]GroupInfo, error)

	// DeleteStream removes the stream and all its groups.
	DeleteStream(ctx context.Context, stream string) error
}
