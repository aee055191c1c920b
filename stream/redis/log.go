// Package redis implements stream.Log on Redis Streams via go-redis.
// Streams map to Redis streams, groups to consumer groups, and the
// explicit-ID append conflict maps to XADD's equal-or-smaller rejection.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	log := streamredis.New(client)
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/accord/stream"
)

// Compile-time interface check.
var _ stream.Log = (*Log)(nil)

// payloadField is the single stream field carrying the JSON payload.
const payloadField = "payload"

// Option configures the Log.
type Option func(*Log)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Log) { s.logger = l }
}

// Log implements stream.Log backed by Redis Streams.
type Log struct {
	client goredis.Cmdable
	logger *slog.Logger
}

// New creates a new Redis-backed log. The caller owns the Redis client
// lifecycle.
func New(client goredis.Cmdable, opts ...Option) *Log {
	l := &Log{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Client returns the underlying Redis client.
func (l *Log) Client() goredis.Cmdable { return l.client }

// StreamExists reports whether the named stream exists.
func (l *Log) StreamExists(ctx context.Context, name string) (bool, error) {
	n, err := l.client.Exists(ctx, name).Result()
	if err != nil {
		return false, fmt.Errorf("accord/redis: stream exists: %w", err)
	}
	return n > 0, nil
}

// GroupExists reports whether the named group exists on the stream.
func (l *Log) GroupExists(ctx context.Context, name, group string) (bool, error) {
	groups, err := l.client.XInfoGroups(ctx, name).Result()
	if err != nil {
		if isNoStream(err) {
			return false, nil
		}
		return false, fmt.Errorf("accord/redis: group exists: %w", err)
	}
	for _, g := range groups {
		if g.Name == group {
			return true, nil
		}
	}
	return false, nil
}

// Init creates the stream (if missing) and the consumer group at start.
func (l *Log) Init(ctx context.Context, name, group, start string) error {
	return l.CreateGroup(ctx, name, group, start, true)
}

// Append appends an entry and returns its assigned ID.
func (l *Log) Append(ctx context.Context, name string, payload json.RawMessage, args stream.AppendArgs) (stream.EntryID, error) {
	xid := "*"
	if !args.ID.IsZero() {
		xid = args.ID.String()
	}

	res, err := l.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: name,
		ID:     xid,
		Values: map[string]interface{}{payloadField: string(payload)},
	}).Result()
	if err != nil {
		if isIDConflict(err) {
			return stream.EntryID{}, stream.ErrIDConflict
		}
		return stream.EntryID{}, fmt.Errorf("accord/redis: append: %w", err)
	}

	eid, err := stream.ParseEntryID(res)
	if err != nil {
		return stream.EntryID{}, fmt.Errorf("accord/redis: append returned id: %w", err)
	}
	return eid, nil
}

// ReadGroup delivers new entries to the consumer via XREADGROUP.
func (l *Log) ReadGroup(ctx context.Context, name, group, consumer string, args stream.ReadArgs) ([]stream.Entry, error) {
	block := args.Block
	if block <= 0 {
		// go-redis treats 0 as "block forever"; negative disables BLOCK.
		block = -1
	}

	res, err := l.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{name, ">"},
		Count:    args.Count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil // block timeout, empty batch
		}
		if isNoGroup(err) {
			return nil, stream.ErrGroupNotFound
		}
		return nil, fmt.Errorf("accord/redis: read group: %w", err)
	}

	var out []stream.Entry
	for _, s := range res {
		for _, msg := range s.Messages {
			entry, convErr := toEntry(msg)
			if convErr != nil {
				l.logger.Warn("skipping malformed stream entry",
					"stream", name, "id", msg.ID, "error", convErr)
				continue
			}
			out = append(out, entry)
		}
	}
	return out, nil
}

// Claim transfers ownership of pending entries to consumer via XCLAIM.
func (l *Log) Claim(ctx context.Context, name, group, consumer string, minIdle time.Duration, ids ...stream.EntryID) ([]stream.Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	messages := make([]string, 0, len(ids))
	for _, eid := range ids {
		messages = append(messages, eid.String())
	}

	res, err := l.client.XClaim(ctx, &goredis.XClaimArgs{
		Stream:   name,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: messages,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		if isNoGroup(err) {
			return nil, stream.ErrGroupNotFound
		}
		return nil, fmt.Errorf("accord/redis: claim: %w", err)
	}
	return l.toEntries(name, res), nil
}

// AutoClaim scans pending entries and transfers idle ones via XAUTOCLAIM.
func (l *Log) AutoClaim(ctx context.Context, name, group, consumer string, minIdle time.Duration, count int64) ([]stream.Entry, error) {
	res, _, err := l.client.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   name,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		if isNoGroup(err) {
			return nil, stream.ErrGroupNotFound
		}
		return nil, fmt.Errorf("accord/redis: autoclaim: %w", err)
	}
	return l.toEntries(name, res), nil
}

// Ack acknowledges pending entries via XACK.
func (l *Log) Ack(ctx context.Context, name, group string, ids ...stream.EntryID) error {
	if len(ids) == 0 {
		return nil
	}

	strIDs := make([]string, 0, len(ids))
	for _, eid := range ids {
		strIDs = append(strIDs, eid.String())
	}

	if err := l.client.XAck(ctx, name, group, strIDs...).Err(); err != nil {
		return fmt.Errorf("accord/redis: ack: %w", err)
	}
	return nil
}

// CreateGroup creates a consumer group via XGROUP CREATE.
func (l *Log) CreateGroup(ctx context.Context, name, group, start string, mkstream bool) error {
	if start == "" {
		start = stream.StartBeginning
	}

	var err error
	if mkstream {
		err = l.client.XGroupCreateMkStream(ctx, name, group, start).Err()
	} else {
		err = l.client.XGroupCreate(ctx, name, group, start).Err()
	}
	if err != nil {
		if isBusyGroup(err) {
			return stream.ErrGroupExists
		}
		if isNoStream(err) {
			return stream.ErrStreamNotFound
		}
		return fmt.Errorf("accord/redis: create group: %w", err)
	}
	return nil
}

// CreateConsumer registers a named consumer via XGROUP CREATECONSUMER.
func (l *Log) CreateConsumer(ctx context.Context, name, group, consumer string) error {
	if err := l.client.XGroupCreateConsumer(ctx, name, group, consumer).Err(); err != nil {
		if isNoGroup(err) {
			return stream.ErrGroupNotFound
		}
		return fmt.Errorf("accord/redis: create consumer: %w", err)
	}
	return nil
}

// DeleteConsumer removes a consumer via XGROUP DELCONSUMER.
func (l *Log) DeleteConsumer(ctx context.Context, name, group, consumer string) error {
	if err := l.client.XGroupDelConsumer(ctx, name, group, consumer).Err(); err != nil {
		if isNoGroup(err) {
			return stream.ErrGroupNotFound
		}
		return fmt.Errorf("accord/redis: delete consumer: %w", err)
	}
	return nil
}

// ListGroups returns the groups of a stream via XINFO GROUPS.
func (l *Log) ListGroups(ctx context.Context, name string) ([]stream.GroupInfo, error) {
	groups, err := l.client.XInfoGroups(ctx, name).Result()
	if err != nil {
		if isNoStream(err) {
			return nil, stream.ErrStreamNotFound
		}
		return nil, fmt.Errorf("accord/redis: list groups: %w", err)
	}

	out := make([]stream.GroupInfo, 0, len(groups))
	for _, g := range groups {
		out = append(out, stream.GroupInfo{Name: g.Name, Consumers: int(g.Consumers)})
	}
	return out, nil
}

// DeleteStream removes the stream key. Idempotent.
func (l *Log) DeleteStream(ctx context.Context, name string) error {
	if err := l.client.Del(ctx, name).Err(); err != nil {
		return fmt.Errorf("accord/redis: delete stream: %w", err)
	}
	return nil
}

// ── helpers ──

func (l *Log) toEntries(name string, msgs []goredis.XMessage) []stream.Entry {
	out := make([]stream.Entry, 0, len(msgs))
	for _, msg := range msgs {
		entry, err := toEntry(msg)
		if err != nil {
			l.logger.Warn("skipping malformed stream entry",
				"stream", name, "id", msg.ID, "error", err)
			continue
		}
		out = append(out, entry)
	}
	return out
}

func toEntry(msg goredis.XMessage) (stream.Entry, error) {
	eid, err := stream.ParseEntryID(msg.ID)
	if err != nil {
		return stream.Entry{}, err
	}

	raw, _ := msg.Values[payloadField].(string) //nolint:errcheck // absent field yields empty payload
	return stream.Entry{ID: eid, Payload: json.RawMessage(raw)}, nil
}

// Redis reports these conditions as flat error strings; classify by content.

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

func isNoGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}

func isNoStream(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "no such key") || strings.Contains(msg, "ERR The XGROUP subcommand requires the key to exist")
}

func isIDConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "equal or smaller")
}
