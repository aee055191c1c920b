// Package memory provides a fully in-memory stream.Log with real
// consumer-group semantics: append-order delivery, pending-entry tracking,
// idle-based claim eligibility, and explicit-ID append conflicts.
// Safe for concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/xraph/accord/stream"
)

// Compile-time interface check.
var _ stream.Log = (*Log)(nil)

const (
	defaultReadCount  = 100
	defaultClaimCount = 100
	pollEvery         = 10 * time.Millisecond
)

// Option configures the Log.
type Option func(*Log)

// WithClock injects a clock, letting tests control idle-time eligibility
// without sleeping.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// Log is an in-memory implementation of stream.Log.
type Log struct {
	mu      sync.Mutex
	streams map[string]*memStream
	now     func() time.Time
}

type memStream struct {
	entries []stream.Entry
	last    stream.EntryID
	groups  map[string]*memGroup
}

type memGroup struct {
	cursor    stream.EntryID
	consumers map[string]struct{}
	pending   map[stream.EntryID]*pendingEntry
}

type pendingEntry struct {
	consumer    string
	deliveredAt time.Time
	deliveries  int
}

// New returns a new empty Log.
func New(opts ...Option) *Log {
	l := &Log{
		streams: make(map[string]*memStream),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// StreamExists reports whether the named stream exists.
func (l *Log) StreamExists(_ context.Context, name string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.streams[name]
	return ok, nil
}

// GroupExists reports whether the named group exists on the stream.
func (l *Log) GroupExists(_ context.Context, name, group string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.streams[name]
	if !ok {
		return false, nil
	}
	_, ok = s.groups[group]
	return ok, nil
}

// Init creates the stream (if missing) and the consumer group at start.
func (l *Log) Init(ctx context.Context, name, group, start string) error {
	return l.CreateGroup(ctx, name, group, start, true)
}

// Append appends an entry and returns its assigned ID. The stream is
// created on first append, matching Redis XADD.
func (l *Log) Append(_ context.Context, name string, payload json.RawMessage, args stream.AppendArgs) (stream.EntryID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.stream(name)

	eid := args.ID
	if eid.IsZero() {
		eid = l.nextID(s)
	} else if !s.last.Before(eid) {
		return stream.EntryID{}, stream.ErrIDConflict
	}

	cp := make(json.RawMessage, len(payload))
	copy(cp, payload)
	s.entries = append(s.entries, stream.Entry{ID: eid, Payload: cp})
	s.last = eid
	return eid, nil
}

// ReadGroup delivers new entries to the consumer, registering it in the
// group on first read. Blocks up to args.Block when no entry is ready.
func (l *Log) ReadGroup(ctx context.Context, name, group, consumer string, args stream.ReadArgs) ([]stream.Entry, error) {
	deadline := time.Now().Add(args.Block)

	for {
		entries, err := l.readOnce(name, group, consumer, args.Count)
		if err != nil || len(entries) > 0 {
			return entries, err
		}
		if args.Block <= 0 || time.Now().After(deadline) {
			return nil, nil
		}

		timer := time.NewTimer(pollEvery)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Log) readOnce(name, group, consumer string, count int64) ([]stream.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.streams[name]
	if !ok {
		return nil, stream.ErrStreamNotFound
	}
	g, ok := s.groups[group]
	if !ok {
		return nil, stream.ErrGroupNotFound
	}
	g.consumers[consumer] = struct{}{}

	if count <= 0 {
		count = defaultReadCount
	}

	now := l.now()
	var out []stream.Entry
	for _, e := range s.entries {
		if !g.cursor.Before(e.ID) {
			continue
		}
		out = append(out, e)
		g.pending[e.ID] = &pendingEntry{consumer: consumer, deliveredAt: now, deliveries: 1}
		g.cursor = e.ID
		if int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

// Claim transfers ownership of the given pending entries to consumer when
// they have been idle for at least minIdle.
func (l *Log) Claim(_ context.Context, name, group, consumer string, minIdle time.Duration, ids ...stream.EntryID) ([]stream.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, g, err := l.group(name, group)
	if err != nil {
		return nil, err
	}
	g.consumers[consumer] = struct{}{}

	now := l.now()
	var out []stream.Entry
	for _, eid := range ids {
		p, ok := g.pending[eid]
		if !ok {
			continue
		}
		if now.Sub(p.deliveredAt) < minIdle {
			continue
		}
		p.consumer = consumer
		p.deliveredAt = now
		p.deliveries++
		if e, found := s.entry(eid); found {
			out = append(out, e)
		}
	}
	return out, nil
}

// AutoClaim scans pending entries in append order and transfers up to count
// entries idle for at least minIdle to consumer.
func (l *Log) AutoClaim(_ context.Context, name, group, consumer string, minIdle time.Duration, count int64) ([]stream.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, g, err := l.group(name, group)
	if err != nil {
		return nil, err
	}
	g.consumers[consumer] = struct{}{}

	if count <= 0 {
		count = defaultClaimCount
	}

	eligible := make([]stream.EntryID, 0, len(g.pending))
	now := l.now()
	for eid, p := range g.pending {
		if now.Sub(p.deliveredAt) >= minIdle {
			eligible = append(eligible, eid)
		}
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].Before(eligible[j]) })

	var out []stream.Entry
	for _, eid := range eligible {
		if int64(len(out)) >= count {
			break
		}
		p := g.pending[eid]
		p.consumer = consumer
		p.deliveredAt = now
		p.deliveries++
		if e, found := s.entry(eid); found {
			out = append(out, e)
		}
	}
	return out, nil
}

// Ack removes entries from the group's pending list. No-op for entries that
// are not pending.
func (l *Log) Ack(_ context.Context, name, group string, ids ...stream.EntryID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, g, err := l.group(name, group)
	if err != nil {
		return err
	}
	for _, eid := range ids {
		delete(g.pending, eid)
	}
	return nil
}

// CreateGroup creates a consumer group at start. With mkstream the stream
// is created when missing; an existing stream is never truncated.
func (l *Log) CreateGroup(_ context.Context, name, group, start string, mkstream bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.streams[name]
	if !ok {
		if !mkstream {
			return stream.ErrStreamNotFound
		}
		s = l.stream(name)
	}
	if _, exists := s.groups[group]; exists {
		return stream.ErrGroupExists
	}

	cursor := stream.EntryID{}
	switch start {
	case stream.StartNewOnly:
		cursor = s.last
	case stream.StartBeginning, "":
	default:
		parsed, err := stream.ParseEntryID(start)
		if err != nil {
			return err
		}
		cursor = parsed
	}

	s.groups[group] = &memGroup{
		cursor:    cursor,
		consumers: make(map[string]struct{}),
		pending:   make(map[stream.EntryID]*pendingEntry),
	}
	return nil
}

// CreateConsumer registers a named consumer in the group. Idempotent.
func (l *Log) CreateConsumer(_ context.Context, name, group, consumer string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, g, err := l.group(name, group)
	if err != nil {
		return err
	}
	g.consumers[consumer] = struct{}{}
	return nil
}

// DeleteConsumer removes a consumer registration along with its pending
// entries. Removing an unknown consumer is a no-op.
func (l *Log) DeleteConsumer(_ context.Context, name, group, consumer string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, g, err := l.group(name, group)
	if err != nil {
		return err
	}
	delete(g.consumers, consumer)
	for eid, p := range g.pending {
		if p.consumer == consumer {
			delete(g.pending, eid)
		}
	}
	return nil
}

// ListGroups returns the groups of a stream.
func (l *Log) ListGroups(_ context.Context, name string) ([]stream.GroupInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.streams[name]
	if !ok {
		return nil, stream.ErrStreamNotFound
	}

	out := make([]stream.GroupInfo, 0, len(s.groups))
	for gname, g := range s.groups {
		out = append(out, stream.GroupInfo{Name: gname, Consumers: len(g.consumers)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DeleteStream removes the stream and all its groups. Idempotent.
func (l *Log) DeleteStream(_ context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.streams, name)
	return nil
}

// ── helpers ──

// stream returns the named stream, creating it when missing.
// Caller must hold l.mu.
func (l *Log) stream(name string) *memStream {
	s, ok := l.streams[name]
	if !ok {
		s = &memStream{groups: make(map[string]*memGroup)}
		l.streams[name] = s
	}
	return s
}

// group resolves a stream and group pair. Caller must hold l.mu.
func (l *Log) group(name, group string) (*memStream, *memGroup, error) {
	s, ok := l.streams[name]
	if !ok {
		return nil, nil, stream.ErrStreamNotFound
	}
	g, ok := s.groups[group]
	if !ok {
		return nil, nil, stream.ErrGroupNotFound
	}
	return s, g, nil
}

// nextID assigns the next auto ID. Caller must hold l.mu.
func (l *Log) nextID(s *memStream) stream.EntryID {
	ms := uint64(l.now().UnixMilli())
	if ms <= s.last.Ms {
		return stream.EntryID{Ms: s.last.Ms, Seq: s.last.Seq + 1}
	}
	return stream.EntryID{Ms: ms}
}

func (s *memStream) entry(eid stream.EntryID) (stream.Entry, bool) {
	idx := sort.Search(len(s.entries), func(i int) bool {
		return !s.entries[i].ID.Before(eid)
	})
	if idx < len(s.entries) && s.entries[idx].ID == eid {
		return s.entries[idx], true
	}
	return stream.Entry{}, false
}
