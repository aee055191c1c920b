package accord

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/accord/stream"
)

// eventClaimBatch caps how many stale entries one claim pass transfers.
const eventClaimBatch = 16

// EventHandler processes one delivered event entry. A nil return
// acknowledges the entry; an error leaves it pending, so it is redelivered
// once the claim idle time elapses.
type EventHandler func(ctx context.Context, e stream.Entry) error

// Emit appends a payload to the named event stream and returns the
// assigned entry ID.
func (c *Coordinator) Emit(ctx context.Context, event string, payload json.RawMessage) (stream.EntryID, error) {
	eid, err := c.log.Append(ctx, c.cfg.Prefixed(event), payload, stream.AppendArgs{})
	if err != nil {
		return stream.EntryID{}, fmt.Errorf("accord: emit %q: %w", event, err)
	}
	return eid, nil
}

// Consume reads the named event stream on behalf of group, delivering
// every entry to fn. Entries another consumer left unacknowledged past the
// resolved idle time (Config.EventClaimIdle) are claimed over, which is
// the redelivery path the ACCORD_IDLE_TIME override governs. The stream
// and group must already exist, normally provisioned through the
// dispatcher's event configuration. Blocks until ctx is canceled.
func (c *Coordinator) Consume(ctx context.Context, event, group string, fn EventHandler) error {
	streamName := c.cfg.Prefixed(event)
	consumer := c.origin.String()
	idle := c.cfg.EventClaimIdle()
	logger := c.logger.With("stream", streamName, "group", group)

	if err := c.log.CreateConsumer(ctx, streamName, group, consumer); err != nil {
		return fmt.Errorf("accord: consume %q: %w", event, err)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		claimed, err := c.log.AutoClaim(ctx, streamName, group, consumer, idle, eventClaimBatch)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("event claim failed", "error", err)
			sleepCtx(ctx, c.cfg.PollInterval)
			continue
		}
		c.deliver(ctx, streamName, group, claimed, fn, logger)

		entries, err := c.log.ReadGroup(ctx, streamName, group, consumer, stream.ReadArgs{Block: c.cfg.PollInterval})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("event read failed", "error", err)
			sleepCtx(ctx, c.cfg.PollInterval)
			continue
		}
		c.deliver(ctx, streamName, group, entries, fn, logger)
	}
}

func (c *Coordinator) deliver(ctx context.Context, streamName, group string, entries []stream.Entry, fn EventHandler, logger *slog.Logger) {
	for _, entry := range entries {
		if err := fn(ctx, entry); err != nil {
			logger.Warn("event handler failed", "entry", entry.ID, "error", err)
			continue
		}
		if err := c.log.Ack(ctx, streamName, group, entry.ID); err != nil {
			logger.Warn("event ack failed", "entry", entry.ID, "error", err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
