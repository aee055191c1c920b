package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/accord/id"
	"github.com/xraph/accord/txn"
)

// ListTransactions returns all transactions under the namespace.
func (s *Store) ListTransactions(ctx context.Context, ns string) ([]*txn.Transaction, error) {
	ids, err := s.client.SMembers(ctx, txIDsKey(ns)).Result()
	if err != nil {
		return nil, fmt.Errorf("accord/redis: list transactions: %w", err)
	}

	out := make([]*txn.Transaction, 0, len(ids))
	for _, txID := range ids {
		data, getErr := s.client.Get(ctx, txKey(ns, txID)).Result()
		if getErr != nil {
			continue // record deleted between SMEMBERS and GET
		}
		var t txn.Transaction
		if convErr := json.Unmarshal([]byte(data), &t); convErr != nil {
			s.logger.Warn("skipping malformed transaction record", "ns", ns, "id", txID, "error", convErr)
			continue
		}
		out = append(out, &t)
	}
	return out, nil
}

// SetTransaction writes the record by whole-value replace.
func (s *Store) SetTransaction(ctx context.Context, ns string, t *txn.Transaction) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("accord/redis: marshal transaction: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, txKey(ns, t.ID.String()), data, 0)
	pipe.SAdd(ctx, txIDsKey(ns), t.ID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("accord/redis: set transaction: %w", err)
	}
	return nil
}

// GetTransaction returns a single record, or txn.ErrNotFound.
func (s *Store) GetTransaction(ctx context.Context, ns string, txID id.TransactionID) (*txn.Transaction, error) {
	data, err := s.client.Get(ctx, txKey(ns, txID.String())).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, txn.ErrNotFound
		}
		return nil, fmt.Errorf("accord/redis: get transaction: %w", err)
	}

	var t txn.Transaction
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("accord/redis: unmarshal transaction: %w", err)
	}
	return &t, nil
}

// DeleteTransaction removes the record. Idempotent.
func (s *Store) DeleteTransaction(ctx context.Context, ns string, txID id.TransactionID) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, txKey(ns, txID.String()))
	pipe.SRem(ctx, txIDsKey(ns), txID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("accord/redis: delete transaction: %w", err)
	}
	return nil
}
