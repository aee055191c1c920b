package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/accord"
	"github.com/xraph/accord/id"
	"github.com/xraph/accord/registry"
)

// SetInstance writes the record by whole-value replace, assigning a
// provided ID when absent.
func (s *Store) SetInstance(ctx context.Context, inst *registry.Instance) (id.InstanceID, error) {
	cp := *inst
	if cp.ID.IsNil() {
		cp.ID = id.NewInstanceID()
	}

	data, err := json.Marshal(&cp)
	if err != nil {
		return id.Nil, fmt.Errorf("accord/redis: marshal instance: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, instanceKey(cp.ID.String()), data, 0)
	pipe.SAdd(ctx, instanceIDsKey(cp.Prefix), cp.ID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return id.Nil, fmt.Errorf("accord/redis: set instance: %w", err)
	}
	return cp.ID, nil
}

// GetInstance returns the record for the given provided ID.
func (s *Store) GetInstance(ctx context.Context, instanceID id.InstanceID) (*registry.Instance, error) {
	data, err := s.client.Get(ctx, instanceKey(instanceID.String())).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, accord.ErrInstanceNotFound
		}
		return nil, fmt.Errorf("accord/redis: get instance: %w", err)
	}

	var inst registry.Instance
	if err := json.Unmarshal([]byte(data), &inst); err != nil {
		return nil, fmt.Errorf("accord/redis: unmarshal instance: %w", err)
	}
	return &inst, nil
}

// ListInstances returns all records under the namespace prefix.
func (s *Store) ListInstances(ctx context.Context, prefix string) ([]*registry.Instance, error) {
	ids, err := s.client.SMembers(ctx, instanceIDsKey(prefix)).Result()
	if err != nil {
		return nil, fmt.Errorf("accord/redis: list instances: %w", err)
	}

	out := make([]*registry.Instance, 0, len(ids))
	for _, instID := range ids {
		data, getErr := s.client.Get(ctx, instanceKey(instID)).Result()
		if getErr != nil {
			continue // record reaped between SMEMBERS and GET
		}
		var inst registry.Instance
		if convErr := json.Unmarshal([]byte(data), &inst); convErr != nil {
			s.logger.Warn("skipping malformed instance record", "id", instID, "error", convErr)
			continue
		}
		out = append(out, &inst)
	}
	return out, nil
}

// TouchInstance refreshes LastActivity through a read-modify-write of the
// whole record.
func (s *Store) TouchInstance(ctx context.Context, instanceID id.InstanceID, at time.Time) error {
	inst, err := s.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}

	inst.LastActivity = at
	if _, err := s.SetInstance(ctx, inst); err != nil {
		return err
	}
	return nil
}

// DeleteInstance removes the record. Idempotent.
func (s *Store) DeleteInstance(ctx context.Context, instanceID id.InstanceID) error {
	inst, err := s.GetInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, accord.ErrInstanceNotFound) {
			return nil
		}
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, instanceKey(instanceID.String()))
	pipe.SRem(ctx, instanceIDsKey(inst.Prefix), instanceID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("accord/redis: delete instance: %w", err)
	}
	return nil
}

// ActiveDispatcher returns the record with IsActiveDispatcher set under the
// prefix, or nil when there is none.
func (s *Store) ActiveDispatcher(ctx context.Context, prefix string) (*registry.Instance, error) {
	instances, err := s.ListInstances(ctx, prefix)
	if err != nil {
		return nil, err
	}
	for _, inst := range instances {
		if inst.IsActiveDispatcher {
			return inst, nil
		}
	}
	return nil, nil
}
