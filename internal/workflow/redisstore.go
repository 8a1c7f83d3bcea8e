package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/claimflow/model"
)

// RedisWorkflowStore keeps each instance as one JSON document keyed by ID,
// its audit events in a list beside it and a per-owner sorted set as the
// listing index. Updates use WATCH/MULTI/EXEC so the version check and the
// write are atomic. The instance and event keys share a hash tag so the
// transaction stays on one cluster slot.
type RedisWorkflowStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisWorkflowStore creates a Redis-backed workflow store. Keys are
// namespaced under prefix (default "claimflow").
func NewRedisWorkflowStore(client redis.UniversalClient, prefix string) *RedisWorkflowStore {
	if prefix == "" {
		prefix = "claimflow"
	}
	return &RedisWorkflowStore{client: client, prefix: prefix}
}

func (s *RedisWorkflowStore) instanceKey(id string) string {
	return s.prefix + ":wf:{" + id + "}"
}

func (s *RedisWorkflowStore) eventsKey(id string) string {
	return s.instanceKey(id) + ":events"
}

func (s *RedisWorkflowStore) ownerKey(ownerID string) string {
	return s.prefix + ":owner:" + ownerID
}

// HealthCheck pings the Redis server.
func (s *RedisWorkflowStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Create persists a new workflow instance and its first events. The owner
// index is written first; List skips index entries without an instance.
func (s *RedisWorkflowStore) Create(ctx context.Context, inst model.WorkflowInstance, events ...model.WorkflowEvent) error {
	payload, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal workflow instance: %w", err)
	}
	encoded, err := encodeEvents(events)
	if err != nil {
		return err
	}
	key := s.instanceKey(inst.ID)

	ownerKey := s.ownerKey(inst.OwnerID)
	err = s.client.ZAdd(ctx, ownerKey, redis.Z{
		Score:  float64(inst.StartedAt.UnixMicro()),
		Member: inst.ID,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis zadd %q: %w", ownerKey, err)
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("redis exists %q: %w", key, err)
		}
		if n > 0 {
			return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", inst.ID))
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			if len(encoded) > 0 {
				pipe.RPush(ctx, s.eventsKey(inst.ID), encoded...)
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", inst.ID))
	}
	return err
}

// Get retrieves a workflow instance by ID, scoped to owner.
func (s *RedisWorkflowStore) Get(ctx context.Context, ownerID, instanceID string) (model.WorkflowInstance, error) {
	key := s.instanceKey(instanceID)
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("redis get %q: %w", key, err)
	}

	var inst model.WorkflowInstance
	if err := json.Unmarshal(data, &inst); err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("unmarshal workflow instance: %w", err)
	}
	if ownerID != "" && inst.OwnerID != ownerID {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	return inst, nil
}

// Update persists an updated instance with optimistic locking.
func (s *RedisWorkflowStore) Update(ctx context.Context, inst model.WorkflowInstance, appended History) error {
	key := s.instanceKey(inst.ID)
	encoded, err := encodeEvents(appended.Events)
	if err != nil {
		return err
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", inst.ID))
		}
		if err != nil {
			return fmt.Errorf("redis get %q: %w", key, err)
		}

		var existing model.WorkflowInstance
		if err := json.Unmarshal(data, &existing); err != nil {
			return fmt.Errorf("unmarshal workflow instance: %w", err)
		}
		if existing.Version != inst.Version {
			return model.NewConflictError(
				fmt.Sprintf("workflow instance %q version conflict (expected %d, got %d)", inst.ID, inst.Version, existing.Version),
			)
		}

		next := inst.Clone()
		next.Transitions = append(existing.Transitions, appended.Transitions...)
		next.Version++
		payload, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal workflow instance: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			if len(encoded) > 0 {
				pipe.RPush(ctx, s.eventsKey(inst.ID), encoded...)
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return model.NewConflictError(fmt.Sprintf("workflow instance %q was modified concurrently", inst.ID))
	}
	return err
}

// List returns the owner's instances, most recently started first.
func (s *RedisWorkflowStore) List(ctx context.Context, ownerID string, filters WorkflowFilters) ([]model.WorkflowInstance, error) {
	ownerKey := s.ownerKey(ownerID)
	ids, err := s.client.ZRevRange(ctx, ownerKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrevrange %q: %w", ownerKey, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	// One GET per instance; a cluster client splits the pipeline by slot.
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.instanceKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis get workflow instances: %w", err)
	}

	var result []model.WorkflowInstance
	for _, cmd := range cmds {
		raw, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis get workflow instance: %w", err)
		}
		var inst model.WorkflowInstance
		if err := json.Unmarshal(raw, &inst); err != nil {
			return nil, fmt.Errorf("unmarshal workflow instance: %w", err)
		}
		if filters.Status != "" && inst.Status != filters.Status {
			continue
		}
		result = append(result, inst)
	}

	sortByStartedDesc(result)
	return paginate(result, filters), nil
}

// GetEvents returns the workflow's audit events, oldest first.
func (s *RedisWorkflowStore) GetEvents(ctx context.Context, ownerID, instanceID string) ([]model.WorkflowEvent, error) {
	if _, err := s.Get(ctx, ownerID, instanceID); err != nil {
		return nil, err
	}

	key := s.eventsKey(instanceID)
	raw, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange %q: %w", key, err)
	}
	events := make([]model.WorkflowEvent, 0, len(raw))
	for _, r := range raw {
		var evt model.WorkflowEvent
		if err := json.Unmarshal([]byte(r), &evt); err != nil {
			return nil, fmt.Errorf("unmarshal workflow event: %w", err)
		}
		events = append(events, evt)
	}
	return events, nil
}

func encodeEvents(events []model.WorkflowEvent) ([]any, error) {
	out := make([]any, 0, len(events))
	for _, evt := range events {
		b, err := json.Marshal(evt)
		if err != nil {
			return nil, fmt.Errorf("marshal workflow event: %w", err)
		}
		out = append(out, b)
	}
	return out, nil
}
