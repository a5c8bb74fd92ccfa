package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonwraymond/taskops/task"
)

// ResultKeyPrefix namespaces task results in the keyspace.
const ResultKeyPrefix = "task_result:"

// ResultKey returns the storage key for a task's result.
func ResultKey(taskID string) string {
	return ResultKeyPrefix + taskID
}

// ResultStore persists task results in any Storage.
type ResultStore struct {
	store  Storage
	policy RetentionPolicy
}

// NewResultStore wraps store. Results expire according to policy.
func NewResultStore(store Storage, policy RetentionPolicy) *ResultStore {
	return &ResultStore{store: store, policy: policy}
}

// Storage returns the underlying store.
func (rs *ResultStore) Storage() Storage { return rs.store }

// Policy returns the retention policy.
func (rs *ResultStore) Policy() RetentionPolicy { return rs.policy }

// Save stores r under the default retention.
func (rs *ResultStore) Save(ctx context.Context, r *task.Result) error {
	return rs.SaveWithTTL(ctx, r, 0)
}

// SaveWithTTL stores r, clamping ttl to the policy.
func (rs *ResultStore) SaveWithTTL(ctx context.Context, r *task.Result, ttl time.Duration) error {
	data, err := task.EncodeResult(r)
	if err != nil {
		return err
	}
	var opts []SetOption
	if eff := rs.policy.EffectiveTTL(ttl); eff > 0 {
		opts = append(opts, WithTTL(eff))
	}
	if _, err := rs.store.Set(ctx, ResultKey(r.TaskID), json.RawMessage(data), opts...); err != nil {
		return fmt.Errorf("storage: save result %s: %w", r.TaskID, err)
	}
	return nil
}

// Load returns the stored result for taskID.
func (rs *ResultStore) Load(ctx context.Context, taskID string) (*task.Result, bool, error) {
	v, ok, err := rs.store.Get(ctx, ResultKey(taskID))
	if err != nil || !ok {
		return nil, false, err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	r, err := task.DecodeResult(data)
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

// Status returns the stored status for taskID.
func (rs *ResultStore) Status(ctx context.Context, taskID string) (task.Status, bool, error) {
	r, ok, err := rs.Load(ctx, taskID)
	if err != nil || !ok {
		return "", false, err
	}
	return r.Status, true, nil
}

// Delete removes the stored result for taskID.
func (rs *ResultStore) Delete(ctx context.Context, taskID string) (bool, error) {
	return rs.store.Delete(ctx, ResultKey(taskID))
}
