// Package redis implements the task queue on Redis for multi-node
// deployments. Task bodies live in hashes keyed by id; per-type pending lists
// provide FIFO dispatch and a deadline-scored sorted set drives lease expiry.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pixeltrail/pixeltrail/internal/vr"
)

// Config controls queue behavior.
type Config struct {
	URL         string
	MaxAttempts int
	// KeyPrefix namespaces all queue keys; defaults to "pixeltrail".
	KeyPrefix string
}

// Queue is a Redis-backed task queue.
type Queue struct {
	cfg   Config
	rdb   *redis.Client
	clock vr.Clock
	ids   vr.IDGenerator
}

// NewQueue connects to Redis and verifies the connection.
func NewQueue(ctx context.Context, cfg Config, clock vr.Clock, ids vr.IDGenerator) (*Queue, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "pixeltrail"
	}
	return &Queue{cfg: cfg, rdb: client, clock: clock, ids: ids}, nil
}

// Close releases the Redis client.
func (q *Queue) Close() error {
	return q.rdb.Close()
}

func (q *Queue) taskKey(id string) string         { return q.cfg.KeyPrefix + ":task:" + id }
func (q *Queue) pendingKey(t vr.TaskType) string  { return q.cfg.KeyPrefix + ":pending:" + string(t) }
func (q *Queue) leasedKey() string                { return q.cfg.KeyPrefix + ":leased" }
func (q *Queue) ownerKey(releaseID string) string { return q.cfg.KeyPrefix + ":owner:" + releaseID }

func (q *Queue) loadTask(ctx context.Context, id string) (vr.Task, error) {
	data, err := q.rdb.Get(ctx, q.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return vr.Task{}, fmt.Errorf("task %s: %w", id, vr.ErrNotFound)
	}
	if err != nil {
		return vr.Task{}, fmt.Errorf("load task %s: %w", id, err)
	}
	var task vr.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return vr.Task{}, fmt.Errorf("decode task %s: %w", id, err)
	}
	return task, nil
}

func (q *Queue) saveTask(ctx context.Context, task vr.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", task.ID, err)
	}
	if err := q.rdb.Set(ctx, q.taskKey(task.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("save task %s: %w", task.ID, err)
	}
	return nil
}

// Enqueue adds a QUEUED task and returns its id.
func (q *Queue) Enqueue(ctx context.Context, t vr.TaskType, payload any, ownerReleaseID string) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	id, err := q.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("task id: %w", err)
	}
	now := q.clock.Now()
	task := vr.Task{
		ID:             id,
		Type:           t,
		Payload:        raw,
		OwnerReleaseID: ownerReleaseID,
		Status:         vr.TaskQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := q.saveTask(ctx, task); err != nil {
		return "", err
	}
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, q.pendingKey(t), id)
		pipe.SAdd(ctx, q.ownerKey(ownerReleaseID), id)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("enqueue task %s: %w", id, err)
	}
	return id, nil
}

// claimScript pops the oldest pending id and records its lease deadline in
// one step. A claimant that dies afterwards leaves the id in the deadline set
// either way, where SweepExpired will find it.
var claimScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if not id then
	return false
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
return id
`)

// Lease claims the oldest QUEUED task of the given type.
func (q *Queue) Lease(ctx context.Context, workerID string, t vr.TaskType, ttl time.Duration) (vr.Task, bool, error) {
	for {
		now := q.clock.Now()
		deadline := now.Add(ttl)
		id, err := claimScript.Run(ctx, q.rdb,
			[]string{q.pendingKey(t), q.leasedKey()},
			deadline.Unix(),
		).Text()
		if errors.Is(err, redis.Nil) {
			return vr.Task{}, false, nil
		}
		if err != nil {
			return vr.Task{}, false, fmt.Errorf("claim pending: %w", err)
		}
		task, err := q.loadTask(ctx, id)
		if err != nil {
			if errors.Is(err, vr.ErrNotFound) {
				q.rdb.ZRem(ctx, q.leasedKey(), id)
				continue
			}
			return vr.Task{}, false, err
		}
		if task.Status != vr.TaskQueued {
			// Canceled while pending; skip.
			q.rdb.ZRem(ctx, q.leasedKey(), id)
			continue
		}
		task.Status = vr.TaskLeased
		task.WorkerID = workerID
		task.LeaseDeadline = deadline
		task.UpdatedAt = now
		if err := q.saveTask(ctx, task); err != nil {
			return vr.Task{}, false, err
		}
		return task, true, nil
	}
}

// Complete transitions LEASED to DONE and records the result.
func (q *Queue) Complete(ctx context.Context, taskID string, result []byte) error {
	task, err := q.loadTask(ctx, taskID)
	if err != nil {
		return err
	}
	switch task.Status {
	case vr.TaskDone:
		return nil
	case vr.TaskLeased:
	default:
		return &vr.InvalidStateError{Entity: "task", ID: taskID, Msg: fmt.Sprintf("cannot complete in status %s", task.Status)}
	}
	task.Status = vr.TaskDone
	task.Result = append([]byte(nil), result...)
	task.LeaseDeadline = time.Time{}
	task.UpdatedAt = q.clock.Now()
	if err := q.saveTask(ctx, task); err != nil {
		return err
	}
	return q.rdb.ZRem(ctx, q.leasedKey(), taskID).Err()
}

// Fail requeues the task or marks it FAILED once attempts are exhausted.
func (q *Queue) Fail(ctx context.Context, taskID string, cause error) (vr.Task, error) {
	task, err := q.loadTask(ctx, taskID)
	if err != nil {
		return vr.Task{}, err
	}
	if task.Status != vr.TaskLeased {
		return vr.Task{}, &vr.InvalidStateError{Entity: "task", ID: taskID, Msg: fmt.Sprintf("cannot fail in status %s", task.Status)}
	}
	if cause != nil {
		task.ErrorText = cause.Error()
	}
	if err := q.requeue(ctx, &task); err != nil {
		return vr.Task{}, err
	}
	return task, nil
}

func (q *Queue) requeue(ctx context.Context, task *vr.Task) error {
	task.Attempts++
	task.WorkerID = ""
	task.LeaseDeadline = time.Time{}
	task.UpdatedAt = q.clock.Now()
	if task.Attempts >= q.cfg.MaxAttempts {
		task.Status = vr.TaskFailed
	} else {
		task.Status = vr.TaskQueued
	}
	if err := q.saveTask(ctx, *task); err != nil {
		return err
	}
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.leasedKey(), task.ID)
		if task.Status == vr.TaskQueued {
			pipe.RPush(ctx, q.pendingKey(task.Type), task.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("requeue task %s: %w", task.ID, err)
	}
	return nil
}

// CancelByOwner cancels all QUEUED/LEASED tasks owned by the release.
func (q *Queue) CancelByOwner(ctx context.Context, releaseID string) (int, error) {
	ids, err := q.rdb.SMembers(ctx, q.ownerKey(releaseID)).Result()
	if err != nil {
		return 0, fmt.Errorf("list owner tasks: %w", err)
	}
	canceled := 0
	for _, id := range ids {
		task, err := q.loadTask(ctx, id)
		if err != nil {
			if errors.Is(err, vr.ErrNotFound) {
				continue
			}
			return canceled, err
		}
		switch task.Status {
		case vr.TaskQueued, vr.TaskLeased:
		default:
			continue
		}
		task.Status = vr.TaskCanceled
		task.LeaseDeadline = time.Time{}
		task.UpdatedAt = q.clock.Now()
		if err := q.saveTask(ctx, task); err != nil {
			return canceled, err
		}
		if err := q.rdb.ZRem(ctx, q.leasedKey(), id).Err(); err != nil {
			return canceled, fmt.Errorf("untrack lease %s: %w", id, err)
		}
		canceled++
	}
	return canceled, nil
}

// SweepExpired requeues leased tasks whose deadline has passed.
func (q *Queue) SweepExpired(ctx context.Context) (int, error) {
	now := q.clock.Now()
	ids, err := q.rdb.ZRangeByScore(ctx, q.leasedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan expired leases: %w", err)
	}
	swept := 0
	for _, id := range ids {
		task, err := q.loadTask(ctx, id)
		if err != nil {
			if errors.Is(err, vr.ErrNotFound) {
				q.rdb.ZRem(ctx, q.leasedKey(), id)
				continue
			}
			return swept, err
		}
		switch task.Status {
		case vr.TaskLeased:
			if err := q.requeue(ctx, &task); err != nil {
				return swept, err
			}
			swept++
		case vr.TaskQueued:
			// A claimant died between popping the id and marking the lease.
			// The task never ran; put the id back where it came from.
			_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.ZRem(ctx, q.leasedKey(), id)
				pipe.RPush(ctx, q.pendingKey(task.Type), id)
				return nil
			})
			if err != nil {
				return swept, fmt.Errorf("restore task %s: %w", id, err)
			}
			swept++
		default:
			q.rdb.ZRem(ctx, q.leasedKey(), id)
		}
	}
	return swept, nil
}
