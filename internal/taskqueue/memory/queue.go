// Package memory provides an in-process task queue for tests and single-node
// deployments. It is the reference implementation of the queue's atomicity
// rules: every operation runs under one mutex.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pixeltrail/pixeltrail/internal/vr"
)

// Config controls queue behavior.
type Config struct {
	// MaxAttempts bounds retries per task; a task failing on its final
	// attempt becomes FAILED instead of being requeued.
	MaxAttempts int
}

const defaultMaxAttempts = 3

// Queue is a mutex-guarded task queue with per-type FIFO ordering.
type Queue struct {
	cfg   Config
	clock vr.Clock
	ids   vr.IDGenerator

	mu      sync.Mutex
	tasks   map[string]*vr.Task
	pending map[vr.TaskType][]string
	byOwner map[string][]string
}

// NewQueue constructs an empty queue.
func NewQueue(cfg Config, clock vr.Clock, ids vr.IDGenerator) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	return &Queue{
		cfg:     cfg,
		clock:   clock,
		ids:     ids,
		tasks:   make(map[string]*vr.Task),
		pending: make(map[vr.TaskType][]string),
		byOwner: make(map[string][]string),
	}
}

// Enqueue adds a QUEUED task and returns its id.
func (q *Queue) Enqueue(_ context.Context, t vr.TaskType, payload any, ownerReleaseID string) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	id, err := q.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("task id: %w", err)
	}
	now := q.clock.Now()
	task := &vr.Task{
		ID:             id,
		Type:           t,
		Payload:        raw,
		OwnerReleaseID: ownerReleaseID,
		Status:         vr.TaskQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks[id] = task
	q.pending[t] = append(q.pending[t], id)
	q.byOwner[ownerReleaseID] = append(q.byOwner[ownerReleaseID], id)
	return id, nil
}

// Lease claims the oldest QUEUED task of the given type.
func (q *Queue) Lease(_ context.Context, workerID string, t vr.TaskType, ttl time.Duration) (vr.Task, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.pending[t]) > 0 {
		id := q.pending[t][0]
		q.pending[t] = q.pending[t][1:]
		task, ok := q.tasks[id]
		if !ok || task.Status != vr.TaskQueued {
			// Canceled while pending; skip.
			continue
		}
		now := q.clock.Now()
		task.Status = vr.TaskLeased
		task.WorkerID = workerID
		task.LeaseDeadline = now.Add(ttl)
		task.UpdatedAt = now
		return *task, true, nil
	}
	return vr.Task{}, false, nil
}

// Complete transitions LEASED to DONE and records the result.
func (q *Queue) Complete(_ context.Context, taskID string, result []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, vr.ErrNotFound)
	}
	switch task.Status {
	case vr.TaskDone:
		return nil
	case vr.TaskLeased:
	default:
		return &vr.InvalidStateError{Entity: "task", ID: taskID, Msg: fmt.Sprintf("cannot complete in status %s", task.Status)}
	}
	now := q.clock.Now()
	task.Status = vr.TaskDone
	task.Result = append([]byte(nil), result...)
	task.LeaseDeadline = time.Time{}
	task.UpdatedAt = now
	return nil
}

// Fail requeues the task or marks it FAILED once attempts are exhausted.
func (q *Queue) Fail(_ context.Context, taskID string, cause error) (vr.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return vr.Task{}, fmt.Errorf("task %s: %w", taskID, vr.ErrNotFound)
	}
	if task.Status != vr.TaskLeased {
		return vr.Task{}, &vr.InvalidStateError{Entity: "task", ID: taskID, Msg: fmt.Sprintf("cannot fail in status %s", task.Status)}
	}
	if cause != nil {
		task.ErrorText = cause.Error()
	}
	q.requeueLocked(task)
	return *task, nil
}

// requeueLocked returns a leased task to the pending list, or fails it when
// attempts are exhausted. Callers must hold q.mu.
func (q *Queue) requeueLocked(task *vr.Task) {
	now := q.clock.Now()
	task.Attempts++
	task.WorkerID = ""
	task.LeaseDeadline = time.Time{}
	task.UpdatedAt = now
	if task.Attempts >= q.cfg.MaxAttempts {
		task.Status = vr.TaskFailed
		return
	}
	task.Status = vr.TaskQueued
	q.pending[task.Type] = append(q.pending[task.Type], task.ID)
}

// CancelByOwner cancels all QUEUED/LEASED tasks owned by the release.
func (q *Queue) CancelByOwner(_ context.Context, releaseID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	canceled := 0
	for _, id := range q.byOwner[releaseID] {
		task, ok := q.tasks[id]
		if !ok {
			continue
		}
		switch task.Status {
		case vr.TaskQueued, vr.TaskLeased:
			task.Status = vr.TaskCanceled
			task.LeaseDeadline = time.Time{}
			task.UpdatedAt = now
			canceled++
		}
	}
	return canceled, nil
}

// SweepExpired requeues leased tasks whose deadline has passed.
func (q *Queue) SweepExpired(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	swept := 0
	for _, task := range q.tasks {
		if task.Status != vr.TaskLeased || task.LeaseDeadline.After(now) {
			continue
		}
		q.requeueLocked(task)
		swept++
	}
	return swept, nil
}

// Get returns a snapshot of the task, mainly for tests and inspection.
func (q *Queue) Get(taskID string) (vr.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[taskID]
	if !ok {
		return vr.Task{}, false
	}
	return *task, true
}
