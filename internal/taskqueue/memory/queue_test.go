package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pixeltrail/pixeltrail/internal/vr"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%03d", s.n), nil
}

func newTestQueue(maxAttempts int) (*Queue, *fakeClock) {
	clk := newFakeClock()
	return NewQueue(Config{MaxAttempts: maxAttempts}, clk, &seqIDs{}), clk
}

func TestLeaseIsFIFOPerType(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(3)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, vr.TaskCapture, vr.CapturePayload{RunName: "a"}, "rel-1")
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, vr.TaskCapture, vr.CapturePayload{RunName: "b"}, "rel-1")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, vr.TaskDiff, vr.DiffPayload{RunName: "c"}, "rel-1")
	require.NoError(t, err)

	task, ok, err := q.Lease(ctx, "w1", vr.TaskCapture, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, first, task.ID)
	require.Equal(t, vr.TaskLeased, task.Status)
	require.Equal(t, "w1", task.WorkerID)

	task, ok, err = q.Lease(ctx, "w1", vr.TaskCapture, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, second, task.ID)

	_, ok, err = q.Lease(ctx, "w1", vr.TaskCapture, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCompleteIsIdempotent(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(3)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, vr.TaskCapture, nil, "rel-1")
	require.NoError(t, err)
	_, ok, err := q.Lease(ctx, "w1", vr.TaskCapture, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, q.Complete(ctx, id, []byte(`{"image":"abc"}`)))
	require.NoError(t, q.Complete(ctx, id, []byte(`{"image":"abc"}`)))

	task, found := q.Get(id)
	require.True(t, found)
	require.Equal(t, vr.TaskDone, task.Status)
	require.JSONEq(t, `{"image":"abc"}`, string(task.Result))
}

func TestCompleteQueuedTaskIsRejected(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(3)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, vr.TaskCapture, nil, "rel-1")
	require.NoError(t, err)

	err = q.Complete(ctx, id, nil)
	require.True(t, vr.IsInvalidState(err))
}

func TestCompleteUnknownTask(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(3)

	err := q.Complete(context.Background(), "missing", nil)
	require.True(t, errors.Is(err, vr.ErrNotFound))
}

func TestFailRequeuesUntilAttemptsExhausted(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(2)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, vr.TaskCapture, nil, "rel-1")
	require.NoError(t, err)

	_, ok, err := q.Lease(ctx, "w1", vr.TaskCapture, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	failed, err := q.Fail(ctx, id, errors.New("render crashed"))
	require.NoError(t, err)
	require.Equal(t, vr.TaskQueued, failed.Status)
	require.Equal(t, 1, failed.Attempts)
	require.Equal(t, "render crashed", failed.ErrorText)

	_, ok, err = q.Lease(ctx, "w2", vr.TaskCapture, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	failed, err = q.Fail(ctx, id, errors.New("render crashed again"))
	require.NoError(t, err)
	require.Equal(t, vr.TaskFailed, failed.Status)
	require.Equal(t, 2, failed.Attempts)

	// Terminal tasks never come back.
	_, ok, err = q.Lease(ctx, "w3", vr.TaskCapture, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCancelByOwnerSkipsTerminalTasks(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(3)
	ctx := context.Background()

	done, err := q.Enqueue(ctx, vr.TaskCapture, nil, "rel-1")
	require.NoError(t, err)
	leased, err := q.Enqueue(ctx, vr.TaskCapture, nil, "rel-1")
	require.NoError(t, err)
	pending, err := q.Enqueue(ctx, vr.TaskCapture, nil, "rel-1")
	require.NoError(t, err)
	otherOwner, err := q.Enqueue(ctx, vr.TaskCapture, nil, "rel-2")
	require.NoError(t, err)

	// Complete the first task and leave the second leased.
	task, ok, err := q.Lease(ctx, "w1", vr.TaskCapture, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, done, task.ID)
	require.NoError(t, q.Complete(ctx, done, nil))
	_, ok, err = q.Lease(ctx, "w1", vr.TaskCapture, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	canceled, err := q.CancelByOwner(ctx, "rel-1")
	require.NoError(t, err)
	require.Equal(t, 2, canceled)

	// Canceling again finds nothing left to cancel.
	canceled, err = q.CancelByOwner(ctx, "rel-1")
	require.NoError(t, err)
	require.Zero(t, canceled)

	task, found := q.Get(leased)
	require.True(t, found)
	require.Equal(t, vr.TaskCanceled, task.Status)
	task, found = q.Get(pending)
	require.True(t, found)
	require.Equal(t, vr.TaskCanceled, task.Status)
	task, found = q.Get(done)
	require.True(t, found)
	require.Equal(t, vr.TaskDone, task.Status)

	// Canceled-while-pending tasks are skipped by Lease; the other owner's
	// task comes out next.
	task, ok, err = q.Lease(ctx, "w2", vr.TaskCapture, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, otherOwner, task.ID)
}

func TestCompleteCanceledTaskIsInvalid(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(3)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, vr.TaskCapture, nil, "rel-1")
	require.NoError(t, err)
	_, ok, err := q.Lease(ctx, "w1", vr.TaskCapture, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	canceled, err := q.CancelByOwner(ctx, "rel-1")
	require.NoError(t, err)
	require.Equal(t, 1, canceled)

	err = q.Complete(ctx, id, []byte("late result"))
	require.True(t, vr.IsInvalidState(err))
}

func TestSweepExpiredRequeuesOncePerExpiry(t *testing.T) {
	t.Parallel()
	q, clk := newTestQueue(5)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, vr.TaskCapture, nil, "rel-1")
	require.NoError(t, err)
	_, ok, err := q.Lease(ctx, "w1", vr.TaskCapture, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// Lease still valid: nothing to sweep.
	swept, err := q.SweepExpired(ctx)
	require.NoError(t, err)
	require.Zero(t, swept)

	clk.Advance(2 * time.Minute)
	swept, err = q.SweepExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, swept)

	task, found := q.Get(id)
	require.True(t, found)
	require.Equal(t, vr.TaskQueued, task.Status)
	require.Equal(t, 1, task.Attempts)

	// Second sweep finds nothing; the task is queued, not leased.
	swept, err = q.SweepExpired(ctx)
	require.NoError(t, err)
	require.Zero(t, swept)
}
