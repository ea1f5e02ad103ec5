// Package worker pumps leased tasks from the durable queue into the
// coordinator pool and folds terminal failures back into run state.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pixeltrail/pixeltrail/internal/coordinator"
	"github.com/pixeltrail/pixeltrail/internal/lifecycle"
	"github.com/pixeltrail/pixeltrail/internal/metrics"
	"github.com/pixeltrail/pixeltrail/internal/vr"
)

// Executor runs one leased task to completion. Implementations mark the task
// done in the queue themselves; the pump only handles failure bookkeeping.
type Executor interface {
	Execute(ctx context.Context, task vr.Task) error
}

// Config controls lease cadence.
type Config struct {
	WorkerID     string        `mapstructure:"worker_id"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	LeaseTTL     time.Duration `mapstructure:"lease_ttl"`
}

// Pump leases tasks per type and submits them to the coordinator. When the
// coordinator exhausts its retries on a task, the pump records the failure in
// the queue; a task that has also exhausted its queue attempts fails its run
// with an error log.
type Pump struct {
	cfg       Config
	queue     vr.TaskQueue
	coord     *coordinator.Coordinator
	blobs     vr.BlobStore
	lifecycle *lifecycle.Manager
	logger    *zap.Logger

	executors map[vr.TaskType]Executor
}

// NewPump constructs a Pump.
func NewPump(
	cfg Config,
	queue vr.TaskQueue,
	coord *coordinator.Coordinator,
	blobs vr.BlobStore,
	manager *lifecycle.Manager,
	logger *zap.Logger,
) *Pump {
	if cfg.WorkerID == "" {
		cfg.WorkerID = "pixeltrail-worker"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pump{
		cfg:       cfg,
		queue:     queue,
		coord:     coord,
		blobs:     blobs,
		lifecycle: manager,
		logger:    logger,
		executors: make(map[vr.TaskType]Executor),
	}
}

// kinds maps task types to their coordinator item kinds.
var kinds = map[vr.TaskType]coordinator.Kind{
	vr.TaskCapture: coordinator.KindCapture,
	vr.TaskDiff:    coordinator.KindDiff,
}

// Bind registers an executor for a task type with the coordinator. Must be
// called before the coordinator starts.
func (p *Pump) Bind(taskType vr.TaskType, exec Executor) error {
	kind, ok := kinds[taskType]
	if !ok {
		return fmt.Errorf("bind: unknown task type %q", taskType)
	}
	if err := p.coord.Register(kind, func(ctx context.Context, item coordinator.Item) ([]coordinator.Item, error) {
		task, ok := item.Payload.(vr.Task)
		if !ok {
			return nil, vr.Validationf("item payload is %T, want task", item.Payload)
		}
		return nil, exec.Execute(ctx, task)
	}); err != nil {
		return err
	}
	p.executors[taskType] = exec
	return nil
}

// Run leases and dispatches tasks until the context ends. One loop per bound
// task type.
func (p *Pump) Run(ctx context.Context) error {
	if len(p.executors) == 0 {
		return fmt.Errorf("pump: no executors bound")
	}
	g, ctx := errgroup.WithContext(ctx)
	for taskType := range p.executors {
		g.Go(func() error {
			return p.loop(ctx, taskType)
		})
	}
	return g.Wait()
}

func (p *Pump) loop(ctx context.Context, taskType vr.TaskType) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// Drain everything available, then sleep one interval.
		for {
			task, ok, err := p.queue.Lease(ctx, p.cfg.WorkerID, taskType, p.cfg.LeaseTTL)
			if err != nil {
				p.logger.Warn("lease failed",
					zap.String("type", string(taskType)),
					zap.Error(err),
				)
				break
			}
			if !ok {
				break
			}
			if err := p.dispatch(ctx, task); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Pump) dispatch(ctx context.Context, task vr.Task) error {
	metrics.ObserveTask(string(task.Type), string(vr.TaskLeased))
	item := coordinator.Item{
		Kind:        kinds[task.Type],
		Payload:     task,
		OnExhausted: p.onExhausted(task),
	}
	err := p.coord.Submit(ctx, item)
	if err == nil {
		return nil
	}
	if vr.IsCoordinatorStopped(err) {
		// Shutting down. The lease expires and another worker picks it up.
		return nil
	}
	p.logger.Warn("submit failed, task will be retried after lease expiry",
		zap.String("task_id", task.ID),
		zap.Error(err),
	)
	return nil
}

// onExhausted records a failed attempt in the queue. If that was the task's
// last attempt the owning run is failed with a log artifact describing the
// error, so the release can still complete review.
func (p *Pump) onExhausted(task vr.Task) func(ctx context.Context, cause error) {
	return func(ctx context.Context, cause error) {
		failed, err := p.queue.Fail(ctx, task.ID, cause)
		if err != nil {
			if vr.IsInvalidState(err) {
				return
			}
			p.logger.Error("recording task failure failed",
				zap.String("task_id", task.ID),
				zap.Error(err),
			)
			return
		}
		if failed.Status != vr.TaskFailed {
			return
		}
		metrics.ObserveTask(string(task.Type), string(vr.TaskFailed))

		var target struct {
			ReleaseID string `json:"release_id"`
			RunName   string `json:"run_name"`
		}
		if jerr := json.Unmarshal(task.Payload, &target); jerr != nil || target.RunName == "" {
			p.logger.Error("failed task has no run target",
				zap.String("task_id", task.ID),
			)
			return
		}

		logText := fmt.Sprintf("%s task %s failed after %d attempts: %v\n",
			task.Type, task.ID, failed.Attempts, cause)
		logArtifact, berr := p.blobs.Put(ctx, "text/plain", []byte(logText))
		if berr != nil {
			p.logger.Error("storing failure log failed",
				zap.String("task_id", task.ID),
				zap.Error(berr),
			)
			return
		}
		if _, ferr := p.lifecycle.FailRun(ctx, target.ReleaseID, target.RunName, logArtifact); ferr != nil {
			if vr.IsInvalidState(ferr) {
				// Run resolved some other way in the meantime.
				return
			}
			p.logger.Error("failing run failed",
				zap.String("task_id", task.ID),
				zap.String("run", target.RunName),
				zap.Error(ferr),
			)
		}
	}
}
