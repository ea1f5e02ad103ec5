// Package coordinator runs a bounded pool of workers over a shared queue of
// workflow items. Items are a closed set of kinds (crawl, capture, diff);
// each kind is bound to a handler before Start. Handlers may return child
// items, which are fed back into the queue.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/pixeltrail/pixeltrail/internal/metrics"
	"github.com/pixeltrail/pixeltrail/internal/vr"
)

// Kind tags a work item with the handler that executes it.
type Kind string

// The closed set of work-item kinds.
const (
	KindCrawl   Kind = "crawl"
	KindCapture Kind = "capture"
	KindDiff    Kind = "diff"
)

// Item is one unit of workflow-level work. Root marks the initial seed item
// of a workflow (e.g. the crawl request that starts a release).
type Item struct {
	Kind    Kind
	Payload any
	Root    bool

	// OnExhausted is invoked when the handler has failed on every allowed
	// attempt. Optional.
	OnExhausted func(ctx context.Context, err error)
}

// Handler executes one item, producing zero or more child items.
type Handler func(ctx context.Context, item Item) ([]Item, error)

// Config controls pool size, back-pressure, and retry behavior.
type Config struct {
	Workers        int
	QueueDepth     int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	DrainTimeout   time.Duration
}

const (
	defaultWorkers        = 4
	defaultQueueDepth     = 64
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 250 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
	defaultDrainTimeout   = 30 * time.Second
)

// Coordinator owns the worker pool. Lifecycle: New, Register handlers,
// Start, Stop. Start is idempotent; Submit after Stop is rejected.
type Coordinator struct {
	cfg      Config
	logger   *zap.Logger
	handlers map[Kind]Handler

	input    chan Item
	started  atomic.Bool
	stopping atomic.Bool
	submitMu sync.RWMutex
	wg       sync.WaitGroup

	execCtx    context.Context
	execCancel context.CancelFunc
}

// New constructs a Coordinator. Handlers must be registered before Start.
func New(cfg Config, logger *zap.Logger) *Coordinator {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	execCtx, execCancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:        cfg,
		logger:     logger,
		handlers:   make(map[Kind]Handler),
		input:      make(chan Item, cfg.QueueDepth),
		execCtx:    execCtx,
		execCancel: execCancel,
	}
}

// Register binds a kind to its handler. Must be called before Start.
func (c *Coordinator) Register(kind Kind, h Handler) error {
	if c.started.Load() {
		return fmt.Errorf("register %s: coordinator already started", kind)
	}
	if _, dup := c.handlers[kind]; dup {
		return fmt.Errorf("register %s: handler already registered", kind)
	}
	c.handlers[kind] = h
	return nil
}

// Start spawns the worker pool. Calling Start twice is a no-op.
func (c *Coordinator) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.work(i)
	}
	c.logger.Info("coordinator started", zap.Int("workers", c.cfg.Workers))
}

// Submit enqueues a work item. It blocks on back-pressure until the context
// ends, and rejects items once shutdown has begun.
func (c *Coordinator) Submit(ctx context.Context, item Item) error {
	// The read lock keeps Stop from closing the channel mid-send.
	c.submitMu.RLock()
	defer c.submitMu.RUnlock()
	if c.stopping.Load() {
		return vr.ErrCoordinatorStopped
	}
	if _, ok := c.handlers[item.Kind]; !ok {
		return vr.Validationf("no handler registered for kind %q", item.Kind)
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("submit %s: %w", item.Kind, ctx.Err())
	case c.input <- item:
		metrics.SetQueueDepth(len(c.input))
		return nil
	}
}

// Stop drains in-flight items and blocks until the pool exits or the drain
// timeout elapses, whichever comes first. After the timeout, remaining
// workers are abandoned via context cancellation.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.submitMu.Lock()
	if !c.stopping.CompareAndSwap(false, true) {
		c.submitMu.Unlock()
		return nil
	}
	close(c.input)
	c.submitMu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	drain := time.NewTimer(c.cfg.DrainTimeout)
	defer drain.Stop()

	select {
	case <-done:
		c.execCancel()
		c.logger.Info("coordinator drained")
		return nil
	case <-drain.C:
		c.execCancel()
		c.logger.Warn("coordinator drain timeout, abandoning in-flight items")
		return fmt.Errorf("coordinator stop: drain timeout after %s", c.cfg.DrainTimeout)
	case <-ctx.Done():
		c.execCancel()
		return fmt.Errorf("coordinator stop: %w", ctx.Err())
	}
}

func (c *Coordinator) work(n int) {
	defer c.wg.Done()
	for item := range c.input {
		metrics.SetQueueDepth(len(c.input))
		c.execute(item, n)
	}
}

// execute runs the item's handler, retrying transient failures with
// exponential backoff up to the configured attempt budget.
func (c *Coordinator) execute(item Item, worker int) {
	handler := c.handlers[item.Kind]
	start := time.Now()

	var children []Item
	attempts := 0
	op := func() error {
		attempts++
		kids, err := handler(c.execCtx, item)
		if err == nil {
			children = kids
			return nil
		}
		if !vr.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		if attempts >= c.cfg.MaxAttempts {
			return backoff.Permanent(err)
		}
		c.logger.Warn("work item failed, will retry",
			zap.String("kind", string(item.Kind)),
			zap.Int("attempt", attempts),
			zap.Error(err),
		)
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialBackoff
	bo.MaxInterval = c.cfg.MaxBackoff
	bo.MaxElapsedTime = 0

	err := backoff.Retry(op, backoff.WithContext(bo, c.execCtx))
	if err != nil {
		metrics.ObserveWorkItem(string(item.Kind), "failed", time.Since(start))
		c.logger.Error("work item permanently failed",
			zap.String("kind", string(item.Kind)),
			zap.Int("worker", worker),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		if item.OnExhausted != nil {
			item.OnExhausted(c.execCtx, err)
		}
		return
	}

	metrics.ObserveWorkItem(string(item.Kind), "ok", time.Since(start))
	for _, child := range children {
		if serr := c.Submit(c.execCtx, child); serr != nil {
			c.logger.Warn("dropping child item",
				zap.String("kind", string(child.Kind)),
				zap.Error(serr),
			)
		}
	}
}
