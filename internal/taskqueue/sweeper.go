// Package taskqueue provides lease-expiry sweeping over a task queue.
// Implementations of the queue itself live in the memory and redis
// subpackages.
package taskqueue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pixeltrail/pixeltrail/internal/metrics"
	"github.com/pixeltrail/pixeltrail/internal/vr"
)

// Sweeper periodically requeues tasks whose lease deadline has passed. It is
// the sole automatic-retry trigger besides an explicit Fail, and absorbs
// worker crashes without operator intervention.
type Sweeper struct {
	queue    vr.TaskQueue
	interval time.Duration
	logger   *zap.Logger
}

const defaultSweepInterval = 15 * time.Second

// NewSweeper constructs a Sweeper over the given queue.
func NewSweeper(queue vr.TaskQueue, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{queue: queue, interval: interval, logger: logger}
}

// Run blocks, sweeping on the configured interval until the context ends.
func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	swept, err := s.queue.SweepExpired(ctx)
	if err != nil {
		s.logger.Error("lease sweep failed", zap.Error(err))
		return
	}
	if swept > 0 {
		metrics.AddLeasesSwept(swept)
		s.logger.Info("requeued expired leases", zap.Int("count", swept))
	}
}
