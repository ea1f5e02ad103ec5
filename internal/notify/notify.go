// Package notify delivers release-ready notifications. A release is ready
// when every one of its runs has been captured and diffed (or failed).
package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/pixeltrail/pixeltrail/internal/vr"
)

// Event is the payload delivered for a ready release.
type Event struct {
	ReleaseID string `json:"release_id"`
	BuildID   string `json:"build_id"`
	Name      string `json:"name"`
	Number    int    `json:"number"`
	RunCount  int    `json:"run_count"`
}

// Noop logs ready releases and delivers nothing.
type Noop struct {
	logger *zap.Logger
}

// NewNoop constructs a Noop notifier.
func NewNoop(logger *zap.Logger) *Noop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Noop{logger: logger}
}

// ReleaseReady logs the event.
func (n *Noop) ReleaseReady(_ context.Context, release vr.Release, runCount int) error {
	n.logger.Info("release ready for review",
		zap.String("release_id", release.ID),
		zap.String("release", release.Name),
		zap.Int("number", release.Number),
		zap.Int("runs", runCount),
	)
	return nil
}

// Memory records events for inspection in tests.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// NewMemory constructs an empty Memory notifier.
func NewMemory() *Memory {
	return &Memory{}
}

// ReleaseReady appends the event.
func (m *Memory) ReleaseReady(_ context.Context, release vr.Release, runCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, Event{
		ReleaseID: release.ID,
		BuildID:   release.BuildID,
		Name:      release.Name,
		Number:    release.Number,
		RunCount:  runCount,
	})
	return nil
}

// Events returns a copy of the recorded events.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}
