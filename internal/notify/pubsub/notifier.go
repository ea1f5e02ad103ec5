// Package pubsub delivers release-ready events to a Google Cloud Pub/Sub
// topic.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/pixeltrail/pixeltrail/internal/notify"
	"github.com/pixeltrail/pixeltrail/internal/vr"
)

// Config captures the parameters required to publish.
type Config struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// Notifier publishes one JSON message per ready release.
type Notifier struct {
	topic  *pubsub.Topic
	logger *zap.Logger
}

// New wraps an existing topic handle. The caller owns the client lifecycle.
func New(client *pubsub.Client, cfg Config, logger *zap.Logger) (*Notifier, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if cfg.TopicID == "" {
		return nil, fmt.Errorf("topic id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{topic: client.Topic(cfg.TopicID), logger: logger}, nil
}

// ReleaseReady publishes the event and blocks until the server acknowledges
// it. Delivery failures are returned to the caller, which logs and moves on;
// notifications are best effort.
func (n *Notifier) ReleaseReady(ctx context.Context, release vr.Release, runCount int) error {
	data, err := json.Marshal(notify.Event{
		ReleaseID: release.ID,
		BuildID:   release.BuildID,
		Name:      release.Name,
		Number:    release.Number,
		RunCount:  runCount,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	result := n.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"event":      "release_ready",
			"release_id": release.ID,
		},
	})
	id, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	n.logger.Debug("published release-ready event",
		zap.String("release_id", release.ID),
		zap.String("message_id", id),
	)
	return nil
}

// Close flushes pending publishes.
func (n *Notifier) Close() {
	n.topic.Stop()
}
