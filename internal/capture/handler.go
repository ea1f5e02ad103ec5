package capture

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/pixeltrail/pixeltrail/internal/lifecycle"
	"github.com/pixeltrail/pixeltrail/internal/metrics"
	"github.com/pixeltrail/pixeltrail/internal/vr"
)

// Handler executes CAPTURE tasks: screenshot the run's URL, upload the
// artifacts, and record the capture against the run.
type Handler struct {
	shooter   Screenshotter
	blobs     vr.BlobStore
	lifecycle *lifecycle.Manager
	queue     vr.TaskQueue
	logger    *zap.Logger
}

// NewHandler constructs a Handler.
func NewHandler(
	shooter Screenshotter,
	blobs vr.BlobStore,
	manager *lifecycle.Manager,
	queue vr.TaskQueue,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		shooter:   shooter,
		blobs:     blobs,
		lifecycle: manager,
		queue:     queue,
		logger:    logger,
	}
}

// Execute runs one capture task end to end. Rendering failures are returned
// as transient errors so the coordinator retries them; a task canceled while
// the capture was in flight has its result discarded.
func (h *Handler) Execute(ctx context.Context, task vr.Task) error {
	var payload vr.CapturePayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return vr.Validationf("decode capture payload: %v", err)
	}

	png, err := h.shooter.Screenshot(ctx, payload.URL)
	if err != nil {
		return vr.Transient(fmt.Errorf("screenshot %s: %w", payload.URL, err))
	}

	image, err := h.blobs.Put(ctx, "image/png", png)
	if err != nil {
		return vr.Transient(fmt.Errorf("store image: %w", err))
	}
	logText := fmt.Sprintf("captured %s (%d bytes)\n", payload.URL, len(png))
	logArtifact, err := h.blobs.Put(ctx, "text/plain", []byte(logText))
	if err != nil {
		return vr.Transient(fmt.Errorf("store log: %w", err))
	}
	var config vr.Artifact
	if payload.Config != "" {
		config, err = h.blobs.Put(ctx, "application/json", []byte(payload.Config))
		if err != nil {
			return vr.Transient(fmt.Errorf("store config: %w", err))
		}
	}

	result, err := json.Marshal(vr.CaptureResult{
		Image:  image.Hash,
		Log:    logArtifact.Hash,
		Config: config.Hash,
	})
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := h.queue.Complete(ctx, task.ID, result); err != nil {
		if vr.IsInvalidState(err) {
			// Canceled while we were rendering; the artifact stays in the
			// blob store but the run is not touched.
			h.logger.Info("discarding capture for canceled task",
				zap.String("task_id", task.ID),
				zap.String("run", payload.RunName),
			)
			return nil
		}
		return fmt.Errorf("complete task: %w", err)
	}
	metrics.ObserveTask(string(task.Type), string(vr.TaskDone))

	// Complete is idempotent, so a failure past this point retries the whole
	// handler without double-completing the task.
	if _, err := h.lifecycle.RecordCapture(ctx, payload.ReleaseID, payload.RunName, image, logArtifact, config); err != nil {
		return fmt.Errorf("record capture: %w", err)
	}
	return nil
}
