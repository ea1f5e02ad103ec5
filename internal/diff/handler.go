package diff

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/pixeltrail/pixeltrail/internal/lifecycle"
	"github.com/pixeltrail/pixeltrail/internal/metrics"
	"github.com/pixeltrail/pixeltrail/internal/vr"
)

// Handler executes DIFF tasks: fetch both screenshots, compare them, upload
// the highlight artifact, and record the verdict against the run.
type Handler struct {
	differ    Differ
	blobs     vr.BlobStore
	lifecycle *lifecycle.Manager
	queue     vr.TaskQueue
	logger    *zap.Logger
}

// NewHandler constructs a Handler.
func NewHandler(
	differ Differ,
	blobs vr.BlobStore,
	manager *lifecycle.Manager,
	queue vr.TaskQueue,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		differ:    differ,
		blobs:     blobs,
		lifecycle: manager,
		queue:     queue,
		logger:    logger,
	}
}

// Execute runs one diff task end to end. A task canceled while the comparison
// was in flight has its result discarded.
func (h *Handler) Execute(ctx context.Context, task vr.Task) error {
	var payload vr.DiffPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return vr.Validationf("decode diff payload: %v", err)
	}
	if payload.Image == "" || payload.RefImage == "" {
		return vr.Validationf("diff payload needs both image hashes")
	}

	current, err := h.blobs.Get(ctx, payload.Image)
	if err != nil {
		return vr.Transient(fmt.Errorf("fetch image %s: %w", payload.Image, err))
	}
	baseline, err := h.blobs.Get(ctx, payload.RefImage)
	if err != nil {
		return vr.Transient(fmt.Errorf("fetch baseline %s: %w", payload.RefImage, err))
	}

	cmp, err := h.differ.Compare(current, baseline)
	if err != nil {
		// Undecodable artifacts never get better on retry.
		return vr.Validationf("compare images: %v", err)
	}

	diffImage, err := h.blobs.Put(ctx, "image/png", cmp.Highlight)
	if err != nil {
		return vr.Transient(fmt.Errorf("store diff image: %w", err))
	}
	logText := fmt.Sprintf("diff %s vs %s: differs=%t ratio=%.6f\n",
		payload.Image, payload.RefImage, cmp.Differs, cmp.Ratio)
	diffLog, err := h.blobs.Put(ctx, "text/plain", []byte(logText))
	if err != nil {
		return vr.Transient(fmt.Errorf("store diff log: %w", err))
	}

	result, err := json.Marshal(vr.DiffResult{
		DiffImage: diffImage.Hash,
		Differs:   cmp.Differs,
		Ratio:     cmp.Ratio,
	})
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := h.queue.Complete(ctx, task.ID, result); err != nil {
		if vr.IsInvalidState(err) {
			h.logger.Info("discarding diff for canceled task",
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
	if _, err := h.lifecycle.RecordDiff(ctx, payload.ReleaseID, payload.RunName, diffImage, diffLog, cmp.Differs); err != nil {
		return fmt.Errorf("record diff: %w", err)
	}
	return nil
}
