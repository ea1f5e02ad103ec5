package crawler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pixeltrail/pixeltrail/internal/lifecycle"
	"github.com/pixeltrail/pixeltrail/internal/vr"
)

// Request seeds a crawl for one release candidate.
type Request struct {
	ReleaseID string
	RootURL   string
	MaxDepth  int
}

// Handler turns a crawl request into runs: every discovered page becomes a
// named run under the release, each of which enqueues its own capture.
type Handler struct {
	crawler   Crawler
	lifecycle *lifecycle.Manager
	logger    *zap.Logger
}

// NewHandler constructs a Handler.
func NewHandler(crawler Crawler, manager *lifecycle.Manager, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{crawler: crawler, lifecycle: manager, logger: logger}
}

// Execute discovers pages and registers a run per page. If the release is
// superseded mid-crawl the remaining pages are dropped silently; the new
// candidate will crawl again.
func (h *Handler) Execute(ctx context.Context, req Request) error {
	if req.ReleaseID == "" || req.RootURL == "" {
		return vr.Validationf("crawl request needs release id and root url")
	}

	// Hold release-ready notification until every discovered page has a run;
	// otherwise an early page resolving mid-crawl announces a partial release.
	h.lifecycle.BeginCrawl(req.ReleaseID)
	defer h.lifecycle.EndCrawl(ctx, req.ReleaseID)

	pages, err := h.crawler.Discover(ctx, req.RootURL, req.MaxDepth)
	if err != nil {
		return vr.Transient(fmt.Errorf("discover pages: %w", err))
	}

	created := 0
	for _, page := range pages {
		if _, err := h.lifecycle.CreateOrUpdateRun(ctx, req.ReleaseID, page.Name, page.URL, "", nil); err != nil {
			if vr.IsInvalidState(err) {
				h.logger.Info("release no longer accepting runs, stopping crawl",
					zap.String("release_id", req.ReleaseID),
					zap.Int("runs_created", created),
				)
				return nil
			}
			return fmt.Errorf("create run %q: %w", page.Name, err)
		}
		created++
	}

	h.logger.Info("crawl registered runs",
		zap.String("release_id", req.ReleaseID),
		zap.Int("runs", created),
	)
	return nil
}
