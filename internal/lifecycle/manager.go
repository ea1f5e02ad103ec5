// Package lifecycle implements the release/run state machine: candidate
// creation and supersession, baseline resolution against the last good
// release, capture and diff bookkeeping, and promotion.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/pixeltrail/pixeltrail/internal/metrics"
	"github.com/pixeltrail/pixeltrail/internal/vr"
)

// BaselineOverride pins a run's baseline explicitly instead of resolving it
// from the last good release. URL and Config must both be set.
type BaselineOverride struct {
	URL    string
	Config string
}

// Manager applies release and run transitions. All mutations for one build
// (candidate creation, promotion) are serialized per build; run mutations
// are serialized per release.
type Manager struct {
	store    vr.Store
	tasks    vr.TaskQueue
	notifier vr.Notifier
	clock    vr.Clock
	ids      vr.IDGenerator
	logger   *zap.Logger

	buildLocks   *keyedMutex
	releaseLocks *keyedMutex

	notifiedMu sync.Mutex
	notified   map[string]bool
	crawling   map[string]int
}

// New constructs a Manager.
func New(
	store vr.Store,
	tasks vr.TaskQueue,
	notifier vr.Notifier,
	clock vr.Clock,
	ids vr.IDGenerator,
	logger *zap.Logger,
) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:        store,
		tasks:        tasks,
		notifier:     notifier,
		clock:        clock,
		ids:          ids,
		logger:       logger,
		buildLocks:   newKeyedMutex(),
		releaseLocks: newKeyedMutex(),
		notified:     make(map[string]bool),
		crawling:     make(map[string]int),
	}
}

// CreateBuild registers a new build. Build names are unique; a duplicate
// yields a ConflictError and no mutation.
func (m *Manager) CreateBuild(ctx context.Context, name string, public bool) (vr.Build, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return vr.Build{}, vr.Validationf("build name is required")
	}
	if _, err := m.store.GetBuildByName(ctx, name); err == nil {
		return vr.Build{}, vr.Conflictf("a build named %q already exists", name)
	}
	id, err := m.ids.NewID()
	if err != nil {
		return vr.Build{}, fmt.Errorf("build id: %w", err)
	}
	build := vr.Build{
		ID:        id,
		Name:      name,
		Public:    public,
		CreatedAt: m.clock.Now(),
	}
	if err := m.store.CreateBuild(ctx, build); err != nil {
		return vr.Build{}, fmt.Errorf("create build: %w", err)
	}
	m.logger.Info("created build", zap.String("build_id", build.ID), zap.String("name", build.Name))
	return build, nil
}

// CreateCandidate opens a new release candidate for (build, name). If a
// candidate for that name is still PROCESSING it is superseded first: its
// outstanding tasks are canceled and it is marked BAD, unless the build has
// no GOOD release yet, in which case the old candidate is promoted to GOOD
// to bootstrap the baseline.
func (m *Manager) CreateCandidate(ctx context.Context, buildID, name, url string) (vr.Release, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return vr.Release{}, vr.Validationf("release name is required")
	}
	build, err := m.store.GetBuild(ctx, buildID)
	if err != nil {
		return vr.Release{}, fmt.Errorf("get build %s: %w", buildID, err)
	}

	unlock := m.buildLocks.Lock(build.ID)
	defer unlock()

	number := 1
	last, err := m.store.LatestRelease(ctx, build.ID, name)
	switch {
	case err == nil:
		number = last.Number + 1
		if last.Status == vr.ReleaseProcessing {
			if err := m.supersede(ctx, build.ID, last); err != nil {
				return vr.Release{}, err
			}
		}
	case isNotFound(err):
	default:
		return vr.Release{}, fmt.Errorf("latest release: %w", err)
	}

	id, err := m.ids.NewID()
	if err != nil {
		return vr.Release{}, fmt.Errorf("release id: %w", err)
	}
	release := vr.Release{
		ID:        id,
		BuildID:   build.ID,
		Name:      name,
		Number:    number,
		URL:       url,
		Status:    vr.ReleaseProcessing,
		CreatedAt: m.clock.Now(),
	}
	if err := m.store.CreateRelease(ctx, release); err != nil {
		return vr.Release{}, fmt.Errorf("create release: %w", err)
	}
	m.logger.Info("created release candidate",
		zap.String("build_id", build.ID),
		zap.String("release", name),
		zap.Int("number", number),
	)
	return release, nil
}

// supersede retires a still-processing candidate ahead of a new attempt.
// Callers must hold the build lock.
func (m *Manager) supersede(ctx context.Context, buildID string, old vr.Release) error {
	_, goodErr := m.store.LastGoodRelease(ctx, buildID)
	if isNotFound(goodErr) {
		// Sole candidate with no baseline anywhere: promote it so the next
		// attempt has something to diff against.
		if err := m.store.UpdateReleaseStatus(ctx, old.ID, vr.ReleaseProcessing, vr.ReleaseGood); err != nil {
			return fmt.Errorf("bootstrap promote release %s: %w", old.ID, err)
		}
		m.logger.Info("bootstrap-promoted sole candidate",
			zap.String("release_id", old.ID),
			zap.Int("number", old.Number),
		)
		return nil
	}
	if goodErr != nil {
		return fmt.Errorf("last good release: %w", goodErr)
	}

	canceled, err := m.tasks.CancelByOwner(ctx, old.ID)
	if err != nil {
		return fmt.Errorf("cancel tasks for release %s: %w", old.ID, err)
	}
	if err := m.store.UpdateReleaseStatus(ctx, old.ID, vr.ReleaseProcessing, vr.ReleaseBad); err != nil {
		return fmt.Errorf("mark release %s bad: %w", old.ID, err)
	}
	m.logger.Info("superseded processing candidate",
		zap.String("release_id", old.ID),
		zap.Int("number", old.Number),
		zap.Int("canceled_tasks", canceled),
	)
	return nil
}

// CreateOrUpdateRun registers a named run under a PROCESSING release, or
// updates its url/config in place when the name already exists (resumable
// capture). New runs resolve their baseline from the last GOOD release's run
// of the same name and enqueue a capture task.
func (m *Manager) CreateOrUpdateRun(
	ctx context.Context,
	releaseID, runName, url, config string,
	override *BaselineOverride,
) (vr.Run, error) {
	runName = strings.TrimSpace(runName)
	if runName == "" {
		return vr.Run{}, vr.Validationf("run name is required")
	}
	if url == "" {
		return vr.Run{}, vr.Validationf("url to capture is required")
	}
	if override != nil && (override.URL == "" || override.Config == "") {
		return vr.Run{}, vr.Validationf("baseline override requires both url and config")
	}

	release, err := m.store.GetRelease(ctx, releaseID)
	if err != nil {
		return vr.Run{}, fmt.Errorf("get release %s: %w", releaseID, err)
	}

	unlock := m.releaseLocks.Lock(release.ID)
	defer unlock()

	// Re-read under the lock: a concurrent CreateCandidate may have just
	// superseded this release.
	release, err = m.store.GetRelease(ctx, releaseID)
	if err != nil {
		return vr.Run{}, fmt.Errorf("get release %s: %w", releaseID, err)
	}
	if release.Status != vr.ReleaseProcessing {
		return vr.Run{}, &vr.InvalidStateError{
			Entity: "release", ID: release.ID,
			Msg: fmt.Sprintf("status %s is not accepting runs", release.Status),
		}
	}

	if existing, err := m.store.GetRun(ctx, release.ID, runName); err == nil {
		changed := existing.URL != url || existing.Config != config
		existing.URL = url
		existing.Config = config
		existing.UpdatedAt = m.clock.Now()
		if err := m.store.UpdateRun(ctx, existing); err != nil {
			return vr.Run{}, fmt.Errorf("update run: %w", err)
		}
		if changed {
			// Any capture task already queued carries the old target, so the
			// new one needs its own.
			if _, err := m.tasks.Enqueue(ctx, vr.TaskCapture, vr.CapturePayload{
				ReleaseID: release.ID,
				RunName:   existing.Name,
				URL:       existing.URL,
				Config:    existing.Config,
			}, release.ID); err != nil {
				return vr.Run{}, fmt.Errorf("enqueue capture: %w", err)
			}
			metrics.ObserveTask(string(vr.TaskCapture), string(vr.TaskQueued))
		}
		return existing, nil
	} else if !isNotFound(err) {
		return vr.Run{}, fmt.Errorf("get run: %w", err)
	}

	id, err := m.ids.NewID()
	if err != nil {
		return vr.Run{}, fmt.Errorf("run id: %w", err)
	}
	now := m.clock.Now()
	run := vr.Run{
		ID:        id,
		ReleaseID: release.ID,
		Name:      runName,
		URL:       url,
		Config:    config,
		Status:    vr.RunDataPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if override != nil {
		run.RefURL = override.URL
		run.RefConfig = override.Config
	} else if baseline, ok, err := m.resolveBaseline(ctx, release.BuildID, runName); err != nil {
		return vr.Run{}, err
	} else if ok {
		run.RefURL = baseline.URL
		run.RefImage = baseline.Image
		run.RefLog = baseline.Log
		run.RefConfig = baseline.Config
	}

	if err := m.store.CreateRun(ctx, run); err != nil {
		return vr.Run{}, fmt.Errorf("create run: %w", err)
	}
	metrics.ObserveRunTransition(string(vr.RunDataPending))

	// A release that was already announced ready has grown a new unresolved
	// run; it becomes announceable again once the larger set resolves.
	m.notifiedMu.Lock()
	delete(m.notified, release.ID)
	m.notifiedMu.Unlock()

	taskID, err := m.tasks.Enqueue(ctx, vr.TaskCapture, vr.CapturePayload{
		ReleaseID: release.ID,
		RunName:   run.Name,
		URL:       run.URL,
		Config:    run.Config,
	}, release.ID)
	if err != nil {
		return vr.Run{}, fmt.Errorf("enqueue capture: %w", err)
	}
	metrics.ObserveTask(string(vr.TaskCapture), string(vr.TaskQueued))

	m.logger.Debug("created run",
		zap.String("release_id", release.ID),
		zap.String("run", run.Name),
		zap.String("capture_task", taskID),
		zap.Bool("has_baseline", run.RefImage != "" || run.RefURL != ""),
	)
	return run, nil
}

// resolveBaseline finds the run of the same name in the most recent GOOD
// release. "Most recent" is by creation time, not number: a manually
// promoted older candidate wins over later-numbered BAD attempts.
func (m *Manager) resolveBaseline(ctx context.Context, buildID, runName string) (vr.Run, bool, error) {
	lastGood, err := m.store.LastGoodRelease(ctx, buildID)
	if isNotFound(err) {
		return vr.Run{}, false, nil
	}
	if err != nil {
		return vr.Run{}, false, fmt.Errorf("last good release: %w", err)
	}
	ref, err := m.store.GetRun(ctx, lastGood.ID, runName)
	if isNotFound(err) {
		return vr.Run{}, false, nil
	}
	if err != nil {
		return vr.Run{}, false, fmt.Errorf("baseline run: %w", err)
	}
	return ref, true, nil
}

// RecordCapture attaches capture artifacts to a run. A run whose new image
// is byte-identical to its baseline resolves to DIFF_APPROVED without a diff
// task; otherwise a diff task is enqueued and the run becomes DIFF_NEEDED.
func (m *Manager) RecordCapture(ctx context.Context, releaseID, runName string, image, log, config vr.Artifact) (vr.Run, error) {
	if image.Hash == "" {
		return vr.Run{}, vr.Validationf("image artifact is required")
	}

	unlock := m.releaseLocks.Lock(releaseID)
	defer unlock()

	run, err := m.store.GetRun(ctx, releaseID, runName)
	if err != nil {
		return vr.Run{}, fmt.Errorf("get run: %w", err)
	}
	if run.Status == vr.RunFailed {
		return vr.Run{}, &vr.InvalidStateError{
			Entity: "run", ID: run.ID,
			Msg: "image artifacts are not accepted for failed runs",
		}
	}

	run.Image = image.Hash
	run.Log = log.Hash
	if config.Hash != "" {
		run.Config = config.Hash
	}
	run.UpdatedAt = m.clock.Now()

	switch {
	case run.RefImage == "":
		// First run for this name: nothing to diff against.
		run.Status = vr.RunDiffApproved
	case run.RefImage == image.Hash:
		// Bit-identical to the baseline: skip the diff entirely.
		run.Status = vr.RunDiffApproved
	default:
		run.Status = vr.RunDiffNeeded
	}

	if err := m.store.UpdateRun(ctx, run); err != nil {
		return vr.Run{}, fmt.Errorf("update run: %w", err)
	}
	metrics.ObserveRunTransition(string(run.Status))

	if run.Status == vr.RunDiffNeeded {
		if _, err := m.tasks.Enqueue(ctx, vr.TaskDiff, vr.DiffPayload{
			ReleaseID: releaseID,
			RunName:   runName,
			Image:     run.Image,
			RefImage:  run.RefImage,
		}, releaseID); err != nil {
			return vr.Run{}, fmt.Errorf("enqueue diff: %w", err)
		}
		metrics.ObserveTask(string(vr.TaskDiff), string(vr.TaskQueued))
	}

	m.maybeNotify(ctx, releaseID)
	return run, nil
}

// RecordDiff attaches the diff artifact to a run. When the diff found no
// difference the run resolves to DIFF_APPROVED; otherwise it stays
// DIFF_NEEDED awaiting human review.
func (m *Manager) RecordDiff(ctx context.Context, releaseID, runName string, diffImage, diffLog vr.Artifact, differs bool) (vr.Run, error) {
	unlock := m.releaseLocks.Lock(releaseID)
	defer unlock()

	run, err := m.store.GetRun(ctx, releaseID, runName)
	if err != nil {
		return vr.Run{}, fmt.Errorf("get run: %w", err)
	}
	if run.Status != vr.RunDiffNeeded {
		return vr.Run{}, &vr.InvalidStateError{
			Entity: "run", ID: run.ID,
			Msg: fmt.Sprintf("cannot record diff in status %s", run.Status),
		}
	}

	run.DiffImage = diffImage.Hash
	run.DiffLog = diffLog.Hash
	if !differs {
		run.Status = vr.RunDiffApproved
	}
	run.UpdatedAt = m.clock.Now()

	if err := m.store.UpdateRun(ctx, run); err != nil {
		return vr.Run{}, fmt.Errorf("update run: %w", err)
	}
	metrics.ObserveRunTransition(string(run.Status))

	m.maybeNotify(ctx, releaseID)
	return run, nil
}

// ApproveRun marks a diff as reviewed and acceptable.
func (m *Manager) ApproveRun(ctx context.Context, releaseID, runName string) (vr.Run, error) {
	unlock := m.releaseLocks.Lock(releaseID)
	defer unlock()

	run, err := m.store.GetRun(ctx, releaseID, runName)
	if err != nil {
		return vr.Run{}, fmt.Errorf("get run: %w", err)
	}
	if run.Status != vr.RunDiffNeeded {
		return vr.Run{}, &vr.InvalidStateError{
			Entity: "run", ID: run.ID,
			Msg: fmt.Sprintf("cannot approve in status %s", run.Status),
		}
	}
	run.Status = vr.RunDiffApproved
	run.UpdatedAt = m.clock.Now()
	if err := m.store.UpdateRun(ctx, run); err != nil {
		return vr.Run{}, fmt.Errorf("update run: %w", err)
	}
	metrics.ObserveRunTransition(string(run.Status))
	return run, nil
}

// FailRun marks a run permanently failed. The caller indicating the failure
// must supply a log artifact so the root cause can be inspected; the run
// never silently disappears.
func (m *Manager) FailRun(ctx context.Context, releaseID, runName string, log vr.Artifact) (vr.Run, error) {
	if log.Hash == "" {
		return vr.Run{}, vr.Validationf("a log artifact is required to fail a run")
	}

	unlock := m.releaseLocks.Lock(releaseID)
	defer unlock()

	run, err := m.store.GetRun(ctx, releaseID, runName)
	if err != nil {
		return vr.Run{}, fmt.Errorf("get run: %w", err)
	}
	if run.Status == vr.RunDiffApproved {
		return vr.Run{}, &vr.InvalidStateError{
			Entity: "run", ID: run.ID,
			Msg: "cannot fail an approved run",
		}
	}
	run.Status = vr.RunFailed
	run.Log = log.Hash
	run.UpdatedAt = m.clock.Now()
	if err := m.store.UpdateRun(ctx, run); err != nil {
		return vr.Run{}, fmt.Errorf("update run: %w", err)
	}
	metrics.ObserveRunTransition(string(run.Status))

	m.maybeNotify(ctx, releaseID)
	return run, nil
}

// MarkComplete validates that the release is reviewable: every non-failed
// run must have left DIFF_NEEDED. A failed run blocks completion pending
// manual triage (though Promote/Reject remain available).
func (m *Manager) MarkComplete(ctx context.Context, releaseID string) error {
	runs, err := m.store.ListRuns(ctx, releaseID)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if len(runs) == 0 {
		return vr.Validationf("release %s has no runs", releaseID)
	}
	for _, run := range runs {
		switch run.Status {
		case vr.RunFailed:
			return vr.Conflictf("run %q failed; completion blocked pending triage", run.Name)
		case vr.RunDiffApproved:
		default:
			return vr.Conflictf("run %q is still %s", run.Name, run.Status)
		}
	}
	return nil
}

// Promote marks a PROCESSING release GOOD. Manual and terminal; older
// releases keep their statuses.
func (m *Manager) Promote(ctx context.Context, releaseID string) error {
	return m.finishRelease(ctx, releaseID, vr.ReleaseGood)
}

// Reject marks a PROCESSING release BAD and cancels its outstanding tasks.
func (m *Manager) Reject(ctx context.Context, releaseID string) error {
	return m.finishRelease(ctx, releaseID, vr.ReleaseBad)
}

func (m *Manager) finishRelease(ctx context.Context, releaseID string, to vr.ReleaseStatus) error {
	release, err := m.store.GetRelease(ctx, releaseID)
	if err != nil {
		return fmt.Errorf("get release %s: %w", releaseID, err)
	}

	unlock := m.buildLocks.Lock(release.BuildID)
	defer unlock()

	if to == vr.ReleaseBad {
		canceled, err := m.tasks.CancelByOwner(ctx, releaseID)
		if err != nil {
			return fmt.Errorf("cancel tasks: %w", err)
		}
		if canceled > 0 {
			m.logger.Info("canceled outstanding tasks",
				zap.String("release_id", releaseID),
				zap.Int("count", canceled),
			)
		}
	}
	if err := m.store.UpdateReleaseStatus(ctx, releaseID, vr.ReleaseProcessing, to); err != nil {
		return fmt.Errorf("mark release %s %s: %w", releaseID, to, err)
	}
	m.logger.Info("release finished",
		zap.String("release_id", releaseID),
		zap.String("status", string(to)),
	)
	return nil
}

// BeginCrawl holds back the release-ready notification while page discovery
// is still registering runs. Every BeginCrawl must be paired with EndCrawl.
func (m *Manager) BeginCrawl(releaseID string) {
	m.notifiedMu.Lock()
	m.crawling[releaseID]++
	m.notifiedMu.Unlock()
}

// EndCrawl lifts the hold and re-checks readiness, covering releases whose
// captures all finished before discovery did.
func (m *Manager) EndCrawl(ctx context.Context, releaseID string) {
	m.notifiedMu.Lock()
	if m.crawling[releaseID]--; m.crawling[releaseID] <= 0 {
		delete(m.crawling, releaseID)
	}
	m.notifiedMu.Unlock()

	unlock := m.releaseLocks.Lock(releaseID)
	defer unlock()
	m.maybeNotify(ctx, releaseID)
}

// maybeNotify fires the release-ready notification the first time every run
// in the release has been resolved while no crawl is registering more runs.
// Callers hold the release lock.
func (m *Manager) maybeNotify(ctx context.Context, releaseID string) {
	if m.notifier == nil {
		return
	}
	runs, err := m.store.ListRuns(ctx, releaseID)
	if err != nil || len(runs) == 0 {
		return
	}
	for _, run := range runs {
		if !run.Resolved() {
			return
		}
	}

	m.notifiedMu.Lock()
	if m.crawling[releaseID] > 0 {
		// Discovery is still registering runs; readiness is re-checked when
		// the crawl ends.
		m.notifiedMu.Unlock()
		return
	}
	already := m.notified[releaseID]
	m.notified[releaseID] = true
	m.notifiedMu.Unlock()
	if already {
		return
	}

	release, err := m.store.GetRelease(ctx, releaseID)
	if err != nil {
		return
	}
	if err := m.notifier.ReleaseReady(ctx, release, len(runs)); err != nil {
		m.logger.Warn("release-ready notification failed",
			zap.String("release_id", releaseID),
			zap.Error(err),
		)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, vr.ErrNotFound)
}
