package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pixeltrail/pixeltrail/internal/notify"
	storememory "github.com/pixeltrail/pixeltrail/internal/store/memory"
	queuememory "github.com/pixeltrail/pixeltrail/internal/taskqueue/memory"
	"github.com/pixeltrail/pixeltrail/internal/vr"
)

// stepClock advances one second per Now call so created_at ordering is
// deterministic.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
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

type fixture struct {
	store    *storememory.Store
	queue    *queuememory.Queue
	notifier *notify.Memory
	manager  *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := newStepClock()
	ids := &seqIDs{}
	store := storememory.NewStore()
	queue := queuememory.NewQueue(queuememory.Config{MaxAttempts: 3}, clk, ids)
	notifier := notify.NewMemory()
	return &fixture{
		store:    store,
		queue:    queue,
		notifier: notifier,
		manager:  New(store, queue, notifier, clk, ids, zap.NewNop()),
	}
}

func (f *fixture) mustBuild(t *testing.T) vr.Build {
	t.Helper()
	build, err := f.manager.CreateBuild(context.Background(), "acme-site", false)
	require.NoError(t, err)
	return build
}

func (f *fixture) mustCandidate(t *testing.T, buildID, name string) vr.Release {
	t.Helper()
	release, err := f.manager.CreateCandidate(context.Background(), buildID, name, "https://acme.test")
	require.NoError(t, err)
	return release
}

// mustArtifact fabricates an artifact record for a capture result.
func mustArtifact(hash string) vr.Artifact {
	return vr.Artifact{Hash: hash, ContentType: "image/png", Size: 1}
}

func TestCreateBuildRejectsDuplicateName(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.CreateBuild(ctx, "acme-site", false)
	require.NoError(t, err)
	_, err = f.manager.CreateBuild(ctx, "acme-site", true)
	require.True(t, vr.IsConflict(err))

	_, err = f.manager.CreateBuild(ctx, "  ", false)
	require.True(t, vr.IsValidation(err))
}

func TestCandidateNumbersIncrease(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	build := f.mustBuild(t)

	r1 := f.mustCandidate(t, build.ID, "main")
	require.Equal(t, 1, r1.Number)
	require.Equal(t, vr.ReleaseProcessing, r1.Status)

	r2 := f.mustCandidate(t, build.ID, "main")
	require.Equal(t, 2, r2.Number)

	// A different release name numbers independently.
	other := f.mustCandidate(t, build.ID, "staging")
	require.Equal(t, 1, other.Number)
}

func TestSupersedeBootstrapsFirstBaseline(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	build := f.mustBuild(t)
	ctx := context.Background()

	// No GOOD release exists, so superseding the sole candidate promotes it.
	r1 := f.mustCandidate(t, build.ID, "main")
	r2 := f.mustCandidate(t, build.ID, "main")

	got, err := f.store.GetRelease(ctx, r1.ID)
	require.NoError(t, err)
	require.Equal(t, vr.ReleaseGood, got.Status)

	// A GOOD release now exists, so the next supersede marks r2 BAD and
	// cancels its tasks.
	_, err = f.manager.CreateOrUpdateRun(ctx, r2.ID, "/", "https://acme.test/", "", nil)
	require.NoError(t, err)

	r3 := f.mustCandidate(t, build.ID, "main")
	require.Equal(t, 3, r3.Number)

	got, err = f.store.GetRelease(ctx, r2.ID)
	require.NoError(t, err)
	require.Equal(t, vr.ReleaseBad, got.Status)

	// r2's capture task was canceled.
	_, ok, err := f.queue.Lease(ctx, "w1", vr.TaskCapture, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCreateRunCopiesBaselineFromLastGood(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	build := f.mustBuild(t)
	ctx := context.Background()

	good := f.mustCandidate(t, build.ID, "main")
	_, err := f.manager.CreateOrUpdateRun(ctx, good.ID, "/pricing", "https://acme.test/pricing", "cfg-old", nil)
	require.NoError(t, err)
	_, err = f.manager.RecordCapture(ctx, good.ID, "/pricing",
		mustArtifact("img-old"), mustArtifact("log-old"), mustArtifact("cfg-old"))
	require.NoError(t, err)
	require.NoError(t, f.manager.Promote(ctx, good.ID))

	next := f.mustCandidate(t, build.ID, "main")
	run, err := f.manager.CreateOrUpdateRun(ctx, next.ID, "/pricing", "https://acme.test/pricing", "", nil)
	require.NoError(t, err)
	require.Equal(t, vr.RunDataPending, run.Status)
	require.Equal(t, "img-old", run.RefImage)
	require.Equal(t, "log-old", run.RefLog)
	require.Equal(t, "https://acme.test/pricing", run.RefURL)

	// A capture task was enqueued for the new run.
	task, ok, err := f.queue.Lease(ctx, "w1", vr.TaskCapture, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, next.ID, task.OwnerReleaseID)
}

func TestCreateRunWithoutBaselineLeavesRefsEmpty(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	build := f.mustBuild(t)

	release := f.mustCandidate(t, build.ID, "main")
	run, err := f.manager.CreateOrUpdateRun(context.Background(), release.ID, "/", "https://acme.test/", "", nil)
	require.NoError(t, err)
	require.Empty(t, run.RefImage)
	require.Empty(t, run.RefURL)
}

func TestBaselineOverrideRequiresBothFields(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	build := f.mustBuild(t)
	release := f.mustCandidate(t, build.ID, "main")
	ctx := context.Background()

	_, err := f.manager.CreateOrUpdateRun(ctx, release.ID, "/", "https://acme.test/", "",
		&BaselineOverride{URL: "https://old.acme.test/"})
	require.True(t, vr.IsValidation(err))

	run, err := f.manager.CreateOrUpdateRun(ctx, release.ID, "/", "https://acme.test/", "",
		&BaselineOverride{URL: "https://old.acme.test/", Config: "cfg"})
	require.NoError(t, err)
	require.Equal(t, "https://old.acme.test/", run.RefURL)
	require.Equal(t, "cfg", run.RefConfig)
}

func TestCreateRunUpdatesExistingInPlace(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	build := f.mustBuild(t)
	release := f.mustCandidate(t, build.ID, "main")
	ctx := context.Background()

	first, err := f.manager.CreateOrUpdateRun(ctx, release.ID, "/", "https://acme.test/", "", nil)
	require.NoError(t, err)
	resubmitted, err := f.manager.CreateOrUpdateRun(ctx, release.ID, "/", "https://acme.test/", "", nil)
	require.NoError(t, err)
	require.Equal(t, first.ID, resubmitted.ID)

	// Resubmitting the same target does not enqueue another capture.
	_, ok, err := f.queue.Lease(ctx, "w1", vr.TaskCapture, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = f.queue.Lease(ctx, "w1", vr.TaskCapture, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	changed, err := f.manager.CreateOrUpdateRun(ctx, release.ID, "/", "https://acme.test/v2", "cfg", nil)
	require.NoError(t, err)
	require.Equal(t, first.ID, changed.ID)
	require.Equal(t, "https://acme.test/v2", changed.URL)

	// A changed target gets a fresh capture task carrying the new URL.
	task, ok, err := f.queue.Lease(ctx, "w1", vr.TaskCapture, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	var payload vr.CapturePayload
	require.NoError(t, json.Unmarshal(task.Payload, &payload))
	require.Equal(t, "https://acme.test/v2", payload.URL)
	require.Equal(t, "cfg", payload.Config)
}

func TestRunsRejectedOnceReleaseLeavesProcessing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	build := f.mustBuild(t)
	release := f.mustCandidate(t, build.ID, "main")
	ctx := context.Background()

	require.NoError(t, f.manager.Promote(ctx, release.ID))
	_, err := f.manager.CreateOrUpdateRun(ctx, release.ID, "/", "https://acme.test/", "", nil)
	require.True(t, vr.IsInvalidState(err))
}

func TestRecordCaptureWithoutBaselineAutoApproves(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	build := f.mustBuild(t)
	release := f.mustCandidate(t, build.ID, "main")
	ctx := context.Background()

	_, err := f.manager.CreateOrUpdateRun(ctx, release.ID, "/", "https://acme.test/", "", nil)
	require.NoError(t, err)
	run, err := f.manager.RecordCapture(ctx, release.ID, "/",
		mustArtifact("img-1"), mustArtifact("log-1"), vr.Artifact{})
	require.NoError(t, err)
	require.Equal(t, vr.RunDiffApproved, run.Status)

	// No diff task exists.
	_, ok, err := f.queue.Lease(ctx, "w1", vr.TaskDiff, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRecordCaptureIdenticalHashSkipsDiff(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	build := f.mustBuild(t)
	ctx := context.Background()

	good := f.mustCandidate(t, build.ID, "main")
	_, err := f.manager.CreateOrUpdateRun(ctx, good.ID, "/", "https://acme.test/", "", nil)
	require.NoError(t, err)
	_, err = f.manager.RecordCapture(ctx, good.ID, "/",
		mustArtifact("img-same"), mustArtifact("log-1"), vr.Artifact{})
	require.NoError(t, err)
	require.NoError(t, f.manager.Promote(ctx, good.ID))

	next := f.mustCandidate(t, build.ID, "main")
	_, err = f.manager.CreateOrUpdateRun(ctx, next.ID, "/", "https://acme.test/", "", nil)
	require.NoError(t, err)
	run, err := f.manager.RecordCapture(ctx, next.ID, "/",
		mustArtifact("img-same"), mustArtifact("log-2"), vr.Artifact{})
	require.NoError(t, err)
	require.Equal(t, vr.RunDiffApproved, run.Status)

	_, ok, err := f.queue.Lease(ctx, "w1", vr.TaskDiff, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRecordCaptureDifferingHashEnqueuesDiff(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	build := f.mustBuild(t)
	ctx := context.Background()

	good := f.mustCandidate(t, build.ID, "main")
	_, err := f.manager.CreateOrUpdateRun(ctx, good.ID, "/", "https://acme.test/", "", nil)
	require.NoError(t, err)
	_, err = f.manager.RecordCapture(ctx, good.ID, "/",
		mustArtifact("img-old"), mustArtifact("log-1"), vr.Artifact{})
	require.NoError(t, err)
	require.NoError(t, f.manager.Promote(ctx, good.ID))

	next := f.mustCandidate(t, build.ID, "main")
	_, err = f.manager.CreateOrUpdateRun(ctx, next.ID, "/", "https://acme.test/", "", nil)
	require.NoError(t, err)
	run, err := f.manager.RecordCapture(ctx, next.ID, "/",
		mustArtifact("img-new"), mustArtifact("log-2"), vr.Artifact{})
	require.NoError(t, err)
	require.Equal(t, vr.RunDiffNeeded, run.Status)

	task, ok, err := f.queue.Lease(ctx, "w1", vr.TaskDiff, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, next.ID, task.OwnerReleaseID)
	require.JSONEq(t,
		fmt.Sprintf(`{"release_id":%q,"run_name":"/","image":"img-new","ref_image":"img-old"}`, next.ID),
		string(task.Payload))
}

func TestRecordDiffResolvesOrAwaitsReview(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	build := f.mustBuild(t)
	ctx := context.Background()

	good := f.mustCandidate(t, build.ID, "main")
	for _, name := range []string{"/same", "/changed"} {
		_, err := f.manager.CreateOrUpdateRun(ctx, good.ID, name, "https://acme.test"+name, "", nil)
		require.NoError(t, err)
		_, err = f.manager.RecordCapture(ctx, good.ID, name,
			mustArtifact("base-"+name), mustArtifact("log"), vr.Artifact{})
		require.NoError(t, err)
	}
	require.NoError(t, f.manager.Promote(ctx, good.ID))

	next := f.mustCandidate(t, build.ID, "main")
	for _, name := range []string{"/same", "/changed"} {
		_, err := f.manager.CreateOrUpdateRun(ctx, next.ID, name, "https://acme.test"+name, "", nil)
		require.NoError(t, err)
		_, err = f.manager.RecordCapture(ctx, next.ID, name,
			mustArtifact("new-"+name), mustArtifact("log"), vr.Artifact{})
		require.NoError(t, err)
	}

	run, err := f.manager.RecordDiff(ctx, next.ID, "/same",
		mustArtifact("diff-same"), mustArtifact("difflog"), false)
	require.NoError(t, err)
	require.Equal(t, vr.RunDiffApproved, run.Status)

	run, err = f.manager.RecordDiff(ctx, next.ID, "/changed",
		mustArtifact("diff-changed"), mustArtifact("difflog"), true)
	require.NoError(t, err)
	require.Equal(t, vr.RunDiffNeeded, run.Status)
	require.Equal(t, "diff-changed", run.DiffImage)
	require.True(t, run.Resolved())

	// Recording a diff twice is invalid; the run already left DIFF_NEEDED
	// or holds its verdict.
	_, err = f.manager.RecordDiff(ctx, next.ID, "/same",
		mustArtifact("diff-same"), mustArtifact("difflog"), false)
	require.True(t, vr.IsInvalidState(err))
}

func TestApproveAndFailRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	build := f.mustBuild(t)
	ctx := context.Background()

	good := f.mustCandidate(t, build.ID, "main")
	_, err := f.manager.CreateOrUpdateRun(ctx, good.ID, "/", "https://acme.test/", "", nil)
	require.NoError(t, err)
	_, err = f.manager.RecordCapture(ctx, good.ID, "/",
		mustArtifact("img-old"), mustArtifact("log"), vr.Artifact{})
	require.NoError(t, err)
	require.NoError(t, f.manager.Promote(ctx, good.ID))

	next := f.mustCandidate(t, build.ID, "main")
	_, err = f.manager.CreateOrUpdateRun(ctx, next.ID, "/", "https://acme.test/", "", nil)
	require.NoError(t, err)
	_, err = f.manager.RecordCapture(ctx, next.ID, "/",
		mustArtifact("img-new"), mustArtifact("log"), vr.Artifact{})
	require.NoError(t, err)

	run, err := f.manager.ApproveRun(ctx, next.ID, "/")
	require.NoError(t, err)
	require.Equal(t, vr.RunDiffApproved, run.Status)

	// Approved runs cannot be failed.
	_, err = f.manager.FailRun(ctx, next.ID, "/", mustArtifact("faillog"))
	require.True(t, vr.IsInvalidState(err))

	// Failing requires a log artifact.
	_, err = f.manager.FailRun(ctx, next.ID, "/", vr.Artifact{})
	require.True(t, vr.IsValidation(err))
}

func TestMarkCompleteRequiresResolvedRuns(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	build := f.mustBuild(t)
	release := f.mustCandidate(t, build.ID, "main")
	ctx := context.Background()

	err := f.manager.MarkComplete(ctx, release.ID)
	require.True(t, vr.IsValidation(err))

	_, err = f.manager.CreateOrUpdateRun(ctx, release.ID, "/", "https://acme.test/", "", nil)
	require.NoError(t, err)
	err = f.manager.MarkComplete(ctx, release.ID)
	require.True(t, vr.IsConflict(err))

	_, err = f.manager.RecordCapture(ctx, release.ID, "/",
		mustArtifact("img"), mustArtifact("log"), vr.Artifact{})
	require.NoError(t, err)
	require.NoError(t, f.manager.MarkComplete(ctx, release.ID))
}

func TestMarkCompleteBlockedByFailedRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	build := f.mustBuild(t)
	release := f.mustCandidate(t, build.ID, "main")
	ctx := context.Background()

	_, err := f.manager.CreateOrUpdateRun(ctx, release.ID, "/", "https://acme.test/", "", nil)
	require.NoError(t, err)
	_, err = f.manager.FailRun(ctx, release.ID, "/", mustArtifact("faillog"))
	require.NoError(t, err)

	err = f.manager.MarkComplete(ctx, release.ID)
	require.True(t, vr.IsConflict(err))

	// Reject remains available for triage.
	require.NoError(t, f.manager.Reject(ctx, release.ID))
}

func TestRejectCancelsOutstandingTasks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	build := f.mustBuild(t)
	release := f.mustCandidate(t, build.ID, "main")
	ctx := context.Background()

	_, err := f.manager.CreateOrUpdateRun(ctx, release.ID, "/", "https://acme.test/", "", nil)
	require.NoError(t, err)
	require.NoError(t, f.manager.Reject(ctx, release.ID))

	_, ok, err := f.queue.Lease(ctx, "w1", vr.TaskCapture, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	// Terminal transitions are one-way.
	require.Error(t, f.manager.Promote(ctx, release.ID))
}

func TestNotifyFiresOncePerRelease(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	build := f.mustBuild(t)
	release := f.mustCandidate(t, build.ID, "main")
	ctx := context.Background()

	_, err := f.manager.CreateOrUpdateRun(ctx, release.ID, "/a", "https://acme.test/a", "", nil)
	require.NoError(t, err)
	_, err = f.manager.CreateOrUpdateRun(ctx, release.ID, "/b", "https://acme.test/b", "", nil)
	require.NoError(t, err)

	_, err = f.manager.RecordCapture(ctx, release.ID, "/a",
		mustArtifact("img-a"), mustArtifact("log"), vr.Artifact{})
	require.NoError(t, err)
	require.Empty(t, f.notifier.Events())

	_, err = f.manager.RecordCapture(ctx, release.ID, "/b",
		mustArtifact("img-b"), mustArtifact("log"), vr.Artifact{})
	require.NoError(t, err)

	events := f.notifier.Events()
	require.Len(t, events, 1)
	require.Equal(t, release.ID, events[0].ReleaseID)
	require.Equal(t, 2, events[0].RunCount)

	// Further transitions on the same release never re-notify.
	_, err = f.manager.RecordCapture(ctx, release.ID, "/b",
		mustArtifact("img-b2"), mustArtifact("log"), vr.Artifact{})
	require.NoError(t, err)
	require.Len(t, f.notifier.Events(), 1)
}

func TestNotifyWaitsForCrawlToFinishRegisteringRuns(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	build := f.mustBuild(t)
	release := f.mustCandidate(t, build.ID, "main")
	ctx := context.Background()

	f.manager.BeginCrawl(release.ID)
	_, err := f.manager.CreateOrUpdateRun(ctx, release.ID, "/a", "https://acme.test/a", "", nil)
	require.NoError(t, err)

	// The first page resolves while discovery is still walking links; the
	// release must not be announced with a partial run set.
	_, err = f.manager.RecordCapture(ctx, release.ID, "/a",
		mustArtifact("img-a"), mustArtifact("log"), vr.Artifact{})
	require.NoError(t, err)
	require.Empty(t, f.notifier.Events())

	_, err = f.manager.CreateOrUpdateRun(ctx, release.ID, "/b", "https://acme.test/b", "", nil)
	require.NoError(t, err)
	f.manager.EndCrawl(ctx, release.ID)
	require.Empty(t, f.notifier.Events())

	_, err = f.manager.RecordCapture(ctx, release.ID, "/b",
		mustArtifact("img-b"), mustArtifact("log"), vr.Artifact{})
	require.NoError(t, err)

	events := f.notifier.Events()
	require.Len(t, events, 1)
	require.Equal(t, 2, events[0].RunCount)
}

func TestNotifyFiresWhenCrawlEndsAfterLastCapture(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	build := f.mustBuild(t)
	release := f.mustCandidate(t, build.ID, "main")
	ctx := context.Background()

	f.manager.BeginCrawl(release.ID)
	_, err := f.manager.CreateOrUpdateRun(ctx, release.ID, "/", "https://acme.test/", "", nil)
	require.NoError(t, err)
	_, err = f.manager.RecordCapture(ctx, release.ID, "/",
		mustArtifact("img"), mustArtifact("log"), vr.Artifact{})
	require.NoError(t, err)
	require.Empty(t, f.notifier.Events())

	// Every capture beat the crawler to the finish line; ending the crawl is
	// what announces the release.
	f.manager.EndCrawl(ctx, release.ID)
	require.Len(t, f.notifier.Events(), 1)
}

func TestNotifyReannouncesWhenRunSetGrows(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	build := f.mustBuild(t)
	release := f.mustCandidate(t, build.ID, "main")
	ctx := context.Background()

	_, err := f.manager.CreateOrUpdateRun(ctx, release.ID, "/a", "https://acme.test/a", "", nil)
	require.NoError(t, err)
	_, err = f.manager.RecordCapture(ctx, release.ID, "/a",
		mustArtifact("img-a"), mustArtifact("log"), vr.Artifact{})
	require.NoError(t, err)
	require.Len(t, f.notifier.Events(), 1)

	// A run registered after the announcement re-arms it; the release is
	// announced again once the grown set fully resolves.
	_, err = f.manager.CreateOrUpdateRun(ctx, release.ID, "/b", "https://acme.test/b", "", nil)
	require.NoError(t, err)
	require.Len(t, f.notifier.Events(), 1)

	_, err = f.manager.RecordCapture(ctx, release.ID, "/b",
		mustArtifact("img-b"), mustArtifact("log"), vr.Artifact{})
	require.NoError(t, err)

	events := f.notifier.Events()
	require.Len(t, events, 2)
	require.Equal(t, 2, events[1].RunCount)
}
