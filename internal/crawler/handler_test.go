package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pixeltrail/pixeltrail/internal/lifecycle"
	"github.com/pixeltrail/pixeltrail/internal/notify"
	storememory "github.com/pixeltrail/pixeltrail/internal/store/memory"
	queuememory "github.com/pixeltrail/pixeltrail/internal/taskqueue/memory"
	"github.com/pixeltrail/pixeltrail/internal/vr"
)

type stubCrawler struct {
	pages []Page
	err   error
	// onDiscover runs before pages are returned, standing in for work that
	// happens elsewhere while discovery is still walking links.
	onDiscover func()
}

func (s *stubCrawler) Discover(context.Context, string, int) ([]Page, error) {
	if s.onDiscover != nil {
		s.onDiscover()
	}
	return s.pages, s.err
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
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
	manager  *lifecycle.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &stepClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	ids := &seqIDs{}
	store := storememory.NewStore()
	queue := queuememory.NewQueue(queuememory.Config{MaxAttempts: 3}, clk, ids)
	notifier := notify.NewMemory()
	return &fixture{
		store:    store,
		queue:    queue,
		notifier: notifier,
		manager:  lifecycle.New(store, queue, notifier, clk, ids, zap.NewNop()),
	}
}

func newCandidate(t *testing.T, f *fixture) vr.Release {
	t.Helper()
	ctx := context.Background()
	build, err := f.manager.CreateBuild(ctx, "acme-site", false)
	require.NoError(t, err)
	release, err := f.manager.CreateCandidate(ctx, build.ID, "main", "https://acme.test")
	require.NoError(t, err)
	return release
}

func TestExecuteRegistersRunPerPage(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	release := newCandidate(t, f)

	crawler := &stubCrawler{pages: []Page{
		{Name: "/", URL: "https://acme.test/"},
		{Name: "/pricing", URL: "https://acme.test/pricing"},
		{Name: "/about", URL: "https://acme.test/about"},
	}}
	handler := NewHandler(crawler, f.manager, zap.NewNop())
	require.NoError(t, handler.Execute(ctx, Request{ReleaseID: release.ID, RootURL: "https://acme.test"}))

	runs, err := f.store.ListRuns(ctx, release.ID)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	for _, run := range runs {
		require.Equal(t, vr.RunDataPending, run.Status)
	}

	// One capture task per discovered page.
	for i := 0; i < 3; i++ {
		_, ok, err := f.queue.Lease(ctx, "w1", vr.TaskCapture, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
	}
	_, ok, err := f.queue.Lease(ctx, "w1", vr.TaskCapture, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestExecuteHoldsNotificationUntilAllPagesRegistered(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	release := newCandidate(t, f)

	_, err := f.manager.CreateOrUpdateRun(ctx, release.ID, "/a", "https://acme.test/a", "", nil)
	require.NoError(t, err)

	// The already-registered page resolves while discovery is mid-walk. With
	// one more page still to register, the release must not be announced.
	crawler := &stubCrawler{
		pages: []Page{
			{Name: "/a", URL: "https://acme.test/a"},
			{Name: "/b", URL: "https://acme.test/b"},
		},
		onDiscover: func() {
			_, err := f.manager.RecordCapture(ctx, release.ID, "/a",
				vr.Artifact{Hash: "img-a"}, vr.Artifact{Hash: "log"}, vr.Artifact{})
			require.NoError(t, err)
		},
	}
	handler := NewHandler(crawler, f.manager, zap.NewNop())
	require.NoError(t, handler.Execute(ctx, Request{ReleaseID: release.ID, RootURL: "https://acme.test"}))
	require.Empty(t, f.notifier.Events())

	_, err = f.manager.RecordCapture(ctx, release.ID, "/b",
		vr.Artifact{Hash: "img-b"}, vr.Artifact{Hash: "log"}, vr.Artifact{})
	require.NoError(t, err)

	events := f.notifier.Events()
	require.Len(t, events, 1)
	require.Equal(t, 2, events[0].RunCount)
}

func TestExecuteStopsQuietlyWhenReleaseIsFinished(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	release := newCandidate(t, f)
	require.NoError(t, f.manager.Reject(ctx, release.ID))

	crawler := &stubCrawler{pages: []Page{{Name: "/", URL: "https://acme.test/"}}}
	handler := NewHandler(crawler, f.manager, zap.NewNop())
	require.NoError(t, handler.Execute(ctx, Request{ReleaseID: release.ID, RootURL: "https://acme.test"}))

	runs, err := f.store.ListRuns(ctx, release.ID)
	require.NoError(t, err)
	require.Empty(t, runs)
}

func TestExecuteTreatsDiscoveryErrorAsTransient(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	release := newCandidate(t, f)

	handler := NewHandler(&stubCrawler{err: errors.New("connection refused")}, f.manager, zap.NewNop())
	err := handler.Execute(context.Background(), Request{ReleaseID: release.ID, RootURL: "https://acme.test"})
	require.True(t, vr.IsRetryable(err))
}

func TestExecuteValidatesRequest(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	handler := NewHandler(&stubCrawler{}, f.manager, zap.NewNop())

	err := handler.Execute(context.Background(), Request{RootURL: "https://acme.test"})
	require.True(t, vr.IsValidation(err))
	err = handler.Execute(context.Background(), Request{ReleaseID: "r1"})
	require.True(t, vr.IsValidation(err))
}
