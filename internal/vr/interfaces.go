package vr

import (
	"context"
	"time"
)

// Store persists builds, releases, and runs. Implementations must make each
// call atomic; the lifecycle manager layers its own per-release serialization
// on top.
type Store interface {
	CreateBuild(ctx context.Context, build Build) error
	GetBuild(ctx context.Context, id string) (Build, error)
	GetBuildByName(ctx context.Context, name string) (Build, error)

	CreateRelease(ctx context.Context, release Release) error
	GetRelease(ctx context.Context, id string) (Release, error)
	// LatestRelease returns the highest-numbered release for (buildID, name),
	// or ErrNotFound when none has been created yet.
	LatestRelease(ctx context.Context, buildID, name string) (Release, error)
	// LastGoodRelease returns the most recently created GOOD release for the
	// build, ordered by creation time, not number.
	LastGoodRelease(ctx context.Context, buildID string) (Release, error)
	ListReleases(ctx context.Context, buildID string) ([]Release, error)
	// UpdateReleaseStatus applies the terminal transition guarded by the
	// expected current status. Returns an InvalidStateError when the release
	// is no longer in the expected state.
	UpdateReleaseStatus(ctx context.Context, id string, from, to ReleaseStatus) error

	CreateRun(ctx context.Context, run Run) error
	UpdateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, releaseID, name string) (Run, error)
	ListRuns(ctx context.Context, releaseID string) ([]Run, error)
}

// BlobStore stores content-addressed artifacts. Put is idempotent: storing
// the same bytes twice yields the same artifact.
type BlobStore interface {
	Put(ctx context.Context, contentType string, data []byte) (Artifact, error)
	Get(ctx context.Context, hash string) ([]byte, error)
}

// TaskQueue is the durable task mapping with lease semantics. All operations
// are atomic with respect to each other.
type TaskQueue interface {
	// Enqueue adds a QUEUED task and returns its id. Always succeeds.
	Enqueue(ctx context.Context, t TaskType, payload any, ownerReleaseID string) (string, error)
	// Lease claims the oldest QUEUED task of the given type, transitions it
	// to LEASED, and records a deadline. The second return is false when no
	// task is available.
	Lease(ctx context.Context, workerID string, t TaskType, ttl time.Duration) (Task, bool, error)
	// Complete transitions LEASED to DONE. Calling it twice with the same
	// result is a no-op; completing a canceled task returns an
	// InvalidStateError.
	Complete(ctx context.Context, taskID string, result []byte) error
	// Fail requeues the task with an incremented attempt count, or marks it
	// FAILED once attempts are exhausted. The updated task is returned so
	// callers can react to the terminal state.
	Fail(ctx context.Context, taskID string, cause error) (Task, error)
	// CancelByOwner cancels every QUEUED or LEASED task owned by the release
	// and returns how many were canceled. Idempotent.
	CancelByOwner(ctx context.Context, releaseID string) (int, error)
	// SweepExpired requeues LEASED tasks whose deadline has passed, once per
	// expiry, incrementing their attempt count. Returns how many were swept.
	SweepExpired(ctx context.Context) (int, error)
}

// Notifier is invoked once per release whose runs have all been resolved.
type Notifier interface {
	ReleaseReady(ctx context.Context, release Release, runCount int) error
}

// Hasher computes content digests for artifact addressing.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces entity IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
