// Package memory persists builds, releases, and runs in-memory for tests and
// local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pixeltrail/pixeltrail/internal/vr"
)

// Store is a mutex-guarded in-memory implementation of vr.Store.
type Store struct {
	mu           sync.RWMutex
	builds       map[string]vr.Build
	buildsByName map[string]string
	releases     map[string]vr.Release
	runs         map[string]map[string]vr.Run // releaseID -> name -> run
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		builds:       make(map[string]vr.Build),
		buildsByName: make(map[string]string),
		releases:     make(map[string]vr.Release),
		runs:         make(map[string]map[string]vr.Run),
	}
}

// CreateBuild inserts a build, rejecting duplicate names.
func (s *Store) CreateBuild(_ context.Context, build vr.Build) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.buildsByName[build.Name]; dup {
		return vr.Conflictf("build name %q already exists", build.Name)
	}
	s.builds[build.ID] = build
	s.buildsByName[build.Name] = build.ID
	return nil
}

// GetBuild fetches a build by id.
func (s *Store) GetBuild(_ context.Context, id string) (vr.Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	build, ok := s.builds[id]
	if !ok {
		return vr.Build{}, fmt.Errorf("build %s: %w", id, vr.ErrNotFound)
	}
	return build, nil
}

// GetBuildByName fetches a build by its unique name.
func (s *Store) GetBuildByName(_ context.Context, name string) (vr.Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.buildsByName[name]
	if !ok {
		return vr.Build{}, fmt.Errorf("build %q: %w", name, vr.ErrNotFound)
	}
	return s.builds[id], nil
}

// CreateRelease inserts a release.
func (s *Store) CreateRelease(_ context.Context, release vr.Release) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.releases[release.ID]; dup {
		return vr.Conflictf("release %s already exists", release.ID)
	}
	s.releases[release.ID] = release
	return nil
}

// GetRelease fetches a release by id.
func (s *Store) GetRelease(_ context.Context, id string) (vr.Release, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	release, ok := s.releases[id]
	if !ok {
		return vr.Release{}, fmt.Errorf("release %s: %w", id, vr.ErrNotFound)
	}
	return release, nil
}

// LatestRelease returns the highest-numbered release for (buildID, name).
func (s *Store) LatestRelease(_ context.Context, buildID, name string) (vr.Release, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best vr.Release
	found := false
	for _, r := range s.releases {
		if r.BuildID != buildID || r.Name != name {
			continue
		}
		if !found || r.Number > best.Number {
			best = r
			found = true
		}
	}
	if !found {
		return vr.Release{}, fmt.Errorf("release %s/%s: %w", buildID, name, vr.ErrNotFound)
	}
	return best, nil
}

// LastGoodRelease returns the most recently created GOOD release for the
// build, ordered by created_at descending.
func (s *Store) LastGoodRelease(_ context.Context, buildID string) (vr.Release, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best vr.Release
	found := false
	for _, r := range s.releases {
		if r.BuildID != buildID || r.Status != vr.ReleaseGood {
			continue
		}
		if !found || r.CreatedAt.After(best.CreatedAt) {
			best = r
			found = true
		}
	}
	if !found {
		return vr.Release{}, fmt.Errorf("good release for build %s: %w", buildID, vr.ErrNotFound)
	}
	return best, nil
}

// ListReleases returns all releases of a build, newest first.
func (s *Store) ListReleases(_ context.Context, buildID string) ([]vr.Release, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []vr.Release
	for _, r := range s.releases {
		if r.BuildID == buildID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// UpdateReleaseStatus applies a guarded status transition.
func (s *Store) UpdateReleaseStatus(_ context.Context, id string, from, to vr.ReleaseStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	release, ok := s.releases[id]
	if !ok {
		return fmt.Errorf("release %s: %w", id, vr.ErrNotFound)
	}
	if release.Status != from {
		return &vr.InvalidStateError{
			Entity: "release", ID: id,
			Msg: fmt.Sprintf("expected status %s, found %s", from, release.Status),
		}
	}
	release.Status = to
	s.releases[id] = release
	return nil
}

// CreateRun inserts a run, unique by name within its release.
func (s *Store) CreateRun(_ context.Context, run vr.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byName, ok := s.runs[run.ReleaseID]
	if !ok {
		byName = make(map[string]vr.Run)
		s.runs[run.ReleaseID] = byName
	}
	if _, dup := byName[run.Name]; dup {
		return vr.Conflictf("run %q already exists in release %s", run.Name, run.ReleaseID)
	}
	byName[run.Name] = run
	return nil
}

// UpdateRun replaces a run record.
func (s *Store) UpdateRun(_ context.Context, run vr.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byName, ok := s.runs[run.ReleaseID]
	if !ok {
		return fmt.Errorf("run %s/%s: %w", run.ReleaseID, run.Name, vr.ErrNotFound)
	}
	if _, ok := byName[run.Name]; !ok {
		return fmt.Errorf("run %s/%s: %w", run.ReleaseID, run.Name, vr.ErrNotFound)
	}
	byName[run.Name] = run
	return nil
}

// GetRun fetches a run by release and name.
func (s *Store) GetRun(_ context.Context, releaseID, name string) (vr.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[releaseID][name]
	if !ok {
		return vr.Run{}, fmt.Errorf("run %s/%s: %w", releaseID, name, vr.ErrNotFound)
	}
	return run, nil
}

// ListRuns returns all runs of a release sorted by name.
func (s *Store) ListRuns(_ context.Context, releaseID string) ([]vr.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []vr.Run
	for _, run := range s.runs[releaseID] {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
