// Package local implements a content-addressed blob store on the local
// filesystem. Artifacts land under baseDir/ab/abcdef... keyed by hash prefix
// to keep directories small.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pixeltrail/pixeltrail/internal/vr"
)

// Config captures the parameters for the local blob store.
type Config struct {
	// BaseDir is the root directory where artifacts are stored.
	BaseDir string `mapstructure:"base_dir"`
}

// BlobStore writes artifacts to the local filesystem.
type BlobStore struct {
	baseDir string
	hasher  vr.Hasher
	clock   vr.Clock
}

// New creates a filesystem-backed blob store, creating the base directory if
// needed.
func New(cfg Config, hasher vr.Hasher, clock vr.Clock) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o750); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	return &BlobStore{baseDir: cfg.BaseDir, hasher: hasher, clock: clock}, nil
}

func (s *BlobStore) pathFor(hash string) string {
	return filepath.Join(s.baseDir, hash[:2], hash)
}

// Put writes the bytes under their content hash. A hash that already exists
// on disk is left untouched; artifacts are immutable.
func (s *BlobStore) Put(_ context.Context, contentType string, data []byte) (vr.Artifact, error) {
	hash, err := s.hasher.Hash(data)
	if err != nil {
		return vr.Artifact{}, fmt.Errorf("hash artifact: %w", err)
	}
	path := s.pathFor(hash)
	artifact := vr.Artifact{
		Hash:        hash,
		ContentType: contentType,
		Size:        int64(len(data)),
		URI:         "file://" + path,
		CreatedAt:   s.clock.Now(),
	}

	if _, err := os.Stat(path); err == nil {
		return artifact, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return vr.Artifact{}, fmt.Errorf("create artifact directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return vr.Artifact{}, fmt.Errorf("write artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return vr.Artifact{}, fmt.Errorf("publish artifact: %w", err)
	}
	return artifact, nil
}

// Get reads the bytes stored under the hash.
func (s *BlobStore) Get(_ context.Context, hash string) ([]byte, error) {
	if len(hash) < 3 {
		return nil, vr.Validationf("invalid artifact hash %q", hash)
	}
	data, err := os.ReadFile(s.pathFor(hash))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("artifact %s: %w", hash, vr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return data, nil
}
