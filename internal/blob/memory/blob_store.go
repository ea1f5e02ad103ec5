// Package memory stores artifacts in-memory for tests and development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/pixeltrail/pixeltrail/internal/vr"
)

// BlobStore keeps content-addressed artifacts in a map.
type BlobStore struct {
	hasher vr.Hasher
	clock  vr.Clock

	mu   sync.RWMutex
	data map[string][]byte
	meta map[string]vr.Artifact
}

// NewBlobStore creates an empty in-memory blob store.
func NewBlobStore(hasher vr.Hasher, clock vr.Clock) *BlobStore {
	return &BlobStore{
		hasher: hasher,
		clock:  clock,
		data:   make(map[string][]byte),
		meta:   make(map[string]vr.Artifact),
	}
}

// Put stores the bytes under their content hash. Storing identical bytes
// twice returns the same artifact.
func (s *BlobStore) Put(_ context.Context, contentType string, data []byte) (vr.Artifact, error) {
	hash, err := s.hasher.Hash(data)
	if err != nil {
		return vr.Artifact{}, fmt.Errorf("hash artifact: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.meta[hash]; ok {
		return existing, nil
	}
	artifact := vr.Artifact{
		Hash:        hash,
		ContentType: contentType,
		Size:        int64(len(data)),
		URI:         "memory://" + hash,
		CreatedAt:   s.clock.Now(),
	}
	s.data[hash] = append([]byte(nil), data...)
	s.meta[hash] = artifact
	return artifact, nil
}

// Get returns the bytes stored under the hash.
func (s *BlobStore) Get(_ context.Context, hash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[hash]
	if !ok {
		return nil, fmt.Errorf("artifact %s: %w", hash, vr.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}
