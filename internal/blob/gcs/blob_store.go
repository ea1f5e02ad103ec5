// Package gcs provides a content-addressed blob store backed by Google
// Cloud Storage.
package gcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/pixeltrail/pixeltrail/internal/vr"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	Prefix string
}

// BlobStore writes artifacts to a configured GCS bucket, keyed by content
// hash under an optional prefix.
type BlobStore struct {
	client *storage.Client
	cfg    Config
	hasher vr.Hasher
	clock  vr.Clock
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config, hasher vr.Hasher, clock vr.Clock) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{client: client, cfg: cfg, hasher: hasher, clock: clock}, nil
}

func (s *BlobStore) objectName(hash string) string {
	if s.cfg.Prefix == "" {
		return hash
	}
	return s.cfg.Prefix + "/" + hash
}

// Put uploads the bytes under their content hash. An object that already
// exists is reused; artifacts are immutable.
func (s *BlobStore) Put(ctx context.Context, contentType string, data []byte) (vr.Artifact, error) {
	hash, err := s.hasher.Hash(data)
	if err != nil {
		return vr.Artifact{}, fmt.Errorf("hash artifact: %w", err)
	}
	name := s.objectName(hash)
	obj := s.client.Bucket(s.cfg.Bucket).Object(name)
	artifact := vr.Artifact{
		Hash:        hash,
		ContentType: contentType,
		Size:        int64(len(data)),
		URI:         fmt.Sprintf("gs://%s/%s", s.cfg.Bucket, name),
		CreatedAt:   s.clock.Now(),
	}

	// DoesNotExist turns the write into a no-op when the content is already
	// stored, which also guards concurrent uploaders of the same bytes.
	writer := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = contentType
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return vr.Artifact{}, fmt.Errorf("write object: %w", err)
	}
	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			return artifact, nil
		}
		return vr.Artifact{}, fmt.Errorf("close writer: %w", err)
	}
	return artifact, nil
}

// Get downloads the bytes stored under the hash.
func (s *BlobStore) Get(ctx context.Context, hash string) ([]byte, error) {
	reader, err := s.client.Bucket(s.cfg.Bucket).Object(s.objectName(hash)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("artifact %s: %w", hash, vr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open object: %w", err)
	}
	defer func() { _ = reader.Close() }()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return buf.Bytes(), nil
}

// isPreconditionFailed matches the HTTP 412 returned when DoesNotExist
// fails, i.e. the object is already stored.
func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
