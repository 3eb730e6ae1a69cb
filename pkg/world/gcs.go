//go:build gcp

package world

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/Mindburn-Labs/substrate/pkg/worldpath"
)

// GCSStorage stores World objects in a Google Cloud Storage bucket.
type GCSStorage struct {
	guard
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig holds configuration for GCSStorage.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStorage uses application default credentials.
func NewGCSStorage(ctx context.Context, cfg GCSConfig, c *worldpath.Canonicalizer) (*GCSStorage, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStorage{guard: newGuard(c), client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStorage) GetBytes(ctx context.Context, path string) ([]byte, error) {
	if err := s.check(path); err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(s.bucket).Object(key(s.prefix, path)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("gcs get failed for %s: %w", path, err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func (s *GCSStorage) PutBytes(ctx context.Context, path string, data []byte) (string, error) {
	if err := s.check(path); err != nil {
		return "", err
	}
	cid := ComputeCID(data)
	w := s.client.Bucket(s.bucket).Object(key(s.prefix, path)).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	w.Metadata = map[string]string{"cid": cid}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write failed for %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs close failed for %s: %w", path, err)
	}
	return cid, nil
}

func (s *GCSStorage) Exists(ctx context.Context, path string) (bool, error) {
	if err := s.check(path); err != nil {
		return false, err
	}
	_, err := s.client.Bucket(s.bucket).Object(key(s.prefix, path)).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("gcs attrs error for %s: %w", path, err)
	}
	return true, nil
}

func (s *GCSStorage) ComputeCID(data []byte) string { return ComputeCID(data) }
