package world

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/Mindburn-Labs/substrate/pkg/worldpath"
)

// StorageType names a World backend.
type StorageType string

const (
	StorageTypeMemory StorageType = "memory"
	StorageTypeFS     StorageType = "fs"
	StorageTypeS3     StorageType = "s3"
	StorageTypeGCS    StorageType = "gcs"
)

// Options selects and configures a backend.
type Options struct {
	Type     StorageType
	DataDir  string
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// NewStorage builds the backend named by opts.Type (default fs).
func NewStorage(ctx context.Context, opts Options, c *worldpath.Canonicalizer) (Storage, error) {
	switch opts.Type {
	case StorageTypeMemory:
		return NewMemoryStorage(c), nil
	case "", StorageTypeFS:
		dir := opts.DataDir
		if dir == "" {
			dir = "data"
		}
		return NewFileStorage(filepath.Join(dir, "world"), c)
	case StorageTypeS3:
		if opts.Bucket == "" {
			return nil, fmt.Errorf("WORLD_S3_BUCKET is required for S3 storage")
		}
		region := opts.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Storage(ctx, S3Config{Bucket: opts.Bucket, Region: region, Endpoint: opts.Endpoint, Prefix: opts.Prefix}, c)
	case StorageTypeGCS:
		if opts.Bucket == "" {
			return nil, fmt.Errorf("WORLD_GCS_BUCKET is required for GCS storage")
		}
		return newGCSStorage(ctx, opts, c)
	default:
		return nil, fmt.Errorf("unsupported world storage type: %s", opts.Type)
	}
}
