//go:build gcp

package world

import (
	"context"

	"github.com/Mindburn-Labs/substrate/pkg/worldpath"
)

func newGCSStorage(ctx context.Context, opts Options, c *worldpath.Canonicalizer) (Storage, error) {
	return NewGCSStorage(ctx, GCSConfig{Bucket: opts.Bucket, Prefix: opts.Prefix}, c)
}
