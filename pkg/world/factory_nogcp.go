//go:build !gcp

package world

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/substrate/pkg/worldpath"
)

func newGCSStorage(context.Context, Options, *worldpath.Canonicalizer) (Storage, error) {
	return nil, fmt.Errorf("GCS storage is not enabled in this build (use -tags gcp)")
}
