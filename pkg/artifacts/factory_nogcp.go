//go:build !gcp

package artifacts

import (
	"context"
	"errors"

	"github.com/Mindburn-Labs/permengine/pkg/config"
)

// ErrGCSNotBuilt is returned for gcs storage in builds without the gcp tag.
var ErrGCSNotBuilt = errors.New("artifacts: gcs storage is not enabled in this build (use -tags gcp)")

func newGCSStore(context.Context, config.ArtifactsConfig) (Store, error) {
	return nil, ErrGCSNotBuilt
}
