//go:build !gcp

package artifacts

import (
	"context"
	"errors"
	"testing"

	"github.com/Mindburn-Labs/permengine/pkg/config"
)

func TestNewStore_GCSNotBuilt(t *testing.T) {
	_, err := NewStore(context.Background(), config.ArtifactsConfig{Type: "gcs", Bucket: "packs"})
	if !errors.Is(err, ErrGCSNotBuilt) {
		t.Fatalf("expected ErrGCSNotBuilt, got %v", err)
	}
}
