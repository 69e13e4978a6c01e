package artifacts

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/permengine/pkg/config"
)

// StoreType names an evidence-pack storage backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// DefaultRegion is used for S3 when no region is configured.
const DefaultRegion = "us-east-1"

// NewStore creates the store selected by cfg.Type. An empty type means fs.
func NewStore(ctx context.Context, cfg config.ArtifactsConfig) (Store, error) {
	switch StoreType(cfg.Type) {
	case StoreTypeFS, "":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("artifacts: dir is required for fs storage")
		}
		return NewFileStore(cfg.Dir)
	case StoreTypeS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("artifacts: bucket is required for s3 storage")
		}
		region := cfg.Region
		if region == "" {
			region = DefaultRegion
		}
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   cfg.Bucket,
			Region:   region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	case StoreTypeGCS:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("artifacts: bucket is required for gcs storage")
		}
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("artifacts: unsupported storage type %q", cfg.Type)
	}
}
