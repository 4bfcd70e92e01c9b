package artifacts

import (
	"context"
	"fmt"

	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/canonicalize"
)

// StoreType selects the payload storage backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// Config selects and configures a Store.
type Config struct {
	Type     StoreType `yaml:"type"`
	Dir      string    `yaml:"dir"`
	Bucket   string    `yaml:"bucket"`
	Region   string    `yaml:"region"`
	Endpoint string    `yaml:"endpoint"`
	Prefix   string    `yaml:"prefix"`
}

// NewStore builds the store described by cfg.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case "", StoreTypeFS:
		if cfg.Dir == "" {
			return nil, fmt.Errorf("artifact fs store needs a directory")
		}
		return NewFileStore(cfg.Dir)
	case StoreTypeS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("artifact bucket is required for S3 storage")
		}
		region := cfg.Region
		if region == "" {
			region = "eu-north-1"
		}
		return NewS3Store(ctx, S3StoreConfig{Bucket: cfg.Bucket, Region: region, Endpoint: cfg.Endpoint, Prefix: cfg.Prefix})
	case StoreTypeGCS:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("artifact bucket is required for GCS storage")
		}
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported artifact storage type: %s", cfg.Type)
	}
}

func sha256Hex(data []byte) string { return canonicalize.HashBytes(data) }
