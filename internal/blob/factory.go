package blob

import (
	"context"
	"fmt"
	"os"

	"dt-go/internal/config"
	"dt-go/internal/deploy"
)

// NewStoreFromConfig creates a BlobStore implementation based on the store
// config type. Returns (nil, nil) when no store is configured.
func NewStoreFromConfig(cfg config.StoreConfig) (deploy.BlobStore, error) {
	switch cfg.Type {
	case "":
		return nil, nil
	case "memory":
		return NewMemoryStore(), nil
	case "s3":
		return NewS3Store(context.Background(), S3Options{
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: os.Getenv("DT_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("DT_S3_SECRET_KEY"),
		})
	case "filesystem":
		if cfg.FSRoot == "" {
			return nil, fmt.Errorf("filesystem store requires fs_root to be set")
		}
		return NewFileSystemStore(cfg.FSRoot)
	default:
		return nil, fmt.Errorf("unknown store type: %s", cfg.Type)
	}
}
