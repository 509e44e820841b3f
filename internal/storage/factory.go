package storage

import (
	"fmt"
	"strings"

	"github.com/timmy/stepflow/internal/config"
)

// NewStore creates an ObjectStore based on the configuration.
// Parameters:
//   - cfg: storage configuration; type "local" selects the filesystem store.
//
// Returns:
//   - ObjectStore: initialized store implementation.
//   - error: non-nil if the store cannot be created.
func NewStore(cfg *config.StorageConfig) (ObjectStore, error) {
	if strings.EqualFold(cfg.Type, "local") {
		return NewLocalStore(cfg.LocalDir)
	}

	s3cfg := &S3Config{
		Type:      StorageType(strings.ToLower(cfg.Type)),
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		UseSSL:    cfg.UseSSL,
		Bucket:    cfg.Bucket,
		Region:    cfg.Region,
		PublicURL: cfg.PublicURL,
	}
	// Auto-detect storage type if not specified
	if s3cfg.Type == "" {
		s3cfg.Type = detectStorageType(cfg.Endpoint)
	}
	if s3cfg.Bucket == "" {
		return nil, fmt.Errorf("storage bucket is required for type %q", s3cfg.Type)
	}
	return NewS3Storage(s3cfg)
}

// detectStorageType attempts to detect the storage type from the endpoint
func detectStorageType(endpoint string) StorageType {
	endpoint = strings.ToLower(endpoint)

	switch {
	case endpoint == "", strings.Contains(endpoint, "amazonaws.com"):
		return StorageTypeS3
	case strings.Contains(endpoint, "r2.cloudflarestorage.com"):
		return StorageTypeR2
	default:
		return StorageTypeS3Compatible
	}
}
