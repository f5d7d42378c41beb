package objectstore

import (
	"context"
	"fmt"

	"github.com/nemanja-m/voxq/internal/coordinator/core"
	"github.com/nemanja-m/voxq/internal/shared/config"
)

// Store is an object storage backend that can report its health.
type Store interface {
	core.ObjectStorage
	Ping(ctx context.Context) error
	Type() string
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Minio)(nil)
)

// Open builds the backend selected by cfg.Driver. A minio bucket is
// created when it does not exist yet.
func Open(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "minio":
		m, err := NewMinio(
			WithEndpoint(cfg.Endpoint),
			WithBucket(cfg.Bucket),
			WithRegion(cfg.Region),
			WithAccessKey(cfg.AccessKey),
			WithSecretKey(cfg.SecretKey),
			WithSSL(cfg.UseSSL),
		)
		if err != nil {
			return nil, err
		}
		if err := m.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}
