// Package blob is the entry point for archive storage. It re-exports the core
// contract and builds the configured backend; other packages depend on it
// rather than on the infra adapters.
package blob

import (
	"context"
	"fmt"

	"coffeeledger/internal/blob/core"
	fsstore "coffeeledger/internal/infra/blob/fs"
	memstore "coffeeledger/internal/infra/blob/memory"
	miniostore "coffeeledger/internal/infra/blob/minio"
	s3store "coffeeledger/internal/infra/blob/s3"
)

type (
	// Driver identifies a blob backend driver.
	Driver = core.Driver
	// PutOptions configures a blob write.
	PutOptions = core.PutOptions
	// Info describes stored blob metadata.
	Info = core.Info
	// Store is the interface for blob storage backends.
	Store = core.Store
	// S3Config configures the S3-compatible backend.
	S3Config = s3store.Config
	// MinIOConfig configures the MinIO backend.
	MinIOConfig = miniostore.Config
)

const (
	// DriverFilesystem is the local filesystem driver.
	DriverFilesystem = core.DriverFilesystem
	// DriverS3 is the S3-compatible driver.
	DriverS3 = core.DriverS3
	// DriverMinIO is the MinIO client driver.
	DriverMinIO = core.DriverMinIO
	// DriverMemory is the in-memory test driver.
	DriverMemory = core.DriverMemory
)

var (
	// ErrExists is returned when writing to an occupied key.
	ErrExists = core.ErrExists
	// ErrNotFound is returned for missing keys.
	ErrNotFound = core.ErrNotFound
)

// DefaultFSRoot is used when the filesystem driver has no root configured.
const DefaultFSRoot = "./blobdata"

// Config selects and configures a backend.
type Config struct {
	Driver Driver      `yaml:"driver" env:"DRIVER"`
	FSRoot string      `yaml:"fs_root" env:"FS_ROOT"`
	S3     S3Config    `yaml:"s3" envPrefix:"S3_"`
	MinIO  MinIOConfig `yaml:"minio" envPrefix:"MINIO_"`
}

// Open builds the backend named by cfg.Driver (default fs).
func Open(ctx context.Context, cfg Config) (Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverFilesystem
	}
	switch driver {
	case DriverFilesystem:
		return NewFilesystem(cfg.FSRoot)
	case DriverS3:
		return NewS3(ctx, cfg.S3)
	case DriverMinIO:
		return NewMinIO(ctx, cfg.MinIO)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", driver)
	}
}

// NewMemory returns an in-memory store.
func NewMemory() Store { return memstore.New() }

// NewFilesystem returns a store rooted at root.
func NewFilesystem(root string) (Store, error) {
	if root == "" {
		root = DefaultFSRoot
	}
	s, err := fsstore.New(root)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// NewS3 returns an S3-compatible store.
func NewS3(ctx context.Context, cfg S3Config) (Store, error) {
	s, err := s3store.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// NewMinIO returns a MinIO-backed store, creating the bucket first when
// cfg.CreateBucket is set.
func NewMinIO(ctx context.Context, cfg MinIOConfig) (Store, error) {
	s, err := miniostore.New(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.CreateBucket {
		if err := s.EnsureBucket(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// NewS3MockForTests returns an S3 store served by an in-process fake endpoint.
func NewS3MockForTests() Store { return s3store.NewMockForTests() }
