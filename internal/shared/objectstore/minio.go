// Package objectstore implements the storage collaborator used for uploads,
// inline inputs and result documents.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/nemanja-m/voxq/internal/coordinator/core"
)

type MinioOpts func(c *minioConfig)

type minioConfig struct {
	endpoint        string
	bucket          string
	region          string
	accessKey       string
	secretAccessKey string
	useSSL          bool
}

func newConfig(opts ...MinioOpts) *minioConfig {
	cfg := &minioConfig{
		useSSL: false,
		region: "us-east-1",
	}
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// Minio stores objects in an S3-compatible bucket. Upload credentials are
// presigned PUT URLs.
type Minio struct {
	cfg    *minioConfig
	client *minio.Client
}

func NewMinio(opts ...MinioOpts) (*Minio, error) {
	cfg := newConfig(opts...)
	if cfg.bucket == "" {
		return nil, errors.New("minio: bucket is required")
	}

	client, err := minio.New(cfg.endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.accessKey, cfg.secretAccessKey, ""),
		Secure: cfg.useSSL,
		Region: cfg.region,
	})
	if err != nil {
		return nil, err
	}
	return &Minio{cfg: cfg, client: client}, nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (m *Minio) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.cfg.bucket)
	if err != nil {
		return fmt.Errorf("checking bucket %s: %w", m.cfg.bucket, err)
	}
	if exists {
		return nil
	}
	return m.client.MakeBucket(ctx, m.cfg.bucket, minio.MakeBucketOptions{Region: m.cfg.region})
}

func (m *Minio) ReserveUpload(ctx context.Context, path string, ttl time.Duration) (*core.UploadCredential, error) {
	u, err := m.client.PresignedPutObject(ctx, m.cfg.bucket, path, ttl)
	if err != nil {
		return nil, fmt.Errorf("presigning %s: %w", path, err)
	}
	return &core.UploadCredential{
		Method:    http.MethodPut,
		URL:       u.String(),
		ExpiresAt: time.Now().UTC().Add(ttl),
	}, nil
}

func (m *Minio) Exists(ctx context.Context, path string) (bool, error) {
	_, err := m.client.StatObject(ctx, m.cfg.bucket, path, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, err
}

func (m *Minio) Read(ctx context.Context, path string) ([]byte, error) {
	object, err := m.client.GetObject(ctx, m.cfg.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("object %s: %w", path, core.ErrNotFound)
		}
		return nil, err
	}
	return data, nil
}

func (m *Minio) Write(ctx context.Context, path string, data []byte) error {
	_, err := m.client.PutObject(ctx, m.cfg.bucket, path, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	return err
}

func (m *Minio) Ping(ctx context.Context) error {
	_, err := m.client.BucketExists(ctx, m.cfg.bucket)
	return err
}

func (m *Minio) Type() string {
	return "minio"
}

func WithEndpoint(endpoint string) MinioOpts {
	return func(c *minioConfig) {
		c.endpoint = endpoint
	}
}

func WithBucket(bucket string) MinioOpts {
	return func(c *minioConfig) {
		c.bucket = bucket
	}
}

func WithRegion(region string) MinioOpts {
	return func(c *minioConfig) {
		if region != "" {
			c.region = region
		}
	}
}

func WithAccessKey(accessKey string) MinioOpts {
	return func(c *minioConfig) {
		c.accessKey = accessKey
	}
}

func WithSecretKey(secretKey string) MinioOpts {
	return func(c *minioConfig) {
		c.secretAccessKey = secretKey
	}
}

func WithSSL(useSSL bool) MinioOpts {
	return func(c *minioConfig) {
		c.useSSL = useSSL
	}
}
