// Package uploader moves finished artifacts from local disk to durable
// remote storage and manages the local retention window.
package uploader

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/awslabs/DefectDetectionApplication-sub002/internal/config"
)

// ObjectStore is the remote side of the uploader. Puts must be idempotent:
// re-uploading the same key after a crash overwrites the same object.
type ObjectStore interface {
	// PutFile uploads the file at path under key.
	PutFile(ctx context.Context, key, path, contentType string) error
}

// MinioStore uploads to any S3-compatible endpoint.
type MinioStore struct {
	mc     *minio.Client
	bucket string
}

// NewMinioStore creates the remote client and verifies the bucket exists.
func NewMinioStore(ctx context.Context, cfg config.UploadConfig) (*MinioStore, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("upload endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("upload access_key and secret_key are required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("upload bucket is required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	exists, err := mc.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %s does not exist", cfg.Bucket)
	}

	slog.Info("object store connected",
		"endpoint", cfg.Endpoint,
		"bucket", cfg.Bucket,
		"region", cfg.Region,
	)

	return &MinioStore{mc: mc, bucket: cfg.Bucket}, nil
}

// PutFile implements ObjectStore.
func (m *MinioStore) PutFile(ctx context.Context, key, path, contentType string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err = m.mc.PutObject(ctx, m.bucket, key, f, info.Size(), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}
