// Package artifact moves task outputs through object storage. Tasks pass
// handles, never payloads; the broker and ledger only ever see references.
package artifact

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Handle is a reference to a stored artifact.
type Handle struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

func (h Handle) String() string {
	return h.Bucket + "/" + h.Key
}

// Store reads and writes artifacts by handle.
type Store interface {
	Put(ctx context.Context, h Handle, r io.Reader, size int64) error
	Get(ctx context.Context, h Handle) (io.ReadCloser, error)
	Copy(ctx context.Context, src, dst Handle) error
}

// Config holds object storage connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// MinioStore is an S3-compatible Store.
type MinioStore struct {
	client *minio.Client
}

// NewMinioStore connects to the configured S3-compatible endpoint.
func NewMinioStore(cfg Config) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("artifact store: %w", err)
	}
	return &MinioStore{client: client}, nil
}

func (s *MinioStore) Put(ctx context.Context, h Handle, r io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, h.Bucket, h.Key, r, size, minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("put artifact %s: %w", h, err)
	}
	return nil
}

func (s *MinioStore) Get(ctx context.Context, h Handle) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, h.Bucket, h.Key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get artifact %s: %w", h, err)
	}
	return obj, nil
}

func (s *MinioStore) Copy(ctx context.Context, src, dst Handle) error {
	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: dst.Bucket, Object: dst.Key},
		minio.CopySrcOptions{Bucket: src.Bucket, Object: src.Key},
	)
	if err != nil {
		return fmt.Errorf("copy artifact %s to %s: %w", src, dst, err)
	}
	return nil
}
