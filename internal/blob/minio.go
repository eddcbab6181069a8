package blob

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/jonathan/video-publisher/internal/failure"
)

// MinIOConfig holds connection settings for an S3-compatible store.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
}

// MinIOStore is a Store backed by MinIO or any S3-compatible service.
type MinIOStore struct {
	client *minio.Client
	cfg    MinIOConfig
}

// NewMinIOStore creates a MinIO client. No network call is made.
func NewMinIOStore(cfg MinIOConfig) (*MinIOStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, failure.Configuration("minio connection", err)
	}
	return &MinIOStore{client: client, cfg: cfg}, nil
}

// Download copies bucket/key into dst.
func (s *MinIOStore) Download(ctx context.Context, bucket, key, dst string) error {
	if err := s.client.FGetObject(ctx, bucket, key, dst, minio.GetObjectOptions{}); err != nil {
		return classifyMinIO(fmt.Sprintf("failed to download s3://%s/%s", bucket, key), err)
	}
	return nil
}

// Upload copies src to bucket/key.
func (s *MinIOStore) Upload(ctx context.Context, bucket, key, src, contentType string) error {
	_, err := s.client.FPutObject(ctx, bucket, key, src, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return classifyMinIO(fmt.Sprintf("failed to upload s3://%s/%s", bucket, key), err)
	}
	return nil
}

// SignedURL returns a presigned GET URL valid for ttl.
func (s *MinIOStore) SignedURL(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, bucket, key, ttl, nil)
	if err != nil {
		return "", classifyMinIO(fmt.Sprintf("failed to presign s3://%s/%s", bucket, key), err)
	}
	return u.String(), nil
}

// PublicURL returns the path-style URL of bucket/key on the endpoint.
func (s *MinIOStore) PublicURL(bucket, key string) string {
	scheme := "http"
	if s.cfg.UseSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, strings.TrimSuffix(s.cfg.Endpoint, "/"), bucket, escapeKey(key))
}

// URI returns s3://bucket/key.
func (s *MinIOStore) URI(bucket, key string) string {
	return fmt.Sprintf("s3://%s/%s", bucket, key)
}

func classifyMinIO(message string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == 0 {
		return failure.Transient(message, err)
	}
	if resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
		return failure.Validation(message, err)
	}
	return failure.FromStatus(resp.StatusCode, message, err)
}
