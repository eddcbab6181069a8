package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/jonathan/video-publisher/internal/failure"
)

const gcsPublicHost = "https://storage.googleapis.com"

// GCSStore is a Store backed by Google Cloud Storage.
type GCSStore struct {
	client *storage.Client
	// signer overrides the credentials used for V4 signing. When nil the
	// client's detected credentials are used.
	signer *storage.SignedURLOptions
}

// NewGCSStore creates a Cloud Storage client using application default credentials.
func NewGCSStore(ctx context.Context, opts ...option.ClientOption) (*GCSStore, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, failure.Configuration("failed to create storage client", err)
	}
	return &GCSStore{client: client}, nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

// Download copies gs://bucket/key into dst.
func (s *GCSStore) Download(ctx context.Context, bucket, key, dst string) error {
	r, err := s.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		return classifyGCS(fmt.Sprintf("failed to open gs://%s/%s", bucket, key), err)
	}
	defer r.Close()

	f, err := os.Create(dst)
	if err != nil {
		return failure.Processing("failed to create local file", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return failure.Transient(fmt.Sprintf("failed to download gs://%s/%s", bucket, key), err)
	}
	return f.Close()
}

// Upload copies src to gs://bucket/key.
func (s *GCSStore) Upload(ctx context.Context, bucket, key, src, contentType string) error {
	f, err := os.Open(src)
	if err != nil {
		return failure.Processing("failed to open local file", err)
	}
	defer f.Close()

	// Cancelling the writer's context abandons the upload; closing it
	// would finalize a truncated object.
	uctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := s.client.Bucket(bucket).Object(key).NewWriter(uctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, f); err != nil {
		cancel()
		_ = w.Close()
		return failure.Transient(fmt.Sprintf("failed to upload gs://%s/%s", bucket, key), err)
	}
	if err := w.Close(); err != nil {
		return classifyGCS(fmt.Sprintf("failed to finalize gs://%s/%s", bucket, key), err)
	}
	return nil
}

// SignedURL returns a V4 signed GET URL valid for ttl.
func (s *GCSStore) SignedURL(_ context.Context, bucket, key string, ttl time.Duration) (string, error) {
	opts := &storage.SignedURLOptions{}
	if s.signer != nil {
		*opts = *s.signer
	}
	opts.Scheme = storage.SigningSchemeV4
	opts.Method = http.MethodGet
	opts.Expires = time.Now().Add(ttl)

	u, err := s.client.Bucket(bucket).SignedURL(key, opts)
	if err != nil {
		return "", failure.Configuration(fmt.Sprintf("failed to sign gs://%s/%s", bucket, key), err)
	}
	return u, nil
}

// PublicURL returns the storage.googleapis.com URL for bucket/key.
func (s *GCSStore) PublicURL(bucket, key string) string {
	return fmt.Sprintf("%s/%s/%s", gcsPublicHost, bucket, escapeKey(key))
}

// URI returns gs://bucket/key.
func (s *GCSStore) URI(bucket, key string) string {
	return fmt.Sprintf("gs://%s/%s", bucket, key)
}

func classifyGCS(message string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return failure.Validation(message, err)
	}
	return failure.FromGoogleAPI(message, err)
}
