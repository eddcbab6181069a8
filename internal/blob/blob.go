// Package blob moves video objects between object storage and local scratch files.
package blob

import (
	"context"
	"mime"
	"net/url"
	"path"
	"strings"
	"time"
)

// Store is the object storage surface the pipeline needs.
type Store interface {
	// Download copies bucket/key into the local file dst.
	Download(ctx context.Context, bucket, key, dst string) error
	// Upload copies the local file src to bucket/key.
	Upload(ctx context.Context, bucket, key, src, contentType string) error
	// SignedURL returns a time-limited GET URL for bucket/key.
	SignedURL(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
	// PublicURL returns the unauthenticated URL of bucket/key.
	PublicURL(bucket, key string) string
	// URI returns the storage-native URI of bucket/key (e.g. gs://b/k).
	URI(bucket, key string) string
}

// ContentType guesses a content type from the key's extension, falling
// back to video/mp4.
func ContentType(key string) string {
	if ct := mime.TypeByExtension(strings.ToLower(path.Ext(key))); ct != "" {
		return ct
	}
	return "video/mp4"
}

// escapeKey percent-escapes each path segment of an object key.
func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
