package backend

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
)

// Minio implements Backend on an S3-compatible bucket.
type Minio struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinio creates a backend storing objects in bucket under prefix.
func NewMinio(client *minio.Client, bucket, prefix string) *Minio {
	return &Minio{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

func (m *Minio) objectKey(key string) string {
	if m.prefix == "" {
		return key
	}
	return path.Join(m.prefix, key)
}

func isNoSuchKey(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

// Write uploads the object at key. The size is unknown so minio-go
// streams it as a multipart upload when large.
func (m *Minio) Write(ctx context.Context, key string, r io.Reader) error {
	_, err := m.client.PutObject(ctx, m.bucket, m.objectKey(key), r, -1, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("putting object %s: %w", key, err)
	}
	return nil
}

// Read opens the object at key.
func (m *Minio) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	// GetObject is lazy, stat first so a missing key maps to ErrNotFound.
	if _, err := m.client.StatObject(ctx, m.bucket, m.objectKey(key), minio.StatObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("stat object %s: %w", key, err)
	}
	obj, err := m.client.GetObject(ctx, m.bucket, m.objectKey(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("getting object %s: %w", key, err)
	}
	return obj, nil
}

// Delete removes the object at key.
func (m *Minio) Delete(ctx context.Context, key string) error {
	err := m.client.RemoveObject(ctx, m.bucket, m.objectKey(key), minio.RemoveObjectOptions{})
	if err != nil && !isNoSuchKey(err) {
		return fmt.Errorf("removing object %s: %w", key, err)
	}
	return nil
}

// Exists checks if key exists.
func (m *Minio) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.client.StatObject(ctx, m.bucket, m.objectKey(key), minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat object %s: %w", key, err)
	}
	return true, nil
}

// List returns every object key under prefix with the backend prefix stripped.
func (m *Minio) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{
		Prefix:    m.objectKey(prefix),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("listing objects: %w", obj.Err)
		}
		key := obj.Key
		if m.prefix != "" {
			key = strings.TrimPrefix(strings.TrimPrefix(key, m.prefix), "/")
		}
		if key != "" {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Size returns the stored size of the object at key.
func (m *Minio) Size(ctx context.Context, key string) (int64, error) {
	info, err := m.client.StatObject(ctx, m.bucket, m.objectKey(key), minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("stat object %s: %w", key, err)
	}
	return info.Size, nil
}

// Compile-time interface checks
var (
	_ Backend          = (*Minio)(nil)
	_ SizeAwareBackend = (*Minio)(nil)
)
