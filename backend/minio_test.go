package backend

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/require"

	blobcache "github.com/wolfeidau/blob-cache"
)

// TestMinioIntegration needs a MinIO server. Set BLOB_CACHE_TEST_MINIO to
// its host:port (credentials minioadmin/minioadmin) to run it.
func TestMinioIntegration(t *testing.T) {
	endpoint := os.Getenv("BLOB_CACHE_TEST_MINIO")
	if endpoint == "" {
		t.Skip("BLOB_CACHE_TEST_MINIO not set")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
		Secure: false,
	})
	require.NoError(t, err)

	ctx := context.Background()
	bucket := "blob-cache-test"
	exists, err := client.BucketExists(ctx, bucket)
	require.NoError(t, err)
	if !exists {
		require.NoError(t, client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}))
	}

	m := NewMinio(client, bucket, "/test-prefix/")
	key := blobcache.ChunkStorageKey(1234)
	data := []byte("hello minio chunk")

	require.NoError(t, m.Write(ctx, key, bytes.NewReader(data)))
	require.Equal(t, data, readAll(t, m, key))

	size, err := m.Size(ctx, key)
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), size)

	keys, err := m.List(ctx, blobcache.ChunkStoragePrefix())
	require.NoError(t, err)
	require.Contains(t, keys, key)

	require.NoError(t, m.Delete(ctx, key))
	require.NoError(t, m.Delete(ctx, key))

	ok, err := m.Exists(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = m.Read(ctx, key)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMinioObjectKey(t *testing.T) {
	m := NewMinio(nil, "bucket", "/cache/")
	require.Equal(t, "cache/chunks/01/0000000000000001", m.objectKey(blobcache.ChunkStorageKey(1)))

	m = NewMinio(nil, "bucket", "")
	require.Equal(t, "chunks/01/0000000000000001", m.objectKey(blobcache.ChunkStorageKey(1)))
}
