package backend

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	blobcache "github.com/wolfeidau/blob-cache"
)

func newTestFilesystem(t *testing.T) *Filesystem {
	t.Helper()
	f, err := NewFilesystem(t.TempDir(), WithoutFsync())
	require.NoError(t, err)
	return f
}

func readAll(t *testing.T, b Backend, key string) []byte {
	t.Helper()
	rc, err := b.Read(context.Background(), key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	return got
}

func TestNewFilesystemCreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "chunks-root")

	f, err := NewFilesystem(root)
	require.NoError(t, err)
	require.Equal(t, root, f.Root())

	info, err := os.Stat(root)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestFilesystemChunkObjects(t *testing.T) {
	f := newTestFilesystem(t)
	ctx := context.Background()
	key := blobcache.ChunkStorageKey(42)
	data := []byte("chunk payload")

	exists, err := f.Exists(ctx, key)
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, f.Write(ctx, key, bytes.NewReader(data)))
	require.Equal(t, data, readAll(t, f, key))

	exists, err = f.Exists(ctx, key)
	require.NoError(t, err)
	require.True(t, exists)

	size, err := f.Size(ctx, key)
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), size)

	require.NoError(t, f.Delete(ctx, key))
	require.NoError(t, f.Delete(ctx, key), "delete is idempotent")

	_, err = f.Read(ctx, key)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = f.Size(ctx, key)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemOverwrite(t *testing.T) {
	f := newTestFilesystem(t)
	ctx := context.Background()
	key := blobcache.ChunkStorageKey(7)

	require.NoError(t, f.Write(ctx, key, bytes.NewReader([]byte("first"))))
	require.NoError(t, f.Write(ctx, key, bytes.NewReader([]byte("second, longer"))))
	require.Equal(t, []byte("second, longer"), readAll(t, f, key))
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("read failed") }

func TestFilesystemFailedWriteKeepsPrevious(t *testing.T) {
	f := newTestFilesystem(t)
	ctx := context.Background()
	key := blobcache.ChunkStorageKey(9)

	require.NoError(t, f.Write(ctx, key, bytes.NewReader([]byte("original"))))
	require.Error(t, f.Write(ctx, key, failingReader{}))
	require.Equal(t, []byte("original"), readAll(t, f, key))

	keys, err := f.List(ctx, blobcache.ChunkStoragePrefix())
	require.NoError(t, err)
	require.Equal(t, []string{key}, keys, "temp files are cleaned up")
}

func TestFilesystemList(t *testing.T) {
	f := newTestFilesystem(t)
	ctx := context.Background()

	var want []string
	for _, id := range []uint64{1, 2, 0x100, 0xabcdef} {
		key := blobcache.ChunkStorageKey(id)
		want = append(want, key)
		require.NoError(t, f.Write(ctx, key, bytes.NewReader([]byte("x"))))
	}
	require.NoError(t, f.Write(ctx, "other/file", bytes.NewReader([]byte("y"))))

	got, err := f.List(ctx, blobcache.ChunkStoragePrefix())
	require.NoError(t, err)
	sort.Strings(got)
	sort.Strings(want)
	require.Equal(t, want, got)

	got, err = f.List(ctx, "missing/")
	require.NoError(t, err)
	require.Empty(t, got)
}
