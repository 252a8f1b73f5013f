package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestInstrumented(t *testing.T) *InstrumentedBackend {
	t.Helper()
	return NewInstrumentedBackend(newTestFilesystem(t), "filesystem")
}

func TestInstrumentedBackend_RoundTrip(t *testing.T) {
	ib := newTestInstrumented(t)
	ctx := context.Background()

	content := "hello, instrumented backend"
	require.NoError(t, ib.Write(ctx, "chunks/01/0000000000000001", strings.NewReader(content)))

	rc, err := ib.Read(ctx, "chunks/01/0000000000000001")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, content, string(got))
	require.NoError(t, rc.Close())
	require.NoError(t, rc.Close(), "second close is a no-op")

	size, err := ib.Size(ctx, "chunks/01/0000000000000001")
	require.NoError(t, err)
	require.Equal(t, int64(len(content)), size)

	keys, err := ib.List(ctx, "chunks/")
	require.NoError(t, err)
	require.Len(t, keys, 1)

	require.NoError(t, ib.Delete(ctx, "chunks/01/0000000000000001"))
	exists, err := ib.Exists(ctx, "chunks/01/0000000000000001")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestInstrumentedBackend_ReadNotFound(t *testing.T) {
	ib := newTestInstrumented(t)
	_, err := ib.Read(context.Background(), "nonexistent/key")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInstrumentedBackend_Unwrap(t *testing.T) {
	f := newTestFilesystem(t)
	ib := NewInstrumentedBackend(f, "filesystem")
	require.Same(t, f, ib.Unwrap())
}

func TestInstrumentedBackend_FramesThrough(t *testing.T) {
	ib := newTestInstrumented(t)
	c := newTestCodec(t, EncodingZstd)
	ctx := context.Background()

	data := bytes.Repeat([]byte("frame me "), 1000)
	var buf bytes.Buffer
	require.NoError(t, c.WriteChunkFrame(&buf, data))
	require.NoError(t, ib.Write(ctx, "chunks/02/0000000000000002", &buf))

	rc, err := ib.Read(ctx, "chunks/02/0000000000000002")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	_, got, err := c.ReadChunkFrame(rc, nil)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestOutcomeFromError(t *testing.T) {
	require.Equal(t, "success", outcomeFromError(nil))
	require.Equal(t, "not_found", outcomeFromError(ErrNotFound))
	require.Equal(t, "not_found", outcomeFromError(fmt.Errorf("wrap: %w", ErrNotFound)))
	require.Equal(t, "error", outcomeFromError(errors.New("some other error")))
}
