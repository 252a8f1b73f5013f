package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/blob-cache/server"
	"github.com/wolfeidau/blob-cache/storage"
	blobversion "github.com/wolfeidau/blob-cache/version"
)

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"text", "json", "pretty"} {
		t.Run(format, func(t *testing.T) {
			var buf bytes.Buffer
			logger, err := newLogger(&buf, "warn", format)
			require.NoError(t, err)
			logger.Info("hidden")
			logger.Warn("shown", "k", "v")
			assert.NotContains(t, buf.String(), "hidden")
			assert.Contains(t, buf.String(), "shown")
		})
	}

	_, err := newLogger(io.Discard, "loud", "text")
	require.Error(t, err)
	_, err = newLogger(io.Discard, "info", "xml")
	require.Error(t, err)
}

func TestDurationSeconds(t *testing.T) {
	assert.Equal(t, uint32(0), durationSeconds(0))
	assert.Equal(t, uint32(1), durationSeconds(time.Millisecond))
	assert.Equal(t, uint32(3600), durationSeconds(time.Hour))
	assert.Equal(t, uint32(math.MaxUint32), durationSeconds(200*365*24*time.Hour), "clamped, not wrapped")
}

type testEnv struct {
	globals *Globals
	stdout  *bytes.Buffer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cache := blobversion.NewCache("test", storage.NewMemory(), blobversion.WithSyncIO())
	t.Cleanup(func() { _ = cache.Close(context.Background()) })

	srv := httptest.NewServer(server.New(server.Config{
		AuthToken: "tok",
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, cache).Handler())
	t.Cleanup(srv.Close)

	stdout := &bytes.Buffer{}
	return &testEnv{
		globals: &Globals{
			Server:  srv.URL,
			Token:   "tok",
			Timeout: 10 * time.Second,
			stdin:   strings.NewReader(""),
			stdout:  stdout,
		},
		stdout: stdout,
	}
}

func (e *testEnv) meta(t *testing.T) server.BlobMeta {
	t.Helper()
	var meta server.BlobMeta
	require.NoError(t, json.Unmarshal(e.stdout.Bytes(), &meta))
	e.stdout.Reset()
	return meta
}

func TestClientCommands(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.globals.stdin = strings.NewReader("from stdin")
	require.NoError(t, (&PutCmd{Key: "a/b", File: "-", TTL: time.Hour}).Run(ctx, env.globals))
	put := env.meta(t)
	assert.Equal(t, "a/b", put.Key)
	assert.Equal(t, int64(len("from stdin")), put.Size)

	require.NoError(t, (&GetCmd{Key: "a/b", Output: "-"}).Run(ctx, env.globals))
	assert.Equal(t, "from stdin", env.stdout.String())
	env.stdout.Reset()

	require.NoError(t, (&StatCmd{Key: "a/b"}).Run(ctx, env.globals))
	assert.Equal(t, put.Digest, env.meta(t).Digest)

	require.NoError(t, (&TouchCmd{Key: "a/b", TTL: 24 * time.Hour}).Run(ctx, env.globals))
	assert.Greater(t, env.meta(t).Expire, put.Expire)

	require.NoError(t, (&RmCmd{Key: "a/b"}).Run(ctx, env.globals))
	require.ErrorIs(t, (&StatCmd{Key: "a/b"}).Run(ctx, env.globals), server.ErrNotFound)
}

func TestPutAndGetFiles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	dir := t.TempDir()

	src := filepath.Join(dir, "in.bin")
	payload := bytes.Repeat([]byte{0xAB}, 3000)
	require.NoError(t, os.WriteFile(src, payload, 0o600))

	require.NoError(t, (&PutCmd{Key: "file", File: src}).Run(ctx, env.globals))
	env.stdout.Reset()

	dst := filepath.Join(dir, "out.bin")
	require.NoError(t, (&GetCmd{Key: "file", Output: dst}).Run(ctx, env.globals))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	missing := filepath.Join(dir, "missing.bin")
	require.ErrorIs(t, (&GetCmd{Key: "nope", Output: missing}).Run(ctx, env.globals), server.ErrNotFound)
	assert.NoFileExists(t, missing)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "temp files are cleaned up")
}

func TestPutMissingFile(t *testing.T) {
	env := newTestEnv(t)
	err := (&PutCmd{Key: "k", File: filepath.Join(t.TempDir(), "absent")}).Run(context.Background(), env.globals)
	require.Error(t, err)
}

func TestClientRequiresToken(t *testing.T) {
	env := newTestEnv(t)
	env.globals.Token = ""
	require.ErrorIs(t, (&StatCmd{Key: "k"}).Run(context.Background(), env.globals), server.ErrUnauthorized)
}

func TestServeApplyCredentials(t *testing.T) {
	t.Setenv("BLOB_CACHE_TEST_SECRET", "sk-from-env")
	path := filepath.Join(t.TempDir(), "credentials.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
auth_token: file-token
s3:
  access_key: ak
  secret_key: {{ env "BLOB_CACHE_TEST_SECRET" | quote }}
`), 0o600))

	cmd := &ServeCmd{AuthToken: "flag-token", CredentialsFile: path}
	cmd.S3.AccessKey = "flag-ak"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.NoError(t, cmd.applyCredentials(context.Background(), logger))
	assert.Equal(t, "file-token", cmd.AuthToken)
	assert.Equal(t, "ak", cmd.S3.AccessKey)
	assert.Equal(t, "sk-from-env", cmd.S3.SecretKey)

	partial := filepath.Join(t.TempDir(), "token-only.yaml")
	require.NoError(t, os.WriteFile(partial, []byte(`auth_token: other`), 0o600))
	cmd = &ServeCmd{CredentialsFile: partial}
	cmd.S3.AccessKey = "flag-ak"
	require.NoError(t, cmd.applyCredentials(context.Background(), logger))
	assert.Equal(t, "other", cmd.AuthToken)
	assert.Equal(t, "flag-ak", cmd.S3.AccessKey, "flags survive when the file has no s3 block")

	cmd = &ServeCmd{AuthToken: "flag-token"}
	require.NoError(t, cmd.applyCredentials(context.Background(), logger))
	assert.Equal(t, "flag-token", cmd.AuthToken)

	cmd = &ServeCmd{CredentialsFile: filepath.Join(t.TempDir(), "absent.yaml")}
	require.Error(t, cmd.applyCredentials(context.Background(), logger))

	usesOp := filepath.Join(t.TempDir(), "op.yaml")
	require.NoError(t, os.WriteFile(usesOp, []byte(`auth_token: {{ op "op://vault/item/token" | quote }}`), 0o600))
	cmd = &ServeCmd{CredentialsFile: usesOp}
	require.ErrorContains(t, cmd.applyCredentials(context.Background(), logger), "op", "op is only defined with --credentials-op")
}
