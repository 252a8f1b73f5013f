package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func parse(t *testing.T, configPath string, args ...string) *CLI {
	t.Helper()
	var cli CLI
	var paths []string
	if configPath != "" {
		paths = append(paths, configPath)
	}
	parser, err := kong.New(&cli, parserOptions(paths...)...)
	require.NoError(t, err)
	_, err = parser.Parse(args)
	require.NoError(t, err)
	return &cli
}

func TestConfigFileResolvesFlags(t *testing.T) {
	path := writeConfig(t, `
log-level: debug
address: ":9090"
gc_interval: 30m
chunk-size: 4096
no-gc: true
s3-bucket: chunks
`)
	cli := parse(t, path, "serve")

	assert.Equal(t, "debug", cli.LogLevel)
	assert.Equal(t, ":9090", cli.Serve.Address)
	assert.Equal(t, 30*time.Minute, cli.Serve.GCInterval)
	assert.Equal(t, 4096, cli.Serve.ChunkSize)
	assert.True(t, cli.Serve.NoGC)
	assert.Equal(t, "chunks", cli.Serve.S3.Bucket)
	assert.Equal(t, "filesystem", cli.Serve.Backend, "unset flags keep defaults")
}

func TestCommandLineOverridesConfig(t *testing.T) {
	path := writeConfig(t, "address: \":9090\"\n")
	cli := parse(t, path, "serve", "--address", ":7070")
	assert.Equal(t, ":7070", cli.Serve.Address)
}

func TestConfigFlag(t *testing.T) {
	path := writeConfig(t, "server: http://cache.internal:8080\n")
	cli := parse(t, "", "--config", path, "stat", "k")
	assert.Equal(t, "http://cache.internal:8080", cli.Server)
	assert.Equal(t, "k", cli.Stat.Key)
}

func TestEmptyConfig(t *testing.T) {
	cli := parse(t, writeConfig(t, ""), "serve")
	assert.Equal(t, ":8080", cli.Serve.Address)
}

func TestEnvResolvesFlags(t *testing.T) {
	t.Setenv("BLOB_CACHE_TOKEN", "from-env")
	cli := parse(t, "", "rm", "k")
	assert.Equal(t, "from-env", cli.Token)
}

func TestYAMLLoader(t *testing.T) {
	_, err := yamlLoader(strings.NewReader("address: [unterminated"))
	require.Error(t, err)

	v, err := configValue("tags", []any{"a", 1, true})
	require.NoError(t, err)
	assert.Equal(t, "a,1,true", v)

	v, err = configValue("ttl", nil)
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = configValue("s3", map[string]any{"bucket": "x"})
	require.Error(t, err)
}

func TestCredentialsFileFromConfig(t *testing.T) {
	creds := filepath.Join(t.TempDir(), "credentials.yaml")
	require.NoError(t, os.WriteFile(creds, []byte(`auth_token: x`), 0o600))

	cli := parse(t, writeConfig(t, "credentials-file: "+creds+"\n"), "serve")
	assert.Equal(t, creds, cli.Serve.CredentialsFile)

	cli = parse(t, "", "serve", "--credentials-file", creds)
	assert.Equal(t, creds, cli.Serve.CredentialsFile)
}
