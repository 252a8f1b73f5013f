// Command blob-cache runs a versioned blob cache server and talks to one.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/blob-cache/server"
)

var version = "dev"

// Globals are the flags shared by every command.
type Globals struct {
	LogLevel  string        `help:"Log level (${enum})." enum:"debug,info,warn,error" default:"info"`
	LogFormat string        `help:"Log format (${enum})." enum:"text,json,pretty" default:"text"`
	Server    string        `help:"Base URL of the blob cache server." default:"http://localhost:8080"`
	Token     string        `help:"Bearer token sent to the server."`
	Timeout   time.Duration `help:"Client request timeout." default:"5m"`

	logger *slog.Logger
	stdin  io.Reader
	stdout io.Writer
}

// CLI is the command line of blob-cache.
type CLI struct {
	Globals

	Config  kong.ConfigFlag  `help:"Load flag values from a YAML file." env:"-" placeholder:"FILE"`
	Version kong.VersionFlag `help:"Print the version and exit." env:"-"`

	Serve ServeCmd `cmd:"" help:"Run the blob cache server."`
	Put   PutCmd   `cmd:"" help:"Upload a blob."`
	Get   GetCmd   `cmd:"" help:"Download the current version of a blob."`
	Stat  StatCmd  `cmd:"" help:"Show blob metadata."`
	Rm    RmCmd    `cmd:"" help:"Delete a blob."`
	Touch TouchCmd `cmd:"" help:"Extend the expiry of a blob."`
}

func parserOptions(configPaths ...string) []kong.Option {
	return []kong.Option{
		kong.Name("blob-cache"),
		kong.Description("A versioned blob cache server and client."),
		kong.UsageOnError(),
		kong.DefaultEnvars("BLOB_CACHE"),
		kong.Configuration(yamlLoader, configPaths...),
		kong.Vars{"version": version},
	}
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli, parserOptions("/etc/blob-cache/config.yaml", "~/.config/blob-cache/config.yaml")...)

	logger, err := newLogger(os.Stderr, cli.LogLevel, cli.LogFormat)
	kctx.FatalIfErrorf(err)
	slog.SetDefault(logger)
	cli.logger = logger
	cli.stdin = os.Stdin
	cli.stdout = os.Stdout

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	kctx.BindTo(ctx, (*context.Context)(nil))
	err = kctx.Run(&cli.Globals)
	stop()
	kctx.FatalIfErrorf(err)
}

func newLogger(w io.Writer, logLevel, logFormat string) (*slog.Logger, error) {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", logLevel)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	switch logFormat {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "pretty":
		handler = tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	default:
		return nil, fmt.Errorf("invalid log format: %s", logFormat)
	}
	return slog.New(handler), nil
}

func (g *Globals) client() *server.Client {
	return server.NewClient(g.Server,
		server.WithToken(g.Token),
		server.WithHTTPClient(&http.Client{Timeout: g.Timeout}),
	)
}
