package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	s3creds "github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"

	"github.com/wolfeidau/blob-cache/backend"
	"github.com/wolfeidau/blob-cache/credentials"
	"github.com/wolfeidau/blob-cache/expiry"
	"github.com/wolfeidau/blob-cache/gc"
	"github.com/wolfeidau/blob-cache/hlc"
	"github.com/wolfeidau/blob-cache/server"
	"github.com/wolfeidau/blob-cache/storage"
	"github.com/wolfeidau/blob-cache/telemetry"
	blobversion "github.com/wolfeidau/blob-cache/version"
)

// S3Flags configure the S3 chunk backend.
type S3Flags struct {
	Endpoint     string `help:"S3 endpoint host[:port]." default:"s3.amazonaws.com"`
	Bucket       string `help:"Bucket holding chunk objects."`
	Prefix       string `help:"Key prefix inside the bucket."`
	Region       string `help:"Bucket region."`
	AccessKey    string `help:"Static access key. Falls back to AWS and MinIO environment and file credentials."`
	SecretKey    string `help:"Static secret key."`
	SessionToken string `help:"Static session token."`
	Insecure     bool   `help:"Connect without TLS."`
}

// ServeCmd runs the server.
type ServeCmd struct {
	Address     string `help:"Address to listen on." default:":8080"`
	DataDir     string `help:"Directory holding the metadata database and filesystem chunks." default:"./blob-cache-data"`
	Backend     string `help:"Chunk backend (${enum})." enum:"filesystem,s3" default:"filesystem"`
	Compression string `help:"Chunk frame encoding (${enum})." enum:"identity,zstd,lz4" default:"zstd"`
	NoSync      bool   `help:"Skip fsync of metadata and chunk writes."`

	S3 S3Flags `embed:"" prefix:"s3-" group:"S3 backend"`

	CacheName       string        `help:"Name of the cache." default:"default"`
	ChunkSize       int           `help:"Chunk capacity in bytes." default:"1048576"`
	Slots           uint32        `help:"Number of storage slots keys are spread over." default:"1024"`
	TTL             time.Duration `name:"ttl" help:"Default blob expiry. Zero means never."`
	VerTTL          time.Duration `name:"ver-ttl" help:"Default version expiry. Zero means never."`
	DeadGrace       time.Duration `help:"How long past expiry a blob waits before it is reaped." default:"1m"`
	IOConcurrency   int64         `name:"io-concurrency" help:"Maximum concurrent storage calls." default:"64"`
	BackgroundRate  float64       `help:"Background deletes per second. Zero means unlimited."`
	BackgroundBurst int           `help:"Burst of background deletes." default:"16"`

	ReapInterval time.Duration `help:"How often expired blobs are expunged." default:"1m"`
	ReapBatch    int           `help:"Maximum blobs expunged per cycle." default:"100"`

	NoGC           bool          `name:"no-gc" help:"Disable the orphan chunk sweep."`
	GCInterval     time.Duration `name:"gc-interval" help:"How often orphan chunks are swept." default:"1h"`
	GCStartupDelay time.Duration `name:"gc-startup-delay" help:"Delay before the first sweep." default:"5m"`
	GCGrace        time.Duration `name:"gc-grace" help:"Minimum age of a chunk before it can be swept." default:"1h"`
	GCBatch        int           `name:"gc-batch" help:"Maximum chunks deleted per sweep." default:"1000"`
	GCConcurrency  int           `name:"gc-concurrency" help:"Concurrent chunk deletes." default:"8"`

	AuthToken       string `help:"Require this Bearer token on every request except /health and /metrics."`
	CredentialsFile string `name:"credentials-file" type:"existingfile" help:"YAML or JSON template holding auth_token and s3 keys. Values found there override the matching flags."`
	CredentialsOp   bool   `name:"credentials-op" help:"Let the credentials template read 1Password items with op."`
	MaxBlobSize     int64  `help:"Largest accepted upload in bytes. Zero means unlimited."`

	Prometheus      bool          `help:"Serve Prometheus metrics on /metrics."`
	OTLPEndpoint    string        `name:"otlp-endpoint" help:"OTLP gRPC endpoint for metrics export."`
	ShutdownTimeout time.Duration `help:"Time allowed for a graceful shutdown." default:"30s"`
}

// Run starts the server and blocks until ctx is cancelled.
func (c *ServeCmd) Run(ctx context.Context, g *Globals) error {
	logger := g.logger

	if err := c.applyCredentials(ctx, logger); err != nil {
		return err
	}

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "blob-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	chunks, err := c.openBackend(ctx)
	if err != nil {
		return err
	}
	chunks = backend.NewInstrumentedBackend(chunks, c.Backend)

	enc, err := backend.ParseEncoding(c.Compression)
	if err != nil {
		return err
	}
	bolt := storage.NewBolt(chunks,
		storage.WithLogger(logger.With("component", "storage")),
		storage.WithNoSync(c.NoSync),
		storage.WithCompression(enc),
	)
	if err := bolt.Open(filepath.Join(c.DataDir, "blob-cache.db")); err != nil {
		return err
	}
	defer func() {
		if err := bolt.Close(); err != nil {
			logger.Error("closing storage failed", "error", err)
		}
	}()

	clock := hlc.New(hlc.NodeID(bolt.NodeID()))
	stats := telemetry.NewBlobStats(c.CacheName)
	cache := blobversion.NewCache(c.CacheName, storage.NewInstrumented(bolt, "bolt"), c.cacheOptions(clock, stats, logger)...)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
		defer cancel()
		if err := cache.Close(closeCtx); err != nil {
			logger.Error("closing cache failed", "error", err)
		}
	}()

	opts := []server.Option{
		server.WithStats(stats),
		server.WithReaper(expiry.NewReaper(bolt, cache,
			expiry.WithInterval(c.ReapInterval),
			expiry.WithBatchSize(c.ReapBatch),
			expiry.WithNow(clock.Now),
			expiry.WithLogger(logger),
		)),
	}
	if !c.NoGC {
		opts = append(opts, server.WithGC(gc.New(bolt, chunks, gc.Config{
			Interval:     c.GCInterval,
			StartupDelay: c.GCStartupDelay,
			Grace:        c.GCGrace,
			BatchSize:    c.GCBatch,
			Concurrency:  c.GCConcurrency,
		},
			gc.WithLogger(logger),
			gc.WithMetrics(otel.Meter("github.com/wolfeidau/blob-cache/gc")),
		)))
	}

	srv := server.New(server.Config{
		Address:     c.Address,
		AuthToken:   c.AuthToken,
		MaxBlobSize: c.MaxBlobSize,
		Logger:      logger,
	}, cache, opts...)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"cache", c.CacheName,
		"backend", c.Backend,
		"node_id", bolt.NodeID(),
		"epoch", bolt.Epoch(),
	)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// applyCredentials folds the secrets from --credentials-file into the flags.
func (c *ServeCmd) applyCredentials(ctx context.Context, logger *slog.Logger) error {
	if c.CredentialsFile == "" {
		return nil
	}
	opts := []credentials.Option{credentials.WithLogger(logger)}
	if c.CredentialsOp {
		opts = append(opts, credentials.WithOnePassword())
	}
	creds, err := credentials.NewResolver(opts...).ResolveFile(ctx, c.CredentialsFile)
	if err != nil {
		return fmt.Errorf("resolving credentials: %w", err)
	}
	if creds.AuthToken != "" {
		c.AuthToken = creds.AuthToken
	}
	if creds.S3 != nil {
		c.S3.AccessKey = creds.S3.AccessKey
		c.S3.SecretKey = creds.S3.SecretKey
		c.S3.SessionToken = creds.S3.SessionToken
	}
	return nil
}

func (c *ServeCmd) cacheOptions(clock *hlc.Clock, stats *telemetry.BlobStats, logger *slog.Logger) []blobversion.Option {
	limit := rate.Inf
	if c.BackgroundRate > 0 {
		limit = rate.Limit(c.BackgroundRate)
	}
	return []blobversion.Option{
		blobversion.WithClock(clock),
		blobversion.WithStats(stats),
		blobversion.WithLogger(logger),
		blobversion.WithChunkSize(c.ChunkSize),
		blobversion.WithSlots(c.Slots),
		blobversion.WithTTL(durationSeconds(c.TTL), durationSeconds(c.VerTTL)),
		blobversion.WithDeadGrace(c.DeadGrace),
		blobversion.WithIOConcurrency(c.IOConcurrency),
		blobversion.WithBackgroundRate(limit, c.BackgroundBurst),
	}
}

func (c *ServeCmd) openBackend(ctx context.Context) (backend.Backend, error) {
	switch c.Backend {
	case "filesystem":
		var opts []backend.FilesystemOption
		if c.NoSync {
			opts = append(opts, backend.WithoutFsync())
		}
		fs, err := backend.NewFilesystem(filepath.Join(c.DataDir, "chunks"), opts...)
		if err != nil {
			return nil, fmt.Errorf("creating filesystem backend: %w", err)
		}
		return fs, nil
	case "s3":
		return c.openS3(ctx)
	default:
		return nil, fmt.Errorf("unknown backend %q", c.Backend)
	}
}

func (c *ServeCmd) openS3(ctx context.Context) (backend.Backend, error) {
	if c.S3.Bucket == "" {
		return nil, errors.New("--s3-bucket is required for the s3 backend")
	}

	creds := s3creds.NewChainCredentials([]s3creds.Provider{
		&s3creds.EnvAWS{},
		&s3creds.EnvMinio{},
		&s3creds.FileAWSCredentials{},
	})
	if c.S3.AccessKey != "" {
		creds = s3creds.NewStaticV4(c.S3.AccessKey, c.S3.SecretKey, c.S3.SessionToken)
	}

	client, err := minio.New(c.S3.Endpoint, &minio.Options{
		Creds:  creds,
		Secure: !c.S3.Insecure,
		Region: c.S3.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating s3 client: %w", err)
	}

	ok, err := client.BucketExists(ctx, c.S3.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %s: %w", c.S3.Bucket, err)
	}
	if !ok {
		return nil, fmt.Errorf("bucket %s does not exist", c.S3.Bucket)
	}
	return backend.NewMinio(client, c.S3.Bucket, c.S3.Prefix), nil
}

func durationSeconds(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	s := d / time.Second
	switch {
	case s < 1:
		return 1
	case s > math.MaxUint32:
		return math.MaxUint32
	}
	return uint32(s)
}
