// Package server provides the admin and debug HTTP surface of the blob cache.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/wolfeidau/blob-cache/expiry"
	"github.com/wolfeidau/blob-cache/gc"
	"github.com/wolfeidau/blob-cache/telemetry"
	"github.com/wolfeidau/blob-cache/version"
)

// Request headers understood by the blob endpoints.
const (
	HeaderPassword = "X-Blob-Password"
	HeaderTTL      = "X-Blob-TTL"
	HeaderVerTTL   = "X-Blob-Ver-TTL"
	HeaderDigest   = "X-Blob-Digest"
	HeaderCreated  = "X-Blob-Create-Time"
	HeaderExpire   = "X-Blob-Expire"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken enables Bearer authentication when non-empty.
	AuthToken string

	// MaxBlobSize caps PUT bodies in bytes. Zero means unlimited.
	MaxBlobSize int64

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the blob cache.
type Server struct {
	config     Config
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger

	cache  *version.Cache
	stats  *telemetry.BlobStats
	reaper *expiry.Reaper
	gc     *gc.Manager
}

// Option configures a Server.
type Option func(*Server)

// WithStats exposes stats totals on /stats.
func WithStats(stats *telemetry.BlobStats) Option {
	return func(s *Server) {
		s.stats = stats
	}
}

// WithReaper runs reaper alongside the server and exposes POST /admin/reap.
func WithReaper(reaper *expiry.Reaper) Option {
	return func(s *Server) {
		s.reaper = reaper
	}
}

// WithGC runs the chunk sweep alongside the server and exposes /admin/gc.
func WithGC(m *gc.Manager) Option {
	return func(s *Server) {
		s.gc = m
	}
}

// New creates a server fronting cache.
func New(cfg Config, cache *version.Cache, opts ...Option) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger,
		cache:  cache,
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = s.loggingMiddleware(s.authMiddleware(mux))

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.handler,
		ReadTimeout:  5 * time.Minute, // Long timeout for large uploads
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Keys may contain slashes, so the wildcard takes the rest of the path.
	mux.HandleFunc("GET /blobs/{key...}", s.handleGet)
	mux.HandleFunc("HEAD /blobs/{key...}", s.handleHead)
	mux.HandleFunc("PUT /blobs/{key...}", s.handlePut)
	mux.HandleFunc("DELETE /blobs/{key...}", s.handleDelete)
	mux.HandleFunc("POST /blobs/{key...}", s.handlePost)

	if s.gc != nil {
		mux.HandleFunc("POST /admin/gc", s.handleGCRun)
		mux.HandleFunc("GET /admin/gc/status", s.handleGCStatus)
	}
	if s.reaper != nil {
		mux.HandleFunc("POST /admin/reap", s.handleReap)
	}
}

// Handler returns the fully wrapped handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "health")
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type statsResponse struct {
	Cache string                   `json:"cache"`
	Pools version.PoolStats        `json:"pools"`
	Blobs *telemetry.StatsSnapshot `json:"blobs,omitempty"`
	GC    *gc.Result               `json:"gc,omitempty"`
}

// handleStats reports live object counts and blob totals.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "stats")
	resp := statsResponse{
		Cache: s.cache.Name(),
		Pools: s.cache.PoolStats(),
	}
	if s.stats != nil {
		snap := s.stats.Snapshot()
		resp.Blobs = &snap
	}
	if s.gc != nil {
		resp.GC = s.gc.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGCRun(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "gc")
	writeJSON(w, http.StatusOK, s.gc.RunNow(r.Context()))
}

func (s *Server) handleGCStatus(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "gc_status")
	status := s.gc.Status()
	if status == nil {
		writeError(w, http.StatusNotFound, "gc has not run")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleReap(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "reap")
	writeJSON(w, http.StatusOK, s.reaper.ReapNow(r.Context()))
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set result, endpoint and key.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.Result != telemetry.ResultNone {
			attrs = append(attrs, "result", string(tags.Result))
		}
		if tags.Key != "" {
			attrs = append(attrs, "key", tags.Key)
		}

		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the background workers and the HTTP listener.
func (s *Server) Start() error {
	if s.reaper != nil {
		s.reaper.Start(context.Background())
	}
	if s.gc != nil {
		s.gc.Start(context.Background())
	}

	s.logger.Info("starting server", "address", s.config.Address, "cache", s.cache.Name())
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server and its background workers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	err := s.httpServer.Shutdown(ctx)

	if s.reaper != nil {
		s.reaper.Stop()
	}
	if s.gc != nil {
		if gcErr := s.gc.Stop(ctx); gcErr != nil {
			err = errors.Join(err, fmt.Errorf("stopping gc: %w", gcErr))
		}
	}
	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func parseSeconds(r *http.Request, header string) (uint32, error) {
	raw := r.Header.Get(header)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s header %q", header, raw)
	}
	return uint32(n), nil
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
