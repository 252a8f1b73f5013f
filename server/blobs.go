package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	blobcache "github.com/wolfeidau/blob-cache"
	"github.com/wolfeidau/blob-cache/telemetry"
	"github.com/wolfeidau/blob-cache/version"
)

const touchSuffix = "/touch"

func newBlobMeta(info *blobcache.BlobInfo) BlobMeta {
	resp := BlobMeta{Key: info.Key, Size: info.Size}
	if !info.Digest.IsZero() {
		resp.Digest = info.Digest.String()
	}
	if !info.CreateTime.IsZero() {
		resp.CreateTime = info.CreateTime.Wall().UTC().Format(time.RFC3339Nano)
	}
	if !info.Expire.IsZero() {
		resp.Expire = info.Expire.Wall().UTC().Format(time.RFC3339)
	}
	return resp
}

func blobKey(r *http.Request) (string, bool) {
	key := r.PathValue("key")
	if key == "" {
		return "", false
	}
	telemetry.SetKey(r, key)
	return key, true
}

func setBlobHeaders(w http.ResponseWriter, info *blobcache.BlobInfo) {
	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Length", strconv.FormatInt(info.Size, 10))
	if !info.Digest.IsZero() {
		h.Set(HeaderDigest, info.Digest.String())
		h.Set("ETag", `"`+info.Digest.String()+`"`)
	}
	if !info.CreateTime.IsZero() {
		h.Set(HeaderCreated, info.CreateTime.Wall().UTC().Format(time.RFC3339Nano))
	}
	if !info.Expire.IsZero() {
		h.Set(HeaderExpire, info.Expire.Wall().UTC().Format(time.RFC3339))
	}
}

// handleGet streams the current version of a blob.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "blob_get")
	key, ok := blobKey(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing key")
		return
	}

	blob, err := s.cache.OpenBlob(r.Context(), key)
	if err != nil {
		s.writeBlobError(w, r, err)
		return
	}
	defer func() { _ = blob.Close() }()

	telemetry.SetResult(r, telemetry.ResultHit)
	setBlobHeaders(w, blob.Info())
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, blob); err != nil {
		// Headers are gone; the short body tells the client.
		telemetry.SetResult(r, telemetry.ResultError)
		s.logger.Error("streaming blob failed", "key", key, "error", err)
	}
}

// handleHead reports blob metadata without the payload.
func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "blob_head")
	key, ok := blobKey(r)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	info, err := s.cache.Stat(r.Context(), key)
	if err != nil {
		status := blobErrorStatus(err)
		telemetry.SetResult(r, blobErrorResult(err))
		w.WriteHeader(status)
		return
	}
	telemetry.SetResult(r, telemetry.ResultHit)
	setBlobHeaders(w, info)
	w.WriteHeader(http.StatusOK)
}

// handlePut stores the request body as a new version.
func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "blob_put")
	key, ok := blobKey(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing key")
		return
	}

	ttl, err := parseSeconds(r, HeaderTTL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	verTTL, err := parseSeconds(r, HeaderVerTTL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	body := io.Reader(r.Body)
	if s.config.MaxBlobSize > 0 {
		body = http.MaxBytesReader(w, r.Body, s.config.MaxBlobSize)
	}

	res, err := s.cache.WriteBlob(r.Context(), key, body, version.WriteOptions{
		Password: r.Header.Get(HeaderPassword),
		TTL:      ttl,
		VerTTL:   verTTL,
	})
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			telemetry.SetResult(r, telemetry.ResultError)
			writeError(w, http.StatusRequestEntityTooLarge, "blob too large")
			return
		}
		s.writeBlobError(w, r, err)
		return
	}

	telemetry.SetResult(r, telemetry.ResultStored)
	resp := newBlobMeta(res.Info)
	resp.BecameCurrent = res.BecameCurrent
	status := http.StatusOK
	if res.BecameCurrent {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

// handleDelete deletes a blob.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "blob_delete")
	key, ok := blobKey(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing key")
		return
	}

	existed, err := s.cache.DeleteBlob(r.Context(), key)
	if err != nil {
		s.writeBlobError(w, r, err)
		return
	}
	if !existed {
		telemetry.SetResult(r, telemetry.ResultMiss)
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	telemetry.SetResult(r, telemetry.ResultDeleted)
	w.WriteHeader(http.StatusNoContent)
}

// handlePost serves POST /blobs/{key}/touch. The mux cannot match a suffix
// after a rest wildcard, so the suffix is split off here.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "blob_touch")
	key, ok := strings.CutSuffix(r.PathValue("key"), touchSuffix)
	if !ok || key == "" {
		w.Header().Set("Allow", "GET, HEAD, PUT, DELETE")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	telemetry.SetKey(r, key)

	ttl, err := parseSeconds(r, HeaderTTL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if ttl == 0 {
		writeError(w, http.StatusBadRequest, HeaderTTL+" header is required")
		return
	}

	if err := s.cache.TouchBlob(r.Context(), key, ttl); err != nil {
		s.writeBlobError(w, r, err)
		return
	}

	info, err := s.cache.Stat(r.Context(), key)
	if err != nil {
		s.writeBlobError(w, r, err)
		return
	}
	telemetry.SetResult(r, telemetry.ResultHit)
	writeJSON(w, http.StatusOK, newBlobMeta(info))
}

func (s *Server) writeBlobError(w http.ResponseWriter, r *http.Request, err error) {
	status := blobErrorStatus(err)
	telemetry.SetResult(r, blobErrorResult(err))
	if status >= http.StatusInternalServerError {
		s.logger.Error("blob request failed", "key", r.PathValue("key"), "error", err)
	}
	writeError(w, status, err.Error())
}

func blobErrorStatus(err error) int {
	switch {
	case errors.Is(err, version.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, version.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, version.ErrUnavailable), errors.Is(err, version.ErrWriteFailed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func blobErrorResult(err error) telemetry.Result {
	switch {
	case errors.Is(err, version.ErrNotFound):
		return telemetry.ResultMiss
	case errors.Is(err, version.ErrAccessDenied):
		return telemetry.ResultDenied
	default:
		return telemetry.ResultError
	}
}
