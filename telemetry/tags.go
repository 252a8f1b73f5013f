// Package telemetry provides metrics and request tagging for structured
// logging.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for the request tags holder.
	requestTagsKey contextKey = "request_tags"
	// cacheKey carries the cache name into storage calls and background work.
	cacheKey contextKey = "cache"
)

// Result is the outcome of a blob request as seen by the client.
type Result string

const (
	ResultHit     Result = "hit"
	ResultMiss    Result = "miss"
	ResultStored  Result = "stored"
	ResultDeleted Result = "deleted"
	ResultDenied  Result = "denied"
	ResultError   Result = "error"
	ResultNone    Result = "none"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Endpoint string
	Result   Result
	Key      string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{Result: ResultNone}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetResult sets the request result for logging and metrics.
func SetResult(r *http.Request, result Result) {
	if tags := GetTags(r); tags != nil {
		tags.Result = result
	}
}

// SetEndpoint sets the endpoint name for logging and metrics.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// SetKey records the blob key a request addressed.
func SetKey(r *http.Request, key string) {
	if tags := GetTags(r); tags != nil {
		tags.Key = key
	}
}

// WithCache returns a context carrying the cache name.
// Storage calls and manager background work run under such a context.
func WithCache(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, cacheKey, name)
}

// CacheFromContext returns the cache name, or "" when none is set.
func CacheFromContext(ctx context.Context) string {
	if name, ok := ctx.Value(cacheKey).(string); ok {
		return name
	}
	return ""
}
