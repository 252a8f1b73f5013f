package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by the client when the blob does not exist.
	ErrNotFound = errors.New("server: blob not found")

	// ErrForbidden is returned when a write is rejected by the blob password.
	ErrForbidden = errors.New("server: access denied")

	// ErrUnauthorized is returned when the bearer token is missing or wrong.
	ErrUnauthorized = errors.New("server: unauthorized")
)

// BlobMeta is the metadata the server reports for a blob.
type BlobMeta struct {
	Key           string `json:"key"`
	Size          int64  `json:"size"`
	Digest        string `json:"digest,omitempty"`
	CreateTime    string `json:"create_time,omitempty"`
	Expire        string `json:"expire,omitempty"`
	BecameCurrent bool   `json:"became_current"`
}

// PutOptions controls Client.Put.
type PutOptions struct {
	Password string
	TTL      time.Duration
	VerTTL   time.Duration
}

// Client talks to the blob endpoints of a server.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken sends token as a Bearer credential.
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) blobURL(key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return c.base + "/blobs/" + strings.Join(segments, "/")
}

func (c *Client) do(ctx context.Context, method, target string, body io.Reader, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	return resp, nil
}

// Put uploads r as a new version of key.
func (c *Client) Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (*BlobMeta, error) {
	header := http.Header{}
	if opts.Password != "" {
		header.Set(HeaderPassword, opts.Password)
	}
	if opts.TTL > 0 {
		header.Set(HeaderTTL, seconds(opts.TTL))
	}
	if opts.VerTTL > 0 {
		header.Set(HeaderVerTTL, seconds(opts.VerTTL))
	}

	resp, err := c.do(ctx, http.MethodPut, c.blobURL(key), r, header)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(resp, http.StatusOK, http.StatusCreated); err != nil {
		return nil, err
	}
	return decodeMeta(resp)
}

// Get streams the current version of key to w.
func (c *Client) Get(ctx context.Context, key string, w io.Writer) (*BlobMeta, error) {
	resp, err := c.do(ctx, http.MethodGet, c.blobURL(key), nil, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}
	meta := metaFromHeaders(key, resp)
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return meta, fmt.Errorf("reading body: %w", err)
	}
	if n != meta.Size {
		return meta, fmt.Errorf("short body: got %d of %d bytes", n, meta.Size)
	}
	return meta, nil
}

// Stat returns the metadata of the current version of key.
func (c *Client) Stat(ctx context.Context, key string) (*BlobMeta, error) {
	resp, err := c.do(ctx, http.MethodHead, c.blobURL(key), nil, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}
	return metaFromHeaders(key, resp), nil
}

// Delete deletes key. Deleting a missing key returns ErrNotFound.
func (c *Client) Delete(ctx context.Context, key string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.blobURL(key), nil, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return checkStatus(resp, http.StatusNoContent)
}

// Touch extends the expiry of key to now+ttl.
func (c *Client) Touch(ctx context.Context, key string, ttl time.Duration) (*BlobMeta, error) {
	header := http.Header{}
	header.Set(HeaderTTL, seconds(ttl))

	resp, err := c.do(ctx, http.MethodPost, c.blobURL(key)+touchSuffix, nil, header)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}
	return decodeMeta(resp)
}

func seconds(d time.Duration) string {
	s := int64(d / time.Second)
	if s < 1 {
		s = 1
	}
	return strconv.FormatInt(s, 10)
}

func checkStatus(resp *http.Response, ok ...int) error {
	for _, code := range ok {
		if resp.StatusCode == code {
			return nil
		}
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusUnauthorized:
		return ErrUnauthorized
	}

	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
	if body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, body.Error)
}

func decodeMeta(resp *http.Response) (*BlobMeta, error) {
	var meta BlobMeta
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &meta, nil
}

func metaFromHeaders(key string, resp *http.Response) *BlobMeta {
	return &BlobMeta{
		Key:        key,
		Size:       resp.ContentLength,
		Digest:     resp.Header.Get(HeaderDigest),
		CreateTime: resp.Header.Get(HeaderCreated),
		Expire:     resp.Header.Get(HeaderExpire),
	}
}
