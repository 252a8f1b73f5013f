// Package credentials resolves the secrets of a blob cache server from a
// template file.
//
// The file is a text/template that renders to YAML (or JSON). Secrets are
// pulled in with template functions rather than written inline:
//
//	auth_token: {{ env "BLOB_CACHE_AUTH_TOKEN" | quote }}
//	s3:
//	  access_key: {{ file "/run/secrets/s3_access_key" | quote }}
//	  secret_key: {{ vault "s3/secret" | quote }}
//
// where vault is a provider registered with WithProvider.
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// maxSize bounds both the template and its rendered output.
const maxSize = 1 << 20

// ErrIncomplete is returned when a credential block is missing a field.
var ErrIncomplete = errors.New("credentials: incomplete")

// Credentials holds the resolved secrets.
type Credentials struct {
	AuthToken string         `yaml:"auth_token,omitempty"`
	S3        *S3Credentials `yaml:"s3,omitempty"`
}

// S3Credentials are static keys for the S3 chunk backend.
type S3Credentials struct {
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	SessionToken string `yaml:"session_token,omitempty"`
}

// Validate checks that both keys are present.
func (c *Credentials) Validate() error {
	if c.S3 == nil {
		return nil
	}
	if c.S3.AccessKey == "" || c.S3.SecretKey == "" {
		return fmt.Errorf("%w: s3 needs access_key and secret_key", ErrIncomplete)
	}
	return nil
}

// SecretProvider looks up the secret named by ref.
type SecretProvider func(ctx context.Context, ref string) (string, error)

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithProvider exposes p to templates as the function name.
func WithProvider(name string, p SecretProvider) Option {
	return func(r *Resolver) {
		r.providers[name] = p
	}
}

// Resolver renders credential templates.
type Resolver struct {
	providers map[string]SecretProvider
	logger    *slog.Logger
}

// NewResolver creates a resolver with the built-in functions env,
// envDefault, file and quote, plus any registered providers.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		providers: make(map[string]SecretProvider),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "credentials")
	return r
}

// ResolveFile renders the template at path.
func (r *Resolver) ResolveFile(ctx context.Context, path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening credentials file: %w", err)
	}
	defer func() { _ = f.Close() }()

	return r.Resolve(ctx, f)
}

// Resolve renders the template read from src.
func (r *Resolver) Resolve(ctx context.Context, src io.Reader) (*Credentials, error) {
	data, err := io.ReadAll(io.LimitReader(src, maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading credentials template: %w", err)
	}
	if len(data) > maxSize {
		return nil, fmt.Errorf("credentials template larger than %d bytes", maxSize)
	}

	tmpl, err := template.New("credentials").
		Option("missingkey=error").
		Funcs(r.funcs(ctx)).
		Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing credentials template: %w", err)
	}

	var out bytes.Buffer
	if err := tmpl.Execute(&out, nil); err != nil {
		return nil, fmt.Errorf("rendering credentials template: %w", err)
	}
	if out.Len() > maxSize {
		return nil, fmt.Errorf("rendered credentials larger than %d bytes", maxSize)
	}

	var creds Credentials
	if err := yaml.Unmarshal(out.Bytes(), &creds); err != nil {
		return nil, fmt.Errorf("decoding rendered credentials: %w", err)
	}
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	r.logger.Debug("resolved credentials",
		"auth_token", creds.AuthToken != "",
		"s3", creds.S3 != nil,
	)
	return &creds, nil
}

func (r *Resolver) funcs(ctx context.Context) template.FuncMap {
	fm := template.FuncMap{
		"env": func(name string) (string, error) {
			v, ok := os.LookupEnv(name)
			if !ok {
				return "", fmt.Errorf("environment variable %q is not set", name)
			}
			return v, nil
		},
		"envDefault": func(name, fallback string) string {
			if v, ok := os.LookupEnv(name); ok {
				return v
			}
			return fallback
		},
		"file": func(path string) (string, error) {
			b, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("reading secret file: %w", err)
			}
			return strings.TrimSpace(string(b)), nil
		},
		// A JSON string is a valid YAML double-quoted scalar.
		"quote": func(v string) (string, error) {
			b, err := json.Marshal(v)
			if err != nil {
				return "", err
			}
			return string(b), nil
		},
	}

	// Each ref is looked up once per render.
	seen := make(map[string]string)
	for name, p := range r.providers {
		fm[name] = func(ref string) (string, error) {
			key := name + "\x00" + ref
			if v, ok := seen[key]; ok {
				return v, nil
			}
			v, err := p(ctx, ref)
			if err != nil {
				return "", fmt.Errorf("provider %s: %q: %w", name, ref, err)
			}
			seen[key] = v
			return v, nil
		}
	}
	return fm
}
