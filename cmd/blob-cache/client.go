package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/wolfeidau/blob-cache/server"
)

// PutCmd uploads a file or stdin.
type PutCmd struct {
	Key      string        `arg:"" help:"Blob key."`
	File     string        `arg:"" optional:"" default:"-" help:"File to upload, or - for stdin."`
	Password string        `help:"Password guarding new versions of the key."`
	TTL      time.Duration `name:"ttl" help:"Expiry of the blob."`
	VerTTL   time.Duration `name:"ver-ttl" help:"Expiry of this version."`
}

func (c *PutCmd) Run(ctx context.Context, g *Globals) error {
	r := g.stdin
	if c.File != "-" {
		f, err := os.Open(c.File)
		if err != nil {
			return fmt.Errorf("opening %s: %w", c.File, err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	meta, err := g.client().Put(ctx, c.Key, r, server.PutOptions{
		Password: c.Password,
		TTL:      c.TTL,
		VerTTL:   c.VerTTL,
	})
	if err != nil {
		return err
	}
	return printMeta(g.stdout, meta)
}

// GetCmd downloads a blob to a file or stdout.
type GetCmd struct {
	Key    string `arg:"" help:"Blob key."`
	Output string `short:"o" default:"-" help:"File to write, or - for stdout."`
}

func (c *GetCmd) Run(ctx context.Context, g *Globals) error {
	if c.Output == "-" {
		_, err := g.client().Get(ctx, c.Key, g.stdout)
		return err
	}

	// Download next to the target so a failed transfer never leaves a
	// partial file under the final name.
	tmp, err := os.CreateTemp(filepath.Dir(c.Output), ".blob-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := g.client().Get(ctx, c.Key, tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.Output); err != nil {
		return fmt.Errorf("renaming to %s: %w", c.Output, err)
	}
	return nil
}

// StatCmd prints blob metadata.
type StatCmd struct {
	Key string `arg:"" help:"Blob key."`
}

func (c *StatCmd) Run(ctx context.Context, g *Globals) error {
	meta, err := g.client().Stat(ctx, c.Key)
	if err != nil {
		return err
	}
	return printMeta(g.stdout, meta)
}

// RmCmd deletes a blob.
type RmCmd struct {
	Key string `arg:"" help:"Blob key."`
}

func (c *RmCmd) Run(ctx context.Context, g *Globals) error {
	return g.client().Delete(ctx, c.Key)
}

// TouchCmd extends the expiry of a blob.
type TouchCmd struct {
	Key string        `arg:"" help:"Blob key."`
	TTL time.Duration `arg:"" name:"ttl" help:"New expiry, relative to now."`
}

func (c *TouchCmd) Run(ctx context.Context, g *Globals) error {
	meta, err := g.client().Touch(ctx, c.Key, c.TTL)
	if err != nil {
		return err
	}
	return printMeta(g.stdout, meta)
}

func printMeta(w io.Writer, meta *server.BlobMeta) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(meta)
}
