package version

import (
	"context"
	"fmt"
	"io"

	blobcache "github.com/wolfeidau/blob-cache"
)

// Reader adapts a read accessor to io.Reader.
type Reader struct {
	ctx context.Context
	a   *Accessor
}

// NewReader returns a reader over a's payload. Read blocks until storage
// calls land or ctx is done. Corruption ends the stream with ErrCorrupted.
func NewReader(ctx context.Context, a *Accessor) *Reader {
	return &Reader{ctx: ctx, a: a}
}

func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	var n int
	err := Await(r.ctx, func(l Listener) error {
		var err error
		n, err = r.a.ReadData(l, p)
		return err
	})
	switch {
	case err != nil:
		return 0, err
	case n > 0:
		return n, nil
	case r.a.HasError():
		return 0, ErrCorrupted
	default:
		return 0, io.EOF
	}
}

// Writer adapts a create accessor to io.Writer. Bytes are accepted even
// after a failed flush; Finalize reports the failure.
type Writer struct {
	ctx context.Context
	a   *Accessor
}

// NewWriter returns a writer into a's new version.
func NewWriter(ctx context.Context, a *Accessor) *Writer {
	return &Writer{ctx: ctx, a: a}
}

func (w *Writer) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		var n int
		err := Await(w.ctx, func(l Listener) error {
			var err error
			n, err = w.a.WriteData(l, p[total:])
			return err
		})
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// open prepares and initializes a pooled accessor for key.
func (c *Cache) open(key, password string, access AccessType) *Accessor {
	a := c.NewAccessor()
	a.Prepare(key, password, c.Slot(key), access)
	_ = a.Initialize()
	return a
}

// Stat returns the metadata of the current version of key.
func (c *Cache) Stat(ctx context.Context, key string) (*blobcache.BlobInfo, error) {
	a := c.open(key, "", AccessRead)
	defer a.Release()

	if err := Await(ctx, a.ObtainMetaInfo); err != nil {
		return nil, err
	}
	info := a.Info()
	switch {
	case a.HasError() && info == nil:
		return nil, ErrUnavailable
	case a.HasError():
		return nil, ErrCorrupted
	case info == nil:
		return nil, ErrNotFound
	}
	return info, nil
}

// Blob is an open read session on the current version of a key.
type Blob struct {
	*Reader
	info *blobcache.BlobInfo
}

// Info returns the metadata of the version being read.
func (b *Blob) Info() *blobcache.BlobInfo {
	return b.info
}

// Close releases the read session. The Blob must not be used afterwards.
func (b *Blob) Close() error {
	b.a.Release()
	return nil
}

// OpenBlob resolves the current version of key and positions a reader on
// its first chunk. The caller must Close the returned Blob.
func (c *Cache) OpenBlob(ctx context.Context, key string) (*Blob, error) {
	a := c.open(key, "", AccessRead)
	if err := Await(ctx, a.ObtainFirstData); err != nil {
		a.Release()
		return nil, err
	}
	info := a.Info()
	var err error
	switch {
	case a.HasError() && info == nil:
		err = ErrUnavailable
	case a.HasError():
		err = ErrCorrupted
	case info == nil:
		err = ErrNotFound
	}
	if err != nil {
		a.Release()
		return nil, err
	}
	return &Blob{Reader: NewReader(ctx, a), info: info}, nil
}

// ReadBlob copies the current version of key to w and returns its metadata.
func (c *Cache) ReadBlob(ctx context.Context, key string, w io.Writer) (*blobcache.BlobInfo, error) {
	b, err := c.OpenBlob(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = b.Close() }()

	if _, err := io.Copy(w, b); err != nil {
		return b.info, fmt.Errorf("streaming blob: %w", err)
	}
	return b.info, nil
}

// WriteOptions controls WriteBlob.
type WriteOptions struct {
	// Password protects the new version against creates without it.
	Password string
	// TTL and VerTTL override the cache defaults when non-zero.
	TTL    uint32
	VerTTL uint32
	// Replica, when set, writes a peer's version: the password check is
	// skipped and its provenance is adopted if it is newer than ours.
	Replica *blobcache.BlobInfo
}

// WriteResult describes a finished write.
type WriteResult struct {
	Info          *blobcache.BlobInfo
	BecameCurrent bool
}

// WriteBlob stores r as a new version of key.
func (c *Cache) WriteBlob(ctx context.Context, key string, r io.Reader, opts WriteOptions) (*WriteResult, error) {
	access := AccessCreate
	if opts.Replica != nil {
		access = AccessCopyCreate
	}
	a := c.open(key, opts.Password, access)
	defer a.Release()
	if opts.TTL != 0 || opts.VerTTL != 0 {
		a.SetTTL(opts.TTL, opts.VerTTL)
	}

	if err := Await(ctx, a.ObtainMetaInfo); err != nil {
		return nil, err
	}
	switch {
	case a.Denied():
		return nil, ErrAccessDenied
	case a.HasError():
		return nil, ErrWriteFailed
	}
	if opts.Replica != nil && !a.ReplaceBlobInfo(opts.Replica) {
		// Ours is already newer than the replica; the copy would lose.
		return &WriteResult{Info: a.Info()}, nil
	}

	if _, err := io.Copy(NewWriter(ctx, a), r); err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	if err := Await(ctx, a.Finalize); err != nil {
		return nil, err
	}
	if a.HasError() {
		return nil, ErrWriteFailed
	}
	return &WriteResult{Info: a.Info(), BecameCurrent: a.BecameCurrent()}, nil
}

// DeleteBlob deletes key. It reports whether there was a version to delete.
func (c *Cache) DeleteBlob(ctx context.Context, key string) (bool, error) {
	a := c.open(key, "", AccessGCDelete)
	defer a.Release()

	if err := Await(ctx, a.DeleteBlob); err != nil {
		return false, err
	}
	if a.HasError() {
		return false, ErrWriteFailed
	}
	return a.BecameCurrent(), nil
}

// TouchBlob extends the expiry of the current version of key to now+ttl.
func (c *Cache) TouchBlob(ctx context.Context, key string, ttl uint32) error {
	a := c.open(key, "", AccessRead)
	defer a.Release()

	if err := Await(ctx, a.ObtainMetaInfo); err != nil {
		return err
	}
	if a.HasError() {
		return ErrUnavailable
	}
	if !a.Touch(ttl) {
		return ErrNotFound
	}
	return nil
}

// Expunge resolves key in slot so a dead current version is dropped and the
// manager converges: the version is deleted and the key tombstoned. It
// reports whether a live version remains.
func (c *Cache) Expunge(ctx context.Context, slot uint32, key string) (bool, error) {
	a := c.NewAccessor()
	a.Prepare(key, "", slot, AccessRead)
	_ = a.Initialize()
	defer a.Release()

	if err := Await(ctx, a.ObtainMetaInfo); err != nil {
		return false, err
	}
	if a.HasError() {
		return false, ErrUnavailable
	}
	return a.Info() != nil, nil
}
