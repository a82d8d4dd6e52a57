package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"dropzone/internal/server/config"
)

var (
	ErrBlobNotFound    = errors.New("blob not found")
	ErrInvalidBlobName = errors.New("invalid blob name")
)

// BlobInfo describes a blob present in the backing store.
type BlobInfo struct {
	Name    string
	ModTime time.Time
}

// BlobStore holds the raw (possibly encrypted) bytes of stored objects,
// addressed by storage name.
type BlobStore interface {
	// Put writes r under name and returns the number of bytes stored. A
	// failed Put leaves nothing visible under name.
	Put(ctx context.Context, name string, r io.Reader) (int64, error)

	// Get opens the blob for reading. Returns ErrBlobNotFound if absent.
	Get(ctx context.Context, name string) (io.ReadCloser, error)

	Exists(ctx context.Context, name string) (bool, error)

	// Delete removes the blob. Deleting an absent blob is not an error.
	Delete(ctx context.Context, name string) error

	// List enumerates stored blobs, skipping reserved entries such as
	// in-flight uploads.
	List(ctx context.Context) ([]BlobInfo, error)
}

// Open creates the blob backend selected by cfg.BlobBackend.
func Open(ctx context.Context, cfg *config.Config) (BlobStore, error) {
	switch cfg.BlobBackend {
	case config.BlobBackendFilesystem:
		fs := NewFileSystemStore(cfg.StoragePath)
		if err := fs.EnsureDir(); err != nil {
			return nil, err
		}
		return fs, nil
	case config.BlobBackendS3:
		return NewS3Store(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unsupported blob backend %q", cfg.BlobBackend)
	}
}

// validateName rejects names that could escape the store or collide with
// reserved entries.
func validateName(name string) error {
	if name == "" || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidBlobName, name)
	}
	return nil
}
