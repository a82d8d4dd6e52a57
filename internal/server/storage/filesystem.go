package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const tempPattern = ".upload-*.tmp"

// FileSystemStore stores blobs as files in a single directory.
type FileSystemStore struct {
	basePath string
}

var _ BlobStore = (*FileSystemStore)(nil)

// NewFileSystemStore creates a new filesystem storage backend.
func NewFileSystemStore(basePath string) *FileSystemStore {
	return &FileSystemStore{basePath: basePath}
}

// EnsureDir creates the storage directory if it doesn't exist.
func (s *FileSystemStore) EnsureDir() error {
	if err := os.MkdirAll(s.basePath, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory %s: %w", s.basePath, err)
	}
	return nil
}

// Put streams r into a hidden temp file and renames it into place once
// fully written, so readers never observe a partial blob.
func (s *FileSystemStore) Put(ctx context.Context, name string, r io.Reader) (int64, error) {
	if err := validateName(name); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(s.basePath, tempPattern)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	n, err := io.Copy(tmp, r)
	if err != nil {
		return 0, fmt.Errorf("failed to write blob %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync blob %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to close blob %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, s.filePath(name)); err != nil {
		return 0, fmt.Errorf("failed to commit blob %s: %w", name, err)
	}
	committed = true

	return n, nil
}

// Get opens a stored blob for reading.
func (s *FileSystemStore) Get(_ context.Context, name string) (io.ReadCloser, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	f, err := os.Open(s.filePath(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, name)
		}
		return nil, fmt.Errorf("failed to open blob %s: %w", name, err)
	}
	return f, nil
}

// Exists reports whether a blob is stored under name.
func (s *FileSystemStore) Exists(_ context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	if _, err := os.Stat(s.filePath(name)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat blob %s: %w", name, err)
	}
	return true, nil
}

// Delete removes a stored blob.
func (s *FileSystemStore) Delete(_ context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	if err := os.Remove(s.filePath(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete blob %s: %w", name, err)
	}
	return nil
}

// List returns the regular files in the storage directory. Hidden entries,
// which include in-flight uploads, are skipped.
func (s *FileSystemStore) List(_ context.Context) ([]BlobInfo, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to list storage directory: %w", err)
	}

	blobs := make([]BlobInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		blobs = append(blobs, BlobInfo{Name: entry.Name(), ModTime: info.ModTime()})
	}
	return blobs, nil
}

func (s *FileSystemStore) filePath(name string) string {
	return filepath.Join(s.basePath, name)
}
