package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"
)

func TestFileSystemStore_Put(t *testing.T) {
	ctx := context.Background()

	t.Run("saves blob to disk", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileSystemStore(dir)

		n, err := store.Put(ctx, "abc123", bytes.NewReader([]byte("test content")))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n != 12 {
			t.Errorf("expected 12 bytes written, got %d", n)
		}

		content, err := os.ReadFile(filepath.Join(dir, "abc123"))
		if err != nil {
			t.Fatalf("failed to read saved file: %v", err)
		}
		if string(content) != "test content" {
			t.Errorf("expected 'test content', got %q", content)
		}
	})

	t.Run("saves large content", func(t *testing.T) {
		store := NewFileSystemStore(t.TempDir())

		largeContent := strings.Repeat("x", 1024*1024) // 1MB
		n, err := store.Put(ctx, "large", strings.NewReader(largeContent))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n != int64(len(largeContent)) {
			t.Errorf("expected %d bytes, got %d", len(largeContent), n)
		}
	})

	t.Run("failed write leaves nothing behind", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileSystemStore(dir)

		r := io.MultiReader(strings.NewReader("partial"), iotest.ErrReader(errors.New("boom")))
		if _, err := store.Put(ctx, "broken", r); err == nil {
			t.Fatal("expected error from failing reader")
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 0 {
			t.Errorf("expected empty directory, found %d entries", len(entries))
		}
	})

	t.Run("rejects unsafe names", func(t *testing.T) {
		store := NewFileSystemStore(t.TempDir())
		for _, name := range []string{"", ".hidden", "../escape", `a\b`} {
			if _, err := store.Put(ctx, name, strings.NewReader("x")); !errors.Is(err, ErrInvalidBlobName) {
				t.Errorf("Put(%q) error = %v, want ErrInvalidBlobName", name, err)
			}
		}
	})
}

func TestFileSystemStore_Get(t *testing.T) {
	ctx := context.Background()

	t.Run("reads existing blob", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileSystemStore(dir)
		os.WriteFile(filepath.Join(dir, "test123"), []byte("data"), 0644)

		rc, err := store.Get(ctx, "test123")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer rc.Close()

		got, _ := io.ReadAll(rc)
		if string(got) != "data" {
			t.Errorf("expected 'data', got %q", got)
		}
	})

	t.Run("returns ErrBlobNotFound for missing blob", func(t *testing.T) {
		store := NewFileSystemStore(t.TempDir())

		if _, err := store.Get(ctx, "nonexistent"); !errors.Is(err, ErrBlobNotFound) {
			t.Errorf("expected ErrBlobNotFound, got %v", err)
		}
	})
}

func TestFileSystemStore_ExistsAndDelete(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewFileSystemStore(dir)

	if _, err := store.Put(ctx, "todelete", strings.NewReader("data")); err != nil {
		t.Fatal(err)
	}

	ok, err := store.Exists(ctx, "todelete")
	if err != nil || !ok {
		t.Fatalf("Exists() = %v, %v; want true", ok, err)
	}

	if err := store.Delete(ctx, "todelete"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ok, err = store.Exists(ctx, "todelete")
	if err != nil || ok {
		t.Errorf("Exists() after delete = %v, %v; want false", ok, err)
	}

	t.Run("absent blob is not an error", func(t *testing.T) {
		if err := store.Delete(ctx, "todelete"); err != nil {
			t.Errorf("expected no error deleting absent blob, got %v", err)
		}
	})
}

func TestFileSystemStore_List(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewFileSystemStore(dir)

	for _, name := range []string{"one", "two"} {
		if _, err := store.Put(ctx, name, strings.NewReader(name)); err != nil {
			t.Fatal(err)
		}
	}
	os.WriteFile(filepath.Join(dir, ".upload-123.tmp"), []byte("in flight"), 0644)
	os.Mkdir(filepath.Join(dir, "subdir"), 0755)

	blobs, err := store.List(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(blobs) != 2 {
		t.Fatalf("expected 2 blobs, got %+v", blobs)
	}
	for _, b := range blobs {
		if b.Name != "one" && b.Name != "two" {
			t.Errorf("unexpected blob %q", b.Name)
		}
		if b.ModTime.IsZero() {
			t.Errorf("blob %q has zero mod time", b.Name)
		}
	}
}

func TestFileSystemStore_EnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "storage")
	store := NewFileSystemStore(dir)

	if err := store.EnsureDir(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("directory not created: %v", err)
	}
	if !info.IsDir() {
		t.Error("expected a directory")
	}
}
