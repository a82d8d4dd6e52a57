package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dropzone/internal/server/config"
	"dropzone/internal/server/database"
	"dropzone/internal/server/service"
	"dropzone/internal/server/storage"
)

func newTestStore(t *testing.T) *service.ObjectStore {
	t.Helper()
	repo, err := database.NewSQLiteRepository(":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	cfg := &config.Config{
		MaxFileSize:        1024 * 1024,
		PlaintextMIMETypes: []string{"image/*"},
	}
	return service.NewObjectStore(repo, storage.NewFileSystemStore(t.TempDir()), cfg)
}

func storeNote(t *testing.T, svc *service.ObjectStore, password string) database.StoredObject {
	t.Helper()
	obj, err := svc.Store(context.Background(), service.UploadRequest{
		Filename:     "note.txt",
		MimeType:     "text/plain",
		Data:         strings.NewReader("meet at noon"),
		MaxDownloads: 1,
		TTL:          time.Hour,
		Password:     password,
	})
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	return obj
}

func partFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, ".dropctl-*.part"))
	if err != nil {
		t.Fatal(err)
	}
	return matches
}

func TestSaveDownload(t *testing.T) {
	ctx := context.Background()

	t.Run("existing file keeps the download slot", func(t *testing.T) {
		svc := newTestStore(t)
		obj := storeNote(t, svc, "")

		dir := t.TempDir()
		chdir(t, dir)
		if err := os.WriteFile("note.txt", []byte("local copy"), 0644); err != nil {
			t.Fatal(err)
		}

		if _, err := saveDownload(ctx, svc, obj.ID, "", ""); err == nil {
			t.Fatal("expected error for existing output file")
		}

		meta, err := svc.GetMetadata(ctx, obj.ID)
		if err != nil {
			t.Fatalf("GetMetadata() error = %v", err)
		}
		if meta.DownloadCount != 0 {
			t.Errorf("DownloadCount = %d, want 0", meta.DownloadCount)
		}
		if data, _ := os.ReadFile("note.txt"); string(data) != "local copy" {
			t.Errorf("existing file was overwritten: %q", data)
		}

		res, err := saveDownload(ctx, svc, obj.ID, "", filepath.Join(dir, "other.txt"))
		if err != nil {
			t.Fatalf("retry with another name failed: %v", err)
		}
		if data, _ := os.ReadFile(res.Path); string(data) != "meet at noon" {
			t.Errorf("content = %q", data)
		}
	})

	t.Run("writes original name by default", func(t *testing.T) {
		svc := newTestStore(t)
		obj := storeNote(t, svc, "")

		dir := t.TempDir()
		chdir(t, dir)

		res, err := saveDownload(ctx, svc, obj.ID, "", "")
		if err != nil {
			t.Fatalf("saveDownload() error = %v", err)
		}
		if res.Path != "note.txt" || res.Bytes != int64(len("meet at noon")) {
			t.Errorf("unexpected result: %+v", res)
		}
		if res.Object.DownloadCount != 1 {
			t.Errorf("DownloadCount = %d, want 1", res.Object.DownloadCount)
		}
		if left := partFiles(t, dir); len(left) != 0 {
			t.Errorf("temp files left behind: %v", left)
		}
	})

	t.Run("refused download leaves nothing on disk", func(t *testing.T) {
		svc := newTestStore(t)
		obj := storeNote(t, svc, "hunter2")

		dir := t.TempDir()
		out := filepath.Join(dir, "note.txt")

		_, err := saveDownload(ctx, svc, obj.ID, "wrong", out)
		if !errors.Is(err, service.ErrInvalidPassword) {
			t.Fatalf("expected ErrInvalidPassword, got %v", err)
		}
		if _, err := os.Stat(out); !os.IsNotExist(err) {
			t.Errorf("output file should not exist, stat err = %v", err)
		}
		if left := partFiles(t, dir); len(left) != 0 {
			t.Errorf("temp files left behind: %v", left)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		svc := newTestStore(t)
		_, err := saveDownload(ctx, svc, "nope00", "", filepath.Join(t.TempDir(), "x"))
		if !errors.Is(err, service.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}
