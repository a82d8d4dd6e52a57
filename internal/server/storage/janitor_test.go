package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dropzone/internal/server/database"
)

type janitorFixture struct {
	repo    *database.SQLiteRepository
	blobs   *FileSystemStore
	dir     string
	janitor *Janitor
	now     time.Time
}

func newJanitorFixture(t *testing.T, grace time.Duration) *janitorFixture {
	t.Helper()
	repo, err := database.NewSQLiteRepository(":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	dir := t.TempDir()
	blobs := NewFileSystemStore(dir)
	now := time.Now().UTC().Truncate(time.Millisecond)

	j := NewJanitor(repo, blobs, JanitorConfig{
		ExpiredInterval:   time.Hour,
		OrphanInterval:    time.Hour,
		OrphanGracePeriod: grace,
	})
	j.now = func() time.Time { return now }

	return &janitorFixture{repo: repo, blobs: blobs, dir: dir, janitor: j, now: now}
}

func (f *janitorFixture) addObject(t *testing.T, obj database.StoredObject) {
	t.Helper()
	if _, err := f.blobs.Put(context.Background(), obj.StorageName, strings.NewReader("payload")); err != nil {
		t.Fatal(err)
	}
	if err := f.repo.Create(context.Background(), obj); err != nil {
		t.Fatal(err)
	}
}

func object(id string, now time.Time) database.StoredObject {
	return database.StoredObject{
		ID:           id,
		StorageName:  "blob-" + id,
		OriginalName: "file.txt",
		SizeBytes:    7,
		MimeType:     "text/plain",
		MaxDownloads: 1,
		UploadedAt:   now.Add(-time.Hour),
		ExpiresAt:    now.Add(time.Hour),
	}
}

func TestJanitor_SweepExpired(t *testing.T) {
	ctx := context.Background()
	f := newJanitorFixture(t, 0)

	live := object("live01", f.now)
	byTime := object("time01", f.now)
	byTime.ExpiresAt = f.now.Add(-time.Minute)
	byCount := object("count1", f.now)
	byCount.DownloadCount = 1
	both := object("both01", f.now)
	both.DownloadCount = 1
	both.ExpiresAt = f.now.Add(-time.Minute)

	for _, obj := range []database.StoredObject{live, byTime, byCount, both} {
		f.addObject(t, obj)
	}

	// Blob already gone from a previous partial reclamation.
	if err := f.blobs.Delete(ctx, byTime.StorageName); err != nil {
		t.Fatal(err)
	}

	result := f.janitor.SweepExpired(ctx)
	if result.Deleted != 3 || result.Failed != 0 {
		t.Errorf("unexpected result: %+v", result)
	}
	if result.Scanned != 3 {
		t.Errorf("expected the doubly expired object to be scanned once, got %+v", result)
	}

	for _, id := range []string{"time01", "count1", "both01"} {
		if _, err := f.repo.GetByID(ctx, id); err == nil {
			t.Errorf("expected %s to be deleted", id)
		}
		if ok, _ := f.blobs.Exists(ctx, "blob-"+id); ok {
			t.Errorf("expected blob of %s to be deleted", id)
		}
	}

	if _, err := f.repo.GetByID(ctx, "live01"); err != nil {
		t.Errorf("live object should survive: %v", err)
	}
	if ok, _ := f.blobs.Exists(ctx, live.StorageName); !ok {
		t.Error("live blob should survive")
	}

	t.Run("second sweep is a no-op", func(t *testing.T) {
		again := f.janitor.SweepExpired(ctx)
		if again.Deleted != 0 || again.Failed != 0 {
			t.Errorf("unexpected result: %+v", again)
		}
	})
}

// flakyDeleteStore fails Delete until failures reaches zero.
type flakyDeleteStore struct {
	*FileSystemStore
	failures int
}

func (s *flakyDeleteStore) Delete(ctx context.Context, name string) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("disk unavailable")
	}
	return s.FileSystemStore.Delete(ctx, name)
}

func TestJanitor_SweepExpiredRetriesFailedBlobDelete(t *testing.T) {
	ctx := context.Background()
	f := newJanitorFixture(t, 0)

	stale := object("stale1", f.now)
	stale.ExpiresAt = f.now.Add(-time.Minute)
	f.addObject(t, stale)

	flaky := &flakyDeleteStore{FileSystemStore: f.blobs, failures: 1}
	j := NewJanitor(f.repo, flaky, f.janitor.cfg)
	j.now = f.janitor.now

	first := j.SweepExpired(ctx)
	if first.Scanned != 1 || first.Deleted != 0 || first.Failed != 1 {
		t.Errorf("first sweep: unexpected result %+v", first)
	}
	if _, err := f.repo.GetByID(ctx, stale.ID); err != nil {
		t.Errorf("record must survive a failed blob delete: %v", err)
	}
	if ok, _ := f.blobs.Exists(ctx, stale.StorageName); !ok {
		t.Error("blob should still be present after the failed delete")
	}

	second := j.SweepExpired(ctx)
	if second.Deleted != 1 || second.Failed != 0 {
		t.Errorf("second sweep: unexpected result %+v", second)
	}
	if _, err := f.repo.GetByID(ctx, stale.ID); !errors.Is(err, database.ErrObjectNotFound) {
		t.Errorf("expected record to be reclaimed, got %v", err)
	}
	if ok, _ := f.blobs.Exists(ctx, stale.StorageName); ok {
		t.Error("expected blob to be reclaimed")
	}
}

func TestJanitor_SweepOrphans(t *testing.T) {
	ctx := context.Background()
	f := newJanitorFixture(t, 10*time.Minute)

	f.addObject(t, object("keep01", f.now))

	old := f.now.Add(-time.Hour)
	for _, name := range []string{"orphan-old", "orphan-new"} {
		if err := os.WriteFile(filepath.Join(f.dir, name), []byte("stray"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Chtimes(filepath.Join(f.dir, "orphan-old"), old, old); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(filepath.Join(f.dir, "orphan-new"), f.now, f.now); err != nil {
		t.Fatal(err)
	}
	hidden := filepath.Join(f.dir, ".upload-42.tmp")
	os.WriteFile(hidden, []byte("in flight"), 0644)
	os.Chtimes(hidden, old, old)

	result := f.janitor.SweepOrphans(ctx)
	if result.Deleted != 1 || result.Failed != 0 {
		t.Errorf("unexpected result: %+v", result)
	}

	if ok, _ := f.blobs.Exists(ctx, "orphan-old"); ok {
		t.Error("old orphan should be deleted")
	}
	if ok, _ := f.blobs.Exists(ctx, "orphan-new"); !ok {
		t.Error("orphan within grace period should survive")
	}
	if ok, _ := f.blobs.Exists(ctx, "blob-keep01"); !ok {
		t.Error("referenced blob should survive")
	}
	if _, err := os.Stat(hidden); err != nil {
		t.Error("hidden entries must never be swept")
	}
}

func TestJanitor_ExpiredSweepIgnoresOrphans(t *testing.T) {
	ctx := context.Background()
	f := newJanitorFixture(t, 0)

	if err := os.WriteFile(filepath.Join(f.dir, "stray"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	f.janitor.SweepExpired(ctx)

	if ok, _ := f.blobs.Exists(ctx, "stray"); !ok {
		t.Error("only the orphan sweep may delete unreferenced blobs")
	}
}

func TestJanitor_StartAndWait(t *testing.T) {
	f := newJanitorFixture(t, 0)

	stray := filepath.Join(f.dir, "stray")
	if err := os.WriteFile(stray, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	past := f.now.Add(-time.Hour)
	os.Chtimes(stray, past, past)

	expired := object("gone01", f.now)
	expired.ExpiresAt = f.now.Add(-time.Second)
	f.addObject(t, expired)

	ctx, cancel := context.WithCancel(context.Background())
	f.janitor.Start(ctx)

	// Both loops sweep immediately on start.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, strayErr := os.Stat(stray)
		_, objErr := f.repo.GetByID(context.Background(), "gone01")
		if os.IsNotExist(strayErr) && objErr != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()

	done := make(chan struct{})
	go func() {
		f.janitor.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("janitor did not stop after cancellation")
	}

	if _, err := os.Stat(stray); !os.IsNotExist(err) {
		t.Error("expected initial orphan sweep to delete the stray blob")
	}
	if _, err := f.repo.GetByID(context.Background(), "gone01"); err == nil {
		t.Error("expected initial expired sweep to delete the object")
	}
}
