package database

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func setupTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := NewSQLiteRepository(":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func newTestObject(id string, now time.Time) StoredObject {
	return StoredObject{
		ID:           id,
		StorageName:  "blob-" + id,
		OriginalName: id + ".txt",
		SizeBytes:    42,
		MimeType:     "text/plain",
		MaxDownloads: 1,
		UploadedAt:   now,
		ExpiresAt:    now.Add(10 * time.Minute),
	}
}

func TestSQLiteRepository_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("round trips every field", func(t *testing.T) {
		password := "secret"
		obj := newTestObject("abc123", now)
		obj.Password = &password
		obj.Encryption = &Encryption{Key: "a2V5", Nonce: "bm9uY2U="}

		if err := repo.Create(ctx, obj); err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		got, err := repo.GetByID(ctx, "abc123")
		if err != nil {
			t.Fatalf("GetByID() error = %v", err)
		}
		if got.StorageName != obj.StorageName || got.OriginalName != obj.OriginalName {
			t.Errorf("names mismatch: got %+v", got)
		}
		if got.SizeBytes != 42 || got.MimeType != "text/plain" || got.MaxDownloads != 1 {
			t.Errorf("descriptive fields mismatch: got %+v", got)
		}
		if !got.UploadedAt.Equal(now) || !got.ExpiresAt.Equal(obj.ExpiresAt) {
			t.Errorf("timestamps mismatch: got %v/%v", got.UploadedAt, got.ExpiresAt)
		}
		if !got.HasPassword() || *got.Password != "secret" {
			t.Error("expected password to be preserved")
		}
		if !got.Encrypted() || got.Encryption.Key != "a2V5" || got.Encryption.Nonce != "bm9uY2U=" {
			t.Errorf("encryption mismatch: got %+v", got.Encryption)
		}
	})

	t.Run("plaintext object has no key material", func(t *testing.T) {
		if err := repo.Create(ctx, newTestObject("plain1", now)); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		got, err := repo.GetByID(ctx, "plain1")
		if err != nil {
			t.Fatalf("GetByID() error = %v", err)
		}
		if got.Encrypted() || got.Encryption != nil {
			t.Error("expected no encryption on plaintext object")
		}
		if got.HasPassword() {
			t.Error("expected no password")
		}
	})

	t.Run("duplicate id is rejected", func(t *testing.T) {
		dup := newTestObject("abc123", now)
		dup.StorageName = "another-blob"
		if err := repo.Create(ctx, dup); !errors.Is(err, ErrDuplicateID) {
			t.Fatalf("expected ErrDuplicateID, got %v", err)
		}
	})

	t.Run("missing id", func(t *testing.T) {
		if _, err := repo.GetByID(ctx, "nope"); !errors.Is(err, ErrObjectNotFound) {
			t.Fatalf("expected ErrObjectNotFound, got %v", err)
		}
	})
}

func TestSQLiteRepository_Queries(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	live := newTestObject("live01", now)
	stale := newTestObject("stale1", now.Add(-time.Hour))
	stale.ExpiresAt = now.Add(-time.Minute)
	used := newTestObject("used01", now)
	used.DownloadCount = 1

	for _, obj := range []StoredObject{live, stale, used} {
		if err := repo.Create(ctx, obj); err != nil {
			t.Fatalf("Create(%s) error = %v", obj.ID, err)
		}
	}

	t.Run("expired before now", func(t *testing.T) {
		got, err := repo.ListExpiredBefore(ctx, now)
		if err != nil {
			t.Fatalf("ListExpiredBefore() error = %v", err)
		}
		if len(got) != 1 || got[0].ID != "stale1" {
			t.Errorf("expected only stale1, got %+v", got)
		}
	})

	t.Run("download limit reached", func(t *testing.T) {
		got, err := repo.ListDownloadLimitReached(ctx)
		if err != nil {
			t.Fatalf("ListDownloadLimitReached() error = %v", err)
		}
		if len(got) != 1 || got[0].ID != "used01" {
			t.Errorf("expected only used01, got %+v", got)
		}
	})

	t.Run("storage name exists", func(t *testing.T) {
		ok, err := repo.StorageNameExists(ctx, "blob-live01")
		if err != nil || !ok {
			t.Errorf("expected blob-live01 to exist, got %v, %v", ok, err)
		}
		ok, err = repo.StorageNameExists(ctx, "blob-unknown")
		if err != nil || ok {
			t.Errorf("expected blob-unknown to be absent, got %v, %v", ok, err)
		}
	})

	t.Run("list all", func(t *testing.T) {
		got, err := repo.ListAll(ctx)
		if err != nil {
			t.Fatalf("ListAll() error = %v", err)
		}
		if len(got) != 3 {
			t.Errorf("expected 3 objects, got %d", len(got))
		}
	})

	t.Run("stats", func(t *testing.T) {
		stats, err := repo.GetStats(ctx, now)
		if err != nil {
			t.Fatalf("GetStats() error = %v", err)
		}
		if stats.TotalObjects != 3 || stats.ActiveObjects != 1 || stats.TotalDownloads != 1 || stats.StorageUsed != 126 {
			t.Errorf("unexpected stats: %+v", stats)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := repo.Delete(ctx, "stale1"); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if err := repo.Delete(ctx, "stale1"); !errors.Is(err, ErrObjectNotFound) {
			t.Errorf("expected ErrObjectNotFound on second delete, got %v", err)
		}
	})
}

func TestSQLiteRepository_IncrementDownloadCount(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("increments until limit", func(t *testing.T) {
		repo := setupTestRepo(t)
		obj := newTestObject("count1", now)
		obj.MaxDownloads = 2
		if err := repo.Create(ctx, obj); err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		for want := 1; want <= 2; want++ {
			got, err := repo.IncrementDownloadCount(ctx, "count1", now)
			if err != nil {
				t.Fatalf("IncrementDownloadCount() error = %v", err)
			}
			if got != want {
				t.Errorf("count = %d, want %d", got, want)
			}
		}

		if _, err := repo.IncrementDownloadCount(ctx, "count1", now); !errors.Is(err, ErrDownloadRefused) {
			t.Fatalf("expected ErrDownloadRefused, got %v", err)
		}
	})

	t.Run("refuses expired object", func(t *testing.T) {
		repo := setupTestRepo(t)
		if err := repo.Create(ctx, newTestObject("late01", now)); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if _, err := repo.IncrementDownloadCount(ctx, "late01", now.Add(time.Hour)); !errors.Is(err, ErrDownloadRefused) {
			t.Fatalf("expected ErrDownloadRefused, got %v", err)
		}
	})

	t.Run("missing object", func(t *testing.T) {
		repo := setupTestRepo(t)
		if _, err := repo.IncrementDownloadCount(ctx, "ghost1", now); !errors.Is(err, ErrObjectNotFound) {
			t.Fatalf("expected ErrObjectNotFound, got %v", err)
		}
	})

	t.Run("concurrent callers never exceed the limit", func(t *testing.T) {
		repo := setupTestRepo(t)
		obj := newTestObject("race01", now)
		obj.MaxDownloads = 5
		if err := repo.Create(ctx, obj); err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		const callers = 20
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			granted int
			refused int
		)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := repo.IncrementDownloadCount(ctx, "race01", now)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					granted++
				case errors.Is(err, ErrDownloadRefused):
					refused++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		if granted != 5 || refused != callers-5 {
			t.Errorf("granted = %d, refused = %d", granted, refused)
		}

		got, err := repo.GetByID(ctx, "race01")
		if err != nil {
			t.Fatalf("GetByID() error = %v", err)
		}
		if got.DownloadCount != 5 {
			t.Errorf("stored count = %d, want 5", got.DownloadCount)
		}
	})
}
