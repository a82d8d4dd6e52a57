package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dropzone/internal/server/config"
)

var (
	ErrObjectNotFound  = errors.New("object not found")
	ErrDuplicateID     = errors.New("object id already taken")
	ErrDownloadRefused = errors.New("no download slot available")
)

// Repository persists object metadata. Implementations must make
// IncrementDownloadCount a single conditional update.
type Repository interface {
	// Create inserts a new object. Returns ErrDuplicateID if the id is taken.
	Create(ctx context.Context, obj StoredObject) error

	// GetByID returns the object with the given id or ErrObjectNotFound.
	GetByID(ctx context.Context, id string) (StoredObject, error)

	// ListExpiredBefore returns objects whose expiry time is before now.
	ListExpiredBefore(ctx context.Context, now time.Time) ([]StoredObject, error)

	// ListDownloadLimitReached returns objects with no download slots left.
	ListDownloadLimitReached(ctx context.Context) ([]StoredObject, error)

	// StorageNameExists reports whether any record references the blob.
	StorageNameExists(ctx context.Context, storageName string) (bool, error)

	// Delete removes the object with the given id or returns ErrObjectNotFound.
	Delete(ctx context.Context, id string) error

	// ListAll returns every object, newest first.
	ListAll(ctx context.Context) ([]StoredObject, error)

	// IncrementDownloadCount consumes one download slot if the object still
	// has one and has not expired at now, returning the new count. It
	// returns ErrDownloadRefused when no slot is left and ErrObjectNotFound
	// when the object does not exist.
	IncrementDownloadCount(ctx context.Context, id string, now time.Time) (int, error)

	// GetStats returns aggregate statistics evaluated at now.
	GetStats(ctx context.Context, now time.Time) (Stats, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// Open connects the repository backend selected by cfg.DatabaseDriver and
// brings its schema up to date.
func Open(ctx context.Context, cfg *config.Config) (Repository, error) {
	switch cfg.DatabaseDriver {
	case config.DriverPostgres:
		db, err := New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.RunMigrations(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return NewPostgresRepository(db), nil
	case config.DriverSQLite:
		return NewSQLiteRepository(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}
}
