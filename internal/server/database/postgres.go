package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// migrations contains all database migrations in order.
// Each migration has a version key and SQL to execute.
var migrations = []struct {
	Version string
	SQL     string
}{
	{
		Version: "000001_create_objects",
		SQL: `
			CREATE TABLE IF NOT EXISTS objects (
				id             VARCHAR(16)  PRIMARY KEY,
				storage_name   VARCHAR(64)  NOT NULL UNIQUE,
				original_name  VARCHAR(255) NOT NULL,
				size_bytes     BIGINT       NOT NULL,
				mime_type      VARCHAR(255) NOT NULL,
				max_downloads  INTEGER      NOT NULL CHECK (max_downloads >= 1),
				download_count INTEGER      NOT NULL DEFAULT 0 CHECK (download_count >= 0),
				uploaded_at    TIMESTAMPTZ  NOT NULL,
				expires_at     TIMESTAMPTZ  NOT NULL CHECK (expires_at > uploaded_at),
				password       VARCHAR(255),
				encrypted      BOOLEAN      NOT NULL,
				encryption_key VARCHAR(64),
				nonce          VARCHAR(64),
				CHECK (encrypted = (encryption_key IS NOT NULL AND nonce IS NOT NULL))
			);
			CREATE INDEX IF NOT EXISTS idx_objects_expires_at ON objects(expires_at);
		`,
	},
}

const objectColumns = `id, storage_name, original_name, size_bytes, mime_type,
	max_downloads, download_count, uploaded_at, expires_at, password,
	encrypted, encryption_key, nonce`

// DB wraps a pgxpool connection pool and provides health checks and migrations.
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("connected to database", "driver", "postgres")
	return &DB{Pool: pool}, nil
}

// RunMigrations applies all pending database migrations in order.
func (db *DB) RunMigrations(ctx context.Context) error {
	_, err := db.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, m := range migrations {
		var exists bool
		err := db.Pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)",
			m.Version,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration status for %s: %w", m.Version, err)
		}
		if exists {
			continue
		}

		tx, err := db.Pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %s: %w", m.Version, err)
		}

		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to execute migration %s: %w", m.Version, err)
		}

		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.Version); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to record migration %s: %w", m.Version, err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", m.Version, err)
		}

		slog.Info("applied migration", "version", m.Version)
	}

	return nil
}

// HealthCheck verifies the database connection is alive.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}

// PostgresRepository stores object metadata in PostgreSQL.
type PostgresRepository struct {
	db *DB
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository creates a repository on top of an open pool.
func NewPostgresRepository(db *DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a new object record.
func (r *PostgresRepository) Create(ctx context.Context, obj StoredObject) error {
	encrypted, key, nonce := obj.encryptionColumns()
	tag, err := r.db.Pool.Exec(ctx, `
		INSERT INTO objects (`+objectColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING
	`,
		obj.ID,
		obj.StorageName,
		obj.OriginalName,
		obj.SizeBytes,
		obj.MimeType,
		obj.MaxDownloads,
		obj.DownloadCount,
		obj.UploadedAt,
		obj.ExpiresAt,
		obj.Password,
		encrypted,
		key,
		nonce,
	)
	if err != nil {
		return fmt.Errorf("failed to create object: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateID
	}
	return nil
}

// GetByID retrieves an object by its ID.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (StoredObject, error) {
	row := r.db.Pool.QueryRow(ctx, `SELECT `+objectColumns+` FROM objects WHERE id = $1`, id)
	obj, err := scanObject(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StoredObject{}, ErrObjectNotFound
		}
		return StoredObject{}, fmt.Errorf("failed to get object: %w", err)
	}
	return obj, nil
}

// ListExpiredBefore returns all objects whose expiration time has passed.
func (r *PostgresRepository) ListExpiredBefore(ctx context.Context, now time.Time) ([]StoredObject, error) {
	return r.query(ctx, "expired objects",
		`SELECT `+objectColumns+` FROM objects WHERE expires_at < $1`, now)
}

// ListDownloadLimitReached returns all objects with no download slots left.
func (r *PostgresRepository) ListDownloadLimitReached(ctx context.Context) ([]StoredObject, error) {
	return r.query(ctx, "exhausted objects",
		`SELECT `+objectColumns+` FROM objects WHERE download_count >= max_downloads`)
}

// ListAll returns every object, newest first.
func (r *PostgresRepository) ListAll(ctx context.Context) ([]StoredObject, error) {
	return r.query(ctx, "objects",
		`SELECT `+objectColumns+` FROM objects ORDER BY uploaded_at DESC`)
}

// StorageNameExists reports whether a record references the given blob.
func (r *PostgresRepository) StorageNameExists(ctx context.Context, storageName string) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM objects WHERE storage_name = $1)", storageName,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check storage name: %w", err)
	}
	return exists, nil
}

// Delete removes an object record by ID.
func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Pool.Exec(ctx, "DELETE FROM objects WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrObjectNotFound
	}
	return nil
}

// IncrementDownloadCount consumes one download slot in a single statement.
func (r *PostgresRepository) IncrementDownloadCount(ctx context.Context, id string, now time.Time) (int, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx, `
		UPDATE objects SET download_count = download_count + 1
		WHERE id = $1 AND download_count < max_downloads AND expires_at >= $2
		RETURNING download_count
	`, id, now).Scan(&count)
	if err == nil {
		return count, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to increment download count: %w", err)
	}

	var exists bool
	if err := r.db.Pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM objects WHERE id = $1)", id,
	).Scan(&exists); err != nil {
		return 0, fmt.Errorf("failed to check object: %w", err)
	}
	if !exists {
		return 0, ErrObjectNotFound
	}
	return 0, ErrDownloadRefused
}

// GetStats returns aggregate server statistics.
func (r *PostgresRepository) GetStats(ctx context.Context, now time.Time) (Stats, error) {
	var stats Stats
	err := r.db.Pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE download_count < max_downloads AND expires_at >= $1),
			COALESCE(SUM(download_count), 0),
			COALESCE(SUM(size_bytes), 0)
		FROM objects
	`, now).Scan(
		&stats.TotalObjects,
		&stats.ActiveObjects,
		&stats.TotalDownloads,
		&stats.StorageUsed,
	)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to get stats: %w", err)
	}
	return stats, nil
}

// Ping verifies the database connection is alive.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

// Close shuts down the connection pool.
func (r *PostgresRepository) Close() error {
	r.db.Close()
	return nil
}

func (r *PostgresRepository) query(ctx context.Context, what string, sql string, args ...any) ([]StoredObject, error) {
	rows, err := r.db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", what, err)
	}
	defer rows.Close()

	var objects []StoredObject
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", what, err)
		}
		objects = append(objects, obj)
	}
	return objects, rows.Err()
}

func scanObject(row pgx.Row) (StoredObject, error) {
	var (
		obj        StoredObject
		encrypted  bool
		key, nonce *string
	)
	err := row.Scan(
		&obj.ID,
		&obj.StorageName,
		&obj.OriginalName,
		&obj.SizeBytes,
		&obj.MimeType,
		&obj.MaxDownloads,
		&obj.DownloadCount,
		&obj.UploadedAt,
		&obj.ExpiresAt,
		&obj.Password,
		&encrypted,
		&key,
		&nonce,
	)
	if err != nil {
		return StoredObject{}, err
	}
	obj.UploadedAt = obj.UploadedAt.UTC()
	obj.ExpiresAt = obj.ExpiresAt.UTC()
	obj.Encryption = encryptionFromColumns(encrypted, key, nonce)
	return obj, nil
}
