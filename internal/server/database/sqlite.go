package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// objectRow is the gorm model of the objects table. Timestamps are stored as
// Unix milliseconds so that range queries compare numbers, not strings.
type objectRow struct {
	ID            string `gorm:"primaryKey;size:16"`
	StorageName   string `gorm:"uniqueIndex;not null"`
	OriginalName  string `gorm:"not null"`
	SizeBytes     int64  `gorm:"not null"`
	MimeType      string `gorm:"not null"`
	MaxDownloads  int    `gorm:"not null"`
	DownloadCount int    `gorm:"not null"`
	UploadedAt    int64  `gorm:"not null"`
	ExpiresAt     int64  `gorm:"index;not null"`
	Password      *string
	Encrypted     bool `gorm:"not null"`
	EncryptionKey *string
	Nonce         *string
}

func (objectRow) TableName() string {
	return "objects"
}

func rowFromObject(obj StoredObject) objectRow {
	encrypted, key, nonce := obj.encryptionColumns()
	return objectRow{
		ID:            obj.ID,
		StorageName:   obj.StorageName,
		OriginalName:  obj.OriginalName,
		SizeBytes:     obj.SizeBytes,
		MimeType:      obj.MimeType,
		MaxDownloads:  obj.MaxDownloads,
		DownloadCount: obj.DownloadCount,
		UploadedAt:    obj.UploadedAt.UnixMilli(),
		ExpiresAt:     obj.ExpiresAt.UnixMilli(),
		Password:      obj.Password,
		Encrypted:     encrypted,
		EncryptionKey: key,
		Nonce:         nonce,
	}
}

func (r objectRow) toObject() StoredObject {
	return StoredObject{
		ID:            r.ID,
		StorageName:   r.StorageName,
		OriginalName:  r.OriginalName,
		SizeBytes:     r.SizeBytes,
		MimeType:      r.MimeType,
		MaxDownloads:  r.MaxDownloads,
		DownloadCount: r.DownloadCount,
		UploadedAt:    time.UnixMilli(r.UploadedAt).UTC(),
		ExpiresAt:     time.UnixMilli(r.ExpiresAt).UTC(),
		Password:      r.Password,
		Encryption:    encryptionFromColumns(r.Encrypted, r.EncryptionKey, r.Nonce),
	}
}

func toObjects(rows []objectRow) []StoredObject {
	objects := make([]StoredObject, 0, len(rows))
	for _, row := range rows {
		objects = append(objects, row.toObject())
	}
	return objects
}

// SQLiteRepository stores object metadata in SQLite through gorm.
type SQLiteRepository struct {
	db *gorm.DB
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository opens (or creates) the SQLite database at path and
// migrates the schema. Use ":memory:" for a throwaway database.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	// SQLite allows a single writer; one connection also keeps a
	// ":memory:" database alive and shared.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&objectRow{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate sqlite database: %w", err)
	}

	slog.Info("connected to database", "driver", "sqlite", "path", path)
	return &SQLiteRepository{db: db}, nil
}

// Create inserts a new object record.
func (r *SQLiteRepository) Create(ctx context.Context, obj StoredObject) error {
	row := rowFromObject(obj)
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&row)
	if err := result.Error; err != nil {
		return fmt.Errorf("failed to create object: %w", err)
	}
	if result.RowsAffected == 0 {
		return ErrDuplicateID
	}
	return nil
}

// GetByID retrieves an object by its ID.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (StoredObject, error) {
	var row objectRow
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return StoredObject{}, ErrObjectNotFound
		}
		return StoredObject{}, fmt.Errorf("failed to get object: %w", err)
	}
	return row.toObject(), nil
}

// ListExpiredBefore returns all objects whose expiration time has passed.
func (r *SQLiteRepository) ListExpiredBefore(ctx context.Context, now time.Time) ([]StoredObject, error) {
	var rows []objectRow
	if err := r.db.WithContext(ctx).Where("expires_at < ?", now.UnixMilli()).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query expired objects: %w", err)
	}
	return toObjects(rows), nil
}

// ListDownloadLimitReached returns all objects with no download slots left.
func (r *SQLiteRepository) ListDownloadLimitReached(ctx context.Context) ([]StoredObject, error) {
	var rows []objectRow
	if err := r.db.WithContext(ctx).Where("download_count >= max_downloads").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query exhausted objects: %w", err)
	}
	return toObjects(rows), nil
}

// ListAll returns every object, newest first.
func (r *SQLiteRepository) ListAll(ctx context.Context) ([]StoredObject, error) {
	var rows []objectRow
	if err := r.db.WithContext(ctx).Order("uploaded_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query objects: %w", err)
	}
	return toObjects(rows), nil
}

// StorageNameExists reports whether a record references the given blob.
func (r *SQLiteRepository) StorageNameExists(ctx context.Context, storageName string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&objectRow{}).
		Where("storage_name = ?", storageName).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check storage name: %w", err)
	}
	return count > 0, nil
}

// Delete removes an object record by ID.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Delete(&objectRow{}, "id = ?", id)
	if err := result.Error; err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	if result.RowsAffected == 0 {
		return ErrObjectNotFound
	}
	return nil
}

// IncrementDownloadCount consumes one download slot. The conditional update
// and the read-back of the new count run in one transaction.
func (r *SQLiteRepository) IncrementDownloadCount(ctx context.Context, id string, now time.Time) (int, error) {
	var count int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&objectRow{}).
			Where("id = ? AND download_count < max_downloads AND expires_at >= ?", id, now.UnixMilli()).
			UpdateColumn("download_count", gorm.Expr("download_count + 1"))
		if result.Error != nil {
			return result.Error
		}

		var row objectRow
		if err := tx.Select("download_count").First(&row, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrObjectNotFound
			}
			return err
		}
		if result.RowsAffected == 0 {
			return ErrDownloadRefused
		}
		count = row.DownloadCount
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) || errors.Is(err, ErrDownloadRefused) {
			return 0, err
		}
		return 0, fmt.Errorf("failed to increment download count: %w", err)
	}
	return count, nil
}

// GetStats returns aggregate server statistics.
func (r *SQLiteRepository) GetStats(ctx context.Context, now time.Time) (Stats, error) {
	var stats Stats
	err := r.db.WithContext(ctx).Model(&objectRow{}).
		Select(`COUNT(*) AS total_objects,
			COALESCE(SUM(CASE WHEN download_count < max_downloads AND expires_at >= ? THEN 1 ELSE 0 END), 0) AS active_objects,
			COALESCE(SUM(download_count), 0) AS total_downloads,
			COALESCE(SUM(size_bytes), 0) AS storage_used`, now.UnixMilli()).
		Scan(&stats).Error
	if err != nil {
		return Stats{}, fmt.Errorf("failed to get stats: %w", err)
	}
	return stats, nil
}

// Ping verifies the database is reachable.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection.
func (r *SQLiteRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
