package service

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"dropzone/internal/server/cipher"
	"dropzone/internal/server/config"
	"dropzone/internal/server/database"
	"dropzone/internal/server/expiry"
	"dropzone/internal/server/metrics"
	"dropzone/internal/server/storage"
)

const (
	idLength       = 6
	maxIDAttempts  = 5
	defaultMIME    = "application/octet-stream"
	defaultName    = "upload"
	maxFilenameLen = 255
)

// UploadRequest describes one incoming object.
type UploadRequest struct {
	Filename string
	MimeType string
	// DeclaredSize is the size announced by the client; zero or negative
	// means unknown.
	DeclaredSize int64
	Data         io.Reader
	MaxDownloads int
	TTL          time.Duration
	Password     string
}

// Download is a granted retrieval. The download slot has already been
// charged; the caller must close Body.
type Download struct {
	Object database.StoredObject
	Body   io.ReadCloser
}

// ObjectStore contains the upload and retrieval logic for self-destructing
// objects.
type ObjectStore struct {
	repo        database.Repository
	blobs       storage.BlobStore
	policy      *EncryptionPolicy
	blocked     map[string]bool
	maxFileSize int64
	metrics     *metrics.Metrics
	now         func() time.Time
}

// NewObjectStore creates a new object store.
func NewObjectStore(repo database.Repository, blobs storage.BlobStore, cfg *config.Config) *ObjectStore {
	blocked := make(map[string]bool, len(cfg.BlockedExtensions))
	for _, ext := range cfg.BlockedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		blocked[ext] = true
	}

	return &ObjectStore{
		repo:        repo,
		blobs:       blobs,
		policy:      NewEncryptionPolicy(cfg.PlaintextMIMETypes),
		blocked:     blocked,
		maxFileSize: cfg.MaxFileSize,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetMetrics attaches Prometheus collectors. Without it nothing is recorded.
func (s *ObjectStore) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Store validates an upload, writes its blob (encrypted unless the policy
// exempts the content type) and persists the metadata. If anything fails
// after the blob write has begun, the blob is deleted before returning.
func (s *ObjectStore) Store(ctx context.Context, req UploadRequest) (database.StoredObject, error) {
	// 1. Validate limits and declared size
	if req.MaxDownloads < 1 || req.TTL <= 0 {
		return database.StoredObject{}, ErrInvalidLimits
	}
	if req.DeclaredSize > s.maxFileSize {
		return database.StoredObject{}, fmt.Errorf("%w: %d > %d bytes", ErrFileTooLarge, req.DeclaredSize, s.maxFileSize)
	}

	filename := sanitizeFilename(req.Filename)
	if ext := strings.ToLower(filepath.Ext(filename)); s.blocked[ext] {
		return database.StoredObject{}, fmt.Errorf("%w: %s", ErrBlockedFileType, ext)
	}

	mimeType := normalizeMediaType(req.MimeType)
	if mimeType == "" {
		mimeType = defaultMIME
	}

	// 2. Reject empty streams before touching storage
	if req.Data == nil {
		return database.StoredObject{}, ErrEmptyFile
	}
	br := bufio.NewReader(req.Data)
	if _, err := br.Peek(1); err != nil {
		if errors.Is(err, io.EOF) {
			return database.StoredObject{}, ErrEmptyFile
		}
		return database.StoredObject{}, storageError("read upload", err)
	}

	// 3. Stream the blob, encrypting per policy. One byte past the limit is
	//    read so that oversize streams are detected.
	counter := &countingReader{r: io.LimitReader(br, s.maxFileSize+1)}
	var (
		body       io.Reader = counter
		encryption *database.Encryption
	)
	if s.policy.ShouldEncrypt(mimeType) {
		ciphertext, params, err := cipher.EncryptStream(counter)
		if err != nil {
			return database.StoredObject{}, storageError("init cipher", err)
		}
		body = ciphertext
		encryption = &database.Encryption{Key: params.EncodedKey(), Nonce: params.EncodedNonce()}
	}

	storageName := uuid.NewString()
	if _, err := s.blobs.Put(ctx, storageName, body); err != nil {
		s.discardBlob(storageName)
		return database.StoredObject{}, storageError("write blob", err)
	}

	size := counter.n
	if size > s.maxFileSize {
		s.discardBlob(storageName)
		return database.StoredObject{}, fmt.Errorf("%w: more than %d bytes", ErrFileTooLarge, s.maxFileSize)
	}
	if req.DeclaredSize > 0 && size != req.DeclaredSize {
		s.discardBlob(storageName)
		return database.StoredObject{}, fmt.Errorf("%w: declared %d, received %d", ErrSizeMismatch, req.DeclaredSize, size)
	}

	// 4. Persist metadata under a fresh public id
	uploadedAt := s.now().UTC().Truncate(time.Millisecond)
	expiresAt := uploadedAt.Add(req.TTL).Truncate(time.Millisecond)
	if !expiresAt.After(uploadedAt) {
		expiresAt = uploadedAt.Add(time.Millisecond)
	}

	var password *string
	if req.Password != "" {
		p := req.Password
		password = &p
	}

	obj := database.StoredObject{
		StorageName:  storageName,
		OriginalName: filename,
		SizeBytes:    size,
		MimeType:     mimeType,
		MaxDownloads: req.MaxDownloads,
		UploadedAt:   uploadedAt,
		ExpiresAt:    expiresAt,
		Password:     password,
		Encryption:   encryption,
	}

	for attempt := 1; attempt <= maxIDAttempts; attempt++ {
		id, err := generateSecureToken(idLength)
		if err != nil {
			s.discardBlob(storageName)
			return database.StoredObject{}, storageError("generate id", err)
		}
		obj.ID = id

		err = s.repo.Create(ctx, obj)
		if err == nil {
			slog.Info("object stored",
				"object_id", obj.ID,
				"storage_name", storageName,
				"size_bytes", size,
				"mime_type", mimeType,
				"encrypted", obj.Encrypted(),
				"max_downloads", obj.MaxDownloads,
				"expires_at", obj.ExpiresAt,
			)
			s.metrics.ObserveUpload(size, obj.Encrypted())
			return obj, nil
		}
		if !errors.Is(err, database.ErrDuplicateID) {
			s.discardBlob(storageName)
			return database.StoredObject{}, storageError("create record", err)
		}
		slog.Warn("object id collision, regenerating", "object_id", id, "attempt", attempt)
	}

	s.discardBlob(storageName)
	return database.StoredObject{}, fmt.Errorf("%w: no unique id after %d attempts", ErrStorage, maxIDAttempts)
}

// Retrieve grants one download. Checks run in a fixed order: existence,
// expiry, password, then blob decryption. The download slot is charged
// before the body is returned, so an aborted read still consumes it.
func (s *ObjectStore) Retrieve(ctx context.Context, id, password string) (*Download, error) {
	dl, err := s.retrieve(ctx, id, password)
	s.metrics.ObserveDownload(downloadOutcome(err))
	return dl, err
}

func (s *ObjectStore) retrieve(ctx context.Context, id, password string) (*Download, error) {
	obj, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkAccess(obj, password); err != nil {
		return nil, err
	}

	rc, err := s.blobs.Get(ctx, obj.StorageName)
	if err != nil {
		if errors.Is(err, storage.ErrBlobNotFound) {
			// Already reclaimed; drop the dangling record.
			if err := s.repo.Delete(ctx, obj.ID); err != nil && !errors.Is(err, database.ErrObjectNotFound) {
				slog.Error("failed to delete dangling record", "object_id", obj.ID, "error", err)
			}
			slog.Warn("blob missing for live record",
				"object_id", obj.ID,
				"storage_name", obj.StorageName,
			)
			return nil, ErrNotFound
		}
		return nil, storageError("open blob", err)
	}

	var body io.Reader = rc
	if obj.Encryption != nil {
		params, err := cipher.ParseParams(obj.Encryption.Key, obj.Encryption.Nonce)
		if err != nil {
			rc.Close()
			return nil, storageError("decode key material", err)
		}
		// Authenticates the first chunk, so a wrong key or tampered header
		// fails here without consuming a slot.
		body, err = cipher.NewDecryptReader(rc, params)
		if err != nil {
			rc.Close()
			if errors.Is(err, cipher.ErrIntegrity) {
				slog.Error("blob failed authentication", "object_id", obj.ID, "error", err)
				return nil, err
			}
			return nil, storageError("read blob", err)
		}
	}

	count, err := s.RecordDownload(ctx, obj.ID)
	if err != nil {
		rc.Close()
		return nil, err
	}
	obj.DownloadCount = count

	slog.Info("download granted",
		"object_id", obj.ID,
		"download_count", count,
		"max_downloads", obj.MaxDownloads,
	)

	return &Download{
		Object: obj,
		Body:   readCloser{Reader: body, Closer: rc},
	}, nil
}

// RecordDownload atomically consumes one download slot and returns the new
// count. It fails with ErrExpired when no slot is left or the object is past
// its expiry time.
func (s *ObjectStore) RecordDownload(ctx context.Context, id string) (int, error) {
	count, err := s.repo.IncrementDownloadCount(ctx, id, s.now())
	switch {
	case err == nil:
		return count, nil
	case errors.Is(err, database.ErrDownloadRefused):
		return 0, ErrExpired
	case errors.Is(err, database.ErrObjectNotFound):
		return 0, ErrNotFound
	default:
		return 0, storageError("record download", err)
	}
}

// VerifyAccess runs the expiry and password checks of Retrieve without
// consuming a download slot.
func (s *ObjectStore) VerifyAccess(ctx context.Context, id, password string) (database.StoredObject, error) {
	obj, err := s.lookup(ctx, id)
	if err != nil {
		return database.StoredObject{}, err
	}
	if err := s.checkAccess(obj, password); err != nil {
		return database.StoredObject{}, err
	}
	return obj, nil
}

// GetMetadata returns an object's metadata, expired or not.
func (s *ObjectStore) GetMetadata(ctx context.Context, id string) (database.StoredObject, error) {
	obj, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrObjectNotFound) {
			return database.StoredObject{}, ErrNotFound
		}
		return database.StoredObject{}, storageError("get object", err)
	}
	return obj, nil
}

// ListObjects returns every stored object, expired ones included.
func (s *ObjectStore) ListObjects(ctx context.Context) ([]database.StoredObject, error) {
	objects, err := s.repo.ListAll(ctx)
	if err != nil {
		return nil, storageError("list objects", err)
	}
	return objects, nil
}

// GetStats returns aggregate server statistics.
func (s *ObjectStore) GetStats(ctx context.Context) (database.Stats, error) {
	stats, err := s.repo.GetStats(ctx, s.now())
	if err != nil {
		return database.Stats{}, storageError("get stats", err)
	}
	return stats, nil
}

// Verdict evaluates the object's lifecycle state at the current time.
func (s *ObjectStore) Verdict(obj database.StoredObject) expiry.Verdict {
	return expiry.Evaluate(obj, s.now())
}

func (s *ObjectStore) lookup(ctx context.Context, id string) (database.StoredObject, error) {
	obj, err := s.GetMetadata(ctx, id)
	if err != nil {
		return database.StoredObject{}, err
	}
	if verdict := expiry.Evaluate(obj, s.now()); verdict.Expired() {
		return database.StoredObject{}, fmt.Errorf("%w: %s", ErrExpired, verdict)
	}
	return obj, nil
}

// checkAccess compares passwords verbatim in constant time.
func (s *ObjectStore) checkAccess(obj database.StoredObject, password string) error {
	if !obj.HasPassword() {
		return nil
	}
	if password == "" {
		return ErrPasswordRequired
	}
	if subtle.ConstantTimeCompare([]byte(*obj.Password), []byte(password)) != 1 {
		return ErrInvalidPassword
	}
	return nil
}

// discardBlob removes a blob written by a failed upload. It runs detached
// from the request context so a cancelled upload still cleans up.
func (s *ObjectStore) discardBlob(storageName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.blobs.Delete(ctx, storageName); err != nil {
		slog.Error("failed to discard partial blob", "storage_name", storageName, "error", err)
	}
}

// --- Helpers ---

func downloadOutcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeGranted
	case errors.Is(err, ErrNotFound):
		return metrics.OutcomeNotFound
	case errors.Is(err, ErrExpired):
		return metrics.OutcomeExpired
	case errors.Is(err, ErrAuth):
		return metrics.OutcomeUnauthorized
	case errors.Is(err, ErrIntegrity):
		return metrics.OutcomeIntegrity
	default:
		return metrics.OutcomeError
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type readCloser struct {
	io.Reader
	io.Closer
}

// generateSecureToken produces a cryptographically secure, URL-safe random string.
func generateSecureToken(length int) (string, error) {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	result := make([]byte, length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", fmt.Errorf("crypto/rand failure: %w", err)
		}
		result[i] = charset[n.Int64()]
	}
	return string(result), nil
}

// sanitizeFilename strips directory components and limits length.
func sanitizeFilename(name string) string {
	// Normalize Windows-style backslashes to forward slashes before
	// calling filepath.Base, which is platform-specific.
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)

	if len(name) > maxFilenameLen {
		ext := filepath.Ext(name)
		if len(ext) > 32 {
			ext = ""
		}
		cut := maxFilenameLen - len(ext)
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = name[:cut] + ext
	}

	if name == "" || name == "." || name == ".." || name == "/" {
		name = defaultName
	}

	return name
}
