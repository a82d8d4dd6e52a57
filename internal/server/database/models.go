package database

import "time"

// StoredObject is the metadata of one uploaded object. Values are treated as
// immutable snapshots; the download counter only changes through
// Repository.IncrementDownloadCount.
type StoredObject struct {
	ID            string
	StorageName   string
	OriginalName  string
	SizeBytes     int64
	MimeType      string
	MaxDownloads  int
	DownloadCount int
	UploadedAt    time.Time
	ExpiresAt     time.Time
	Password      *string     // nil when no password set
	Encryption    *Encryption // nil when the blob is stored in plaintext
}

// Encryption holds the base64-encoded key and nonce of an encrypted blob.
type Encryption struct {
	Key   string
	Nonce string
}

// Encrypted reports whether the blob was written through the cipher.
func (o StoredObject) Encrypted() bool {
	return o.Encryption != nil
}

// HasPassword reports whether downloads require a password.
func (o StoredObject) HasPassword() bool {
	return o.Password != nil && *o.Password != ""
}

// RemainingDownloads returns how many download slots are left.
func (o StoredObject) RemainingDownloads() int {
	if n := o.MaxDownloads - o.DownloadCount; n > 0 {
		return n
	}
	return 0
}

// Stats holds aggregate server statistics.
type Stats struct {
	TotalObjects   int64
	ActiveObjects  int64
	TotalDownloads int64
	StorageUsed    int64
}

// encryptionColumns splits an optional encryption into the column values used by
// both backends.
func (o StoredObject) encryptionColumns() (encrypted bool, key, nonce *string) {
	if o.Encryption == nil {
		return false, nil, nil
	}
	k, n := o.Encryption.Key, o.Encryption.Nonce
	return true, &k, &n
}

func encryptionFromColumns(encrypted bool, key, nonce *string) *Encryption {
	if !encrypted || key == nil || nonce == nil {
		return nil
	}
	return &Encryption{Key: *key, Nonce: *nonce}
}
