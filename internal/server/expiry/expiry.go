// Package expiry decides whether a stored object is still downloadable.
package expiry

import (
	"time"

	"dropzone/internal/server/database"
)

// Verdict is the lifecycle state of an object at a point in time.
type Verdict int

const (
	Active Verdict = iota
	ExpiredByCount
	ExpiredByTime
)

func (v Verdict) String() string {
	switch v {
	case Active:
		return "active"
	case ExpiredByCount:
		return "expired_by_count"
	case ExpiredByTime:
		return "expired_by_time"
	default:
		return "unknown"
	}
}

// Expired reports whether the verdict forbids further downloads.
func (v Verdict) Expired() bool {
	return v != Active
}

// Evaluate computes the verdict for obj at now. The download count is
// checked before the expiry time, so an object that is both exhausted and
// past its TTL is reported as ExpiredByCount.
func Evaluate(obj database.StoredObject, now time.Time) Verdict {
	if obj.DownloadCount >= obj.MaxDownloads {
		return ExpiredByCount
	}
	if now.After(obj.ExpiresAt) {
		return ExpiredByTime
	}
	return Active
}
