package service

import (
	"errors"
	"fmt"

	"dropzone/internal/server/cipher"
)

// Sentinel errors for the service layer. The specific errors wrap their
// category, so callers can match either with errors.Is.
var (
	ErrValidation      = errors.New("invalid upload")
	ErrEmptyFile       = fmt.Errorf("%w: file is empty", ErrValidation)
	ErrFileTooLarge    = fmt.Errorf("%w: file exceeds maximum allowed size", ErrValidation)
	ErrInvalidLimits   = fmt.Errorf("%w: max downloads must be at least 1 and ttl must be positive", ErrValidation)
	ErrBlockedFileType = fmt.Errorf("%w: file type not allowed", ErrValidation)
	ErrSizeMismatch    = fmt.Errorf("%w: received size does not match declared size", ErrValidation)

	ErrNotFound = errors.New("object not found")
	ErrExpired  = errors.New("object has expired")

	ErrAuth             = errors.New("access denied")
	ErrPasswordRequired = fmt.Errorf("%w: password required", ErrAuth)
	ErrInvalidPassword  = fmt.Errorf("%w: invalid password", ErrAuth)

	ErrIntegrity = cipher.ErrIntegrity
	ErrStorage   = errors.New("storage failure")
)

func storageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
