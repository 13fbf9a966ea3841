// Package store defines the error taxonomy shared by the store client
// adapters and the sync engine. Callers branch on retryability with
// errors.As rather than inspecting driver errors directly.
package store

import (
	"context"
	"errors"
	"fmt"
	"net"

	"gorm.io/gorm"
)

// TransientError wraps a retryable store failure (network blip, timeout).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("store: %s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps a non-retryable store failure (permission denied,
// validation, missing row). It is surfaced to the caller, never retried.
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("store: %s: permanent: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// UploadError is attachment-specific. A failed upload degrades the send to
// text-only instead of aborting it.
type UploadError struct {
	Path string
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("storage: upload %s: %v", e.Path, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

func IsUpload(err error) bool {
	var ue *UploadError
	return errors.As(err, &ue)
}

// Classify maps a raw repository error into the taxonomy. Unknown errors are
// treated as transient so the write path errs on the side of retrying;
// idempotency keys make the retry safe.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound),
		errors.Is(err, gorm.ErrInvalidData),
		errors.Is(err, gorm.ErrInvalidValue),
		errors.Is(err, gorm.ErrDuplicatedKey),
		errors.Is(err, gorm.ErrForeignKeyViolated),
		errors.Is(err, context.Canceled):
		return &PermanentError{Op: op, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &TransientError{Op: op, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &TransientError{Op: op, Err: err}
	}
	return &TransientError{Op: op, Err: err}
}
