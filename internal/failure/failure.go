// Package failure classifies transfer errors into the categories the engine
// acts on and attaches a human-readable reason to each.
package failure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/ChuLiYu/bucket-bridge/internal/storage"
)

// Category decides what happens to a job after a failure.
type Category string

const (
	Validation Category = "validation" // rejected at submission
	Transient  Category = "transient"  // retried while attempts remain
	Permanent  Category = "permanent"  // fails the job
	Invariant  Category = "invariant"  // internal defect, job force-failed
	Cancelled  Category = "cancelled"  // deliberate stop, not an error
)

// Cancellation causes set on a job's context.
var (
	ErrCancelledByUser = errors.New("cancelled by user")
	ErrStalled         = errors.New("no progress within inactivity timeout")
	ErrShutdown        = errors.New("engine shutting down")
)

// Error is a classified failure.
type Error struct {
	Category Category
	Op       string
	Reason   string
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(cat Category, op, reason string, err error) *Error {
	return &Error{Category: cat, Op: op, Reason: reason, Err: err}
}

// Classify maps err onto a category and reason. Errors that are already
// classified are returned unchanged. Unrecognized errors are transient so
// the attempt budget bounds them.
func Classify(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	cat, reason := categorize(err)
	return &Error{Category: cat, Op: op, Reason: reason, Err: err}
}

// CategoryOf returns the category of err, classifying it when needed.
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}
	return Classify("", err).Category
}

// Retryable reports whether err may succeed on another attempt.
func Retryable(err error) bool {
	return CategoryOf(err) == Transient
}

// ReasonOf returns the display reason of err.
func ReasonOf(err error) string {
	if err == nil {
		return ""
	}
	return Classify("", err).Reason
}

func categorize(err error) (Category, string) {
	switch {
	case errors.Is(err, ErrCancelledByUser):
		return Cancelled, "cancelled by user"
	case errors.Is(err, ErrShutdown):
		return Cancelled, "interrupted by shutdown"
	case errors.Is(err, ErrStalled):
		return Transient, "transfer stalled"
	case errors.Is(err, context.Canceled):
		return Cancelled, "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return Transient, "operation timed out"
	}

	switch {
	case errors.Is(err, storage.ErrNotFound):
		return Permanent, "object not found"
	case errors.Is(err, storage.ErrBucketNotFound):
		return Permanent, "bucket not found"
	case errors.Is(err, storage.ErrAccessDenied):
		return Permanent, "access denied"
	case errors.Is(err, storage.ErrInvalidCredentials):
		return Permanent, "invalid credentials"
	case errors.Is(err, storage.ErrQuotaExceeded):
		return Permanent, "storage quota exceeded"
	case errors.Is(err, storage.ErrUnknownAccount):
		return Permanent, "unknown account"
	case errors.Is(err, storage.ErrUnsupported):
		return Permanent, "operation not supported by backend"
	case errors.Is(err, storage.ErrBucketExists):
		return Permanent, "bucket already exists"
	case errors.Is(err, storage.ErrInvalidRange):
		return Transient, "remote object changed during transfer"
	case errors.Is(err, storage.ErrTransient):
		return Transient, "remote service unavailable"
	}

	switch {
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.EDQUOT):
		return Permanent, "no space left on device"
	case errors.Is(err, syscall.EROFS):
		return Permanent, "read-only file system"
	case errors.Is(err, syscall.EISDIR):
		return Permanent, "path is a directory"
	case errors.Is(err, os.ErrPermission):
		return Permanent, "permission denied"
	case errors.Is(err, os.ErrNotExist):
		return Permanent, "local file not found"
	case errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE):
		return Transient, "connection interrupted"
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Transient, "network timeout"
		}
		return Transient, "network error"
	}
	return Transient, "unexpected I/O error"
}
