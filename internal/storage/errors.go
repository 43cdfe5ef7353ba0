package storage

import (
	"errors"
	"fmt"
)

// Sentinel errors every backend translates its native failures into.
// Use errors.Is to test for them.
var (
	ErrNotFound           = errors.New("object not found")
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrAccessDenied       = errors.New("access denied")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrQuotaExceeded      = errors.New("quota exceeded")
	ErrTransient          = errors.New("transient remote failure")
	ErrBucketExists       = errors.New("bucket already exists")
	ErrInvalidRange       = errors.New("invalid range")
	ErrUnsupported        = errors.New("operation not supported by backend")
	ErrUnknownAccount     = errors.New("unknown account")
)

// Error is a storage operation failure with the object it concerned.
// Kind is one of the sentinels above, or nil when the backend could not
// categorize the cause.
type Error struct {
	Op     string
	Bucket string
	Key    string
	Kind   error
	Err    error
}

func (e *Error) Error() string {
	target := e.Bucket
	if e.Key != "" {
		target += "/" + e.Key
	}
	switch {
	case e.Kind != nil && e.Err != nil:
		return fmt.Sprintf("%s %s: %v: %v", e.Op, target, e.Kind, e.Err)
	case e.Kind != nil:
		return fmt.Sprintf("%s %s: %v", e.Op, target, e.Kind)
	default:
		return fmt.Sprintf("%s %s: %v", e.Op, target, e.Err)
	}
}

// Unwrap exposes both the category and the raw cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// NewError builds an Error for an object operation.
func NewError(op, bucket, key string, kind, err error) *Error {
	return &Error{Op: op, Bucket: bucket, Key: key, Kind: kind, Err: err}
}
