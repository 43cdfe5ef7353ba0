package wal

import (
	"errors"
	"fmt"
)

var (
	ErrCorruptedWAL     = errors.New("wal: unreadable record")
	ErrChecksumMismatch = errors.New("wal: record checksum does not match")
	ErrEmptyWAL         = errors.New("wal: no records")
	ErrWALClosed        = errors.New("wal: journal closed")
	// ErrSyncFailed means a record may not be durable. Callers treat it
	// like a failed append.
	ErrSyncFailed = errors.New("wal: fsync failed")
)

// ChecksumError reports the record whose stored CRC disagrees with its
// content.
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("wal: record %d has checksum 0x%08x, computed 0x%08x", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error { return ErrChecksumMismatch }

// CorruptionError marks where replay stopped. Seq is the last record that
// was applied; Offset is where the bad one starts and where the file is
// truncated on open.
type CorruptionError struct {
	Seq    uint64
	Offset int64
	Cause  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal: bad record at byte %d (last good seq %d): %v", e.Offset, e.Seq, e.Cause)
}

func (e *CorruptionError) Unwrap() []error {
	return []error{ErrCorruptedWAL, e.Cause}
}
