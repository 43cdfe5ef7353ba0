// ============================================================================
// Bucket-Bridge Job Source Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Decouples the worker pool from where jobs come from.
//
// A worker pulls an id with Dequeue, registers its cancellation handle, and
// only then calls Claim. Claim performs the Queued -> InProgress transition
// atomically in the job store, so a job cancelled while it waited in the
// queue is skipped without ever starting, and a cancel request that races
// with the claim always finds the handle.
//
// ============================================================================

package worker

import (
	"context"
	"errors"

	"github.com/ChuLiYu/bucket-bridge/pkg/types"
)

// ErrSourceClosed tells workers no more jobs will arrive.
var ErrSourceClosed = errors.New("job source closed")

// JobSource feeds jobs to the pool.
type JobSource interface {
	// Dequeue blocks until a job id is ready or ctx ends. It returns
	// ErrSourceClosed once the source is shut down.
	Dequeue(ctx context.Context) (types.JobID, error)

	// Claim moves the job to InProgress and returns its current record.
	// It fails when the job is no longer queued.
	Claim(id types.JobID) (types.Job, error)
}
