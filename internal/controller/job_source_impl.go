package controller

import (
	"context"
	"errors"

	"github.com/ChuLiYu/bucket-bridge/internal/queue"
	"github.com/ChuLiYu/bucket-bridge/internal/worker"
	"github.com/ChuLiYu/bucket-bridge/pkg/types"
)

// ============================================================================
// worker.JobSource implementation
// ============================================================================

// jobSource feeds the worker pool from the dispatch queue. Claiming goes
// through the job store so a job cancelled between dequeue and claim is
// never started.
type jobSource struct {
	c *Controller
}

// Dequeue implements worker.JobSource.Dequeue
func (s *jobSource) Dequeue(ctx context.Context) (types.JobID, error) {
	id, err := s.c.queue.Dequeue(ctx)
	if errors.Is(err, queue.ErrClosed) {
		return "", worker.ErrSourceClosed
	}
	return id, err
}

// Claim implements worker.JobSource.Claim
func (s *jobSource) Claim(id types.JobID) (types.Job, error) {
	job, err := s.c.store.Claim(id)
	if err != nil {
		return job, err
	}
	s.c.agg.Touch(id)
	s.c.metrics.RecordStarted(job.Direction)
	return job, nil
}
