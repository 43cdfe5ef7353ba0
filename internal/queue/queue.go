// ============================================================================
// Bucket-Bridge Dispatch Queue - bounded FIFO between admission and workers
// ============================================================================
//
// Package: internal/queue
// File: queue.go
//
// Contract:
//   - Enqueue blocks while Len() == Cap(); this is the admission backpressure.
//   - Dequeue blocks while the queue is empty.
//   - FIFO by enqueue time, no reordering.
//   - Remove drops a job that is still waiting (cancel while queued).
//   - Requeue appends without waiting for space. It is reserved for automatic
//     retries of a job a worker just released, so Len() never exceeds
//     Cap() + number of workers and the retry path cannot deadlock against
//     a full queue.
//
// Waiters are woken through a broadcast channel that is closed and replaced
// on every mutation, so both sides can also select on ctx.Done().
//
// ============================================================================

package queue

import (
	"container/list"
	"context"
	"errors"
	"sync"

	"github.com/ChuLiYu/bucket-bridge/pkg/types"
)

var (
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("dispatch queue closed")
	// ErrQueued is returned when the job is already waiting in the queue.
	ErrQueued = errors.New("job already queued")
)

// Queue is a bounded FIFO of job ids.
type Queue struct {
	mu       sync.Mutex
	capacity int
	items    *list.List
	index    map[types.JobID]*list.Element
	changed  chan struct{}
	closed   bool
}

// New returns a queue holding at most capacity jobs. Capacity below one is
// raised to one.
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		capacity: capacity,
		items:    list.New(),
		index:    make(map[types.JobID]*list.Element),
		changed:  make(chan struct{}),
	}
}

// Enqueue appends id, blocking while the queue is full.
func (q *Queue) Enqueue(ctx context.Context, id types.JobID) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if _, dup := q.index[id]; dup {
			q.mu.Unlock()
			return ErrQueued
		}
		if q.items.Len() < q.capacity {
			q.pushLocked(id)
			q.mu.Unlock()
			return nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Requeue appends id without waiting for capacity.
func (q *Queue) Requeue(id types.JobID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if _, dup := q.index[id]; dup {
		return ErrQueued
	}
	q.pushLocked(id)
	return nil
}

// Dequeue removes and returns the oldest id, blocking while empty.
func (q *Queue) Dequeue(ctx context.Context) (types.JobID, error) {
	for {
		q.mu.Lock()
		if front := q.items.Front(); front != nil {
			id := q.items.Remove(front).(types.JobID)
			delete(q.index, id)
			q.broadcastLocked()
			q.mu.Unlock()
			return id, nil
		}
		if q.closed {
			q.mu.Unlock()
			return "", ErrClosed
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Remove drops id if it is still waiting and reports whether it was.
func (q *Queue) Remove(id types.JobID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	el, ok := q.index[id]
	if !ok {
		return false
	}
	q.items.Remove(el)
	delete(q.index, id)
	q.broadcastLocked()
	return true
}

// Contains reports whether id is waiting in the queue.
func (q *Queue) Contains(id types.JobID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[id]
	return ok
}

// Len returns the number of waiting jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Cap returns the admission capacity.
func (q *Queue) Cap() int { return q.capacity }

// Close wakes every waiter. Blocked and future Enqueue calls fail with
// ErrClosed; Dequeue keeps draining what is left, then fails with ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked()
}

// Drain empties the queue and returns the ids in order.
func (q *Queue) Drain() []types.JobID {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]types.JobID, 0, q.items.Len())
	for el := q.items.Front(); el != nil; el = el.Next() {
		ids = append(ids, el.Value.(types.JobID))
	}
	q.items.Init()
	q.index = make(map[types.JobID]*list.Element)
	q.broadcastLocked()
	return ids
}

func (q *Queue) pushLocked(id types.JobID) {
	q.index[id] = q.items.PushBack(id)
	q.broadcastLocked()
}

func (q *Queue) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}
