package worker

import (
	"context"
	"io"
	"time"

	"github.com/ChuLiYu/bucket-bridge/internal/failure"
	"github.com/ChuLiYu/bucket-bridge/pkg/types"
)

// reporter turns byte counts of one attempt into events. Progress is sent
// without blocking; when the aggregator is behind, the value is folded into
// the next event.
type reporter struct {
	id      types.JobID
	attempt int
	events  chan<- Event
	total   int64

	transferred int64 // high-water mark of the attempt
	sent        int64 // value carried by the last delivered progress event
	touch       func()
}

func newReporter(job types.Job, events chan<- Event, start int64) *reporter {
	return &reporter{
		id:          job.ID,
		attempt:     job.Attempt,
		events:      events,
		total:       job.TotalBytes,
		transferred: start,
		sent:        start,
		touch:       func() {},
	}
}

func (r *reporter) event(kind EventKind) Event {
	return Event{
		Kind:        kind,
		JobID:       r.id,
		Attempt:     r.attempt,
		Transferred: r.transferred,
		Total:       r.total,
		At:          time.Now(),
	}
}

// size records a discovered total. It blocks so the store reconciles the
// total before any later progress is applied.
func (r *reporter) size(total int64) {
	if total == r.total {
		return
	}
	r.total = total
	r.events <- r.event(EventSize)
}

// advance records that abs bytes of the attempt are done. Any call counts
// as activity, including a re-send below the high-water mark.
func (r *reporter) advance(abs int64) {
	r.touch()
	if abs <= r.transferred {
		return
	}
	r.transferred = abs

	ev := r.event(EventProgress)
	ev.Delta = r.transferred - r.sent
	select {
	case r.events <- ev:
		r.sent = r.transferred
	default:
	}
}

// resume publishes a new multipart token. A nil token discards the upload.
func (r *reporter) resume(token *types.ResumeToken) {
	ev := r.event(EventResume)
	ev.Resume = token.Clone()
	r.events <- ev
}

// finish sends the terminal event.
func (r *reporter) finish(kind EventKind, err *failure.Error, elapsed time.Duration) {
	ev := r.event(kind)
	ev.Delta = r.transferred - r.sent
	ev.Err = err
	ev.Elapsed = elapsed
	r.events <- ev
}

// watchdog cancels ctx with failure.ErrStalled when touch is not called
// within timeout.
func watchdog(cancel context.CancelCauseFunc, timeout time.Duration) (touch, stop func()) {
	if timeout <= 0 {
		return func() {}, func() {}
	}
	t := time.AfterFunc(timeout, func() { cancel(failure.ErrStalled) })
	return func() { t.Reset(timeout) }, func() { t.Stop() }
}

// trackingReader reports base + its read position. Position rather than a
// running sum keeps the count right when the HTTP client seeks back and
// re-sends a body.
type trackingReader struct {
	r      io.ReadSeeker
	base   int64
	pos    int64
	report func(abs int64)
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	t.pos += int64(n)
	if n > 0 {
		t.report(t.base + t.pos)
	}
	return n, err
}

func (t *trackingReader) Seek(offset int64, whence int) (int64, error) {
	pos, err := t.r.Seek(offset, whence)
	if err == nil {
		t.pos = pos
	}
	return pos, err
}
