// ============================================================================
// Bucket-Bridge Progress Aggregator
// ============================================================================
//
// Package: internal/aggregator
// File: aggregator.go
//
// The aggregator is the single consumer of worker events. It is the only
// place where a running job's outcome turns into a state transition:
//
//   worker events ──> Run loop ──> job store (progress, transitions)
//                         │──────> journal (WAL)
//                         │──────> dispatch queue (automatic retries)
//                         └──────> metrics
//
//   every ProgressInterval: dirty jobs ──> Update ──> subscribers
//
// Retry policy: every failed attempt increments Attempt. A transient failure
// with Attempt < MaxAttempts goes back to Queued and is requeued; anything
// else ends in Failed. A job the user asked to cancel is never requeued.
//
// ============================================================================

package aggregator

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/bucket-bridge/internal/failure"
	"github.com/ChuLiYu/bucket-bridge/internal/jobmanager"
	"github.com/ChuLiYu/bucket-bridge/internal/metrics"
	"github.com/ChuLiYu/bucket-bridge/internal/storage/wal"
	"github.com/ChuLiYu/bucket-bridge/internal/worker"
	"github.com/ChuLiYu/bucket-bridge/pkg/types"
)

var log = slog.Default()

// Journal records job mutations durably.
type Journal interface {
	Append(eventType wal.EventType, job types.Job, forceFlush bool) error
}

// Requeuer puts a job back on the dispatch queue without waiting for space.
type Requeuer interface {
	Requeue(id types.JobID) error
	Len() int
}

// Config tunes the aggregator.
type Config struct {
	MaxAttempts      int
	ProgressInterval time.Duration
	ThroughputWindow time.Duration
	// ProgressJournalBytes is how far a download advances between PROGRESS
	// journal records.
	ProgressJournalBytes int64
	// Discard removes what a job cancelled after a failed attempt left
	// behind (partial file, open multipart upload).
	Discard func(job types.Job)
}

const (
	DefaultMaxAttempts          = 3
	DefaultProgressInterval     = 200 * time.Millisecond
	DefaultThroughputWindow     = 5 * time.Second
	DefaultProgressJournalBytes = 10 << 20
)

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = DefaultProgressInterval
	}
	if c.ThroughputWindow <= 0 {
		c.ThroughputWindow = DefaultThroughputWindow
	}
	if c.ProgressJournalBytes <= 0 {
		c.ProgressJournalBytes = DefaultProgressJournalBytes
	}
	return c
}

// Aggregator turns worker events into job state and observer updates.
type Aggregator struct {
	cfg     Config
	store   *jobmanager.JobManager
	journal Journal
	queue   Requeuer
	metrics *metrics.Collector
	events  <-chan worker.Event
	now     func() time.Time

	journaled map[types.JobID]int64 // owned by Run

	// cmu also covers the retry transition in fail, so a request is either
	// seen there or recorded after the job is back in Queued.
	cmu     sync.Mutex
	cancels map[types.JobID]struct{}

	wmu   sync.Mutex
	rates map[types.JobID]*window
	total *window

	mu        sync.Mutex
	dirty     map[types.JobID]struct{}
	removed   []types.JobID
	lastStats types.Stats
	subs      map[*subscriber]struct{}
	stopped   bool
}

// New builds an aggregator reading from events.
func New(cfg Config, store *jobmanager.JobManager, journal Journal, queue Requeuer, m *metrics.Collector, events <-chan worker.Event) *Aggregator {
	return &Aggregator{
		cfg:       cfg.withDefaults(),
		store:     store,
		journal:   journal,
		queue:     queue,
		metrics:   m,
		events:    events,
		now:       time.Now,
		rates:     make(map[types.JobID]*window),
		total:     newWindow(cfg.withDefaults().ThroughputWindow, time.Now()),
		journaled: make(map[types.JobID]int64),
		cancels:   make(map[types.JobID]struct{}),
		dirty:     make(map[types.JobID]struct{}),
		subs:      make(map[*subscriber]struct{}),
	}
}

// Run consumes events until the channel is closed or ctx ends. Pending
// observer updates are flushed before it returns.
func (a *Aggregator) Run(ctx context.Context) error {
	a.wmu.Lock()
	a.total = newWindow(a.cfg.ThroughputWindow, a.now())
	a.wmu.Unlock()
	ticker := time.NewTicker(a.cfg.ProgressInterval)
	defer ticker.Stop()
	defer a.stop()

	for {
		select {
		case ev, ok := <-a.events:
			if !ok {
				a.flush()
				return nil
			}
			a.handle(ev)
		case <-ticker.C:
			a.flush()
		case <-ctx.Done():
			a.flush()
			return nil
		}
	}
}

// Subscribe returns a stream of consolidated updates. The first update is
// Full and lists every known job. The stream closes when cancel is called
// or the aggregator stops.
func (a *Aggregator) Subscribe() (<-chan types.Update, func()) {
	s := newSubscriber()

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		s.close()
		return s.out, func() {}
	}
	a.subs[s] = struct{}{}
	a.mu.Unlock()

	now := a.now()
	full := types.Update{Full: true, At: now, Stats: a.stats(now)}
	for _, job := range a.store.Snapshot() {
		full.Jobs = append(full.Jobs, a.jobUpdate(job, now))
	}
	s.push(full)

	return s.out, func() {
		a.mu.Lock()
		delete(a.subs, s)
		a.mu.Unlock()
		s.close()
	}
}

// Touch marks jobs changed outside the event stream (submission, claim,
// cancellation, retry) so the next update carries them.
func (a *Aggregator) Touch(ids ...types.JobID) {
	a.mu.Lock()
	for _, id := range ids {
		a.dirty[id] = struct{}{}
	}
	a.mu.Unlock()
}

// MarkRemoved announces jobs cleared from the store.
func (a *Aggregator) MarkRemoved(ids ...types.JobID) {
	a.mu.Lock()
	for _, id := range ids {
		delete(a.dirty, id)
	}
	a.removed = append(a.removed, ids...)
	a.mu.Unlock()
}

// RequestCancel records that the user cancelled a running job. A transient
// failure reported for it afterwards ends the job in Cancelled instead of
// scheduling a retry. The request is dropped when the job finishes.
func (a *Aggregator) RequestCancel(id types.JobID) {
	a.cmu.Lock()
	a.cancels[id] = struct{}{}
	a.cmu.Unlock()
}

// ForgetCancel drops a request the job will never consume.
func (a *Aggregator) ForgetCancel(id types.JobID) {
	a.cmu.Lock()
	delete(a.cancels, id)
	a.cmu.Unlock()
}

// Throughput returns the aggregate rate over the window.
func (a *Aggregator) Throughput() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastStats.BytesPerSecond
}

// ============================================================================
// Event handling
// ============================================================================

func (a *Aggregator) handle(ev worker.Event) {
	switch ev.Kind {
	case worker.EventProgress, worker.EventSize:
		a.applyProgress(ev)
	case worker.EventResume:
		a.applyResume(ev)
	case worker.EventCompleted:
		a.applyProgress(ev)
		a.complete(ev)
	case worker.EventFailed:
		a.applyProgress(ev)
		a.fail(ev)
	case worker.EventCancelled:
		a.applyProgress(ev)
		a.cancelled(ev)
	case worker.EventInterrupted:
		a.applyProgress(ev)
		a.interrupted(ev)
	default:
		log.Warn("unknown worker event", "kind", ev.Kind, "job", ev.JobID)
	}
}

func (a *Aggregator) applyProgress(ev worker.Event) {
	before, ok := a.store.Get(ev.JobID)
	if !ok {
		return
	}
	job, changed, err := a.store.ApplyProgress(ev.JobID, ev.Transferred, ev.Total)
	if err != nil || !changed {
		return
	}
	a.Touch(ev.JobID)

	delta := job.TransferredBytes - before.TransferredBytes
	if delta > 0 {
		at := ev.At
		if at.IsZero() {
			at = a.now()
		}
		a.wmu.Lock()
		w := a.rates[ev.JobID]
		if w == nil {
			w = newWindow(a.cfg.ThroughputWindow, at)
			a.rates[ev.JobID] = w
		}
		w.add(at, delta)
		// events from different workers arrive out of order
		a.total.add(a.now(), delta)
		a.wmu.Unlock()
		a.metrics.AddBytes(job.Direction, delta)
	}

	if job.Direction == types.DirectionDownload &&
		job.TransferredBytes-a.journaled[job.ID] >= a.cfg.ProgressJournalBytes {
		a.journaled[job.ID] = job.TransferredBytes
		a.append(wal.EventProgress, job, false)
	}
}

func (a *Aggregator) applyResume(ev worker.Event) {
	job, err := a.store.SetResume(ev.JobID, ev.Resume)
	if err != nil {
		log.Debug("resume token ignored", "job", ev.JobID, "error", err)
		return
	}
	a.Touch(ev.JobID)
	a.append(wal.EventResume, job, true)
}

func (a *Aggregator) complete(ev worker.Event) {
	job, err := a.store.Transition(ev.JobID, types.StateCompleted,
		jobmanager.WithTransferred(ev.Transferred), jobmanager.ClearResume())
	if err != nil {
		a.violation(ev, err)
		return
	}
	a.finished(job.ID)
	a.append(wal.EventComplete, job, true)
	a.metrics.RecordCompleted(job.Direction, ev.Elapsed.Seconds())
	log.Info("job completed", "job", job.ID, "bytes", job.TransferredBytes, "attempt", job.Attempt)
}

func (a *Aggregator) fail(ev worker.Event) {
	fe := ev.Err
	if fe == nil {
		fe = failure.New(failure.Invariant, "aggregate", "failure without cause", nil)
	}
	current, ok := a.store.Get(ev.JobID)
	if !ok {
		log.Warn("failure for unknown job", "job", ev.JobID)
		return
	}
	reason := jobmanager.WithReason(string(fe.Category), fe.Reason)
	progress := jobmanager.WithTransferred(ev.Transferred)

	if fe.Category == failure.Transient && current.Attempt+1 < a.cfg.MaxAttempts {
		a.cmu.Lock()
		if _, ok := a.cancels[ev.JobID]; ok {
			a.cmu.Unlock()
			log.Info("cancel overrides retry", "job", ev.JobID, "reason", fe.Reason)
			a.cancelled(ev)
			if a.cfg.Discard != nil {
				a.cfg.Discard(current)
			}
			return
		}
		job, err := a.store.Transition(ev.JobID, types.StateQueued, jobmanager.IncrementAttempt(), reason, progress)
		a.cmu.Unlock()
		a.metrics.RecordFailed(current.Direction, string(fe.Category), ev.Elapsed.Seconds())
		if err != nil {
			a.violation(ev, err)
			return
		}
		a.Touch(job.ID)
		a.append(wal.EventRetry, job, false)
		a.metrics.RecordRetry()
		log.Info("job scheduled for retry", "job", job.ID, "attempt", job.Attempt, "reason", fe.Reason)
		if err := a.queue.Requeue(job.ID); err != nil {
			// Queue closed during shutdown; the job stays queued and is
			// recovered from persistence.
			log.Warn("requeue failed", "job", job.ID, "error", err)
		}
		return
	}

	a.metrics.RecordFailed(current.Direction, string(fe.Category), ev.Elapsed.Seconds())
	job, err := a.store.Transition(ev.JobID, types.StateFailed, jobmanager.IncrementAttempt(), reason, progress)
	if err != nil {
		a.violation(ev, err)
		return
	}
	a.finished(job.ID)
	a.append(wal.EventFail, job, true)
	log.Warn("job failed", "job", job.ID, "category", fe.Category, "reason", fe.Reason, "attempts", job.Attempt)
}

func (a *Aggregator) cancelled(ev worker.Event) {
	job, err := a.store.Transition(ev.JobID, types.StateCancelled,
		jobmanager.WithReason(string(failure.Cancelled), "cancelled by user"), jobmanager.ClearResume())
	if err != nil {
		a.violation(ev, err)
		return
	}
	a.finished(job.ID)
	a.append(wal.EventCancel, job, true)
	a.metrics.RecordCancelled()
	log.Info("job cancelled", "job", job.ID, "bytes", job.TransferredBytes)
}

// interrupted keeps the job in progress; restart demotes it to queued.
func (a *Aggregator) interrupted(ev worker.Event) {
	job, ok := a.store.Get(ev.JobID)
	if !ok {
		return
	}
	a.dropRate(ev.JobID)
	a.ForgetCancel(ev.JobID)
	a.append(wal.EventProgress, job, true)
}

// violation force-fails a job whose reported outcome does not fit its state.
func (a *Aggregator) violation(ev worker.Event, err error) {
	if errors.Is(err, jobmanager.ErrJobNotFound) {
		log.Warn("event for unknown job", "job", ev.JobID, "kind", ev.Kind)
		return
	}
	log.Error("invariant violation", "job", ev.JobID, "kind", ev.Kind, "error", err)
	job, ferr := a.store.ForceFail(ev.JobID, string(failure.Invariant), "internal error: "+err.Error())
	if ferr != nil {
		return
	}
	a.finished(job.ID)
	a.append(wal.EventFail, job, true)
}

func (a *Aggregator) finished(id types.JobID) {
	a.dropRate(id)
	a.ForgetCancel(id)
	delete(a.journaled, id)
	a.Touch(id)
}

func (a *Aggregator) dropRate(id types.JobID) {
	a.wmu.Lock()
	delete(a.rates, id)
	a.wmu.Unlock()
}

func (a *Aggregator) append(t wal.EventType, job types.Job, force bool) {
	if a.journal == nil {
		return
	}
	if err := a.journal.Append(t, job, force); err != nil {
		log.Error("journal append failed", "type", t, "job", job.ID, "error", err)
	}
}

// ============================================================================
// Observer updates
// ============================================================================

func (a *Aggregator) stats(now time.Time) types.Stats {
	s := a.store.Stats()
	a.wmu.Lock()
	s.BytesPerSecond = a.total.rate(now)
	a.wmu.Unlock()
	return s
}

func (a *Aggregator) jobUpdate(job types.Job, now time.Time) types.JobUpdate {
	ju := types.JobUpdate{Job: job, ETA: -1}
	if job.State != types.StateInProgress {
		return ju
	}
	a.wmu.Lock()
	if w := a.rates[job.ID]; w != nil {
		ju.BytesPerSecond = w.rate(now)
	}
	a.wmu.Unlock()
	if job.TotalBytes >= 0 {
		ju.ETA = eta(job.TotalBytes-job.TransferredBytes, ju.BytesPerSecond)
	}
	return ju
}

// flush publishes one consolidated update to every subscriber. It runs on
// the Run goroutine, which owns the rate windows.
func (a *Aggregator) flush() {
	now := a.now()
	stats := a.stats(now)
	a.metrics.UpdateStats(stats, a.queue.Len())

	a.mu.Lock()
	ids := make([]types.JobID, 0, len(a.dirty))
	for id := range a.dirty {
		ids = append(ids, id)
	}
	a.dirty = make(map[types.JobID]struct{})
	removed := a.removed
	a.removed = nil
	statsChanged := stats != a.lastStats
	a.lastStats = stats
	a.mu.Unlock()

	if len(ids) == 0 && len(removed) == 0 && !statsChanged {
		return
	}

	upd := types.Update{Removed: removed, Stats: stats, At: now}
	for _, id := range ids {
		if job, ok := a.store.Get(id); ok {
			upd.Jobs = append(upd.Jobs, a.jobUpdate(job, now))
		}
	}
	sort.Slice(upd.Jobs, func(i, j int) bool { return upd.Jobs[i].Seq < upd.Jobs[j].Seq })

	a.mu.Lock()
	for s := range a.subs {
		s.push(upd)
	}
	a.mu.Unlock()
}

func (a *Aggregator) stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	for s := range a.subs {
		s.close()
	}
	a.subs = make(map[*subscriber]struct{})
}
