package controller

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/bucket-bridge/internal/failure"
	"github.com/ChuLiYu/bucket-bridge/internal/jobmanager"
	"github.com/ChuLiYu/bucket-bridge/internal/snapshot"
	"github.com/ChuLiYu/bucket-bridge/internal/storage"
	"github.com/ChuLiYu/bucket-bridge/internal/storage/memstore"
	"github.com/ChuLiYu/bucket-bridge/internal/storage/wal"
	"github.com/ChuLiYu/bucket-bridge/pkg/types"
)

const (
	testBucket = "photos"
	kib        = 1 << 10
	mib        = 1 << 20
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type env struct {
	t     *testing.T
	dir   string
	data  string
	store *memstore.Store
	ctl   *Controller
}

func testConfig(dataDir string) Config {
	return Config{
		Workers:          2,
		QueueCapacity:    8,
		MaxAttempts:      3,
		ChunkSize:        32 * kib,
		ProgressInterval: 10 * time.Millisecond,
		DataDir:          dataDir,
		PersistInterval:  20 * time.Millisecond,
		SnapshotInterval: time.Hour,
		DrainTimeout:     200 * time.Millisecond,
	}
}

// newEnv builds a controller over a fresh memory store without starting it.
func newEnv(t *testing.T, tune func(*Config), opts ...memstore.Option) *env {
	t.Helper()
	e := &env{t: t, dir: t.TempDir(), store: memstore.New(opts...)}
	e.data = filepath.Join(e.dir, "state")
	require.NoError(t, e.store.CreateBucket(context.Background(), testBucket))

	cfg := testConfig(e.data)
	if tune != nil {
		tune(&cfg)
	}
	ctl, err := New(cfg, storage.Single(e.store))
	require.NoError(t, err)
	e.ctl = ctl
	t.Cleanup(func() { e.shutdown() })
	return e
}

func startEnv(t *testing.T, tune func(*Config), opts ...memstore.Option) *env {
	t.Helper()
	e := newEnv(t, tune, opts...)
	require.NoError(t, e.ctl.Start(context.Background()))
	return e
}

func (e *env) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = e.ctl.Shutdown(ctx)
}

func (e *env) object(key string, size int) []byte {
	e.t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(e.t, err)
	e.store.Put(testBucket, key, data)
	return data
}

func (e *env) download(key string) types.TransferRequest {
	return types.TransferRequest{
		Direction:  types.DirectionDownload,
		LocalPath:  filepath.Join(e.dir, key),
		Remote:     types.Locator{Account: "default", Bucket: testBucket, Key: key},
		TotalBytes: types.SizeUnknown,
	}
}

func (e *env) upload(key string, data []byte) types.TransferRequest {
	path := filepath.Join(e.dir, "src-"+key)
	require.NoError(e.t, os.WriteFile(path, data, 0o644))
	return types.TransferRequest{
		Direction:  types.DirectionUpload,
		LocalPath:  path,
		Remote:     types.Locator{Account: "default", Bucket: testBucket, Key: key},
		TotalBytes: int64(len(data)),
	}
}

func (e *env) submit(reqs ...types.TransferRequest) []types.JobID {
	e.t.Helper()
	ids, err := e.ctl.SubmitTransfers(context.Background(), reqs)
	require.NoError(e.t, err)
	require.Len(e.t, ids, len(reqs))
	return ids
}

func (e *env) job(id types.JobID) types.Job {
	e.t.Helper()
	job, ok := e.ctl.Job(id)
	require.True(e.t, ok, "job %s not found", id)
	return job
}

func (e *env) waitState(id types.JobID, state types.JobState) types.Job {
	e.t.Helper()
	require.Eventually(e.t, func() bool {
		job, ok := e.ctl.Job(id)
		return ok && job.State == state
	}, 10*time.Second, 5*time.Millisecond, "job %s never reached %s", id, state)
	return e.job(id)
}

func (e *env) waitProgress(id types.JobID, n int64) {
	e.t.Helper()
	require.Eventually(e.t, func() bool {
		job, ok := e.ctl.Job(id)
		return ok && job.TransferredBytes >= n
	}, 10*time.Second, 5*time.Millisecond)
}

// ============================================================================
// Scenarios
// ============================================================================

// A: a transient failure mid-download is retried and resumes.
func TestScenarioTransientFailureRetried(t *testing.T) {
	e := startEnv(t, func(c *Config) { c.Workers = 1 })
	data := e.object("big.bin", 10*mib)
	e.store.InjectFault(testBucket, "big.bin", memstore.Fault{At: 4 * mib, Err: syscall.ECONNRESET})

	id := e.submit(e.download("big.bin"))[0]
	job := e.waitState(id, types.StateCompleted)

	assert.Equal(t, 1, job.Attempt, "exactly one retry")
	assert.Equal(t, int64(10*mib), job.TransferredBytes)
	assert.Equal(t, int64(10*mib), job.TotalBytes)
	assert.Equal(t, []int64{0, 4 * mib}, e.store.Offsets(testBucket, "big.bin"), "second attempt resumes")

	got, err := os.ReadFile(job.LocalPath)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

// B: admission blocks once the queue is full.
func TestScenarioBackpressure(t *testing.T) {
	e := startEnv(t, func(c *Config) {
		c.Workers = 1
		c.QueueCapacity = 2
	})
	keys := []string{"a", "b", "c", "d", "e"}
	reqs := make([]types.TransferRequest, 0, len(keys))
	for _, k := range keys {
		e.object(k, 64*kib)
		reqs = append(reqs, e.download(k))
	}
	release := e.store.Hold(testBucket, "a", 0)

	var submitted atomic.Bool
	done := make(chan []types.JobID, 1)
	go func() {
		ids, err := e.ctl.SubmitTransfers(context.Background(), reqs)
		assert.NoError(t, err)
		submitted.Store(true)
		done <- ids
	}()

	require.Eventually(t, func() bool {
		s := e.ctl.Stats()
		return s.InProgress == 1 && e.ctl.QueueDepth() == 2
	}, 5*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.False(t, submitted.Load(), "submission must block while the queue is full")
	assert.Equal(t, 1, e.ctl.Stats().InProgress)
	assert.Equal(t, 2, e.ctl.QueueDepth())

	release()
	var ids []types.JobID
	select {
	case ids = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("submission never unblocked")
	}
	require.Len(t, ids, 5)
	for _, id := range ids {
		e.waitState(id, types.StateCompleted)
	}
}

// C: a cancelled transfer accepts no further progress.
func TestScenarioCancelMidTransfer(t *testing.T) {
	e := startEnv(t, nil)
	e.object("movie.mkv", 512*kib)
	release := e.store.Hold(testBucket, "movie.mkv", 128*kib)
	defer release()

	id := e.submit(e.download("movie.mkv"))[0]
	e.waitProgress(id, 128*kib)

	require.NoError(t, e.ctl.Cancel(id))
	job := e.waitState(id, types.StateCancelled)
	assert.Equal(t, "cancelled by user", job.Reason)

	release()
	time.Sleep(50 * time.Millisecond)
	after := e.job(id)
	assert.Equal(t, types.StateCancelled, after.State)
	assert.Equal(t, job.TransferredBytes, after.TransferredBytes)

	_, err := os.Stat(job.LocalPath)
	assert.True(t, os.IsNotExist(err), "partial download removed")
	assert.Eventually(t, func() bool { return e.ctl.pool.Active() == 0 }, time.Second, 5*time.Millisecond)
}

// D: a crash after a snapshot leaves the job queued on restart; it resumes
// and completes.
func TestScenarioCrashRecovery(t *testing.T) {
	first := startEnv(t, func(c *Config) { c.Workers = 1 })
	data := first.object("disk.img", 256*kib)
	first.store.Hold(testBucket, "disk.img", 64*kib)

	id := first.submit(first.download("disk.img"))[0]
	first.waitProgress(id, 64*kib)
	require.NoError(t, first.ctl.checkpoint())

	// The process dies here: copy the persisted state as it is on disk.
	crashed := filepath.Join(t.TempDir(), "state")
	require.NoError(t, os.MkdirAll(crashed, 0o755))
	for _, name := range []string{snapshotFile, walFile} {
		b, err := os.ReadFile(filepath.Join(first.data, name))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(crashed, name), b, 0o644))
	}

	second := memstore.New()
	require.NoError(t, second.CreateBucket(context.Background(), testBucket))
	second.Put(testBucket, "disk.img", data)
	cfg := testConfig(crashed)
	cfg.Workers = 1
	ctl, err := New(cfg, storage.Single(second))
	require.NoError(t, err)
	require.NoError(t, ctl.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = ctl.Shutdown(ctx)
	}()

	// The recovery checkpoint shows the demoted job.
	snap, err := snapshot.NewManager(filepath.Join(crashed, snapshotFile)).Load()
	require.NoError(t, err)
	require.Len(t, snap.Jobs, 1)
	assert.Equal(t, id, snap.Jobs[0].ID)
	assert.Equal(t, types.StateQueued, snap.Jobs[0].State)
	assert.Equal(t, int64(64*kib), snap.Jobs[0].TransferredBytes)

	require.Eventually(t, func() bool {
		job, ok := ctl.Job(id)
		return ok && job.State == types.StateCompleted
	}, 10*time.Second, 5*time.Millisecond)

	assert.Equal(t, []int64{64 * kib}, second.Offsets(testBucket, "disk.img"))
	got, err := os.ReadFile(first.download("disk.img").LocalPath)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

// ============================================================================
// Properties
// ============================================================================

func TestInProgressNeverExceedsWorkers(t *testing.T) {
	e := startEnv(t, func(c *Config) { c.Workers = 2 })
	var reqs []types.TransferRequest
	for i := 0; i < 8; i++ {
		key := fmt.Sprintf("f%d", i)
		e.object(key, 256*kib)
		reqs = append(reqs, e.download(key))
	}

	updates := e.ctl.JobUpdates(context.Background())
	ids := e.submit(reqs...)

	peak := 0
	deadline := time.After(10 * time.Second)
	for {
		select {
		case u := <-updates:
			if u.Stats.InProgress > peak {
				peak = u.Stats.InProgress
			}
			if u.Stats.Completed == len(ids) {
				assert.LessOrEqual(t, peak, 2)
				return
			}
		case <-deadline:
			t.Fatal("jobs did not complete")
		}
	}
}

func TestCancelWhileQueuedNeverStarts(t *testing.T) {
	e := startEnv(t, func(c *Config) { c.Workers = 1 })
	e.object("first", 64*kib)
	e.object("second", 64*kib)
	release := e.store.Hold(testBucket, "first", 0)

	ids := e.submit(e.download("first"), e.download("second"))
	e.waitState(ids[0], types.StateInProgress)

	require.NoError(t, e.ctl.Cancel(ids[1]))
	assert.Equal(t, types.StateCancelled, e.job(ids[1]).State)
	assert.Equal(t, 0, e.ctl.QueueDepth())

	release()
	e.waitState(ids[0], types.StateCompleted)
	assert.Empty(t, e.store.Offsets(testBucket, "second"), "cancelled job was never fetched")
}

func TestCancelQueuedUploadAbortsMultipart(t *testing.T) {
	e := newEnv(t, func(c *Config) { c.Workers = 1 })
	ctx := context.Background()
	e.object("blocker", 32*kib)
	release := e.store.Hold(testBucket, "blocker", 0)
	defer release()

	// An upload that already acknowledged a part before the last restart,
	// waiting behind a stalled download.
	uploadID, err := e.store.CreateMultipartUpload(ctx, testBucket, "up.bin", "")
	require.NoError(t, err)
	req := e.upload("up.bin", make([]byte, 128*kib))
	now := time.Now()
	jobs := []types.Job{
		{
			ID: "blocker", Seq: 1, Direction: types.DirectionDownload,
			LocalPath:  filepath.Join(e.dir, "blocker"),
			Remote:     types.Locator{Account: "default", Bucket: testBucket, Key: "blocker"},
			TotalBytes: types.SizeUnknown, State: types.StateQueued, CreatedAt: now, UpdatedAt: now,
		},
		{
			ID: "upload", Seq: 2, Direction: types.DirectionUpload,
			LocalPath: req.LocalPath, Remote: req.Remote,
			TotalBytes: req.TotalBytes, TransferredBytes: 64 * kib, Attempt: 1,
			State:     types.StateQueued,
			Resume:    &types.ResumeToken{UploadID: uploadID, PartSize: 64 * kib},
			CreatedAt: now, UpdatedAt: now,
		},
	}
	require.NoError(t, snapshot.NewManager(filepath.Join(e.data, snapshotFile)).Write(types.SnapshotData{Jobs: jobs}))

	require.NoError(t, e.ctl.Start(ctx))
	e.waitState("blocker", types.StateInProgress)
	require.Eventually(t, func() bool { return e.ctl.QueueDepth() == 1 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, e.ctl.Cancel("upload"))
	job := e.job("upload")
	assert.Equal(t, types.StateCancelled, job.State)
	assert.Nil(t, job.Resume)
	assert.Equal(t, 1, e.store.Aborted())
	assert.Zero(t, e.store.PendingUploads())
}

func TestRetryBoundAndManualRetry(t *testing.T) {
	e := startEnv(t, func(c *Config) { c.MaxAttempts = 3 })
	data := e.object("flaky", 64*kib)
	e.store.InjectFault(testBucket, "flaky", memstore.Fault{At: 16 * kib, Err: syscall.ECONNRESET, Times: 3})

	id := e.submit(e.download("flaky"))[0]
	job := e.waitState(id, types.StateFailed)
	assert.Equal(t, 3, job.Attempt, "attempts stop exactly at the bound")
	assert.Equal(t, string(failure.Transient), job.Category)
	assert.Len(t, e.store.Offsets(testBucket, "flaky"), 3)

	require.NoError(t, e.ctl.Retry(context.Background(), id))
	job = e.waitState(id, types.StateCompleted)
	assert.LessOrEqual(t, job.Attempt, 1)

	got, err := os.ReadFile(job.LocalPath)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestPermanentFailureNotRetried(t *testing.T) {
	e := startEnv(t, nil)
	id := e.submit(e.download("missing"))[0]

	job := e.waitState(id, types.StateFailed)
	assert.Equal(t, 1, job.Attempt)
	assert.Equal(t, "object not found", job.Reason)
	assert.Equal(t, string(failure.Permanent), job.Category)
}

func TestUploadRoundTrip(t *testing.T) {
	e := startEnv(t, func(c *Config) {
		c.PartSize = 64 * kib
		c.MultipartThreshold = 128 * kib
	})
	small := []byte("hello bucket")
	large := make([]byte, 300*kib)
	_, err := rand.Read(large)
	require.NoError(t, err)

	ids := e.submit(e.upload("small.txt", small), e.upload("large.bin", large))
	for _, id := range ids {
		e.waitState(id, types.StateCompleted)
	}

	got, ok := e.store.Object(testBucket, "small.txt")
	require.True(t, ok)
	assert.Equal(t, small, got)
	got, ok = e.store.Object(testBucket, "large.bin")
	require.True(t, ok)
	assert.True(t, bytes.Equal(large, got))
}

// ============================================================================
// API edge cases
// ============================================================================

func TestSubmitValidation(t *testing.T) {
	e := newEnv(t, nil)
	profiles := []storage.Profile{{Name: "default", Backend: storage.BackendMemory}}
	resolver := storage.NewResolver(profiles, func(context.Context, storage.Profile) (storage.Client, error) {
		return e.store, nil
	}, 0)
	ctl, err := New(testConfig(filepath.Join(e.dir, "other")), resolver)
	require.NoError(t, err)
	require.NoError(t, ctl.Start(context.Background()))
	defer ctl.Shutdown(context.Background())

	e.object("ok", kib)
	release := e.store.Hold(testBucket, "ok", 0)
	defer release()
	good := e.download("ok")
	missing := e.download("x")
	missing.Remote.Bucket = ""
	unknown := e.download("y")
	unknown.Remote.Account = "nobody"

	ids, err := ctl.SubmitTransfers(context.Background(), []types.TransferRequest{good, missing, unknown, good})
	require.Error(t, err)
	assert.Len(t, ids, 1, "only the valid request is accepted")
	assert.ErrorIs(t, err, jobmanager.ErrInvalidRequest)
	assert.ErrorIs(t, err, storage.ErrUnknownAccount)
	assert.ErrorIs(t, err, jobmanager.ErrDuplicateJob)
	assert.Contains(t, err.Error(), "request 1")
}

func TestSubmitBeforeStartAndAfterShutdown(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.ctl.SubmitTransfers(context.Background(), []types.TransferRequest{e.download("a")})
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, e.ctl.Start(context.Background()))
	assert.ErrorIs(t, e.ctl.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, e.ctl.Shutdown(context.Background()))
	require.NoError(t, e.ctl.Shutdown(context.Background()), "shutdown is idempotent")

	_, err = e.ctl.SubmitTransfers(context.Background(), []types.TransferRequest{e.download("a")})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestCancelAndRetryErrors(t *testing.T) {
	e := startEnv(t, nil)
	e.object("done", kib)
	id := e.submit(e.download("done"))[0]
	e.waitState(id, types.StateCompleted)

	assert.ErrorIs(t, e.ctl.Cancel(id), ErrAlreadyTerminal)
	assert.ErrorIs(t, e.ctl.Retry(context.Background(), id), ErrNotFailed)
	assert.ErrorIs(t, e.ctl.Cancel("nope"), jobmanager.ErrJobNotFound)
	assert.ErrorIs(t, e.ctl.Retry(context.Background(), "nope"), jobmanager.ErrJobNotFound)
}

func TestClearAnnouncesRemoval(t *testing.T) {
	e := startEnv(t, nil)
	e.object("a", kib)
	id := e.submit(e.download("a"))[0]
	e.waitState(id, types.StateCompleted)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := e.ctl.JobUpdates(ctx)
	first := <-updates
	require.True(t, first.Full)
	require.Len(t, first.Jobs, 1)

	assert.Equal(t, []types.JobID{id}, e.ctl.ClearFinished())
	assert.Empty(t, e.ctl.ListJobs())

	require.Eventually(t, func() bool {
		select {
		case u := <-updates:
			return len(u.Removed) == 1 && u.Removed[0] == id
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, e.ctl.Clear(id), "already cleared")
}

func TestJobUpdatesCloseWithContext(t *testing.T) {
	e := startEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	updates := e.ctl.JobUpdates(ctx)
	<-updates
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-updates:
			return !ok
		default:
			return false
		}
	}, 3*time.Second, 5*time.Millisecond)
}

func TestCreateBucketAndDeleteObject(t *testing.T) {
	e := startEnv(t, nil)
	ctx := context.Background()

	require.NoError(t, e.ctl.CreateBucket(ctx, "default", "fresh"))
	err := e.ctl.CreateBucket(ctx, "default", "fresh")
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrBucketExists)

	e.object("gone", kib)
	require.NoError(t, e.ctl.DeleteObject(ctx, types.Locator{Account: "default", Bucket: testBucket, Key: "gone"}))
	err = e.ctl.DeleteObject(ctx, types.Locator{Account: "default", Bucket: testBucket, Key: "gone"})
	var fe *failure.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, failure.Permanent, fe.Category)
}

// ============================================================================
// Persistence
// ============================================================================

func TestShutdownPersistsInterruptedAndQueuedJobs(t *testing.T) {
	first := newEnv(t, func(c *Config) { c.Workers = 1 })
	require.NoError(t, first.ctl.Start(context.Background()))
	first.object("a", 256*kib)
	first.object("b", 64*kib)
	first.store.Hold(testBucket, "a", 96*kib)

	ids := first.submit(first.download("a"), first.download("b"))
	first.waitProgress(ids[0], 96*kib)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, first.ctl.Shutdown(ctx))

	snap, err := snapshot.NewManager(filepath.Join(first.data, snapshotFile)).Load()
	require.NoError(t, err)
	require.Len(t, snap.Jobs, 2)
	assert.Equal(t, types.StateInProgress, snap.Jobs[0].State, "interrupted job keeps its state until restart")
	assert.Equal(t, int64(96*kib), snap.Jobs[0].TransferredBytes)
	assert.Equal(t, types.StateQueued, snap.Jobs[1].State)

	// Restart on the same state directory with a healthy store.
	second := memstore.New()
	require.NoError(t, second.CreateBucket(context.Background(), testBucket))
	a, _ := first.store.Object(testBucket, "a")
	b, _ := first.store.Object(testBucket, "b")
	second.Put(testBucket, "a", a)
	second.Put(testBucket, "b", b)

	ctl, err := New(testConfig(first.data), storage.Single(second))
	require.NoError(t, err)
	require.NoError(t, ctl.Start(context.Background()))
	defer ctl.Shutdown(context.Background())

	jobs := ctl.ListJobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, ids[0], jobs[0].ID, "submission order survives restart")
	assert.Equal(t, ids[1], jobs[1].ID)

	for _, id := range ids {
		require.Eventually(t, func() bool {
			job, ok := ctl.Job(id)
			return ok && job.State == types.StateCompleted
		}, 10*time.Second, 5*time.Millisecond)
	}
	assert.Equal(t, []int64{96 * kib}, second.Offsets(testBucket, "a"), "transferred bytes preserved")
}

func TestShutdownWithoutStartKeepsPersistedJobs(t *testing.T) {
	first := startEnv(t, func(c *Config) { c.Workers = 1 })
	first.object("a", 256*kib)
	first.object("b", 64*kib)
	release := first.store.Hold(testBucket, "a", 96*kib)
	defer release()

	ids := first.submit(first.download("a"), first.download("b"))
	first.waitProgress(ids[0], 96*kib)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, first.ctl.Shutdown(ctx))

	// A record that only lives in the journal.
	w, err := wal.NewWAL(filepath.Join(first.data, walFile), true)
	require.NoError(t, err)
	now := time.Now()
	late := types.Job{
		ID: "job-late", Seq: 99, Direction: types.DirectionDownload,
		LocalPath: filepath.Join(first.dir, "late"),
		Remote:    types.Locator{Account: "default", Bucket: testBucket, Key: "late"},
		State:     types.StateQueued, TotalBytes: types.SizeUnknown,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, w.Append(wal.EventSubmit, late, false))
	require.NoError(t, w.Close())

	idle, err := New(testConfig(first.data), storage.Single(first.store))
	require.NoError(t, err)
	require.NoError(t, idle.Shutdown(context.Background()))

	snap, err := snapshot.NewManager(filepath.Join(first.data, snapshotFile)).Load()
	require.NoError(t, err)
	assert.Len(t, snap.Jobs, 2, "an engine that never started leaves the snapshot alone")

	first.object("late", 4*kib)
	ctl, err := New(testConfig(first.data), storage.Single(first.store))
	require.NoError(t, err)
	require.NoError(t, ctl.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = ctl.Shutdown(ctx)
	}()

	var got []types.JobID
	for _, job := range ctl.ListJobs() {
		got = append(got, job.ID)
	}
	assert.Equal(t, []types.JobID{ids[0], ids[1], late.ID}, got, "snapshot and journal both survive")
}

func TestRecoveryReplaysJournal(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	now := time.Now()
	mk := func(key string, seq uint64, state types.JobState, at time.Time) types.Job {
		return types.Job{
			ID:        types.JobID("job-" + key),
			Seq:       seq,
			Direction: types.DirectionDownload,
			LocalPath: filepath.Join(dir, key),
			Remote:    types.Locator{Account: "default", Bucket: testBucket, Key: key},
			State:     state, TotalBytes: types.SizeUnknown,
			CreatedAt: at, UpdatedAt: at,
		}
	}

	w, err := wal.NewWAL(filepath.Join(dir, walFile), true)
	require.NoError(t, err)
	done := mk("done", 1, types.StateQueued, now)
	require.NoError(t, w.Append(wal.EventSubmit, done, false))
	done.State = types.StateCompleted
	done.UpdatedAt = now.Add(time.Second)
	require.NoError(t, w.Append(wal.EventComplete, done, false))

	live := mk("live", 2, types.StateQueued, now)
	require.NoError(t, w.Append(wal.EventSubmit, live, false))

	retried := mk("retried", 3, types.StateFailed, now)
	require.NoError(t, w.Append(wal.EventFail, retried, false))
	retried.State = types.StateQueued
	retried.UpdatedAt = now.Add(time.Second)
	require.NoError(t, w.Append(wal.EventRetry, retried, false))

	stale := mk("stale", 4, types.StateQueued, now.Add(-30*24*time.Hour))
	require.NoError(t, w.Append(wal.EventSubmit, stale, false))
	require.NoError(t, w.Close())

	store := memstore.New()
	cfg := testConfig(dir)
	cfg.Workers = 1
	ctl, err := New(cfg, storage.Single(store))
	require.NoError(t, err)
	hold := store.Hold(testBucket, "live", 0)
	defer hold()
	require.NoError(t, ctl.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = ctl.Shutdown(ctx)
	}()

	var got []types.JobID
	for _, job := range ctl.ListJobs() {
		got = append(got, job.ID)
	}
	assert.Equal(t, []types.JobID{live.ID, retried.ID}, got)
}

func TestCorruptSnapshotIsQuarantined(t *testing.T) {
	e := newEnv(t, nil)
	path := filepath.Join(e.data, snapshotFile)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	require.NoError(t, e.ctl.Start(context.Background()))
	assert.Empty(t, e.ctl.ListJobs())
	assert.FileExists(t, path+".corrupt")
}

func TestNewFailsWithoutDataDir(t *testing.T) {
	_, err := New(Config{}, storage.Single(memstore.New()))
	assert.Error(t, err)

	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	_, err = New(Config{DataDir: filepath.Join(blocker, "state")}, storage.Single(memstore.New()))
	assert.Error(t, err, "a data dir that cannot be created is fatal")
}
