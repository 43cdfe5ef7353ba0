// ============================================================================
// Bucket-Bridge Worker - Transfer Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Pulls jobs from the source and streams bytes between the local
// filesystem and the object store.
//
// Loop:
//   ┌─────────────────────────────────────────────┐
//   │  Worker Goroutine                           │
//   │  ┌──────────────────────────────────────┐   │
//   │  │ id := source.Dequeue(pullCtx)        │   │
//   │  │   ├─ jobCtx (cancel registered)      │   │
//   │  │   ├─ job := source.Claim(id)         │   │
//   │  │   ├─ download / upload               │   │
//   │  │   └─ terminal event -> aggregator    │   │
//   │  └──────────────────────────────────────┘   │
//   └─────────────────────────────────────────────┘
//
// Resume:
//   - download: the partial local file is kept; the next attempt reopens it
//     at min(file size, recorded bytes) and asks for a range read.
//   - upload: completed multipart parts live in the job's resume token and
//     are skipped on the next attempt. Single-request uploads restart.
//
// Cancellation causes (context.Cause of the job context):
//   - failure.ErrCancelledByUser -> cleanup, EventCancelled
//   - failure.ErrStalled         -> EventFailed (transient)
//   - anything else              -> EventInterrupted, partial state kept
//
// ============================================================================

package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/ChuLiYu/bucket-bridge/internal/failure"
	"github.com/ChuLiYu/bucket-bridge/internal/storage"
	"github.com/ChuLiYu/bucket-bridge/pkg/types"
)

var log = slog.Default()

const cleanupTimeout = 10 * time.Second

// Worker executes one job at a time.
type Worker struct {
	id     int
	pool   *Pool
	source JobSource
}

func newWorker(id int, pool *Pool, source JobSource) *Worker {
	return &Worker{id: id, pool: pool, source: source}
}

// Run pulls jobs until pullCtx ends or the source closes. Job contexts
// derive from runCtx so a drain can let running transfers finish.
func (w *Worker) Run(pullCtx, runCtx context.Context) {
	for {
		id, err := w.source.Dequeue(pullCtx)
		if err != nil {
			if pullCtx.Err() != nil || errors.Is(err, ErrSourceClosed) {
				return
			}
			log.Warn("dequeue failed", "worker", w.id, "error", err)
			continue
		}
		if pullCtx.Err() != nil {
			// Still queued in the store; recovered on the next start.
			return
		}

		jobCtx, cancel := context.WithCancelCause(runCtx)
		w.pool.register(id, cancel)
		job, err := w.source.Claim(id)
		if err != nil {
			w.pool.unregister(id)
			cancel(nil)
			log.Debug("skip job", "worker", w.id, "job", id, "error", err)
			continue
		}

		w.execute(jobCtx, cancel, job)
		w.pool.unregister(id)
		cancel(nil)
	}
}

// attempt is the state of one execution of a job.
type attempt struct {
	job    types.Job
	rep    *reporter
	client storage.Client
	token  *types.ResumeToken
}

func (w *Worker) execute(ctx context.Context, cancel context.CancelCauseFunc, job types.Job) {
	start := time.Now()
	at := &attempt{job: job, token: job.Resume.Clone()}
	at.rep = newReporter(job, w.pool.events, job.TransferredBytes)

	touch, stop := watchdog(cancel, w.pool.cfg.InactivityTimeout)
	at.rep.touch = touch
	defer stop()

	log.Info("transfer started", "worker", w.id, "job", job.ID, "direction", job.Direction,
		"remote", job.Remote.String(), "local", job.LocalPath, "attempt", job.Attempt)

	var err error
	switch job.Direction {
	case types.DirectionDownload:
		err = w.download(ctx, at)
	case types.DirectionUpload:
		err = w.upload(ctx, at)
	default:
		err = failure.New(failure.Invariant, "execute", fmt.Sprintf("unknown direction %q", job.Direction), nil)
	}
	elapsed := time.Since(start)

	if err == nil {
		log.Info("transfer completed", "worker", w.id, "job", job.ID, "bytes", at.rep.transferred, "elapsed", elapsed)
		at.rep.finish(EventCompleted, nil, elapsed)
		return
	}

	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		switch {
		case errors.Is(cause, failure.ErrCancelledByUser):
			w.cleanup(at)
			log.Info("transfer cancelled", "worker", w.id, "job", job.ID, "bytes", at.rep.transferred)
			at.rep.finish(EventCancelled, failure.Classify(string(job.Direction), cause), elapsed)
			return
		case errors.Is(cause, failure.ErrStalled):
			err = cause
		default:
			log.Info("transfer interrupted", "worker", w.id, "job", job.ID, "bytes", at.rep.transferred)
			at.rep.finish(EventInterrupted, nil, elapsed)
			return
		}
	}

	fe := failure.Classify(string(job.Direction), err)
	if fe.Category == failure.Cancelled {
		// A store returned context.Canceled for a context we did not cancel.
		fe = failure.New(failure.Transient, string(job.Direction), "operation interrupted", err)
	}
	log.Warn("transfer failed", "worker", w.id, "job", job.ID, "category", fe.Category,
		"reason", fe.Reason, "error", err)
	at.rep.finish(EventFailed, fe, elapsed)
}

// cleanup removes the side effects of a cancelled job.
func (w *Worker) cleanup(at *attempt) {
	switch at.job.Direction {
	case types.DirectionDownload:
		if err := os.Remove(at.job.LocalPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Warn("remove partial download", "job", at.job.ID, "path", at.job.LocalPath, "error", err)
		}
	case types.DirectionUpload:
		if at.token == nil || at.client == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		remote := at.job.Remote
		if err := at.client.AbortMultipartUpload(ctx, remote.Bucket, remote.Key, at.token.UploadID); err != nil {
			log.Warn("abort multipart upload", "job", at.job.ID, "upload_id", at.token.UploadID, "error", err)
		}
	}
}

// ============================================================================
// Download
// ============================================================================

func (w *Worker) download(ctx context.Context, at *attempt) error {
	job := at.job
	client, err := w.pool.storage.Client(ctx, job.Remote.Account)
	if err != nil {
		return err
	}
	at.client = client

	total := job.TotalBytes
	if total < 0 {
		info, err := client.HeadObject(ctx, job.Remote.Bucket, job.Remote.Key)
		if err != nil {
			return err
		}
		total = info.Size
		at.rep.size(total)
	}

	if err := os.MkdirAll(filepath.Dir(job.LocalPath), 0o755); err != nil {
		return err
	}
	f, offset, err := openForResume(job.LocalPath, job.TransferredBytes, client.Capabilities().RangeReads)
	if err != nil {
		return err
	}
	defer f.Close()

	at.rep.transferred, at.rep.sent = offset, offset
	if offset > 0 {
		log.Info("resuming download", "job", job.ID, "offset", offset, "total", total)
	}
	if offset >= total {
		if err := f.Truncate(total); err != nil {
			return err
		}
		return f.Sync()
	}

	body, info, err := client.GetObject(ctx, job.Remote.Bucket, job.Remote.Key, offset)
	if err != nil {
		return err
	}
	defer body.Close()
	if info.Size > 0 && info.Size != total {
		total = info.Size
		at.rep.size(total)
	}

	buf := make([]byte, w.pool.cfg.ChunkSize)
	written := offset
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return err
			}
			written += int64(n)
			at.rep.advance(written)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	if written < total {
		return fmt.Errorf("received %d of %d bytes: %w", written, total, io.ErrUnexpectedEOF)
	}
	return f.Sync()
}

// openForResume opens path for writing at the offset the next range read
// starts from. Without range reads, or without a usable partial file, the
// file is truncated and the offset is zero.
func openForResume(path string, transferred int64, rangeReads bool) (*os.File, int64, error) {
	if transferred > 0 && rangeReads {
		f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
		switch {
		case err == nil:
			st, err := f.Stat()
			if err != nil {
				f.Close()
				return nil, 0, err
			}
			offset := min(st.Size(), transferred)
			if err := f.Truncate(offset); err != nil {
				f.Close()
				return nil, 0, err
			}
			if _, err := f.Seek(offset, io.SeekStart); err != nil {
				f.Close()
				return nil, 0, err
			}
			return f, offset, nil
		case !errors.Is(err, fs.ErrNotExist):
			return nil, 0, err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, 0, err
	}
	return f, 0, nil
}

// ============================================================================
// Upload
// ============================================================================

func (w *Worker) upload(ctx context.Context, at *attempt) error {
	job := at.job
	client, err := w.pool.storage.Client(ctx, job.Remote.Account)
	if err != nil {
		return err
	}
	at.client = client

	f, err := os.Open(job.LocalPath)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	if st.IsDir() {
		return &fs.PathError{Op: "open", Path: job.LocalPath, Err: syscall.EISDIR}
	}
	size := st.Size()
	at.rep.size(size)

	contentType := detectContentType(f)
	cfg := w.pool.cfg
	if size > 0 && size >= cfg.MultipartThreshold && client.Capabilities().Multipart {
		return w.uploadMultipart(ctx, at, f, size, contentType)
	}

	at.rep.transferred, at.rep.sent = 0, 0
	if job.TransferredBytes > 0 || job.Resume != nil {
		log.Warn("upload restarted from zero", "job", job.ID, "previous_bytes", job.TransferredBytes,
			"multipart", client.Capabilities().Multipart)
	}
	body := &trackingReader{r: io.NewSectionReader(f, 0, size), report: at.rep.advance}
	return client.PutObject(ctx, job.Remote.Bucket, job.Remote.Key, body, size, contentType)
}

func (w *Worker) uploadMultipart(ctx context.Context, at *attempt, f *os.File, size int64, contentType string) error {
	job := at.job
	remote := job.Remote

	if at.token == nil || at.token.UploadID == "" || at.token.Offset() > size {
		if at.token != nil {
			log.Warn("discarding stale resume token", "job", job.ID, "upload_id", at.token.UploadID)
		}
		uploadID, err := at.client.CreateMultipartUpload(ctx, remote.Bucket, remote.Key, contentType)
		if err != nil {
			return err
		}
		at.token = &types.ResumeToken{UploadID: uploadID, PartSize: partSizeFor(size, w.pool.cfg.PartSize)}
		at.rep.resume(at.token)
	} else {
		log.Info("resuming multipart upload", "job", job.ID, "upload_id", at.token.UploadID,
			"parts", len(at.token.Parts), "offset", at.token.Offset())
	}

	offset := at.token.Offset()
	at.rep.transferred, at.rep.sent = offset, offset
	number := int32(len(at.token.Parts)) + 1
	buf := make([]byte, at.token.PartSize)

	for offset < size {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(at.token.PartSize, size-offset)
		read, err := f.ReadAt(buf[:n], offset)
		if err != nil && !(errors.Is(err, io.EOF) && int64(read) == n) {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("local file shrank during upload: %w", io.ErrUnexpectedEOF)
			}
			return err
		}
		body := &trackingReader{r: bytes.NewReader(buf[:n]), base: offset, report: at.rep.advance}
		part, err := at.client.UploadPart(ctx, remote.Bucket, remote.Key, at.token.UploadID, number, body, n)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// The store no longer knows the upload; start a new one next time.
				at.token = nil
				at.rep.resume(nil)
				return failure.New(failure.Transient, "upload", "multipart upload expired", err)
			}
			return err
		}
		at.token.Parts = append(at.token.Parts, types.CompletedPart{Number: number, ETag: part.ETag, Size: n})
		offset += n
		number++
		at.rep.resume(at.token)
		at.rep.advance(offset)
	}

	parts := make([]storage.Part, len(at.token.Parts))
	for i, p := range at.token.Parts {
		parts[i] = storage.Part{Number: p.Number, ETag: p.ETag}
	}
	return at.client.CompleteMultipartUpload(ctx, remote.Bucket, remote.Key, at.token.UploadID, parts)
}

// detectContentType sniffs the head of f without moving its offset.
func detectContentType(f *os.File) string {
	mt, err := mimetype.DetectReader(io.NewSectionReader(f, 0, 3072))
	if err != nil {
		return "application/octet-stream"
	}
	return mt.String()
}
