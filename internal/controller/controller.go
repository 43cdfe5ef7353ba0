// ============================================================================
// Bucket-Bridge 控制器 - 傳輸引擎核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 引擎對外 API，協調所有模組，實現崩潰恢復與任務調度
//
// 架構設計:
//   Controller 是引擎的"大腦"，負責協調以下組件：
//   - JobManager: 任務狀態機（queued/in_progress/completed/failed/cancelled）
//   - Queue: 有界調度佇列，提供提交端的背壓
//   - Pool: N 個 worker，實際搬運位元組
//   - Aggregator: 唯一的 worker 事件消費者，套用進度與終態
//   - WAL + Snapshot: 持久化，重啟後可續傳
//
// 並發 Goroutine (errgroup 監管):
//   1. Aggregator.Run - 消費 worker 事件，推送 Update
//   2. Admission Loop - 恢復的任務依 seq 重新進入佇列
//   3. Persist Loop - 定期 flush WAL、寫快照並截斷 WAL
//
// 崩潰恢復流程 (Start):
//   1. 載入快照（失敗則以空集合繼續並記錄警告）
//   2. 重放 WAL（last-write-wins，終態事件留下墓碑）
//   3. 丟棄超過 MaxJobAge 的任務
//   4. Restore：in_progress 降級為 queued
//   5. 寫入新的檢查點，依 seq 重新提交
//
// 寫入順序:
//   先修改 JobManager，再寫 WAL；寫 WAL 時不持有任何 store 鎖。
//   WAL 記錄完整任務，重放時以 UpdatedAt 判斷新舊，因此兩者交錯無妨。
//
// 關閉順序 (Shutdown):
//  1. 拒絕新的提交，關閉佇列（阻塞中的 Enqueue/Dequeue 立即返回）
//  2. 等待 worker 完成手上的任務，超過期限則以 ErrShutdown 中斷
//  3. 關閉事件 channel，Aggregator 處理完剩餘事件後退出
//  4. 停止背景循環，寫最後一次快照，關閉 WAL
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/bucket-bridge/internal/aggregator"
	"github.com/ChuLiYu/bucket-bridge/internal/failure"
	"github.com/ChuLiYu/bucket-bridge/internal/jobmanager"
	"github.com/ChuLiYu/bucket-bridge/internal/metrics"
	"github.com/ChuLiYu/bucket-bridge/internal/queue"
	"github.com/ChuLiYu/bucket-bridge/internal/snapshot"
	"github.com/ChuLiYu/bucket-bridge/internal/storage"
	"github.com/ChuLiYu/bucket-bridge/internal/storage/wal"
	"github.com/ChuLiYu/bucket-bridge/internal/worker"
	"github.com/ChuLiYu/bucket-bridge/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrNotStarted      = errors.New("engine not started")
	ErrAlreadyStarted  = errors.New("engine already started")
	ErrShuttingDown    = errors.New("engine shutting down")
	ErrAlreadyTerminal = errors.New("job already finished")
	ErrNotFailed       = errors.New("only failed jobs can be retried")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	Workers       int // N_workers
	QueueCapacity int // N_queue
	MaxAttempts   int

	ChunkSize          int
	PartSize           int64
	MultipartThreshold int64
	InactivityTimeout  time.Duration

	ProgressInterval time.Duration
	ThroughputWindow time.Duration

	DataDir          string        // 快照與 WAL 所在目錄
	PersistInterval  time.Duration // WAL flush 間隔
	SnapshotInterval time.Duration // 檢查點間隔
	SnapshotBackups  int
	SyncWAL          bool
	MaxJobAge        time.Duration

	DrainTimeout time.Duration
}

const (
	DefaultWorkers          = 4
	DefaultQueueCapacity    = 64
	DefaultPersistInterval  = time.Second
	DefaultSnapshotInterval = 30 * time.Second
	DefaultMaxJobAge        = 7 * 24 * time.Hour
	DefaultDrainTimeout     = 10 * time.Second

	snapshotFile = "jobs.snapshot.json"
	walFile      = "jobs.wal"
)

// JournalPath returns the WAL location inside dataDir.
func JournalPath(dataDir string) string { return filepath.Join(dataDir, walFile) }

// SnapshotPath returns the snapshot location inside dataDir.
func SnapshotPath(dataDir string) string { return filepath.Join(dataDir, snapshotFile) }

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = aggregator.DefaultMaxAttempts
	}
	if c.PersistInterval <= 0 {
		c.PersistInterval = DefaultPersistInterval
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = DefaultSnapshotInterval
	}
	if c.MaxJobAge <= 0 {
		c.MaxJobAge = DefaultMaxJobAge
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	return c
}

// Option 調整 Controller 的可選依賴
type Option func(*Controller)

// WithMetrics 指定 Prometheus 指標收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

// Controller 傳輸引擎
type Controller struct {
	cfg      Config
	storage  storage.Provider
	store    *jobmanager.JobManager
	queue    *queue.Queue
	pool     *worker.Pool
	agg      *aggregator.Aggregator
	events   chan worker.Event
	wal      *wal.WAL
	snapshot *snapshot.Manager
	metrics  *metrics.Collector

	mu       sync.Mutex
	started  bool
	stopping bool
	cancel   context.CancelFunc
	group    *errgroup.Group
	aggDone  chan error

	shutdownOnce sync.Once
	shutdownErr  error
}

// ============================================================================
// 建立、啟動與關閉
// ============================================================================

// New 建立 Controller。無法建立資料目錄或開啟 WAL 時回傳錯誤；
// 其餘的持久化問題在 Start 時降級為警告。
func New(cfg Config, provider storage.Provider, opts ...Option) (*Controller, error) {
	cfg = cfg.withDefaults()
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("controller: data dir is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("controller: create data dir: %w", err)
	}

	walInstance, err := wal.NewWAL(JournalPath(cfg.DataDir), cfg.SyncWAL)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL: %w", err)
	}

	c := &Controller{
		cfg:      cfg,
		storage:  provider,
		store:    jobmanager.NewJobManager(),
		queue:    queue.New(cfg.QueueCapacity),
		events:   make(chan worker.Event, cfg.Workers*16),
		wal:      walInstance,
		snapshot: snapshot.NewManager(SnapshotPath(cfg.DataDir)),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.pool = worker.NewPool(worker.Config{
		ChunkSize:          cfg.ChunkSize,
		PartSize:           cfg.PartSize,
		MultipartThreshold: cfg.MultipartThreshold,
		InactivityTimeout:  cfg.InactivityTimeout,
	}, provider, c.events)

	c.agg = aggregator.New(aggregator.Config{
		MaxAttempts:      cfg.MaxAttempts,
		ProgressInterval: cfg.ProgressInterval,
		ThroughputWindow: cfg.ThroughputWindow,
		Discard:          c.discardPartial,
	}, c.store, c.wal, c.queue, c.metrics, c.events)

	return c, nil
}

// Start 恢復持久化的任務並啟動 worker 與背景循環。
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		return ErrShuttingDown
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	recovered, err := c.recover()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(runCtx)

	c.mu.Lock()
	c.cancel = cancel
	c.group = g
	c.aggDone = make(chan error, 1)
	c.mu.Unlock()

	// Aggregator 只在事件 channel 關閉時退出，確保最後的終態事件被套用
	go func() { c.aggDone <- c.agg.Run(context.WithoutCancel(ctx)) }()

	if err := c.pool.Start(runCtx, c.cfg.Workers, &jobSource{c: c}); err != nil {
		cancel()
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	g.Go(func() error { return c.admit(gctx, recovered) })
	g.Go(func() error { return c.persistLoop(gctx) })

	log.Info("engine started",
		"workers", c.cfg.Workers,
		"queue_capacity", c.cfg.QueueCapacity,
		"recovered", len(recovered))
	return nil
}

// Shutdown 優雅關閉引擎，可重複呼叫。
// 超過 ctx 期限或 DrainTimeout 仍在執行的任務會被中斷並保留續傳狀態。
func (c *Controller) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		c.shutdownErr = c.shutdown(ctx)
	})
	return c.shutdownErr
}

func (c *Controller) shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.stopping = true
	running := c.group != nil
	c.mu.Unlock()

	log.Info("stopping engine...")
	var errs []error

	c.queue.Close()
	if running {
		drainCtx, cancel := context.WithTimeout(ctx, c.cfg.DrainTimeout)
		if err := c.pool.Stop(drainCtx); err != nil {
			log.Warn("transfers interrupted", "error", err)
		}
		cancel()

		// 所有 worker 已退出，不會再有事件寫入
		close(c.events)
		if err := <-c.aggDone; err != nil {
			errs = append(errs, err)
		}

		c.cancel()
		if err := c.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}

		if err := c.checkpoint(); err != nil {
			errs = append(errs, fmt.Errorf("final snapshot: %w", err))
		}
	}
	// 未啟動的引擎沒有載入持久化狀態，不能覆寫上一個行程的快照與 WAL
	if err := c.wal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close WAL: %w", err))
	}

	stats := c.store.Stats()
	log.Info("engine stopped", "queued", stats.Queued, "in_progress", stats.InProgress,
		"completed", stats.Completed, "failed", stats.Failed)
	return errors.Join(errs...)
}

// ============================================================================
// 背景循環
// ============================================================================

// admit 依 seq 將恢復的任務放回佇列，佇列滿時阻塞
func (c *Controller) admit(ctx context.Context, ids []types.JobID) error {
	for _, id := range ids {
		if err := c.queue.Enqueue(ctx, id); err != nil {
			if errors.Is(err, queue.ErrQueued) {
				continue
			}
			// 佇列關閉或引擎停止：任務仍是 queued，下次啟動時恢復
			return nil
		}
	}
	if len(ids) > 0 {
		log.Info("recovered jobs admitted", "count", len(ids))
	}
	return nil
}

// persistLoop 定期 flush WAL，並在有新事件時寫檢查點
func (c *Controller) persistLoop(ctx context.Context) error {
	flush := time.NewTicker(c.cfg.PersistInterval)
	defer flush.Stop()
	snap := time.NewTicker(c.cfg.SnapshotInterval)
	defer snap.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-flush.C:
			if err := c.wal.Flush(); err != nil {
				log.Error("failed to flush WAL", "error", err)
			}
		case <-snap.C:
			if c.wal.SinceCheckpoint() == 0 {
				continue
			}
			if err := c.checkpoint(); err != nil {
				log.Error("failed to take snapshot", "error", err)
			}
		}
	}
}

// checkpoint 寫入快照並截斷 WAL。快照在 WAL 鎖內取得，
// 因此包含所有已追加事件的效果。
func (c *Controller) checkpoint() error {
	start := time.Now()
	var count int
	err := c.wal.Checkpoint(func() error {
		jobs := c.store.Pending()
		count = len(jobs)
		return c.snapshot.WriteWithBackup(types.SnapshotData{Jobs: jobs}, c.cfg.SnapshotBackups)
	})
	if err != nil {
		return err
	}
	log.Debug("snapshot taken", "duration", time.Since(start), "jobs", count)
	return nil
}

// ============================================================================
// 公開方法
// ============================================================================

// SubmitTransfers 提交一批傳輸請求，依序回傳被接受的任務 ID。
//
// 驗證失敗（欄位缺失、未知帳號、重複任務）的請求不會建立任務，
// 錯誤以 errors.Join 合併回傳；其他請求照常提交。佇列滿時阻塞。
func (c *Controller) SubmitTransfers(ctx context.Context, reqs []types.TransferRequest) ([]types.JobID, error) {
	if err := c.accepting(); err != nil {
		return nil, err
	}

	var (
		ids  []types.JobID
		errs []error
	)
	for i, req := range reqs {
		id, err := c.submit(ctx, req)
		if err != nil {
			if errors.Is(err, ErrShuttingDown) || ctx.Err() != nil {
				errs = append(errs, err)
				break
			}
			errs = append(errs, fmt.Errorf("request %d (%s %s): %w", i, req.Direction, req.Remote, err))
			continue
		}
		ids = append(ids, id)
	}
	return ids, errors.Join(errs...)
}

func (c *Controller) submit(ctx context.Context, req types.TransferRequest) (types.JobID, error) {
	if req.Remote.Account != "" && !c.storage.Known(req.Remote.Account) {
		return "", fmt.Errorf("%w: %w %q", jobmanager.ErrInvalidRequest, storage.ErrUnknownAccount, req.Remote.Account)
	}
	job, err := c.store.Create(req)
	if err != nil {
		return "", err
	}
	c.journal(wal.EventSubmit, job, false)
	c.metrics.RecordSubmitted(job.Direction)
	c.agg.Touch(job.ID)

	if err := c.queue.Enqueue(ctx, job.ID); err != nil {
		if errors.Is(err, queue.ErrClosed) {
			// 已持久化為 queued，下次啟動時恢復
			return job.ID, nil
		}
		c.abandon(job.ID, "submission cancelled")
		return "", err
	}
	log.Debug("job submitted", "job", job.ID, "direction", job.Direction, "remote", job.Remote.String())
	return job.ID, nil
}

// abandon 取消一個已建立但未能進入佇列的任務
func (c *Controller) abandon(id types.JobID, reason string) {
	job, err := c.store.TransitionFrom(id, types.StateQueued, types.StateCancelled,
		jobmanager.WithReason(string(failure.Cancelled), reason))
	if err != nil {
		return
	}
	c.journal(wal.EventCancel, job, true)
	c.agg.Touch(id)
}

// ListJobs 依提交順序回傳所有任務
func (c *Controller) ListJobs() []types.Job {
	return c.store.Snapshot()
}

// Job 取得單一任務
func (c *Controller) Job(id types.JobID) (types.Job, bool) {
	return c.store.Get(id)
}

// Stats 各狀態任務數與整體吞吐量
func (c *Controller) Stats() types.Stats {
	s := c.store.Stats()
	s.BytesPerSecond = c.agg.Throughput()
	return s
}

// QueueDepth 佇列中等待的任務數
func (c *Controller) QueueDepth() int {
	return c.queue.Len()
}

// JobUpdates 訂閱任務更新；第一個 Update 為完整快照。ctx 結束時 channel 關閉。
func (c *Controller) JobUpdates(ctx context.Context) <-chan types.Update {
	updates, cancel := c.agg.Subscribe()
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return updates
}

// Cancel 取消任務
//
//   - queued: 從佇列移除並標記為 cancelled
//   - in_progress: 通知 worker，由 Aggregator 套用終態
//   - 終態: ErrAlreadyTerminal
func (c *Controller) Cancel(id types.JobID) error {
	job, ok := c.store.Get(id)
	if !ok {
		return jobmanager.ErrJobNotFound
	}

	switch job.State {
	case types.StateQueued:
		c.queue.Remove(id)
		cancelled, err := c.store.TransitionFrom(id, types.StateQueued, types.StateCancelled,
			jobmanager.WithReason(string(failure.Cancelled), "cancelled by user"), jobmanager.ClearResume())
		if errors.Is(err, jobmanager.ErrStateChanged) {
			// A worker claimed it in the meantime.
			return c.Cancel(id)
		}
		if err != nil {
			return err
		}
		c.discardPartial(job)
		c.journal(wal.EventCancel, cancelled, true)
		c.metrics.RecordCancelled()
		c.agg.Touch(id)
		log.Info("job cancelled", "job", id, "state", job.State)
		return nil

	case types.StateInProgress:
		// 先登記請求：worker 可能已回報暫時性失敗，聚合器不能再把它排回佇列
		c.agg.RequestCancel(id)
		signalled := c.pool.Cancel(id)
		now, ok := c.store.Get(id)
		switch {
		case ok && now.State == types.StateInProgress:
			// 可能是重試後新的嘗試，再送一次取消
			if !signalled && !c.pool.Cancel(id) {
				log.Debug("cancel found no running transfer", "job", id)
			}
		case ok && now.State == types.StateQueued:
			// The retry was scheduled before the request was recorded.
			c.agg.ForgetCancel(id)
			return c.Cancel(id)
		default:
			c.agg.ForgetCancel(id)
		}
		return nil

	default:
		return fmt.Errorf("%w: job %s is %s", ErrAlreadyTerminal, id, job.State)
	}
}

// discardPartial 清理排隊中被取消的任務留下的部分結果
func (c *Controller) discardPartial(job types.Job) {
	switch job.Direction {
	case types.DirectionDownload:
		if job.TransferredBytes == 0 {
			return
		}
		if err := os.Remove(job.LocalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("remove partial download", "job", job.ID, "path", job.LocalPath, "error", err)
		}
	case types.DirectionUpload:
		if job.Resume == nil || job.Resume.UploadID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		client, err := c.storage.Client(ctx, job.Remote.Account)
		if err == nil {
			err = client.AbortMultipartUpload(ctx, job.Remote.Bucket, job.Remote.Key, job.Resume.UploadID)
		}
		if err != nil {
			log.Warn("abort multipart upload", "job", job.ID, "upload_id", job.Resume.UploadID, "error", err)
		}
	}
}

// Retry 手動重試失敗的任務：嘗試次數歸零並重新排隊
func (c *Controller) Retry(ctx context.Context, id types.JobID) error {
	if err := c.accepting(); err != nil {
		return err
	}
	before, ok := c.store.Get(id)
	if !ok {
		return jobmanager.ErrJobNotFound
	}
	job, err := c.store.TransitionFrom(id, types.StateFailed, types.StateQueued, jobmanager.ResetAttempts())
	if err != nil {
		if errors.Is(err, jobmanager.ErrStateChanged) {
			return fmt.Errorf("%w: job %s is %s", ErrNotFailed, id, before.State)
		}
		return err
	}
	c.journal(wal.EventRetry, job, true)
	c.metrics.RecordRetry()
	c.agg.Touch(id)

	if err := c.queue.Enqueue(ctx, id); err != nil {
		if errors.Is(err, queue.ErrClosed) {
			return nil
		}
		// 未進入佇列，恢復為失敗狀態
		if restored, ferr := c.store.ForceFail(id, before.Category, before.Reason); ferr == nil {
			c.journal(wal.EventFail, restored, true)
		}
		c.agg.Touch(id)
		return err
	}
	log.Info("job retried", "job", id)
	return nil
}

// Clear 移除指定的終態任務，回傳實際移除的 ID
func (c *Controller) Clear(ids ...types.JobID) []types.JobID {
	before := make(map[types.JobID]types.Job, len(ids))
	for _, id := range ids {
		if job, ok := c.store.Get(id); ok {
			before[id] = job
		}
	}
	removed := c.store.Clear(ids...)
	c.cleared(removed, before)
	return removed
}

// ClearFinished 移除所有終態任務
func (c *Controller) ClearFinished() []types.JobID {
	before := make(map[types.JobID]types.Job)
	for _, job := range c.store.Snapshot() {
		if job.State.Terminal() {
			before[job.ID] = job
		}
	}
	removed := c.store.ClearFinished()
	c.cleared(removed, before)
	return removed
}

func (c *Controller) cleared(removed []types.JobID, before map[types.JobID]types.Job) {
	if len(removed) == 0 {
		return
	}
	for _, id := range removed {
		if job, ok := before[id]; ok {
			c.journal(wal.EventClear, job, false)
		}
	}
	c.agg.MarkRemoved(removed...)
}

// CreateBucket 透過帳號的儲存客戶端建立 bucket
func (c *Controller) CreateBucket(ctx context.Context, account, name string) error {
	client, err := c.storage.Client(ctx, account)
	if err != nil {
		return failure.Classify("create-bucket", err)
	}
	if err := client.CreateBucket(ctx, name); err != nil {
		return failure.Classify("create-bucket", err)
	}
	log.Info("bucket created", "account", account, "bucket", name)
	return nil
}

// DeleteObject 刪除遠端物件
func (c *Controller) DeleteObject(ctx context.Context, loc types.Locator) error {
	client, err := c.storage.Client(ctx, loc.Account)
	if err != nil {
		return failure.Classify("delete", err)
	}
	if err := client.DeleteObject(ctx, loc.Bucket, loc.Key); err != nil {
		return failure.Classify("delete", err)
	}
	return nil
}

// ============================================================================
// 內部輔助方法
// ============================================================================

func (c *Controller) accepting() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping {
		return ErrShuttingDown
	}
	if !c.started {
		return ErrNotStarted
	}
	return nil
}

func (c *Controller) journal(t wal.EventType, job types.Job, force bool) {
	if err := c.wal.Append(t, job, force); err != nil {
		log.Error("journal append failed", "type", t, "job", job.ID, "error", err)
	}
}
