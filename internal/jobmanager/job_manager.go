// ============================================================================
// Bucket-Bridge 任務管理器 - 傳輸任務狀態機
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 擁有所有傳輸任務的權威記錄，並強制執行狀態機
//
// 任務狀態轉換 (State Machine):
//
//	Queued ──Claim()──▶ InProgress ──▶ Completed / Failed / Cancelled
//	  │                     │
//	  │                     └──▶ Queued      (可重試失敗，attempt + 1)
//	  └──▶ Cancelled                         (排隊中取消)
//	Failed ──▶ Queued                        (手動 retry，attempt 歸零)
//
// 數據結構設計:
//
//	jobs   map[JobID]*Job   - 主存儲，單一真實來源
//	order  []JobID          - 提交順序 (seq)，Snapshot() 依此排序
//	active map[key]JobID    - 非終態任務的 (direction, local_path, remote) 索引，用於去重
//	counts map[state]int    - 各狀態計數
//
// 並發安全:
//   - sync.RWMutex 保護所有結構；讀取只回傳深拷貝，外部永遠拿不到 live 指標
//   - 狀態轉換與檢查在同一把鎖內完成 (Claim 保證同一時間最多一個 worker 持有任務)
//
// ============================================================================

package jobmanager

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/bucket-bridge/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 相同 (direction, local_path, remote) 的非終態任務已存在
	ErrDuplicateJob = errors.New("duplicate job")
	// 提交內容不合法
	ErrInvalidRequest = errors.New("invalid transfer request")
	// 非法狀態轉換
	ErrInvalidTransition = errors.New("invalid state transition")
	// 任務不在排隊狀態 (Claim 時已被取消或已被其他 worker 取走)
	ErrNotQueued = errors.New("job not queued")
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// TransitionFrom 時任務已離開預期狀態
	ErrStateChanged = errors.New("job state changed")
)

// InvalidTransitionError 描述一次被拒絕的狀態轉換
type InvalidTransitionError struct {
	ID   types.JobID
	From types.JobState
	To   types.JobState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("job %s: %s -> %s: %v", e.ID, e.From, e.To, ErrInvalidTransition)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// transitions 合法的狀態轉換表
var transitions = map[types.JobState][]types.JobState{
	types.StateQueued:     {types.StateInProgress, types.StateCancelled},
	types.StateInProgress: {types.StateCompleted, types.StateFailed, types.StateCancelled, types.StateQueued},
	types.StateFailed:     {types.StateQueued},
}

// CanTransition 檢查 from -> to 是否合法
func CanTransition(from, to types.JobState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ============================================================================
// 資料結構定義
// ============================================================================

// JobManager 傳輸任務管理器
type JobManager struct {
	mu     sync.RWMutex
	jobs   map[types.JobID]*types.Job
	order  []types.JobID
	active map[string]types.JobID
	counts map[types.JobState]int
	seq    uint64
	now    func() time.Time
}

// NewJobManager 建立新的任務管理器實例
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:   make(map[types.JobID]*types.Job),
		order:  make([]types.JobID, 0),
		active: make(map[string]types.JobID),
		counts: make(map[types.JobState]int),
		now:    time.Now,
	}
}

// ============================================================================
// 建立與恢復
// ============================================================================

// Validate 檢查提交內容
func Validate(req types.TransferRequest) error {
	var missing []string
	if !req.Direction.Valid() {
		return fmt.Errorf("%w: unknown direction %q", ErrInvalidRequest, req.Direction)
	}
	if strings.TrimSpace(req.LocalPath) == "" {
		missing = append(missing, "local_path")
	}
	if req.Remote.Account == "" {
		missing = append(missing, "account")
	}
	if req.Remote.Bucket == "" {
		missing = append(missing, "bucket")
	}
	if req.Remote.Key == "" {
		missing = append(missing, "key")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	return nil
}

// Create 建立新任務，狀態為 Queued
//
// 錯誤處理：
//   - ErrInvalidRequest: 欄位為空或 direction 不合法
//   - ErrDuplicateJob: 已有相同三元組的非終態任務
func (jm *JobManager) Create(req types.TransferRequest) (types.Job, error) {
	if err := Validate(req); err != nil {
		return types.Job{}, err
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()

	key := req.DedupKey()
	if id, exists := jm.active[key]; exists {
		return types.Job{}, fmt.Errorf("%w: %s already tracked by job %s", ErrDuplicateJob, req.Remote, id)
	}

	total := req.TotalBytes
	if total < 0 {
		total = types.SizeUnknown
	}

	now := jm.now()
	jm.seq++
	job := &types.Job{
		ID:         types.JobID(uuid.NewString()),
		Seq:        jm.seq,
		Direction:  req.Direction,
		LocalPath:  req.LocalPath,
		Remote:     req.Remote,
		TotalBytes: total,
		State:      types.StateQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	jm.insertLocked(job)
	return job.Clone(), nil
}

// Restore 從持久化記錄重建任務
//
// InProgress 任務會被降級為 Queued (崩潰時無法證明有 worker 在執行)；
// 終態任務不恢復。
func (jm *JobManager) Restore(job types.Job) (types.Job, error) {
	if job.State.Terminal() {
		return types.Job{}, fmt.Errorf("%w: job %s is %s", ErrInvalidRequest, job.ID, job.State)
	}
	if job.ID == "" {
		return types.Job{}, fmt.Errorf("%w: missing id", ErrInvalidRequest)
	}
	if err := Validate(types.TransferRequest{Direction: job.Direction, LocalPath: job.LocalPath, Remote: job.Remote}); err != nil {
		return types.Job{}, err
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.jobs[job.ID]; exists {
		return types.Job{}, fmt.Errorf("%w: id %s", ErrDuplicateJob, job.ID)
	}
	if id, exists := jm.active[job.DedupKey()]; exists {
		return types.Job{}, fmt.Errorf("%w: %s already tracked by job %s", ErrDuplicateJob, job.Remote, id)
	}

	restored := job.Clone()
	restored.State = types.StateQueued
	if restored.TotalBytes < 0 {
		restored.TotalBytes = types.SizeUnknown
	} else if restored.TransferredBytes > restored.TotalBytes {
		restored.TransferredBytes = restored.TotalBytes
	}
	if restored.TransferredBytes < 0 {
		restored.TransferredBytes = 0
	}
	if restored.Seq > jm.seq {
		jm.seq = restored.Seq
	} else if restored.Seq == 0 {
		jm.seq++
		restored.Seq = jm.seq
	}
	// 保留原本的 UpdatedAt，MaxJobAge 以最後一次實際變更計算
	if restored.UpdatedAt.IsZero() {
		restored.UpdatedAt = jm.now()
	}

	jm.insertLocked(&restored)
	return restored.Clone(), nil
}

// insertLocked 依 seq 插入 order，呼叫者需持有寫鎖
func (jm *JobManager) insertLocked(job *types.Job) {
	jm.jobs[job.ID] = job
	jm.active[job.DedupKey()] = job.ID
	jm.counts[job.State]++

	i := len(jm.order)
	for i > 0 && jm.jobs[jm.order[i-1]].Seq > job.Seq {
		i--
	}
	jm.order = append(jm.order, "")
	copy(jm.order[i+1:], jm.order[i:])
	jm.order[i] = job.ID
}

// ============================================================================
// 狀態轉換
// ============================================================================

// Option 在狀態轉換時同步修改任務
type Option func(*types.Job)

// WithReason 附加失敗分類與顯示原因
func WithReason(category, reason string) Option {
	return func(j *types.Job) {
		j.Category = category
		j.Reason = reason
	}
}

// IncrementAttempt attempt_count += 1
func IncrementAttempt() Option {
	return func(j *types.Job) { j.Attempt++ }
}

// ResetAttempts 手動重試時歸零，並清除上一次的失敗原因
func ResetAttempts() Option {
	return func(j *types.Job) {
		j.Attempt = 0
		j.Category = ""
		j.Reason = ""
	}
}

// WithTransferred 以 worker 回報的權威總量更新進度 (不會倒退)
func WithTransferred(n int64) Option {
	return func(j *types.Job) { j.TransferredBytes = clampProgress(j, n) }
}

// ClearResume 丟棄 multipart 續傳資訊
func ClearResume() Option {
	return func(j *types.Job) { j.Resume = nil }
}

// Transition 執行狀態轉換
//
// 錯誤處理：
//   - ErrJobNotFound: 任務不存在
//   - *InvalidTransitionError: 轉換不在狀態機內
//   - ErrDuplicateJob: Failed -> Queued 時已有相同三元組的新任務
func (jm *JobManager) Transition(id types.JobID, to types.JobState, opts ...Option) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return types.Job{}, ErrJobNotFound
	}
	return jm.transitionLocked(job, to, opts)
}

// TransitionFrom 只在任務仍處於 from 時執行轉換，否則回傳 ErrStateChanged。
// 用於與 worker 競爭的操作 (例如取消排隊中的任務)。
func (jm *JobManager) TransitionFrom(id types.JobID, from, to types.JobState, opts ...Option) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return types.Job{}, ErrJobNotFound
	}
	if job.State != from {
		return job.Clone(), fmt.Errorf("%w: job %s is %s, not %s", ErrStateChanged, id, job.State, from)
	}
	return jm.transitionLocked(job, to, opts)
}

func (jm *JobManager) transitionLocked(job *types.Job, to types.JobState, opts []Option) (types.Job, error) {
	id := job.ID
	if !CanTransition(job.State, to) {
		return job.Clone(), &InvalidTransitionError{ID: id, From: job.State, To: to}
	}
	if job.State.Terminal() && !to.Terminal() {
		if other, taken := jm.active[job.DedupKey()]; taken && other != id {
			return job.Clone(), fmt.Errorf("%w: %s already tracked by job %s", ErrDuplicateJob, job.Remote, other)
		}
	}

	jm.setStateLocked(job, to)
	for _, opt := range opts {
		opt(job)
	}
	return job.Clone(), nil
}

// Claim Queued -> InProgress，與狀態檢查原子完成
func (jm *JobManager) Claim(id types.JobID) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return types.Job{}, ErrJobNotFound
	}
	if job.State != types.StateQueued {
		return job.Clone(), fmt.Errorf("%w: job %s is %s", ErrNotQueued, id, job.State)
	}
	jm.setStateLocked(job, types.StateInProgress)
	return job.Clone(), nil
}

// ForceFail 不經狀態機直接標記為 Failed，只用於不變量被破壞時
func (jm *JobManager) ForceFail(id types.JobID, category, reason string) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return types.Job{}, ErrJobNotFound
	}
	if job.State != types.StateFailed {
		jm.setStateLocked(job, types.StateFailed)
	}
	job.Category = category
	job.Reason = reason
	return job.Clone(), nil
}

// setStateLocked 更新狀態、計數與去重索引
func (jm *JobManager) setStateLocked(job *types.Job, to types.JobState) {
	jm.counts[job.State]--
	jm.counts[to]++

	key := job.DedupKey()
	if to.Terminal() {
		if jm.active[key] == job.ID {
			delete(jm.active, key)
		}
	} else {
		jm.active[key] = job.ID
	}

	job.State = to
	job.UpdatedAt = jm.now()
}

// ============================================================================
// 進度
// ============================================================================

// ApplyProgress 套用 worker 回報的進度
//
// 只在 InProgress 時接受；total >= 0 時先校正 TotalBytes，再套用進度。
// 進度不倒退，且不超過已知總量。回傳值 changed 表示任務有變動。
func (jm *JobManager) ApplyProgress(id types.JobID, transferred, total int64) (types.Job, bool, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return types.Job{}, false, ErrJobNotFound
	}
	if job.State != types.StateInProgress {
		return job.Clone(), false, nil
	}

	changed := false
	if total >= 0 && total != job.TotalBytes {
		job.TotalBytes = total
		changed = true
	}
	if next := clampProgress(job, transferred); next != job.TransferredBytes {
		job.TransferredBytes = next
		changed = true
	}
	if changed {
		job.UpdatedAt = jm.now()
	}
	return job.Clone(), changed, nil
}

func clampProgress(job *types.Job, n int64) int64 {
	if n < job.TransferredBytes {
		n = job.TransferredBytes
	}
	if job.TotalBytes >= 0 && n > job.TotalBytes {
		n = job.TotalBytes
	}
	return n
}

// SetResume 記錄 multipart 續傳資訊，只在 InProgress 時接受
func (jm *JobManager) SetResume(id types.JobID, token *types.ResumeToken) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return types.Job{}, ErrJobNotFound
	}
	if job.State != types.StateInProgress {
		return job.Clone(), fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, id, job.State)
	}
	job.Resume = token.Clone()
	job.UpdatedAt = jm.now()
	return job.Clone(), nil
}

// ============================================================================
// 查詢與快照
// ============================================================================

// Get 取得任務的拷貝
func (jm *JobManager) Get(id types.JobID) (types.Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	job, exists := jm.jobs[id]
	if !exists {
		return types.Job{}, false
	}
	return job.Clone(), true
}

// Snapshot 依提交順序回傳所有任務的一致性拷貝
func (jm *JobManager) Snapshot() []types.Job {
	return jm.collect(func(*types.Job) bool { return true })
}

// Pending 依提交順序回傳非終態任務 (持久化用)
func (jm *JobManager) Pending() []types.Job {
	return jm.collect(func(j *types.Job) bool { return !j.State.Terminal() })
}

func (jm *JobManager) collect(keep func(*types.Job) bool) []types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make([]types.Job, 0, len(jm.order))
	for _, id := range jm.order {
		if job := jm.jobs[id]; keep(job) {
			out = append(out, job.Clone())
		}
	}
	return out
}

// Stats 各狀態任務數量
func (jm *JobManager) Stats() types.Stats {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return types.Stats{
		Queued:     jm.counts[types.StateQueued],
		InProgress: jm.counts[types.StateInProgress],
		Completed:  jm.counts[types.StateCompleted],
		Failed:     jm.counts[types.StateFailed],
		Cancelled:  jm.counts[types.StateCancelled],
	}
}

// Len 任務總數
func (jm *JobManager) Len() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.jobs)
}

// ============================================================================
// 清除
// ============================================================================

// Clear 從記憶體移除指定的終態任務，回傳實際移除的 ID；非終態任務會被略過
func (jm *JobManager) Clear(ids ...types.JobID) []types.JobID {
	want := make(map[types.JobID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	return jm.removeWhere(func(j *types.Job) bool { return want[j.ID] })
}

// ClearFinished 移除所有終態任務
func (jm *JobManager) ClearFinished() []types.JobID {
	return jm.removeWhere(func(*types.Job) bool { return true })
}

func (jm *JobManager) removeWhere(match func(*types.Job) bool) []types.JobID {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	var removed []types.JobID
	kept := jm.order[:0]
	for _, id := range jm.order {
		job := jm.jobs[id]
		if job.State.Terminal() && match(job) {
			delete(jm.jobs, id)
			jm.counts[job.State]--
			removed = append(removed, id)
			continue
		}
		kept = append(kept, id)
	}
	jm.order = kept
	return removed
}
