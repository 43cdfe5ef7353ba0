// ============================================================================
// Bucket-Bridge Worker Pool - 並發傳輸執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理固定數量 Worker goroutine 的生命週期與取消句柄
//
// 架構組件:
//   ┌─────────────┐
//   │ JobSource   │ --Dequeue/Claim-->  Worker 1..N
//   └─────────────┘                         │
//                                       events chan
//                                           ↓
//                                     Aggregator
//
// 生命週期:
//   1. NewPool(cfg, provider, events)
//   2. Start(ctx, n, source) - 啟動 n 個 Worker
//   3. Cancel(id) - 以 ErrCancelledByUser 取消執行中的任務
//   4. Stop(ctx) - 停止取件，等待執行中任務；ctx 到期後以 ErrShutdown 中斷
//
// 並發控制:
//   - running: JobID -> CancelCauseFunc，在 Claim 之前註冊
//   - WaitGroup: 追蹤所有 Worker
//   - Mutex: 保護 started/stopped 與 running
//
// 事件通道由呼叫方擁有；Stop 返回後才可關閉。
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/bucket-bridge/internal/failure"
	"github.com/ChuLiYu/bucket-bridge/internal/storage"
	"github.com/ChuLiYu/bucket-bridge/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolStarted 表示 Pool 已經啟動
	ErrPoolStarted = errors.New("worker pool already started")
	// ErrPoolClosed 表示 Pool 已關閉
	ErrPoolClosed = errors.New("worker pool is closed")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 管理多個並發的 Worker
type Pool struct {
	cfg     Config
	storage storage.Provider
	events  chan<- Event

	mu      sync.Mutex
	workers []*Worker
	running map[types.JobID]context.CancelCauseFunc
	started bool
	stopped bool

	pullCancel context.CancelFunc
	runCancel  context.CancelCauseFunc
	wg         sync.WaitGroup
}

// NewPool 建立新的 Worker Pool
func NewPool(cfg Config, provider storage.Provider, events chan<- Event) *Pool {
	return &Pool{
		cfg:     cfg.withDefaults(),
		storage: provider,
		events:  events,
		running: make(map[types.JobID]context.CancelCauseFunc),
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(ctx context.Context, workerCount int, source JobSource) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return ErrPoolStarted
	}
	if workerCount < 1 {
		return fmt.Errorf("worker count must be positive, got %d", workerCount)
	}

	pullCtx, pullCancel := context.WithCancel(ctx)
	runCtx, runCancel := context.WithCancelCause(ctx)
	p.pullCancel, p.runCancel = pullCancel, runCancel

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p, source)
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Run(pullCtx, runCtx)
		}()
	}
	p.started = true
	log.Info("worker pool started", "workers", workerCount)
	return nil
}

// Cancel 取消執行中（或正在 Claim）的任務，回傳是否找到
func (p *Pool) Cancel(id types.JobID) bool {
	p.mu.Lock()
	cancel, ok := p.running[id]
	p.mu.Unlock()
	if ok {
		cancel(failure.ErrCancelledByUser)
	}
	return ok
}

// Active 回傳執行中的任務數
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

// WorkerCount 返回 Worker 數量
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Stop 優雅地關閉 Worker Pool
// 關閉流程：
//  1. 停止取件（阻塞中的 Dequeue 立即返回）
//  2. 等待執行中的任務完成，直到 ctx 到期
//  3. ctx 到期後以 ErrShutdown 中斷剩餘任務並等待 Worker 退出
//
// 任務被中斷時回傳 ctx 的錯誤。
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	p.pullCancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.runCancel(nil)
		return nil
	case <-ctx.Done():
	}

	log.Warn("drain deadline reached, interrupting transfers", "active", p.Active())
	p.runCancel(failure.ErrShutdown)
	<-done
	return fmt.Errorf("worker drain: %w", ctx.Err())
}

func (p *Pool) register(id types.JobID, cancel context.CancelCauseFunc) {
	p.mu.Lock()
	p.running[id] = cancel
	p.mu.Unlock()
}

func (p *Pool) unregister(id types.JobID) {
	p.mu.Lock()
	delete(p.running, id)
	p.mu.Unlock()
}
