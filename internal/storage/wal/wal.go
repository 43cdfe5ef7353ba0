package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加事件到日誌檔案（append-only，每行一個 JSON 事件）
// 2. 提供重放功能以恢復系統狀態
// 3. 檢查點：快照寫入後清空日誌
// 4. 確保寫入持久性與資料完整性
//
// 開啟時會掃描整個檔案：遇到第一筆損壞的記錄（半寫入的行、JSON 錯誤、
// 校驗和不符）即在該處截斷，原檔備份為 <path>.corrupt，之後的追加才能
// 被重放。
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/bucket-bridge/pkg/types"
)

var log = slog.Default()

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex
	file         FileInterface
	encoder      *json.Encoder
	path         string
	seq          uint64 // 當前事件序號
	syncOnAppend bool   // 是否每次追加都強制同步
	closed       bool

	buffer        []Event
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
	sinceCheckpt  int // 上次檢查點後寫入的事件數
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，掃描所有事件，seq 從最後一個有效事件繼續
- 損壞的尾端會被截斷（備份到 <path>.corrupt）
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	seq, count, err := recoverFile(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	w := newWithFile(path, file, syncOnAppend)
	w.seq = seq
	w.sinceCheckpt = count
	return w, nil
}

func newWithFile(path string, file FileInterface, syncOnAppend bool) *WAL {
	w := &WAL{
		file:          file,
		path:          path,
		syncOnAppend:  syncOnAppend,
		buffer:        make([]Event, 0, 256),
		bufferSize:    256,
		lastFlushTime: time.Now(),
		flushInterval: time.Second,
	}
	w.encoder = newEncoder(file)
	return w
}

func newEncoder(out io.Writer) *json.Encoder {
	enc := json.NewEncoder(out)
	// The payload is already escaped by json.Marshal; keep its bytes stable
	// for the checksum.
	enc.SetEscapeHTML(false)
	return enc
}

// Append 追加一個事件到 WAL
//
// 行為：
// - 自動遞增 seq
// - 以任務當前狀態作為 payload 並計算 checksum
// - 加入緩衝；緩衝已滿、超過 flush 間隔、syncOnAppend 或 forceFlush 時寫入並 fsync
func (w *WAL) Append(eventType EventType, job types.Job, forceFlush bool) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("wal: encode job %s: %w", job.ID, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}

	w.seq++
	event := Event{
		Seq:       w.seq,
		Type:      eventType,
		JobID:     job.ID,
		Job:       payload,
		Timestamp: time.Now().UnixMilli(),
	}
	event.Checksum = CalculateChecksum(event)
	w.buffer = append(w.buffer, event)
	w.sinceCheckpt++

	if forceFlush || w.syncOnAppend || len(w.buffer) >= w.bufferSize || time.Since(w.lastFlushTime) > w.flushInterval {
		return w.flushLocked()
	}
	return nil
}

// Flush 將緩衝事件寫入並同步到磁碟
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Replay 重放所有已寫入的 WAL 事件
//
// 行為：
// - 先 flush 緩衝，從頭讀取 WAL 檔案
// - 驗證每個事件的 checksum
// - 呼叫 handler 應用事件；handler 錯誤會中止重放
// - 遇到損壞記錄時停止並回傳 *CorruptionError（之前的事件已套用）
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}

	file, err := os.Open(w.path)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = scan(file, func(event Event, _ int64) error {
		return handler(event)
	})
	return err
}

// Checkpoint 在持有 WAL 鎖的情況下呼叫 persist（通常是寫快照），
// 成功後清空日誌。舊日誌保留為 <path>.1。
//
// 持鎖期間沒有事件能寫入，因此 persist 看到的狀態包含所有已追加的事件。
func (w *WAL) Checkpoint(persist func() error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := persist(); err != nil {
		return err
	}

	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: close before rotate: %w", err)
	}
	if err := os.Rename(w.path, w.path+".1"); err != nil {
		return fmt.Errorf("wal: rotate: %w", err)
	}
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("wal: reopen after rotate: %w", err)
	}
	w.file = file
	w.encoder = newEncoder(file)
	w.lastFlushTime = time.Now()
	w.sinceCheckpt = 0
	return nil
}

// Close 關閉 WAL；關閉後的實例不可重用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	flushErr := w.flushLocked()
	if err := w.file.Close(); err != nil {
		return err
	}
	return flushErr
}

// GetLastSeq 取得當前的事件序號
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// SinceCheckpoint 回傳上次檢查點後追加的事件數
func (w *WAL) SinceCheckpoint() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sinceCheckpt
}

// Path 回傳 WAL 檔案路徑
func (w *WAL) Path() string { return w.path }

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// flushLocked 假設調用者已經持有 w.mu 鎖
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for _, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			return fmt.Errorf("wal: write seq=%d: %w", event.Seq, err)
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	return nil
}

// scan 逐行讀取事件並驗證；回傳最後一個有效記錄結束的位移。
// 遇到損壞記錄回傳 *CorruptionError。
func scan(r io.Reader, fn func(Event, int64) error) (int64, error) {
	br := bufio.NewReader(r)
	var offset int64
	var lastSeq uint64
	for {
		line, err := br.ReadBytes('\n')
		if len(line) == 0 && errors.Is(err, io.EOF) {
			return offset, nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return offset, err
		}
		if errors.Is(err, io.EOF) {
			// 最後一行沒有換行：寫入途中崩潰
			return offset, &CorruptionError{Seq: lastSeq, Offset: offset, Cause: io.ErrUnexpectedEOF}
		}

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			offset += int64(len(line))
			continue
		}

		var event Event
		if err := json.Unmarshal(trimmed, &event); err != nil {
			return offset, &CorruptionError{Seq: lastSeq, Offset: offset, Cause: err}
		}
		if expected := CalculateChecksum(event); expected != event.Checksum {
			return offset, &CorruptionError{Seq: lastSeq, Offset: offset, Cause: &ChecksumError{
				Seq: event.Seq, Expected: expected, Actual: event.Checksum,
			}}
		}
		if err := fn(event, offset); err != nil {
			return offset, err
		}
		offset += int64(len(line))
		lastSeq = event.Seq
	}
}

// recoverFile 掃描既有的 WAL，截斷損壞的尾端，回傳最後的 seq 與事件數
func recoverFile(path string) (uint64, int, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("wal: open %s: %w", path, err)
	}

	var lastSeq uint64
	var count int
	good, scanErr := scan(file, func(e Event, _ int64) error {
		lastSeq = e.Seq
		count++
		return nil
	})
	file.Close()

	var corrupt *CorruptionError
	if scanErr != nil && !errors.As(scanErr, &corrupt) {
		return 0, 0, fmt.Errorf("wal: scan %s: %w", path, scanErr)
	}
	if corrupt != nil {
		log.Warn("wal corrupted, truncating", "path", path, "offset", good, "last_seq", lastSeq, "error", corrupt.Cause)
		if err := copyFile(path, path+".corrupt"); err != nil {
			return 0, 0, err
		}
		if err := os.Truncate(path, good); err != nil {
			return 0, 0, fmt.Errorf("wal: truncate %s: %w", path, err)
		}
	}
	return lastSeq, count, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
