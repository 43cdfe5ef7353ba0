package wal

// ============================================================================
// WAL 工具函式
// 職責：離線檢查 WAL 檔案（不需要開啟 WAL 實例）
// ============================================================================

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// GetLastEvent 從 WAL 檔案讀取最後一個有效事件
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := readFile(path, func(e Event) {
		ev := e
		last = &ev
	})
	if last == nil && err == nil {
		return nil, ErrEmptyWAL
	}
	return last, err
}

// WALStats WAL 統計資訊
type WALStats struct {
	TotalEvents int               `json:"total_events"`
	EventTypes  map[EventType]int `json:"event_types"`
	FirstSeq    uint64            `json:"first_seq"`
	LastSeq     uint64            `json:"last_seq"`
	TimeRange   [2]int64          `json:"time_range"` // [最早, 最晚] unix ms
	Jobs        int               `json:"jobs"`       // 出現過的不同任務數
	Corrupted   bool              `json:"corrupted"`  // 是否在尾端遇到損壞記錄
}

// GetWALStats 取得 WAL 的統計資訊；損壞記錄之前的事件仍會被統計
func GetWALStats(path string) (*WALStats, error) {
	stats := &WALStats{EventTypes: make(map[EventType]int)}
	jobs := make(map[string]struct{})
	err := readFile(path, func(e Event) {
		if stats.TotalEvents == 0 {
			stats.FirstSeq = e.Seq
			stats.TimeRange[0] = e.Timestamp
		}
		stats.TotalEvents++
		stats.EventTypes[e.Type]++
		stats.LastSeq = e.Seq
		stats.TimeRange[1] = e.Timestamp
		jobs[string(e.JobID)] = struct{}{}
	})
	stats.Jobs = len(jobs)
	if errors.Is(err, ErrCorruptedWAL) {
		stats.Corrupted = true
		return stats, nil
	}
	return stats, err
}

// DumpWAL 輸出 WAL 內容（人類可讀格式）
//
//	[Seq:1] SUBMIT job-001 at 2024-01-01T00:00:00Z (checksum:0x12345678)
func DumpWAL(path string, out io.Writer) error {
	var werr error
	err := readFile(path, func(e Event) {
		if werr != nil {
			return
		}
		ts := time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339)
		_, werr = fmt.Fprintf(out, "[Seq:%d] %s %s at %s (checksum:0x%08x)\n", e.Seq, e.Type, e.JobID, ts, e.Checksum)
	})
	if werr != nil {
		return werr
	}
	if errors.Is(err, ErrCorruptedWAL) {
		_, werr = fmt.Fprintf(out, "!! %v\n", err)
		return werr
	}
	return err
}

func readFile(path string, fn func(Event)) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = scan(file, func(e Event, _ int64) error {
		fn(e)
		return nil
	})
	return err
}
