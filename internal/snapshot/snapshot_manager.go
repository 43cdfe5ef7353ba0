package snapshot

// ============================================================================
// 職責說明：
// 1. 將所有未結束的任務序列化為 JSON 快照檔
// 2. 使用原子性寫入（temp file + fsync + rename）防止損壞
// 3. 載入時以 semver 約束驗證 schema 版本相容性
// 4. 配合 WAL 實現崩潰後恢復
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/ChuLiYu/bucket-bridge/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// SchemaVersion 目前寫入的快照格式版本
const SchemaVersion = "1.0.0"

// compatible 可載入的版本範圍
var compatible = mustConstraint("^1")

func mustConstraint(c string) *semver.Constraints {
	constraint, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return constraint
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Manager 快照管理器
type Manager struct {
	path string     // 快照檔案路徑
	mu   sync.Mutex // 保護檔案操作
	now  func() time.Time
}

// NewManager 建立快照管理器實例
func NewManager(path string) *Manager {
	return &Manager{path: path, now: time.Now}
}

// ============================================================================
// 核心方法實作
// ============================================================================

// Write 原子性寫入快照
//
// 流程：
// 1. 任務依 Seq 排序，寫入臨時檔案（.tmp）並 fsync
// 2. 使用 os.Rename 原子性替換原始檔案
func (m *Manager) Write(data types.SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(data)
}

func (m *Manager) writeLocked(data types.SnapshotData) error {
	data.SchemaVersion = SchemaVersion
	if data.SavedAt.IsZero() {
		data.SavedAt = m.now().UTC()
	}
	data.Jobs = append([]types.Job{}, data.Jobs...)
	sort.SliceStable(data.Jobs, func(i, j int) bool { return data.Jobs[i].Seq < data.Jobs[j].Seq })

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}
	tmpPath := m.path + ".tmp"
	if err := writeSynced(tmpPath, jsonBytes); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Load 載入快照
//
// 行為：
//   - 如果檔案不存在，回傳空的 SnapshotData（首次啟動）
//   - JSON 無法解析時回傳 ErrCorruptedSnapshot
//   - 版本不在 ^1 範圍內時回傳 ErrIncompatibleVersion
//   - 任務依 Seq 排序回傳
func (m *Manager) Load() (types.SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	empty := types.SnapshotData{SchemaVersion: SchemaVersion, Jobs: []types.Job{}}

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return empty, nil
		}
		return empty, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var data types.SnapshotData
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return empty, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	version, err := semver.NewVersion(data.SchemaVersion)
	if err != nil {
		return empty, fmt.Errorf("%w: %q: %v", ErrIncompatibleVersion, data.SchemaVersion, err)
	}
	if !compatible.Check(version) {
		return empty, fmt.Errorf("%w: got %s, want ^1", ErrIncompatibleVersion, version)
	}

	if data.Jobs == nil {
		data.Jobs = []types.Job{}
	}
	sort.SliceStable(data.Jobs, func(i, j int) bool { return data.Jobs[i].Seq < data.Jobs[j].Seq })
	return data, nil
}

// Quarantine 將無法載入的快照改名為 <path>.corrupt，保留以供檢查
func (m *Manager) Quarantine() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.Rename(m.path, m.path+".corrupt"); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得快照檔案路徑（用於測試與除錯）
func (m *Manager) GetPath() string {
	return m.path
}

// WriteWithBackup 寫入快照並保留最近 keepBackups 個舊版本
// （<path>.1 為最新的備份）
func (m *Manager) WriteWithBackup(data types.SnapshotData, keepBackups int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if keepBackups > 0 && m.Exists() {
		os.Remove(fmt.Sprintf("%s.%d", m.path, keepBackups))
		for i := keepBackups - 1; i >= 1; i-- {
			from := fmt.Sprintf("%s.%d", m.path, i)
			if _, err := os.Stat(from); err == nil {
				if err := os.Rename(from, fmt.Sprintf("%s.%d", m.path, i+1)); err != nil {
					return fmt.Errorf("failed to shift snapshot backup: %w", err)
				}
			}
		}
		if err := copyFile(m.path, m.path+".1"); err != nil {
			return fmt.Errorf("failed to backup old snapshot: %w", err)
		}
	}
	return m.writeLocked(data)
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return writeSynced(dst, data)
}
