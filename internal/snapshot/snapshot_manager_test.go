package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/bucket-bridge/pkg/types"
)

func sampleJobs() []types.Job {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return []types.Job{
		{
			ID: "job-003", Seq: 3, Direction: types.DirectionUpload, LocalPath: "/data/c",
			Remote:     types.Locator{Account: "default", Bucket: "b", Key: "c"},
			TotalBytes: 30 << 20, TransferredBytes: 16 << 20, State: types.StateInProgress, Attempt: 1,
			Resume: &types.ResumeToken{UploadID: "up-1", PartSize: 8 << 20, Parts: []types.CompletedPart{
				{Number: 1, ETag: "e1", Size: 8 << 20}, {Number: 2, ETag: "e2", Size: 8 << 20},
			}},
			CreatedAt: now, UpdatedAt: now,
		},
		{
			ID: "job-001", Seq: 1, Direction: types.DirectionDownload, LocalPath: "/data/a",
			Remote:     types.Locator{Account: "default", Bucket: "b", Key: "a"},
			TotalBytes: types.SizeUnknown, State: types.StateQueued, CreatedAt: now, UpdatedAt: now,
		},
	}
}

// ============================================================================
// 基礎功能測試
// ============================================================================

func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.GetPath())
}

func TestWriteAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "snapshot.json")
	manager := NewManager(path)

	require.NoError(t, manager.Write(types.SnapshotData{Jobs: sampleJobs()}))
	assert.True(t, manager.Exists())
	assert.NoFileExists(t, path+".tmp")

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVersion)
	assert.False(t, loaded.SavedAt.IsZero())
	require.Len(t, loaded.Jobs, 2)

	// Ordered by Seq regardless of input order.
	assert.Equal(t, types.JobID("job-001"), loaded.Jobs[0].ID)
	assert.Equal(t, types.JobID("job-003"), loaded.Jobs[1].ID)

	resumed := loaded.Jobs[1]
	require.NotNil(t, resumed.Resume)
	assert.Equal(t, "up-1", resumed.Resume.UploadID)
	assert.Equal(t, int64(16<<20), resumed.Resume.Offset())
	assert.Equal(t, types.SizeUnknown, loaded.Jobs[0].TotalBytes)
}

func TestLoadMissingFile(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "none.json"))
	data, err := manager.Load()
	require.NoError(t, err)
	assert.Empty(t, data.Jobs)
	assert.False(t, manager.Exists())
}

func TestLoadCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_version": "1.0.0", "jobs": [`), 0o644))

	manager := NewManager(path)
	data, err := manager.Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
	assert.Empty(t, data.Jobs)

	require.NoError(t, manager.Quarantine())
	assert.False(t, manager.Exists())
	assert.FileExists(t, path+".corrupt")
}

func TestLoadVersionCompatibility(t *testing.T) {
	cases := []struct {
		version string
		ok      bool
	}{
		{"1.0.0", true},
		{"1.4.2", true},
		{"2.0.0", false},
		{"0.9.0", false},
		{"", false},
		{"garbage", false},
	}
	for _, tc := range cases {
		t.Run(tc.version, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "snapshot.json")
			raw, err := json.Marshal(map[string]any{"schema_version": tc.version, "jobs": []any{}})
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(path, raw, 0o644))

			_, err = NewManager(path).Load()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrIncompatibleVersion)
			}
		})
	}
}

func TestWriteOverwritesAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	manager := NewManager(path)
	jobs := sampleJobs()

	require.NoError(t, manager.Write(types.SnapshotData{Jobs: jobs}))
	require.NoError(t, manager.Write(types.SnapshotData{Jobs: jobs[:1]}))

	loaded, err := manager.Load()
	require.NoError(t, err)
	require.Len(t, loaded.Jobs, 1)
	assert.Equal(t, types.JobID("job-003"), loaded.Jobs[0].ID)
}

func TestWriteWithBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	manager := NewManager(path)
	jobs := sampleJobs()

	require.NoError(t, manager.WriteWithBackup(types.SnapshotData{Jobs: jobs[:1]}, 2))
	assert.NoFileExists(t, path+".1")
	require.NoError(t, manager.WriteWithBackup(types.SnapshotData{Jobs: jobs}, 2))
	require.NoError(t, manager.WriteWithBackup(types.SnapshotData{}, 2))

	current, err := manager.Load()
	require.NoError(t, err)
	assert.Empty(t, current.Jobs)

	prev, err := NewManager(path + ".1").Load()
	require.NoError(t, err)
	assert.Len(t, prev.Jobs, 2)

	oldest, err := NewManager(path + ".2").Load()
	require.NoError(t, err)
	assert.Len(t, oldest.Jobs, 1)
	assert.NoFileExists(t, path+".3")
}

// ============================================================================
// 並發測試
// ============================================================================

func TestConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	manager := NewManager(path)
	jobs := sampleJobs()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, manager.Write(types.SnapshotData{Jobs: jobs[:i%2+1]}))
		}(i)
	}
	wg.Wait()

	// Whatever write won, the file is complete.
	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.NotEmpty(t, loaded.Jobs)
}
