package controller

import (
	"errors"
	"sort"
	"time"

	"github.com/ChuLiYu/bucket-bridge/internal/snapshot"
	"github.com/ChuLiYu/bucket-bridge/internal/storage/wal"
	"github.com/ChuLiYu/bucket-bridge/pkg/types"
)

// ============================================================================
// 崩潰恢復
// ============================================================================

// recover rebuilds the job store from the snapshot and the journal and
// returns the restored ids in submission order. Unreadable persistence is
// logged and treated as empty; only a failing checkpoint is returned.
func (c *Controller) recover() ([]types.JobID, error) {
	start := time.Now()

	jobs := c.loadSnapshot()
	replayed := c.replayWAL(jobs)

	cutoff := start.Add(-c.cfg.MaxJobAge)
	ordered := make([]types.Job, 0, len(jobs))
	for _, job := range jobs {
		if job.UpdatedAt.Before(cutoff) {
			log.Warn("dropping stale job", "job", job.ID, "remote", job.Remote.String(), "updated_at", job.UpdatedAt)
			continue
		}
		ordered = append(ordered, job)
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	ids := make([]types.JobID, 0, len(ordered))
	for _, job := range ordered {
		restored, err := c.store.Restore(job)
		if err != nil {
			log.Warn("skipping unrecoverable job", "job", job.ID, "error", err)
			continue
		}
		ids = append(ids, restored.ID)
	}

	// 新的檢查點反映降級後的狀態，並清空已套用的 WAL
	if err := c.checkpoint(); err != nil {
		return nil, err
	}

	elapsed := time.Since(start)
	c.metrics.SetRecoveryTime(elapsed)
	if elapsed > 3*time.Second {
		log.Warn("recovery time exceeds 3s", "duration", elapsed)
	}
	log.Info("recovery completed", "duration", elapsed, "jobs", len(ids), "wal_events", replayed)
	return ids, nil
}

// loadSnapshot 載入快照；任何錯誤都降級為空集合
func (c *Controller) loadSnapshot() map[types.JobID]types.Job {
	jobs := make(map[types.JobID]types.Job)

	data, err := c.snapshot.Load()
	if err != nil {
		log.Warn("snapshot unreadable, starting from journal only", "path", c.snapshot.GetPath(), "error", err)
		if errors.Is(err, snapshot.ErrCorruptedSnapshot) || errors.Is(err, snapshot.ErrIncompatibleVersion) {
			if qerr := c.snapshot.Quarantine(); qerr != nil {
				log.Warn("failed to quarantine snapshot", "error", qerr)
			}
		}
		return jobs
	}
	for _, job := range data.Jobs {
		if job.State.Terminal() {
			continue
		}
		jobs[job.ID] = job
	}
	log.Info("snapshot loaded", "jobs", len(jobs), "saved_at", data.SavedAt)
	return jobs
}

// replayWAL 將 WAL 事件套用到 jobs 上
//
// 規則：
//   - 每筆事件帶有變更後的完整任務，依 UpdatedAt 做 last-write-wins
//   - 終態事件 (COMPLETE/FAIL/CANCEL/CLEAR) 刪除任務並留下墓碑，
//     之後只有更新的非終態事件才能讓任務復活 (手動 retry)
//   - 損壞的記錄之後的內容被忽略
func (c *Controller) replayWAL(jobs map[types.JobID]types.Job) int {
	tombstones := make(map[types.JobID]time.Time)
	applied := 0

	err := c.wal.Replay(func(event wal.Event) error {
		job, err := event.Decode()
		if err != nil {
			log.Warn("skipping undecodable WAL event", "seq", event.Seq, "job", event.JobID, "error", err)
			return nil
		}
		if cur, ok := jobs[job.ID]; ok && job.UpdatedAt.Before(cur.UpdatedAt) {
			return nil
		}
		if dead, ok := tombstones[job.ID]; ok && !job.UpdatedAt.After(dead) {
			return nil
		}

		if event.Type.Terminal() || job.State.Terminal() {
			delete(jobs, job.ID)
			tombstones[job.ID] = job.UpdatedAt
		} else {
			jobs[job.ID] = job
			delete(tombstones, job.ID)
		}
		applied++
		return nil
	})
	if err != nil {
		log.Warn("WAL replay stopped early", "path", c.wal.Path(), "applied", applied, "error", err)
	}
	return applied
}
