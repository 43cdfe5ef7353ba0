// Package types defines the domain model shared by the bucket-bridge engine,
// its transports and its persistence layer.
package types

import (
	"fmt"
	"time"
)

// JobID 任務唯一識別碼
type JobID string

// Direction is the way bytes flow for a transfer.
type Direction string

const (
	DirectionUpload   Direction = "upload"   // local file -> object store
	DirectionDownload Direction = "download" // object store -> local file
)

// Valid reports whether d is one of the known directions.
func (d Direction) Valid() bool {
	return d == DirectionUpload || d == DirectionDownload
}

// JobState 任務狀態，生命週期的唯一真實來源
type JobState string

const (
	StateQueued     JobState = "queued"      // waiting for a worker
	StateInProgress JobState = "in_progress" // held by exactly one worker
	StateCompleted  JobState = "completed"
	StateFailed     JobState = "failed"
	StateCancelled  JobState = "cancelled"
)

// Terminal reports whether no automatic transition leaves s.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// SizeUnknown marks a total that has not been discovered yet.
const SizeUnknown int64 = -1

// Locator addresses one object: the account profile it is reached through,
// the bucket and the key.
type Locator struct {
	Account string `json:"account"`
	Bucket  string `json:"bucket"`
	Key     string `json:"key"`
}

func (l Locator) String() string {
	return fmt.Sprintf("%s:s3://%s/%s", l.Account, l.Bucket, l.Key)
}

// CompletedPart is one acknowledged part of a multipart upload.
type CompletedPart struct {
	Number int32  `json:"number"`
	ETag   string `json:"etag"`
	Size   int64  `json:"size"`
}

// ResumeToken carries what an upload needs to continue from the last
// acknowledged part. Parts are contiguous starting at 1.
type ResumeToken struct {
	UploadID string          `json:"upload_id"`
	PartSize int64           `json:"part_size"`
	Parts    []CompletedPart `json:"parts,omitempty"`
}

// Offset returns the number of source bytes already acknowledged.
func (r *ResumeToken) Offset() int64 {
	if r == nil {
		return 0
	}
	var n int64
	for _, p := range r.Parts {
		n += p.Size
	}
	return n
}

// Clone returns a deep copy of the token.
func (r *ResumeToken) Clone() *ResumeToken {
	if r == nil {
		return nil
	}
	c := *r
	c.Parts = append([]CompletedPart(nil), r.Parts...)
	return &c
}

// TransferRequest is what a caller submits. TotalBytes is SizeUnknown when
// the caller does not know the size.
type TransferRequest struct {
	Direction  Direction `json:"direction"`
	LocalPath  string    `json:"local_path"`
	Remote     Locator   `json:"remote"`
	TotalBytes int64     `json:"total_bytes"`
}

// Job 傳輸任務，系統中的一個工作單元
type Job struct {
	// 識別與不可變欄位
	ID        JobID     `json:"id"`
	Seq       uint64    `json:"seq"`
	Direction Direction `json:"direction"`
	LocalPath string    `json:"local_path"`
	Remote    Locator   `json:"remote"`

	// 進度
	TotalBytes       int64 `json:"total_bytes"`
	TransferredBytes int64 `json:"transferred_bytes"`

	// 狀態追蹤
	State    JobState     `json:"state"`
	Attempt  int          `json:"attempt"`
	Category string       `json:"category,omitempty"`
	Reason   string       `json:"reason,omitempty"`
	Resume   *ResumeToken `json:"resume,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy that shares no memory with j.
func (j Job) Clone() Job {
	j.Resume = j.Resume.Clone()
	return j
}

// DedupKey identifies the (direction, local_path, remote_locator) triple.
func (j Job) DedupKey() string {
	return dedupKey(j.Direction, j.LocalPath, j.Remote)
}

// DedupKey identifies the (direction, local_path, remote_locator) triple.
func (r TransferRequest) DedupKey() string {
	return dedupKey(r.Direction, r.LocalPath, r.Remote)
}

func dedupKey(d Direction, local string, l Locator) string {
	return string(d) + "\x00" + local + "\x00" + l.Account + "\x00" + l.Bucket + "\x00" + l.Key
}

// Stats counts jobs per state.
type Stats struct {
	Queued     int `json:"queued"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`

	// BytesPerSecond is the aggregate throughput over the sliding window.
	BytesPerSecond float64 `json:"bytes_per_second"`
}

// Total returns the number of jobs across all states.
func (s Stats) Total() int {
	return s.Queued + s.InProgress + s.Completed + s.Failed + s.Cancelled
}

// JobUpdate is a job snapshot plus the derived metrics observers display.
// ETA is negative when it cannot be estimated.
type JobUpdate struct {
	Job
	BytesPerSecond float64       `json:"bytes_per_second"`
	ETA            time.Duration `json:"eta"`
}

// Update is one consolidated notification to observers. Full is set on the
// first update of a subscription, when Jobs holds every known job.
type Update struct {
	Full    bool        `json:"full"`
	Jobs    []JobUpdate `json:"jobs,omitempty"`
	Removed []JobID     `json:"removed,omitempty"`
	Stats   Stats       `json:"stats"`
	At      time.Time   `json:"at"`
}

// SnapshotData 快照資料，用於系統狀態的持久化和恢復
type SnapshotData struct {
	SchemaVersion string    `json:"schema_version"`
	SavedAt       time.Time `json:"saved_at"`
	Jobs          []Job     `json:"jobs"`
}
