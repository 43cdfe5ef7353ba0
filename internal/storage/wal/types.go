package wal

import (
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/bucket-bridge/pkg/types"
)

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventSubmit   EventType = "SUBMIT"   // Job created (queued)
	EventRetry    EventType = "RETRY"    // Job back to queued: automatic or manual retry
	EventResume   EventType = "RESUME"   // Multipart resume token changed
	EventProgress EventType = "PROGRESS" // Periodic download progress checkpoint
	EventComplete EventType = "COMPLETE" // Job completed
	EventFail     EventType = "FAIL"     // Job failed permanently or out of attempts
	EventCancel   EventType = "CANCEL"   // Job cancelled
	EventClear    EventType = "CLEAR"    // Finished job removed from the store
)

// Terminal reports whether the event ends the job's life in the journal.
func (t EventType) Terminal() bool {
	switch t {
	case EventComplete, EventFail, EventCancel, EventClear:
		return true
	}
	return false
}

// Event represents a WAL event record. Job holds the full record as it was
// after the mutation, so replay is last-write-wins per job.
type Event struct {
	Seq       uint64          `json:"seq"`           // Event sequence number (monotonically increasing)
	Type      EventType       `json:"type"`          // Event type
	JobID     types.JobID     `json:"job_id"`        // Job ID
	Job       json.RawMessage `json:"job,omitempty"` // Job snapshot after the change
	Timestamp int64           `json:"timestamp"`     // Unix millisecond timestamp
	Checksum  uint32          `json:"checksum"`      // CRC32 checksum
}

// Decode returns the job carried by the event.
func (e Event) Decode() (types.Job, error) {
	var job types.Job
	if len(e.Job) == 0 {
		return job, fmt.Errorf("wal: event seq=%d has no job payload", e.Seq)
	}
	if err := json.Unmarshal(e.Job, &job); err != nil {
		return job, fmt.Errorf("wal: decode job at seq=%d: %w", e.Seq, err)
	}
	return job, nil
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error
