package worker

import (
	"time"

	"github.com/ChuLiYu/bucket-bridge/internal/failure"
	"github.com/ChuLiYu/bucket-bridge/pkg/types"
)

// EventKind tells the aggregator what a worker observed.
type EventKind int

const (
	EventProgress    EventKind = iota // bytes moved; may be coalesced
	EventSize                         // total size discovered or corrected
	EventResume                       // multipart resume token changed
	EventCompleted                    // terminal: success
	EventFailed                       // terminal: Err holds the classified failure
	EventCancelled                    // terminal: user cancellation observed
	EventInterrupted                  // terminal for this process: shutdown, job stays in progress
)

var kindNames = map[EventKind]string{
	EventProgress:    "progress",
	EventSize:        "size",
	EventResume:      "resume",
	EventCompleted:   "completed",
	EventFailed:      "failed",
	EventCancelled:   "cancelled",
	EventInterrupted: "interrupted",
}

func (k EventKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Terminal reports whether the worker releases the job after this event.
func (k EventKind) Terminal() bool {
	return k >= EventCompleted
}

// Event is sent by workers to the aggregator. Transferred is always the
// absolute byte count of the attempt, so dropped progress events lose
// nothing; terminal events carry the authoritative final value.
type Event struct {
	Kind        EventKind
	JobID       types.JobID
	Attempt     int
	Transferred int64
	Delta       int64
	Total       int64 // types.SizeUnknown when not known
	Resume      *types.ResumeToken
	Err         *failure.Error
	Elapsed     time.Duration
	At          time.Time
}

// Config holds the transfer tuning knobs.
type Config struct {
	// ChunkSize is the streaming buffer size for downloads.
	ChunkSize int
	// PartSize is the preferred multipart part size; it grows for very large
	// files so the part count stays within MaxParts.
	PartSize int64
	// MultipartThreshold is the upload size from which multipart is used.
	MultipartThreshold int64
	// InactivityTimeout cancels an attempt that moved no bytes for this long.
	// Zero disables it.
	InactivityTimeout time.Duration
}

// Defaults for Config fields left at zero.
const (
	DefaultChunkSize          = 256 << 10
	DefaultPartSize           = 8 << 20
	DefaultMultipartThreshold = 100 << 20
	MinPartSize               = 5 << 20
	MaxParts                  = 10000
)

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.PartSize <= 0 {
		c.PartSize = DefaultPartSize
	}
	if c.MultipartThreshold <= 0 {
		c.MultipartThreshold = DefaultMultipartThreshold
	}
	return c
}

// partSizeFor grows preferred until size fits in MaxParts parts, rounding up
// to whole MiB.
func partSizeFor(size, preferred int64) int64 {
	if size <= preferred*MaxParts {
		return preferred
	}
	const mib = 1 << 20
	ps := (size + MaxParts - 1) / MaxParts
	return (ps + mib - 1) / mib * mib
}
