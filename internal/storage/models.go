package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// RunStatus is the lifecycle state of a parse run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
	RunFailed    RunStatus = "failed"
)

type Run struct {
	ID          string
	StartedAt   time.Time
	FinishedAt  time.Time // zero while running
	Status      RunStatus
	Input       string
	OutputDir   string
	Compression string
	Settings    string // JSON object stored as text
	Records     int64
	Qualified   int64
	Chains      int64
	Turns       int64
	Shards      int64
	Error       string
}

// RunTotals are the counters recorded when a run finishes.
type RunTotals struct {
	Records   int64
	Qualified int64
	Chains    int64
	Turns     int64
	Shards    int64
}

type Flush struct {
	RunID     string
	Seq       int
	Reason    string // "capacity" or "final"
	Lines     int
	Demoted   int
	Chains    int
	Turns     int
	Dropped   int
	Bytes     int64
	FlushedAt time.Time
}

type Shard struct {
	RunID           string
	Path            string
	Bytes           int64
	CompressedBytes int64
	ClosedAt        time.Time
}
