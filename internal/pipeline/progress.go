package pipeline

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time copy of a run's progress, safe to hand to
// other goroutines.
type Snapshot struct {
	RunID        string    `json:"run_id,omitempty"`
	State        string    `json:"state"`
	File         string    `json:"file,omitempty"`
	Records      int64     `json:"records"`
	Qualified    int64     `json:"qualified"`
	CacheLines   int       `json:"cache_lines"`
	Flushes      int       `json:"flushes"`
	Chains       int64     `json:"chains"`
	Turns        int64     `json:"turns"`
	BytesWritten int64     `json:"bytes_written"`
	Shard        string    `json:"current_shard,omitempty"`
	ShardBytes   int64     `json:"current_shard_bytes"`
	ShardsOpened int       `json:"shards_opened"`
	ShardsClosed int       `json:"shards_closed"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	FinishedAt   time.Time `json:"finished_at,omitzero"`
	Elapsed      string    `json:"elapsed"`
}

type progress struct {
	mu   sync.Mutex
	snap Snapshot
}

func (p *progress) update(fn func(*Snapshot)) {
	p.mu.Lock()
	fn(&p.snap)
	p.mu.Unlock()
}

func (p *progress) get() Snapshot {
	p.mu.Lock()
	s := p.snap
	p.mu.Unlock()
	switch {
	case s.StartedAt.IsZero():
	case s.FinishedAt.IsZero():
		s.Elapsed = time.Since(s.StartedAt).Round(time.Second).String()
	default:
		s.Elapsed = s.FinishedAt.Sub(s.StartedAt).Round(time.Second).String()
	}
	return s
}
