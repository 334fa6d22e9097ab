package audio

import (
	"sync"
	"time"
)

// Stats summarizes the raw chunks a session has received.
type Stats struct {
	TotalChunks  int64     `json:"totalChunks"`
	TotalBytes   int64     `json:"totalBytes"`
	FirstChunkAt time.Time `json:"firstChunkAt,omitempty"`
	LastChunkAt  time.Time `json:"lastChunkAt,omitempty"`
	MaxChunkSize int       `json:"maxChunkSize"`
	MinChunkSize int       `json:"minChunkSize"`
	Frames       uint64    `json:"frames"`
}

// StatsRecorder accumulates Stats. Safe for concurrent use; the status probe
// reads while the session goroutine writes.
type StatsRecorder struct {
	mu    sync.RWMutex
	stats Stats
	now   func() time.Time
}

// NewStatsRecorder creates an empty recorder.
func NewStatsRecorder() *StatsRecorder {
	return &StatsRecorder{now: time.Now}
}

// RecordChunk records one inbound chunk of n bytes.
func (r *StatsRecorder) RecordChunk(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts := r.now()
	if r.stats.TotalChunks == 0 {
		r.stats.FirstChunkAt = ts
		r.stats.MinChunkSize = n
	}
	r.stats.TotalChunks++
	r.stats.TotalBytes += int64(n)
	r.stats.LastChunkAt = ts
	if n > r.stats.MaxChunkSize {
		r.stats.MaxChunkSize = n
	}
	if n < r.stats.MinChunkSize {
		r.stats.MinChunkSize = n
	}
}

// RecordFrames records n normalized frames produced.
func (r *StatsRecorder) RecordFrames(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Frames += uint64(n)
}

// Snapshot returns a copy of the current stats.
func (r *StatsRecorder) Snapshot() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}
