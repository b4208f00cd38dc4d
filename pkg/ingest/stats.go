package ingest

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/turbolytics/cpemirror/pkg/feed"
)

const startedAtLayout = "2006-01-02 15:04:05 MST"

// Stats holds the counters of the most recent run. Counters are updated
// concurrently by workers; the run metadata is guarded by mu.
type Stats struct {
	inserted atomic.Int64
	updated  atomic.Int64
	errors   atomic.Int64

	mu        sync.RWMutex
	startedAt time.Time
	duration  time.Duration
	runID     string
	variant   feed.Variant
	lastError string
	location  *time.Location
}

// StatsSnapshot is a point in time copy of Stats.
type StatsSnapshot struct {
	Inserted         int64  `json:"inserted"`
	Updated          int64  `json:"updated"`
	Errors           int64  `json:"errors"`
	LastRunStartedAt string `json:"last_run_started_at,omitempty"`
	LastRunDuration  string `json:"last_run_duration,omitempty"`
	RunID            string `json:"run_id,omitempty"`
	Variant          string `json:"variant,omitempty"`
	State            State  `json:"state"`
	LastError        string `json:"last_error,omitempty"`
}

func NewStats(loc *time.Location) *Stats {
	if loc == nil {
		loc = time.UTC
	}
	return &Stats{location: loc}
}

func (s *Stats) AddInserted(n int) {
	s.inserted.Add(int64(n))
}

func (s *Stats) AddUpdated(n int) {
	s.updated.Add(int64(n))
}

func (s *Stats) AddErrors(n int) {
	s.errors.Add(int64(n))
}

func (s *Stats) Reset() {
	s.inserted.Store(0)
	s.updated.Store(0)
	s.errors.Store(0)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.startedAt = time.Time{}
	s.duration = 0
	s.runID = ""
	s.variant = ""
	s.lastError = ""
}

func (s *Stats) begin(runID string, variant feed.Variant, startedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runID = runID
	s.variant = variant
	s.startedAt = startedAt
}

func (s *Stats) finish(d time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.duration = d
	if err != nil {
		s.lastError = err.Error()
	}
}

func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := StatsSnapshot{
		Inserted:  s.inserted.Load(),
		Updated:   s.updated.Load(),
		Errors:    s.errors.Load(),
		RunID:     s.runID,
		Variant:   string(s.variant),
		LastError: s.lastError,
	}
	if !s.startedAt.IsZero() {
		snap.LastRunStartedAt = s.startedAt.In(s.location).Format(startedAtLayout)
	}
	if s.duration > 0 {
		snap.LastRunDuration = HumanDuration(s.duration)
	}
	return snap
}

// HumanDuration renders d in the largest unit that is at least one.
func HumanDuration(d time.Duration) string {
	switch {
	case d >= time.Hour:
		return fmt.Sprintf("%.2f hours", d.Hours())
	case d >= time.Minute:
		return fmt.Sprintf("%.2f minutes", d.Minutes())
	default:
		return fmt.Sprintf("%.2f seconds", d.Seconds())
	}
}
