package orchestrator

import (
	"sync"
	"time"
)

// Status of one platform within a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

// PlatformState is one platform's progress snapshot.
type PlatformState struct {
	Platform  string
	Status    Status
	StartedAt time.Time
	EndedAt   time.Time
	Attempts  int
	Rows      int64
	Tables    int
	Error     string
}

// Duration is the wall time between start and end. Zero before the
// platform starts; still-running platforms measure up to now.
func (s PlatformState) Duration() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	end := s.EndedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.StartedAt)
}

// Monitor tracks per-platform execution state for one run. Transitions
// are monotonic: pending to running to one terminal state, and skipped
// only from pending. Terminal states never change. Safe for concurrent
// use; parallel platform updates serialize on one mutex.
type Monitor struct {
	mu     sync.Mutex
	order  []string
	states map[string]*PlatformState
	start  time.Time
	end    time.Time
	now    func() time.Time
}

// NewMonitor seeds every platform as pending, preserving order for
// snapshots and reports.
func NewMonitor(platforms []string) *Monitor {
	m := &Monitor{
		states: make(map[string]*PlatformState, len(platforms)),
		now:    time.Now,
	}
	for _, p := range platforms {
		if _, dup := m.states[p]; dup {
			continue
		}
		m.order = append(m.order, p)
		m.states[p] = &PlatformState{Platform: p, Status: StatusPending}
	}
	return m
}

// Begin stamps the run start. Idempotent.
func (m *Monitor) Begin() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.start.IsZero() {
		m.start = m.now()
	}
}

// End stamps the run end. Idempotent.
func (m *Monitor) End() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.end.IsZero() {
		m.end = m.now()
	}
}

// Window returns the run's start and end stamps. Before End, the end
// of a started run reads as now so progress snapshots have a duration.
func (m *Monitor) Window() (time.Time, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := m.end
	if end.IsZero() && !m.start.IsZero() {
		end = m.now()
	}
	return m.start, end
}

// Start moves a pending platform to running and counts its first
// attempt. Reports false when the platform is unknown or already past
// pending.
func (m *Monitor) Start(platform string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[platform]
	if !ok || s.Status != StatusPending {
		return false
	}
	s.Status = StatusRunning
	s.StartedAt = m.now()
	s.Attempts = 1
	return true
}

// Attempt counts a retry. The platform stays running.
func (m *Monitor) Attempt(platform string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[platform]; ok && s.Status == StatusRunning {
		s.Attempts++
	}
}

// Complete finishes a running platform successfully.
func (m *Monitor) Complete(platform string, rows int64, tables int) bool {
	return m.finish(platform, StatusCompleted, rows, tables, "")
}

// Fail finishes a running platform with an error. Rows and tables that
// landed before the failure are kept for the report.
func (m *Monitor) Fail(platform string, rows int64, tables int, msg string) bool {
	return m.finish(platform, StatusFailed, rows, tables, msg)
}

// Cancel finishes a running platform that was interrupted. The
// partially completed table set stays on the record.
func (m *Monitor) Cancel(platform string, rows int64, tables int, msg string) bool {
	return m.finish(platform, StatusCancelled, rows, tables, msg)
}

// Skip marks a pending platform as never attempted.
func (m *Monitor) Skip(platform, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[platform]
	if !ok || s.Status != StatusPending {
		return false
	}
	s.Status = StatusSkipped
	s.Error = reason
	return true
}

func (m *Monitor) finish(platform string, to Status, rows int64, tables int, msg string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[platform]
	if !ok || s.Status != StatusRunning {
		return false
	}
	s.Status = to
	s.EndedAt = m.now()
	s.Rows = rows
	s.Tables = tables
	s.Error = msg
	return true
}

// State returns a copy of one platform's record.
func (m *Monitor) State(platform string) (PlatformState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[platform]
	if !ok {
		return PlatformState{}, false
	}
	return *s, true
}

// Snapshot returns every platform record in seeding order.
func (m *Monitor) Snapshot() []PlatformState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PlatformState, 0, len(m.order))
	for _, p := range m.order {
		out = append(out, *m.states[p])
	}
	return out
}

// AnyFailure reports whether any platform has failed or been cancelled.
func (m *Monitor) AnyFailure() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.states {
		if s.Status == StatusFailed || s.Status == StatusCancelled {
			return true
		}
	}
	return false
}
