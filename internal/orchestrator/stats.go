// stats.go tracks run-wide progress counters for logging and the final
// summary. All methods are thread-safe via mu.
package orchestrator

import (
	"fmt"
	"sync"
)

// RunStats accumulates outcomes across one orchestrator run.
type RunStats struct {
	mu           sync.Mutex
	Completed    int
	Escalated    int
	Reclaimed    int
	Restarts     int
	DeadLettered int
}

// RecordCompletion increments the completed count.
func (s *RunStats) RecordCompletion() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Completed++
}

// RecordEscalation increments the escalated count.
func (s *RunStats) RecordEscalation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Escalated++
}

// RecordReclaims adds n reclaimed claims.
func (s *RunStats) RecordReclaims(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Reclaimed += n
}

// RecordRestart increments the restart count.
func (s *RunStats) RecordRestart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Restarts++
}

// RecordDeadLetter increments the dead-letter count.
func (s *RunStats) RecordDeadLetter() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DeadLettered++
}

// Summary returns a one-line human-readable summary.
func (s *RunStats) Summary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("%d completed, %d escalated, %d dead-lettered, %d restarts, %d reclaimed",
		s.Completed, s.Escalated, s.DeadLettered, s.Restarts, s.Reclaimed)
}

// Snapshot returns the counters without holding the lock afterwards.
func (s *RunStats) Snapshot() (completed, escalated, reclaimed, restarts, deadLettered int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Completed, s.Escalated, s.Reclaimed, s.Restarts, s.DeadLettered
}
