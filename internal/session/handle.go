// Package session maps one claim to one observable OS-level execution
// context. The supervisor launches agent processes with piped output,
// rate-limits launches, and terminates gracefully before forcing.
package session

import (
	"os/exec"
	"sync"
	"time"
)

// Handle describes one running agent session. Its lifetime is bounded by the
// claim it serves; it is destroyed when the session terminates.
type Handle struct {
	AgentID   string
	PID       int
	StartedAt time.Time
	Restarts  int

	cmd      *exec.Cmd
	taskFile string
	watcher  *activityWatcher

	mu           sync.Mutex
	lastActivity time.Time
	errorCount   int
	contextLeft  int // percent of agent context remaining; -1 = unknown
	state        string

	done    chan struct{}
	waitErr error
}

// NewHandle constructs a handle in its initial state: activity at startedAt,
// no error signals, context budget unknown. The supervisor attaches the
// process after spawn.
func NewHandle(agentID string, pid int, startedAt time.Time, restarts int) *Handle {
	return &Handle{
		AgentID:      agentID,
		PID:          pid,
		StartedAt:    startedAt,
		Restarts:     restarts,
		lastActivity: startedAt,
		contextLeft:  -1,
		done:         make(chan struct{}),
	}
}

// MarkExited records the process exit result and closes Done. Must be called
// at most once per handle.
func (h *Handle) MarkExited(waitErr error) {
	h.mu.Lock()
	h.waitErr = waitErr
	h.mu.Unlock()
	close(h.done)
}

// Touch records observable activity (an output line or a workspace write).
func (h *Handle) Touch() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastActivity = time.Now()
}

// LastActivity returns the time of the most recent observed activity.
func (h *Handle) LastActivity() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastActivity
}

// RecordError increments the observed error-signal count.
func (h *Handle) RecordError() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errorCount++
}

// ErrorCount returns the number of error signals observed so far.
func (h *Handle) ErrorCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.errorCount
}

// SetContextLeft records the agent's self-reported remaining context budget.
func (h *Handle) SetContextLeft(percent int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.contextLeft = percent
}

// ContextLeft returns the last reported context percentage, or -1 if the
// agent has never reported one.
func (h *Handle) ContextLeft() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.contextLeft
}

// SetState records the agent's self-reported lifecycle phase.
func (h *Handle) SetState(state string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = state
}

// State returns the agent's last self-reported phase, or "".
func (h *Handle) State() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Done returns a channel closed when the session process exits.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Exited reports whether the process has exited and, if so, its wait error
// (nil for a clean exit).
func (h *Handle) Exited() (bool, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return true, h.waitErr
	default:
		return false, nil
	}
}
