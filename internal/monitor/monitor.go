// Package monitor implements the per-session health state machine:
//
//	STARTING -> RUNNING -> {IDLE_SUSPECT, ERROR_SUSPECT} -> RESTARTING -> RUNNING
//	                                                     -> TERMINATED
//
// The monitor only observes and decides; the orchestrator acts on the
// returned transitions. Restarts preserve the claim: only the session handle
// is replaced.
package monitor

import (
	"fmt"
	"time"

	"github.com/farmhand-dev/farmhand/internal/config"
	"github.com/farmhand-dev/farmhand/internal/session"
)

// State is a session's position in the health state machine.
type State string

// Session health states.
const (
	StateStarting     State = "starting"
	StateRunning      State = "running"
	StateIdleSuspect  State = "idle_suspect"
	StateErrorSuspect State = "error_suspect"
	StateRestarting   State = "restarting"
	StateTerminated   State = "terminated"
)

// Action tells the orchestrator what to do alongside a state change.
type Action int

// Actions accompanying a transition.
const (
	ActionNone     Action = iota
	ActionRestart         // terminate the session and start a fresh one for the same claim
	ActionComplete        // session finished its work; release the claim with success
	ActionEscalate        // terminate without restart and alert a human
)

// Transition is the outcome of one health evaluation.
type Transition struct {
	To     State
	Action Action
	Reason string
}

// Tracked couples a session handle with its health state. The restart count
// survives handle replacement; it is the cumulative count for the claim.
type Tracked struct {
	Handle       *session.Handle
	State        State
	RestartCount int

	windowStart    time.Time
	errorsAtWindow int
}

// NewTracked begins tracking a freshly started session.
func NewTracked(h *session.Handle) *Tracked {
	return &Tracked{
		Handle:      h,
		State:       StateStarting,
		windowStart: h.StartedAt,
	}
}

// Replace swaps in a new handle after a restart and returns to STARTING.
func (t *Tracked) Replace(h *session.Handle) {
	t.Handle = h
	t.State = StateStarting
	t.RestartCount++
	t.windowStart = h.StartedAt
	t.errorsAtWindow = 0
}

// Monitor evaluates tracked sessions against the configured thresholds.
type Monitor struct {
	cfg *config.Config
}

// New creates a Monitor.
func New(cfg *config.Config) *Monitor {
	return &Monitor{cfg: cfg}
}

// Evaluate inspects one session and returns at most one state transition.
// Call repeatedly (the orchestrator applies each transition and re-evaluates
// within the same polling cycle) until To is empty.
func (t *Tracked) Evaluate(m *Monitor, now time.Time) Transition {
	if t.State == StateTerminated || t.State == StateRestarting {
		return Transition{}
	}

	if exited, waitErr := t.Handle.Exited(); exited {
		if waitErr == nil {
			return Transition{To: StateTerminated, Action: ActionComplete, Reason: "exited cleanly"}
		}
		// A crash takes the same restart-or-escalate path as an error burst.
		return t.decideSuspect(m, StateErrorSuspect, fmt.Sprintf("session crashed: %v", waitErr))
	}

	switch t.State {
	case StateStarting:
		settle := time.Duration(m.cfg.Execution.WaitAfterStart) * time.Second
		if now.Sub(t.Handle.StartedAt) >= settle {
			t.windowStart = now
			t.errorsAtWindow = t.Handle.ErrorCount()
			return Transition{To: StateRunning, Reason: "settled"}
		}
		return Transition{}

	case StateRunning:
		// Context exhaustion forces a clean restart so the same claim can
		// continue in a fresh execution context.
		if left := t.Handle.ContextLeft(); left >= 0 && left <= m.cfg.Health.ContextThreshold {
			if t.RestartCount >= m.cfg.Health.MaxErrors {
				return Transition{To: StateTerminated, Action: ActionEscalate,
					Reason: fmt.Sprintf("context low (%d%%) but restart bound reached", left)}
			}
			return Transition{To: StateRestarting, Action: ActionRestart,
				Reason: fmt.Sprintf("context low (%d%% left)", left)}
		}

		if m.errorWindowExceeded(t, now) {
			return Transition{To: StateErrorSuspect,
				Reason: fmt.Sprintf("%d error signals within window", t.Handle.ErrorCount()-t.errorsAtWindow)}
		}

		idle := time.Duration(m.cfg.Health.IdleTimeout) * time.Second
		if now.Sub(t.Handle.LastActivity()) > idle {
			return Transition{To: StateIdleSuspect,
				Reason: fmt.Sprintf("no activity for %s", now.Sub(t.Handle.LastActivity()).Round(time.Second))}
		}
		return Transition{}

	case StateIdleSuspect:
		// Activity between polls clears the suspicion.
		idle := time.Duration(m.cfg.Health.IdleTimeout) * time.Second
		if now.Sub(t.Handle.LastActivity()) <= idle {
			return Transition{To: StateRunning, Reason: "activity resumed"}
		}
		return t.decideSuspect(m, StateIdleSuspect, "idle timeout")

	case StateErrorSuspect:
		return t.decideSuspect(m, StateErrorSuspect, "error threshold exceeded")
	}

	return Transition{}
}

// decideSuspect resolves a suspect state into RESTARTING or TERMINATED.
// Restart requires auto_restart and headroom under the restart bound;
// otherwise the session escalates rather than silently disappearing.
func (t *Tracked) decideSuspect(m *Monitor, from State, reason string) Transition {
	if t.State != from {
		t.State = from
	}
	if m.cfg.Health.AutoRestart && t.RestartCount < m.cfg.Health.MaxErrors {
		return Transition{To: StateRestarting, Action: ActionRestart, Reason: reason}
	}
	return Transition{To: StateTerminated, Action: ActionEscalate,
		Reason: fmt.Sprintf("%s (restarts %d/%d, auto_restart=%t)",
			reason, t.RestartCount, m.cfg.Health.MaxErrors, m.cfg.Health.AutoRestart)}
}

// errorWindowExceeded reports whether the error count within the current
// observation window crossed the threshold. The window is as long as the
// idle timeout and slides when it expires.
func (m *Monitor) errorWindowExceeded(t *Tracked, now time.Time) bool {
	window := time.Duration(m.cfg.Health.IdleTimeout) * time.Second
	if now.Sub(t.windowStart) > window {
		t.windowStart = now
		t.errorsAtWindow = t.Handle.ErrorCount()
		return false
	}
	return t.Handle.ErrorCount()-t.errorsAtWindow >= m.cfg.Health.MaxErrors
}

// Apply records a transition on the tracked session.
func (t *Tracked) Apply(tr Transition) {
	if tr.To != "" {
		t.State = tr.To
	}
}
