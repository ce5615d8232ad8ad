// supervisor.go manages spawning and lifecycle of agent processes.
package session

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/farmhand-dev/farmhand/internal/config"
	"github.com/farmhand-dev/farmhand/internal/registry"
)

// LaunchError reports a session that could not be started. It is retryable
// up to the orchestrator's bound, after which the work item is dead-lettered.
type LaunchError struct {
	AgentID string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching session for agent %s: %v", e.AgentID, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Supervisor launches and terminates agent sessions. Launches are capped by
// a weighted semaphore and staggered by a minimum delay so a batch of agents
// does not storm a rate-limited backend all at once.
type Supervisor struct {
	cfg         *config.Config
	projectRoot string
	extraEnv    []string

	sem *semaphore.Weighted

	mu         sync.Mutex
	nextLaunch time.Time
}

// NewSupervisor creates a Supervisor. extraEnv entries ("KEY=value") are
// appended to each session's environment; the orchestrator uses this to hand
// agents the coordinator address.
func NewSupervisor(cfg *config.Config, projectRoot string, extraEnv []string) *Supervisor {
	maxSessions := cfg.Execution.MaxSessions
	if maxSessions <= 0 {
		maxSessions = cfg.Execution.Agents
	}
	if maxSessions <= 0 {
		maxSessions = 1
	}
	return &Supervisor{
		cfg:         cfg,
		projectRoot: projectRoot,
		extraEnv:    extraEnv,
		sem:         semaphore.NewWeighted(int64(maxSessions)),
	}
}

// Start launches an execution context for the agent working on item. The
// payload is written to a task file whose path is passed as the final
// command argument. Fails with *LaunchError when the session cap is reached
// or the process cannot be spawned. restarts carries the cumulative restart
// count onto the new handle.
func (s *Supervisor) Start(ctx context.Context, agentID string, item *registry.WorkItem, restarts int) (*Handle, error) {
	if !s.sem.TryAcquire(1) {
		return nil, &LaunchError{AgentID: agentID, Err: fmt.Errorf("session limit reached")}
	}

	handle, err := s.start(ctx, agentID, item, restarts)
	if err != nil {
		s.sem.Release(1)
		return nil, err
	}
	return handle, nil
}

func (s *Supervisor) start(ctx context.Context, agentID string, item *registry.WorkItem, restarts int) (*Handle, error) {
	if err := s.waitForSlot(ctx); err != nil {
		return nil, &LaunchError{AgentID: agentID, Err: err}
	}

	taskFile, err := s.writeTaskFile(agentID, item)
	if err != nil {
		return nil, &LaunchError{AgentID: agentID, Err: err}
	}

	args := append(append([]string{}, s.cfg.Agent.Args...), taskFile)
	cmd := exec.Command(s.cfg.Agent.Command, args...)

	workDir := s.workDir(agentID)
	if workDir != "" {
		if err := os.MkdirAll(workDir, 0755); err != nil {
			return nil, &LaunchError{AgentID: agentID, Err: fmt.Errorf("create workspace: %w", err)}
		}
		cmd.Dir = workDir
	} else {
		cmd.Dir = s.projectRoot
	}

	cmd.Env = append(os.Environ(), s.extraEnv...)
	cmd.Env = append(cmd.Env,
		"FARMHAND_AGENT_ID="+agentID,
		"FARMHAND_WORK_ITEM="+item.ID,
		"FARMHAND_SESSION="+s.cfg.Session,
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &LaunchError{AgentID: agentID, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &LaunchError{AgentID: agentID, Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{AgentID: agentID, Err: err}
	}

	handle := NewHandle(agentID, cmd.Process.Pid, time.Now(), restarts)
	handle.cmd = cmd
	handle.taskFile = taskFile

	go scanOutput(stdout, handle)
	go scanOutput(stderr, handle)

	// Workspace writes count as activity alongside output lines.
	if workDir != "" {
		if watcher, watchErr := newActivityWatcher(workDir, handle.Touch); watchErr == nil {
			handle.watcher = watcher
		}
	}

	// The semaphore slot must be free before done closes: Terminate returns
	// on done, and a restart may call Start immediately after.
	go func() {
		err := cmd.Wait()
		if handle.watcher != nil {
			_ = handle.watcher.Close()
		}
		s.sem.Release(1)
		handle.MarkExited(err)
	}()

	return handle, nil
}

// waitForSlot enforces the minimum stagger between successive launches.
// Each caller reserves the next launch window before sleeping, so
// concurrent starts queue up rather than bunching.
func (s *Supervisor) waitForSlot(ctx context.Context) error {
	stagger := time.Duration(s.cfg.Execution.Stagger) * time.Second

	s.mu.Lock()
	now := time.Now()
	slot := s.nextLaunch
	if slot.Before(now) {
		slot = now
	}
	s.nextLaunch = slot.Add(stagger)
	s.mu.Unlock()

	wait := time.Until(slot)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Probe is a non-destructive liveness check: signal 0 to the process.
func (s *Supervisor) Probe(h *Handle) bool {
	if exited, _ := h.Exited(); exited {
		return false
	}
	return h.cmd.Process.Signal(syscall.Signal(0)) == nil
}

// Terminate shuts the session down: interrupt, wait out the grace period,
// then kill. It returns once the process has exited or the hard timeout
// after the kill has elapsed, so it always completes in bounded time.
func (s *Supervisor) Terminate(ctx context.Context, h *Handle, reason string) error {
	if exited, _ := h.Exited(); exited {
		return nil
	}

	grace := time.Duration(s.cfg.Health.GracePeriod) * time.Second
	if grace <= 0 {
		grace = 10 * time.Second
	}

	_ = h.cmd.Process.Signal(os.Interrupt)

	select {
	case <-h.done:
		return nil
	case <-time.After(grace):
	case <-ctx.Done():
	}

	_ = h.cmd.Process.Kill()

	select {
	case <-h.done:
		return nil
	case <-time.After(grace):
		return fmt.Errorf("session for agent %s did not exit after kill (%s)", h.AgentID, reason)
	}
}

// writeTaskFile persists the opaque payload for the agent to read.
func (s *Supervisor) writeTaskFile(agentID string, item *registry.WorkItem) (string, error) {
	dir := filepath.Join(s.projectRoot, ".farmhand", "tasks")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create tasks directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.task", agentID, item.ID))
	if err := os.WriteFile(path, item.Payload, 0644); err != nil {
		return "", fmt.Errorf("write task file: %w", err)
	}
	return path, nil
}

func (s *Supervisor) workDir(agentID string) string {
	if s.cfg.Agent.WorkDir == "" {
		return ""
	}
	dir := strings.ReplaceAll(s.cfg.Agent.WorkDir, "{agent}", agentID)
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(s.projectRoot, dir)
	}
	return dir
}
