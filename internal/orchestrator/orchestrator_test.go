package orchestrator

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/farmhand-dev/farmhand/internal/config"
	"github.com/farmhand-dev/farmhand/internal/log"
	"github.com/farmhand-dev/farmhand/internal/metrics"
	"github.com/farmhand-dev/farmhand/internal/monitor"
	"github.com/farmhand-dev/farmhand/internal/registry"
	"github.com/farmhand-dev/farmhand/internal/session"
)

// newTestOrchestrator wires a full orchestrator over a throwaway project
// directory, with sessions running the given shell script.
func newTestOrchestrator(t *testing.T, script string) *Orchestrator {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-based orchestrator tests require a POSIX shell")
	}

	projectRoot := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Agent.Command = "/bin/sh"
	cfg.Agent.Args = []string{"-c", script}
	cfg.Execution.Agents = 2
	cfg.Execution.Stagger = 0
	cfg.Execution.WaitAfterStart = 0
	cfg.Health.CheckInterval = 1
	cfg.Health.GracePeriod = 1

	store, err := registry.NewStore(filepath.Join(projectRoot, "registry.db"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	mirror, err := registry.NewMirror(filepath.Join(projectRoot, "coordination"))
	if err != nil {
		t.Fatalf("NewMirror failed: %v", err)
	}
	logger, err := log.NewLogger(projectRoot)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	sup := session.NewSupervisor(cfg, projectRoot, nil)
	return New(cfg, projectRoot, store, mirror, logger, metrics.New(), sup, monitor.New(cfg))
}

func enqueue(t *testing.T, o *Orchestrator, keys ...string) *registry.WorkItem {
	t.Helper()
	item := &registry.WorkItem{ResourceKeys: keys, Payload: []byte("task")}
	if err := o.store.Enqueue(item); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return item
}

// waitSlotExit blocks until the agent's session process has exited.
func waitSlotExit(t *testing.T, o *Orchestrator, agentID string) {
	t.Helper()
	sl, ok := o.slots[agentID]
	if !ok {
		t.Fatalf("no slot for %s", agentID)
	}
	select {
	case <-sl.tracked.Handle.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("session for %s did not exit", agentID)
	}
}

func TestIterate_ClaimsRunsAndCompletes(t *testing.T) {
	o := newTestOrchestrator(t, "echo working; exit 0")
	item := enqueue(t, o, "pkg/auth")

	ctx := context.Background()
	if err := o.iterate(ctx); err != nil {
		t.Fatalf("iterate failed: %v", err)
	}
	if len(o.slots) != 1 {
		t.Fatalf("expected 1 slot filled, got %d", len(o.slots))
	}

	waitSlotExit(t, o, "agent-01")
	if err := o.iterate(ctx); err != nil {
		t.Fatalf("second iterate failed: %v", err)
	}

	if len(o.slots) != 0 {
		t.Errorf("expected slot freed after completion, got %d", len(o.slots))
	}
	completed, _, _, _, _ := o.stats.Snapshot()
	if completed != 1 {
		t.Errorf("expected 1 completion, got %d", completed)
	}

	got, err := o.store.Item(item.ID)
	if err != nil {
		t.Fatalf("Item failed: %v", err)
	}
	if got.Status != registry.ItemCompleted {
		t.Errorf("expected item completed, got %q", got.Status)
	}

	entries, err := o.store.CompletedEntries()
	if err != nil {
		t.Fatalf("CompletedEntries failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected 1 completed entry, got %d", len(entries))
	}

	done, err := o.drained()
	if err != nil || !done {
		t.Errorf("expected run drained, got done=%t err=%v", done, err)
	}
}

func TestIterate_OverlappingItemBacksOff(t *testing.T) {
	o := newTestOrchestrator(t, "exec sleep 30")
	enqueue(t, o, "pkg/auth", "pkg/db")
	time.Sleep(5 * time.Millisecond) // keep FIFO order deterministic
	blocked := enqueue(t, o, "pkg/db")

	ctx := context.Background()
	if err := o.iterate(ctx); err != nil {
		t.Fatalf("iterate failed: %v", err)
	}
	defer o.shutdown()

	if len(o.slots) != 1 {
		t.Fatalf("expected exactly 1 session, got %d", len(o.slots))
	}

	got, err := o.store.Item(blocked.ID)
	if err != nil {
		t.Fatalf("Item failed: %v", err)
	}
	if got.Status != registry.ItemPending {
		t.Errorf("expected blocked item back in queue, got %q", got.Status)
	}
	// Denial backoff is a scheduling delay, not a failure: the requeue
	// counter that feeds the dead-letter bound stays at zero.
	if got.Requeues != 0 {
		t.Errorf("expected denial to leave requeues at 0, got %d", got.Requeues)
	}
	if got.NotBefore.IsZero() || !got.NotBefore.After(time.Now()) {
		t.Errorf("expected a future backoff window, got %v", got.NotBefore)
	}
}

func TestShutdown_RequeuesInFlightWork(t *testing.T) {
	o := newTestOrchestrator(t, "exec sleep 30")
	item := enqueue(t, o, "pkg/auth")

	if err := o.iterate(context.Background()); err != nil {
		t.Fatalf("iterate failed: %v", err)
	}
	if len(o.slots) != 1 {
		t.Fatalf("expected 1 session, got %d", len(o.slots))
	}

	o.shutdown()

	if len(o.slots) != 0 {
		t.Errorf("expected all sessions terminated, got %d", len(o.slots))
	}
	active, err := o.store.ActiveClaims()
	if err != nil {
		t.Fatalf("ActiveClaims failed: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("expected no active claims after shutdown, got %d", len(active))
	}
	got, err := o.store.Item(item.ID)
	if err != nil {
		t.Fatalf("Item failed: %v", err)
	}
	if got.Status != registry.ItemPending {
		t.Errorf("expected item requeued for the next run, got %q", got.Status)
	}
}

func TestLaunchFailure_EventuallyDeadLetters(t *testing.T) {
	o := newTestOrchestrator(t, "exit 0")
	o.cfg.Agent.Command = "/nonexistent/agent-binary"
	item := enqueue(t, o, "pkg/auth")

	ctx := context.Background()
	for i := 0; i < retryBound; i++ {
		if err := o.iterate(ctx); err != nil {
			t.Fatalf("iterate %d failed: %v", i, err)
		}
		// Skip the launch-failure backoff so the next cycle retries now.
		if got, _ := o.store.Item(item.ID); got != nil && got.Status == registry.ItemPending {
			if err := o.store.Requeue(item.ID, 0); err != nil {
				t.Fatalf("Requeue failed: %v", err)
			}
		}
	}

	got, err := o.store.Item(item.ID)
	if err != nil {
		t.Fatalf("Item failed: %v", err)
	}
	if got.Status != registry.ItemDead {
		t.Errorf("expected item dead-lettered after %d launch failures, got %q", retryBound, got.Status)
	}

	alerts, err := o.logger.ReadAlerts()
	if err != nil {
		t.Fatalf("ReadAlerts failed: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Event != log.EventWorkDeadLettered {
		t.Errorf("expected a dead-letter alert, got %+v", alerts)
	}
}

func TestRestartLaunchFailure_RetriesThenDeadLetters(t *testing.T) {
	o := newTestOrchestrator(t, "exec sleep 30")
	item := enqueue(t, o, "pkg/auth")

	ctx := context.Background()
	if err := o.iterate(ctx); err != nil {
		t.Fatalf("iterate failed: %v", err)
	}
	defer o.shutdown()
	sl, ok := o.slots["agent-01"]
	if !ok {
		t.Fatal("expected a slot for agent-01")
	}

	// Break the agent binary, then force a restart of the live session.
	o.cfg.Agent.Command = "/nonexistent/agent-binary"
	sl.tracked.State = monitor.StateRestarting
	o.restartSession(ctx, sl, "context low")

	if sl.tracked.State != monitor.StateRestarting {
		t.Fatalf("expected slot still restarting after failed relaunch, got %s", sl.tracked.State)
	}
	if o.launchFails[item.ID] != 1 {
		t.Fatalf("expected 1 launch failure recorded, got %d", o.launchFails[item.ID])
	}

	// Every poll retries the relaunch; at the bound the seat is freed and
	// the item dead-lettered instead of wedging the run.
	o.pollSessions(ctx, time.Now())
	if o.launchFails[item.ID] != 2 {
		t.Fatalf("expected relaunch retried on poll, got %d failures", o.launchFails[item.ID])
	}
	o.pollSessions(ctx, time.Now())

	if len(o.slots) != 0 {
		t.Errorf("expected seat freed after escalation, got %d slots", len(o.slots))
	}
	got, err := o.store.Item(item.ID)
	if err != nil {
		t.Fatalf("Item failed: %v", err)
	}
	if got.Status != registry.ItemDead {
		t.Errorf("expected item dead-lettered, got %q", got.Status)
	}
	active, err := o.store.ActiveClaims()
	if err != nil {
		t.Fatalf("ActiveClaims failed: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("expected claim released on escalation, got %d", len(active))
	}
	done, err := o.drained()
	if err != nil || !done {
		t.Errorf("expected run drained, got done=%t err=%v", done, err)
	}
}

func TestRestartLaunchFailure_RecoversNextCycle(t *testing.T) {
	o := newTestOrchestrator(t, "exec sleep 30")
	item := enqueue(t, o, "pkg/auth")

	ctx := context.Background()
	if err := o.iterate(ctx); err != nil {
		t.Fatalf("iterate failed: %v", err)
	}
	defer o.shutdown()
	sl := o.slots["agent-01"]

	goodCommand := o.cfg.Agent.Command
	o.cfg.Agent.Command = "/nonexistent/agent-binary"
	sl.tracked.State = monitor.StateRestarting
	o.restartSession(ctx, sl, "context low")
	if sl.tracked.State != monitor.StateRestarting {
		t.Fatalf("expected failed relaunch to stay restarting, got %s", sl.tracked.State)
	}

	// Once the binary is back, the next poll relaunches under the same claim.
	o.cfg.Agent.Command = goodCommand
	o.pollSessions(ctx, time.Now())

	// With no settle delay the relaunched session reaches RUNNING within
	// the same poll.
	if sl.tracked.State != monitor.StateRunning {
		t.Errorf("expected session relaunched and settled, got state %s", sl.tracked.State)
	}
	if sl.tracked.RestartCount != 1 {
		t.Errorf("expected restart count 1, got %d", sl.tracked.RestartCount)
	}
	if _, tracked := o.launchFails[item.ID]; tracked {
		t.Error("expected launch-failure count cleared after successful relaunch")
	}
	claim, err := o.store.ClaimByAgent("agent-01")
	if err != nil {
		t.Fatalf("ClaimByAgent failed: %v", err)
	}
	if claim == nil {
		t.Error("expected claim preserved across the restart")
	}
}

func TestFillSlots_SkipsAgentIDsHeldByPreviousRun(t *testing.T) {
	o := newTestOrchestrator(t, "exec sleep 30")

	// A claim surviving from a previous run still owns agent-01 in the
	// registry; this run must not hand that ID out again.
	leftover := enqueue(t, o, "pkg/db")
	if _, err := o.store.TryClaim("agent-01", leftover.ResourceKeys, leftover.ID); err != nil {
		t.Fatalf("TryClaim failed: %v", err)
	}

	item := enqueue(t, o, "pkg/auth")
	if err := o.iterate(context.Background()); err != nil {
		t.Fatalf("iterate failed: %v", err)
	}
	defer o.shutdown()

	sl, ok := o.slots["agent-02"]
	if !ok {
		t.Fatalf("expected disjoint item claimed under agent-02, slots: %v", o.slots)
	}
	if sl.item.ID != item.ID {
		t.Errorf("expected item %s scheduled, got %s", item.ID, sl.item.ID)
	}
}

func TestFreeAgentID_SkipsTakenSlots(t *testing.T) {
	o := newTestOrchestrator(t, "exit 0")
	o.slots["agent-01"] = &slot{agentID: "agent-01"}
	o.slots["agent-03"] = &slot{agentID: "agent-03"}

	if got := o.freeAgentID(nil); got != "agent-02" {
		t.Errorf("expected agent-02, got %s", got)
	}

	// Agent IDs held by persisted claims are taken too.
	active := []registry.Claim{{AgentID: "agent-02"}}
	if got := o.freeAgentID(active); got != "agent-04" {
		t.Errorf("expected agent-04, got %s", got)
	}
}
