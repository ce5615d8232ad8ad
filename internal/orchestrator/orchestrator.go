package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/farmhand-dev/farmhand/internal/config"
	"github.com/farmhand-dev/farmhand/internal/log"
	"github.com/farmhand-dev/farmhand/internal/metrics"
	"github.com/farmhand-dev/farmhand/internal/monitor"
	"github.com/farmhand-dev/farmhand/internal/registry"
	"github.com/farmhand-dev/farmhand/internal/resolve"
	"github.com/farmhand-dev/farmhand/internal/session"
)

// retryBound is how many failures a work item survives before it is
// dead-lettered. Launch failures and stale-claim reclamations both count;
// denial backoff does not.
const retryBound = 3

// slot couples a claim with its tracked session. One slot per agent.
type slot struct {
	agentID string
	claim   *registry.Claim
	item    *registry.WorkItem
	tracked *monitor.Tracked
}

// Orchestrator runs the single-threaded control loop: reclaim stale claims,
// fill free worker slots from the queue, act on health transitions, and keep
// the mirror documents fresh. It polls and dispatches; it never blocks on
// agent work.
type Orchestrator struct {
	cfg         *config.Config
	projectRoot string
	store       *registry.Store
	mirror      *registry.Mirror
	logger      *log.Logger
	met         *metrics.Metrics
	sup         *session.Supervisor
	mon         *monitor.Monitor
	breaker     *CircuitBreaker
	stats       *RunStats

	slots        map[string]*slot // agentID -> slot
	denials      map[string]int   // work item ID -> denied claim attempts
	launchFails  map[string]int   // work item ID -> failed launch attempts
	haltedLogged bool
}

// New wires up an orchestrator. The supervisor and monitor are constructed
// by the caller so tests can substitute configurations.
func New(
	cfg *config.Config,
	projectRoot string,
	store *registry.Store,
	mirror *registry.Mirror,
	logger *log.Logger,
	met *metrics.Metrics,
	sup *session.Supervisor,
	mon *monitor.Monitor,
) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		projectRoot: projectRoot,
		store:       store,
		mirror:      mirror,
		logger:      logger,
		met:         met,
		sup:         sup,
		mon:         mon,
		breaker:     NewCircuitBreaker(3),
		stats:       &RunStats{},
		slots:       make(map[string]*slot),
		denials:     make(map[string]int),
		launchFails: make(map[string]int),
	}
}

// Stats exposes the run counters.
func (o *Orchestrator) Stats() *RunStats {
	return o.stats
}

// Run drives the control loop until the queue is drained and all sessions
// have finished, or ctx is cancelled. On cancellation all sessions are
// terminated cleanly before returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	started := time.Now()
	depth, _ := o.store.QueueDepth()
	_ = o.logger.Append(log.LogEvent{
		Event: log.EventRunStarted,
		Total: depth,
		Data:  map[string]interface{}{"session": o.cfg.Session, "agents": o.cfg.Execution.Agents},
	})

	interval := time.Duration(o.cfg.Health.CheckInterval) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			o.logRunComplete(started)
			return nil
		case <-ticker.C:
			if err := o.iterate(ctx); err != nil {
				o.breaker.RecordFailure()
				_ = o.logger.Append(log.LogEvent{Event: log.EventRegistryError, Error: err.Error()})
				if o.breaker.SchedulingHalted() && !o.haltedLogged {
					o.haltedLogged = true
					_ = o.logger.Alert(log.LogEvent{
						Event:  log.EventSchedulingHalted,
						Reason: fmt.Sprintf("%d consecutive registry failures", o.breaker.Failures()),
						Error:  err.Error(),
					})
				}
				continue
			}
			if o.haltedLogged {
				o.haltedLogged = false
				_ = o.logger.Append(log.LogEvent{Event: log.EventSchedulingResumed})
			}
			o.breaker.RecordSuccess()

			done, err := o.drained()
			if err == nil && done {
				o.logRunComplete(started)
				return nil
			}
		}
	}
}

// iterate performs one polling cycle. A returned error counts as a registry
// failure toward the circuit breaker; running sessions are still polled.
func (o *Orchestrator) iterate(ctx context.Context) error {
	now := time.Now()

	if err := o.reclaimStale(); err != nil {
		o.pollSessions(ctx, now) // keep supervising even when the registry is down
		return err
	}

	o.renewHeartbeats(now)
	o.pollSessions(ctx, now)

	if !o.breaker.SchedulingHalted() {
		if err := o.fillSlots(ctx); err != nil {
			return err
		}
	}

	o.updateGauges()
	if err := o.mirror.Export(o.store); err != nil {
		return fmt.Errorf("export mirror documents: %w", err)
	}
	return nil
}

// reclaimStale force-removes claims whose heartbeat missed the TTL and
// requeues their work. Items that have burned through the retry bound come
// back dead-lettered instead of requeued.
func (o *Orchestrator) reclaimStale() error {
	ttl := time.Duration(o.cfg.Registry.TTLSec) * time.Second
	reclaimed, err := o.store.ReclaimStale(ttl, retryBound)
	if err != nil {
		return fmt.Errorf("reclaim stale claims: %w", err)
	}
	for _, c := range reclaimed {
		o.met.ClaimsReclaimed.Inc()
		_ = o.mirror.RemoveLockFiles(c.AgentID)
		_ = o.logger.Append(log.LogEvent{
			Event:        log.EventClaimReclaimed,
			AgentID:      c.AgentID,
			ClaimID:      c.ID,
			WorkItemID:   c.WorkItemID,
			ResourceKeys: c.ResourceKeys,
			Reason:       fmt.Sprintf("no heartbeat since %s", c.LastHeartbeatAt.Format(time.RFC3339)),
		})
		if item, itemErr := o.store.Item(c.WorkItemID); itemErr == nil && item.Status == registry.ItemDead {
			o.stats.RecordDeadLetter()
			o.met.DeadLettered.Inc()
			_ = o.logger.Alert(log.LogEvent{
				Event:      log.EventWorkDeadLettered,
				WorkItemID: c.WorkItemID,
				Reason:     fmt.Sprintf("reclaimed %d times without completing", item.Requeues),
			})
		}
	}
	o.stats.RecordReclaims(len(reclaimed))
	return nil
}

// renewHeartbeats heartbeats on behalf of sessions with recent observable
// activity, so agents that never call the coordinator endpoint still keep
// their claims while genuinely working. A reclaimed claim under a live
// session means ownership was lost: the session is marked for termination.
func (o *Orchestrator) renewHeartbeats(now time.Time) {
	idle := time.Duration(o.cfg.Health.IdleTimeout) * time.Second
	for _, sl := range o.slots {
		if exited, _ := sl.tracked.Handle.Exited(); exited {
			continue
		}
		if now.Sub(sl.tracked.Handle.LastActivity()) > idle {
			continue
		}
		err := o.store.Heartbeat(sl.claim.ID)
		if errors.Is(err, registry.ErrUnknownClaim) {
			sl.tracked.State = monitor.StateTerminated
			_ = o.sup.Terminate(context.Background(), sl.tracked.Handle, "claim reclaimed")
			delete(o.slots, sl.agentID)
		}
	}
}

// pollSessions applies health transitions for every tracked session,
// re-evaluating after each applied transition so a suspect can resolve to a
// restart or escalation within the same cycle.
func (o *Orchestrator) pollSessions(ctx context.Context, now time.Time) {
	for _, sl := range o.slots {
		// A slot still in RESTARTING means the relaunch failed last cycle;
		// retry it here so the seat never wedges. At the retry bound
		// restartSession escalates and frees the slot.
		if sl.tracked.State == monitor.StateRestarting {
			o.restartSession(ctx, sl, "retrying failed relaunch")
			if sl.tracked.State != monitor.StateStarting {
				continue
			}
		}
		for i := 0; i < 4; i++ {
			tr := sl.tracked.Evaluate(o.mon, now)
			if tr.To == "" {
				break
			}
			sl.tracked.Apply(tr)

			switch tr.Action {
			case monitor.ActionRestart:
				o.restartSession(ctx, sl, tr.Reason)
			case monitor.ActionComplete:
				o.completeSession(sl)
			case monitor.ActionEscalate:
				o.escalateSession(ctx, sl, tr.Reason)
			}
			if sl.tracked.State == monitor.StateTerminated {
				break
			}
		}
	}
}

// restartSession replaces the execution context while preserving the claim.
// The claim is not re-resolved: the same agent resumes the same resource-key
// set under a fresh session handle.
func (o *Orchestrator) restartSession(ctx context.Context, sl *slot, reason string) {
	_ = o.sup.Terminate(ctx, sl.tracked.Handle, reason)

	handle, err := o.sup.Start(ctx, sl.agentID, sl.item, sl.tracked.RestartCount+1)
	if err != nil {
		o.launchFails[sl.item.ID]++
		if o.launchFails[sl.item.ID] >= retryBound {
			o.escalateSession(ctx, sl, fmt.Sprintf("restart launch failed repeatedly: %v", err))
			return
		}
		// Stay in RESTARTING; pollSessions retries the launch next cycle.
		_ = o.logger.Append(log.LogEvent{
			Event:   log.EventRegistryError,
			AgentID: sl.agentID,
			Error:   err.Error(),
			Reason:  "restart launch failed",
		})
		return
	}

	delete(o.launchFails, sl.item.ID)
	sl.tracked.Replace(handle)
	o.stats.RecordRestart()
	o.met.SessionsRestarted.Inc()
	o.met.SessionsStarted.Inc()
	_ = o.logger.Append(log.LogEvent{
		Event:      log.EventSessionRestarted,
		AgentID:    sl.agentID,
		ClaimID:    sl.claim.ID,
		WorkItemID: sl.item.ID,
		Restarts:   sl.tracked.RestartCount,
		Reason:     reason,
	})
}

// completeSession releases the claim with outcome success and appends the
// completed-work record.
func (o *Orchestrator) completeSession(sl *slot) {
	summary := sl.tracked.Handle.State()
	if err := o.store.Release(sl.claim.ID, registry.OutcomeSuccess, summary, ""); err != nil {
		_ = o.logger.Append(log.LogEvent{Event: log.EventRegistryError, Error: err.Error()})
		return
	}

	_ = o.mirror.AppendCompleted(registry.CompletedEntry{
		AgentID:      sl.agentID,
		WorkItemID:   sl.item.ID,
		ResourceKeys: sl.claim.ResourceKeys,
		Summary:      summary,
		FinishedAt:   time.Now().UTC(),
	})
	_ = o.mirror.RemoveLockFiles(sl.agentID)

	o.stats.RecordCompletion()
	o.met.ClaimsReleased.Inc()
	o.met.ClaimHoldSeconds.Observe(time.Since(sl.claim.CreatedAt).Seconds())
	_ = o.logger.Append(log.LogEvent{
		Event:        log.EventClaimReleased,
		AgentID:      sl.agentID,
		ClaimID:      sl.claim.ID,
		WorkItemID:   sl.item.ID,
		ResourceKeys: sl.claim.ResourceKeys,
		Restarts:     sl.tracked.RestartCount,
		DurationMs:   time.Since(sl.claim.CreatedAt).Milliseconds(),
	})

	delete(o.slots, sl.agentID)
}

// escalateSession terminates without restart, releases the claim with
// outcome aborted, dead-letters the work item, and writes an alert record.
func (o *Orchestrator) escalateSession(ctx context.Context, sl *slot, reason string) {
	_ = o.sup.Terminate(ctx, sl.tracked.Handle, reason)
	sl.tracked.State = monitor.StateTerminated

	if err := o.store.Release(sl.claim.ID, registry.OutcomeAborted, "", ""); err != nil {
		_ = o.logger.Append(log.LogEvent{Event: log.EventRegistryError, Error: err.Error()})
	}
	if err := o.store.DeadLetter(sl.item.ID); err != nil && !errors.Is(err, registry.ErrUnknownItem) {
		_ = o.logger.Append(log.LogEvent{Event: log.EventRegistryError, Error: err.Error()})
	}
	_ = o.mirror.RemoveLockFiles(sl.agentID)

	o.stats.RecordEscalation()
	o.stats.RecordDeadLetter()
	o.met.Escalations.Inc()
	o.met.DeadLettered.Inc()
	o.met.ClaimsReleased.Inc()
	_ = o.logger.Alert(log.LogEvent{
		Event:        log.EventEscalation,
		AgentID:      sl.agentID,
		ClaimID:      sl.claim.ID,
		WorkItemID:   sl.item.ID,
		ResourceKeys: sl.claim.ResourceKeys,
		Restarts:     sl.tracked.RestartCount,
		Reason:       reason,
	})
	_ = o.logger.Append(log.LogEvent{
		Event:      log.EventWorkDeadLettered,
		WorkItemID: sl.item.ID,
		Reason:     reason,
	})

	delete(o.slots, sl.agentID)
}

// fillSlots claims queued work for free agent slots and launches sessions.
// Denied and deferred items go back to the queue with a capped exponential
// backoff; first claim wins, losers never block synchronously.
func (o *Orchestrator) fillSlots(ctx context.Context) error {
	for len(o.slots) < o.cfg.Execution.Agents {
		item, err := o.store.NextPending()
		if err != nil {
			return fmt.Errorf("next pending item: %w", err)
		}
		if item == nil {
			return nil
		}

		active, err := o.store.ActiveClaims()
		if err != nil {
			return fmt.Errorf("snapshot active claims: %w", err)
		}

		decision := resolve.Resolve(item.ResourceKeys, active)
		if decision.Kind != resolve.Allow {
			o.requeueDenied(item, decision)
			continue
		}

		agentID := o.freeAgentID(active)
		claim, err := o.store.TryClaim(agentID, item.ResourceKeys, item.ID)
		if err != nil {
			var conflict *registry.ConflictError
			if errors.As(err, &conflict) {
				// Lost the race between snapshot and insert; treat as a denial.
				o.requeueDenied(item, resolve.Decision{
					Kind: resolve.Deny, Holder: conflict.Holder, Overlap: conflict.OverlappingKeys,
				})
				continue
			}
			return fmt.Errorf("claim %s for %s: %w", item.ID, agentID, err)
		}

		delete(o.denials, item.ID)
		o.met.ClaimsGranted.Inc()
		_ = o.logger.Append(log.LogEvent{
			Event:        log.EventClaimGranted,
			AgentID:      agentID,
			ClaimID:      claim.ID,
			WorkItemID:   item.ID,
			ResourceKeys: item.ResourceKeys,
		})

		if _, err := o.mirror.WriteLockFile(claim); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: writing lock file for %s: %v\n", agentID, err)
		}

		handle, err := o.sup.Start(ctx, agentID, item, 0)
		if err != nil {
			o.handleLaunchFailure(item, claim, agentID, err)
			continue
		}

		o.slots[agentID] = &slot{
			agentID: agentID,
			claim:   claim,
			item:    item,
			tracked: monitor.NewTracked(handle),
		}
		o.met.SessionsStarted.Inc()
		_ = o.logger.Append(log.LogEvent{
			Event:      log.EventSessionStarted,
			AgentID:    agentID,
			ClaimID:    claim.ID,
			WorkItemID: item.ID,
		})
	}
	return nil
}

// requeueDenied pushes a denied or deferred item back onto the queue with
// backoff and records the denial.
func (o *Orchestrator) requeueDenied(item *registry.WorkItem, d resolve.Decision) {
	o.denials[item.ID]++
	delay := resolve.Backoff(o.denials[item.ID])
	if err := o.store.Postpone(item.ID, delay); err != nil {
		_ = o.logger.Append(log.LogEvent{Event: log.EventRegistryError, Error: err.Error()})
		return
	}
	o.met.ClaimsDenied.Inc()
	_ = o.logger.Append(log.LogEvent{
		Event:        log.EventClaimDenied,
		WorkItemID:   item.ID,
		ResourceKeys: d.Overlap,
		Holder:       d.Holder,
		Reason:       d.Kind,
		Requeues:     o.denials[item.ID],
		Data:         map[string]interface{}{"retry_in": delay.String()},
	})
}

// handleLaunchFailure releases the just-acquired claim and either requeues
// or dead-letters the item depending on how often its launches have failed.
func (o *Orchestrator) handleLaunchFailure(item *registry.WorkItem, claim *registry.Claim, agentID string, launchErr error) {
	if err := o.store.Release(claim.ID, registry.OutcomeAborted, "", ""); err != nil {
		_ = o.logger.Append(log.LogEvent{Event: log.EventRegistryError, Error: err.Error()})
	}
	_ = o.mirror.RemoveLockFiles(agentID)

	o.launchFails[item.ID]++
	if o.launchFails[item.ID] >= retryBound {
		if err := o.store.DeadLetter(item.ID); err != nil {
			_ = o.logger.Append(log.LogEvent{Event: log.EventRegistryError, Error: err.Error()})
		}
		o.stats.RecordDeadLetter()
		o.met.DeadLettered.Inc()
		_ = o.logger.Alert(log.LogEvent{
			Event:      log.EventWorkDeadLettered,
			WorkItemID: item.ID,
			Reason:     fmt.Sprintf("launch failed %d times: %v", o.launchFails[item.ID], launchErr),
		})
		return
	}

	if err := o.store.Requeue(item.ID, resolve.Backoff(o.launchFails[item.ID])); err != nil {
		_ = o.logger.Append(log.LogEvent{Event: log.EventRegistryError, Error: err.Error()})
	}
	_ = o.logger.Append(log.LogEvent{
		Event:      log.EventWorkRequeued,
		WorkItemID: item.ID,
		AgentID:    agentID,
		Reason:     fmt.Sprintf("launch error: %v", launchErr),
	})
}

// freeAgentID returns the lowest agent slot name not currently in use. The
// registry survives orchestrator restarts, so claims from a previous run may
// still hold agent IDs this run has no slot for; those IDs are skipped too,
// since claims.agent_id carries a UNIQUE constraint.
func (o *Orchestrator) freeAgentID(active []registry.Claim) string {
	held := make(map[string]bool, len(active))
	for _, c := range active {
		held[c.AgentID] = true
	}
	for i := 1; ; i++ {
		id := fmt.Sprintf("agent-%02d", i)
		if _, taken := o.slots[id]; !taken && !held[id] {
			return id
		}
	}
}

// shutdown terminates all sessions, releases their claims, and requeues
// their items without backoff so a later run picks them up immediately.
func (o *Orchestrator) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Duration(o.cfg.Health.GracePeriod+5)*time.Second)
	defer cancel()

	for _, sl := range o.slots {
		_ = o.sup.Terminate(ctx, sl.tracked.Handle, "shutdown")
		if err := o.store.Release(sl.claim.ID, registry.OutcomeAborted, "", ""); err == nil {
			_ = o.store.Postpone(sl.item.ID, 0)
		}
		_ = o.mirror.RemoveLockFiles(sl.agentID)
		delete(o.slots, sl.agentID)
	}

	o.updateGauges()
	_ = o.mirror.Export(o.store)
}

// drained reports whether there is nothing left to schedule or supervise.
func (o *Orchestrator) drained() (bool, error) {
	if len(o.slots) > 0 {
		return false, nil
	}
	depth, err := o.store.QueueDepth()
	if err != nil {
		return false, err
	}
	if depth > 0 {
		return false, nil
	}
	active, err := o.store.ActiveClaims()
	if err != nil {
		return false, err
	}
	return len(active) == 0, nil
}

func (o *Orchestrator) updateGauges() {
	if depth, err := o.store.QueueDepth(); err == nil {
		o.met.QueueDepth.Set(float64(depth))
	}
	if active, err := o.store.ActiveClaims(); err == nil {
		o.met.ActiveClaims.Set(float64(len(active)))
	}
	o.met.RunningSessions.Set(float64(len(o.slots)))
}

func (o *Orchestrator) logRunComplete(started time.Time) {
	completed, escalated, reclaimed, restarts, dead := o.stats.Snapshot()
	_ = o.logger.Append(log.LogEvent{
		Event:      log.EventRunComplete,
		Completed:  completed,
		Escalated:  escalated,
		Reclaimed:  reclaimed,
		Restarts:   restarts,
		DurationMs: time.Since(started).Milliseconds(),
		Data:       map[string]interface{}{"dead_lettered": dead},
	})
}
