package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"goa.design/powermode/message"
	"goa.design/powermode/objective"
	"goa.design/powermode/registry"
	"goa.design/powermode/store"
)

// onTick runs the periodic housekeeping: heartbeat reaping, barrier
// expiry, human ack polling, orphan drain, and the session hard cap.
func (c *Coordinator) onTick(ctx context.Context) error {
	now := time.Now()

	// Three missed heartbeats and the agent is gone.
	grace := 3 * c.opts.HeartbeatInterval
	for _, evt := range c.agents.Reap(now, grace) {
		c.handleDown(ctx, evt)
	}

	for _, b := range c.barriers.Expire(now) {
		c.settleBarrier(ctx, b.ID)
	}

	c.pollHumanAcks(ctx)
	c.drainOrphanedTasks(ctx)
	c.maybeOpenPhaseBarrier(ctx)

	if now.Sub(c.startedAt) > c.opts.SessionTimeout {
		return c.failSession(ctx, "timeout", "session exceeded the runtime cap")
	}
	return nil
}

// pollHumanAcks resumes paused agents whose ack key a human has set.
func (c *Coordinator) pollHumanAcks(ctx context.Context) {
	for _, a := range c.agents.Active() {
		if !c.guard.Paused(a.ID) {
			continue
		}
		v, err := c.opts.Store.Get(ctx, store.HumanAckKey(a.ID))
		if err != nil || v == nil {
			continue
		}
		c.guard.Resume(a.ID)
		// Consume the ack so a later escalation needs a fresh one.
		_, _ = c.opts.Store.CAS(ctx, store.HumanAckKey(a.ID), v, nil, 0)
		c.ledger(ctx, "human_ack", map[string]any{"agent_id": a.ID})
	}
}

// drainOrphanedTasks retries parked tasks while eligible agents exist. Each
// pop either reassigns or pushes the task back; a task that still has no
// taker stays parked without re-escalating.
func (c *Coordinator) drainOrphanedTasks(ctx context.Context) {
	if len(c.agents.Active()) == 0 {
		return
	}
	for i := 0; i < 8; i++ {
		b, err := c.opts.Store.RPop(ctx, store.KeyOrphanedTasks)
		if err != nil || b == nil {
			return
		}
		var t registry.Task
		if err := json.Unmarshal(b, &t); err != nil {
			c.opts.Logger.Warn(ctx, "discard unreadable orphan task", "err", err)
			continue
		}
		if !c.tryAssign(ctx, t) {
			if err := c.opts.Store.LPush(ctx, store.KeyOrphanedTasks, b); err != nil {
				c.opts.Logger.Error(ctx, "repark orphan task", "task_id", t.ID, "err", err)
			}
			return
		}
	}
}

// tryAssign hands the task to the first eligible agent, if any.
func (c *Coordinator) tryAssign(ctx context.Context, t registry.Task) bool {
	for _, a := range c.agents.Active() {
		if c.guard.Paused(a.ID) {
			continue
		}
		if t.RequiredType != "" && a.Type != t.RequiredType {
			continue
		}
		c.assignTask(ctx, a.ID, t, -1)
		c.stats.reassignments++
		c.ledger(ctx, "task_reassigned", map[string]any{"task_id": t.ID, "agent_id": a.ID})
		return true
	}
	return false
}

// maybeOpenPhaseBarrier opens the current phase's barrier once the phase's
// task set has drained, so an unattended session still moves through its
// phases without an explicit sync request. A phase that never completed a
// tracked task waits for RequestPhaseSync; a phase with work still in flight
// (including parked orphans) keeps its barrier shut.
func (c *Coordinator) maybeOpenPhaseBarrier(ctx context.Context) {
	if c.obj.Lifecycle != objective.LifecycleRunning {
		return
	}
	if c.barriers.ForPhase(c.obj.CurrentPhaseIndex) != nil {
		return
	}
	if c.phaseTasksDone == 0 || len(c.taskOwner) > 0 {
		return
	}
	c.openPhaseBarrier(ctx)
}

// failSession terminates the objective and announces the failure.
func (c *Coordinator) failSession(ctx context.Context, reason, summary string) error {
	if err := c.obj.Fail(); err != nil {
		return err
	}
	c.send(ctx, store.ChannelBroadcast, &message.ObjectiveFailed{
		Envelope: c.env(),
		Summary:  summary,
		Reason:   reason,
	})
	if err := c.persistObjective(ctx); err != nil {
		c.opts.Logger.Error(ctx, "persist objective", "err", err)
	}
	c.ledger(ctx, "objective_failed", map[string]any{"reason": reason})
	c.opts.Metrics.IncCounter("sessions_failed", 1, "reason:"+reason)
	return nil
}
