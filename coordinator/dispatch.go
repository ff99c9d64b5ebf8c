package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"goa.design/powermode/barrier"
	"goa.design/powermode/guardrail"
	"goa.design/powermode/message"
	"goa.design/powermode/objective"
	"goa.design/powermode/registry"
	"goa.design/powermode/store"
)

// dispatch handles one inbound message inside the loop.
func (c *Coordinator) dispatch(ctx context.Context, ev event) {
	ctx, span := c.opts.Tracer.StartSpan(ctx, "coordinator.dispatch")
	span.SetAttribute("message.type", string(ev.msg.Type()))
	span.SetAttribute("channel", ev.channel)
	defer span.End()

	now := time.Now()
	switch m := ev.msg.(type) {
	case *message.Heartbeat:
		if err := c.agents.RecordHeartbeat(m.Sender, m.Phase, m.ToolCallCount, now); err != nil {
			c.recordInvalid(ctx, m.Sender, now)
			return
		}
		c.snapshotAgent(ctx, m.Sender)
	case *message.Checkin:
		c.handleCheckin(ctx, m, now)
	case *message.InsightMessage:
		defer c.pendingInsights.Add(-1)
		c.handleInsight(ctx, m.Sender, m.Insight)
	case *message.TaskComplete:
		c.handleTaskComplete(ctx, m)
	case *message.SyncAck:
		if err := c.barriers.Ack(m.BarrierID, m.Sender); err != nil {
			c.recordInvalid(ctx, m.Sender, now)
			return
		}
		c.settleBarrier(ctx, m.BarrierID)
	case *message.HumanEscalate:
		c.handleEscalation(ctx, m)
	case *message.AgentDown:
		// External down notice (agent announced its own shutdown).
		if a := c.agents.Agent(m.AgentID); a != nil {
			c.agents.Retire(m.AgentID)
			c.routes.Unsubscribe(m.AgentID)
			c.barriers.RemoveParticipant(m.AgentID)
		}
	default:
		c.opts.Logger.Debug(ctx, "ignoring message", "channel", ev.channel, "type", string(ev.msg.Type()))
	}
}

func (c *Coordinator) handleCheckin(ctx context.Context, m *message.Checkin, now time.Time) {
	if err := c.agents.RecordCheckin(m.Sender, now); err != nil {
		c.recordInvalid(ctx, m.Sender, now)
		return
	}
	verdict := c.guard.CheckCheckin(m.Sender, m.FilesTouched, m.ProgressNote)
	c.applyVerdict(ctx, m.Sender, verdict)
	c.snapshotAgent(ctx, m.Sender)
}

// handleInsight guards then routes one insight. The router only decides;
// the store writes happen here.
func (c *Coordinator) handleInsight(ctx context.Context, sender string, in message.Insight) {
	c.stats.insights++
	verdict := c.guard.CheckInsight(sender, in)
	c.applyVerdict(ctx, sender, verdict)
	if c.guard.Paused(sender) {
		// Withhold routed copies from a paused agent's insight until a human
		// decides; the insight itself still lands in the orphan list so it is
		// not lost.
		c.orphanInsight(ctx, in)
		return
	}

	var active []string
	for _, a := range c.agents.Active() {
		active = append(active, a.ID)
	}
	d := c.routes.Route(in, active)

	if d.ToCoordinator {
		c.ledger(ctx, "blocker_insight", map[string]any{"insight_id": in.ID, "agent_id": in.SourceAgentID})
	}
	if in.Tags.Has(message.TagPattern) {
		c.rememberPattern(ctx, in)
	}
	for _, id := range d.AgentIDs {
		im := &message.InsightMessage{Envelope: c.env(), Insight: in}
		c.send(ctx, store.AgentChannel(id), im)
	}
	if d.EscalateQuestion {
		esc := &message.HumanEscalate{
			Envelope: c.env(),
			Category: "unanswered-question",
			Context:  in.Payload,
			AgentID:  in.SourceAgentID,
		}
		c.stats.escalations++
		c.send(ctx, store.ChannelHuman, esc)
		c.ledger(ctx, "question_escalated", map[string]any{"insight_id": in.ID})
	}
	if d.Orphan {
		c.orphanInsight(ctx, in)
	}
	c.opts.Metrics.IncCounter("insights_routed", 1, "fanout:"+strconv.Itoa(len(d.AgentIDs)))
}

// orphanInsight appends the insight to the durable orphan list exactly once.
func (c *Coordinator) orphanInsight(ctx context.Context, in message.Insight) {
	b, err := json.Marshal(in)
	if err != nil {
		c.opts.Logger.Error(ctx, "marshal orphan insight", "insight_id", in.ID, "err", err)
		return
	}
	if err := c.opts.Store.LPush(ctx, store.KeyOrphanedInsights, b); err != nil {
		c.opts.Logger.Error(ctx, "store orphan insight", "insight_id", in.ID, "err", err)
	}
}

// rememberPattern persists a pattern-tagged insight for cross-session
// learning. Write-only from the core's perspective: future sessions read it
// out of band.
func (c *Coordinator) rememberPattern(ctx context.Context, in message.Insight) {
	b, err := json.Marshal(in)
	if err != nil {
		return
	}
	if err := c.opts.Store.Set(ctx, store.PatternKey(in.ID), b, PatternRetention); err != nil {
		c.opts.Logger.Debug(ctx, "persist pattern failed", "insight_id", in.ID, "err", err)
	}
}

func (c *Coordinator) handleTaskComplete(ctx context.Context, m *message.TaskComplete) {
	owner := c.taskOwner[m.TaskID]
	if owner == "" {
		owner = m.Sender
	}
	if err := c.agents.CompleteTask(owner, m.TaskID); err != nil {
		c.recordInvalid(ctx, m.Sender, time.Now())
		return
	}
	delete(c.taskOwner, m.TaskID)
	c.stats.tasksByAgent[owner]++
	c.phaseTasksDone++
	if idx, ok := c.taskCrit[m.TaskID]; ok {
		delete(c.taskCrit, m.TaskID)
		if m.OK {
			if err := c.obj.MarkCriterion(idx, true); err != nil {
				c.opts.Logger.Warn(ctx, "mark criterion failed", "task_id", m.TaskID, "err", err)
			}
			if err := c.persistObjective(ctx); err != nil {
				c.opts.Logger.Error(ctx, "persist objective", "err", err)
			}
		}
	}
	c.ledger(ctx, "task_complete", map[string]any{"task_id": m.TaskID, "agent_id": m.Sender, "ok": m.OK})
	c.snapshotAgent(ctx, owner)
	c.maybeComplete(ctx)
}

// handleEscalation pauses the agent until a human acknowledges via the ack
// key. The session itself keeps running.
func (c *Coordinator) handleEscalation(ctx context.Context, m *message.HumanEscalate) {
	agentID := m.AgentID
	if agentID == "" {
		agentID = m.Sender
	}
	c.stats.escalations++
	c.guard.Pause(agentID)
	c.ledger(ctx, "human_escalation", map[string]any{
		"agent_id": agentID,
		"category": m.Category,
		"context":  m.Context,
	})
	c.opts.Metrics.IncCounter("escalations", 1, "category:"+m.Category)
}

// applyVerdict converts a guardrail verdict into wire messages.
func (c *Coordinator) applyVerdict(ctx context.Context, agentID string, v guardrail.Verdict) {
	for _, reason := range v.CourseCorrections {
		cc := &message.CourseCorrect{Envelope: c.env(), AgentID: agentID, Reason: reason}
		c.send(ctx, store.AgentChannel(agentID), cc)
		c.ledger(ctx, "course_correct", map[string]any{"agent_id": agentID, "reason": reason})
	}
	if v.DriftEvidence != "" {
		da := &message.DriftAlert{Envelope: c.env(), AgentID: agentID, Evidence: v.DriftEvidence}
		c.send(ctx, store.AgentChannel(agentID), da)
		c.ledger(ctx, "drift_alert", map[string]any{"agent_id": agentID, "evidence": v.DriftEvidence})
	}
	if v.Escalation != nil {
		esc := &message.HumanEscalate{
			Envelope: c.env(),
			Category: v.Escalation.Category,
			Context:  v.Escalation.Context,
			AgentID:  v.Escalation.AgentID,
		}
		c.stats.escalations++
		c.send(ctx, store.ChannelHuman, esc)
		c.ledger(ctx, "human_escalation", map[string]any{"agent_id": agentID, "category": v.Escalation.Category})
	}
}

// recordInvalid counts a semantically invalid message from a known or
// unknown sender and reaps flooding senders.
func (c *Coordinator) recordInvalid(ctx context.Context, sender string, now time.Time) {
	c.opts.Metrics.IncCounter("invalid_messages", 1)
	if evt := c.agents.RecordInvalid(sender, now); evt != nil {
		c.handleDown(ctx, *evt)
	}
}

// handleDown processes one reaped agent: broadcast, routing cleanup,
// barrier cleanup, and task failover.
func (c *Coordinator) handleDown(ctx context.Context, evt registry.DownEvent) {
	c.send(ctx, store.ChannelBroadcast, &message.AgentDown{Envelope: c.env(), AgentID: evt.AgentID})
	c.routes.Unsubscribe(evt.AgentID)
	c.barriers.RemoveParticipant(evt.AgentID)
	c.ledger(ctx, "agent_down", map[string]any{"agent_id": evt.AgentID, "reason": evt.Reason, "orphaned": len(evt.OrphanedTasks)})
	c.opts.Metrics.IncCounter("agents_down", 1)
	for _, t := range evt.OrphanedTasks {
		c.reassignOrOrphan(ctx, t)
	}
	// The down agent may have been the last straggler on an open barrier.
	if b := c.barriers.ForPhase(c.obj.CurrentPhaseIndex); b != nil {
		c.settleBarrier(ctx, b.ID)
	}
	c.snapshotAgent(ctx, evt.AgentID)
}

// reassignOrOrphan moves a detached task to an eligible agent, or parks it
// on the orphan list and escalates when no agent qualifies.
func (c *Coordinator) reassignOrOrphan(ctx context.Context, t registry.Task) {
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
		return
	}
	b, err := json.Marshal(t)
	if err != nil {
		c.opts.Logger.Error(ctx, "marshal orphan task", "task_id", t.ID, "err", err)
		return
	}
	if err := c.opts.Store.LPush(ctx, store.KeyOrphanedTasks, b); err != nil {
		c.opts.Logger.Error(ctx, "store orphan task", "task_id", t.ID, "err", err)
	}
	esc := &message.HumanEscalate{
		Envelope: c.env(),
		Category: EscalationCategoryNoAgent,
		Context:  "task " + t.ID + " has no eligible agent",
	}
	c.stats.escalations++
	c.send(ctx, store.ChannelHuman, esc)
}

// assignTask records ownership and notifies the agent. criterionIndex < 0
// means the task is not tied to a success criterion.
func (c *Coordinator) assignTask(ctx context.Context, agentID string, t registry.Task, criterionIndex int) {
	if err := c.agents.AssignTask(agentID, t); err != nil {
		c.opts.Logger.Warn(ctx, "assign task failed", "task_id", t.ID, "agent_id", agentID, "err", err)
		return
	}
	c.taskOwner[t.ID] = agentID
	if criterionIndex >= 0 {
		c.taskCrit[t.ID] = criterionIndex
	}
	ta := &message.TaskAssign{
		Envelope:     c.env(),
		TaskID:       t.ID,
		AgentID:      agentID,
		Payload:      t.Payload,
		RequiredType: t.RequiredType,
		Deadline:     t.Deadline,
	}
	c.send(ctx, store.AgentChannel(agentID), ta)
	c.snapshotAgent(ctx, agentID)
}

// settleBarrier reacts to a barrier leaving the open state: clears the
// objective gate, advances the phase, and announces the new phase.
func (c *Coordinator) settleBarrier(ctx context.Context, barrierID string) {
	b := c.barriers.Get(barrierID)
	if b == nil {
		return
	}
	switch b.Status {
	case barrier.StatusOpen:
		return
	case barrier.StatusTimedOut:
		// Proceed without the stragglers; record who was missing.
		for _, id := range b.Stragglers() {
			miss := message.Insight{
				ID:            "barrier-miss-" + barrierID + "-" + id,
				SourceAgentID: message.CoordinatorSender,
				Phase:         c.obj.CurrentPhase(),
				CreatedAt:     time.Now().UTC(),
				Tags:          message.NewTags(message.TagBarrierMiss),
				Payload:       "agent " + id + " missed barrier for phase " + c.obj.CurrentPhase(),
			}
			c.orphanInsight(ctx, miss)
		}
		c.ledger(ctx, "barrier_timeout", map[string]any{"barrier_id": barrierID, "stragglers": b.Stragglers()})
	}

	c.obj.ClearBarrier(b.PhaseIndex)
	if b.PhaseIndex != c.obj.CurrentPhaseIndex {
		// Stale barrier for an already-passed phase.
		return
	}
	newIdx, err := c.obj.Advance()
	switch {
	case err == nil:
		c.phaseTasksDone = 0
		c.send(ctx, store.ChannelBroadcast, &message.PhaseAdvance{Envelope: c.env(), NewPhaseIndex: newIdx})
		c.ledger(ctx, "phase_advance", map[string]any{"phase_index": newIdx, "phase": c.obj.CurrentPhase()})
		c.opts.Metrics.IncCounter("phase_advances", 1)
		if err := c.persistObjective(ctx); err != nil {
			c.opts.Logger.Error(ctx, "persist objective", "err", err)
		}
	case errors.Is(err, objective.ErrObjectiveComplete):
		c.maybeComplete(ctx)
	default:
		c.opts.Logger.Warn(ctx, "phase advance failed", "err", err)
	}
}

// completionRecord is the durable session summary written under
// pop:completed:<session> when the objective completes. It expires after
// CompletionRetention.
type completionRecord struct {
	SessionID        string         `json:"session_id"`
	Description      string         `json:"description"`
	PhasesCompleted  int            `json:"phases_completed"`
	TotalPhases      int            `json:"total_phases"`
	ElapsedSeconds   float64        `json:"elapsed_seconds"`
	TasksByAgent     map[string]int `json:"tasks_by_agent,omitempty"`
	InsightsEmitted  int            `json:"insights_emitted"`
	TasksReassigned  int            `json:"tasks_reassigned"`
	HumanEscalations int            `json:"human_escalations"`
	CompletedAt      time.Time      `json:"completed_at"`
}

// maybeComplete finishes the session once every criterion is met and the
// final phase's barrier cleared.
func (c *Coordinator) maybeComplete(ctx context.Context) {
	if c.obj.Lifecycle != objective.LifecycleRunning || !c.obj.AllCriteriaMet() {
		return
	}
	if c.obj.CurrentPhaseIndex < len(c.obj.Phases)-1 {
		return
	}
	summary := "objective complete: " + c.obj.Description
	if err := c.obj.Complete(); err != nil {
		return
	}
	c.send(ctx, store.ChannelBroadcast, &message.ObjectiveComplete{Envelope: c.env(), Summary: summary})
	rec := completionRecord{
		SessionID:        c.obj.SessionID,
		Description:      c.obj.Description,
		PhasesCompleted:  c.obj.CurrentPhaseIndex + 1,
		TotalPhases:      len(c.obj.Phases),
		ElapsedSeconds:   time.Since(c.startedAt).Seconds(),
		TasksByAgent:     c.stats.tasksByAgent,
		InsightsEmitted:  c.stats.insights,
		TasksReassigned:  c.stats.reassignments,
		HumanEscalations: c.stats.escalations,
		CompletedAt:      time.Now().UTC(),
	}
	if b, err := json.Marshal(rec); err != nil {
		c.opts.Logger.Error(ctx, "marshal completion record", "err", err)
	} else if err := c.opts.Store.Set(ctx, store.CompletedKey(c.obj.SessionID), b, CompletionRetention); err != nil {
		c.opts.Logger.Error(ctx, "record completion", "err", err)
	}
	if err := c.persistObjective(ctx); err != nil {
		c.opts.Logger.Error(ctx, "persist objective", "err", err)
	}
	c.ledger(ctx, "objective_complete", nil)
	c.opts.Metrics.IncCounter("sessions_completed", 1)
}

// snapshotAgent persists the agent record as hash fields so a takeover
// coordinator can rebuild its registry.
func (c *Coordinator) snapshotAgent(ctx context.Context, agentID string) {
	fields, err := c.agents.SnapshotFields(agentID)
	if err != nil {
		return
	}
	key := store.AgentStateKey(agentID)
	for f, v := range fields {
		if err := c.opts.Store.HSet(ctx, key, f, v); err != nil {
			c.opts.Logger.Debug(ctx, "agent snapshot failed", "agent_id", agentID, "err", err)
			return
		}
	}
}

func marshalLedger(entry map[string]any) ([]byte, error) {
	return json.Marshal(entry)
}
