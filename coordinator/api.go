package coordinator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"goa.design/powermode/barrier"
	"goa.design/powermode/message"
	"goa.design/powermode/registry"
	"goa.design/powermode/router"
	"goa.design/powermode/store"
)

// RegisterAgent adds an agent to the session with its phase assignments and
// insight interests, and returns its ID. Must be called while Run is
// active.
func (c *Coordinator) RegisterAgent(ctx context.Context, agentType string, phases []string, filter router.Filter) (string, error) {
	var id string
	err := c.Do(ctx, func(ctx context.Context) {
		id = c.agents.Register(agentType, phases)
		c.routes.Subscribe(id, filter)
		c.snapshotAgent(ctx, id)
		c.ledger(ctx, "agent_registered", map[string]any{"agent_id": id, "type": agentType})
	})
	return id, err
}

// Assign hands a task to an agent. criterionIndex ties the task to a
// success criterion so completion marks it met; pass -1 for untracked work.
func (c *Coordinator) Assign(ctx context.Context, agentID string, t registry.Task, criterionIndex int) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	return c.Do(ctx, func(ctx context.Context) {
		c.assignTask(ctx, agentID, t, criterionIndex)
	})
}

// RequestPhaseSync opens the barrier for the current phase (if not already
// open) and sends every active agent a SYNC_REQUEST. The phase advances once
// every participant acked or the barrier deadline passes.
func (c *Coordinator) RequestPhaseSync(ctx context.Context) (string, error) {
	var barrierID string
	err := c.Do(ctx, func(ctx context.Context) {
		barrierID = c.openPhaseBarrier(ctx)
	})
	return barrierID, err
}

// openPhaseBarrier opens the current phase's barrier over the active agents
// and asks each for a SYNC_ACK. Must run inside the loop.
func (c *Coordinator) openPhaseBarrier(ctx context.Context) string {
	phase := c.obj.CurrentPhaseIndex
	var participants []string
	for _, a := range c.agents.Active() {
		participants = append(participants, a.ID)
	}
	barrierID := c.barriers.Open(phase, participants, time.Now().Add(c.opts.BarrierDeadline))
	b := c.barriers.Get(barrierID)
	if b == nil || b.Status != barrier.StatusOpen {
		return barrierID
	}
	for _, id := range participants {
		req := &message.SyncRequest{Envelope: c.env(), BarrierID: barrierID, PhaseIndex: phase}
		c.send(ctx, store.AgentChannel(id), req)
	}
	c.ledger(ctx, "barrier_open", map[string]any{"barrier_id": barrierID, "phase_index": phase, "participants": participants})
	if len(participants) == 0 {
		// Nothing to wait for.
		if err := c.barriers.Release(barrierID); err == nil {
			c.settleBarrier(ctx, barrierID)
		}
	}
	return barrierID
}

// Cancel terminates the session cooperatively.
func (c *Coordinator) Cancel(ctx context.Context, summary string) error {
	return c.Do(ctx, func(ctx context.Context) {
		if err := c.obj.Cancel(); err != nil {
			return
		}
		c.send(ctx, store.ChannelBroadcast, &message.ObjectiveFailed{
			Envelope: c.env(),
			Summary:  summary,
			Reason:   "cancelled",
		})
		if err := c.persistObjective(ctx); err != nil {
			c.opts.Logger.Error(ctx, "persist objective", "err", err)
		}
		c.ledger(ctx, "objective_cancelled", nil)
	})
}
