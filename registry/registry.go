// Package registry tracks the agents participating in a Power Mode session:
// registration, heartbeats, check-ins, task assignment, and the reap policy
// that declares unresponsive agents down and orphans their pending tasks.
// The registry is an in-memory cache owned by the coordinator; it is
// authoritative only while the coordinator holds the session lease.
package registry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is an agent's lifecycle state.
type State string

const (
	StateRegistered State = "registered"
	StateActive     State = "active"
	StateDraining   State = "draining"
	StateDown       State = "down"
	StateRetired    State = "retired"
)

// DefaultHeartbeatInterval is the expected agent heartbeat cadence.
const DefaultHeartbeatInterval = 15 * time.Second

// invalidWindow and invalidLimit bound how many rejected messages a sender
// may produce before being declared down.
const (
	invalidWindow = 60 * time.Second
	invalidLimit  = 10
)

type (
	// Task is a unit of work assigned to an agent. Payload is opaque to the
	// core.
	Task struct {
		ID           string          `json:"id"`
		Payload      json.RawMessage `json:"payload,omitempty"`
		RequiredType string          `json:"required_type,omitempty"`
		Phase        string          `json:"phase,omitempty"`
		Deadline     time.Time       `json:"deadline,omitzero"`
	}

	// Agent is one session participant. The coordinator owns every mutable
	// field except ToolCallCount and CurrentTask, which the agent publishes
	// and the coordinator only reads (or reassigns on failover).
	Agent struct {
		ID              string    `json:"id"`
		Type            string    `json:"type"`
		State           State     `json:"state"`
		AssignedPhases  []string  `json:"assigned_phases,omitempty"`
		CurrentPhase    string    `json:"current_phase,omitempty"`
		CurrentTaskID   string    `json:"current_task_id,omitempty"`
		ToolCallCount   int       `json:"tool_call_count"`
		LastHeartbeatAt time.Time `json:"last_heartbeat_at,omitzero"`
		LastCheckinAt   time.Time `json:"last_checkin_at,omitzero"`
		PendingTasks    []Task    `json:"pending_tasks,omitempty"`

		invalidAt []time.Time
	}

	// DownEvent reports one agent reaped by the registry. OrphanedTasks are
	// the pending tasks that must move to the orphan list exactly once.
	DownEvent struct {
		AgentID       string
		Reason        string
		OrphanedTasks []Task
	}

	// Registry tracks session agents. Not safe for concurrent use; the
	// coordinator serializes access.
	Registry struct {
		agents map[string]*Agent
		order  []string
	}
)

// New creates an empty registry.
func New() *Registry {
	return &Registry{agents: make(map[string]*Agent)}
}

// Register adds an agent of the given type assigned to the given phases and
// returns its session-unique ID. Registration starts the liveness clock: an
// agent that never sends a heartbeat is reaped like any other once the grace
// window passes.
func (r *Registry) Register(agentType string, assignedPhases []string) string {
	id := uuid.New().String()
	r.agents[id] = &Agent{
		ID:              id,
		Type:            agentType,
		State:           StateRegistered,
		AssignedPhases:  assignedPhases,
		LastHeartbeatAt: time.Now(),
	}
	r.order = append(r.order, id)
	return id
}

// Agent returns the record for id, or nil.
func (r *Registry) Agent(id string) *Agent {
	return r.agents[id]
}

// Active returns agents in registered or active state, in registration
// order.
func (r *Registry) Active() []*Agent {
	var out []*Agent
	for _, id := range r.order {
		a := r.agents[id]
		if a.State == StateRegistered || a.State == StateActive {
			out = append(out, a)
		}
	}
	return out
}

// RecordHeartbeat updates liveness from a HEARTBEAT message. The first
// heartbeat moves a registered agent to active.
func (r *Registry) RecordHeartbeat(id, phase string, toolCallCount int, now time.Time) error {
	a, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("heartbeat from unknown agent %s", id)
	}
	if a.State == StateRegistered {
		a.State = StateActive
	}
	a.LastHeartbeatAt = now
	a.CurrentPhase = phase
	if toolCallCount > a.ToolCallCount {
		a.ToolCallCount = toolCallCount
	}
	return nil
}

// RecordCheckin updates the check-in timestamp.
func (r *Registry) RecordCheckin(id string, now time.Time) error {
	a, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("checkin from unknown agent %s", id)
	}
	a.LastCheckinAt = now
	return nil
}

// AssignTask appends a task to the agent's pending queue. The task stays
// pending until completed or reassigned on failover.
func (r *Registry) AssignTask(id string, t Task) error {
	a, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("assign task to unknown agent %s", id)
	}
	a.PendingTasks = append(a.PendingTasks, t)
	if a.CurrentTaskID == "" {
		a.CurrentTaskID = t.ID
	}
	return nil
}

// CompleteTask removes a task from the agent's pending queue.
func (r *Registry) CompleteTask(id, taskID string) error {
	a, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("complete task for unknown agent %s", id)
	}
	for i, t := range a.PendingTasks {
		if t.ID == taskID {
			a.PendingTasks = append(a.PendingTasks[:i], a.PendingTasks[i+1:]...)
			break
		}
	}
	if a.CurrentTaskID == taskID {
		a.CurrentTaskID = ""
		if len(a.PendingTasks) > 0 {
			a.CurrentTaskID = a.PendingTasks[0].ID
		}
	}
	return nil
}

// RecordInvalid counts a rejected message from the sender. More than ten
// within sixty seconds marks the sender down; the returned event is non-nil
// in that case.
func (r *Registry) RecordInvalid(id string, now time.Time) *DownEvent {
	a, ok := r.agents[id]
	if !ok || a.State == StateDown || a.State == StateRetired {
		return nil
	}
	cutoff := now.Add(-invalidWindow)
	kept := a.invalidAt[:0]
	for _, t := range a.invalidAt {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	a.invalidAt = append(kept, now)
	if len(a.invalidAt) <= invalidLimit {
		return nil
	}
	return r.markDown(a, "invalid message flood")
}

// Reap marks agents down whose last liveness signal is older than grace
// (three missed heartbeats at the configured cadence) and returns one
// DownEvent per reaped agent with its orphaned tasks. Registration counts as
// the initial signal, so an agent that registers and then never heartbeats
// is reaped too.
func (r *Registry) Reap(now time.Time, grace time.Duration) []DownEvent {
	var events []DownEvent
	for _, id := range r.order {
		a := r.agents[id]
		switch a.State {
		case StateRegistered, StateActive, StateDraining:
		default:
			continue
		}
		if now.Sub(a.LastHeartbeatAt) <= grace {
			continue
		}
		if evt := r.markDown(a, "missed heartbeats"); evt != nil {
			events = append(events, *evt)
		}
	}
	return events
}

// Retire marks an agent retired after it drained cleanly.
func (r *Registry) Retire(id string) {
	if a, ok := r.agents[id]; ok {
		a.State = StateRetired
	}
}

// SnapshotFields renders an agent record as hash fields for persistence
// under pop:state:<agent_id>.
func (r *Registry) SnapshotFields(id string) (map[string][]byte, error) {
	a, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("snapshot unknown agent %s", id)
	}
	pending, err := json.Marshal(a.PendingTasks)
	if err != nil {
		return nil, fmt.Errorf("marshal pending tasks: %w", err)
	}
	fields := map[string][]byte{
		"type":            []byte(a.Type),
		"state":           []byte(a.State),
		"current_phase":   []byte(a.CurrentPhase),
		"current_task_id": []byte(a.CurrentTaskID),
		"tool_call_count": []byte(fmt.Sprintf("%d", a.ToolCallCount)),
		"pending_tasks":   pending,
	}
	if !a.LastHeartbeatAt.IsZero() {
		fields["last_heartbeat_at"] = []byte(a.LastHeartbeatAt.UTC().Format(time.RFC3339Nano))
	}
	if !a.LastCheckinAt.IsZero() {
		fields["last_checkin_at"] = []byte(a.LastCheckinAt.UTC().Format(time.RFC3339Nano))
	}
	return fields, nil
}

// markDown transitions an agent to down and detaches its pending tasks.
func (r *Registry) markDown(a *Agent, reason string) *DownEvent {
	if a.State == StateDown || a.State == StateRetired {
		return nil
	}
	a.State = StateDown
	orphaned := a.PendingTasks
	a.PendingTasks = nil
	a.CurrentTaskID = ""
	return &DownEvent{AgentID: a.ID, Reason: reason, OrphanedTasks: orphaned}
}
