// Package message defines the typed envelopes exchanged between agents and
// the coordinator. Messages form a closed tagged union: each variant is a
// concrete struct implementing Message, and the codec refuses payloads whose
// required fields are missing while ignoring unknown fields so newer peers
// can add optional fields without breaking older ones.
package message

import (
	"encoding/json"
	"time"
)

// SchemaVersion identifies the wire schema carried on every envelope.
const SchemaVersion = "pm.v1"

// CoordinatorSender is the reserved sender identifier for the coordinator.
const CoordinatorSender = "coordinator"

// Type identifies a message variant.
type Type string

const (
	TypeHeartbeat         Type = "heartbeat"
	TypeCheckin           Type = "checkin"
	TypeInsight           Type = "insight"
	TypeTaskAssign        Type = "task_assign"
	TypeTaskComplete      Type = "task_complete"
	TypeSyncRequest       Type = "sync_request"
	TypeSyncAck           Type = "sync_ack"
	TypePhaseAdvance      Type = "phase_advance"
	TypeCourseCorrect     Type = "course_correct"
	TypeDriftAlert        Type = "drift_alert"
	TypeAgentDown         Type = "agent_down"
	TypeHumanEscalate     Type = "human_escalate"
	TypeObjectiveComplete Type = "objective_complete"
	TypeObjectiveFailed   Type = "objective_failed"
)

type (
	// Envelope carries the fields common to every message. Seq is monotonic
	// per sender; receivers rely on it to restore per-sender ordering and to
	// suppress self-loopback by comparing Sender against their own identity.
	Envelope struct {
		// SessionID scopes the message to one objective execution.
		SessionID string `json:"session_id"`
		// Sender is the emitting agent ID or CoordinatorSender.
		Sender string `json:"sender"`
		// Seq is a monotonic counter per sender.
		Seq uint64 `json:"seq"`
		// SentAt records when the message was emitted (UTC).
		SentAt time.Time `json:"sent_at"`
	}

	// Message is the closed union of all wire message variants.
	Message interface {
		// Type returns the variant discriminator.
		Type() Type
		// Env returns the common envelope fields.
		Env() Envelope

		isMessage()
	}

	// Insight is a tagged, routable piece of information emitted by an agent.
	Insight struct {
		// ID is unique per session.
		ID string `json:"id"`
		// SourceAgentID identifies the emitting agent.
		SourceAgentID string `json:"source_agent_id"`
		// Phase names the objective phase active when the insight was created.
		Phase string `json:"phase,omitempty"`
		// CreatedAt records creation time (UTC).
		CreatedAt time.Time `json:"created_at"`
		// Tags drive routing. Never empty for a valid insight.
		Tags Tags `json:"tags"`
		// Payload is opaque to the core.
		Payload string `json:"payload"`
		// TTLSeconds is a soft expiry. Zero means the 24 h default.
		TTLSeconds int64 `json:"ttl_seconds,omitempty"`
	}

	// Heartbeat reports liveness and progress counters.
	Heartbeat struct {
		Envelope

		Phase         string `json:"phase"`
		ToolCallCount int    `json:"tool_call_count"`
		CurrentTaskID string `json:"current_task_id,omitempty"`
	}

	// Checkin reports accumulated progress since the last check-in.
	Checkin struct {
		Envelope

		ProgressNote string    `json:"progress_note"`
		FilesTouched []string  `json:"files_touched,omitempty"`
		Insights     []Insight `json:"insights,omitempty"`
	}

	// InsightMessage carries a single insight for routing.
	InsightMessage struct {
		Envelope

		Insight Insight `json:"insight"`
	}

	// TaskAssign hands a task to an agent.
	TaskAssign struct {
		Envelope

		TaskID  string          `json:"task_id"`
		AgentID string          `json:"agent_id"`
		Payload json.RawMessage `json:"payload,omitempty"`
		// RequiredType constrains failover reassignment to agents of this
		// type. Empty means any agent.
		RequiredType string    `json:"required_type,omitempty"`
		Deadline     time.Time `json:"deadline,omitzero"`
	}

	// TaskComplete reports a task outcome.
	TaskComplete struct {
		Envelope

		TaskID string `json:"task_id"`
		Result string `json:"result,omitempty"`
		OK     bool   `json:"ok"`
	}

	// SyncRequest asks an agent to acknowledge a phase barrier.
	SyncRequest struct {
		Envelope

		BarrierID  string `json:"barrier_id"`
		PhaseIndex int    `json:"phase_index"`
	}

	// SyncAck acknowledges a barrier.
	SyncAck struct {
		Envelope

		BarrierID string `json:"barrier_id"`
	}

	// PhaseAdvance announces that the objective moved to a new phase.
	PhaseAdvance struct {
		Envelope

		NewPhaseIndex int `json:"new_phase_index"`
	}

	// CourseCorrect tells an agent to stop a guardrail-violating activity.
	CourseCorrect struct {
		Envelope

		AgentID string `json:"agent_id"`
		Reason  string `json:"reason"`
	}

	// DriftAlert warns that an agent's activity diverged from its boundaries.
	DriftAlert struct {
		Envelope

		AgentID  string `json:"agent_id"`
		Evidence string `json:"evidence"`
	}

	// AgentDown announces that an agent was reaped.
	AgentDown struct {
		Envelope

		AgentID string `json:"agent_id"`
	}

	// HumanEscalate routes a decision to a human. Not an error path: the
	// session stays alive while the escalation is pending.
	HumanEscalate struct {
		Envelope

		Category string `json:"category"`
		Context  string `json:"context,omitempty"`
		AgentID  string `json:"agent_id,omitempty"`
	}

	// ObjectiveComplete announces successful completion.
	ObjectiveComplete struct {
		Envelope

		Summary string `json:"summary"`
	}

	// ObjectiveFailed announces terminal failure.
	ObjectiveFailed struct {
		Envelope

		Summary string `json:"summary"`
		Reason  string `json:"reason,omitempty"`
	}
)

func (h *Heartbeat) Type() Type         { return TypeHeartbeat }
func (c *Checkin) Type() Type           { return TypeCheckin }
func (i *InsightMessage) Type() Type    { return TypeInsight }
func (t *TaskAssign) Type() Type        { return TypeTaskAssign }
func (t *TaskComplete) Type() Type      { return TypeTaskComplete }
func (s *SyncRequest) Type() Type       { return TypeSyncRequest }
func (s *SyncAck) Type() Type           { return TypeSyncAck }
func (p *PhaseAdvance) Type() Type      { return TypePhaseAdvance }
func (c *CourseCorrect) Type() Type     { return TypeCourseCorrect }
func (d *DriftAlert) Type() Type        { return TypeDriftAlert }
func (a *AgentDown) Type() Type         { return TypeAgentDown }
func (h *HumanEscalate) Type() Type     { return TypeHumanEscalate }
func (o *ObjectiveComplete) Type() Type { return TypeObjectiveComplete }
func (o *ObjectiveFailed) Type() Type   { return TypeObjectiveFailed }

// Env returns the common envelope fields.
func (e Envelope) Env() Envelope { return e }

func (e Envelope) isMessage() {}

// TTL returns the insight's soft expiry as a duration, defaulting to 24 h.
func (i Insight) TTL() time.Duration {
	if i.TTLSeconds <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(i.TTLSeconds) * time.Second
}
