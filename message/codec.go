package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type (
	// InvalidMessageError reports a message that failed schema validation or
	// carried an unknown type. Receivers log, drop, and count these per
	// sender; they are never fatal on their own.
	InvalidMessageError struct {
		// Reason is a human-readable description of the rejection.
		Reason string
		// Err is the underlying validation error, if any.
		Err error
	}

	// wireEnvelope is the on-the-wire message shape: the common envelope plus
	// a schema discriminator and the variant payload.
	wireEnvelope struct {
		Schema    string          `json:"schema"`
		Type      Type            `json:"type"`
		SessionID string          `json:"session_id"`
		Sender    string          `json:"sender"`
		Seq       uint64          `json:"seq"`
		SentAt    time.Time       `json:"sent_at"`
		Payload   json.RawMessage `json:"payload"`
	}

	heartbeatPayload struct {
		Phase         string `json:"phase"`
		ToolCallCount int    `json:"tool_call_count"`
		CurrentTaskID string `json:"current_task_id,omitempty"`
	}

	checkinPayload struct {
		ProgressNote string    `json:"progress_note"`
		FilesTouched []string  `json:"files_touched,omitempty"`
		Insights     []Insight `json:"insights,omitempty"`
	}

	insightPayload struct {
		Insight Insight `json:"insight"`
	}

	taskAssignPayload struct {
		TaskID       string          `json:"task_id"`
		AgentID      string          `json:"agent_id"`
		Payload      json.RawMessage `json:"payload,omitempty"`
		RequiredType string          `json:"required_type,omitempty"`
		Deadline     time.Time       `json:"deadline,omitzero"`
	}

	taskCompletePayload struct {
		TaskID string `json:"task_id"`
		Result string `json:"result,omitempty"`
		OK     bool   `json:"ok"`
	}

	syncRequestPayload struct {
		BarrierID  string `json:"barrier_id"`
		PhaseIndex int    `json:"phase_index"`
	}

	syncAckPayload struct {
		BarrierID string `json:"barrier_id"`
	}

	phaseAdvancePayload struct {
		NewPhaseIndex int `json:"new_phase_index"`
	}

	courseCorrectPayload struct {
		AgentID string `json:"agent_id"`
		Reason  string `json:"reason"`
	}

	driftAlertPayload struct {
		AgentID  string `json:"agent_id"`
		Evidence string `json:"evidence"`
	}

	agentDownPayload struct {
		AgentID string `json:"agent_id"`
	}

	humanEscalatePayload struct {
		Category string `json:"category"`
		Context  string `json:"context,omitempty"`
		AgentID  string `json:"agent_id,omitempty"`
	}

	objectiveCompletePayload struct {
		Summary string `json:"summary"`
	}

	objectiveFailedPayload struct {
		Summary string `json:"summary"`
		Reason  string `json:"reason,omitempty"`
	}
)

// Error implements the error interface.
func (e *InvalidMessageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid message: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid message: %s", e.Reason)
}

// Unwrap returns the underlying validation error.
func (e *InvalidMessageError) Unwrap() error { return e.Err }

// Encode serializes a message into its wire form.
func Encode(m Message) ([]byte, error) {
	payload, err := encodePayload(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", m.Type(), err)
	}
	env := m.Env()
	b, err := json.Marshal(wireEnvelope{
		Schema:    SchemaVersion,
		Type:      m.Type(),
		SessionID: env.SessionID,
		Sender:    env.Sender,
		Seq:       env.Seq,
		SentAt:    env.SentAt,
		Payload:   payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", m.Type(), err)
	}
	return b, nil
}

// Decode parses wire bytes back into a typed message. Messages missing
// required fields or carrying an unknown type are rejected with
// *InvalidMessageError; unknown fields are ignored for forward
// compatibility.
func Decode(b []byte) (Message, error) {
	if err := validate(envelopeSchemaName, b); err != nil {
		return nil, err
	}
	var env wireEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, &InvalidMessageError{Reason: "malformed envelope", Err: err}
	}
	if err := validate(string(env.Type), env.Payload); err != nil {
		return nil, err
	}
	return decodePayload(env)
}

// PeekSender extracts the sender from wire bytes without full validation so
// receivers can attribute rejected messages. Returns "" when even the
// envelope is unreadable.
func PeekSender(b []byte) string {
	var env struct {
		Sender string `json:"sender"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return ""
	}
	return env.Sender
}

func encodePayload(m Message) (json.RawMessage, error) {
	var p any
	switch v := m.(type) {
	case *Heartbeat:
		p = heartbeatPayload{v.Phase, v.ToolCallCount, v.CurrentTaskID}
	case *Checkin:
		p = checkinPayload{v.ProgressNote, v.FilesTouched, v.Insights}
	case *InsightMessage:
		p = insightPayload{v.Insight}
	case *TaskAssign:
		p = taskAssignPayload{v.TaskID, v.AgentID, v.Payload, v.RequiredType, v.Deadline}
	case *TaskComplete:
		p = taskCompletePayload{v.TaskID, v.Result, v.OK}
	case *SyncRequest:
		p = syncRequestPayload{v.BarrierID, v.PhaseIndex}
	case *SyncAck:
		p = syncAckPayload{v.BarrierID}
	case *PhaseAdvance:
		p = phaseAdvancePayload{v.NewPhaseIndex}
	case *CourseCorrect:
		p = courseCorrectPayload{v.AgentID, v.Reason}
	case *DriftAlert:
		p = driftAlertPayload{v.AgentID, v.Evidence}
	case *AgentDown:
		p = agentDownPayload{v.AgentID}
	case *HumanEscalate:
		p = humanEscalatePayload{v.Category, v.Context, v.AgentID}
	case *ObjectiveComplete:
		p = objectiveCompletePayload{v.Summary}
	case *ObjectiveFailed:
		p = objectiveFailedPayload{v.Summary, v.Reason}
	default:
		return nil, fmt.Errorf("unsupported message type %q", m.Type())
	}
	return json.Marshal(p)
}

func decodePayload(env wireEnvelope) (Message, error) {
	e := Envelope{
		SessionID: env.SessionID,
		Sender:    env.Sender,
		Seq:       env.Seq,
		SentAt:    env.SentAt,
	}
	unmarshal := func(dst any) error {
		if err := json.Unmarshal(env.Payload, dst); err != nil {
			return &InvalidMessageError{Reason: fmt.Sprintf("malformed %s payload", env.Type), Err: err}
		}
		return nil
	}
	switch env.Type {
	case TypeHeartbeat:
		var p heartbeatPayload
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		return &Heartbeat{Envelope: e, Phase: p.Phase, ToolCallCount: p.ToolCallCount, CurrentTaskID: p.CurrentTaskID}, nil
	case TypeCheckin:
		var p checkinPayload
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		return &Checkin{Envelope: e, ProgressNote: p.ProgressNote, FilesTouched: p.FilesTouched, Insights: p.Insights}, nil
	case TypeInsight:
		var p insightPayload
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		return &InsightMessage{Envelope: e, Insight: p.Insight}, nil
	case TypeTaskAssign:
		var p taskAssignPayload
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		return &TaskAssign{Envelope: e, TaskID: p.TaskID, AgentID: p.AgentID, Payload: p.Payload, RequiredType: p.RequiredType, Deadline: p.Deadline}, nil
	case TypeTaskComplete:
		var p taskCompletePayload
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		return &TaskComplete{Envelope: e, TaskID: p.TaskID, Result: p.Result, OK: p.OK}, nil
	case TypeSyncRequest:
		var p syncRequestPayload
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		return &SyncRequest{Envelope: e, BarrierID: p.BarrierID, PhaseIndex: p.PhaseIndex}, nil
	case TypeSyncAck:
		var p syncAckPayload
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		return &SyncAck{Envelope: e, BarrierID: p.BarrierID}, nil
	case TypePhaseAdvance:
		var p phaseAdvancePayload
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		return &PhaseAdvance{Envelope: e, NewPhaseIndex: p.NewPhaseIndex}, nil
	case TypeCourseCorrect:
		var p courseCorrectPayload
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		return &CourseCorrect{Envelope: e, AgentID: p.AgentID, Reason: p.Reason}, nil
	case TypeDriftAlert:
		var p driftAlertPayload
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		return &DriftAlert{Envelope: e, AgentID: p.AgentID, Evidence: p.Evidence}, nil
	case TypeAgentDown:
		var p agentDownPayload
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		return &AgentDown{Envelope: e, AgentID: p.AgentID}, nil
	case TypeHumanEscalate:
		var p humanEscalatePayload
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		return &HumanEscalate{Envelope: e, Category: p.Category, Context: p.Context, AgentID: p.AgentID}, nil
	case TypeObjectiveComplete:
		var p objectiveCompletePayload
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		return &ObjectiveComplete{Envelope: e, Summary: p.Summary}, nil
	case TypeObjectiveFailed:
		var p objectiveFailedPayload
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		return &ObjectiveFailed{Envelope: e, Summary: p.Summary, Reason: p.Reason}, nil
	default:
		return nil, &InvalidMessageError{Reason: fmt.Sprintf("unknown message type %q", env.Type)}
	}
}

const envelopeSchemaName = "envelope"

// schemaSources maps schema names to their JSON Schema documents. The
// envelope schema gates the outer shape; per-type schemas gate payloads.
// None of them set additionalProperties:false so unknown optional fields
// pass through untouched.
var schemaSources = map[string]string{
	envelopeSchemaName: `{
		"type": "object",
		"required": ["schema", "type", "session_id", "sender", "seq", "sent_at", "payload"],
		"properties": {
			"schema": {"const": "` + SchemaVersion + `"},
			"type": {"type": "string", "minLength": 1},
			"session_id": {"type": "string", "minLength": 1},
			"sender": {"type": "string", "minLength": 1},
			"seq": {"type": "integer", "minimum": 0},
			"sent_at": {"type": "string"},
			"payload": {"type": "object"}
		}
	}`,
	string(TypeHeartbeat): `{
		"type": "object",
		"required": ["phase", "tool_call_count"],
		"properties": {
			"phase": {"type": "string"},
			"tool_call_count": {"type": "integer", "minimum": 0}
		}
	}`,
	string(TypeCheckin): `{
		"type": "object",
		"required": ["progress_note"],
		"properties": {
			"progress_note": {"type": "string"},
			"files_touched": {"type": "array", "items": {"type": "string"}},
			"insights": {"type": "array"}
		}
	}`,
	string(TypeInsight): `{
		"type": "object",
		"required": ["insight"],
		"properties": {
			"insight": {
				"type": "object",
				"required": ["id", "source_agent_id", "created_at", "tags", "payload"],
				"properties": {
					"tags": {"type": "array", "minItems": 1, "items": {"type": "string"}}
				}
			}
		}
	}`,
	string(TypeTaskAssign): `{
		"type": "object",
		"required": ["task_id", "agent_id"],
		"properties": {
			"task_id": {"type": "string", "minLength": 1},
			"agent_id": {"type": "string", "minLength": 1}
		}
	}`,
	string(TypeTaskComplete): `{
		"type": "object",
		"required": ["task_id", "ok"],
		"properties": {
			"task_id": {"type": "string", "minLength": 1},
			"ok": {"type": "boolean"}
		}
	}`,
	string(TypeSyncRequest): `{
		"type": "object",
		"required": ["barrier_id", "phase_index"],
		"properties": {
			"barrier_id": {"type": "string", "minLength": 1},
			"phase_index": {"type": "integer", "minimum": 0}
		}
	}`,
	string(TypeSyncAck): `{
		"type": "object",
		"required": ["barrier_id"],
		"properties": {
			"barrier_id": {"type": "string", "minLength": 1}
		}
	}`,
	string(TypePhaseAdvance): `{
		"type": "object",
		"required": ["new_phase_index"],
		"properties": {
			"new_phase_index": {"type": "integer", "minimum": 0}
		}
	}`,
	string(TypeCourseCorrect): `{
		"type": "object",
		"required": ["agent_id", "reason"],
		"properties": {
			"agent_id": {"type": "string", "minLength": 1},
			"reason": {"type": "string"}
		}
	}`,
	string(TypeDriftAlert): `{
		"type": "object",
		"required": ["agent_id", "evidence"],
		"properties": {
			"agent_id": {"type": "string", "minLength": 1},
			"evidence": {"type": "string"}
		}
	}`,
	string(TypeAgentDown): `{
		"type": "object",
		"required": ["agent_id"],
		"properties": {
			"agent_id": {"type": "string", "minLength": 1}
		}
	}`,
	string(TypeHumanEscalate): `{
		"type": "object",
		"required": ["category"],
		"properties": {
			"category": {"type": "string", "minLength": 1}
		}
	}`,
	string(TypeObjectiveComplete): `{
		"type": "object",
		"required": ["summary"],
		"properties": {
			"summary": {"type": "string"}
		}
	}`,
	string(TypeObjectiveFailed): `{
		"type": "object",
		"required": ["summary"],
		"properties": {
			"summary": {"type": "string"},
			"reason": {"type": "string"}
		}
	}`,
}

var compileSchemas = sync.OnceValues(func() (map[string]*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	for name, src := range schemaSources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", name, err)
		}
		if err := c.AddResource(name+".json", doc); err != nil {
			return nil, fmt.Errorf("add %s schema resource: %w", name, err)
		}
	}
	compiled := make(map[string]*jsonschema.Schema, len(schemaSources))
	for name := range schemaSources {
		sch, err := c.Compile(name + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", name, err)
		}
		compiled[name] = sch
	}
	return compiled, nil
})

// validate checks raw JSON against the named schema. An unknown schema name
// means an unknown message type.
func validate(name string, raw []byte) error {
	schemas, err := compileSchemas()
	if err != nil {
		return fmt.Errorf("compile message schemas: %w", err)
	}
	sch, ok := schemas[name]
	if !ok {
		return &InvalidMessageError{Reason: fmt.Sprintf("unknown message type %q", name)}
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return &InvalidMessageError{Reason: "malformed JSON", Err: err}
	}
	if err := sch.Validate(doc); err != nil {
		return &InvalidMessageError{Reason: fmt.Sprintf("schema violation in %s", name), Err: err}
	}
	return nil
}
