// Package checkin implements the agent-side rendezvous protocol. Every Nth
// tool use the hook pushes a heartbeat plus any buffered progress and
// insights, then pulls its direct channel inside a bounded budget to pick up
// task assignments, sync requests, and course corrections. The hook is
// cooperatively cancellable: once cancelled it flushes only the heartbeat.
package checkin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/powermode/message"
	"goa.design/powermode/registry"
	"goa.design/powermode/retry"
	"goa.design/powermode/store"
	"goa.design/powermode/telemetry"
)

const (
	// DefaultEveryNTools is the default check-in cadence.
	DefaultEveryNTools = 5
	// DefaultPullBudget bounds the pull phase.
	DefaultPullBudget = 2 * time.Second
	// DefaultPullLimit bounds messages drained per pull.
	DefaultPullLimit = 32
	// DefaultPublishTimeout bounds each publish attempt.
	DefaultPublishTimeout = 5 * time.Second
)

type (
	// Classifier decides whether an insight payload needs a human before it
	// may leave the agent. A non-empty category means the insight is
	// withheld and escalated instead.
	Classifier func(in message.Insight) (category string, required bool)

	// Options configures a hook.
	Options struct {
		// Store is the messaging backend. Required.
		Store store.Backend
		// SessionID scopes the session. Required.
		SessionID string
		// AgentID identifies this agent. Required.
		AgentID string
		// EveryNTools is the check-in cadence. Defaults to 5.
		EveryNTools int
		// PullBudget bounds the pull phase. Defaults to 2s.
		PullBudget time.Duration
		// PullLimit bounds messages drained per pull. Defaults to 32.
		PullLimit int
		// PublishTimeout bounds each publish attempt. Defaults to 5s.
		PublishTimeout time.Duration
		// Retry is the publish retry policy. Defaults to retry.DefaultConfig.
		Retry retry.Config
		// Classify is the escalation filter. Nil disables it.
		Classify Classifier
		// Logger defaults to a nop logger.
		Logger telemetry.Logger
	}

	// Report is what a check-in observed: directives the caller must
	// consume and tasks newly assigned.
	Report struct {
		// CheckedIn is true when this tool use crossed the cadence and a
		// full check-in ran (not just a counter increment).
		CheckedIn bool
		// CourseCorrections holds reasons from COURSE_CORRECT messages.
		CourseCorrections []string
		// DriftAlerts holds evidence from DRIFT_ALERT messages.
		DriftAlerts []string
		// AssignedTasks are tasks accepted into the pending queue this
		// check-in.
		AssignedTasks []registry.Task
		// Escalated is true when the escalation filter withheld at least one
		// insight; the agent should pause until a human decides.
		Escalated bool
	}

	pendingBarrier struct {
		barrierID  string
		phaseIndex int
	}

	// Hook is one agent's check-in state machine. Safe for concurrent use.
	Hook struct {
		opts Options

		mu            sync.Mutex
		seq           uint64
		toolCalls     int
		phase         string
		phaseIndex    int
		progressNote  string
		filesTouched  map[string]bool
		insights      []message.Insight
		pendingTasks  []registry.Task
		currentTaskID string
		deferred      []pendingBarrier
		cancelled     bool
		paused        bool

		sub store.Subscription
	}
)

// NewHook validates opts, applies defaults, and opens the agent's direct
// channel subscription.
func NewHook(ctx context.Context, opts Options) (*Hook, error) {
	if opts.Store == nil {
		return nil, errors.New("store backend is required")
	}
	if opts.SessionID == "" || opts.AgentID == "" {
		return nil, errors.New("session and agent IDs are required")
	}
	if opts.EveryNTools <= 0 {
		opts.EveryNTools = DefaultEveryNTools
	}
	if opts.PullBudget <= 0 {
		opts.PullBudget = DefaultPullBudget
	}
	if opts.PullLimit <= 0 {
		opts.PullLimit = DefaultPullLimit
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = DefaultPublishTimeout
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NopLogger{}
	}
	sub, err := opts.Store.Subscribe(ctx, opts.AgentID, store.AgentChannel(opts.AgentID))
	if err != nil {
		return nil, fmt.Errorf("subscribe direct channel: %w", err)
	}
	return &Hook{
		opts:         opts,
		filesTouched: make(map[string]bool),
		sub:          sub,
	}, nil
}

// SetPhase records the agent's current phase; deferred barrier acks whose
// phase is now reached are released at the next check-in.
func (h *Hook) SetPhase(phase string, index int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.phase = phase
	h.phaseIndex = index
}

// RecordProgress buffers a progress note for the next check-in.
func (h *Hook) RecordProgress(note string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.progressNote = note
}

// RecordFileTouched buffers a touched file for the next check-in.
func (h *Hook) RecordFileTouched(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.filesTouched[path] = true
}

// RecordInsight buffers an insight for the next check-in. Tags must be
// non-empty.
func (h *Hook) RecordInsight(tags message.Tags, payload string) error {
	if len(tags) == 0 {
		return errors.New("insight requires at least one tag")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.insights = append(h.insights, message.Insight{
		ID:            uuid.New().String(),
		SourceAgentID: h.opts.AgentID,
		Phase:         h.phase,
		CreatedAt:     time.Now().UTC(),
		Tags:          tags,
		Payload:       payload,
	})
	return nil
}

// PendingTasks returns a copy of the agent's pending task queue.
func (h *Hook) PendingTasks() []registry.Task {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]registry.Task, len(h.pendingTasks))
	copy(out, h.pendingTasks)
	return out
}

// Cancel requests a hard stop: subsequent check-ins flush only the
// heartbeat, still at the regular cadence.
func (h *Hook) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelled = true
}

// Paused reports whether the escalation filter is holding back check-ins.
func (h *Hook) Paused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.paused
}

// Resume lifts the escalation pause once the human decision reached the
// agent. Progress and insights buffered while paused flush at the next
// check-in.
func (h *Hook) Resume() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.paused = false
}

// Close releases the direct channel subscription.
func (h *Hook) Close() {
	h.sub.Close()
}

// OnToolUse counts one tool call. At each multiple of the configured N it
// runs the push/pull protocol and returns a report; between check-ins it
// returns a zero report. Publish failures are surfaced after the retry
// budget is exhausted so the caller may abort the tool call.
func (h *Hook) OnToolUse(ctx context.Context) (Report, error) {
	h.mu.Lock()
	h.toolCalls++
	due := h.toolCalls%h.opts.EveryNTools == 0
	cancelled := h.cancelled
	h.mu.Unlock()

	if !due {
		return Report{}, nil
	}
	if cancelled {
		// Hard stop: heartbeat only.
		return Report{}, h.publish(ctx, store.ChannelHeartbeat, h.heartbeat())
	}

	report := Report{CheckedIn: true}
	if err := h.push(ctx, &report); err != nil {
		return report, err
	}
	h.pull(ctx, &report)
	h.flushDeferredAcks(ctx)
	return report, nil
}

// CompleteTask publishes a TASK_COMPLETE and removes the task from the
// pending queue.
func (h *Hook) CompleteTask(ctx context.Context, taskID, result string, ok bool) error {
	h.mu.Lock()
	for i, t := range h.pendingTasks {
		if t.ID == taskID {
			h.pendingTasks = append(h.pendingTasks[:i], h.pendingTasks[i+1:]...)
			break
		}
	}
	if h.currentTaskID == taskID {
		h.currentTaskID = ""
	}
	msg := &message.TaskComplete{Envelope: h.envLocked(), TaskID: taskID, Result: result, OK: ok}
	h.mu.Unlock()
	return h.publishMsg(ctx, store.ChannelResults, msg)
}

// push emits the heartbeat and, when the buffer holds progress or findings,
// a CHECKIN plus one standalone INSIGHT per finding for routing. Insights
// the classifier marks human-required are withheld and escalated instead.
func (h *Hook) push(ctx context.Context, report *Report) error {
	if err := h.publish(ctx, store.ChannelHeartbeat, h.heartbeat()); err != nil {
		return err
	}

	h.mu.Lock()
	if h.paused {
		// An earlier escalation is still pending a human decision: keep the
		// buffers and emit nothing but the heartbeat.
		h.mu.Unlock()
		return nil
	}
	note := h.progressNote
	files := make([]string, 0, len(h.filesTouched))
	for f := range h.filesTouched {
		files = append(files, f)
	}
	buffered := h.insights
	h.progressNote = ""
	h.filesTouched = make(map[string]bool)
	h.insights = nil
	h.mu.Unlock()

	var emit []message.Insight
	for _, in := range buffered {
		if h.opts.Classify != nil {
			if category, required := h.opts.Classify(in); required {
				h.mu.Lock()
				h.paused = true
				h.mu.Unlock()
				report.Escalated = true
				esc := &message.HumanEscalate{
					Envelope: h.env(),
					Category: category,
					Context:  fmt.Sprintf("insight %s withheld pending human decision", in.ID),
					AgentID:  h.opts.AgentID,
				}
				if err := h.publishMsg(ctx, store.ChannelHuman, esc); err != nil {
					return err
				}
				continue
			}
		}
		emit = append(emit, in)
	}

	if note == "" && len(files) == 0 && len(emit) == 0 {
		return nil
	}
	checkin := &message.Checkin{
		Envelope:     h.env(),
		ProgressNote: note,
		FilesTouched: files,
		Insights:     emit,
	}
	if err := h.publishMsg(ctx, store.ChannelResults, checkin); err != nil {
		return err
	}
	for _, in := range emit {
		im := &message.InsightMessage{Envelope: h.env(), Insight: in}
		if err := h.publishMsg(ctx, store.ChannelInsights, im); err != nil {
			return err
		}
	}
	return nil
}

// pull drains the direct channel within the pull budget, up to the pull
// limit. Pull failures never fail the tool call.
func (h *Hook) pull(ctx context.Context, report *Report) {
	budget := time.NewTimer(h.opts.PullBudget)
	defer budget.Stop()
	for drained := 0; drained < h.opts.PullLimit; {
		select {
		case <-ctx.Done():
			return
		case <-budget.C:
			return
		case d, ok := <-h.sub.C():
			if !ok {
				return
			}
			drained++
			msg, err := message.Decode(d.Payload)
			if err != nil {
				h.opts.Logger.Warn(ctx, "drop undecodable message", "agent", h.opts.AgentID, "err", err)
				continue
			}
			if msg.Env().Sender == h.opts.AgentID {
				// Self-loopback suppression.
				continue
			}
			h.dispatch(ctx, msg, report)
		}
	}
}

func (h *Hook) dispatch(ctx context.Context, msg message.Message, report *Report) {
	switch m := msg.(type) {
	case *message.TaskAssign:
		t := registry.Task{ID: m.TaskID, Payload: m.Payload, RequiredType: m.RequiredType, Deadline: m.Deadline}
		h.mu.Lock()
		h.pendingTasks = append(h.pendingTasks, t)
		if h.currentTaskID == "" {
			h.currentTaskID = t.ID
		}
		h.mu.Unlock()
		report.AssignedTasks = append(report.AssignedTasks, t)
	case *message.SyncRequest:
		h.mu.Lock()
		ready := h.phaseIndex >= m.PhaseIndex
		if !ready {
			h.deferred = append(h.deferred, pendingBarrier{barrierID: m.BarrierID, phaseIndex: m.PhaseIndex})
		}
		h.mu.Unlock()
		if ready {
			ack := &message.SyncAck{Envelope: h.env(), BarrierID: m.BarrierID}
			if err := h.publishMsg(ctx, store.ChannelCoordinator, ack); err != nil {
				h.opts.Logger.Warn(ctx, "sync ack failed", "barrier", m.BarrierID, "err", err)
			}
		}
	case *message.CourseCorrect:
		report.CourseCorrections = append(report.CourseCorrections, m.Reason)
	case *message.DriftAlert:
		report.DriftAlerts = append(report.DriftAlerts, m.Evidence)
	case *message.PhaseAdvance:
		h.mu.Lock()
		if m.NewPhaseIndex > h.phaseIndex {
			h.phaseIndex = m.NewPhaseIndex
		}
		h.mu.Unlock()
	default:
		h.opts.Logger.Debug(ctx, "ignoring message", "type", string(msg.Type()))
	}
}

// flushDeferredAcks acks barriers whose phase the agent has now reached.
func (h *Hook) flushDeferredAcks(ctx context.Context) {
	h.mu.Lock()
	var still []pendingBarrier
	var ready []pendingBarrier
	for _, pb := range h.deferred {
		if h.phaseIndex >= pb.phaseIndex {
			ready = append(ready, pb)
		} else {
			still = append(still, pb)
		}
	}
	h.deferred = still
	h.mu.Unlock()
	for _, pb := range ready {
		ack := &message.SyncAck{Envelope: h.env(), BarrierID: pb.barrierID}
		if err := h.publishMsg(ctx, store.ChannelCoordinator, ack); err != nil {
			h.opts.Logger.Warn(ctx, "deferred sync ack failed", "barrier", pb.barrierID, "err", err)
		}
	}
}

func (h *Hook) heartbeat() *message.Heartbeat {
	h.mu.Lock()
	defer h.mu.Unlock()
	return &message.Heartbeat{
		Envelope:      h.envLocked(),
		Phase:         h.phase,
		ToolCallCount: h.toolCalls,
		CurrentTaskID: h.currentTaskID,
	}
}

func (h *Hook) env() message.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.envLocked()
}

func (h *Hook) envLocked() message.Envelope {
	h.seq++
	return message.Envelope{
		SessionID: h.opts.SessionID,
		Sender:    h.opts.AgentID,
		Seq:       h.seq,
		SentAt:    time.Now().UTC(),
	}
}

func (h *Hook) publishMsg(ctx context.Context, channel string, msg message.Message) error {
	b, err := message.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	return h.publish(ctx, channel, b)
}

func (h *Hook) publish(ctx context.Context, channel string, msg any) error {
	var payload []byte
	switch v := msg.(type) {
	case []byte:
		payload = v
	case message.Message:
		b, err := message.Encode(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", v.Type(), err)
		}
		payload = b
	default:
		return fmt.Errorf("unsupported publish payload %T", msg)
	}
	return retry.Do(ctx, h.opts.Retry, func(ctx context.Context) error {
		pubCtx, cancel := context.WithTimeout(ctx, h.opts.PublishTimeout)
		defer cancel()
		return h.opts.Store.Publish(pubCtx, channel, payload)
	})
}
