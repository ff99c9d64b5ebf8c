package checkin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/powermode/message"
	"goa.design/powermode/store"
	"goa.design/powermode/store/filestore"
)

func newBackend(t *testing.T) store.Backend {
	t.Helper()
	s, err := filestore.New(filestore.Options{
		Dir:          t.TempDir(),
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func newHook(t *testing.T, s store.Backend, opts Options) *Hook {
	t.Helper()
	opts.Store = s
	if opts.SessionID == "" {
		opts.SessionID = "sess-1"
	}
	if opts.AgentID == "" {
		opts.AgentID = "agent-1"
	}
	if opts.PullBudget == 0 {
		opts.PullBudget = 150 * time.Millisecond
	}
	h, err := NewHook(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(h.Close)
	return h
}

// observe opens an observer subscription on a channel before any traffic so
// the cursor starts at the beginning.
func observe(t *testing.T, s store.Backend, channel string) store.Subscription {
	t.Helper()
	sub, err := s.Subscribe(context.Background(), "observer-"+channel, channel)
	require.NoError(t, err)
	t.Cleanup(sub.Close)
	return sub
}

func nextMsg(t *testing.T, sub store.Subscription) message.Message {
	t.Helper()
	select {
	case d := <-sub.C():
		msg, err := message.Decode(d.Payload)
		require.NoError(t, err)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

func noMsg(t *testing.T, sub store.Subscription) {
	t.Helper()
	select {
	case d := <-sub.C():
		t.Fatalf("unexpected message: %s", d.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func send(t *testing.T, s store.Backend, channel string, msg message.Message) {
	t.Helper()
	b, err := message.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, s.Publish(context.Background(), channel, b))
}

func coordEnv(seq uint64) message.Envelope {
	return message.Envelope{
		SessionID: "sess-1",
		Sender:    message.CoordinatorSender,
		Seq:       seq,
		SentAt:    time.Now().UTC(),
	}
}

func TestNewHookValidates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	_, err := NewHook(ctx, Options{SessionID: "s", AgentID: "a"})
	assert.Error(t, err)

	s := newBackend(t)
	_, err = NewHook(ctx, Options{Store: s, AgentID: "a"})
	assert.Error(t, err)
	_, err = NewHook(ctx, Options{Store: s, SessionID: "s"})
	assert.Error(t, err)
}

func TestCheckinCadence(t *testing.T) {
	t.Parallel()

	s := newBackend(t)
	hb := observe(t, s, store.ChannelHeartbeat)
	h := newHook(t, s, Options{EveryNTools: 3})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		report, err := h.OnToolUse(ctx)
		require.NoError(t, err)
		assert.False(t, report.CheckedIn)
	}
	noMsg(t, hb)

	report, err := h.OnToolUse(ctx)
	require.NoError(t, err)
	assert.True(t, report.CheckedIn)

	msg := nextMsg(t, hb)
	beat, ok := msg.(*message.Heartbeat)
	require.True(t, ok)
	assert.Equal(t, "agent-1", beat.Sender)
	assert.Equal(t, 3, beat.ToolCallCount)
}

func TestPushEmitsCheckinAndStandaloneInsights(t *testing.T) {
	t.Parallel()

	s := newBackend(t)
	results := observe(t, s, store.ChannelResults)
	insights := observe(t, s, store.ChannelInsights)
	h := newHook(t, s, Options{EveryNTools: 1})
	ctx := context.Background()

	h.SetPhase("build", 0)
	h.RecordProgress("implemented the retry path")
	h.RecordFileTouched("retry/retry.go")
	require.NoError(t, h.RecordInsight(message.NewTags(message.TagPattern), "backoff caps at 8s"))

	report, err := h.OnToolUse(ctx)
	require.NoError(t, err)
	require.True(t, report.CheckedIn)

	ci, ok := nextMsg(t, results).(*message.Checkin)
	require.True(t, ok)
	assert.Equal(t, "implemented the retry path", ci.ProgressNote)
	assert.Equal(t, []string{"retry/retry.go"}, ci.FilesTouched)
	require.Len(t, ci.Insights, 1)
	assert.Equal(t, "backoff caps at 8s", ci.Insights[0].Payload)
	assert.Equal(t, "build", ci.Insights[0].Phase)

	im, ok := nextMsg(t, insights).(*message.InsightMessage)
	require.True(t, ok)
	assert.Equal(t, ci.Insights[0].ID, im.Insight.ID)

	// The buffer was consumed: a quiet check-in emits only the heartbeat.
	_, err = h.OnToolUse(ctx)
	require.NoError(t, err)
	noMsg(t, results)
}

func TestInsightRequiresTags(t *testing.T) {
	t.Parallel()

	s := newBackend(t)
	h := newHook(t, s, Options{})
	assert.Error(t, h.RecordInsight(nil, "untagged"))
}

func TestPullAcceptsTaskAssign(t *testing.T) {
	t.Parallel()

	s := newBackend(t)
	h := newHook(t, s, Options{EveryNTools: 1})
	ctx := context.Background()

	deadline := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	send(t, s, store.AgentChannel("agent-1"), &message.TaskAssign{
		Envelope:     coordEnv(1),
		TaskID:       "t1",
		AgentID:      "agent-1",
		RequiredType: "builder",
		Deadline:     deadline,
	})

	report, err := h.OnToolUse(ctx)
	require.NoError(t, err)
	require.Len(t, report.AssignedTasks, 1)
	assert.Equal(t, "t1", report.AssignedTasks[0].ID)
	assert.Equal(t, "builder", report.AssignedTasks[0].RequiredType)

	pending := h.PendingTasks()
	require.Len(t, pending, 1)
	assert.Equal(t, "t1", pending[0].ID)
}

func TestSyncAckImmediateWhenPhaseReached(t *testing.T) {
	t.Parallel()

	s := newBackend(t)
	coord := observe(t, s, store.ChannelCoordinator)
	h := newHook(t, s, Options{EveryNTools: 1})
	ctx := context.Background()

	h.SetPhase("test", 1)
	send(t, s, store.AgentChannel("agent-1"), &message.SyncRequest{
		Envelope:   coordEnv(1),
		BarrierID:  "b1",
		PhaseIndex: 1,
	})

	_, err := h.OnToolUse(ctx)
	require.NoError(t, err)

	ack, ok := nextMsg(t, coord).(*message.SyncAck)
	require.True(t, ok)
	assert.Equal(t, "b1", ack.BarrierID)
	assert.Equal(t, "agent-1", ack.Sender)
}

func TestSyncAckDeferredUntilPhaseReached(t *testing.T) {
	t.Parallel()

	s := newBackend(t)
	coord := observe(t, s, store.ChannelCoordinator)
	h := newHook(t, s, Options{EveryNTools: 1})
	ctx := context.Background()

	send(t, s, store.AgentChannel("agent-1"), &message.SyncRequest{
		Envelope:   coordEnv(1),
		BarrierID:  "b1",
		PhaseIndex: 2,
	})

	// Still in an earlier phase: the ack is held back.
	_, err := h.OnToolUse(ctx)
	require.NoError(t, err)
	noMsg(t, coord)

	// Reaching the phase releases the ack at the next check-in.
	h.SetPhase("deploy", 2)
	_, err = h.OnToolUse(ctx)
	require.NoError(t, err)

	ack, ok := nextMsg(t, coord).(*message.SyncAck)
	require.True(t, ok)
	assert.Equal(t, "b1", ack.BarrierID)
}

func TestPullSkipsOwnMessages(t *testing.T) {
	t.Parallel()

	s := newBackend(t)
	h := newHook(t, s, Options{EveryNTools: 1})
	ctx := context.Background()

	// A message the agent itself published loops back on the polling store;
	// the pull must not treat it as a directive.
	send(t, s, store.AgentChannel("agent-1"), &message.CourseCorrect{
		Envelope: message.Envelope{SessionID: "sess-1", Sender: "agent-1", Seq: 1, SentAt: time.Now().UTC()},
		AgentID:  "agent-1",
		Reason:   "echo",
	})

	report, err := h.OnToolUse(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.CourseCorrections)
}

func TestDirectivesSurfaceInReport(t *testing.T) {
	t.Parallel()

	s := newBackend(t)
	h := newHook(t, s, Options{EveryNTools: 1})
	ctx := context.Background()

	send(t, s, store.AgentChannel("agent-1"), &message.CourseCorrect{
		Envelope: coordEnv(1),
		AgentID:  "agent-1",
		Reason:   "touched a protected path",
	})
	send(t, s, store.AgentChannel("agent-1"), &message.DriftAlert{
		Envelope: coordEnv(2),
		AgentID:  "agent-1",
		Evidence: "3 of 3 recent files outside billing/",
	})

	report, err := h.OnToolUse(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"touched a protected path"}, report.CourseCorrections)
	assert.Equal(t, []string{"3 of 3 recent files outside billing/"}, report.DriftAlerts)
}

func TestPhaseAdvanceRaisesIndex(t *testing.T) {
	t.Parallel()

	s := newBackend(t)
	coord := observe(t, s, store.ChannelCoordinator)
	h := newHook(t, s, Options{EveryNTools: 1})
	ctx := context.Background()

	send(t, s, store.AgentChannel("agent-1"), &message.SyncRequest{
		Envelope:   coordEnv(1),
		BarrierID:  "b1",
		PhaseIndex: 1,
	})
	send(t, s, store.AgentChannel("agent-1"), &message.PhaseAdvance{
		Envelope:      coordEnv(2),
		NewPhaseIndex: 1,
	})

	// The advance lands in the same pull, so the deferred ack flushes right
	// after it.
	_, err := h.OnToolUse(ctx)
	require.NoError(t, err)

	ack, ok := nextMsg(t, coord).(*message.SyncAck)
	require.True(t, ok)
	assert.Equal(t, "b1", ack.BarrierID)
}

func TestCancelFlushesHeartbeatOnly(t *testing.T) {
	t.Parallel()

	s := newBackend(t)
	hb := observe(t, s, store.ChannelHeartbeat)
	results := observe(t, s, store.ChannelResults)
	h := newHook(t, s, Options{EveryNTools: 1})
	ctx := context.Background()

	require.NoError(t, h.RecordInsight(message.NewTags(message.TagBlocker), "stuck"))
	h.Cancel()

	report, err := h.OnToolUse(ctx)
	require.NoError(t, err)
	assert.False(t, report.CheckedIn)

	_, ok := nextMsg(t, hb).(*message.Heartbeat)
	require.True(t, ok)
	noMsg(t, results)
}

func TestCancelHeartbeatsAtCadence(t *testing.T) {
	t.Parallel()

	s := newBackend(t)
	hb := observe(t, s, store.ChannelHeartbeat)
	h := newHook(t, s, Options{EveryNTools: 2})
	ctx := context.Background()

	h.Cancel()

	// Off-cadence tool calls stay silent even after cancellation.
	_, err := h.OnToolUse(ctx)
	require.NoError(t, err)
	noMsg(t, hb)

	_, err = h.OnToolUse(ctx)
	require.NoError(t, err)
	beat, ok := nextMsg(t, hb).(*message.Heartbeat)
	require.True(t, ok)
	assert.Equal(t, 2, beat.ToolCallCount)
}

func TestPausedWithholdsCheckinsUntilResume(t *testing.T) {
	t.Parallel()

	s := newBackend(t)
	hb := observe(t, s, store.ChannelHeartbeat)
	results := observe(t, s, store.ChannelResults)
	h := newHook(t, s, Options{
		EveryNTools: 1,
		Classify: func(in message.Insight) (string, bool) {
			if in.Tags.Has(message.TagDeploy) {
				return "production-deploy", true
			}
			return "", false
		},
	})
	ctx := context.Background()

	require.NoError(t, h.RecordInsight(message.NewTags(message.TagDeploy), "push to prod now"))
	report, err := h.OnToolUse(ctx)
	require.NoError(t, err)
	require.True(t, report.Escalated)
	require.True(t, h.Paused())
	_, ok := nextMsg(t, hb).(*message.Heartbeat)
	require.True(t, ok)

	// While paused only the heartbeat goes out; progress stays buffered.
	h.RecordProgress("waiting on approval")
	_, err = h.OnToolUse(ctx)
	require.NoError(t, err)
	_, ok = nextMsg(t, hb).(*message.Heartbeat)
	require.True(t, ok)
	noMsg(t, results)

	// Resume releases the buffered progress at the next check-in.
	h.Resume()
	assert.False(t, h.Paused())
	_, err = h.OnToolUse(ctx)
	require.NoError(t, err)
	ci, ok := nextMsg(t, results).(*message.Checkin)
	require.True(t, ok)
	assert.Equal(t, "waiting on approval", ci.ProgressNote)
}

func TestClassifierWithholdsAndEscalates(t *testing.T) {
	t.Parallel()

	s := newBackend(t)
	human := observe(t, s, store.ChannelHuman)
	results := observe(t, s, store.ChannelResults)
	insights := observe(t, s, store.ChannelInsights)
	h := newHook(t, s, Options{
		EveryNTools: 1,
		Classify: func(in message.Insight) (string, bool) {
			return "production-deploy", true
		},
	})
	ctx := context.Background()

	require.NoError(t, h.RecordInsight(message.NewTags(message.TagDeploy), "push to prod now"))

	report, err := h.OnToolUse(ctx)
	require.NoError(t, err)
	assert.True(t, report.Escalated)

	esc, ok := nextMsg(t, human).(*message.HumanEscalate)
	require.True(t, ok)
	assert.Equal(t, "production-deploy", esc.Category)
	assert.Equal(t, "agent-1", esc.AgentID)

	// The withheld insight never reaches the shared channels.
	noMsg(t, results)
	noMsg(t, insights)
}

func TestCompleteTask(t *testing.T) {
	t.Parallel()

	s := newBackend(t)
	results := observe(t, s, store.ChannelResults)
	h := newHook(t, s, Options{EveryNTools: 1})
	ctx := context.Background()

	send(t, s, store.AgentChannel("agent-1"), &message.TaskAssign{
		Envelope: coordEnv(1),
		TaskID:   "t1",
		AgentID:  "agent-1",
	})
	_, err := h.OnToolUse(ctx)
	require.NoError(t, err)
	require.Len(t, h.PendingTasks(), 1)

	require.NoError(t, h.CompleteTask(ctx, "t1", "done", true))
	assert.Empty(t, h.PendingTasks())

	tc, ok := nextMsg(t, results).(*message.TaskComplete)
	require.True(t, ok)
	assert.Equal(t, "t1", tc.TaskID)
	assert.True(t, tc.OK)
	assert.Equal(t, "done", tc.Result)
}
