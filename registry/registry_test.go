package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndActivate(t *testing.T) {
	t.Parallel()

	r := New()
	id := r.Register("builder", []string{"build"})
	require.NotEmpty(t, id)

	a := r.Agent(id)
	require.NotNil(t, a)
	assert.Equal(t, StateRegistered, a.State)
	assert.Equal(t, "builder", a.Type)
	// Registration stamps the liveness clock.
	assert.False(t, a.LastHeartbeatAt.IsZero())

	now := time.Now()
	require.NoError(t, r.RecordHeartbeat(id, "build", 5, now))
	assert.Equal(t, StateActive, a.State)
	assert.Equal(t, "build", a.CurrentPhase)
	assert.Equal(t, 5, a.ToolCallCount)
	assert.Equal(t, now, a.LastHeartbeatAt)

	// Tool call count is monotonic; a stale heartbeat cannot lower it.
	require.NoError(t, r.RecordHeartbeat(id, "build", 3, now.Add(time.Second)))
	assert.Equal(t, 5, a.ToolCallCount)
}

func TestUnknownAgentOperationsFail(t *testing.T) {
	t.Parallel()

	r := New()
	now := time.Now()
	assert.Error(t, r.RecordHeartbeat("ghost", "p", 1, now))
	assert.Error(t, r.RecordCheckin("ghost", now))
	assert.Error(t, r.AssignTask("ghost", Task{ID: "t"}))
	assert.Error(t, r.CompleteTask("ghost", "t"))
	_, err := r.SnapshotFields("ghost")
	assert.Error(t, err)
	assert.Nil(t, r.Agent("ghost"))
}

func TestActiveOrder(t *testing.T) {
	t.Parallel()

	r := New()
	id1 := r.Register("builder", nil)
	id2 := r.Register("tester", nil)
	id3 := r.Register("builder", nil)
	r.Retire(id2)

	active := r.Active()
	require.Len(t, active, 2)
	assert.Equal(t, id1, active[0].ID)
	assert.Equal(t, id3, active[1].ID)
}

func TestTaskLifecycle(t *testing.T) {
	t.Parallel()

	r := New()
	id := r.Register("builder", nil)

	require.NoError(t, r.AssignTask(id, Task{ID: "t1"}))
	require.NoError(t, r.AssignTask(id, Task{ID: "t2"}))
	a := r.Agent(id)
	assert.Equal(t, "t1", a.CurrentTaskID)
	assert.Len(t, a.PendingTasks, 2)

	require.NoError(t, r.CompleteTask(id, "t1"))
	assert.Equal(t, "t2", a.CurrentTaskID)
	assert.Len(t, a.PendingTasks, 1)

	require.NoError(t, r.CompleteTask(id, "t2"))
	assert.Empty(t, a.CurrentTaskID)
	assert.Empty(t, a.PendingTasks)
}

func TestReapAfterMissedHeartbeats(t *testing.T) {
	t.Parallel()

	r := New()
	idle := r.Register("builder", nil)
	alive := r.Register("builder", nil)

	base := time.Now()
	grace := 3 * DefaultHeartbeatInterval
	require.NoError(t, r.RecordHeartbeat(idle, "p", 1, base))
	require.NoError(t, r.AssignTask(idle, Task{ID: "t1"}))
	require.NoError(t, r.RecordHeartbeat(alive, "p", 1, base.Add(grace)))

	events := r.Reap(base.Add(grace+time.Second), grace)
	require.Len(t, events, 1)
	assert.Equal(t, idle, events[0].AgentID)
	assert.Equal(t, "missed heartbeats", events[0].Reason)
	require.Len(t, events[0].OrphanedTasks, 1)
	assert.Equal(t, "t1", events[0].OrphanedTasks[0].ID)

	a := r.Agent(idle)
	assert.Equal(t, StateDown, a.State)
	assert.Empty(t, a.PendingTasks)
	assert.Empty(t, a.CurrentTaskID)

	assert.Equal(t, StateActive, r.Agent(alive).State)

	// Reaping is idempotent.
	assert.Empty(t, r.Reap(base.Add(2*grace), grace))
}

func TestReapNeverHeartbeatedAgent(t *testing.T) {
	t.Parallel()

	r := New()
	id := r.Register("builder", nil)
	require.NoError(t, r.AssignTask(id, Task{ID: "t1"}))

	grace := 3 * DefaultHeartbeatInterval

	// Within the grace window registration alone keeps the agent alive.
	assert.Empty(t, r.Reap(time.Now().Add(grace/2), grace))
	assert.Equal(t, StateRegistered, r.Agent(id).State)

	// Past it a registered agent that never heartbeated is reaped and its
	// tasks are orphaned; it cannot hold work hostage forever.
	events := r.Reap(time.Now().Add(grace+time.Second), grace)
	require.Len(t, events, 1)
	assert.Equal(t, id, events[0].AgentID)
	require.Len(t, events[0].OrphanedTasks, 1)
	assert.Equal(t, "t1", events[0].OrphanedTasks[0].ID)
	assert.Equal(t, StateDown, r.Agent(id).State)
}

func TestInvalidMessageFlood(t *testing.T) {
	t.Parallel()

	r := New()
	id := r.Register("builder", nil)
	base := time.Now()
	require.NoError(t, r.RecordHeartbeat(id, "p", 1, base))

	for i := 0; i < 10; i++ {
		assert.Nil(t, r.RecordInvalid(id, base.Add(time.Duration(i)*time.Second)))
	}
	evt := r.RecordInvalid(id, base.Add(11*time.Second))
	require.NotNil(t, evt)
	assert.Equal(t, "invalid message flood", evt.Reason)
	assert.Equal(t, StateDown, r.Agent(id).State)

	// Down agents are not re-reported.
	assert.Nil(t, r.RecordInvalid(id, base.Add(12*time.Second)))
}

func TestInvalidCountsExpireOutsideWindow(t *testing.T) {
	t.Parallel()

	r := New()
	id := r.Register("builder", nil)
	base := time.Now()

	for i := 0; i < 10; i++ {
		assert.Nil(t, r.RecordInvalid(id, base.Add(time.Duration(i)*time.Second)))
	}
	// Past the window the old rejections no longer count.
	assert.Nil(t, r.RecordInvalid(id, base.Add(2*time.Minute)))
	assert.NotEqual(t, StateDown, r.Agent(id).State)
}

func TestSnapshotFields(t *testing.T) {
	t.Parallel()

	r := New()
	id := r.Register("builder", []string{"build"})
	now := time.Now()
	require.NoError(t, r.RecordHeartbeat(id, "build", 7, now))
	require.NoError(t, r.AssignTask(id, Task{ID: "t1", RequiredType: "builder"}))

	fields, err := r.SnapshotFields(id)
	require.NoError(t, err)
	assert.Equal(t, "builder", string(fields["type"]))
	assert.Equal(t, string(StateActive), string(fields["state"]))
	assert.Equal(t, "build", string(fields["current_phase"]))
	assert.Equal(t, "t1", string(fields["current_task_id"]))
	assert.Equal(t, "7", string(fields["tool_call_count"]))
	assert.Contains(t, string(fields["pending_tasks"]), `"t1"`)
	assert.NotEmpty(t, fields["last_heartbeat_at"])
}
