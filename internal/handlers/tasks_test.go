package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voluntix/coordinator/internal/channel"
	"github.com/voluntix/coordinator/internal/message"
	"github.com/voluntix/coordinator/internal/store"
)

func seedAssignedTask(t *testing.T, st *fakeStore, taskID, workflowID, volunteerID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateWorkflow(ctx, &store.Workflow{ID: workflowID, Status: store.WorkflowRunning}))
	require.NoError(t, st.CreateTask(ctx, &store.Task{
		ID:                 taskID,
		WorkflowID:         workflowID,
		VolunteerID:        volunteerID,
		Status:             store.TaskAssigned,
		EstimatedResources: store.Resources{CPUCores: 2, MemoryMB: 1024, DiskMB: 500},
	}))
}

func statusEnv(volunteerID string, data map[string]any) *message.Envelope {
	data["_sender_id"] = volunteerID
	return message.New("volunteer", volunteerID, data)
}

func TestTaskStatusCompletionUpdatesTrust(t *testing.T) {
	c, bus, st := newTestCoordinator(t)
	ctx := context.Background()

	seedVolunteer(t, st, "vol-1", 50, bigBox)
	require.NoError(t, st.SetVolunteerStatus(ctx, "vol-1", store.VolunteerBusy))
	seedAssignedTask(t, st, "task-1", "wf-1", "vol-1")

	env := statusEnv("vol-1", map[string]any{"task_id": "task-1", "status": "completed"})
	require.NoError(t, c.HandleTaskStatus(ctx, channel.TaskStatus, env))

	task, err := st.TaskByID(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, task.Status)

	v, err := st.VolunteerByID(ctx, "vol-1")
	require.NoError(t, err)
	assert.Equal(t, store.VolunteerAvailable, v.Status)
	assert.Equal(t, 100.0, v.TrustScore)
	assert.Equal(t, 1, v.TasksCompleted)

	// Last task of the workflow: the workflow completes and managers hear
	// about it.
	w, err := st.WorkflowByID(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, store.WorkflowCompleted, w.Status)
	done := bus.on("tasks/status/wf-1")
	require.NotNil(t, done)
	assert.Equal(t, store.WorkflowCompleted, done.Data["status"])
}

func TestTaskStatusDuplicateReportIgnored(t *testing.T) {
	c, _, st := newTestCoordinator(t)
	ctx := context.Background()

	seedVolunteer(t, st, "vol-1", 50, bigBox)
	seedAssignedTask(t, st, "task-1", "wf-1", "vol-1")

	env := statusEnv("vol-1", map[string]any{"task_id": "task-1", "status": "completed"})
	require.NoError(t, c.HandleTaskStatus(ctx, channel.TaskStatus, env))
	require.NoError(t, c.HandleTaskStatus(ctx, channel.TaskStatus, env))

	v, err := st.VolunteerByID(ctx, "vol-1")
	require.NoError(t, err)
	assert.Equal(t, 1, v.TasksCompleted)
	assert.Equal(t, 100.0, v.TrustScore)
}

func TestTaskStatusFailureReassigns(t *testing.T) {
	c, bus, st := newTestCoordinator(t)
	ctx := context.Background()

	seedVolunteer(t, st, "vol-fail", 70, bigBox)
	require.NoError(t, st.SetVolunteerStatus(ctx, "vol-fail", store.VolunteerBusy))
	seedVolunteer(t, st, "vol-backup", 60, bigBox)
	seedAssignedTask(t, st, "task-1", "wf-1", "vol-fail")

	env := statusEnv("vol-fail", map[string]any{"task_id": "task-1", "status": "failed"})
	require.NoError(t, c.HandleTaskStatus(ctx, channel.TaskStatus, env))

	// The task moved to the backup volunteer, never back to the failure.
	task, err := st.TaskByID(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "vol-backup", task.VolunteerID)
	assert.Equal(t, store.TaskAssigned, task.Status)

	resp := bus.on(channel.TaskReassignmentResp)
	require.NotNil(t, resp)
	assert.Equal(t, true, resp.Data["success"])
	assert.Equal(t, "vol-backup", resp.Data["volunteer_id"])

	// The failure dented the trust score.
	v, err := st.VolunteerByID(ctx, "vol-fail")
	require.NoError(t, err)
	assert.Equal(t, 0.0, v.TrustScore)
	assert.Equal(t, 1, v.TasksFailed)
}

func TestTaskStatusFailureNoBackup(t *testing.T) {
	c, bus, st := newTestCoordinator(t)
	ctx := context.Background()

	seedVolunteer(t, st, "vol-fail", 70, bigBox)
	require.NoError(t, st.SetVolunteerStatus(ctx, "vol-fail", store.VolunteerBusy))
	seedAssignedTask(t, st, "task-1", "wf-1", "vol-fail")

	env := statusEnv("vol-fail", map[string]any{"task_id": "task-1", "status": "failed"})
	require.NoError(t, c.HandleTaskStatus(ctx, channel.TaskStatus, env))

	resp := bus.on(channel.TaskReassignmentResp)
	require.NotNil(t, resp)
	assert.Equal(t, false, resp.Data["success"])
	assert.Equal(t, "Aucun volontaire disponible", resp.Data["error"])
}

func TestTaskStatusRunningIsProgressOnly(t *testing.T) {
	c, bus, st := newTestCoordinator(t)
	ctx := context.Background()

	seedVolunteer(t, st, "vol-1", 50, bigBox)
	seedAssignedTask(t, st, "task-1", "wf-1", "vol-1")

	env := statusEnv("vol-1", map[string]any{"task_id": "task-1", "status": "running"})
	require.NoError(t, c.HandleTaskStatus(ctx, channel.TaskStatus, env))

	task, err := st.TaskByID(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskRunning, task.Status)

	// Progress does not touch trust or trigger responses.
	v, err := st.VolunteerByID(ctx, "vol-1")
	require.NoError(t, err)
	assert.Equal(t, 50.0, v.TrustScore)
	assert.Nil(t, bus.on(channel.TaskReassignmentResp))
}

func TestTaskStatusUnknownTask(t *testing.T) {
	c, bus, _ := newTestCoordinator(t)

	env := statusEnv("vol-1", map[string]any{"task_id": "ghost", "status": "completed"})
	require.NoError(t, c.HandleTaskStatus(context.Background(), channel.TaskStatus, env))
	assert.Empty(t, bus.published)
}

func TestTaskAcceptResolvesJournal(t *testing.T) {
	c, _, st := newTestCoordinator(t)
	ctx := context.Background()

	journal, err := NewJournal(t.TempDir())
	require.NoError(t, err)
	c.journal = journal

	seedVolunteer(t, st, "vol-1", 50, bigBox)
	seedAssignedTask(t, st, "task-1", "wf-1", "vol-1")

	env := statusEnv("vol-1", map[string]any{"task_id": "task-1"})
	require.NoError(t, journal.Add(env.RequestID, channel.TaskAssignment, nil))

	require.NoError(t, c.HandleTaskAccept(ctx, channel.TaskAccept, env))

	task, err := st.TaskByID(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskRunning, task.Status)

	pending, err := journal.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReassignmentRequest(t *testing.T) {
	c, bus, st := newTestCoordinator(t)
	ctx := context.Background()

	seedVolunteer(t, st, "vol-old", 70, bigBox)
	require.NoError(t, st.SetVolunteerStatus(ctx, "vol-old", store.VolunteerBusy))
	seedVolunteer(t, st, "vol-new", 60, bigBox)
	seedAssignedTask(t, st, "task-1", "wf-1", "vol-old")

	env := submitEnv(map[string]any{"task_id": "task-1"})
	require.NoError(t, c.HandleReassignment(ctx, channel.TaskReassignment, env))

	resp := bus.on(channel.TaskReassignmentResp)
	require.NotNil(t, resp)
	assert.Equal(t, true, resp.Data["success"])
	assert.Equal(t, "vol-new", resp.Data["volunteer_id"])
	assert.Equal(t, env.RequestID, resp.Config.RequestID)

	task, err := st.TaskByID(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "vol-new", task.VolunteerID)
	assert.Equal(t, store.TaskAssigned, task.Status)
}

func TestReassignmentParksTaskWithoutCandidate(t *testing.T) {
	c, bus, st := newTestCoordinator(t)
	ctx := context.Background()

	seedVolunteer(t, st, "vol-old", 70, bigBox)
	require.NoError(t, st.SetVolunteerStatus(ctx, "vol-old", store.VolunteerBusy))
	seedAssignedTask(t, st, "task-1", "wf-1", "vol-old")

	env := submitEnv(map[string]any{"task_id": "task-1"})
	require.NoError(t, c.HandleReassignment(ctx, channel.TaskReassignment, env))

	resp := bus.on(channel.TaskReassignmentResp)
	require.NotNil(t, resp)
	assert.Equal(t, false, resp.Data["success"])
	assert.Equal(t, "Aucun volontaire disponible", resp.Data["error"])

	// The task waits in pending_reassignment until capacity frees up.
	task, err := st.TaskByID(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskPendingReassignment, task.Status)
}

func TestReassignmentUnknownTask(t *testing.T) {
	c, bus, _ := newTestCoordinator(t)

	env := submitEnv(map[string]any{"task_id": "ghost"})
	require.NoError(t, c.HandleReassignment(context.Background(), channel.TaskReassignment, env))

	resp := bus.on(channel.TaskReassignmentResp)
	require.NotNil(t, resp)
	assert.Equal(t, false, resp.Data["success"])
	assert.Equal(t, "Tâche introuvable", resp.Data["error"])
}

func TestTaskAssignmentMarksVolunteerBusy(t *testing.T) {
	c, _, st := newTestCoordinator(t)
	ctx := context.Background()

	seedVolunteer(t, st, "vol-1", 50, bigBox)

	env := submitEnv(map[string]any{
		"task_id":      "task-9",
		"workflow_id":  "wf-9",
		"volunteer_id": "vol-1",
	})
	require.NoError(t, c.HandleTaskAssignment(ctx, channel.TaskAssignment, env))

	v, err := st.VolunteerByID(ctx, "vol-1")
	require.NoError(t, err)
	assert.Equal(t, store.VolunteerBusy, v.Status)
	assert.False(t, v.LastSeen.IsZero())

	// The assignment is recorded so later status reports resolve.
	task, err := st.TaskByID(ctx, "task-9")
	require.NoError(t, err)
	assert.Equal(t, "vol-1", task.VolunteerID)
	assert.Equal(t, store.TaskAssigned, task.Status)
	assert.Equal(t, "wf-9", task.WorkflowID)
}

func TestHeartbeatTouchesVolunteer(t *testing.T) {
	c, _, st := newTestCoordinator(t)
	ctx := context.Background()

	seedVolunteer(t, st, "vol-1", 50, bigBox)
	env := statusEnv("vol-1", map[string]any{})

	require.NoError(t, c.HandleHeartbeat(ctx, "coord/heartbeat/vol-1", env))
	v, err := st.VolunteerByID(ctx, "vol-1")
	require.NoError(t, err)
	assert.False(t, v.LastSeen.IsZero())
}

func TestEmergencyTakesVolunteerOffline(t *testing.T) {
	c, _, st := newTestCoordinator(t)
	ctx := context.Background()

	seedVolunteer(t, st, "vol-1", 50, bigBox)
	env := statusEnv("vol-1", map[string]any{"reason": "power loss"})

	require.NoError(t, c.HandleEmergency(ctx, channel.CoordEmergency, env))
	v, err := st.VolunteerByID(ctx, "vol-1")
	require.NoError(t, err)
	assert.Equal(t, store.VolunteerOffline, v.Status)
}

func TestVolunteerResourcesUpdate(t *testing.T) {
	c, bus, st := newTestCoordinator(t)
	ctx := context.Background()

	seedVolunteer(t, st, "vol-1", 50, store.Resources{CPUCores: 2, MemoryMB: 1024, DiskMB: 500})
	require.NoError(t, st.SetVolunteerStatus(ctx, "vol-1", store.VolunteerOffline))

	env := statusEnv("vol-1", map[string]any{
		"resources": map[string]any{"cpu_cores": float64(16), "memory_mb": float64(32768), "gpu": true},
	})
	require.NoError(t, c.HandleVolunteerResources(ctx, channel.VolunteerResources, env))

	v, err := st.VolunteerByID(ctx, "vol-1")
	require.NoError(t, err)
	assert.Equal(t, 16, v.Resources.CPUCores)
	assert.True(t, v.Resources.GPU)
	assert.Equal(t, store.VolunteerAvailable, v.Status)
	assert.NotNil(t, bus.on(channel.VolunteerAvailable))
}
