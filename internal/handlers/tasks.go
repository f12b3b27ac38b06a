package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/voluntix/coordinator/internal/channel"
	"github.com/voluntix/coordinator/internal/client"
	"github.com/voluntix/coordinator/internal/message"
	"github.com/voluntix/coordinator/internal/scheduler"
	"github.com/voluntix/coordinator/internal/store"
)

// HandleTaskStatus processes a volunteer's task status report: it updates
// the task, folds the outcome into the volunteer's trust score and, on
// failure, tries to move the task to another volunteer.
func (c *Coordinator) HandleTaskStatus(ctx context.Context, _ string, env *message.Envelope) error {
	taskID := dataString(env.Data, "task_id")
	status := dataString(env.Data, "status")
	if taskID == "" || status == "" {
		c.log.Info("status report missing fields", "request_id", env.RequestID)
		return nil
	}

	task, err := c.store.TaskByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.log.Info("status report for unknown task", "task_id", taskID)
			return nil
		}
		return fmt.Errorf("lookup task: %w", err)
	}

	volunteerID := senderID(env)
	if volunteerID == "" {
		volunteerID = task.VolunteerID
	}

	// Fold persisted history in before counting, so a restart does not
	// reset the volunteer's record.
	if v, err := c.store.VolunteerByID(ctx, volunteerID); err == nil {
		c.tracker.SeedOnce(v.ID, v.TasksCompleted, v.TasksFailed)
	}

	completed, failed, score, changed := c.tracker.Record(volunteerID, taskID, status)
	if changed {
		if err := c.store.SetVolunteerTrust(ctx, volunteerID, score, completed, failed); err != nil {
			c.log.Warn("trust update failed", "volunteer_id", volunteerID, "error", err)
		}
		if c.metrics != nil {
			c.metrics.UpdateTrust(volunteerID, score)
		}
	}

	if !scheduler.IsTerminal(status) {
		if err := c.store.SetTaskStatus(ctx, taskID, store.TaskRunning); err != nil {
			c.log.Warn("task status update failed", "task_id", taskID, "error", err)
		}
		if err := c.store.TouchVolunteer(ctx, volunteerID, c.now()); err != nil {
			c.log.Warn("volunteer touch failed", "volunteer_id", volunteerID, "error", err)
		}
		return nil
	}

	if scheduler.IsFailure(status) {
		return c.handleTaskFailure(ctx, task, volunteerID)
	}
	return c.handleTaskSuccess(ctx, task, volunteerID)
}

func (c *Coordinator) handleTaskSuccess(ctx context.Context, task *store.Task, volunteerID string) error {
	if err := c.store.SetTaskStatus(ctx, task.ID, store.TaskCompleted); err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if err := c.store.SetVolunteerStatus(ctx, volunteerID, store.VolunteerAvailable); err != nil {
		c.log.Warn("volunteer release failed", "volunteer_id", volunteerID, "error", err)
	}
	c.log.Info("task completed", "task_id", task.ID, "volunteer_id", volunteerID)
	c.publishAvailable(ctx)

	// A workflow is done when its last task completes.
	tasks, err := c.store.TasksByWorkflow(ctx, task.WorkflowID)
	if err != nil {
		return fmt.Errorf("list workflow tasks: %w", err)
	}
	for _, t := range tasks {
		if t.ID != task.ID && t.Status != store.TaskCompleted {
			return nil
		}
	}
	if err := c.store.SetWorkflowStatus(ctx, task.WorkflowID, store.WorkflowCompleted); err != nil {
		c.log.Warn("workflow completion failed", "workflow_id", task.WorkflowID, "error", err)
		return nil
	}
	if _, err := c.bus.Publish(ctx, "tasks/status/"+task.WorkflowID, map[string]any{
		"workflow_id": task.WorkflowID,
		"status":      store.WorkflowCompleted,
	}); err != nil {
		c.log.Warn("workflow status publish failed", "workflow_id", task.WorkflowID, "error", err)
	}
	return nil
}

func (c *Coordinator) handleTaskFailure(ctx context.Context, task *store.Task, volunteerID string) error {
	if err := c.store.SetTaskStatus(ctx, task.ID, store.TaskFailed); err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	if err := c.store.SetVolunteerStatus(ctx, volunteerID, store.VolunteerAvailable); err != nil {
		c.log.Warn("volunteer release failed", "volunteer_id", volunteerID, "error", err)
	}
	c.log.Info("task failed, reassigning", "task_id", task.ID, "volunteer_id", volunteerID)

	newVolunteer, err := c.reassign(ctx, task, task.EstimatedResources, volunteerID)
	if err != nil {
		if errors.Is(err, scheduler.ErrNoVolunteer) {
			c.respondReassignment(ctx, "", map[string]any{
				"success": false,
				"task_id": task.ID,
				"error":   msgNoVolunteer,
			})
			return nil
		}
		return err
	}
	c.respondReassignment(ctx, "", map[string]any{
		"success":      true,
		"task_id":      task.ID,
		"volunteer_id": newVolunteer,
	})
	return nil
}

// reassign finds a new volunteer for a task, never the excluded one.
func (c *Coordinator) reassign(ctx context.Context, task *store.Task, estimate store.Resources, exclude string) (string, error) {
	available, err := c.store.AvailableVolunteers(ctx)
	if err != nil {
		return "", fmt.Errorf("list available volunteers: %w", err)
	}
	pool := available[:0]
	for _, v := range available {
		if v.ID != exclude {
			pool = append(pool, v)
		}
	}
	v, err := scheduler.Select(pool, estimate)
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordAssignment("no_volunteer")
		}
		return "", err
	}
	if err := c.assign(ctx, task, v); err != nil {
		return "", err
	}
	if c.metrics != nil {
		c.metrics.RecordAssignment("reassigned")
	}
	return v.ID, nil
}

// HandleTaskAccept settles the pending assignment and marks the task
// running.
func (c *Coordinator) HandleTaskAccept(ctx context.Context, _ string, env *message.Envelope) error {
	taskID := dataString(env.Data, "task_id")
	if taskID == "" {
		return nil
	}
	if c.journal != nil {
		if err := c.journal.Resolve(env.RequestID); err != nil {
			c.log.Warn("journal resolve failed", "request_id", env.RequestID, "error", err)
		}
	}
	if err := c.store.SetTaskStatus(ctx, taskID, store.TaskRunning); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.log.Info("accept for unknown task", "task_id", taskID)
			return nil
		}
		return fmt.Errorf("mark task running: %w", err)
	}
	c.log.Info("task accepted", "task_id", taskID, "volunteer_id", senderID(env))
	return nil
}

// HandleTaskAssignment observes a manager-directed assignment: the named
// volunteer goes busy and its liveness timestamp is stamped. The task record
// is created or re-bound so later status reports resolve.
func (c *Coordinator) HandleTaskAssignment(ctx context.Context, _ string, env *message.Envelope) error {
	volunteerID := dataString(env.Data, "volunteer_id")
	if volunteerID == "" {
		c.log.Info("assignment missing volunteer_id", "request_id", env.RequestID)
		return nil
	}
	if err := c.store.SetVolunteerStatus(ctx, volunteerID, store.VolunteerBusy); err != nil {
		c.log.Warn("volunteer status update failed", "volunteer_id", volunteerID, "error", err)
	}
	if err := c.store.TouchVolunteer(ctx, volunteerID, c.now()); err != nil {
		c.log.Warn("volunteer touch failed", "volunteer_id", volunteerID, "error", err)
	}

	taskID := dataString(env.Data, "task_id")
	if taskID == "" {
		return nil
	}
	if _, err := c.store.TaskByID(ctx, taskID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("lookup task: %w", err)
		}
		t := &store.Task{
			ID:                 taskID,
			WorkflowID:         dataString(env.Data, "workflow_id"),
			VolunteerID:        volunteerID,
			Status:             store.TaskAssigned,
			Payload:            dataMap(env.Data, "payload"),
			EstimatedResources: scheduler.Estimate(dataMap(env.Data, "estimated_resources")),
			CreatedAt:          c.now(),
			AssignedAt:         c.now(),
		}
		if err := c.store.CreateTask(ctx, t); err != nil {
			c.log.Warn("task record failed", "task_id", taskID, "error", err)
		}
		return nil
	}
	if err := c.store.AssignTask(ctx, taskID, volunteerID, c.now()); err != nil {
		c.log.Warn("task rebind failed", "task_id", taskID, "error", err)
	}
	return nil
}

// HandleReassignment serves an explicit manager request to move a task. The
// task is parked in pending_reassignment while a replacement is selected.
func (c *Coordinator) HandleReassignment(ctx context.Context, _ string, env *message.Envelope) error {
	taskID := dataString(env.Data, "task_id")
	if taskID == "" {
		c.respondReassignment(ctx, env.RequestID, map[string]any{
			"success": false,
			"error":   fmt.Sprintf(msgMissingField, "task_id"),
		})
		return nil
	}

	task, err := c.store.TaskByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.respondReassignment(ctx, env.RequestID, map[string]any{
				"success": false,
				"task_id": taskID,
				"error":   msgTaskUnknown,
			})
			return nil
		}
		return fmt.Errorf("lookup task: %w", err)
	}

	if err := c.store.SetTaskStatus(ctx, taskID, store.TaskPendingReassignment); err != nil {
		c.log.Warn("task status update failed", "task_id", taskID, "error", err)
	}

	estimate := task.EstimatedResources
	if res := dataMap(env.Data, "estimated_resources"); res != nil {
		estimate = scheduler.Estimate(res)
	}

	newVolunteer, err := c.reassign(ctx, task, estimate, task.VolunteerID)
	if err != nil {
		if errors.Is(err, scheduler.ErrNoVolunteer) {
			c.respondReassignment(ctx, env.RequestID, map[string]any{
				"success": false,
				"task_id": taskID,
				"error":   msgNoVolunteer,
			})
			return nil
		}
		return err
	}
	c.respondReassignment(ctx, env.RequestID, map[string]any{
		"success":      true,
		"task_id":      taskID,
		"volunteer_id": newVolunteer,
	})
	return nil
}

// respondReassignment publishes a reassignment outcome. Its contract keys on
// a boolean success flag rather than the usual status string.
func (c *Coordinator) respondReassignment(ctx context.Context, requestID string, data map[string]any) {
	opts := []client.PublishOption{client.WithMessageType(message.TypeResponse)}
	if requestID != "" {
		opts = append(opts, client.WithRequestID(requestID))
	}
	if _, err := c.bus.Publish(ctx, channel.TaskReassignmentResp, data, opts...); err != nil {
		c.log.Warn("reassignment response failed", "error", err)
	}
}
