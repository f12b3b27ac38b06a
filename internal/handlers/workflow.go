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

// HandleWorkflowSubmit records a manager workflow and answers with the
// ranked list of volunteers able to run it. The coordinator only proposes
// candidates here; the owning manager directs task assignments itself. An
// empty candidate list is still a success and leaves no trace beyond the
// stored workflow.
func (c *Coordinator) HandleWorkflowSubmit(ctx context.Context, _ string, env *message.Envelope) error {
	if missing := firstMissing(env.Data, "workflow_name"); missing != "" {
		c.respondError(ctx, channel.WorkflowSubmitResponse, env, fmt.Sprintf(msgMissingField, missing))
		return nil
	}

	ownerID := dataString(env.Data, "owner")
	if ownerID == "" {
		ownerID = senderID(env)
	}
	owner, err := c.store.ManagerByID(ctx, ownerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.respondError(ctx, channel.WorkflowSubmitResponse, env, msgManagerUnknown)
			return nil
		}
		return fmt.Errorf("lookup manager: %w", err)
	}
	if owner.Status == store.ManagerSuspended {
		c.respondError(ctx, channel.WorkflowSubmitResponse, env, msgAccountInactive)
		return nil
	}

	estimate := scheduler.Estimate(dataMap(env.Data, "estimated_resources"))

	w := &store.Workflow{
		ID:                 dataString(env.Data, "workflow_id"),
		ManagerID:          owner.ID,
		Name:               dataString(env.Data, "workflow_name"),
		Type:               dataString(env.Data, "workflow_type"),
		Description:        dataString(env.Data, "description"),
		Priority:           intFrom(env.Data["priority"], 0),
		Params:             dataMap(env.Data, "params"),
		EstimatedResources: estimate,
		Status:             store.WorkflowCreated,
		CreatedAt:          c.now(),
	}
	if w.ID == "" {
		w.ID = c.newID()
	}
	if err := c.store.CreateWorkflow(ctx, w); err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}

	available, err := c.store.AvailableVolunteers(ctx)
	if err != nil {
		return fmt.Errorf("list available volunteers: %w", err)
	}
	ranked := scheduler.Rank(available, estimate)
	if len(ranked) == 0 && c.metrics != nil {
		c.metrics.RecordAssignment("no_volunteer")
	}

	candidates := make([]map[string]any, 0, len(ranked))
	for _, v := range ranked {
		candidates = append(candidates, map[string]any{
			"volunteer_id":    v.ID,
			"name":            v.Name,
			"trust_score":     v.TrustScore,
			"tasks_completed": v.TasksCompleted,
			"resources":       v.Resources,
		})
	}

	c.log.Info("workflow recorded", "workflow_id", w.ID, "manager_id", owner.ID, "candidates", len(candidates))
	c.respond(ctx, channel.WorkflowSubmitResponse, env, "success", map[string]any{
		"workflow_id": w.ID,
		"volunteers":  candidates,
	})
	return nil
}

// assign binds a task to a volunteer, journals the in-flight assignment and
// notifies the volunteer.
func (c *Coordinator) assign(ctx context.Context, t *store.Task, v *store.Volunteer) error {
	if err := c.store.AssignTask(ctx, t.ID, v.ID, c.now()); err != nil {
		return err
	}
	if err := c.store.SetVolunteerStatus(ctx, v.ID, store.VolunteerBusy); err != nil {
		c.log.Warn("volunteer status update failed", "volunteer_id", v.ID, "error", err)
	}

	reqID, err := c.bus.Publish(ctx, channel.TaskAssignment, map[string]any{
		"task_id":             t.ID,
		"workflow_id":         t.WorkflowID,
		"volunteer_id":        v.ID,
		"payload":             t.Payload,
		"estimated_resources": t.EstimatedResources,
	})
	if err != nil {
		return err
	}
	if c.journal != nil {
		if jerr := c.journal.Add(reqID, channel.TaskAssignment, map[string]any{
			"task_id":      t.ID,
			"volunteer_id": v.ID,
		}); jerr != nil {
			c.log.Warn("journal write failed", "request_id", reqID, "error", jerr)
		}
	}
	if c.metrics != nil {
		c.metrics.RecordAssignment("assigned")
	}
	c.log.Info("task assigned", "task_id", t.ID, "volunteer_id", v.ID, "trust_score", v.TrustScore)
	return nil
}

// HandleManagerRequest serves ad-hoc manager queries, currently the platform
// status snapshot.
func (c *Coordinator) HandleManagerRequest(ctx context.Context, _ string, env *message.Envelope) error {
	switch dataString(env.Data, "type") {
	case "status", "":
		volunteers, err := c.store.AvailableVolunteers(ctx)
		if err != nil {
			return fmt.Errorf("list available volunteers: %w", err)
		}
		if _, err := c.bus.Publish(ctx, channel.ManagerStatus, map[string]any{
			"volunteers_available": len(volunteers),
		}, client.WithRequestID(env.RequestID), client.WithMessageType(message.TypeResponse)); err != nil {
			c.log.Warn("status publish failed", "error", err)
		}
	default:
		c.log.Info("unsupported manager request", "type", dataString(env.Data, "type"), "request_id", env.RequestID)
	}
	return nil
}

func intFrom(v any, def int) int {
	switch x := v.(type) {
	case int:
		if x >= 0 {
			return x
		}
	case float64:
		if x >= 0 {
			return int(x)
		}
	}
	return def
}
