package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// CreateWorkflow inserts a newly submitted workflow.
func (s *Store) CreateWorkflow(ctx context.Context, w *Workflow) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := s.workflows.InsertOne(ctx, w); err != nil {
		return mapWriteErr(err)
	}
	return nil
}

// WorkflowByID fetches one workflow.
func (s *Store) WorkflowByID(ctx context.Context, id string) (*Workflow, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var w Workflow
	if err := s.workflows.FindOne(ctx, bson.M{"_id": id}).Decode(&w); err != nil {
		return nil, mapReadErr(err)
	}
	return &w, nil
}

// SetWorkflowStatus advances a workflow through its lifecycle.
func (s *Store) SetWorkflowStatus(ctx context.Context, id, status string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := s.workflows.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateTask inserts a schedulable task.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := s.tasks.InsertOne(ctx, t); err != nil {
		return mapWriteErr(err)
	}
	return nil
}

// TaskByID fetches one task.
func (s *Store) TaskByID(ctx context.Context, id string) (*Task, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var t Task
	if err := s.tasks.FindOne(ctx, bson.M{"_id": id}).Decode(&t); err != nil {
		return nil, mapReadErr(err)
	}
	return &t, nil
}

// TasksByWorkflow lists the tasks belonging to a workflow.
func (s *Store) TasksByWorkflow(ctx context.Context, workflowID string) ([]Task, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	cur, err := s.tasks.Find(ctx, bson.M{"workflow_id": workflowID})
	if err != nil {
		return nil, err
	}
	var out []Task
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AssignTask binds a task to a volunteer and stamps the assignment time.
func (s *Store) AssignTask(ctx context.Context, taskID, volunteerID string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := s.tasks.UpdateOne(ctx, bson.M{"_id": taskID}, bson.M{"$set": bson.M{
		"volunteer_id": volunteerID,
		"status":       TaskAssigned,
		"assigned_at":  at,
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTaskStatus advances a task through its lifecycle. Completion stamps
// completed_at.
func (s *Store) SetTaskStatus(ctx context.Context, id, status string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	set := bson.M{"status": status}
	if status == TaskCompleted || status == TaskFailed {
		set["completed_at"] = time.Now().UTC()
	}
	res, err := s.tasks.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessageLog records one observed pub/sub message.
func (s *Store) AppendMessageLog(ctx context.Context, entry *MessageLog) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := s.messageLog.InsertOne(ctx, entry)
	return err
}
