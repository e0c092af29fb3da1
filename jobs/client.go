package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
)

// taskEnqueuer is the write surface of *asynq.Client.
type taskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// taskReaper is the part of *asynq.Inspector used to clear dead task ids.
type taskReaper interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
	Close() error
}

// Client submits tasks to the queue.
type Client struct {
	client    taskEnqueuer
	inspector taskReaper
}

// NewClient constructs an asynq-backed Client.
func NewClient(redisOpts asynq.RedisClientOpt) (*Client, error) {
	if redisOpts.Addr == "" {
		return nil, errors.New("jobs: redis address required")
	}
	return &Client{
		client:    asynq.NewClient(redisOpts),
		inspector: asynq.NewInspector(redisOpts),
	}, nil
}

// EnqueueConsentResync enqueues a resync task for one subject. A subject that
// is already pending, scheduled, retrying or running yields
// asynq.ErrTaskIDConflict. An archived or completed task holding the subject's
// id is deleted and the resync is enqueued again.
func (c *Client) EnqueueConsentResync(ctx context.Context, payload ConsentResyncPayload) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs: client not configured")
	}
	task, err := NewConsentResyncTask(payload)
	if err != nil {
		return nil, err
	}
	info, err := c.client.EnqueueContext(ctx, task)
	if !errors.Is(err, asynq.ErrTaskIDConflict) || c.inspector == nil {
		return info, err
	}
	id := resyncTaskID(payload.SubjectID)
	cleared, reapErr := c.reap(id)
	if reapErr != nil {
		return nil, fmt.Errorf("jobs: clear task %s: %w", id, reapErr)
	}
	if !cleared {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task)
}

// reap deletes the task with id when it can no longer run.
func (c *Client) reap(id string) (bool, error) {
	existing, err := c.inspector.GetTaskInfo(QueueDefault, id)
	if errors.Is(err, asynq.ErrTaskNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	switch existing.State {
	case asynq.TaskStateArchived, asynq.TaskStateCompleted:
	default:
		return false, nil
	}
	if err := c.inspector.DeleteTask(QueueDefault, id); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
		return false, err
	}
	return true, nil
}

// Close releases client resources.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	err := c.client.Close()
	if c.inspector != nil {
		err = errors.Join(err, c.inspector.Close())
	}
	return err
}
