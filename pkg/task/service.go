package task

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
)

// Enqueuer hides the concrete asynq client so services can be tested with a
// fake queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// PoisonRecorder is notified when a task has exhausted its delivery retries.
// The dispatcher implements it to finalize the matching ledger row.
type PoisonRecorder interface {
	RecordPoison(ctx context.Context, taskType string, payload []byte, cause error)
}

type enqueuerImpl struct {
	client *asynq.Client
}

func NewEnqueuer(client *asynq.Client) Enqueuer {
	return &enqueuerImpl{client: client}
}

func (e *enqueuerImpl) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	info, err := e.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}
	return info, nil
}
