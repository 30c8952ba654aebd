package dispatch

import (
	"encoding/json"
	"fmt"
	"time"

	"flowplane/pkg/taskname"
	"flowplane/services/registry"

	"github.com/hibiken/asynq"
)

// ExecuteWorkflowPayload is the queue message envelope. The poison queue
// receives the identical envelope after delivery retries are exhausted.
type ExecuteWorkflowPayload struct {
	ExecutionID  string          `json:"executionId"`
	WorkflowName string          `json:"workflowName"`
	Parameters   map[string]any  `json:"parameters"`
	FormID       string          `json:"formId,omitempty"`
	Caller       registry.Caller `json:"caller"`
}

func NewExecuteWorkflowTask(p ExecuteWorkflowPayload, maxRetry int, queue string) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal execute payload: %w", err)
	}

	return asynq.NewTask(taskname.WorkflowExecute, payload,
		asynq.MaxRetry(maxRetry),
		asynq.Timeout(30*time.Minute),
		asynq.Queue(queue),
	), nil
}
