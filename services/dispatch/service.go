package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"flowplane/pkg/config"
	"flowplane/pkg/task"
	"flowplane/services/execution"
	"flowplane/services/registry"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Service decouples callers from execution latency: Enqueue creates a
// Pending ledger row and a queue message, the worker side drains the queue
// and finalizes the row. Delivery is at-least-once with bounded retries.
type Service struct {
	ledger   *execution.Service
	registry *registry.Registry
	enqueuer task.Enqueuer

	maxRetry int
	queue    string
}

type Params struct {
	fx.In
	Ledger   *execution.Service
	Registry *registry.Registry
	Enqueuer task.Enqueuer `optional:"true"`
	Config   *config.Config
}

func NewService(p Params) *Service {
	return &Service{
		ledger:   p.Ledger,
		registry: p.Registry,
		enqueuer: p.Enqueuer,
		maxRetry: p.Config.Queue.MaxRetry,
		queue:    p.Config.Queue.Name,
	}
}

// NewServiceWith builds a dispatcher directly, bypassing fx.
func NewServiceWith(ledger *execution.Service, reg *registry.Registry, enqueuer task.Enqueuer, maxRetry int, queue string) *Service {
	return &Service{
		ledger:   ledger,
		registry: reg,
		enqueuer: enqueuer,
		maxRetry: maxRetry,
		queue:    queue,
	}
}

// Enqueue records the execution as Pending and pushes the message. The
// caller sees "accepted", never "completed".
func (s *Service) Enqueue(ctx context.Context, caller registry.Caller, workflowName string, params map[string]any, formID string) (string, error) {
	exec, err := s.ledger.Create(ctx, execution.CreateParams{
		OrgID:          caller.OrgID,
		WorkflowName:   workflowName,
		ExecutedBy:     caller.UserID,
		ExecutedByName: caller.UserName,
		InputData:      params,
		FormID:         formID,
	})
	if err != nil {
		return "", err
	}

	t, err := NewExecuteWorkflowTask(ExecuteWorkflowPayload{
		ExecutionID:  exec.ID,
		WorkflowName: workflowName,
		Parameters:   params,
		FormID:       formID,
		Caller:       caller,
	}, s.maxRetry, s.queue)
	if err != nil {
		s.finalize(ctx, caller.OrgID, exec.ID, execution.UpdateParams{
			Status:       execution.StatusFailed,
			ErrorMessage: "failed to build execution message",
			ErrorType:    "InternalError",
			ErrorDetails: err.Error(),
		})
		return "", err
	}

	if _, err := s.enqueuer.Enqueue(ctx, t); err != nil {
		zap.L().Error("failed to enqueue execution",
			zap.String("execution_id", exec.ID),
			zap.String("workflow_name", workflowName),
			zap.Error(err),
		)
		s.finalize(ctx, caller.OrgID, exec.ID, execution.UpdateParams{
			Status:       execution.StatusFailed,
			ErrorMessage: "failed to enqueue execution message",
			ErrorType:    "InternalError",
			ErrorDetails: err.Error(),
		})
		return "", err
	}

	zap.L().Info("enqueued execution",
		zap.String("execution_id", exec.ID),
		zap.String("workflow_name", workflowName),
		zap.String("queue", s.queue),
	)
	return exec.ID, nil
}

// HandleExecuteWorkflowTask is the asynq worker entrypoint. Duplicate
// delivery of an already-finalized execution is a no-op.
func (s *Service) HandleExecuteWorkflowTask(ctx context.Context, t *asynq.Task) error {
	var payload ExecuteWorkflowPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		zap.L().Error("invalid execute payload", zap.Error(err))
		return fmt.Errorf("invalid payload: %w", err)
	}

	zapLog := zap.L().With(
		zap.String("task_type", t.Type()),
		zap.String("execution_id", payload.ExecutionID),
		zap.String("workflow_name", payload.WorkflowName),
	)

	current, err := s.ledger.Get(ctx, payload.Caller.OrgID, payload.ExecutionID)
	if err != nil {
		zapLog.Error("failed to load execution for delivery", zap.Error(err))
		return err
	}

	if current.Status.Terminal() {
		zapLog.Info("skipping duplicate delivery, execution already finalized",
			zap.String("status", string(current.Status)),
		)
		return nil
	}

	handler, err := s.registry.Lookup(payload.WorkflowName)
	if err != nil {
		// Not retryable: the registry will not learn the workflow mid-flight.
		zapLog.Error("workflow not registered", zap.Error(err))
		s.finalize(ctx, payload.Caller.OrgID, payload.ExecutionID, execution.UpdateParams{
			Status:       execution.StatusFailed,
			ErrorMessage: fmt.Sprintf("workflow %q is not registered", payload.WorkflowName),
			ErrorType:    "NotFound",
		})
		return nil
	}

	if _, err := s.ledger.Update(ctx, payload.Caller.OrgID, payload.ExecutionID, execution.UpdateParams{
		Status: execution.StatusRunning,
	}); err != nil {
		zapLog.Error("failed to mark execution running", zap.Error(err))
		return err
	}

	s.runWorkflow(ctx, payload.Caller, payload.ExecutionID, handler, payload.Parameters, zapLog)
	return nil
}

// runWorkflow invokes the handler and finalizes the ledger row in every
// path, including panics and dispatcher faults: a row is never left Running
// because of a dispatcher failure.
func (s *Service) runWorkflow(ctx context.Context, caller registry.Caller, executionID string, handler registry.Handler, params map[string]any, zapLog *zap.Logger) {
	start := time.Now()

	result, err := invoke(ctx, handler, caller, params)
	durationMs := time.Since(start).Milliseconds()
	if durationMs < 1 {
		durationMs = 1
	}

	update := execution.UpdateParams{DurationMs: durationMs}

	switch {
	case err != nil:
		update.Status = execution.StatusFailed
		update.ErrorMessage = err.Error()
		update.ErrorType = "InternalError"
	case result != nil && result.Failed:
		update.Status = execution.StatusCompletedWithErrors
		update.ErrorMessage = result.ErrorMessage
		update.Result = result.Data
	default:
		update.Status = execution.StatusSuccess
		if result != nil {
			update.Result = result.Data
		}
	}

	if result != nil && len(result.Logs) > 0 {
		update.Diagnostics = &execution.Diagnostics{Logs: result.Logs}
	}

	s.finalize(ctx, caller.OrgID, executionID, update)

	zapLog.Info("execution finished",
		zap.String("status", string(update.Status)),
		zap.Int64("duration_ms", durationMs),
	)
}

// invoke calls the workflow function with a panic guard; a panicking
// workflow is classified as Failed, not a crashed worker.
func invoke(ctx context.Context, handler registry.Handler, caller registry.Caller, params map[string]any) (result *registry.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("workflow panicked: %v", r)
		}
	}()

	return handler(ctx, caller, params)
}

// ExecuteSync runs the workflow inline for the synchronous HTTP path. The
// ledger lifecycle is identical to the async path; the structured outcome is
// returned to the caller instead of being polled for.
func (s *Service) ExecuteSync(ctx context.Context, caller registry.Caller, workflowName string, params map[string]any, formID string) (*execution.Execution, error) {
	exec, err := s.ledger.Create(ctx, execution.CreateParams{
		OrgID:          caller.OrgID,
		WorkflowName:   workflowName,
		ExecutedBy:     caller.UserID,
		ExecutedByName: caller.UserName,
		InputData:      params,
		FormID:         formID,
	})
	if err != nil {
		return nil, err
	}

	zapLog := zap.L().With(
		zap.String("execution_id", exec.ID),
		zap.String("workflow_name", workflowName),
	)

	handler, err := s.registry.Lookup(workflowName)
	if err != nil {
		s.finalize(ctx, caller.OrgID, exec.ID, execution.UpdateParams{
			Status:       execution.StatusFailed,
			ErrorMessage: fmt.Sprintf("workflow %q is not registered", workflowName),
			ErrorType:    "NotFound",
		})
		return s.ledger.Get(ctx, caller.OrgID, exec.ID)
	}

	if _, err := s.ledger.Update(ctx, caller.OrgID, exec.ID, execution.UpdateParams{
		Status: execution.StatusRunning,
	}); err != nil {
		return nil, err
	}

	s.runWorkflow(ctx, caller, exec.ID, handler, params, zapLog)

	return s.ledger.Get(ctx, caller.OrgID, exec.ID)
}

// RecordPoison implements task.PoisonRecorder: once asynq archives a message
// whose delivery budget is exhausted, the matching ledger row is finalized
// Failed. The archived message itself is kept for manual inspection and is
// never re-enqueued.
func (s *Service) RecordPoison(ctx context.Context, taskType string, payload []byte, cause error) {
	var p ExecuteWorkflowPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		zap.L().Error("poison message with undecodable payload",
			zap.String("task_type", taskType),
			zap.Error(err),
		)
		return
	}

	s.finalize(ctx, p.Caller.OrgID, p.ExecutionID, execution.UpdateParams{
		Status:       execution.StatusFailed,
		ErrorMessage: "delivery exhausted",
		ErrorType:    "DeliveryExhausted",
		ErrorDetails: cause.Error(),
	})

	zap.L().Error("execution message moved to poison queue",
		zap.String("execution_id", p.ExecutionID),
		zap.String("workflow_name", p.WorkflowName),
		zap.Error(cause),
	)
}

func (s *Service) finalize(ctx context.Context, orgID, executionID string, update execution.UpdateParams) {
	if _, err := s.ledger.Update(ctx, orgID, executionID, update); err != nil {
		zap.L().Error("failed to finalize execution",
			zap.String("execution_id", executionID),
			zap.String("status", string(update.Status)),
			zap.Error(err),
		)
	}
}
