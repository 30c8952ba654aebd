package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"flowplane/pkg/db/pagination"
	"flowplane/pkg/taskname"
	"flowplane/services/execution"
	"flowplane/services/registry"
	"flowplane/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, t *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, t)
	return &asynq.TaskInfo{}, nil
}

func newTestDispatch(t *testing.T, reg *registry.Registry) (*Service, *execution.Service, *fakeEnqueuer) {
	t.Helper()

	db := testutil.NewTestDB(t, &execution.Execution{}, &execution.ExecutionIndex{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	ledger := execution.NewService(execution.ServiceParams{DB: db, Node: node})
	enq := &fakeEnqueuer{}

	return NewServiceWith(ledger, reg, enq, 3, "default"), ledger, enq
}

func testCaller() registry.Caller {
	return registry.Caller{UserID: "user-1", UserName: "Test User", OrgID: "acme"}
}

func deliveryTask(t *testing.T, executionID, workflowName string, caller registry.Caller, params map[string]any) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(ExecuteWorkflowPayload{
		ExecutionID:  executionID,
		WorkflowName: workflowName,
		Parameters:   params,
		Caller:       caller,
	})
	require.NoError(t, err)
	return asynq.NewTask(taskname.WorkflowExecute, payload)
}

func TestNewExecuteWorkflowTaskRejectsUnserializablePayload(t *testing.T) {
	_, err := NewExecuteWorkflowTask(ExecuteWorkflowPayload{
		ExecutionID:  "x",
		WorkflowName: "wf",
		Parameters:   map[string]any{"ch": make(chan int)},
	}, 3, "default")
	require.Error(t, err)
}

func TestNewExecuteWorkflowTaskCarriesEnvelope(t *testing.T) {
	task, err := NewExecuteWorkflowTask(ExecuteWorkflowPayload{
		ExecutionID:  "x",
		WorkflowName: "wf",
		Caller:       testCaller(),
	}, 3, "default")
	require.NoError(t, err)
	require.Equal(t, taskname.WorkflowExecute, task.Type())

	var payload ExecuteWorkflowPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	require.Equal(t, "x", payload.ExecutionID)
	require.Equal(t, "acme", payload.Caller.OrgID)
}

func TestEnqueueCreatesPendingRowAndMessage(t *testing.T) {
	reg := registry.NewWithWorkflows(registry.Workflow{Name: "wf"})
	svc, ledger, enq := newTestDispatch(t, reg)
	ctx := context.Background()

	id, err := svc.Enqueue(ctx, testCaller(), "wf", map[string]any{"k": "v"}, "")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	exec, err := ledger.Get(ctx, "acme", id)
	require.NoError(t, err)
	require.Equal(t, execution.StatusPending, exec.Status)

	require.Len(t, enq.tasks, 1)
	require.Equal(t, taskname.WorkflowExecute, enq.tasks[0].Type())

	var payload ExecuteWorkflowPayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &payload))
	require.Equal(t, id, payload.ExecutionID)
	require.Equal(t, "wf", payload.WorkflowName)
}

func TestEnqueueFailureFinalizesRow(t *testing.T) {
	reg := registry.NewWithWorkflows(registry.Workflow{Name: "wf"})
	svc, ledger, enq := newTestDispatch(t, reg)
	enq.err = errors.New("redis down")
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, testCaller(), "wf", nil, "")
	require.Error(t, err)

	execs, _, err := ledger.List(ctx, "acme", execution.ListFilters{}, pagination.Pagination{Limit: 10})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	require.Equal(t, execution.StatusFailed, execs[0].Status)
	require.Equal(t, "failed to enqueue execution message", execs[0].ErrorMessage)
}

func TestHandleDeliveryToSuccess(t *testing.T) {
	reg := registry.NewWithWorkflows(registry.Workflow{
		Name: "wf",
		Handler: func(ctx context.Context, caller registry.Caller, params map[string]any) (*registry.Result, error) {
			return &registry.Result{
				Data: map[string]any{"echo": params["k"]},
				Logs: []string{"sent"},
			}, nil
		},
	})
	svc, ledger, _ := newTestDispatch(t, reg)
	ctx := context.Background()

	id, err := svc.Enqueue(ctx, testCaller(), "wf", map[string]any{"k": "v"}, "")
	require.NoError(t, err)

	err = svc.HandleExecuteWorkflowTask(ctx, deliveryTask(t, id, "wf", testCaller(), map[string]any{"k": "v"}))
	require.NoError(t, err)

	exec, err := ledger.Get(ctx, "acme", id)
	require.NoError(t, err)
	require.Equal(t, execution.StatusSuccess, exec.Status)
	require.Greater(t, exec.DurationMs, int64(0))
	require.NotNil(t, exec.StartedAt)
	require.NotNil(t, exec.CompletedAt)
	require.Contains(t, string(exec.Result), "echo")
	require.Contains(t, string(exec.Logs), "sent")
}

func TestHandleDuplicateDeliveryIsNoop(t *testing.T) {
	invocations := 0
	reg := registry.NewWithWorkflows(registry.Workflow{
		Name: "wf",
		Handler: func(ctx context.Context, caller registry.Caller, params map[string]any) (*registry.Result, error) {
			invocations++
			return &registry.Result{Data: map[string]any{"run": invocations}}, nil
		},
	})
	svc, ledger, _ := newTestDispatch(t, reg)
	ctx := context.Background()

	id, err := svc.Enqueue(ctx, testCaller(), "wf", nil, "")
	require.NoError(t, err)

	task := deliveryTask(t, id, "wf", testCaller(), nil)
	require.NoError(t, svc.HandleExecuteWorkflowTask(ctx, task))

	first, err := ledger.Get(ctx, "acme", id)
	require.NoError(t, err)
	require.Equal(t, execution.StatusSuccess, first.Status)

	// Second delivery of the same message: handler is not invoked, the row is
	// untouched.
	require.NoError(t, svc.HandleExecuteWorkflowTask(ctx, task))

	second, err := ledger.Get(ctx, "acme", id)
	require.NoError(t, err)
	require.Equal(t, 1, invocations)
	require.Equal(t, string(first.Result), string(second.Result))
	require.Equal(t, first.CompletedAt.Unix(), second.CompletedAt.Unix())
}

func TestHandleUnknownWorkflowFailsWithoutRetry(t *testing.T) {
	svc, ledger, _ := newTestDispatch(t, registry.NewWithWorkflows())
	ctx := context.Background()

	exec, err := ledger.Create(ctx, execution.CreateParams{
		OrgID:        "acme",
		WorkflowName: "ghost",
		ExecutedBy:   "user-1",
	})
	require.NoError(t, err)

	// nil error: retrying will never make the workflow appear.
	err = svc.HandleExecuteWorkflowTask(ctx, deliveryTask(t, exec.ID, "ghost", testCaller(), nil))
	require.NoError(t, err)

	got, err := ledger.Get(ctx, "acme", exec.ID)
	require.NoError(t, err)
	require.Equal(t, execution.StatusFailed, got.Status)
	require.Equal(t, "NotFound", got.ErrorType)
}

func TestHandleWorkflowErrorClassifiedFailed(t *testing.T) {
	reg := registry.NewWithWorkflows(registry.Workflow{
		Name: "wf",
		Handler: func(ctx context.Context, caller registry.Caller, params map[string]any) (*registry.Result, error) {
			return nil, errors.New("smtp unreachable")
		},
	})
	svc, ledger, _ := newTestDispatch(t, reg)
	ctx := context.Background()

	id, err := svc.Enqueue(ctx, testCaller(), "wf", nil, "")
	require.NoError(t, err)
	require.NoError(t, svc.HandleExecuteWorkflowTask(ctx, deliveryTask(t, id, "wf", testCaller(), nil)))

	got, err := ledger.Get(ctx, "acme", id)
	require.NoError(t, err)
	require.Equal(t, execution.StatusFailed, got.Status)
	require.Equal(t, "smtp unreachable", got.ErrorMessage)
	require.Equal(t, "InternalError", got.ErrorType)
}

func TestHandleReportedFailureClassifiedCompletedWithErrors(t *testing.T) {
	reg := registry.NewWithWorkflows(registry.Workflow{
		Name: "wf",
		Handler: func(ctx context.Context, caller registry.Caller, params map[string]any) (*registry.Result, error) {
			return &registry.Result{
				Failed:       true,
				ErrorMessage: "2 of 5 recipients bounced",
				Data:         map[string]any{"sent": 3},
			}, nil
		},
	})
	svc, ledger, _ := newTestDispatch(t, reg)
	ctx := context.Background()

	id, err := svc.Enqueue(ctx, testCaller(), "wf", nil, "")
	require.NoError(t, err)
	require.NoError(t, svc.HandleExecuteWorkflowTask(ctx, deliveryTask(t, id, "wf", testCaller(), nil)))

	got, err := ledger.Get(ctx, "acme", id)
	require.NoError(t, err)
	require.Equal(t, execution.StatusCompletedWithErrors, got.Status)
	require.Equal(t, "2 of 5 recipients bounced", got.ErrorMessage)
	require.Contains(t, string(got.Result), "sent")
}

func TestHandlePanicClassifiedFailed(t *testing.T) {
	reg := registry.NewWithWorkflows(registry.Workflow{
		Name: "wf",
		Handler: func(ctx context.Context, caller registry.Caller, params map[string]any) (*registry.Result, error) {
			panic("nil map write")
		},
	})
	svc, ledger, _ := newTestDispatch(t, reg)
	ctx := context.Background()

	id, err := svc.Enqueue(ctx, testCaller(), "wf", nil, "")
	require.NoError(t, err)
	require.NoError(t, svc.HandleExecuteWorkflowTask(ctx, deliveryTask(t, id, "wf", testCaller(), nil)))

	got, err := ledger.Get(ctx, "acme", id)
	require.NoError(t, err)
	require.Equal(t, execution.StatusFailed, got.Status)
	require.Contains(t, got.ErrorMessage, "workflow panicked")
}

func TestRecordPoisonFinalizesRow(t *testing.T) {
	reg := registry.NewWithWorkflows(registry.Workflow{Name: "wf"})
	svc, ledger, _ := newTestDispatch(t, reg)
	ctx := context.Background()

	id, err := svc.Enqueue(ctx, testCaller(), "wf", nil, "")
	require.NoError(t, err)

	payload, err := json.Marshal(ExecuteWorkflowPayload{
		ExecutionID:  id,
		WorkflowName: "wf",
		Caller:       testCaller(),
	})
	require.NoError(t, err)

	svc.RecordPoison(ctx, taskname.WorkflowExecute, payload, errors.New("handler kept timing out"))

	got, err := ledger.Get(ctx, "acme", id)
	require.NoError(t, err)
	require.Equal(t, execution.StatusFailed, got.Status)
	require.Equal(t, "delivery exhausted", got.ErrorMessage)
	require.Equal(t, "DeliveryExhausted", got.ErrorType)
	require.Equal(t, "handler kept timing out", got.ErrorDetails)
}

func TestExecuteSyncReturnsFinalRow(t *testing.T) {
	reg := registry.NewWithWorkflows(registry.Workflow{
		Name: "wf",
		Handler: func(ctx context.Context, caller registry.Caller, params map[string]any) (*registry.Result, error) {
			return &registry.Result{Data: map[string]any{"ok": true}}, nil
		},
	})
	svc, _, enq := newTestDispatch(t, reg)

	exec, err := svc.ExecuteSync(context.Background(), testCaller(), "wf", nil, "")
	require.NoError(t, err)
	require.Equal(t, execution.StatusSuccess, exec.Status)
	require.Greater(t, exec.DurationMs, int64(0))
	require.Empty(t, enq.tasks)
}
