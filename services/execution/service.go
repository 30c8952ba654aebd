package execution

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"flowplane/pkg/db/pagination"
	"flowplane/pkg/errutil"
	"flowplane/services/registry"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Service is the execution ledger: the durable record of every invocation
// attempt plus its advisory lookup indexes.
type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	repo Repository
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,
		repo: NewRepository(p.DB),
	}
}

type CreateParams struct {
	OrgID          string
	WorkflowName   string
	ExecutedBy     string
	ExecutedByName string
	InputData      map[string]any
	FormID         string
}

// Diagnostics is the optional capture attached when an execution finalizes.
type Diagnostics struct {
	Logs             []string         `json:"logs,omitempty"`
	Variables        map[string]any   `json:"variables,omitempty"`
	IntegrationCalls []map[string]any `json:"integrationCalls,omitempty"`
	StateSnapshots   []map[string]any `json:"stateSnapshots,omitempty"`
}

type UpdateParams struct {
	Status       Status
	Result       any
	ErrorMessage string
	ErrorType    string
	ErrorDetails string
	DurationMs   int64
	Diagnostics  *Diagnostics
}

// Create inserts the primary row in Pending plus one index row per
// applicable dimension: caller, workflow, status, and form when a form id is
// present. Index-write failure is logged but never fails the call.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Execution, error) {
	if p.WorkflowName == "" {
		return nil, errutil.ValidationFailed("workflowName is required")
	}

	orgID := p.OrgID
	if orgID == "" {
		orgID = registry.GlobalOrgID
	}

	inputData, err := json.Marshal(p.InputData)
	if err != nil {
		return nil, errutil.ValidationFailed("inputData is not serializable", errutil.WithErr(err))
	}

	exec := &Execution{
		ID:             s.node.Generate().String(),
		OrgID:          orgID,
		WorkflowName:   p.WorkflowName,
		FormID:         p.FormID,
		ExecutedBy:     p.ExecutedBy,
		ExecutedByName: p.ExecutedByName,
		Status:         StatusPending,
		InputData:      datatypes.JSON(inputData),
	}

	if err := s.repo.Create(ctx, exec); err != nil {
		zap.L().Error("failed to create execution row",
			zap.String("workflow_name", p.WorkflowName),
			zap.Error(err),
		)
		return nil, errutil.Internal("failed to create execution", errutil.WithErr(err))
	}

	rows := []*ExecutionIndex{
		s.indexRow(exec, IndexKindCaller, exec.ExecutedBy),
		s.indexRow(exec, IndexKindWorkflow, exec.WorkflowName),
		s.indexRow(exec, IndexKindStatus, string(exec.Status)),
	}
	if exec.FormID != "" {
		rows = append(rows, s.indexRow(exec, IndexKindForm, exec.FormID))
	}

	if err := s.repo.CreateIndexes(ctx, rows); err != nil {
		zap.L().Warn("failed to write execution index rows",
			zap.String("execution_id", exec.ID),
			zap.Error(err),
		)
	}

	return exec, nil
}

// indexRow mirrors the primary status onto status-kind rows only; the other
// kinds are never rewritten on transition, so carrying a status there would
// let it go stale.
func (s *Service) indexRow(exec *Execution, kind, key string) *ExecutionIndex {
	row := &ExecutionIndex{
		Kind:         kind,
		Key:          key,
		ExecutionID:  exec.ID,
		OrgID:        exec.OrgID,
		WorkflowName: exec.WorkflowName,
	}
	if kind == IndexKindStatus {
		row.Status = exec.Status
	}
	return row
}

// Update mutates the primary row. It fails NotFound when no primary row
// exists, and is a no-op when the row already reached a terminal status:
// whichever of the dispatcher and the reaper lands second loses quietly.
func (s *Service) Update(ctx context.Context, orgID, executionID string, p UpdateParams) (*Execution, error) {
	if p.Status == "" {
		return nil, errutil.ValidationFailed("status is required")
	}

	current, err := s.Get(ctx, orgID, executionID)
	if err != nil {
		return nil, err
	}

	if current.Status.Terminal() {
		zap.L().Warn("ignoring update to terminal execution",
			zap.String("execution_id", executionID),
			zap.String("status", string(current.Status)),
			zap.String("requested", string(p.Status)),
		)
		return current, nil
	}

	now := time.Now()
	updates := map[string]any{
		"status":     p.Status,
		"updated_at": now,
	}
	if p.Status == StatusRunning && current.StartedAt == nil {
		updates["started_at"] = now
	}
	if p.Status.Terminal() {
		updates["completed_at"] = now
	}
	if p.Result != nil {
		result, err := json.Marshal(p.Result)
		if err != nil {
			zap.L().Warn("execution result is not serializable", zap.String("execution_id", executionID), zap.Error(err))
		} else {
			updates["result"] = datatypes.JSON(result)
		}
	}
	if p.ErrorMessage != "" {
		updates["error_message"] = p.ErrorMessage
	}
	if p.ErrorType != "" {
		updates["error_type"] = p.ErrorType
	}
	if p.ErrorDetails != "" {
		updates["error_details"] = p.ErrorDetails
	}
	if p.DurationMs > 0 {
		updates["duration_ms"] = p.DurationMs
	}
	if p.Diagnostics != nil {
		applyDiagnostics(updates, p.Diagnostics)
	}

	affected, err := s.repo.UpdateStatusGuarded(ctx, executionID, updates)
	if err != nil {
		return nil, errutil.Internal("failed to update execution", errutil.WithErr(err))
	}
	if affected == 0 {
		// Lost the race with a concurrent finalizer; the terminal invariant
		// holds, return whatever landed.
		return s.Get(ctx, orgID, executionID)
	}

	if p.Status != current.Status {
		s.moveStatusIndex(ctx, current, p.Status)
	}

	return s.Get(ctx, orgID, executionID)
}

// moveStatusIndex deletes the old status-index row and inserts the new one.
// The two writes are not atomic; drift is reconciled by the reaper.
func (s *Service) moveStatusIndex(ctx context.Context, exec *Execution, next Status) {
	if err := s.repo.DeleteIndex(ctx, IndexKindStatus, string(exec.Status), exec.ID); err != nil {
		zap.L().Warn("failed to delete old status index row",
			zap.String("execution_id", exec.ID),
			zap.String("status", string(exec.Status)),
			zap.Error(err),
		)
	}

	row := s.indexRow(exec, IndexKindStatus, string(next))
	row.Status = next
	if err := s.repo.CreateIndexes(ctx, []*ExecutionIndex{row}); err != nil {
		zap.L().Warn("failed to insert new status index row",
			zap.String("execution_id", exec.ID),
			zap.String("status", string(next)),
			zap.Error(err),
		)
	}
}

func applyDiagnostics(updates map[string]any, d *Diagnostics) {
	marshal := func(v any) (datatypes.JSON, bool) {
		if v == nil {
			return nil, false
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, false
		}
		return datatypes.JSON(b), true
	}

	if b, ok := marshal(d.Logs); ok && len(d.Logs) > 0 {
		updates["logs"] = b
	}
	if b, ok := marshal(d.Variables); ok && len(d.Variables) > 0 {
		updates["variables"] = b
	}
	if b, ok := marshal(d.IntegrationCalls); ok && len(d.IntegrationCalls) > 0 {
		updates["integration_calls"] = b
	}
	if b, ok := marshal(d.StateSnapshots); ok && len(d.StateSnapshots) > 0 {
		updates["state_snapshots"] = b
	}
}

// Get reads the tenant partition first and falls back to the GLOBAL
// partition for system-originated executions.
func (s *Service) Get(ctx context.Context, orgID, executionID string) (*Execution, error) {
	if orgID == "" {
		orgID = registry.GlobalOrgID
	}

	exec, err := s.repo.GetByID(ctx, orgID, executionID)
	if err == nil {
		return exec, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.Internal("failed to read execution", errutil.WithErr(err))
	}

	if orgID != registry.GlobalOrgID {
		exec, err = s.repo.GetByID(ctx, registry.GlobalOrgID, executionID)
		if err == nil {
			return exec, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.Internal("failed to read execution", errutil.WithErr(err))
		}
	}

	return nil, errutil.NotFound("execution not found", errutil.WithDetails(errutil.Detail{
		Field:   "executionId",
		Message: executionID,
	}))
}

type ListFilters struct {
	WorkflowName string
	Status       Status
	ExecutedBy   string
	FormID       string
}

// List returns a reverse-chronological page of executions for a tenant.
func (s *Service) List(ctx context.Context, orgID string, filters ListFilters, page pagination.Pagination) ([]*Execution, *pagination.PageInfo, error) {
	if orgID == "" {
		orgID = registry.GlobalOrgID
	}

	limit := page.Limit
	if limit <= 0 {
		limit = 25
	}

	params := ListParams{
		WorkflowName: filters.WorkflowName,
		Status:       filters.Status,
		ExecutedBy:   filters.ExecutedBy,
		FormID:       filters.FormID,
		Limit:        limit + 1,
	}

	if page.Cursor != "" {
		cursor, err := pagination.DecodeCursor(page.Cursor)
		if err != nil {
			return nil, nil, errutil.BadRequest("invalid cursor", errutil.WithErr(err))
		}
		if cursor.CreatedAt != "" {
			ts, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
			if err != nil {
				return nil, nil, errutil.BadRequest("invalid cursor", errutil.WithErr(err))
			}
			params.AfterCreated = &ts
			params.AfterID = cursor.ID
		}
	}

	execs, err := s.repo.List(ctx, orgID, params)
	if err != nil {
		return nil, nil, errutil.Internal("failed to list executions", errutil.WithErr(err))
	}

	execs, info := pagination.BuildCursorPageInfo(execs, limit, func(e *Execution) string {
		cursor, _ := pagination.EncodeCursor(pagination.Cursor{
			CreatedAt: e.CreatedAt.Format(time.RFC3339Nano),
			ID:        e.ID,
		})
		return cursor
	})

	return execs, info, nil
}

// GetStuck queries only the status index for Pending/Running entries whose
// last update is older than the respective threshold. It never scans the
// primary table.
func (s *Service) GetStuck(ctx context.Context, pendingTimeout, runningTimeout time.Duration) ([]*ExecutionIndex, error) {
	now := time.Now()

	pending, err := s.repo.ListIndex(ctx, IndexKindStatus, string(StatusPending), now.Add(-pendingTimeout))
	if err != nil {
		return nil, errutil.Internal("failed to query pending index", errutil.WithErr(err))
	}

	running, err := s.repo.ListIndex(ctx, IndexKindStatus, string(StatusRunning), now.Add(-runningTimeout))
	if err != nil {
		return nil, errutil.Internal("failed to query running index", errutil.WithErr(err))
	}

	return append(pending, running...), nil
}
