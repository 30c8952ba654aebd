package execution

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// ListParams describes filters applied when listing executions.
type ListParams struct {
	WorkflowName string
	Status       Status
	ExecutedBy   string
	FormID       string
	Limit        int
	AfterCreated *time.Time
	AfterID      string
}

// Repository describes database operations available for the execution
// ledger. Primary-row writes are authoritative; index-row writes are
// advisory and callers tolerate their failure.
type Repository interface {
	Create(ctx context.Context, exec *Execution) error
	GetByID(ctx context.Context, orgID, executionID string) (*Execution, error)
	List(ctx context.Context, orgID string, params ListParams) ([]*Execution, error)
	UpdateStatusGuarded(ctx context.Context, executionID string, updates map[string]any) (int64, error)

	CreateIndexes(ctx context.Context, rows []*ExecutionIndex) error
	DeleteIndex(ctx context.Context, kind, key, executionID string) error
	ListIndex(ctx context.Context, kind, key string, updatedBefore time.Time) ([]*ExecutionIndex, error)
	UpdateIndexStatus(ctx context.Context, indexID uint, status Status) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository returns a gorm backed Repository implementation.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Create(ctx context.Context, exec *Execution) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}
	return r.db.WithContext(ctx).Create(exec).Error
}

func (r *gormRepository) GetByID(ctx context.Context, orgID, executionID string) (*Execution, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var exec Execution
	err := r.db.WithContext(ctx).
		Where("org_id = ? AND id = ?", orgID, executionID).
		First(&exec).Error
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

func (r *gormRepository) List(ctx context.Context, orgID string, params ListParams) ([]*Execution, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	query := r.db.WithContext(ctx).Model(&Execution{}).
		Where("org_id = ?", orgID)

	if params.WorkflowName != "" {
		query = query.Where("workflow_name = ?", params.WorkflowName)
	}
	if params.Status != "" {
		query = query.Where("status = ?", params.Status)
	}
	if params.ExecutedBy != "" {
		query = query.Where("executed_by = ?", params.ExecutedBy)
	}
	if params.FormID != "" {
		query = query.Where("form_id = ?", params.FormID)
	}
	if params.AfterCreated != nil && params.AfterID != "" {
		query = query.Where("(created_at < ?) OR (created_at = ? AND id < ?)",
			*params.AfterCreated, *params.AfterCreated, params.AfterID)
	}

	if params.Limit > 0 {
		query = query.Limit(params.Limit)
	}

	query = query.Order("created_at DESC").Order("id DESC")

	var execs []*Execution
	if err := query.Find(&execs).Error; err != nil {
		return nil, err
	}
	return execs, nil
}

// UpdateStatusGuarded applies updates only while the row is still in a
// non-terminal status. Zero rows affected means the row was already
// finalized (or does not exist); the caller decides which.
func (r *gormRepository) UpdateStatusGuarded(ctx context.Context, executionID string, updates map[string]any) (int64, error) {
	if r == nil || r.db == nil {
		return 0, gorm.ErrInvalidDB
	}

	res := r.db.WithContext(ctx).
		Model(&Execution{}).
		Where("id = ? AND status IN ?", executionID, nonTerminalStatuses).
		Updates(updates)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *gormRepository) CreateIndexes(ctx context.Context, rows []*ExecutionIndex) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}
	if len(rows) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(rows).Error
}

func (r *gormRepository) DeleteIndex(ctx context.Context, kind, key, executionID string) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}
	return r.db.WithContext(ctx).
		Where("kind = ? AND key = ? AND execution_id = ?", kind, key, executionID).
		Delete(&ExecutionIndex{}).Error
}

func (r *gormRepository) ListIndex(ctx context.Context, kind, key string, updatedBefore time.Time) ([]*ExecutionIndex, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var rows []*ExecutionIndex
	err := r.db.WithContext(ctx).
		Where("kind = ? AND key = ? AND updated_at < ?", kind, key, updatedBefore).
		Order("updated_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *gormRepository) UpdateIndexStatus(ctx context.Context, indexID uint, status Status) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}
	return r.db.WithContext(ctx).
		Model(&ExecutionIndex{}).
		Where("id = ?", indexID).
		Updates(map[string]any{"key": string(status), "status": status, "updated_at": time.Now()}).Error
}
