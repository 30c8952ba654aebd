package execution

import (
	"time"

	"gorm.io/datatypes"
)

// Status is the lifecycle state of an execution. Terminal statuses never
// transition further.
type Status string

const (
	StatusPending             Status = "Pending"
	StatusRunning             Status = "Running"
	StatusSuccess             Status = "Success"
	StatusFailed              Status = "Failed"
	StatusTimeout             Status = "Timeout"
	StatusCompletedWithErrors Status = "CompletedWithErrors"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusTimeout, StatusCompletedWithErrors:
		return true
	}
	return false
}

// nonTerminalStatuses is the guard list for conditional status updates.
var nonTerminalStatuses = []Status{StatusPending, StatusRunning}

// Execution is the primary ledger row, one per invocation attempt.
type Execution struct {
	ID             string `gorm:"column:id;primaryKey;type:varchar(32)"`
	OrgID          string `gorm:"column:org_id;type:varchar(64);index:idx_executions_org_created,priority:1;not null"`
	WorkflowName   string `gorm:"column:workflow_name;type:varchar(128);index;not null"`
	FormID         string `gorm:"column:form_id;type:varchar(64)"`
	ExecutedBy     string `gorm:"column:executed_by;type:varchar(64);index"`
	ExecutedByName string `gorm:"column:executed_by_name;type:varchar(128)"`

	Status Status `gorm:"column:status;type:varchar(24);index;not null"`

	InputData    datatypes.JSON `gorm:"column:input_data"`
	Result       datatypes.JSON `gorm:"column:result"`
	ErrorMessage string         `gorm:"column:error_message;type:text"`
	ErrorType    string         `gorm:"column:error_type;type:varchar(64)"`
	ErrorDetails string         `gorm:"column:error_details;type:text"`

	StartedAt   *time.Time `gorm:"column:started_at"`
	CompletedAt *time.Time `gorm:"column:completed_at"`
	DurationMs  int64      `gorm:"column:duration_ms"`

	Logs             datatypes.JSON `gorm:"column:logs"`
	Variables        datatypes.JSON `gorm:"column:variables"`
	IntegrationCalls datatypes.JSON `gorm:"column:integration_calls"`
	StateSnapshots   datatypes.JSON `gorm:"column:state_snapshots"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime;index:idx_executions_org_created,priority:2"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Execution) TableName() string {
	return "executions"
}

// Index dimensions mirrored from the primary row. Index rows are advisory:
// they are not written transactionally with the primary row and may lag; the
// reaper reconciles drift.
const (
	IndexKindCaller   = "caller"
	IndexKindWorkflow = "workflow"
	IndexKindStatus   = "status"
	IndexKindForm     = "form"
)

// ExecutionIndex is a denormalized lookup row keyed by one dimension of the
// primary row. Status-index rows are the only input to the stuck sweep, so
// its cost is bounded by the number of currently open executions.
type ExecutionIndex struct {
	ID           uint      `gorm:"column:id;primaryKey;autoIncrement"`
	Kind         string    `gorm:"column:kind;type:varchar(16);index:idx_execution_indexes_kind_key,priority:1;not null"`
	Key          string    `gorm:"column:key;type:varchar(128);index:idx_execution_indexes_kind_key,priority:2;not null"`
	ExecutionID  string    `gorm:"column:execution_id;type:varchar(32);index;not null"`
	OrgID        string    `gorm:"column:org_id;type:varchar(64)"`
	WorkflowName string    `gorm:"column:workflow_name;type:varchar(128)"`
	// Status is populated on status-kind rows only; it moves with the
	// primary row on every transition.
	Status Status `gorm:"column:status;type:varchar(24)"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (ExecutionIndex) TableName() string {
	return "execution_indexes"
}
