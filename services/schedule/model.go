package schedule

import (
	"time"
)

// ScheduleState is the per-workflow schedule pointer. One row per workflow
// carrying a cron expression; created lazily on first observation, deleted
// when the expression turns invalid.
type ScheduleState struct {
	ID               string     `gorm:"column:id;primaryKey;type:varchar(32)"`
	WorkflowName     string     `gorm:"column:workflow_name;uniqueIndex;type:varchar(128);not null"`
	CronExpression   string     `gorm:"column:cron_expression;type:varchar(128);not null"`
	HumanDescription string     `gorm:"column:human_description;type:text"`
	NextRunAt        time.Time  `gorm:"column:next_run_at;index;not null"`
	LastRunAt        *time.Time `gorm:"column:last_run_at"`
	LastExecutionID  string     `gorm:"column:last_execution_id;type:varchar(32)"`
	ExecutionCount   int64      `gorm:"column:execution_count;default:0"`

	// Version is the optimistic concurrency token guarding against a
	// double-fire when two processor ticks overlap.
	Version int64 `gorm:"column:version;default:0"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (ScheduleState) TableName() string {
	return "schedule_states"
}
