package integration

import (
	"time"
)

// ConnectionStatus is the lifecycle state of an integration credential set.
// The refresh job only ever moves completed → completed (refreshed) or
// completed → failed; every other status is left alone.
type ConnectionStatus string

const (
	StatusNotConnected    ConnectionStatus = "not_connected"
	StatusWaitingCallback ConnectionStatus = "waiting_callback"
	StatusTesting         ConnectionStatus = "testing"
	StatusCompleted       ConnectionStatus = "completed"
	StatusFailed          ConnectionStatus = "failed"
)

// OAuthConnection is one integration credential set. Token material lives in
// the secret store; the row only carries references.
type OAuthConnection struct {
	ID             string           `gorm:"column:id;primaryKey;type:varchar(32)"`
	ConnectionName string           `gorm:"column:connection_name;type:varchar(128);uniqueIndex:idx_oauth_connections_org_name,priority:2;not null"`
	OrgID          string           `gorm:"column:org_id;type:varchar(64);uniqueIndex:idx_oauth_connections_org_name,priority:1;not null"`
	Status         ConnectionStatus `gorm:"column:status;type:varchar(24);index;not null"`

	TokenURL        string `gorm:"column:token_url;type:varchar(255)"`
	ClientID        string `gorm:"column:client_id;type:varchar(128)"`
	ClientSecretRef string `gorm:"column:client_secret_ref;type:varchar(255)"`
	AccessTokenRef  string `gorm:"column:access_token_ref;type:varchar(255)"`
	RefreshTokenRef string `gorm:"column:refresh_token_ref;type:varchar(255)"`

	ExpiresAt     *time.Time `gorm:"column:expires_at;index"`
	LastRefreshAt *time.Time `gorm:"column:last_refresh_at"`
	StatusNote    string     `gorm:"column:status_note;type:text"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (OAuthConnection) TableName() string {
	return "oauth_connections"
}

// RefreshJobStatus is the single rolling record summarizing the last refresh
// sweep, kept for observability and polling.
type RefreshJobStatus struct {
	ID             uint      `gorm:"column:id;primaryKey"`
	TriggerType    string    `gorm:"column:trigger_type;type:varchar(24)"`
	RefreshedCount int       `gorm:"column:refreshed_count"`
	FailedCount    int       `gorm:"column:failed_count"`
	SkippedCount   int       `gorm:"column:skipped_count"`
	RanAt          time.Time `gorm:"column:ran_at"`
}

func (RefreshJobStatus) TableName() string {
	return "refresh_job_statuses"
}
