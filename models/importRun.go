package models

import (
	"context"
	"time"

	"bitbucket.org/eduatlas/crm_backend/config"
)

const (
	ImportRunStatusQueued  = "queued"
	ImportRunStatusRunning = "running"
	ImportRunStatusSuccess = "success"
	ImportRunStatusFailed  = "failed"
	ImportRunStatusPartial = "partial"
)

const (
	ImportTriggeredManual = "manual"
	ImportTriggeredRetry  = "retry"
)

// ImportRun is one execution of the Atlas→Bitrix reconciliation for a
// pipeline. Aggregate counters land in StatsJSON when the run finishes.
type ImportRun struct {
	ID            uint       `gorm:"primary_key" json:"id"`
	PipelineId    int        `gorm:"index;not null" json:"pipeline_id"`
	CorrelationId string     `gorm:"size:64" json:"correlation_id"`
	Status        string     `gorm:"size:20;not null" json:"status"`
	TriggeredBy   string     `gorm:"size:20" json:"triggered_by"`
	ExtractFile   string     `gorm:"size:512" json:"extract_file"`
	StatsJSON     []byte     `gorm:"type:json" json:"stats"`
	RowsProcessed int        `json:"rows_processed"`
	ErrorCount    int        `json:"error_count"`
	ParentRunId   *uint      `gorm:"index" json:"parent_run_id"`
	StartedAt     *time.Time `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at"`
	DurationMs    int64      `json:"duration_ms"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// ImportError is one per-record failure inside a run. Retryable errors are
// remote/transport failures; non-retryable ones are data or config problems.
type ImportError struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	ImportRunId uint      `gorm:"index;not null" json:"import_run_id"`
	Stage       string    `gorm:"size:32" json:"stage"`
	AtlasId     string    `gorm:"size:64" json:"atlas_id"`
	DealId      int       `json:"deal_id"`
	ErrorCode   string    `gorm:"size:64" json:"error_code"`
	Message     string    `gorm:"type:text" json:"message"`
	PayloadJSON []byte    `gorm:"type:json" json:"payload"`
	Retryable   bool      `gorm:"default:false" json:"retryable"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func CreateImportError(ctx context.Context, errRec *ImportError) error {
	return config.GetDB().WithContext(ctx).Create(errRec).Error
}
