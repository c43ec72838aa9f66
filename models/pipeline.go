package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"bitbucket.org/eduatlas/crm_backend/config"
	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// PipelineConfig binds a Bitrix deal category to its import configuration:
// the fallback status→stage map consulted when no StageRule matches, the
// default stage for unmapped statuses, and the extra deal fields the snapshot
// fetch must select. Stage codes are only unique within one pipeline.
type PipelineConfig struct {
	ID                 uint      `gorm:"primary_key" json:"id"`
	PipelineId         int       `gorm:"uniqueIndex;not null" json:"pipeline_id"`
	Name               string    `gorm:"size:255" json:"name"`
	DefaultStageCode   string    `gorm:"size:64" json:"default_stage_code"`
	StatusStageMapJSON []byte    `gorm:"type:json" json:"status_stage_map"`
	MatchFieldsJSON    []byte    `gorm:"type:json" json:"match_fields"`
	SelectFieldsJSON   []byte    `gorm:"type:json" json:"select_fields"`
	Active             bool      `gorm:"default:true" json:"active"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// StatusStageMap is the static fallback mapping, split per status namespace.
// The workflow side takes precedence when both statuses are mapped.
type StatusStageMap struct {
	Atlas    map[string]string `json:"atlas"`
	Workflow map[string]string `json:"workflow"`
}

func (p *PipelineConfig) StatusStageMap() StatusStageMap {
	out := StatusStageMap{Atlas: map[string]string{}, Workflow: map[string]string{}}
	if len(p.StatusStageMapJSON) == 0 {
		return out
	}
	if err := json.Unmarshal(p.StatusStageMapJSON, &out); err != nil {
		return StatusStageMap{Atlas: map[string]string{}, Workflow: map[string]string{}}
	}
	if out.Atlas == nil {
		out.Atlas = map[string]string{}
	}
	if out.Workflow == nil {
		out.Workflow = map[string]string{}
	}
	return out
}

// MatchFields names the deal fields the matcher and deduplicator read.
// Defaults cover the standard custom-field layout; TITLE holds the name.
type MatchFields struct {
	Name   string `json:"name"`
	Phone  string `json:"phone"`
	Email  string `json:"email"`
	Region string `json:"region"`
	Snils  string `json:"snils"`
}

func (p *PipelineConfig) MatchFields() MatchFields {
	mf := MatchFields{}
	if len(p.MatchFieldsJSON) > 0 {
		_ = json.Unmarshal(p.MatchFieldsJSON, &mf)
	}
	if mf.Name == "" {
		mf.Name = "TITLE"
	}
	if mf.Phone == "" {
		mf.Phone = "UF_CRM_PHONE"
	}
	if mf.Email == "" {
		mf.Email = "UF_CRM_EMAIL"
	}
	if mf.Region == "" {
		mf.Region = "UF_CRM_REGION"
	}
	if mf.Snils == "" {
		mf.Snils = "UF_CRM_SNILS"
	}
	return mf
}

// SelectFields decodes the extra UF_* deal fields to request from Bitrix.
func (p *PipelineConfig) SelectFields() []string {
	if len(p.SelectFieldsJSON) == 0 {
		return nil
	}
	var fields []string
	if err := json.Unmarshal(p.SelectFieldsJSON, &fields); err != nil {
		return nil
	}
	return fields
}

var ErrPipelineExists = errors.New("pipeline is already configured")

const mysqlDuplicateEntry = 1062

// CreatePipelineConfig registers one deal category for imports. The unique
// index on pipeline_id turns a re-registration into ErrPipelineExists.
func CreatePipelineConfig(ctx context.Context, cfg *PipelineConfig) error {
	err := config.GetDB().WithContext(ctx).Create(cfg).Error
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
		return ErrPipelineExists
	}
	return err
}

func GetPipelineConfig(ctx context.Context, pipelineId int) (*PipelineConfig, error) {
	var cfg PipelineConfig
	err := config.GetDB().WithContext(ctx).
		Where("pipeline_id = ? AND active = ?", pipelineId, true).
		Take(&cfg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &cfg, nil
}
