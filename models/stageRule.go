package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"bitbucket.org/eduatlas/crm_backend/config"
)

// StageRule maps a pair of application statuses to a target pipeline stage.
// AtlasStatus and WorkflowStatus are conditions; an empty condition matches
// any value, but a rule with both empty is invalid. Rules are evaluated in
// ascending Priority then ascending id; the first match wins, so a lower
// priority number means higher precedence.
type StageRule struct {
	ID              uint      `gorm:"primary_key" json:"id"`
	PipelineId      int       `gorm:"index;not null" json:"pipeline_id"`
	AtlasStatus     string    `gorm:"size:255" json:"atlas_status"`
	WorkflowStatus  string    `gorm:"size:255" json:"workflow_status"`
	TargetStageCode string    `gorm:"size:64;not null" json:"target_stage_code"`
	Priority        int       `gorm:"not null;default:100" json:"priority"`
	Active          bool      `gorm:"default:true" json:"active"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

var ErrStageRuleNoCondition = errors.New("stage rule requires at least one status condition")

func (r *StageRule) Validate() error {
	if strings.TrimSpace(r.AtlasStatus) == "" && strings.TrimSpace(r.WorkflowStatus) == "" {
		return ErrStageRuleNoCondition
	}
	if strings.TrimSpace(r.TargetStageCode) == "" {
		return errors.New("stage rule requires a target stage code")
	}
	return nil
}

func CreateStageRule(ctx context.Context, rule *StageRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	return config.GetDB().WithContext(ctx).Create(rule).Error
}

// GetActiveStageRules returns the pipeline's rules in evaluation order.
func GetActiveStageRules(ctx context.Context, pipelineId int) ([]StageRule, error) {
	var rules []StageRule
	err := config.GetDB().WithContext(ctx).
		Where("pipeline_id = ? AND active = ?", pipelineId, true).
		Order("priority asc, id asc").
		Find(&rules).Error
	return rules, err
}
