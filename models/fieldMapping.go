package models

import (
	"context"
	"encoding/json"
	"fmt"

	"bitbucket.org/eduatlas/crm_backend/config"
	"github.com/go-playground/validator/v10"
)

// Field mapping types. Each mapping row is one variant of the tagged union;
// the type decides how the raw extract value becomes a Bitrix field value.
const (
	FieldTypePhone     = "phone"
	FieldTypeEmail     = "email"
	FieldTypeString    = "string"
	FieldTypeSelect    = "select"
	FieldTypeDate      = "date"
	FieldTypeDateTime  = "datetime"
	FieldTypeMoney     = "money"
	FieldTypeComposite = "composite"
)

// FieldMapping maps one Atlas extract column onto one Bitrix deal field.
// Composite mappings assemble their value from several source columns;
// status rules override the value once the application passes a status
// order threshold (see StatusOrder).
type FieldMapping struct {
	ID                   uint   `gorm:"primary_key" json:"id"`
	PipelineId           int    `gorm:"index;not null" json:"pipeline_id" validate:"required"`
	ExternalField        string `gorm:"size:255" json:"external_field"`
	TargetField          string `gorm:"size:255;not null" json:"target_field" validate:"required"`
	FieldType            string `gorm:"size:20;not null" json:"field_type" validate:"required,oneof=phone email string select date datetime money composite"`
	Normalize            bool   `gorm:"default:false" json:"normalize"`
	DefaultValue         string `gorm:"size:512" json:"default_value"`
	CompositeSourcesJSON []byte `gorm:"type:json" json:"composite_sources"`
	CompositeSeparator   string `gorm:"size:8" json:"composite_separator"`
	StatusRulesJSON      []byte `gorm:"type:json" json:"status_rules"`
	Active               bool   `gorm:"default:true" json:"active"`
}

// StatusFieldRule overrides the mapped value once the named status namespace
// reaches MinOrder. Rules are applied in descending MinOrder; the first
// threshold the application has passed wins.
type StatusFieldRule struct {
	Namespace string `json:"namespace" validate:"required,oneof=atlas workflow"`
	MinOrder  int    `json:"min_order"`
	Value     string `json:"value" validate:"required"`
}

func (m *FieldMapping) CompositeSources() []string {
	if len(m.CompositeSourcesJSON) == 0 {
		return nil
	}
	var sources []string
	if err := json.Unmarshal(m.CompositeSourcesJSON, &sources); err != nil {
		return nil
	}
	return sources
}

func (m *FieldMapping) StatusRules() []StatusFieldRule {
	if len(m.StatusRulesJSON) == 0 {
		return nil
	}
	var rules []StatusFieldRule
	if err := json.Unmarshal(m.StatusRulesJSON, &rules); err != nil {
		return nil
	}
	return rules
}

var fieldMappingValidator = validator.New()

// Validate checks the variant invariants at load time, not at use time:
// composite mappings need sources, every other variant needs a source column
// or a default, and status rules must parse.
func (m *FieldMapping) Validate() error {
	if err := fieldMappingValidator.Struct(m); err != nil {
		return err
	}
	if m.FieldType == FieldTypeComposite {
		if len(m.CompositeSources()) == 0 {
			return fmt.Errorf("composite mapping %q requires composite_sources", m.TargetField)
		}
	} else if m.ExternalField == "" && m.DefaultValue == "" {
		return fmt.Errorf("mapping %q requires external_field or default_value", m.TargetField)
	}
	if len(m.StatusRulesJSON) > 0 {
		var rules []StatusFieldRule
		if err := json.Unmarshal(m.StatusRulesJSON, &rules); err != nil {
			return fmt.Errorf("mapping %q has malformed status_rules: %w", m.TargetField, err)
		}
		for _, rule := range rules {
			if err := fieldMappingValidator.Struct(rule); err != nil {
				return fmt.Errorf("mapping %q has invalid status rule: %w", m.TargetField, err)
			}
		}
	}
	return nil
}

func CreateFieldMapping(ctx context.Context, m *FieldMapping) error {
	if err := m.Validate(); err != nil {
		return err
	}
	return config.GetDB().WithContext(ctx).Create(m).Error
}

// GetFieldMappings loads and validates the pipeline's active mappings.
// A single invalid mapping fails the load; a half-applied mapping set would
// write inconsistent deals.
func GetFieldMappings(ctx context.Context, pipelineId int) ([]FieldMapping, error) {
	var mappings []FieldMapping
	if err := config.GetDB().WithContext(ctx).
		Where("pipeline_id = ? AND active = ?", pipelineId, true).
		Order("id asc").
		Find(&mappings).Error; err != nil {
		return nil, err
	}

	for i := range mappings {
		if err := mappings[i].Validate(); err != nil {
			return nil, err
		}
	}
	return mappings, nil
}
