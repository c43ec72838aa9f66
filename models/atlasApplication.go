package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/eduatlas/crm_backend/config"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AtlasApplication is the reconciliation binding between one Atlas
// application (by its external unique id) and the Bitrix deal it landed on.
// The raw extract row is kept as JSON for auditing; the normalized identity
// fields are denormalized for the matcher's external-id shortcut.
type AtlasApplication struct {
	ID             uint      `gorm:"primary_key" json:"id"`
	AtlasId        string    `gorm:"uniqueIndex;size:64;not null" json:"atlas_id"`
	DealId         int       `gorm:"index;not null" json:"deal_id"`
	PipelineId     int       `gorm:"index" json:"pipeline_id"`
	Program        string    `gorm:"size:512" json:"program"`
	SequenceNumber string    `gorm:"size:32" json:"sequence_number"`
	FullName       string    `gorm:"size:255" json:"full_name"`
	Phone          string    `gorm:"size:16" json:"phone"`
	Email          string    `gorm:"size:255" json:"email"`
	Region         string    `gorm:"size:255" json:"region"`
	Snils          string    `gorm:"size:16" json:"snils"`
	AtlasStatus    string    `gorm:"size:255" json:"atlas_status"`
	WorkflowStatus string    `gorm:"size:255" json:"workflow_status"`
	RawJSON        []byte    `gorm:"type:json" json:"raw"`
	SyncedAt       time.Time `json:"synced_at"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetApplicationByAtlasId(ctx context.Context, atlasId string) (*AtlasApplication, error) {
	var app AtlasApplication
	err := config.GetDB().WithContext(ctx).Where("atlas_id = ?", atlasId).Take(&app).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &app, nil
}

func GetApplicationsByDealId(ctx context.Context, dealId int) ([]AtlasApplication, error) {
	var apps []AtlasApplication
	err := config.GetDB().WithContext(ctx).
		Where("deal_id = ?", dealId).
		Order("id asc").
		Find(&apps).Error
	return apps, err
}

// UpsertApplication writes the binding after a successful remote mutation.
func UpsertApplication(ctx context.Context, app *AtlasApplication) error {
	app.SyncedAt = time.Now()
	return config.GetDB().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "atlas_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"deal_id", "pipeline_id", "program", "sequence_number",
				"full_name", "phone", "email", "region", "snils",
				"atlas_status", "workflow_status", "raw_json", "synced_at",
			}),
		}).
		Create(app).Error
}

// DeleteApplicationsForDeals drops bindings whose deal was removed as a
// duplicate; their rows will rebind on the next import pass.
func DeleteApplicationsForDeals(ctx context.Context, dealIds []int) error {
	if len(dealIds) == 0 {
		return nil
	}
	return config.GetDB().WithContext(ctx).
		Where("deal_id IN ?", dealIds).
		Delete(&AtlasApplication{}).Error
}
