package models

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/eduatlas/crm_backend/bitrix"
	"bitbucket.org/eduatlas/crm_backend/config"
	"gorm.io/gorm/clause"
)

// CachedDeal is the local projection of a Bitrix deal used by the
// reconciliation engine. DealId is the remote id and stays unique; the full
// scalar field map is kept as JSON for matching and field-mapping lookups.
type CachedDeal struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	DealId      int       `gorm:"uniqueIndex;not null" json:"deal_id"`
	PipelineId  int       `gorm:"index;not null" json:"pipeline_id"`
	Title       string    `gorm:"size:512" json:"title"`
	StageId     string    `gorm:"size:64" json:"stage_id"`
	DetailsJSON []byte    `gorm:"type:json" json:"details"`
	DateCreate  time.Time `json:"date_create"`
	SyncedAt    time.Time `json:"synced_at"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Details decodes the stored scalar field map. Never nil.
func (d *CachedDeal) Details() map[string]string {
	out := map[string]string{}
	if len(d.DetailsJSON) == 0 {
		return out
	}
	if err := json.Unmarshal(d.DetailsJSON, &out); err != nil {
		return map[string]string{}
	}
	return out
}

// UpsertCachedDeal refreshes the local snapshot row for one remote deal.
func UpsertCachedDeal(ctx context.Context, deal bitrix.Deal, pipelineId int) error {
	detailsJSON, err := json.Marshal(deal.Fields)
	if err != nil {
		return err
	}

	row := CachedDeal{
		DealId:      deal.ID,
		PipelineId:  pipelineId,
		Title:       deal.Title,
		StageId:     deal.StageID,
		DetailsJSON: detailsJSON,
		DateCreate:  deal.DateCreate,
		SyncedAt:    time.Now(),
	}
	return config.GetDB().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "deal_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"pipeline_id", "title", "stage_id", "details_json", "date_create", "synced_at"}),
		}).
		Create(&row).Error
}

// GetCachedDeals returns the pipeline's snapshot stably ordered by creation
// time then remote id, the order the deduplicator and matcher rely on.
func GetCachedDeals(ctx context.Context, pipelineId int) ([]CachedDeal, error) {
	var deals []CachedDeal
	err := config.GetDB().WithContext(ctx).
		Where("pipeline_id = ?", pipelineId).
		Order("date_create asc, deal_id asc").
		Find(&deals).Error
	return deals, err
}

// DeleteCachedDeals removes snapshot rows by remote id.
func DeleteCachedDeals(ctx context.Context, dealIds []int) error {
	if len(dealIds) == 0 {
		return nil
	}
	return config.GetDB().WithContext(ctx).
		Where("deal_id IN ?", dealIds).
		Delete(&CachedDeal{}).Error
}

// PurgeStaleCachedDeals drops snapshot rows not refreshed by the current
// fetch; the remote store is the source of truth for existence.
func PurgeStaleCachedDeals(ctx context.Context, pipelineId int, syncedBefore time.Time) error {
	return config.GetDB().WithContext(ctx).
		Where("pipeline_id = ? AND synced_at < ?", pipelineId, syncedBefore).
		Delete(&CachedDeal{}).Error
}
