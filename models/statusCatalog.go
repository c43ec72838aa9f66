package models

import (
	"context"

	"bitbucket.org/eduatlas/crm_backend/config"
)

// Status namespaces: Atlas carries the enrollment system's own status, the
// workflow namespace carries the downstream processing status ("РР").
const (
	StatusNamespaceAtlas    = "atlas"
	StatusNamespaceWorkflow = "workflow"
)

// StatusOrder assigns an integer order to a status name within a namespace.
// Field-mapping override rules compare statuses by this order rather than by
// string equality; a higher order means the application progressed further.
type StatusOrder struct {
	ID        uint   `gorm:"primary_key" json:"id"`
	Namespace string `gorm:"uniqueIndex:idx_status_order,priority:1;size:20;not null" json:"namespace"`
	Name      string `gorm:"uniqueIndex:idx_status_order,priority:2;size:255;not null" json:"name"`
	OrderNo   int    `gorm:"not null" json:"order_no"`
}

// GetStatusOrderMap loads one namespace's catalog as name → order.
// Callers memoize this for the duration of a single run only.
func GetStatusOrderMap(ctx context.Context, namespace string) (map[string]int, error) {
	var entries []StatusOrder
	if err := config.GetDB().WithContext(ctx).
		Where("namespace = ?", namespace).
		Find(&entries).Error; err != nil {
		return nil, err
	}

	out := make(map[string]int, len(entries))
	for _, entry := range entries {
		out[entry.Name] = entry.OrderNo
	}
	return out, nil
}
