package models

import (
	"log"

	"bitbucket.org/eduatlas/crm_backend/config"
)

// MigrateTable runs AutoMigrate for every model. Call after the DB is ready.
func MigrateTable() {
	db := config.GetDB()
	if db == nil {
		log.Println("MigrateTable skipped: db is nil")
		return
	}

	err := db.AutoMigrate(
		&CachedDeal{},
		&PipelineConfig{},
		&StageRule{},
		&StatusOrder{},
		&FieldMapping{},
		&AtlasApplication{},
		&ImportRun{},
		&ImportError{},
	)
	if err != nil {
		log.Printf("AutoMigrate failed: %v", err)
		return
	}
	log.Println("database migration complete")
}
