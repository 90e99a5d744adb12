package models

import (
	"log"

	"bitbucket.org/kamdental/dentalsync_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&SheetConnection{}, &SheetSyncRun{}, &SheetSyncError{},
		&ExternalIdMapping{},
		&AuditLogEntry{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
