package models

import (
	"log"

	"github.com/mmdatafocus/heartavtal_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Contract{}, &Party{},
		&AuditEntry{}, &ContractDocument{},
		&NotificationRecord{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
