package models

import (
	"log"

	"bitbucket.org/mmdatafocus/recon_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Firm{},
		&User{},
		&Client{},
		&QboConnection{}, &DropboxConnection{},
		&OAuthState{},
		&ReconciliationRun{},
		&NotificationLog{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
