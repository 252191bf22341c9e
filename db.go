package main

import (
	"os"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"finledger/models"
)

var db *gorm.DB

func initDB() {
	var err error
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		logg.Fatal().Msg("DB_DSN is not set. This project requires a Postgres DSN in DB_DSN.")
	}
	db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		logg.Fatal().Err(err).Msg("failed to connect postgres database")
	}
	// Control schema migrations with env DB_AUTO_MIGRATE (default true). Any permission errors will be logged and ignored.
	shouldMigrate := true
	if v := os.Getenv("DB_AUTO_MIGRATE"); v != "" {
		lv := strings.ToLower(v)
		if lv == "false" || lv == "0" || lv == "no" {
			shouldMigrate = false
		}
	}
	if shouldMigrate {
		// Migrate models individually so a failure on one doesn't block others
		if err := db.AutoMigrate(&models.User{}); err != nil {
			logg.Warn().Err(err).Msg("migration warning (users)")
		}
		if err := db.AutoMigrate(&models.Account{}); err != nil {
			logg.Warn().Err(err).Msg("migration warning (accounts)")
		}
		if err := db.AutoMigrate(&models.Transaction{}); err != nil {
			logg.Warn().Err(err).Msg("migration warning (transactions)")
		}
		if err := db.AutoMigrate(&models.RefreshToken{}); err != nil {
			logg.Warn().Err(err).Msg("migration warning (refresh_tokens)")
		}
	}
}
