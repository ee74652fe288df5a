package db

import (
	"fmt"

	"github.com/router-for-me/CLIProxyDashboard/internal/models"

	"gorm.io/gorm"
)

// Migrate runs schema migrations for all dashboard models.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	return conn.AutoMigrate(
		&models.User{},
		&models.APIKey{},
		&models.OAuthAccount{},
		&models.UsageRecord{},
		&models.CollectorState{},
		&models.Setting{},
		&models.Admin{},
	)
}
