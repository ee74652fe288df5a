package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyDashboard/internal/models"
	"github.com/router-for-me/CLIProxyDashboard/internal/settings"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SettingsHandler handles DB-backed dashboard settings.
type SettingsHandler struct {
	db *gorm.DB
}

// NewSettingsHandler constructs a SettingsHandler.
func NewSettingsHandler(db *gorm.DB) *SettingsHandler {
	return &SettingsHandler{db: db}
}

// Get returns the current settings snapshot.
func (h *SettingsHandler) Get(c *gin.Context) {
	siteName := settings.DefaultSiteName
	if name, ok := settings.StringValue(settings.SiteNameKey); ok && strings.TrimSpace(name) != "" {
		siteName = name
	}

	collectorEnabled := settings.DefaultCollectorEnabled
	if enabled, ok := settings.BoolValue(settings.CollectorEnabledKey); ok {
		collectorEnabled = enabled
	}

	intervalSeconds := settings.DefaultCollectorIntervalSeconds
	if interval, ok := settings.IntValue(settings.CollectorIntervalSecondsKey); ok && interval > 0 {
		intervalSeconds = interval
	}

	c.JSON(http.StatusOK, gin.H{
		"site_name":                  siteName,
		"collector_enabled":          collectorEnabled,
		"collector_interval_seconds": intervalSeconds,
		"updated_at":                 settings.UpdatedAt(),
	})
}

// Update upserts setting rows and refreshes the in-memory snapshot.
func (h *SettingsHandler) Update(c *gin.Context) {
	var body map[string]json.RawMessage
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no settings provided"})
		return
	}

	ctx := c.Request.Context()
	errSave := h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for key, value := range body {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			row := models.Setting{Key: key, Value: value}
			if errUpsert := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "key"}},
				UpdateAll: true,
			}).Create(&row).Error; errUpsert != nil {
				return errUpsert
			}
		}
		return nil
	})
	if errSave != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save settings failed"})
		return
	}

	if errRefresh := settings.Refresh(ctx, h.db); errRefresh != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "refresh settings failed"})
		return
	}
	h.Get(c)
}
