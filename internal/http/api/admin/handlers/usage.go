package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyDashboard/internal/collector"
	"github.com/router-for-me/CLIProxyDashboard/internal/models"
	"github.com/router-for-me/CLIProxyDashboard/internal/upstream"
	"gorm.io/gorm"
)

// UsageHandler handles usage record and collector endpoints.
type UsageHandler struct {
	db        *gorm.DB
	collector *collector.Collector
}

// NewUsageHandler constructs a UsageHandler.
func NewUsageHandler(db *gorm.DB, col *collector.Collector) *UsageHandler {
	return &UsageHandler{db: db, collector: col}
}

// listUsageQuery defines query parameters for listing usage records.
type listUsageQuery struct {
	Page     int    `form:"page,default=1"`
	Limit    int    `form:"limit,default=50"`
	UserID   uint64 `form:"user_id"`
	APIKeyID uint64 `form:"api_key_id"`
	Model    string `form:"model"`
	Source   string `form:"source"`
	Failed   *bool  `form:"failed"`
	Since    string `form:"since"`
	Until    string `form:"until"`
	// Unresolved selects rows with no user attribution.
	Unresolved bool `form:"unresolved"`
}

// List returns a filtered, paginated list of usage records.
func (h *UsageHandler) List(c *gin.Context) {
	var q listUsageQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 || q.Limit > 500 {
		q.Limit = 50
	}

	query := h.db.WithContext(c.Request.Context()).Model(&models.UsageRecord{})
	if q.UserID != 0 {
		query = query.Where("user_id = ?", q.UserID)
	}
	if q.APIKeyID != 0 {
		query = query.Where("api_key_id = ?", q.APIKeyID)
	}
	if q.Unresolved {
		query = query.Where("user_id IS NULL")
	}
	if model := strings.TrimSpace(q.Model); model != "" {
		query = query.Where("model = ?", model)
	}
	if source := strings.TrimSpace(q.Source); source != "" {
		query = query.Where("source = ?", source)
	}
	if q.Failed != nil {
		query = query.Where("failed = ?", *q.Failed)
	}
	if since, ok := parseTimeFilter(q.Since); ok {
		query = query.Where("requested_at >= ?", since)
	} else if strings.TrimSpace(q.Since) != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since"})
		return
	}
	if until, ok := parseTimeFilter(q.Until); ok {
		query = query.Where("requested_at < ?", until)
	} else if strings.TrimSpace(q.Until) != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid until"})
		return
	}

	var total int64
	if errCount := query.Count(&total).Error; errCount != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "count failed"})
		return
	}

	var rows []models.UsageRecord
	offset := (q.Page - 1) * q.Limit
	if errFind := query.Order("requested_at DESC, id DESC").Offset(offset).Limit(q.Limit).Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list usage failed"})
		return
	}

	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, serializeUsageRecord(&row))
	}
	c.JSON(http.StatusOK, gin.H{
		"usage_records": out,
		"total":         total,
		"page":          q.Page,
		"limit":         q.Limit,
	})
}

// CollectorStatus returns the singleton collector run state.
func (h *UsageHandler) CollectorStatus(c *gin.Context) {
	state, found, errLoad := h.collector.Tracker().Load(c.Request.Context())
	if errLoad != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load collector state failed"})
		return
	}
	if !found {
		c.JSON(http.StatusOK, gin.H{"collected": false})
		return
	}

	out := gin.H{
		"collected":         true,
		"last_collected_at": state.LastCollectedAt,
		"last_status":       state.LastStatus,
		"records_stored":    state.RecordsStored,
		"updated_at":        state.UpdatedAt,
	}
	if state.ErrorMessage != "" {
		out["error_message"] = state.ErrorMessage
	}
	if len(state.RunDetail) > 0 {
		out["run_detail"] = json.RawMessage(state.RunDetail)
	}
	c.JSON(http.StatusOK, out)
}

// Collect triggers one collection run synchronously.
func (h *UsageHandler) Collect(c *gin.Context) {
	summary, errRun := h.collector.Run(c.Request.Context())
	if errRun != nil {
		status, message := collectErrorResponse(errRun)
		c.JSON(status, gin.H{"error": message})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"processed":         summary.Processed,
		"stored":            summary.Stored,
		"skipped":           summary.Skipped,
		"last_collected_at": summary.LastCollectedAt,
	})
}

// collectErrorResponse maps a run failure to an HTTP status and message.
func collectErrorResponse(errRun error) (int, string) {
	switch {
	case errors.Is(errRun, collector.ErrMissingManagementSecret):
		return http.StatusInternalServerError, "management secret not configured"
	case errors.Is(errRun, upstream.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable, "upstream unavailable"
	case errors.Is(errRun, upstream.ErrMalformedUsage):
		return http.StatusBadGateway, "upstream usage payload malformed"
	default:
		var statusErr *upstream.StatusError
		if errors.As(errRun, &statusErr) {
			return http.StatusBadGateway, "upstream returned an error status"
		}
		return http.StatusInternalServerError, "collection failed"
	}
}

func serializeUsageRecord(record *models.UsageRecord) gin.H {
	return gin.H{
		"id":               record.ID,
		"auth_index":       record.AuthIndex,
		"model":            record.Model,
		"requested_at":     record.RequestedAt,
		"source":           record.Source,
		"user_id":          record.UserID,
		"api_key_id":       record.APIKeyID,
		"failed":           record.Failed,
		"input_tokens":     record.InputTokens,
		"output_tokens":    record.OutputTokens,
		"reasoning_tokens": record.ReasoningTokens,
		"cached_tokens":    record.CachedTokens,
		"total_tokens":     record.TotalTokens,
		"created_at":       record.CreatedAt,
	}
}

// parseTimeFilter reads an RFC3339 or date-only time filter value.
func parseTimeFilter(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, errParse := time.Parse(layout, raw); errParse == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
