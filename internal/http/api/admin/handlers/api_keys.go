package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyDashboard/internal/db"
	"github.com/router-for-me/CLIProxyDashboard/internal/models"
	"github.com/router-for-me/CLIProxyDashboard/internal/security"
	"github.com/router-for-me/CLIProxyDashboard/internal/util"
	"gorm.io/gorm"
)

// APIKeyHandler handles API key endpoints.
type APIKeyHandler struct {
	db *gorm.DB
}

// NewAPIKeyHandler constructs an APIKeyHandler.
func NewAPIKeyHandler(db *gorm.DB) *APIKeyHandler {
	return &APIKeyHandler{db: db}
}

// listAPIKeysQuery defines query parameters for listing API keys.
type listAPIKeysQuery struct {
	Page   int    `form:"page,default=1"`
	Limit  int    `form:"limit,default=20"`
	Search string `form:"search"`
	UserID uint64 `form:"user_id"`
}

// List returns a paginated list of API keys.
func (h *APIKeyHandler) List(c *gin.Context) {
	var q listAPIKeysQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 || q.Limit > 100 {
		q.Limit = 20
	}

	query := h.db.WithContext(c.Request.Context()).Model(&models.APIKey{})
	if q.UserID != 0 {
		query = query.Where("user_id = ?", q.UserID)
	}
	if search := strings.TrimSpace(q.Search); search != "" {
		pattern := db.NormalizeLikePattern(h.db, "%"+search+"%")
		query = query.Where(db.CaseInsensitiveLikeExpr(h.db, "name"), pattern)
	}

	var total int64
	if errCount := query.Count(&total).Error; errCount != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "count failed"})
		return
	}

	var rows []models.APIKey
	offset := (q.Page - 1) * q.Limit
	if errFind := query.Preload("User").Order("created_at DESC").Offset(offset).Limit(q.Limit).Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list api keys failed"})
		return
	}

	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, serializeAPIKey(&row, false))
	}
	c.JSON(http.StatusOK, gin.H{
		"api_keys": out,
		"total":    total,
		"page":     q.Page,
		"limit":    q.Limit,
	})
}

// apiKeyRequest defines the request body for creating or updating an API key.
type apiKeyRequest struct {
	Name   string  `json:"name"`
	UserID *uint64 `json:"user_id"`
	Active *bool   `json:"active"`
}

// Create generates a new API key. The full secret is returned once, on
// creation only; listings show the hidden form.
func (h *APIKeyHandler) Create(c *gin.Context) {
	var body apiKeyRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	name := strings.TrimSpace(body.Name)
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	secret, errGenerate := security.GenerateAPIKey()
	if errGenerate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "generate api key failed"})
		return
	}

	key := models.APIKey{
		UserID: body.UserID,
		Name:   name,
		APIKey: secret,
		Active: true,
	}
	if body.Active != nil {
		key.Active = *body.Active
	}
	if errCreate := h.db.WithContext(c.Request.Context()).Create(&key).Error; errCreate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create api key failed"})
		return
	}
	c.JSON(http.StatusCreated, serializeAPIKey(&key, true))
}

// Update modifies an API key's name, owner, or active flag.
func (h *APIKeyHandler) Update(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var body apiKeyRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	var key models.APIKey
	if errFind := h.db.WithContext(c.Request.Context()).First(&key, id).Error; errFind != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	updates := map[string]any{}
	if name := strings.TrimSpace(body.Name); name != "" {
		updates["name"] = name
	}
	if body.UserID != nil {
		if *body.UserID == 0 {
			updates["user_id"] = nil
		} else {
			updates["user_id"] = *body.UserID
		}
	}
	if body.Active != nil {
		updates["active"] = *body.Active
	}
	if len(updates) > 0 {
		if errSave := h.db.WithContext(c.Request.Context()).Model(&key).Updates(updates).Error; errSave != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "update api key failed"})
			return
		}
	}
	c.JSON(http.StatusOK, serializeAPIKey(&key, false))
}

// Delete removes an API key. Stored usage rows keep their api_key_id.
func (h *APIKeyHandler) Delete(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	if errDelete := h.db.WithContext(c.Request.Context()).Delete(&models.APIKey{}, id).Error; errDelete != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete api key failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func serializeAPIKey(key *models.APIKey, includeSecret bool) gin.H {
	out := gin.H{
		"id":           key.ID,
		"name":         key.Name,
		"api_key":      util.HideAPIKey(key.APIKey),
		"user_id":      key.UserID,
		"active":       key.Active,
		"last_used_at": key.LastUsedAt,
		"created_at":   key.CreatedAt,
		"updated_at":   key.UpdatedAt,
	}
	if includeSecret {
		out["api_key"] = key.APIKey
	}
	if key.User != nil {
		out["username"] = key.User.Username
	}
	return out
}

// parseOptionalUint reads an optional numeric query parameter.
func parseOptionalUint(c *gin.Context, name string) (*uint64, bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return nil, true
	}
	value, errParse := strconv.ParseUint(raw, 10, 64)
	if errParse != nil {
		return nil, false
	}
	return &value, true
}
