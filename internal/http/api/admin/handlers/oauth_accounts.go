package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyDashboard/internal/models"
	"gorm.io/gorm"
)

// OAuthAccountHandler handles OAuth account ownership endpoints.
type OAuthAccountHandler struct {
	db *gorm.DB
}

// NewOAuthAccountHandler constructs an OAuthAccountHandler.
func NewOAuthAccountHandler(db *gorm.DB) *OAuthAccountHandler {
	return &OAuthAccountHandler{db: db}
}

// List returns OAuth accounts, optionally filtered by user.
func (h *OAuthAccountHandler) List(c *gin.Context) {
	userID, okParse := parseOptionalUint(c, "user_id")
	if !okParse {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return
	}

	query := h.db.WithContext(c.Request.Context()).Model(&models.OAuthAccount{})
	if userID != nil {
		query = query.Where("user_id = ?", *userID)
	}

	var rows []models.OAuthAccount
	if errFind := query.Order("id ASC").Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list oauth accounts failed"})
		return
	}

	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, serializeOAuthAccount(&row))
	}
	c.JSON(http.StatusOK, gin.H{"oauth_accounts": out})
}

// oauthAccountRequest defines the request body for OAuth account writes.
type oauthAccountRequest struct {
	UserID      uint64 `json:"user_id"`
	Provider    string `json:"provider"`
	AccountName string `json:"account_name"`
	Email       string `json:"email"`
}

// Create binds an OAuth account to a user.
func (h *OAuthAccountHandler) Create(c *gin.Context) {
	var body oauthAccountRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if body.UserID == 0 || strings.TrimSpace(body.AccountName) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id and account_name are required"})
		return
	}

	account := models.OAuthAccount{
		UserID:      body.UserID,
		Provider:    strings.TrimSpace(body.Provider),
		AccountName: strings.TrimSpace(body.AccountName),
		Email:       strings.TrimSpace(body.Email),
	}
	if errCreate := h.db.WithContext(c.Request.Context()).Create(&account).Error; errCreate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create oauth account failed"})
		return
	}
	c.JSON(http.StatusCreated, serializeOAuthAccount(&account))
}

// Update modifies an OAuth account binding.
func (h *OAuthAccountHandler) Update(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var body oauthAccountRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	var account models.OAuthAccount
	if errFind := h.db.WithContext(c.Request.Context()).First(&account, id).Error; errFind != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	updates := map[string]any{}
	if body.UserID != 0 {
		updates["user_id"] = body.UserID
	}
	if provider := strings.TrimSpace(body.Provider); provider != "" {
		updates["provider"] = provider
	}
	if accountName := strings.TrimSpace(body.AccountName); accountName != "" {
		updates["account_name"] = accountName
	}
	if email := strings.TrimSpace(body.Email); email != "" {
		updates["email"] = email
	}
	if len(updates) > 0 {
		if errSave := h.db.WithContext(c.Request.Context()).Model(&account).Updates(updates).Error; errSave != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "update oauth account failed"})
			return
		}
	}
	c.JSON(http.StatusOK, serializeOAuthAccount(&account))
}

// Delete removes an OAuth account binding.
func (h *OAuthAccountHandler) Delete(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	if errDelete := h.db.WithContext(c.Request.Context()).Delete(&models.OAuthAccount{}, id).Error; errDelete != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete oauth account failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func serializeOAuthAccount(account *models.OAuthAccount) gin.H {
	return gin.H{
		"id":           account.ID,
		"user_id":      account.UserID,
		"provider":     account.Provider,
		"account_name": account.AccountName,
		"email":        account.Email,
		"created_at":   account.CreatedAt,
		"updated_at":   account.UpdatedAt,
	}
}
