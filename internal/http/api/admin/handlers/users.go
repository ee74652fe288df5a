package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyDashboard/internal/db"
	"github.com/router-for-me/CLIProxyDashboard/internal/models"
	"gorm.io/gorm"
)

// UserHandler handles user directory endpoints.
type UserHandler struct {
	db *gorm.DB
}

// NewUserHandler constructs a UserHandler.
func NewUserHandler(db *gorm.DB) *UserHandler {
	return &UserHandler{db: db}
}

// listUsersQuery defines query parameters for listing users.
type listUsersQuery struct {
	Page   int    `form:"page,default=1"`
	Limit  int    `form:"limit,default=20"`
	Search string `form:"search"`
}

// List returns a paginated list of users.
func (h *UserHandler) List(c *gin.Context) {
	var q listUsersQuery
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

	query := h.db.WithContext(c.Request.Context()).Model(&models.User{})
	if search := strings.TrimSpace(q.Search); search != "" {
		pattern := db.NormalizeLikePattern(h.db, "%"+search+"%")
		query = query.Where(
			db.CaseInsensitiveLikeExpr(h.db, "username")+" OR "+db.CaseInsensitiveLikeExpr(h.db, "email"),
			pattern, pattern,
		)
	}

	var total int64
	if errCount := query.Count(&total).Error; errCount != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "count failed"})
		return
	}

	var rows []models.User
	offset := (q.Page - 1) * q.Limit
	if errFind := query.Order("created_at DESC").Offset(offset).Limit(q.Limit).Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list users failed"})
		return
	}

	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, serializeUser(&row))
	}
	c.JSON(http.StatusOK, gin.H{
		"users": out,
		"total": total,
		"page":  q.Page,
		"limit": q.Limit,
	})
}

// userRequest defines the request body for creating or updating a user.
type userRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Active   *bool  `json:"active"`
}

// Create adds a user.
func (h *UserHandler) Create(c *gin.Context) {
	var body userRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	username := strings.TrimSpace(body.Username)
	if username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username is required"})
		return
	}

	user := models.User{
		Username: username,
		Email:    strings.TrimSpace(body.Email),
		Active:   true,
	}
	if body.Active != nil {
		user.Active = *body.Active
	}
	if errCreate := h.db.WithContext(c.Request.Context()).Create(&user).Error; errCreate != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "create user failed"})
		return
	}
	c.JSON(http.StatusCreated, serializeUser(&user))
}

// Update modifies a user.
func (h *UserHandler) Update(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var body userRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	var user models.User
	if errFind := h.db.WithContext(c.Request.Context()).First(&user, id).Error; errFind != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	updates := map[string]any{}
	if username := strings.TrimSpace(body.Username); username != "" {
		updates["username"] = username
	}
	if email := strings.TrimSpace(body.Email); email != "" {
		updates["email"] = email
	}
	if body.Active != nil {
		updates["active"] = *body.Active
	}
	if len(updates) > 0 {
		if errSave := h.db.WithContext(c.Request.Context()).Model(&user).Updates(updates).Error; errSave != nil {
			c.JSON(http.StatusConflict, gin.H{"error": "update user failed"})
			return
		}
	}
	c.JSON(http.StatusOK, serializeUser(&user))
}

// Delete removes a user. Usage rows keep their attribution columns; API keys
// bound to the user are detached, not deleted.
func (h *UserHandler) Delete(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	ctx := c.Request.Context()
	errDelete := h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errDetach := tx.Model(&models.APIKey{}).Where("user_id = ?", id).Update("user_id", nil).Error; errDetach != nil {
			return errDetach
		}
		if errAccounts := tx.Where("user_id = ?", id).Delete(&models.OAuthAccount{}).Error; errAccounts != nil {
			return errAccounts
		}
		return tx.Delete(&models.User{}, id).Error
	})
	if errDelete != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete user failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func serializeUser(user *models.User) gin.H {
	return gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"email":      user.Email,
		"active":     user.Active,
		"created_at": user.CreatedAt,
		"updated_at": user.UpdatedAt,
	}
}
