package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyDashboard/internal/config"
	"github.com/router-for-me/CLIProxyDashboard/internal/models"
	"github.com/router-for-me/CLIProxyDashboard/internal/security"
	"gorm.io/gorm"
)

// AuthHandler handles admin authentication endpoints.
type AuthHandler struct {
	db     *gorm.DB
	jwtCfg config.JWTConfig
}

// NewAuthHandler constructs an AuthHandler.
func NewAuthHandler(db *gorm.DB, jwtCfg config.JWTConfig) *AuthHandler {
	return &AuthHandler{db: db, jwtCfg: jwtCfg}
}

// loginRequest defines the request body for admin login.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Code     string `json:"code"`
}

// Login authenticates an admin and issues a JWT if MFA is not required.
func (h *AuthHandler) Login(c *gin.Context) {
	admin, ok := h.checkCredentials(c)
	if !ok {
		return
	}

	if strings.TrimSpace(admin.TOTPSecret) != "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "mfa required"})
		return
	}

	h.respondWithAdminToken(c, admin)
}

// LoginTOTP authenticates an admin with password plus a TOTP code.
func (h *AuthHandler) LoginTOTP(c *gin.Context) {
	admin, ok := h.checkCredentials(c)
	if !ok {
		return
	}

	if strings.TrimSpace(admin.TOTPSecret) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mfa not enabled"})
		return
	}

	code := strings.TrimSpace(c.GetString("loginCode"))
	if !security.VerifyTOTP(admin.TOTPSecret, code) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid code"})
		return
	}

	h.respondWithAdminToken(c, admin)
}

// checkCredentials binds the login body and verifies username and password.
func (h *AuthHandler) checkCredentials(c *gin.Context) (models.Admin, bool) {
	var body loginRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return models.Admin{}, false
	}

	username := strings.TrimSpace(body.Username)
	password := strings.TrimSpace(body.Password)
	if username == "" || password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return models.Admin{}, false
	}
	c.Set("loginCode", strings.TrimSpace(body.Code))

	var admin models.Admin
	if errFind := h.db.WithContext(c.Request.Context()).Where("username = ?", username).First(&admin).Error; errFind != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return models.Admin{}, false
	}

	if !admin.Active {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin account is disabled"})
		return models.Admin{}, false
	}

	if !security.CheckPassword(admin.Password, password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return models.Admin{}, false
	}

	return admin, true
}

// respondWithAdminToken generates a JWT and responds with admin info.
func (h *AuthHandler) respondWithAdminToken(c *gin.Context, admin models.Admin) {
	token, errToken := security.GenerateAdminToken(h.jwtCfg.Secret, admin.ID, admin.Username, h.jwtCfg.Expiry())
	if errToken != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "generate token failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token": token,
		"admin": gin.H{
			"id":       admin.ID,
			"username": admin.Username,
		},
	})
}
