package admin

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyDashboard/internal/collector"
	"github.com/router-for-me/CLIProxyDashboard/internal/config"
	"github.com/router-for-me/CLIProxyDashboard/internal/http/api/admin/handlers"
	"github.com/router-for-me/CLIProxyDashboard/internal/models"
	"github.com/router-for-me/CLIProxyDashboard/internal/security"
	"gorm.io/gorm"
)

// RegisterAdminRoutes registers the admin API surface.
func RegisterAdminRoutes(r *gin.Engine, db *gorm.DB, cfg *config.Config, col *collector.Collector) {
	if r == nil || db == nil || cfg == nil {
		return
	}

	group := r.Group("/api/admin")

	authHandler := handlers.NewAuthHandler(db, cfg.JWT)
	group.POST("/login", authHandler.Login)
	group.POST("/login/totp", authHandler.LoginTOTP)

	usageHandler := handlers.NewUsageHandler(db, col)
	// The trigger has its own gate: scheduled callers present the collector
	// secret and bypass session and origin checks entirely.
	group.POST("/usage/collect", collectTriggerMiddleware(db, cfg), usageHandler.Collect)

	authed := group.Group("")
	authed.Use(adminAuthMiddleware(db, cfg.JWT))

	mfaHandler := handlers.NewMFAHandler(db)
	authed.GET("/mfa/status", mfaHandler.Status)
	authed.POST("/mfa/totp/prepare", mfaHandler.PrepareTOTP)
	authed.POST("/mfa/totp/confirm", mfaHandler.ConfirmTOTP)
	authed.POST("/mfa/totp/disable", mfaHandler.DisableTOTP)

	userHandler := handlers.NewUserHandler(db)
	authed.GET("/users", userHandler.List)
	authed.POST("/users", userHandler.Create)
	authed.PUT("/users/:id", userHandler.Update)
	authed.DELETE("/users/:id", userHandler.Delete)

	apiKeyHandler := handlers.NewAPIKeyHandler(db)
	authed.GET("/api-keys", apiKeyHandler.List)
	authed.POST("/api-keys", apiKeyHandler.Create)
	authed.PUT("/api-keys/:id", apiKeyHandler.Update)
	authed.DELETE("/api-keys/:id", apiKeyHandler.Delete)

	oauthHandler := handlers.NewOAuthAccountHandler(db)
	authed.GET("/oauth-accounts", oauthHandler.List)
	authed.POST("/oauth-accounts", oauthHandler.Create)
	authed.PUT("/oauth-accounts/:id", oauthHandler.Update)
	authed.DELETE("/oauth-accounts/:id", oauthHandler.Delete)

	settingsHandler := handlers.NewSettingsHandler(db)
	authed.GET("/settings", settingsHandler.Get)
	authed.PUT("/settings", settingsHandler.Update)

	authed.GET("/usage", usageHandler.List)
	authed.GET("/usage/collector", usageHandler.CollectorStatus)
}

// adminAuthMiddleware validates admin JWTs and loads the admin into context.
func adminAuthMiddleware(db *gorm.DB, jwtCfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		admin, ok := authenticateAdmin(c, db, jwtCfg)
		if !ok {
			return
		}
		c.Set("adminID", admin.ID)
		c.Next()
	}
}

// collectTriggerMiddleware gates the collection trigger. A matching collector
// secret authorizes scheduled callers directly; otherwise an admin session
// plus an origin check is required.
func collectTriggerMiddleware(db *gorm.DB, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		secret := strings.TrimSpace(cfg.Collector.Secret)
		if secret != "" && token != "" &&
			subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1 {
			c.Next()
			return
		}

		admin, ok := authenticateAdmin(c, db, cfg.JWT)
		if !ok {
			return
		}
		if !originAllowed(c, cfg.Collector.AllowedOrigins) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
			return
		}
		c.Set("adminID", admin.ID)
		c.Next()
	}
}

// authenticateAdmin reads the Bearer JWT and loads the active admin. On
// failure it writes the error response and aborts.
func authenticateAdmin(c *gin.Context, db *gorm.DB, jwtCfg config.JWTConfig) (models.Admin, bool) {
	token := bearerToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
		return models.Admin{}, false
	}

	claims, errJWT := security.ParseAdminToken(jwtCfg.Secret, token)
	if errJWT != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return models.Admin{}, false
	}

	var admin models.Admin
	if errFind := db.WithContext(c.Request.Context()).First(&admin, claims.AdminID).Error; errFind != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin not found"})
		return models.Admin{}, false
	}
	if !admin.Active {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin disabled"})
		return models.Admin{}, false
	}
	return admin, true
}

// bearerToken extracts a Bearer token from the Authorization header.
func bearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == authHeader {
		return ""
	}
	return strings.TrimSpace(token)
}

// originAllowed checks the Origin (or Referer) header against the allowlist.
// An empty allowlist disables the check.
func originAllowed(c *gin.Context, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	origin := strings.TrimSpace(c.GetHeader("Origin"))
	if origin == "" {
		origin = strings.TrimSpace(c.GetHeader("Referer"))
	}
	if origin == "" {
		return false
	}
	origin = strings.TrimRight(origin, "/")
	for _, entry := range allowed {
		entry = strings.TrimRight(strings.TrimSpace(entry), "/")
		if entry == "" {
			continue
		}
		if origin == entry || strings.HasPrefix(origin, entry+"/") {
			return true
		}
	}
	return false
}
