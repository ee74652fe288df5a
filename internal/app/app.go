package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/router-for-me/CLIProxyDashboard/internal/collector"
	"github.com/router-for-me/CLIProxyDashboard/internal/config"
	"github.com/router-for-me/CLIProxyDashboard/internal/db"
	adminapi "github.com/router-for-me/CLIProxyDashboard/internal/http/api/admin"
	"github.com/router-for-me/CLIProxyDashboard/internal/http/api/admin/handlers"
	"github.com/router-for-me/CLIProxyDashboard/internal/logging"
	"github.com/router-for-me/CLIProxyDashboard/internal/models"
	"github.com/router-for-me/CLIProxyDashboard/internal/security"
	"github.com/router-for-me/CLIProxyDashboard/internal/settings"
	"github.com/router-for-me/CLIProxyDashboard/internal/upstream"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// shutdownGrace bounds how long in-flight requests may finish on shutdown.
const shutdownGrace = 10 * time.Second

// Run boots the dashboard server and blocks until ctx is canceled or the
// listener fails.
func Run(ctx context.Context, configPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, errLoad := config.Load(configPath)
	if errLoad != nil {
		return errLoad
	}
	logging.Setup(cfg.Log)

	conn, errOpen := db.Open(cfg.DatabaseDSN)
	if errOpen != nil {
		return errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}

	if errRefresh := settings.Refresh(ctx, conn); errRefresh != nil {
		return errRefresh
	}
	if errSeed := ensureAdmin(ctx, conn); errSeed != nil {
		return errSeed
	}

	client := upstream.NewClient(cfg.Management.BaseURL, cfg.Management.Secret)
	if !client.HasSecret() {
		log.Warn("app: management secret not configured, collection runs will fail")
	}
	col := collector.New(conn, client)
	collector.NewScheduler(col).Start(ctx)

	engine := buildEngine(conn, cfg, col)
	server := &http.Server{Addr: cfg.Listen, Handler: engine}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
			log.WithError(errShutdown).Warn("app: server shutdown")
		}
	}()

	log.Infof("app: listening on %s", cfg.Listen)
	if errServe := server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
		return errServe
	}
	return nil
}

// Migrate opens the database and runs migrations only.
func Migrate(ctx context.Context, configPath string) error {
	cfg, errLoad := config.Load(configPath)
	if errLoad != nil {
		return errLoad
	}
	logging.Setup(cfg.Log)

	conn, errOpen := db.Open(cfg.DatabaseDSN)
	if errOpen != nil {
		return errOpen
	}
	return db.Migrate(conn)
}

func buildEngine(conn *gorm.DB, cfg *config.Config, col *collector.Collector) *gin.Engine {
	if !strings.EqualFold(strings.TrimSpace(cfg.Log.Level), "debug") {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", handlers.Healthz)
	adminapi.RegisterAdminRoutes(engine, conn, cfg, col)
	return engine
}

// ensureAdmin seeds a bootstrap admin account when none exists, logging the
// generated password once so the surface is usable on first run.
func ensureAdmin(ctx context.Context, conn *gorm.DB) error {
	var count int64
	if errCount := conn.WithContext(ctx).Model(&models.Admin{}).Count(&count).Error; errCount != nil {
		return errCount
	}
	if count > 0 {
		return nil
	}

	password, errGenerate := security.GenerateRandomString(16)
	if errGenerate != nil {
		return errGenerate
	}
	hash, errHash := security.HashPassword(password)
	if errHash != nil {
		return errHash
	}

	admin := models.Admin{Username: "admin", Password: hash, Active: true}
	if errCreate := conn.WithContext(ctx).Create(&admin).Error; errCreate != nil {
		return errCreate
	}
	log.Warnf("app: seeded bootstrap admin %q with password %q, change it after first login", admin.Username, password)
	return nil
}
