package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/router-for-me/CLIProxyDashboard/internal/collector"
	"github.com/router-for-me/CLIProxyDashboard/internal/config"
	"github.com/router-for-me/CLIProxyDashboard/internal/models"
	"github.com/router-for-me/CLIProxyDashboard/internal/security"
	"github.com/router-for-me/CLIProxyDashboard/internal/upstream"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const adminTestUsage = `{
	"total_requests": 1, "success_count": 1, "failure_count": 0, "total_tokens": 30,
	"apis": {"g": {"total_requests": 1, "total_tokens": 30, "models": {"m": {"total_requests": 1, "total_tokens": 30, "details": [
		{"timestamp": "2026-08-01T10:00:00Z", "source": "alice", "auth_index": "idx-1", "tokens": {"input": 20, "output": 10, "total": 30}}
	]}}}}
}`

func openAdminTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:admin_%s_%d?mode=memory&cache=shared", t.Name(), time.Now().UnixNano())
	db, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.AutoMigrate(
		&models.Admin{},
		&models.User{},
		&models.APIKey{},
		&models.OAuthAccount{},
		&models.UsageRecord{},
		&models.CollectorState{},
		&models.Setting{},
	); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return db
}

func newAdminTestEngine(t *testing.T, db *gorm.DB, cfg *config.Config) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mux := http.NewServeMux()
	mux.HandleFunc("/v0/management/usage", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(adminTestUsage))
	})
	mux.HandleFunc("/v0/management/auth-files", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})
	mux.HandleFunc("/v0/management/api-keys", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	col := collector.New(db, upstream.NewClient(srv.URL, "mgmt-secret"))
	engine := gin.New()
	RegisterAdminRoutes(engine, db, cfg, col)
	return engine
}

func adminTestConfig() *config.Config {
	return &config.Config{
		JWT:       config.JWTConfig{Secret: "jwt-secret", ExpiryHours: 1},
		Collector: config.CollectorConfig{Secret: "cron-secret", AllowedOrigins: []string{"https://dash.example.com"}},
	}
}

func seedAdmin(t *testing.T, db *gorm.DB, totpSecret string) models.Admin {
	t.Helper()
	hash, errHash := security.HashPassword("hunter22")
	if errHash != nil {
		t.Fatalf("hash: %v", errHash)
	}
	admin := models.Admin{Username: "root", Password: hash, Active: true, TOTPSecret: totpSecret}
	if errCreate := db.Create(&admin).Error; errCreate != nil {
		t.Fatalf("create admin: %v", errCreate)
	}
	return admin
}

func doJSON(engine *gin.Engine, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func TestLoginIssuesToken(t *testing.T) {
	db := openAdminTestDB(t)
	seedAdmin(t, db, "")
	engine := newAdminTestEngine(t, db, adminTestConfig())

	rec := doJSON(engine, http.MethodPost, "/api/admin/login", `{"username": "root", "password": "hunter22"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}

	var out struct {
		Token string `json:"token"`
	}
	if errDecode := json.Unmarshal(rec.Body.Bytes(), &out); errDecode != nil {
		t.Fatalf("decode: %v", errDecode)
	}
	if out.Token == "" {
		t.Fatalf("expected a token")
	}

	claims, errParse := security.ParseAdminToken("jwt-secret", out.Token)
	if errParse != nil {
		t.Fatalf("parse token: %v", errParse)
	}
	if claims.Username != "root" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	db := openAdminTestDB(t)
	seedAdmin(t, db, "")
	engine := newAdminTestEngine(t, db, adminTestConfig())

	rec := doJSON(engine, http.MethodPost, "/api/admin/login", `{"username": "root", "password": "wrong"}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestLoginDemandsTOTPWhenEnabled(t *testing.T) {
	db := openAdminTestDB(t)
	seedAdmin(t, db, "JBSWY3DPEHPK3PXP")
	engine := newAdminTestEngine(t, db, adminTestConfig())

	rec := doJSON(engine, http.MethodPost, "/api/admin/login", `{"username": "root", "password": "hunter22"}`, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestCollectAcceptsCollectorSecret(t *testing.T) {
	db := openAdminTestDB(t)
	engine := newAdminTestEngine(t, db, adminTestConfig())

	rec := doJSON(engine, http.MethodPost, "/api/admin/usage/collect", "", map[string]string{
		"Authorization": "Bearer cron-secret",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}

	var out struct {
		Stored int `json:"stored"`
	}
	if errDecode := json.Unmarshal(rec.Body.Bytes(), &out); errDecode != nil {
		t.Fatalf("decode: %v", errDecode)
	}
	if out.Stored != 1 {
		t.Fatalf("expected 1 stored, got %d", out.Stored)
	}
}

func TestCollectRejectsAnonymousCaller(t *testing.T) {
	db := openAdminTestDB(t)
	engine := newAdminTestEngine(t, db, adminTestConfig())

	rec := doJSON(engine, http.MethodPost, "/api/admin/usage/collect", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestCollectChecksOriginForAdminSession(t *testing.T) {
	db := openAdminTestDB(t)
	admin := seedAdmin(t, db, "")
	engine := newAdminTestEngine(t, db, adminTestConfig())

	token, errToken := security.GenerateAdminToken("jwt-secret", admin.ID, admin.Username, time.Hour)
	if errToken != nil {
		t.Fatalf("token: %v", errToken)
	}

	rec := doJSON(engine, http.MethodPost, "/api/admin/usage/collect", "", map[string]string{
		"Authorization": "Bearer " + token,
		"Origin":        "https://evil.example.com",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for disallowed origin, got %d", rec.Code)
	}

	rec = doJSON(engine, http.MethodPost, "/api/admin/usage/collect", "", map[string]string{
		"Authorization": "Bearer " + token,
		"Origin":        "https://dash.example.com",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for allowed origin, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestCollectorStatusRequiresAdminSession(t *testing.T) {
	db := openAdminTestDB(t)
	engine := newAdminTestEngine(t, db, adminTestConfig())

	rec := doJSON(engine, http.MethodGet, "/api/admin/usage/collector", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestCollectorStatusAfterRun(t *testing.T) {
	db := openAdminTestDB(t)
	admin := seedAdmin(t, db, "")
	engine := newAdminTestEngine(t, db, adminTestConfig())

	if rec := doJSON(engine, http.MethodPost, "/api/admin/usage/collect", "", map[string]string{
		"Authorization": "Bearer cron-secret",
	}); rec.Code != http.StatusOK {
		t.Fatalf("trigger: expected 200, got %d", rec.Code)
	}

	token, errToken := security.GenerateAdminToken("jwt-secret", admin.ID, admin.Username, time.Hour)
	if errToken != nil {
		t.Fatalf("token: %v", errToken)
	}
	rec := doJSON(engine, http.MethodGet, "/api/admin/usage/collector", "", map[string]string{
		"Authorization": "Bearer " + token,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}

	var out struct {
		Collected  bool   `json:"collected"`
		LastStatus string `json:"last_status"`
	}
	if errDecode := json.Unmarshal(rec.Body.Bytes(), &out); errDecode != nil {
		t.Fatalf("decode: %v", errDecode)
	}
	if !out.Collected || out.LastStatus != models.CollectorStatusSuccess {
		t.Fatalf("unexpected status body: %s", rec.Body.String())
	}
}
