package handlers

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/png"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyDashboard/internal/models"
	"github.com/router-for-me/CLIProxyDashboard/internal/security"
	"github.com/router-for-me/CLIProxyDashboard/internal/settings"
	"gorm.io/gorm"
)

// MFAHandler handles TOTP MFA endpoints for admins.
type MFAHandler struct {
	db *gorm.DB
}

// NewMFAHandler constructs an MFAHandler.
func NewMFAHandler(db *gorm.DB) *MFAHandler {
	return &MFAHandler{db: db}
}

// secretEntry stores a TOTP secret with expiry.
type secretEntry struct {
	secret  string
	expires time.Time
}

// secretStore keeps pending TOTP secrets in memory until confirmed.
type secretStore struct {
	mu    sync.Mutex
	items map[string]secretEntry
}

func newSecretStore() *secretStore {
	return &secretStore{items: make(map[string]secretEntry)}
}

// Set stores a secret with expiry.
func (s *secretStore) Set(key, secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = secretEntry{secret: secret, expires: time.Now().Add(10 * time.Minute)}
}

// Get returns a secret if present and not expired.
func (s *secretStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.items[key]
	if !ok {
		return "", false
	}
	if time.Now().After(entry.expires) {
		delete(s.items, key)
		return "", false
	}
	return entry.secret, true
}

// Delete removes a secret entry.
func (s *secretStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
}

// totpPendingSecrets stores pending TOTP secrets awaiting confirmation.
var totpPendingSecrets = newSecretStore()

// Status returns MFA enablement status for the admin.
func (h *MFAHandler) Status(c *gin.Context) {
	adminID, ok := readAdminIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "admin not found"})
		return
	}

	var admin models.Admin
	if errFind := h.db.WithContext(c.Request.Context()).Select("id", "totp_secret").First(&admin, adminID).Error; errFind != nil {
		if errFind == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"totp_enabled": strings.TrimSpace(admin.TOTPSecret) != "",
	})
}

// PrepareTOTP generates a new TOTP secret and QR code.
func (h *MFAHandler) PrepareTOTP(c *gin.Context) {
	adminID, ok := readAdminIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "admin not found"})
		return
	}

	var admin models.Admin
	if errFind := h.db.WithContext(c.Request.Context()).Select("id", "username").First(&admin, adminID).Error; errFind != nil {
		if errFind == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	issuer := settings.DefaultSiteName
	if name, okName := settings.StringValue(settings.SiteNameKey); okName && strings.TrimSpace(name) != "" {
		issuer = name
	}
	key, errGenerate := security.GenerateTOTPSecret(issuer, admin.Username)
	if errGenerate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "generate totp secret failed"})
		return
	}

	totpPendingSecrets.Set(fmt.Sprintf("%d", admin.ID), key.Secret())
	qrImage := ""
	if img, errImage := key.Image(220, 220); errImage == nil {
		var buf bytes.Buffer
		if errEncode := png.Encode(&buf, img); errEncode == nil {
			qrImage = "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"secret":      key.Secret(),
		"otpauth_url": key.URL(),
		"qr_image":    qrImage,
	})
}

// totpCodeRequest defines a request body carrying a TOTP code.
type totpCodeRequest struct {
	Code string `json:"code"`
}

// ConfirmTOTP validates a pending secret and enables TOTP for the admin.
func (h *MFAHandler) ConfirmTOTP(c *gin.Context) {
	adminID, ok := readAdminIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "admin not found"})
		return
	}
	var body totpCodeRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	code := strings.TrimSpace(body.Code)
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing code"})
		return
	}

	secret, ok := totpPendingSecrets.Get(fmt.Sprintf("%d", adminID))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "totp setup expired"})
		return
	}

	if !security.VerifyTOTP(secret, code) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid code"})
		return
	}

	if errSave := h.db.WithContext(c.Request.Context()).Model(&models.Admin{}).
		Where("id = ?", adminID).
		Update("totp_secret", secret).Error; errSave != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enable totp failed"})
		return
	}
	totpPendingSecrets.Delete(fmt.Sprintf("%d", adminID))

	c.JSON(http.StatusOK, gin.H{"totp_enabled": true})
}

// DisableTOTP turns TOTP off after verifying a current code.
func (h *MFAHandler) DisableTOTP(c *gin.Context) {
	adminID, ok := readAdminIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "admin not found"})
		return
	}
	var body totpCodeRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	var admin models.Admin
	if errFind := h.db.WithContext(c.Request.Context()).Select("id", "totp_secret").First(&admin, adminID).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	if strings.TrimSpace(admin.TOTPSecret) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "totp not enabled"})
		return
	}
	if !security.VerifyTOTP(admin.TOTPSecret, strings.TrimSpace(body.Code)) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid code"})
		return
	}

	if errSave := h.db.WithContext(c.Request.Context()).Model(&models.Admin{}).
		Where("id = ?", adminID).
		Update("totp_secret", "").Error; errSave != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "disable totp failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"totp_enabled": false})
}
