package collector

import (
	"context"
	"errors"
	"strings"

	"github.com/router-for-me/CLIProxyDashboard/internal/models"
	"github.com/router-for-me/CLIProxyDashboard/internal/security"
	"github.com/router-for-me/CLIProxyDashboard/internal/upstream"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// keyIdentity pairs an API key with its owning user, when bound.
type keyIdentity struct {
	apiKeyID uint64
	userID   *uint64
}

// authFileRef is the subset of an auth file entry the resolver consults.
type authFileRef struct {
	fileName string
	email    string
}

// Resolution is the outcome of attributing one request detail. Both fields
// stay nil when no tier matches; the record is stored regardless.
type Resolution struct {
	UserID   *uint64
	APIKeyID *uint64
}

// ResolutionContext bundles the lookup tables built once per run from a
// single consistent read of the identity directory plus the fetched auth
// file list.
type ResolutionContext struct {
	fullKeyMap      map[string]keyIdentity
	prefixKeyMap    map[string]keyIdentity
	sourceToUser    map[string]uint64
	authIndexToFile map[string]authFileRef
	userFirstKey    map[uint64]uint64
}

// BuildResolutionContext loads the identity directory in one transaction and
// merges it with the auth file list into per-run lookup tables.
func BuildResolutionContext(ctx context.Context, db *gorm.DB, authFiles []upstream.AuthFile) (*ResolutionContext, error) {
	if db == nil {
		return nil, errors.New("collector: nil db")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		keys     []models.APIKey
		accounts []models.OAuthAccount
		users    []models.User
	)
	// One transaction so the maps never mix a half-updated directory.
	errLoad := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errKeys := tx.Order("created_at ASC, id ASC").Find(&keys).Error; errKeys != nil {
			return errKeys
		}
		if errAccounts := tx.Order("id ASC").Find(&accounts).Error; errAccounts != nil {
			return errAccounts
		}
		return tx.Order("id ASC").Find(&users).Error
	})
	if errLoad != nil {
		return nil, errLoad
	}

	rc := &ResolutionContext{
		fullKeyMap:      make(map[string]keyIdentity, len(keys)),
		prefixKeyMap:    make(map[string]keyIdentity, len(keys)),
		sourceToUser:    make(map[string]uint64),
		authIndexToFile: make(map[string]authFileRef, len(authFiles)),
		userFirstKey:    make(map[uint64]uint64),
	}

	for _, key := range keys {
		secret := strings.TrimSpace(key.APIKey)
		if secret == "" {
			continue
		}
		identity := keyIdentity{apiKeyID: key.ID, userID: key.UserID}
		rc.fullKeyMap[secret] = identity

		stripped := strings.TrimPrefix(secret, security.APIKeyPrefix)
		if len(stripped) >= security.APIKeyHintLength {
			rc.prefixKeyMap[stripped[:security.APIKeyHintLength]] = identity
		}

		if key.UserID != nil {
			if _, seen := rc.userFirstKey[*key.UserID]; !seen {
				rc.userFirstKey[*key.UserID] = key.ID
			}
		}
	}

	// Insertion order defines the collision tie-break: OAuth emails, then
	// OAuth account names, then usernames. Last write wins.
	for _, account := range accounts {
		rc.addSourceLabel(account.Email, account.UserID)
	}
	for _, account := range accounts {
		rc.addSourceLabel(account.AccountName, account.UserID)
	}
	for _, user := range users {
		rc.addSourceLabel(user.Username, user.ID)
	}

	for _, file := range authFiles {
		authIndex := strings.TrimSpace(file.AuthIndex)
		if authIndex == "" {
			continue
		}
		rc.authIndexToFile[authIndex] = authFileRef{
			fileName: strings.TrimSpace(file.FileName),
			email:    strings.TrimSpace(file.Email),
		}
	}

	return rc, nil
}

func (rc *ResolutionContext) addSourceLabel(label string, userID uint64) {
	normalized := strings.ToLower(strings.TrimSpace(label))
	if normalized == "" || userID == 0 {
		return
	}
	if existing, ok := rc.sourceToUser[normalized]; ok && existing != userID {
		log.Debugf("usage collector: source label %q remapped from user %d to user %d", normalized, existing, userID)
	}
	rc.sourceToUser[normalized] = userID
}

// Resolve attributes one request detail to a user and API key through a
// strict short-circuiting priority chain: exact full-secret match, auth file
// identity, source label, then truncated key prefix. A user match without a
// key is backfilled with the user's first-created key.
func (rc *ResolutionContext) Resolve(detail upstream.RequestDetail, apiGroupKey string) Resolution {
	if rc == nil {
		return Resolution{}
	}

	apiGroupKey = strings.TrimSpace(apiGroupKey)
	if strings.HasPrefix(apiGroupKey, security.APIKeyPrefix) {
		if identity, ok := rc.fullKeyMap[apiGroupKey]; ok {
			keyID := identity.apiKeyID
			return Resolution{UserID: identity.userID, APIKeyID: &keyID}
		}
	}

	var resolution Resolution

	if file, ok := rc.authIndexToFile[detail.AuthIndex]; ok {
		if userID, okUser := rc.lookupSource(file.fileName); okUser {
			resolution.UserID = &userID
		} else if userID, okUser := rc.lookupSource(file.email); okUser {
			resolution.UserID = &userID
		}
	}

	if resolution.UserID == nil && detail.Source != "" {
		if userID, okUser := rc.lookupSource(detail.Source); okUser {
			resolution.UserID = &userID
		}
	}

	if resolution.UserID == nil {
		if identity, ok := rc.prefixKeyMap[detail.AuthIndex]; ok {
			keyID := identity.apiKeyID
			resolution.UserID = identity.userID
			resolution.APIKeyID = &keyID
		}
	}

	if resolution.UserID != nil && resolution.APIKeyID == nil {
		if keyID, ok := rc.userFirstKey[*resolution.UserID]; ok {
			resolution.APIKeyID = &keyID
		}
	}

	return resolution
}

func (rc *ResolutionContext) lookupSource(label string) (uint64, bool) {
	normalized := strings.ToLower(strings.TrimSpace(label))
	if normalized == "" {
		return 0, false
	}
	userID, ok := rc.sourceToUser[normalized]
	return userID, ok
}
