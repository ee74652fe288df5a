package settings

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/router-for-me/CLIProxyDashboard/internal/models"

	"gorm.io/gorm"
)

// snapshot holds the in-memory DB config values.
type snapshot struct {
	updatedAt time.Time
	values    map[string]json.RawMessage
}

// globalSnapshot stores the latest snapshot atomically.
var globalSnapshot atomic.Value // stores snapshot

func init() {
	globalSnapshot.Store(snapshot{values: map[string]json.RawMessage{}})
}

// Refresh reloads all settings from the database into the in-memory snapshot.
//
// Required at process startup; until then Value() returns nothing for every key.
func Refresh(ctx context.Context, db *gorm.DB) error {
	if db == nil {
		return errors.New("settings: nil db")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var rows []models.Setting
	if errFind := db.WithContext(ctx).
		Select("key", "value", "updated_at").
		Order("key ASC").
		Find(&rows).Error; errFind != nil {
		return errFind
	}

	values := make(map[string]json.RawMessage, len(rows))
	maxUpdatedAt := time.Time{}
	for _, row := range rows {
		key := strings.TrimSpace(row.Key)
		if key == "" {
			continue
		}
		copied := make([]byte, len(row.Value))
		copy(copied, row.Value)
		values[key] = copied
		if rowUpdatedAt := row.UpdatedAt.UTC(); rowUpdatedAt.After(maxUpdatedAt) {
			maxUpdatedAt = rowUpdatedAt
		}
	}

	globalSnapshot.Store(snapshot{updatedAt: maxUpdatedAt, values: values})
	return nil
}

// Value returns a copy of the raw config value for a key.
func Value(key string) (json.RawMessage, bool) {
	current := load()
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false
	}
	val, ok := current.values[key]
	if !ok {
		return nil, false
	}
	copied := make([]byte, len(val))
	copy(copied, val)
	return copied, true
}

// IntValue returns the config value for a key parsed as an integer.
func IntValue(key string) (int, bool) {
	raw, ok := Value(key)
	if !ok {
		return 0, false
	}
	return parseInt(raw)
}

// BoolValue returns the config value for a key parsed as a boolean.
func BoolValue(key string) (bool, bool) {
	raw, ok := Value(key)
	if !ok {
		return false, false
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return false, false
	}
	var b bool
	if errUnmarshal := json.Unmarshal([]byte(trimmed), &b); errUnmarshal == nil {
		return b, true
	}
	var s string
	if errUnmarshal := json.Unmarshal([]byte(trimmed), &s); errUnmarshal == nil {
		return strings.EqualFold(strings.TrimSpace(s), "true"), true
	}
	return false, false
}

// StringValue returns the config value for a key parsed as a string.
func StringValue(key string) (string, bool) {
	raw, ok := Value(key)
	if !ok {
		return "", false
	}
	var s string
	if errUnmarshal := json.Unmarshal(raw, &s); errUnmarshal == nil {
		return s, true
	}
	return strings.TrimSpace(string(raw)), true
}

// UpdatedAt returns the last update timestamp for the snapshot.
func UpdatedAt() time.Time {
	return load().updatedAt
}

func load() snapshot {
	v := globalSnapshot.Load()
	current, ok := v.(snapshot)
	if !ok || current.values == nil {
		return snapshot{values: map[string]json.RawMessage{}}
	}
	return current
}

func parseInt(raw json.RawMessage) (int, bool) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return 0, false
	}
	var n int
	if errUnmarshal := json.Unmarshal([]byte(trimmed), &n); errUnmarshal == nil {
		return n, true
	}
	var s string
	if errUnmarshal := json.Unmarshal([]byte(trimmed), &s); errUnmarshal == nil {
		parsed, errParse := strconv.Atoi(strings.TrimSpace(s))
		if errParse == nil {
			return parsed, true
		}
	}
	return 0, false
}
