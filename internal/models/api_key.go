package models

import "time"

// APIKey represents an API key issued to a user.
type APIKey struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID *uint64 `gorm:"index"`             // Owning user ID when bound to a user.
	User   *User   `gorm:"foreignKey:UserID"` // Associated user record.

	Name   string `gorm:"type:text;not null"`             // Display name for the key.
	APIKey string `gorm:"type:text;not null;uniqueIndex"` // Full API key string.

	Active     bool       `gorm:"not null;default:true"` // Whether the key is enabled.
	LastUsedAt *time.Time // Last successful usage time.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
