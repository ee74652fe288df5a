package models

import "time"

// OAuthAccount records ownership of an OAuth-connected upstream account.
type OAuthAccount struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID uint64 `gorm:"not null;index"`    // Owning user ID.
	User   *User  `gorm:"foreignKey:UserID"` // Associated user record.

	Provider    string `gorm:"type:text;not null"`       // Upstream provider name.
	AccountName string `gorm:"type:text;not null;index"` // Account display name.
	Email       string `gorm:"type:text"`                // Optional account email.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
