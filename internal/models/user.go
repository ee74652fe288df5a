package models

import "time"

// User represents an end user known to the dashboard.
type User struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Username string `gorm:"type:text;not null;uniqueIndex"` // Unique login name.
	Email    string `gorm:"type:text"`                      // Optional contact email.

	Active bool `gorm:"not null;default:true"` // Whether the user is enabled.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
