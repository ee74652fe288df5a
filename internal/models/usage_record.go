package models

import "time"

// UsageRecord is the durable, attributed form of one upstream request detail.
// Rows are append-only; the composite unique index enforces duplicate-skip
// semantics when the collector re-processes overlapping snapshots.
type UsageRecord struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	AuthIndex   string    `gorm:"type:text;not null;default:'';uniqueIndex:idx_usage_records_dedup,priority:1"` // Upstream credential identifier.
	Model       string    `gorm:"type:text;not null;index;uniqueIndex:idx_usage_records_dedup,priority:2"`      // Model name.
	RequestedAt time.Time `gorm:"not null;index;uniqueIndex:idx_usage_records_dedup,priority:3"`                // Request timestamp.
	Source      string    `gorm:"type:text;not null;default:'';uniqueIndex:idx_usage_records_dedup,priority:4"` // Free-text source label.

	APIKeyID *uint64 `gorm:"index"` // Attributed API key ID, when resolved.
	UserID   *uint64 `gorm:"index"` // Attributed user ID, when resolved.

	Failed bool `gorm:"not null;default:false"` // Failure flag.

	InputTokens     int64 `gorm:"not null;default:0"` // Input token count.
	OutputTokens    int64 `gorm:"not null;default:0"` // Output token count.
	ReasoningTokens int64 `gorm:"not null;default:0"` // Reasoning token count.
	CachedTokens    int64 `gorm:"not null;default:0"` // Cached token count.
	TotalTokens     int64 `gorm:"not null;default:0"` // Total token count.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
