package models

import (
	"time"

	"gorm.io/datatypes"
)

// CollectorStateID is the fixed primary key of the singleton collector state row.
const CollectorStateID uint64 = 1

// Collector run status values.
const (
	// CollectorStatusSuccess marks a run that completed and stored its records.
	CollectorStatusSuccess = "success"
	// CollectorStatusError marks a run that failed before storing records.
	CollectorStatusError = "error"
)

// CollectorState is the singleton durable record of the last collector run.
// It is created on the first run and overwritten on every subsequent run.
type CollectorState struct {
	ID uint64 `gorm:"primaryKey"` // Fixed singleton key.

	LastCollectedAt time.Time `gorm:"not null"`                      // Timestamp of the last run.
	LastStatus      string    `gorm:"type:text;not null"`            // "success" or "error".
	RecordsStored   int64     `gorm:"not null;default:0"`            // Rows stored by the last run.
	ErrorMessage    string    `gorm:"type:text;not null;default:''"` // Short error message for failed runs.

	RunDetail datatypes.JSON `gorm:"type:jsonb"` // Structured counts from the last run.

	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
