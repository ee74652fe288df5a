package collector

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/router-for-me/CLIProxyDashboard/internal/models"

	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StateTracker owns the singleton collector state row.
type StateTracker struct {
	db *gorm.DB
}

// NewStateTracker constructs a StateTracker.
func NewStateTracker(db *gorm.DB) *StateTracker {
	return &StateTracker{db: db}
}

// runDetail is the structured summary persisted alongside the state row.
type runDetail struct {
	Processed int `json:"processed"`
	Stored    int `json:"stored"`
	Skipped   int `json:"skipped"`
}

// RecordRun upserts the singleton state row for a finished run. The write is
// best-effort: a persistence failure here is logged and never re-raised, so a
// failed run cannot fail a second time over its own bookkeeping.
func (t *StateTracker) RecordRun(ctx context.Context, status string, summary Summary, errorMessage string) {
	if t == nil || t.db == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	detail, errMarshal := json.Marshal(runDetail{
		Processed: summary.Processed,
		Stored:    summary.Stored,
		Skipped:   summary.Skipped,
	})
	if errMarshal != nil {
		detail = nil
	}

	row := models.CollectorState{
		ID:              models.CollectorStateID,
		LastCollectedAt: time.Now().UTC(),
		LastStatus:      status,
		RecordsStored:   int64(summary.Stored),
		ErrorMessage:    errorMessage,
		RunDetail:       datatypes.JSON(detail),
	}

	if errSave := t.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(&row).Error; errSave != nil {
		log.WithError(errSave).Warn("usage collector: failed to record run state")
	}
}

// Load returns the singleton state row when it exists.
func (t *StateTracker) Load(ctx context.Context) (*models.CollectorState, bool, error) {
	if t == nil || t.db == nil {
		return nil, false, errors.New("collector: state tracker not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var row models.CollectorState
	errFind := t.db.WithContext(ctx).First(&row, models.CollectorStateID).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if errFind != nil {
		return nil, false, errFind
	}
	return &row, true, nil
}
