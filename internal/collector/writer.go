package collector

import (
	"context"
	"errors"

	"github.com/router-for-me/CLIProxyDashboard/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// storeBatchSize bounds the row count per insert statement. Batching only
// limits transaction size; duplicate detection is keyed per record, so the
// batch boundary never changes which rows are skipped.
const storeBatchSize = 500

// dedupColumns is the natural key enforcing at-most-once inserts across runs.
var dedupColumns = []clause.Column{
	{Name: "auth_index"},
	{Name: "model"},
	{Name: "requested_at"},
	{Name: "source"},
}

// Writer persists attributed usage records with duplicate-skip semantics.
type Writer struct {
	db        *gorm.DB
	batchSize int
}

// NewWriter constructs a Writer with the default batch size.
func NewWriter(db *gorm.DB) *Writer {
	return &Writer{db: db, batchSize: storeBatchSize}
}

// Store inserts candidates in fixed-size batches, silently dropping rows whose
// natural key already exists. It returns how many rows were stored and how
// many were skipped as already recorded; skipped rows are never retried.
func (w *Writer) Store(ctx context.Context, candidates []models.UsageRecord) (stored int, skipped int, err error) {
	if w == nil || w.db == nil {
		return 0, 0, errors.New("collector: writer not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if len(candidates) == 0 {
		return 0, 0, nil
	}

	batchSize := w.batchSize
	if batchSize <= 0 {
		batchSize = storeBatchSize
	}

	for start := 0; start < len(candidates); start += batchSize {
		end := start + batchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		batch := candidates[start:end]

		res := w.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: dedupColumns, DoNothing: true}).
			Create(&batch)
		if res.Error != nil {
			return stored, len(candidates) - stored, res.Error
		}
		stored += int(res.RowsAffected)
	}

	return stored, len(candidates) - stored, nil
}
