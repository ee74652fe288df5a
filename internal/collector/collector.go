package collector

import (
	"context"
	"errors"
	"time"

	"github.com/router-for-me/CLIProxyDashboard/internal/models"
	"github.com/router-for-me/CLIProxyDashboard/internal/upstream"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrMissingManagementSecret indicates the upstream management secret is not
// configured; no fetch is attempted in that case.
var ErrMissingManagementSecret = errors.New("collector: management secret is not configured")

// Fixed messages persisted to the run state on failure. Raw upstream error
// detail never reaches the state row.
const (
	msgMissingSecret       = "management secret not configured"
	msgUpstreamUnavailable = "upstream unavailable"
	msgUpstreamStatus      = "upstream returned an error status"
	msgMalformedUsage      = "upstream usage payload malformed"
	msgDirectoryLoad       = "identity directory load failed"
	msgStoreFailed         = "failed to store usage records"
)

// Summary reports the outcome of one collector run.
type Summary struct {
	Processed       int
	Stored          int
	Skipped         int
	LastCollectedAt time.Time
}

// Collector runs the fetch, resolve, write, record-state pipeline.
type Collector struct {
	db      *gorm.DB
	client  *upstream.Client
	writer  *Writer
	tracker *StateTracker
}

// New constructs a Collector.
func New(db *gorm.DB, client *upstream.Client) *Collector {
	if db == nil || client == nil {
		return nil
	}
	return &Collector{
		db:      db,
		client:  client,
		writer:  NewWriter(db),
		tracker: NewStateTracker(db),
	}
}

// Tracker exposes the run-state tracker for status reads.
func (c *Collector) Tracker() *StateTracker {
	if c == nil {
		return nil
	}
	return c.tracker
}

// Run executes one collection run. Every fatal outcome records an error run
// state on a best-effort basis before returning; resolution misses and
// duplicate rows are not failures.
func (c *Collector) Run(ctx context.Context) (Summary, error) {
	if c == nil || c.db == nil {
		return Summary{}, errors.New("collector: not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if !c.client.HasSecret() {
		c.tracker.RecordRun(ctx, models.CollectorStatusError, Summary{}, msgMissingSecret)
		return Summary{}, ErrMissingManagementSecret
	}

	runID := uuid.NewString()[:8]
	log.Infof("usage collector: run %s started", runID)

	// Key sync keeps the upstream credential directory current. It is an
	// optimization, not a precondition: a failure is logged and the run
	// proceeds.
	c.syncKeys(ctx, runID)

	snapshot, authFiles, errFetch := c.client.FetchSnapshot(ctx)
	if errFetch != nil {
		log.WithError(errFetch).Errorf("usage collector: run %s fetch failed", runID)
		c.tracker.RecordRun(ctx, models.CollectorStatusError, Summary{}, fetchErrorMessage(errFetch))
		return Summary{}, errFetch
	}

	rc, errBuild := BuildResolutionContext(ctx, c.db, authFiles)
	if errBuild != nil {
		log.WithError(errBuild).Errorf("usage collector: run %s directory load failed", runID)
		c.tracker.RecordRun(ctx, models.CollectorStatusError, Summary{}, msgDirectoryLoad)
		return Summary{}, errBuild
	}

	candidates := flattenSnapshot(snapshot, rc)

	stored, skipped, errStore := c.writer.Store(ctx, candidates)
	if errStore != nil {
		log.WithError(errStore).Errorf("usage collector: run %s store failed", runID)
		c.tracker.RecordRun(ctx, models.CollectorStatusError, Summary{}, msgStoreFailed)
		return Summary{}, errStore
	}

	summary := Summary{
		Processed:       len(candidates),
		Stored:          stored,
		Skipped:         skipped,
		LastCollectedAt: time.Now().UTC(),
	}
	c.tracker.RecordRun(ctx, models.CollectorStatusSuccess, summary, "")

	log.Infof("usage collector: run %s finished (processed=%d stored=%d skipped=%d)",
		runID, summary.Processed, summary.Stored, summary.Skipped)
	return summary, nil
}

// syncKeys pushes active API keys to the upstream, best-effort.
func (c *Collector) syncKeys(ctx context.Context, runID string) {
	var keys []models.APIKey
	if errFind := c.db.WithContext(ctx).
		Select("api_key").
		Where("active = ?", true).
		Order("id ASC").
		Find(&keys).Error; errFind != nil {
		log.WithError(errFind).Warnf("usage collector: run %s key sync skipped, key load failed", runID)
		return
	}

	secrets := make([]string, 0, len(keys))
	for _, key := range keys {
		secrets = append(secrets, key.APIKey)
	}

	if errSync := c.client.SyncAPIKeys(ctx, secrets); errSync != nil {
		log.WithError(errSync).Warnf("usage collector: run %s key sync failed, continuing", runID)
	}
}

// flattenSnapshot turns the nested snapshot into attributed candidate rows.
func flattenSnapshot(snapshot *upstream.UsageSnapshot, rc *ResolutionContext) []models.UsageRecord {
	if snapshot == nil {
		return nil
	}

	var candidates []models.UsageRecord
	for groupKey, group := range snapshot.APIs {
		for model, modelUsage := range group.Models {
			for _, detail := range modelUsage.Details {
				resolution := rc.Resolve(detail, groupKey)

				totalTokens := detail.Tokens.Total
				if totalTokens == 0 {
					totalTokens = detail.Tokens.Input + detail.Tokens.Output + detail.Tokens.Reasoning
				}

				candidates = append(candidates, models.UsageRecord{
					AuthIndex:       detail.AuthIndex,
					Model:           model,
					RequestedAt:     normalizeTime(detail.Timestamp),
					Source:          detail.Source,
					APIKeyID:        resolution.APIKeyID,
					UserID:          resolution.UserID,
					Failed:          detail.Failed,
					InputTokens:     detail.Tokens.Input,
					OutputTokens:    detail.Tokens.Output,
					ReasoningTokens: detail.Tokens.Reasoning,
					CachedTokens:    detail.Tokens.Cached,
					TotalTokens:     totalTokens,
				})
			}
		}
	}
	return candidates
}

// fetchErrorMessage maps a fetch failure onto its fixed run-state message.
func fetchErrorMessage(err error) string {
	switch {
	case errors.Is(err, upstream.ErrUpstreamUnavailable):
		return msgUpstreamUnavailable
	case errors.Is(err, upstream.ErrMalformedUsage):
		return msgMalformedUsage
	default:
		var statusErr *upstream.StatusError
		if errors.As(err, &statusErr) {
			return msgUpstreamStatus
		}
		return msgUpstreamUnavailable
	}
}

// normalizeTime returns a UTC timestamp, defaulting to now if zero.
func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
