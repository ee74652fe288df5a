package collector

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/router-for-me/CLIProxyDashboard/internal/models"
	"github.com/router-for-me/CLIProxyDashboard/internal/upstream"

	"gorm.io/gorm"
)

const testUsagePayload = `{
	"usage": {
		"total_requests": 3,
		"success_count": 2,
		"failure_count": 1,
		"total_tokens": 90,
		"apis": {
			"cpa_alicealicealice1234": {
				"total_requests": 2,
				"total_tokens": 60,
				"models": {
					"gemini-2.5-pro": {
						"total_requests": 2,
						"total_tokens": 60,
						"details": [
							{"timestamp": "2026-08-01T10:00:00Z", "source": "alice", "auth_index": "idx-1", "tokens": {"input": 20, "output": 10, "total": 30}},
							{"timestamp": "2026-08-01T10:01:00Z", "source": "alice", "auth_index": "idx-1", "tokens": {"input": 20, "output": 10, "total": 30}, "failed": true}
						]
					}
				}
			},
			"unattributed-group": {
				"total_requests": 1,
				"total_tokens": 30,
				"models": {
					"claude-sonnet-4": {
						"total_requests": 1,
						"total_tokens": 30,
						"details": [
							{"timestamp": "2026-08-01T11:00:00Z", "source": "ghost", "auth_index": "idx-9", "tokens": {"input": 15, "output": 15, "total": 30}}
						]
					}
				}
			}
		}
	}
}`

const testAuthFilesPayload = `{"auth_files": [
	{"auth_index": "idx-1", "file_name": "alice@example.com.json", "email": "alice@example.com", "provider": "gemini"}
]}`

type fakeUpstream struct {
	usageStatus     int
	usageBody       string
	authFilesStatus int
	authFilesBody   string
	syncStatus      int
	syncCalls       int
}

func (f *fakeUpstream) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v0/management/usage", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(f.usageStatus)
		_, _ = w.Write([]byte(f.usageBody))
	})
	mux.HandleFunc("/v0/management/auth-files", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(f.authFilesStatus)
		_, _ = w.Write([]byte(f.authFilesBody))
	})
	mux.HandleFunc("/v0/management/api-keys", func(w http.ResponseWriter, _ *http.Request) {
		f.syncCalls++
		w.WriteHeader(f.syncStatus)
	})
	return mux
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		usageStatus:     http.StatusOK,
		usageBody:       testUsagePayload,
		authFilesStatus: http.StatusOK,
		authFilesBody:   testAuthFilesPayload,
		syncStatus:      http.StatusOK,
	}
}

func seedCollectorFixtures(t *testing.T, db *gorm.DB) (models.User, models.APIKey) {
	t.Helper()
	alice := models.User{Username: "alice", Active: true}
	mustCreate(t, db, &alice)
	key := models.APIKey{UserID: &alice.ID, Name: "main", APIKey: "cpa_alicealicealice1234", Active: true}
	mustCreate(t, db, &key)
	mustCreate(t, db, &models.OAuthAccount{UserID: alice.ID, Provider: "gemini", AccountName: "alice-ws", Email: "alice@example.com"})
	return alice, key
}

func runTestCollector(t *testing.T, db *gorm.DB, fake *fakeUpstream) (*Collector, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	collector := New(db, upstream.NewClient(srv.URL, "test-secret"))
	if collector == nil {
		t.Fatalf("nil collector")
	}
	return collector, srv
}

func TestRunStoresAttributedRecords(t *testing.T) {
	db := openCollectorTestDB(t)
	alice, key := seedCollectorFixtures(t, db)
	fake := newFakeUpstream()
	collector, _ := runTestCollector(t, db, fake)

	summary, errRun := collector.Run(context.Background())
	if errRun != nil {
		t.Fatalf("run: %v", errRun)
	}
	if summary.Processed != 3 || summary.Stored != 3 || summary.Skipped != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if fake.syncCalls != 1 {
		t.Fatalf("expected one key sync call, got %d", fake.syncCalls)
	}

	var attributed []models.UsageRecord
	if errFind := db.Where("user_id = ?", alice.ID).Order("requested_at ASC").Find(&attributed).Error; errFind != nil {
		t.Fatalf("find: %v", errFind)
	}
	if len(attributed) != 2 {
		t.Fatalf("expected 2 attributed rows, got %d", len(attributed))
	}
	for _, record := range attributed {
		if record.APIKeyID == nil || *record.APIKeyID != key.ID {
			t.Fatalf("expected api key %d, got %v", key.ID, record.APIKeyID)
		}
	}
	if !attributed[1].Failed {
		t.Fatalf("expected second record flagged failed")
	}

	var unattributed models.UsageRecord
	if errFind := db.Where("source = ?", "ghost").First(&unattributed).Error; errFind != nil {
		t.Fatalf("find unattributed: %v", errFind)
	}
	if unattributed.UserID != nil || unattributed.APIKeyID != nil {
		t.Fatalf("expected null attribution for unmatched row")
	}

	state, found, errLoad := collector.Tracker().Load(context.Background())
	if errLoad != nil || !found {
		t.Fatalf("load state: found=%v err=%v", found, errLoad)
	}
	if state.LastStatus != models.CollectorStatusSuccess || state.RecordsStored != 3 {
		t.Fatalf("unexpected state: %+v", state)
	}
}

func TestRunIsIdempotentAcrossOverlappingSnapshots(t *testing.T) {
	db := openCollectorTestDB(t)
	seedCollectorFixtures(t, db)
	collector, _ := runTestCollector(t, db, newFakeUpstream())

	if _, errRun := collector.Run(context.Background()); errRun != nil {
		t.Fatalf("first run: %v", errRun)
	}
	summary, errRun := collector.Run(context.Background())
	if errRun != nil {
		t.Fatalf("second run: %v", errRun)
	}
	if summary.Stored != 0 || summary.Skipped != 3 {
		t.Fatalf("second run summary: %+v", summary)
	}

	var count int64
	if errCount := db.Model(&models.UsageRecord{}).Count(&count).Error; errCount != nil {
		t.Fatalf("count: %v", errCount)
	}
	if count != 3 {
		t.Fatalf("expected 3 rows after rerun, got %d", count)
	}
}

func TestRunMalformedUsageStoresNothing(t *testing.T) {
	db := openCollectorTestDB(t)
	seedCollectorFixtures(t, db)
	fake := newFakeUpstream()
	fake.usageBody = `{"usage": {"total_requests": "three", "apis": {}}}`
	collector, _ := runTestCollector(t, db, fake)

	_, errRun := collector.Run(context.Background())
	if !errors.Is(errRun, upstream.ErrMalformedUsage) {
		t.Fatalf("expected malformed usage error, got %v", errRun)
	}

	var count int64
	if errCount := db.Model(&models.UsageRecord{}).Count(&count).Error; errCount != nil {
		t.Fatalf("count: %v", errCount)
	}
	if count != 0 {
		t.Fatalf("expected zero rows, got %d", count)
	}

	state, found, errLoad := collector.Tracker().Load(context.Background())
	if errLoad != nil || !found {
		t.Fatalf("load state: found=%v err=%v", found, errLoad)
	}
	if state.LastStatus != models.CollectorStatusError {
		t.Fatalf("expected error status, got %q", state.LastStatus)
	}
	if state.ErrorMessage != msgMalformedUsage {
		t.Fatalf("unexpected error message %q", state.ErrorMessage)
	}
}

func TestRunSucceedsWhenAuthFilesFetchFails(t *testing.T) {
	db := openCollectorTestDB(t)
	seedCollectorFixtures(t, db)
	fake := newFakeUpstream()
	fake.authFilesStatus = http.StatusInternalServerError
	fake.authFilesBody = "boom"
	collector, _ := runTestCollector(t, db, fake)

	summary, errRun := collector.Run(context.Background())
	if errRun != nil {
		t.Fatalf("run: %v", errRun)
	}
	if summary.Stored != 3 {
		t.Fatalf("expected 3 stored without auth file context, got %d", summary.Stored)
	}

	// Without the auth file tier idx-1 rows still resolve via the full key
	// match on the API group.
	var attributed int64
	if errCount := db.Model(&models.UsageRecord{}).Where("user_id IS NOT NULL").Count(&attributed).Error; errCount != nil {
		t.Fatalf("count: %v", errCount)
	}
	if attributed != 2 {
		t.Fatalf("expected 2 attributed rows, got %d", attributed)
	}
}

func TestRunProceedsWhenKeySyncFails(t *testing.T) {
	db := openCollectorTestDB(t)
	seedCollectorFixtures(t, db)
	fake := newFakeUpstream()
	fake.syncStatus = http.StatusBadGateway
	collector, _ := runTestCollector(t, db, fake)

	summary, errRun := collector.Run(context.Background())
	if errRun != nil {
		t.Fatalf("run: %v", errRun)
	}
	if summary.Stored != 3 {
		t.Fatalf("expected run to proceed past sync failure, stored=%d", summary.Stored)
	}
}

func TestRunRequiresManagementSecret(t *testing.T) {
	db := openCollectorTestDB(t)
	collector := New(db, upstream.NewClient("http://127.0.0.1:1", ""))

	_, errRun := collector.Run(context.Background())
	if !errors.Is(errRun, ErrMissingManagementSecret) {
		t.Fatalf("expected missing secret error, got %v", errRun)
	}

	state, found, errLoad := collector.Tracker().Load(context.Background())
	if errLoad != nil || !found {
		t.Fatalf("load state: found=%v err=%v", found, errLoad)
	}
	if state.ErrorMessage != msgMissingSecret {
		t.Fatalf("unexpected error message %q", state.ErrorMessage)
	}
}

func TestRunRecordsUnavailableUpstream(t *testing.T) {
	db := openCollectorTestDB(t)
	// Nothing listens on this address; the connection is refused immediately.
	collector := New(db, upstream.NewClient("http://127.0.0.1:1", "test-secret"))

	_, errRun := collector.Run(context.Background())
	if !errors.Is(errRun, upstream.ErrUpstreamUnavailable) {
		t.Fatalf("expected unavailable error, got %v", errRun)
	}

	state, found, errLoad := collector.Tracker().Load(context.Background())
	if errLoad != nil || !found {
		t.Fatalf("load state: found=%v err=%v", found, errLoad)
	}
	if state.ErrorMessage != msgUpstreamUnavailable {
		t.Fatalf("unexpected error message %q", state.ErrorMessage)
	}
}
