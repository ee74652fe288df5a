package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestServer(t *testing.T, usageStatus int, usageBody string, authFilesStatus int, authFilesBody string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v0/management/usage", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(usageStatus)
		_, _ = w.Write([]byte(usageBody))
	})
	mux.HandleFunc("/v0/management/auth-files", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(authFilesStatus)
		_, _ = w.Write([]byte(authFilesBody))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

const minimalUsage = `{"total_requests": 1, "success_count": 1, "failure_count": 0, "total_tokens": 10, "apis": {}}`

func TestFetchSnapshotAcceptsBarePayload(t *testing.T) {
	srv := newTestServer(t, http.StatusOK, minimalUsage, http.StatusOK, `[]`)
	client := NewClient(srv.URL, "test-secret")

	snapshot, authFiles, errFetch := client.FetchSnapshot(context.Background())
	if errFetch != nil {
		t.Fatalf("fetch: %v", errFetch)
	}
	if snapshot.TotalRequests != 1 || snapshot.TotalTokens != 10 {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
	if len(authFiles) != 0 {
		t.Fatalf("expected empty auth files, got %d", len(authFiles))
	}
}

func TestFetchSnapshotAcceptsUsageEnvelope(t *testing.T) {
	srv := newTestServer(t, http.StatusOK, `{"usage": `+minimalUsage+`}`, http.StatusOK, `[]`)
	client := NewClient(srv.URL, "test-secret")

	snapshot, _, errFetch := client.FetchSnapshot(context.Background())
	if errFetch != nil {
		t.Fatalf("fetch: %v", errFetch)
	}
	if snapshot.SuccessCount != 1 {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
}

func TestFetchSnapshotRejectsNonNumericCounter(t *testing.T) {
	body := `{"total_requests": "1", "success_count": 1, "failure_count": 0, "total_tokens": 10, "apis": {}}`
	srv := newTestServer(t, http.StatusOK, body, http.StatusOK, `[]`)
	client := NewClient(srv.URL, "test-secret")

	_, _, errFetch := client.FetchSnapshot(context.Background())
	if !errors.Is(errFetch, ErrMalformedUsage) {
		t.Fatalf("expected malformed error, got %v", errFetch)
	}
}

func TestFetchSnapshotRejectsMissingAPIs(t *testing.T) {
	body := `{"total_requests": 1, "success_count": 1, "failure_count": 0, "total_tokens": 10}`
	srv := newTestServer(t, http.StatusOK, body, http.StatusOK, `[]`)
	client := NewClient(srv.URL, "test-secret")

	_, _, errFetch := client.FetchSnapshot(context.Background())
	if !errors.Is(errFetch, ErrMalformedUsage) {
		t.Fatalf("expected malformed error, got %v", errFetch)
	}
}

func TestFetchSnapshotReportsStatusError(t *testing.T) {
	srv := newTestServer(t, http.StatusForbidden, `{"error": "nope"}`, http.StatusOK, `[]`)
	client := NewClient(srv.URL, "test-secret")

	_, _, errFetch := client.FetchSnapshot(context.Background())
	var statusErr *StatusError
	if !errors.As(errFetch, &statusErr) {
		t.Fatalf("expected status error, got %v", errFetch)
	}
	if statusErr.StatusCode() != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", statusErr.StatusCode())
	}
}

func TestFetchSnapshotToleratesAuthFilesFailure(t *testing.T) {
	srv := newTestServer(t, http.StatusOK, minimalUsage, http.StatusInternalServerError, "boom")
	client := NewClient(srv.URL, "test-secret")

	snapshot, authFiles, errFetch := client.FetchSnapshot(context.Background())
	if errFetch != nil {
		t.Fatalf("fetch: %v", errFetch)
	}
	if snapshot == nil {
		t.Fatalf("expected snapshot despite auth files failure")
	}
	if authFiles != nil {
		t.Fatalf("expected nil auth files, got %v", authFiles)
	}
}

func TestFetchSnapshotUnreachableHost(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", "test-secret")

	_, _, errFetch := client.FetchSnapshot(context.Background())
	if !errors.Is(errFetch, ErrUpstreamUnavailable) {
		t.Fatalf("expected unavailable error, got %v", errFetch)
	}
}

func TestParseAuthFilesWrappedAndBare(t *testing.T) {
	wrapped := `{"auth_files": [{"auth_index": "a", "file_name": "x.json", "email": "x@example.com"}, {"file_name": "skipped.json"}]}`
	files, errParse := parseAuthFiles([]byte(wrapped))
	if errParse != nil {
		t.Fatalf("parse wrapped: %v", errParse)
	}
	if len(files) != 1 || files[0].AuthIndex != "a" {
		t.Fatalf("unexpected files: %+v", files)
	}

	bare := `[{"auth_index": "b", "email": "y@example.com"}]`
	files, errParse = parseAuthFiles([]byte(bare))
	if errParse != nil {
		t.Fatalf("parse bare: %v", errParse)
	}
	if len(files) != 1 || files[0].Email != "y@example.com" {
		t.Fatalf("unexpected files: %+v", files)
	}

	if _, errParse = parseAuthFiles([]byte(`{"auth_files": 3}`)); !errors.Is(errParse, ErrMalformedAuthFiles) {
		t.Fatalf("expected malformed error, got %v", errParse)
	}
}

func TestParseTimestampFormats(t *testing.T) {
	payload := `{
		"total_requests": 3, "success_count": 3, "failure_count": 0, "total_tokens": 3,
		"apis": {"g": {"total_requests": 3, "total_tokens": 3, "models": {"m": {"total_requests": 3, "total_tokens": 3, "details": [
			{"timestamp": 1785578400, "tokens": {"total": 1}},
			{"timestamp": 1785578400000, "tokens": {"total": 1}},
			{"timestamp": "2026-08-01 10:00:00", "tokens": {"total": 1}}
		]}}}}
	}`
	snapshot, errParse := parseUsagePayload([]byte(payload))
	if errParse != nil {
		t.Fatalf("parse: %v", errParse)
	}
	details := snapshot.APIs["g"].Models["m"].Details
	if len(details) != 3 {
		t.Fatalf("expected 3 details, got %d", len(details))
	}
	want := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	for i, detail := range details {
		if !detail.Timestamp.Equal(want) {
			t.Fatalf("detail %d: got %v, want %v", i, detail.Timestamp, want)
		}
	}
}
