package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	fetchTimeout      = 30 * time.Second
	syncTimeout       = 15 * time.Second
	maxErrorBodyBytes = 512
)

// Management endpoint paths on the upstream proxy.
const (
	usagePath     = "/v0/management/usage"
	authFilesPath = "/v0/management/auth-files"
	apiKeysPath   = "/v0/management/api-keys"
)

var (
	// ErrUpstreamUnavailable indicates the usage endpoint could not be reached.
	ErrUpstreamUnavailable = errors.New("upstream: service unavailable")
	// ErrMalformedUsage indicates the usage payload failed structural validation.
	ErrMalformedUsage = errors.New("upstream: malformed usage payload")
	// ErrMalformedAuthFiles indicates the auth file list could not be parsed.
	ErrMalformedAuthFiles = errors.New("upstream: malformed auth files payload")
)

// StatusError reports a non-success HTTP status from a management endpoint.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("upstream: %s status=%d", e.Endpoint, e.Code)
}

// StatusCode returns the HTTP status carried by the error.
func (e *StatusError) StatusCode() int {
	if e == nil {
		return 0
	}
	return e.Code
}

// Client talks to the upstream proxy's management API.
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

// NewClient constructs a management API client.
func NewClient(baseURL, secret string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		secret:     strings.TrimSpace(secret),
		httpClient: &http.Client{},
	}
}

// HasSecret reports whether a management secret is configured.
func (c *Client) HasSecret() bool {
	return c != nil && c.secret != ""
}

// FetchSnapshot fetches the usage snapshot and the auth file list concurrently,
// each under its own timeout. The usage fetch is required; an auth-files
// failure is non-fatal and yields a nil list with a warning logged.
func (c *Client) FetchSnapshot(ctx context.Context) (*UsageSnapshot, []AuthFile, error) {
	if c == nil {
		return nil, nil, errors.New("upstream: client not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		wg           sync.WaitGroup
		snapshot     *UsageSnapshot
		errUsage     error
		authFiles    []AuthFile
		errAuthFiles error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		snapshot, errUsage = c.fetchUsage(ctx)
	}()
	go func() {
		defer wg.Done()
		authFiles, errAuthFiles = c.fetchAuthFiles(ctx)
	}()
	wg.Wait()

	if errUsage != nil {
		return nil, nil, errUsage
	}
	if errAuthFiles != nil {
		log.WithError(errAuthFiles).Warn("upstream: auth files fetch failed, resolving without auth file context")
		authFiles = nil
	}
	return snapshot, authFiles, nil
}

func (c *Client) fetchUsage(ctx context.Context) (*UsageSnapshot, error) {
	reqCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	status, payload, errGet := c.doGet(reqCtx, usagePath)
	if errGet != nil {
		return nil, fmt.Errorf("%w: %s", ErrUpstreamUnavailable, errGet)
	}
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return nil, &StatusError{Endpoint: "usage", Code: status, Body: summarizePayload(payload)}
	}
	return parseUsagePayload(payload)
}

func (c *Client) fetchAuthFiles(ctx context.Context) ([]AuthFile, error) {
	reqCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	status, payload, errGet := c.doGet(reqCtx, authFilesPath)
	if errGet != nil {
		return nil, errGet
	}
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return nil, &StatusError{Endpoint: "auth-files", Code: status, Body: summarizePayload(payload)}
	}
	return parseAuthFiles(payload)
}

// SyncAPIKeys pushes the active API key list to the upstream proxy so its
// credential directory stays current. Callers treat failures as best-effort.
func (c *Client) SyncAPIKeys(ctx context.Context, keys []string) error {
	if c == nil {
		return errors.New("upstream: client not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	reqCtx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()

	body, errMarshal := json.Marshal(map[string]any{"api_keys": keys})
	if errMarshal != nil {
		return errMarshal
	}

	req, errReq := http.NewRequestWithContext(reqCtx, http.MethodPut, c.baseURL+apiKeysPath, bytes.NewReader(body))
	if errReq != nil {
		return errReq
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)
	req.Header.Set("Content-Type", "application/json")

	resp, errDo := c.httpClient.Do(req)
	if errDo != nil {
		return errDo
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("upstream: close response body error: %v", errClose)
		}
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return &StatusError{Endpoint: "api-keys", Code: resp.StatusCode, Body: summarizePayload(payload)}
	}
	return nil
}

func (c *Client) doGet(ctx context.Context, path string) (int, []byte, error) {
	req, errReq := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if errReq != nil {
		return 0, nil, errReq
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)
	req.Header.Set("Accept", "application/json")

	resp, errDo := c.httpClient.Do(req)
	if errDo != nil {
		return 0, nil, errDo
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("upstream: close response body error: %v", errClose)
		}
	}()

	payload, errRead := io.ReadAll(resp.Body)
	if errRead != nil {
		return resp.StatusCode, nil, errRead
	}
	return resp.StatusCode, payload, nil
}

func summarizePayload(payload []byte) string {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return ""
	}
	if len(trimmed) > maxErrorBodyBytes {
		return string(trimmed[:maxErrorBodyBytes]) + "...(truncated)"
	}
	return string(trimmed)
}
