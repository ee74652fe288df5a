package upstream

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// TokenDetail breaks down token usage for one request.
type TokenDetail struct {
	Input     int64
	Output    int64
	Reasoning int64
	Cached    int64
	Total     int64
}

// RequestDetail is one per-request entry inside a model usage block.
type RequestDetail struct {
	Timestamp time.Time
	Source    string
	AuthIndex string
	Tokens    TokenDetail
	Failed    bool
}

// ModelUsage aggregates usage for one model within an API group.
type ModelUsage struct {
	TotalRequests int64
	TotalTokens   int64
	Details       []RequestDetail
}

// APIGroupUsage aggregates usage for one API-group-key.
type APIGroupUsage struct {
	TotalRequests int64
	TotalTokens   int64
	Models        map[string]ModelUsage
}

// UsageSnapshot is the normalized form of one raw usage payload.
type UsageSnapshot struct {
	TotalRequests int64
	SuccessCount  int64
	FailureCount  int64
	TotalTokens   int64
	APIs          map[string]APIGroupUsage
}

// AuthFile maps an opaque auth index to human-identifiable account metadata.
type AuthFile struct {
	AuthIndex string
	FileName  string
	Email     string
	Provider  string
}

// usageCounterFields are the numeric aggregate counters every usage payload
// must expose at the top level.
var usageCounterFields = []string{"total_requests", "success_count", "failure_count", "total_tokens"}

// parseUsagePayload normalizes and structurally validates a raw usage payload.
// The payload may arrive wrapped in a {"usage": ...} envelope. Any shape
// violation rejects the whole payload; partial recovery from an unverified
// shape is not attempted.
func parseUsagePayload(payload []byte) (*UsageSnapshot, error) {
	if !gjson.ValidBytes(payload) {
		return nil, ErrMalformedUsage
	}

	root := gjson.ParseBytes(payload)
	if wrapped := root.Get("usage"); wrapped.Exists() && wrapped.IsObject() {
		root = wrapped
	}
	if !root.IsObject() {
		return nil, ErrMalformedUsage
	}

	snapshot := &UsageSnapshot{APIs: map[string]APIGroupUsage{}}
	for i, field := range usageCounterFields {
		value := root.Get(field)
		if value.Type != gjson.Number {
			return nil, ErrMalformedUsage
		}
		switch i {
		case 0:
			snapshot.TotalRequests = value.Int()
		case 1:
			snapshot.SuccessCount = value.Int()
		case 2:
			snapshot.FailureCount = value.Int()
		case 3:
			snapshot.TotalTokens = value.Int()
		}
	}

	apis := root.Get("apis")
	if !apis.Exists() || !apis.IsObject() {
		return nil, ErrMalformedUsage
	}

	valid := true
	apis.ForEach(func(key, entry gjson.Result) bool {
		group, okGroup := parseAPIGroup(entry)
		if !okGroup {
			valid = false
			return false
		}
		snapshot.APIs[key.String()] = group
		return true
	})
	if !valid {
		return nil, ErrMalformedUsage
	}
	return snapshot, nil
}

// parseAPIGroup validates one per-API-group entry: numeric aggregate counters
// plus an optional models map.
func parseAPIGroup(entry gjson.Result) (APIGroupUsage, bool) {
	if !entry.IsObject() {
		return APIGroupUsage{}, false
	}
	totalRequests := entry.Get("total_requests")
	totalTokens := entry.Get("total_tokens")
	if totalRequests.Type != gjson.Number || totalTokens.Type != gjson.Number {
		return APIGroupUsage{}, false
	}

	group := APIGroupUsage{
		TotalRequests: totalRequests.Int(),
		TotalTokens:   totalTokens.Int(),
		Models:        map[string]ModelUsage{},
	}

	models := entry.Get("models")
	if !models.Exists() {
		return group, true
	}
	if !models.IsObject() {
		return APIGroupUsage{}, false
	}

	valid := true
	models.ForEach(func(name, modelEntry gjson.Result) bool {
		if !modelEntry.IsObject() {
			valid = false
			return false
		}
		model := ModelUsage{
			TotalRequests: modelEntry.Get("total_requests").Int(),
			TotalTokens:   modelEntry.Get("total_tokens").Int(),
		}
		details := modelEntry.Get("details")
		if details.IsArray() {
			details.ForEach(func(_, detail gjson.Result) bool {
				model.Details = append(model.Details, parseRequestDetail(detail))
				return true
			})
		}
		group.Models[name.String()] = model
		return true
	})
	if !valid {
		return APIGroupUsage{}, false
	}
	return group, true
}

// parseRequestDetail reads one detail entry. Detail fields are read leniently;
// the structural contract only covers the aggregate counters above.
func parseRequestDetail(detail gjson.Result) RequestDetail {
	tokens := detail.Get("tokens")
	return RequestDetail{
		Timestamp: parseTimestamp(detail.Get("timestamp")),
		Source:    strings.TrimSpace(detail.Get("source").String()),
		AuthIndex: strings.TrimSpace(detail.Get("auth_index").String()),
		Tokens: TokenDetail{
			Input:     tokens.Get("input").Int(),
			Output:    tokens.Get("output").Int(),
			Reasoning: tokens.Get("reasoning").Int(),
			Cached:    tokens.Get("cached").Int(),
			Total:     tokens.Get("total").Int(),
		},
		Failed: detail.Get("failed").Bool(),
	}
}

// parseTimestamp accepts RFC3339 strings and unix second/millisecond numbers.
func parseTimestamp(value gjson.Result) time.Time {
	switch value.Type {
	case gjson.Number:
		n := value.Int()
		if n <= 0 {
			return time.Time{}
		}
		if n > 1_000_000_000_000 {
			return time.UnixMilli(n).UTC()
		}
		return time.Unix(n, 0).UTC()
	case gjson.String:
		raw := strings.TrimSpace(value.String())
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
			if t, errParse := time.Parse(layout, raw); errParse == nil {
				return t.UTC()
			}
		}
	}
	return time.Time{}
}

// parseAuthFiles reads an auth file list, accepting either a bare array or an
// {"auth_files": [...]} wrapper.
func parseAuthFiles(payload []byte) ([]AuthFile, error) {
	if !gjson.ValidBytes(payload) {
		return nil, ErrMalformedAuthFiles
	}

	root := gjson.ParseBytes(payload)
	list := root
	if root.IsObject() {
		list = root.Get("auth_files")
	}
	if !list.IsArray() {
		return nil, ErrMalformedAuthFiles
	}

	var files []AuthFile
	list.ForEach(func(_, entry gjson.Result) bool {
		if !entry.IsObject() {
			return true
		}
		authIndex := strings.TrimSpace(entry.Get("auth_index").String())
		if authIndex == "" {
			return true
		}
		files = append(files, AuthFile{
			AuthIndex: authIndex,
			FileName:  strings.TrimSpace(entry.Get("file_name").String()),
			Email:     strings.TrimSpace(entry.Get("email").String()),
			Provider:  strings.TrimSpace(entry.Get("provider").String()),
		})
		return true
	})
	return files, nil
}
