package loki

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

const (
	defaultApp         = "logrelay"
	defaultVersion     = "unknown"
	defaultEnvironment = "development"
	defaultLogType     = "general"
	anonymousUser      = "anonymous"
	unknownSession     = "unknown"
)

// Formatter turns entries into Lines. App, Version, Environment and
// Tenant become stream labels on every line.
type Formatter struct {
	App         string
	Version     string
	Environment string
	Tenant      string

	// Now replaces zero entry timestamps. Defaults to time.Now.
	Now func() time.Time
}

type payload struct {
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	URL       string         `json:"url,omitempty"`
	UserAgent string         `json:"userAgent,omitempty"`
	User      *User          `json:"user,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// Format renders entry as a Line.
func (f Formatter) Format(entry Entry) (Line, error) {
	ts := entry.Timestamp
	if ts.IsZero() {
		if f.Now != nil {
			ts = f.Now()
		} else {
			ts = time.Now()
		}
	}

	body, err := json.Marshal(payload{
		Message:   entry.Message,
		Data:      entry.Data,
		URL:       entry.URL,
		UserAgent: entry.UserAgent,
		User:      entry.User,
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return Line{}, fmt.Errorf("marshal log payload: %w", err)
	}

	return Line{
		Labels:    f.Labels(entry),
		Timestamp: NanoTimestamp(ts),
		Payload:   string(body),
	}, nil
}

// Labels derives the stream label set for entry.
func (f Formatter) Labels(entry Entry) map[string]string {
	level := entry.Level
	if level == "" {
		level = LevelInfo
	}

	labels := map[string]string{
		"app":         valueOr(f.App, defaultApp),
		"version":     valueOr(f.Version, defaultVersion),
		"environment": valueOr(f.Environment, defaultEnvironment),
		"level":       string(level),
		"log_type":    logType(entry.Data),
		"session_id":  valueOr(entry.SessionID, unknownSession),
		"user_id":     anonymousUser,
	}
	if entry.User != nil && entry.User.ID != "" {
		labels["user_id"] = entry.User.ID
	}
	if f.Tenant != "" {
		labels["tenant"] = f.Tenant
	}

	return labels
}

// NanoTimestamp renders t as decimal nanoseconds since the Unix epoch.
func NanoTimestamp(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

func logType(data map[string]any) string {
	raw, ok := data["type"]
	if !ok || raw == nil {
		return defaultLogType
	}
	if s, ok := raw.(string); ok {
		return valueOr(s, defaultLogType)
	}
	return fmt.Sprint(raw)
}

func valueOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
