package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/roach88/shelfsync/internal/model"
)

// ErrorReport describes a 4xx/5xx response. Request and Response are
// redacted before the report is built.
type ErrorReport struct {
	Method   string
	URL      string
	Status   int
	Code     model.ErrorCode
	Message  string
	Request  json.RawMessage
	Response json.RawMessage
}

// ErrorReporter receives error reports, e.g. to forward them to an error
// tracking service.
type ErrorReporter interface {
	Report(ctx context.Context, r ErrorReport)
}

// LogReporter writes error reports to a logger.
type LogReporter struct {
	Logger *slog.Logger
}

// Report implements ErrorReporter.
func (l LogReporter) Report(ctx context.Context, r ErrorReport) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelWarn
	if r.Status >= 500 {
		level = slog.LevelError
	}
	logger.Log(ctx, level, "service error response",
		"method", r.Method,
		"url", r.URL,
		"status", r.Status,
		"code", string(r.Code),
		"message", r.Message,
		"request", string(r.Request),
		"response", string(r.Response),
	)
}

const redacted = "[REDACTED]"

// sensitiveKeys match case-insensitively as substrings of object keys.
var sensitiveKeys = []string{"password", "token", "secret", "authorization"}

// Redact returns body with the values of credential-like keys replaced.
// A body that is not JSON is replaced by a placeholder, since its contents
// cannot be inspected.
func Redact(body []byte) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		placeholder, _ := json.Marshal(fmt.Sprintf("<%d bytes, not JSON>", len(body)))
		return placeholder
	}
	out, err := json.Marshal(redactValue(v))
	if err != nil {
		return nil
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if isSensitive(k) {
				t[k] = redacted
				continue
			}
			t[k] = redactValue(val)
		}
		return t
	case []any:
		for i := range t {
			t[i] = redactValue(t[i])
		}
		return t
	default:
		return v
	}
}

func isSensitive(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}
