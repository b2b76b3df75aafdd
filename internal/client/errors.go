package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/roach88/shelfsync/internal/model"
)

// errorBody is the service's error envelope. detail follows FastAPI:
// a string, or a list of validation errors with a msg field.
type errorBody struct {
	Message string          `json:"message"`
	Detail  json.RawMessage `json:"detail"`
}

// normalize turns a non-2xx response into a classified error.
// The message comes from body.message, else body.detail, else the status text.
func normalize(status int, body []byte) *model.Error {
	var data json.RawMessage
	if json.Valid(body) {
		data = json.RawMessage(body)
	}
	return model.NewHTTPError(status, messageFrom(body), data)
}

func messageFrom(body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return ""
	}
	if eb.Message != "" {
		return eb.Message
	}
	if len(eb.Detail) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(eb.Detail, &s); err == nil {
		return s
	}

	var list []struct {
		Msg string `json:"msg"`
		Loc []any  `json:"loc"`
	}
	if err := json.Unmarshal(eb.Detail, &list); err == nil && len(list) > 0 {
		msgs := make([]string, 0, len(list))
		for _, item := range list {
			if item.Msg == "" {
				continue
			}
			if field := locField(item.Loc); field != "" {
				msgs = append(msgs, field+": "+item.Msg)
			} else {
				msgs = append(msgs, item.Msg)
			}
		}
		return strings.Join(msgs, "; ")
	}
	return ""
}

// locField returns the last element of a FastAPI error location.
func locField(loc []any) string {
	if len(loc) == 0 {
		return ""
	}
	if s, ok := loc[len(loc)-1].(string); ok {
		return s
	}
	return ""
}

// classifyTransport classifies an error from http.Client.Do.
// Cancellation by the caller is returned unclassified so that it is never
// retried.
func classifyTransport(method, path string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &model.Error{
			Code:    model.ErrCodeTimeout,
			Message: fmt.Sprintf("%s %s timed out", method, path),
			Err:     err,
		}
	}

	return &model.Error{
		Code:    model.ErrCodeNetworkUnavailable,
		Message: fmt.Sprintf("%s %s: service unreachable", method, path),
		Err:     err,
	}
}

// IsSessionTerminated reports whether err means the user must log in again.
func IsSessionTerminated(err error) bool {
	return errors.Is(err, model.ErrSessionTerminated) || errors.Is(err, model.ErrNotAuthenticated)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var e *model.Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

