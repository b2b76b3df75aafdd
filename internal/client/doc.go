// Package client is the resilient HTTP client of the inventory service.
//
// Every outbound call goes through Client.Request, which adds:
//   - Retry with exponential backoff (base * 2^attempt) for retryable
//     failures: network loss, timeouts, 408, 429 and 5xx
//   - Bearer authentication with single-flight token refresh on 401
//   - Normalization of non-2xx responses into *model.Error
//   - Telemetry per HTTP exchange (slog, Prometheus, OpenTelemetry, RecordSink)
//   - Redacted reporting of 4xx/5xx responses to an ErrorReporter
//
// # Single-Flight Refresh
//
// The Authenticator owns the session. When requests fail with 401 they call
// Refresh with the token they used. The first caller starts the refresh;
// callers arriving while it runs wait in FIFO order and are all released
// with the same outcome. Each original request is retried exactly once
// with the new token.
//
// If the server rejects the refresh, the session is deleted and every
// waiter receives an AUTH_EXPIRED error wrapping model.ErrSessionTerminated.
//
// # Thread Safety
//
// Client and Authenticator are safe for concurrent use.
package client
