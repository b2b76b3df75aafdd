package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/shelfsync/internal/client"
	"github.com/roach88/shelfsync/internal/config"
	"github.com/roach88/shelfsync/internal/inventory"
	"github.com/roach88/shelfsync/internal/model"
	"github.com/roach88/shelfsync/internal/queue"
	"github.com/roach88/shelfsync/internal/store"
)

// Exit codes for CLI commands.
const (
	ExitSuccess       = 0 // Successful execution
	ExitFailure       = 1 // Operation failed (server rejected it, sync left failed items, etc.)
	ExitCommandError  = 2 // Command error (bad arguments, invalid config, database not found, etc.)
	ExitLoginRequired = 3 // No session or the session was terminated
)

// CLI error codes that have no counterpart in model.ErrorCode.
const (
	ErrCodeGeneric         = "ERROR"
	ErrCodeInvalidArgument = "INVALID_ARGUMENT"
	ErrCodeConfig          = "CONFIG_INVALID"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeLoginRequired   = "LOGIN_REQUIRED"
	ErrCodeInsufficient    = "INSUFFICIENT_STOCK"
	ErrCodeNoChange        = "NO_CHANGE"
	ErrCodeNotFailed       = "NOT_FAILED"
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status  string    `json:"status"`             // "ok" or "error"
	Data    any       `json:"data,omitempty"`     // success payload
	Error   *CLIError `json:"error,omitempty"`    // error details
	TraceID string    `json:"trace_id,omitempty"` // optional trace correlation
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // model.ErrorCode or one of the ErrCode* constants
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}

	// Human-readable text output
	fmt.Fprintln(f.Writer, data)
	return nil
}

// Render writes data as a JSON response, or calls text in text mode.
func (f *OutputFormatter) Render(data any, text func(w io.Writer) error) error {
	if f.Format == "json" {
		return f.Success(data)
	}
	return text(f.Writer)
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	// Human-readable error
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Fail reports err in the configured format and returns the ExitError the
// command should return.
func (f *OutputFormatter) Fail(message string, err error) error {
	code, exit := classify(err)
	var (
		details any
		se      *config.SchemaError
		e       *model.Error
	)
	switch {
	case errors.As(err, &se):
		details = se.Details
	case errors.As(err, &e) && len(e.Data) > 0 && json.Valid(e.Data):
		details = e.Data
	}
	_ = f.Error(code, fmt.Sprintf("%s: %v", message, err), details)
	return WrapExitError(exit, message, err)
}

// classify maps an error to a response code and an exit code.
func classify(err error) (string, int) {
	var exitErr *ExitError
	switch {
	case errors.As(err, &exitErr):
		return ErrCodeGeneric, exitErr.Code
	case client.IsSessionTerminated(err):
		return ErrCodeLoginRequired, ExitLoginRequired
	case config.IsSchemaError(err):
		return ErrCodeConfig, ExitCommandError
	case errors.Is(err, inventory.ErrProductNotFound), errors.Is(err, store.ErrItemNotFound):
		return ErrCodeNotFound, ExitFailure
	case errors.Is(err, inventory.ErrInsufficientStock):
		return ErrCodeInsufficient, ExitFailure
	case errors.Is(err, inventory.ErrNoChange):
		return ErrCodeNoChange, ExitFailure
	case errors.Is(err, queue.ErrNotFailed):
		return ErrCodeNotFailed, ExitFailure
	}
	if code := model.CodeOf(err); code != "" {
		if code == model.ErrCodeAuthExpired {
			return string(code), ExitLoginRequired
		}
		return string(code), ExitFailure
	}
	return ErrCodeGeneric, ExitFailure
}

// VerboseLog outputs a message only if verbose mode is enabled.
// Uses ErrWriter if set, otherwise falls back to Writer.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
