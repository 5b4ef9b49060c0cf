package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/recast/internal/config"
	"github.com/roach88/recast/internal/engine"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // The pipeline ran but something in it failed
	ExitCommandError = 2 // Bad input, invalid config, unreachable store
)

// Error codes reported in CLIError.Code. Config validation reuses the
// E2xx codes of config.ValidationError.
const (
	CodeInvalidInput   = "E100"
	CodeNotFound       = "E101"
	CodeConflict       = "E102"
	CodeAlreadyRunning = "E103"
	CodeStore          = "E300"
	CodeRunFailed      = "E301"
)

// ExitError represents an error with a specific exit code.
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
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// errorCode maps an error to the code reported in JSON output.
func errorCode(err error) string {
	var verrs config.ValidationErrors
	switch {
	case errors.As(err, &verrs) && len(verrs) > 0:
		return verrs[0].Code
	case errors.Is(err, engine.ErrAlreadyRunning):
		return CodeAlreadyRunning
	case engine.IsStoreUnavailable(err):
		return CodeStore
	case GetExitCode(err) == ExitCommandError:
		return CodeInvalidInput
	default:
		return CodeRunFailed
	}
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
	Status   string      `json:"status"`              // "ok" or "error"
	Data     interface{} `json:"data,omitempty"`      // success payload
	Error    *CLIError   `json:"error,omitempty"`     // error details
	RunToken string      `json:"run_token,omitempty"` // set by commands that run the pipeline
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string      `json:"code"`              // "E100", "E201", etc.
	Message string      `json:"message"`           // human-readable message
	Details interface{} `json:"details,omitempty"` // additional context
}

// textRenderer is implemented by results with a multi-line text form.
type textRenderer interface {
	RenderText(w io.Writer) error
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data interface{}) error {
	return f.SuccessWithToken(data, "")
}

// SuccessWithToken is Success for results tied to a pipeline run.
func (f *OutputFormatter) SuccessWithToken(data interface{}, runToken string) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status:   "ok",
			Data:     data,
			RunToken: runToken,
		})
	}

	if r, ok := data.(textRenderer); ok {
		return r.RenderText(f.Writer)
	}
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details interface{}) error {
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

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// reportedError marks an error already written to the output.
type reportedError struct {
	err error
}

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }

// Reported reports whether err was already written by an OutputFormatter.
func Reported(err error) bool {
	var r *reportedError
	return errors.As(err, &r)
}

// Fail writes err in the configured format and returns it marked as
// reported, so RunE can end with `return out.Fail(err)`.
func (f *OutputFormatter) Fail(err error) error {
	var details interface{}
	var verrs config.ValidationErrors
	if errors.As(err, &verrs) {
		details = verrs
	}
	return f.failWith(errorCode(err), err, details)
}

func (f *OutputFormatter) failWith(code string, err error, details interface{}) error {
	_ = f.Error(code, err.Error(), details)
	return &reportedError{err: err}
}

// VerboseLog outputs a message only if verbose mode is enabled.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...interface{}) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
