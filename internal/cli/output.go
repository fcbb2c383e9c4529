package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/complyflow/internal/lockfile"
	"github.com/roach88/complyflow/internal/overlay"
	"github.com/roach88/complyflow/internal/patch"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Domain failure (invalid graph, stale lockfile, bad signature)
	ExitCommandError = 2 // Command error (unreadable input, store unavailable, etc.)
)

// Error codes reported in CLIError.Code.
const (
	ErrCodeGeneric      = "E001"
	ErrCodeNotFound     = "E005" // input file or directory missing
	ErrCodeInvalidInput = "E006" // input could not be parsed
	ErrCodeStore        = "E007" // store or broker unavailable

	ErrCodePatchFailed       = "E101"
	ErrCodeGraphInvalid      = "E102"
	ErrCodeRequiredStep      = "E103"
	ErrCodeArtifactNotFound  = "E104"
	ErrCodeStale             = "E105"
	ErrCodeSignatureMismatch = "E106"
	ErrCodeSourceFetch       = "E107"
	ErrCodeTestFailed        = "E108"
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)

	reported bool // already written through the OutputFormatter
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

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // "E001", "E102", etc.
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

	fmt.Fprintln(f.Writer, data)
	return nil
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

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// VerboseLog outputs a message only if verbose mode is enabled.
// Uses ErrWriter if set, otherwise falls back to Writer.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

// reportedError is an ExitError for a failure the command already printed.
func reportedError(exitCode int, message string) *ExitError {
	return &ExitError{Code: exitCode, Message: message, reported: true}
}

// fail reports an error through the formatter and returns the matching
// ExitError for the command to return.
func fail(f *OutputFormatter, exitCode int, code, message string, details any) error {
	_ = f.Error(code, message, details)
	return reportedError(exitCode, fmt.Sprintf("%s: %s", code, message))
}

// failErr classifies err, reports it and returns the ExitError. Domain
// failures exit 1; everything else is a command error.
func failErr(f *OutputFormatter, err error) error {
	var (
		pe *patch.Error
		ge *overlay.GraphInvalidError
		re *overlay.RequiredStepMissingError
		ne *lockfile.NotFoundError
	)
	switch {
	case errors.As(err, &ge):
		return fail(f, ExitFailure, ErrCodeGraphInvalid, err.Error(), ge.Issues)
	case errors.As(err, &re):
		return fail(f, ExitFailure, ErrCodeRequiredStep, err.Error(), re.StepIDs)
	case errors.As(err, &pe):
		return fail(f, ExitFailure, ErrCodePatchFailed, err.Error(), pe)
	case errors.As(err, &ne):
		return fail(f, ExitFailure, ErrCodeArtifactNotFound, err.Error(), ne)
	default:
		return fail(f, ExitCommandError, ErrCodeGeneric, err.Error(), nil)
	}
}
