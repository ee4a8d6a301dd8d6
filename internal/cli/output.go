package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Scenario or validation failure, digest mismatch
	ExitCommandError = 2 // Command error (invalid paths, database not found, etc.)
)

// Error codes carried in JSON error responses.
const (
	CodeCommand        = "E_COMMAND"
	CodeConfigInvalid  = "E_CONFIG_INVALID"
	CodeScenarioFailed = "E_SCENARIO_FAILED"
	CodeRunNotFound    = "E_RUN_NOT_FOUND"
	CodeDigestMismatch = "E_DIGEST_MISMATCH"
	CodeDispatcher     = "E_DISPATCHER"
)

// ExitError is a command failure with a process exit code and the error
// code reported in JSON output.
type ExitError struct {
	Code    int    // ExitFailure or ExitCommandError
	Kind    string // one of the Code* constants; CodeCommand when empty
	Message string
	Err     error

	// reported is set once the command has written its own error response.
	reported bool
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

// WithKind sets the error code reported in JSON output.
func (e *ExitError) WithKind(kind string) *ExitError {
	e.Kind = kind
	return e
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

// errorKind returns the JSON error code for err.
func errorKind(err error) string {
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Kind != "" {
		return exitErr.Kind
	}
	return CodeCommand
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // command payload, also sent with failures
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // one of the Code* constants
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

// OutputFormatter writes command results as JSON responses or plain text.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

func newFormatter(opts *RootOptions, w io.Writer) *OutputFormatter {
	return &OutputFormatter{Format: opts.Format, Writer: w}
}

// JSON reports whether responses are written as JSON.
func (f *OutputFormatter) JSON() bool {
	return f.Format == "json"
}

func (f *OutputFormatter) encode(resp CLIResponse) error {
	encoder := json.NewEncoder(f.Writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(resp)
}

// Success writes data as an ok response. Text callers render their own
// output, so in text mode data is printed as is.
func (f *OutputFormatter) Success(data any) error {
	if f.JSON() {
		return f.encode(CLIResponse{Status: "ok", Data: data})
	}
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}

// Failure writes data with an error response for failure and returns
// failure marked as reported, so Execute does not write it again. In
// text mode nothing is written and failure is returned unchanged.
func (f *OutputFormatter) Failure(data, details any, failure *ExitError) error {
	if !f.JSON() {
		return failure
	}
	err := f.encode(CLIResponse{
		Status: "error",
		Data:   data,
		Error: &CLIError{
			Code:    errorKind(failure),
			Message: failure.Error(),
			Details: details,
		},
	})
	if err != nil {
		return err
	}
	failure.reported = true
	return failure
}

// Error writes an error no command has reported yet: a JSON error
// response, or a single "Error [code]: message" line.
func (f *OutputFormatter) Error(err error) error {
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.reported {
		return nil
	}
	if f.JSON() {
		return f.encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: errorKind(err), Message: err.Error()},
		})
	}
	_, werr := fmt.Fprintf(f.Writer, "Error [%s]: %s\n", errorKind(err), err)
	return werr
}
