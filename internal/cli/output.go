package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/goccy/go-json"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Save failed or degraded, scenarios failed
	ExitCommandError = 2 // Command error (bad flags, missing model, store unusable)
)

// Error codes reported in CLIError.Code.
const (
	ErrCodeConfig   = "E001" // configuration or flags unusable
	ErrCodeModel    = "E002" // model missing or does not compile
	ErrCodeStore    = "E003" // store cannot be opened, read or erased
	ErrCodeNotFound = "E004" // no object with the requested ID
	ErrCodeSave     = "E005" // save failed
	ErrCodeDegraded = "E006" // save succeeded after discarding objects
	ErrCodeInput    = "E007" // attribute values could not be parsed
	ErrCodeScenario = "E008" // scenario file unusable or failing
	ErrCodeEntity   = "E009" // entity unknown to the model
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)

	// reported marks errors the command already rendered through its
	// OutputFormatter.
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
	Status string    `json:"status"`          // "ok", "degraded", "failed" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // "E001", "E002", etc.
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

var (
	okLabel       = color.New(color.FgGreen, color.Bold).SprintFunc()
	degradedLabel = color.New(color.FgYellow, color.Bold).SprintFunc()
	errorLabel    = color.New(color.FgRed, color.Bold).SprintFunc()
	dimLabel      = color.New(color.Faint).SprintFunc()
)

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	return f.respond("ok", data)
}

// Degraded outputs a result that succeeded only in part, such as a save
// that discarded invalid objects.
func (f *OutputFormatter) Degraded(data any) error {
	return f.respond("degraded", data)
}

func (f *OutputFormatter) respond(status string, data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: status,
			Data:   data,
		})
	}

	// Human-readable text output
	_, err := fmt.Fprintln(f.Writer, data)
	return err
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
	fmt.Fprintf(f.Writer, "%s [%s]: %s\n", errorLabel("Error"), code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Fail renders an error and returns an ExitError carrying exitCode, so the
// error is not printed a second time on the way out.
func (f *OutputFormatter) Fail(exitCode int, code, message string, err error) error {
	text := message
	var details any
	if err != nil {
		details = err.Error()
		if f.Format != "json" {
			text = message + ": " + err.Error()
			details = nil
		}
	}
	if outErr := f.Error(code, text, details); outErr != nil {
		return outErr
	}
	return &ExitError{Code: exitCode, Message: message, Err: err, reported: true}
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
