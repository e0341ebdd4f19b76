package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Sentinel errors that can be used with errors.Is() for error type checking
var (
	// ErrSessionNotFound indicates no persisted session exists for the given id
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists indicates a session with the same id was already created
	ErrSessionExists = errors.New("session already exists")

	// ErrSessionActive indicates the session is already being driven by this process
	ErrSessionActive = errors.New("session is already running")

	// ErrSessionTerminal indicates the session reached completed, failed or cancelled
	ErrSessionTerminal = errors.New("session is in a terminal state")

	// ErrInvalidTransition indicates a state change the session or chunk state machine forbids
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrEmptySource indicates there is nothing to upload
	ErrEmptySource = errors.New("source contains nothing to upload")

	// ErrRetryLimit indicates a chunk exhausted its retry budget
	ErrRetryLimit = errors.New("retry limit exceeded")

	// ErrPaused indicates a run stopped because the session was paused
	ErrPaused = errors.New("session paused")

	// ErrCancelled indicates a run stopped because the session was cancelled
	ErrCancelled = errors.New("session cancelled")

	// ErrInvalidConfiguration indicates an invalid or conflicting configuration value
	ErrInvalidConfiguration = errors.New("invalid configuration")
)

// Wrap wraps an error with a message for better context.
func Wrap(err error, message string) error {
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether target is in err's chain.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// PlanningError reports a source file that could not be planned.
// Planning continues past it unless every file fails.
type PlanningError struct {
	Path string
	Err  error
}

func (e *PlanningError) Error() string {
	return fmt.Sprintf("planning %s: %v", e.Path, e.Err)
}

func (e *PlanningError) Unwrap() error {
	return e.Err
}

// EmptySourceError is returned by the planner when no file could be planned.
type EmptySourceError struct {
	Source     string
	Unreadable int
}

func (e *EmptySourceError) Error() string {
	if e.Unreadable > 0 {
		return fmt.Sprintf("source %s: all %d files unreadable", e.Source, e.Unreadable)
	}
	return fmt.Sprintf("source %s: no files to upload", e.Source)
}

func (e *EmptySourceError) Unwrap() error {
	return ErrEmptySource
}

// IntegrityError reports a digest mismatch for a chunk or a reassembled file.
type IntegrityError struct {
	ChunkID  string
	Path     string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	subject := e.ChunkID
	if subject == "" {
		subject = e.Path
	}
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", subject, e.Expected, e.Actual)
}

// RetryableTransferError is a transient remote failure: timeout, 5xx or 429.
type RetryableTransferError struct {
	StatusCode int
	// ResetAt is set when the remote announced when the rate limit lifts.
	ResetAt time.Time
	Err     error
}

func (e *RetryableTransferError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("retryable transfer error: %v", e.Err)
	}
	return fmt.Sprintf("retryable transfer error (status %d): %v", e.StatusCode, e.Err)
}

func (e *RetryableTransferError) Unwrap() error {
	return e.Err
}

// RateLimited reports whether the remote rejected the call with 429.
func (e *RetryableTransferError) RateLimited() bool {
	return e.StatusCode == 429
}

// FatalTransferError is a remote failure that aborts the session: 401/403/404/422.
type FatalTransferError struct {
	StatusCode int
	Err        error
}

func (e *FatalTransferError) Error() string {
	return fmt.Sprintf("fatal transfer error (status %d): %v", e.StatusCode, e.Err)
}

func (e *FatalTransferError) Unwrap() error {
	return e.Err
}

// StoreError wraps a persistence failure. Always fatal to the session.
type StoreError struct {
	Op        string
	SessionID string
	Err       error
}

func (e *StoreError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("session store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("session store %s %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// ConfigError represents an error in the engine configuration.
type ConfigError struct {
	Parameter string
	Value     interface{}
	Err       error
}

func (e *ConfigError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("configuration error for %s = %v: %v", e.Parameter, e.Value, e.Err)
	}
	return fmt.Sprintf("configuration error for %s: %v", e.Parameter, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new ConfigError wrapping ErrInvalidConfiguration.
func NewConfigError(parameter string, value interface{}, reason string) *ConfigError {
	return &ConfigError{
		Parameter: parameter,
		Value:     value,
		Err:       fmt.Errorf("%w: %s", ErrInvalidConfiguration, reason),
	}
}

// ClassifyStatus maps a remote HTTP-like status code to the transfer taxonomy.
// Success codes return nil.
func ClassifyStatus(status int, resetAt time.Time, err error) error {
	if status >= 200 && status < 300 {
		return nil
	}
	if err == nil {
		err = fmt.Errorf("remote returned status %d", status)
	}
	switch {
	case status == 429, status == 408, status >= 500:
		return &RetryableTransferError{StatusCode: status, ResetAt: resetAt, Err: err}
	default:
		return &FatalTransferError{StatusCode: status, Err: err}
	}
}

// IsRetryable reports whether err is a transient failure worth retrying.
// Timeouts and integrity mismatches count as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var rt *RetryableTransferError
	if errors.As(err, &rt) {
		return true
	}
	var ie *IntegrityError
	if errors.As(err, &ie) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsFatal reports whether err must abort the session.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var ft *FatalTransferError
	if errors.As(err, &ft) {
		return true
	}
	var se *StoreError
	return errors.As(err, &se)
}
