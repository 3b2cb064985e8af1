package alova

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure scenarios
var (
	// ErrAborted is the cause of every error delivered to waiters of an aborted request
	ErrAborted = errors.New("alova: request aborted")

	// ErrTimeout is reported by transports when the configured timeout elapses
	ErrTimeout = errors.New("alova: network timeout")

	// ErrNoSources is returned when a watcher is registered without sources
	ErrNoSources = errors.New("alova: at least one watched source is required")

	// ErrCacheMiss is returned by storages when a key is absent
	ErrCacheMiss = errors.New("alova: cache miss")

	// ErrResponseTooLarge is reported when a response body exceeds the transport limit
	ErrResponseTooLarge = errors.New("alova: response body too large")
)

// Error types carried by RequestError.Type.
const (
	ErrorTypeConfiguration = "Configuration"
	ErrorTypeTransport     = "Transport"
	ErrorTypeTimeout       = "Timeout"
	ErrorTypeTransform     = "Transform"
	ErrorTypeAbort         = "Abort"
	ErrorTypeValidation    = "Validation"
)

// RequestError is the single error shape handed to consumers of the
// request path. Transport, timeout, transform and abort failures are all
// normalized into it.
type RequestError struct {
	Type      string
	Message   string
	Cause     error
	RequestID string
	Verb      string
	URL       string
	Key       string
	Timestamp time.Time
	Duration  time.Duration
}

// Error implements error interface.
func (e *RequestError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("[%s] %s", e.RequestID, msg)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *RequestError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error types for errors.Is.
func (e *RequestError) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*RequestError); ok {
		return e.Type == targetErr.Type
	}
	return false
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *RequestError) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	info := fmt.Sprintf("Error Type: %s\n", e.Type)
	info += fmt.Sprintf("Message: %s\n", e.Message)
	if e.RequestID != "" {
		info += fmt.Sprintf("Request ID: %s\n", e.RequestID)
	}
	if e.Verb != "" {
		info += fmt.Sprintf("Verb: %s\n", e.Verb)
	}
	if e.URL != "" {
		info += fmt.Sprintf("URL: %s\n", e.URL)
	}
	if e.Key != "" {
		info += fmt.Sprintf("Key: %s\n", e.Key)
	}
	if !e.Timestamp.IsZero() {
		info += fmt.Sprintf("Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Duration > 0 {
		info += fmt.Sprintf("Duration: %v\n", e.Duration)
	}
	if e.Cause != nil {
		info += fmt.Sprintf("Cause: %v\n", e.Cause)
	}
	return info
}

// IsAborted reports whether err was caused by an explicit abort.
func IsAborted(err error) bool {
	var reqErr *RequestError
	if errors.As(err, &reqErr) && reqErr.Type == ErrorTypeAbort {
		return true
	}
	return errors.Is(err, ErrAborted)
}

// IsTimeout reports whether err was caused by a transport timeout.
func IsTimeout(err error) bool {
	var reqErr *RequestError
	if errors.As(err, &reqErr) && reqErr.Type == ErrorTypeTimeout {
		return true
	}
	return errors.Is(err, ErrTimeout)
}

func newConfigurationError(message string, cause error) *RequestError {
	return &RequestError{
		Type:      ErrorTypeConfiguration,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// classifyError maps a raw failure onto an error type. RequestErrors keep
// their own type.
func classifyError(err error) string {
	var reqErr *RequestError
	switch {
	case errors.As(err, &reqErr):
		return reqErr.Type
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeTimeout
	case errors.Is(err, ErrAborted), errors.Is(err, context.Canceled):
		return ErrorTypeAbort
	default:
		return ErrorTypeTransport
	}
}

func (c *Coordinator) newRequestError(errorType, message string, cause error, requestID string, m *Method, start time.Time) *RequestError {
	return &RequestError{
		Type:      errorType,
		Message:   message,
		Cause:     cause,
		RequestID: requestID,
		Verb:      string(m.Verb()),
		URL:       m.FullURL(),
		Key:       m.Key(),
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
}

// normalizeError wraps err into a RequestError unless it already is one.
func (c *Coordinator) normalizeError(err error, requestID string, m *Method, start time.Time) *RequestError {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr
	}
	errorType := classifyError(err)
	message := "network request failed"
	switch errorType {
	case ErrorTypeTimeout:
		message = "network timeout"
	case ErrorTypeAbort:
		message = "request aborted"
	}
	return c.newRequestError(errorType, message, err, requestID, m, start)
}
