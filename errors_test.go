package alova

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestRequestError(t *testing.T) {
	err := &RequestError{
		Type:    ErrorTypeTransport,
		Message: "network request failed",
	}

	expectedMsg := "Transport: network request failed"
	if err.Error() != expectedMsg {
		t.Errorf("Expected '%s', got '%s'", expectedMsg, err.Error())
	}

	cause := errors.New("connection refused")
	errWithCause := &RequestError{
		Type:      ErrorTypeTimeout,
		Message:   "network timeout",
		Cause:     cause,
		RequestID: "req-1",
	}

	expectedMsgWithCause := "[req-1] Timeout: network timeout (connection refused)"
	if errWithCause.Error() != expectedMsgWithCause {
		t.Errorf("Expected '%s', got '%s'", expectedMsgWithCause, errWithCause.Error())
	}

	var nilErr *RequestError
	if nilErr.Error() != "<nil>" {
		t.Errorf("Expected '<nil>', got '%s'", nilErr.Error())
	}
}

func TestRequestErrorUnwrap(t *testing.T) {
	cause := errors.New("original error")
	err := &RequestError{Type: ErrorTypeTransport, Message: "failed", Cause: cause}

	if err.Unwrap() != cause {
		t.Errorf("Expected unwrapped error to be %v, got %v", cause, err.Unwrap())
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}

	noCause := &RequestError{Type: ErrorTypeTransport}
	if noCause.Unwrap() != nil {
		t.Errorf("Expected nil cause, got %v", noCause.Unwrap())
	}
}

func TestRequestErrorIs(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &RequestError{Type: ErrorTypeAbort, Message: "request aborted"})

	if !errors.Is(err, &RequestError{Type: ErrorTypeAbort}) {
		t.Error("errors.Is should match on error type")
	}
	if errors.Is(err, &RequestError{Type: ErrorTypeTimeout}) {
		t.Error("errors.Is should not match a different type")
	}
}

func TestRequestErrorDebugInfo(t *testing.T) {
	err := &RequestError{
		Type:      ErrorTypeTransform,
		Message:   "transform failed",
		Cause:     errors.New("bad shape"),
		RequestID: "req-42",
		Verb:      "GET",
		URL:       "https://api.example.com/todos",
		Key:       "abc",
		Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Duration:  150 * time.Millisecond,
	}

	info := err.DebugInfo()
	for _, want := range []string{
		"Error Type: Transform",
		"Message: transform failed",
		"Request ID: req-42",
		"Verb: GET",
		"URL: https://api.example.com/todos",
		"Key: abc",
		"Timestamp: 2024-01-02T03:04:05Z",
		"Duration: 150ms",
		"Cause: bad shape",
	} {
		if !strings.Contains(info, want) {
			t.Errorf("DebugInfo() missing %q:\n%s", want, info)
		}
	}

	var nilErr *RequestError
	if nilErr.DebugInfo() != "Error: <nil>" {
		t.Errorf("unexpected nil DebugInfo: %q", nilErr.DebugInfo())
	}
}

func TestIsAbortedAndIsTimeout(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		aborted bool
		timeout bool
	}{
		{"nil", nil, false, false},
		{"plain", errors.New("boom"), false, false},
		{"abort sentinel", ErrAborted, true, false},
		{"timeout sentinel", fmt.Errorf("x: %w", ErrTimeout), false, true},
		{"abort type", &RequestError{Type: ErrorTypeAbort}, true, false},
		{"timeout type", &RequestError{Type: ErrorTypeTimeout}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsAborted(tt.err); got != tt.aborted {
				t.Errorf("IsAborted() = %v, want %v", got, tt.aborted)
			}
			if got := IsTimeout(tt.err); got != tt.timeout {
				t.Errorf("IsTimeout() = %v, want %v", got, tt.timeout)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{errors.New("dial tcp: refused"), ErrorTypeTransport},
		{ErrTimeout, ErrorTypeTimeout},
		{context.DeadlineExceeded, ErrorTypeTimeout},
		{ErrAborted, ErrorTypeAbort},
		{context.Canceled, ErrorTypeAbort},
		{&RequestError{Type: ErrorTypeTransform}, ErrorTypeTransform},
	}

	for _, tt := range tests {
		if got := classifyError(tt.err); got != tt.want {
			t.Errorf("classifyError(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestNormalizeError(t *testing.T) {
	inst := New(WithBaseURL("https://api.example.com"))
	m := inst.Get("/todos")
	start := time.Now()

	reqErr := inst.coordinator.normalizeError(ErrTimeout, "req-1", m, start)
	if reqErr.Type != ErrorTypeTimeout || reqErr.Message != "network timeout" {
		t.Errorf("unexpected normalized error: %+v", reqErr)
	}
	if reqErr.URL != "https://api.example.com/todos" || reqErr.Verb != "GET" || reqErr.Key != m.Key() {
		t.Errorf("request context not attached: %+v", reqErr)
	}

	original := &RequestError{Type: ErrorTypeValidation, Message: "nope"}
	if got := inst.coordinator.normalizeError(original, "req-2", m, start); got != original {
		t.Error("existing RequestError should be returned unchanged")
	}
}
