package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	err := &Error{Code: "not_found", Message: "Task 'abc' not found."}
	got := err.Error()
	want := "[not_found] Task 'abc' not found."
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestNewInvalidRequestError(t *testing.T) {
	err := NewInvalidRequestError("bad input", map[string]any{"field": "cron"})
	if err.Code != ErrCodeInvalidRequest {
		t.Errorf("Code = %q, want %q", err.Code, ErrCodeInvalidRequest)
	}
	if err.Retryable {
		t.Error("expected Retryable = false")
	}
	if err.Details["field"] != "cron" {
		t.Errorf("Details[field] = %v, want %q", err.Details["field"], "cron")
	}
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("Task", "123")
	if err.Code != ErrCodeNotFound {
		t.Errorf("Code = %q, want %q", err.Code, ErrCodeNotFound)
	}
	if err.Details["resource_type"] != "Task" {
		t.Errorf("Details[resource_type] = %v, want %q", err.Details["resource_type"], "Task")
	}
	if err.Details["resource_id"] != "123" {
		t.Errorf("Details[resource_id] = %v, want %q", err.Details["resource_id"], "123")
	}
}

func TestNewConflictError(t *testing.T) {
	err := NewConflictError("already running", map[string]any{"task_id": "abc"})
	if err.Code != ErrCodeConflict {
		t.Errorf("Code = %q, want %q", err.Code, ErrCodeConflict)
	}
	if err.Retryable {
		t.Error("expected Retryable = false")
	}
}

func TestNewInfraError(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewInfraError("enqueue", cause)
	if err.Code != ErrCodeInfra {
		t.Errorf("Code = %q, want %q", err.Code, ErrCodeInfra)
	}
	if !err.Retryable {
		t.Error("expected Retryable = true for infra errors")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is(infra, cause) = false, want true")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"infra", NewInfraError("dequeue", errors.New("eof")), true},
		{"wrapped infra", fmt.Errorf("reaper: %w", NewInfraError("reap", errors.New("eof"))), true},
		{"invalid request", NewInvalidRequestError("nope", nil), false},
		{"plain", errors.New("plain"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%s) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestSentinelsMatchWithErrorsIs(t *testing.T) {
	wrapped := fmt.Errorf("clear: %w", ErrSchedulerRunning)
	if !errors.Is(wrapped, ErrSchedulerRunning) {
		t.Error("errors.Is(wrapped, ErrSchedulerRunning) = false, want true")
	}
	if errors.Is(wrapped, ErrInvalidTaskID) {
		t.Error("errors.Is(wrapped, ErrInvalidTaskID) = true, want false")
	}
}
