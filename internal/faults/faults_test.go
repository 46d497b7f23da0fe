package faults

import (
	"errors"
	"fmt"
	"testing"
)

func TestValidationErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *ValidationError
		want string
	}{
		{name: "single field", err: MissingFields("event_id"), want: "event_id is required"},
		{name: "two fields", err: MissingFields("name", "memo"), want: "name and memo are required"},
		{name: "three fields", err: MissingFields("a", "b", "c"), want: "a, b and c are required"},
		{name: "reason wins", err: NewValidationError("amount must be positive", "amount"), want: "amount must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClassificationThroughWrapping(t *testing.T) {
	base := NewTransportError("submit", "0.0.1001", errors.New("connection reset"))
	wrapped := fmt.Errorf("failed to forward: %w", base)

	if !IsTransportError(wrapped) {
		t.Error("expected wrapped transport error to be detected")
	}
	if IsValidationError(wrapped) {
		t.Error("transport error must not classify as validation error")
	}

	wf := NewWorkflowError("run-1", "transfer", []string{"deploy", "mint"}, wrapped)
	if !IsTransportError(wf) {
		t.Error("workflow error should unwrap to the transport error")
	}
	got := AsWorkflowError(fmt.Errorf("outer: %w", wf))
	if got == nil {
		t.Fatal("expected AsWorkflowError to find workflow error")
	}
	if !got.Partial() {
		t.Error("expected partial failure when steps completed")
	}
	if got.Step != "transfer" {
		t.Errorf("expected step transfer, got %s", got.Step)
	}
}

func TestWorkflowErrorNotPartialOnFirstStep(t *testing.T) {
	wf := NewWorkflowError("run-2", "deploy", nil, errors.New("boom"))
	if wf.Partial() {
		t.Error("deploy failure must not be partial")
	}
}

func TestConfigurationErrorDefaultMessage(t *testing.T) {
	err := NewConfigurationError("topics.source", "")
	if err.Error() != "topics.source is not configured" {
		t.Errorf("unexpected message: %s", err.Error())
	}
	if !IsConfigurationError(fmt.Errorf("x: %w", err)) {
		t.Error("expected configuration error")
	}
}
