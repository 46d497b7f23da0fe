package faults

import (
	"errors"
	"fmt"
	"strings"
)

// ConfigurationError reports a missing or unusable setting. It is raised
// before any ledger call is made.
type ConfigurationError struct {
	Setting string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s is not configured", e.Setting)
}

func NewConfigurationError(setting, message string) *ConfigurationError {
	return &ConfigurationError{Setting: setting, Message: message}
}

func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// ValidationError reports request fields that are missing or malformed.
type ValidationError struct {
	Fields []string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf("%s required", joinFields(e.Fields))
}

func NewValidationError(reason string, fields ...string) *ValidationError {
	return &ValidationError{Fields: fields, Reason: reason}
}

// MissingFields builds a ValidationError naming every absent field.
func MissingFields(fields ...string) *ValidationError {
	return &ValidationError{Fields: fields}
}

func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func AsValidationError(err error) *ValidationError {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve
	}
	return nil
}

// TransportError wraps a failed or timed out ledger call.
type TransportError struct {
	Op    string
	Topic string
	Err   error
}

func (e *TransportError) Error() string {
	if e.Topic != "" {
		return fmt.Sprintf("ledger %s on topic %s failed: %v", e.Op, e.Topic, e.Err)
	}
	return fmt.Sprintf("ledger %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func NewTransportError(op, topic string, err error) *TransportError {
	return &TransportError{Op: op, Topic: topic, Err: err}
}

func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// WorkflowError identifies the saga step that failed and the steps that had
// already committed before it. Committed steps are never rolled back.
type WorkflowError struct {
	RunID     string
	Step      string
	Completed []string
	Err       error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("%s step failed: %v", e.Step, e.Err)
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// Partial reports whether ledger state was left behind by earlier steps.
func (e *WorkflowError) Partial() bool {
	return len(e.Completed) > 0
}

func NewWorkflowError(runID, step string, completed []string, err error) *WorkflowError {
	done := make([]string, len(completed))
	copy(done, completed)
	return &WorkflowError{RunID: runID, Step: step, Completed: done, Err: err}
}

func AsWorkflowError(err error) *WorkflowError {
	var we *WorkflowError
	if errors.As(err, &we) {
		return we
	}
	return nil
}

func joinFields(fields []string) string {
	switch len(fields) {
	case 0:
		return "fields"
	case 1:
		return fields[0] + " is"
	default:
		return strings.Join(fields[:len(fields)-1], ", ") + " and " + fields[len(fields)-1] + " are"
	}
}
