// Package engine provides the core types and interfaces for the OpenRig machine engine.
// It defines machine identity, provider-backed action dispatch, and state reporting.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, temporary service unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	// Should be retried with exponential backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a state conflict.
	// Examples: concurrent modifications, optimistic locking failures.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: unimplemented actions, invalid configuration, unknown providers.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Machine is the machine name that caused the error, if applicable.
	Machine string `json:"machine,omitempty"`

	// Action is the action being dispatched when the error occurred.
	Action string `json:"action,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Machine != "" && e.Action != "" {
		return fmt.Sprintf("[%s] %s (machine=%s, action=%s): %s",
			e.Class, e.Message, e.Machine, e.Action, e.unwrapMessage())
	}
	if e.Machine != "" {
		return fmt.Sprintf("[%s] %s (machine=%s): %s",
			e.Class, e.Message, e.Machine, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// unwrapMessage returns the error message from the underlying error chain.
func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassThrottled,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// NewUnimplementedActionError creates the error returned when a provider
// exposes no callable for the requested action. It carries the action name
// and a human-readable provider description.
func NewUnimplementedActionError(action, providerDescription string) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeUnimplementedAction,
		Message: fmt.Sprintf("the provider %s does not support the action %q", providerDescription, action),
		Action:  action,
		Details: map[string]interface{}{
			"provider": providerDescription,
		},
	}
}

// NewProviderConstructionError creates the error returned when a provider
// factory fails while building the provider for a machine.
func NewProviderConstructionError(machine string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeProviderConstruction,
		Message: "provider construction failed",
		Machine: machine,
		Err:     err,
	}
}

// NewPersistenceError creates the error returned when identity storage
// cannot be read or committed. Persistence failures are fatal: callers
// must not treat machine identity as updated when one is returned.
func NewPersistenceError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodePersistenceFailed,
		Message: message,
		Err:     err,
	}
}

// NewPolicyDeniedError creates the error returned when an action is
// refused by policy before reaching the provider callable.
func NewPolicyDeniedError(machine, action, reason string) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodePolicyDenied,
		Message: fmt.Sprintf("action denied by policy: %s", reason),
		Machine: machine,
		Action:  action,
	}
}

// NewUnknownProviderError creates the error returned when no factory is
// registered for the requested provider type.
func NewUnknownProviderError(providerType string) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeUnknownProvider,
		Message: fmt.Sprintf("unknown provider type %q", providerType),
	}
}

// WithMachine adds machine context to an error.
func (e *EngineError) WithMachine(machine string) *EngineError {
	e.Machine = machine
	return e
}

// WithAction adds action context to an error.
func (e *EngineError) WithAction(action string) *EngineError {
	e.Action = action
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// IsUnimplementedAction returns true if the error reports a provider
// without a callable for the requested action.
func IsUnimplementedAction(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == ErrCodeUnimplementedAction
	}
	return false
}

// IsPersistenceFailure returns true if the error reports an identity
// storage read or commit failure.
func IsPersistenceFailure(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == ErrCodePersistenceFailed
	}
	return false
}

// IsPolicyDenied returns true if the error reports a policy refusal.
func IsPolicyDenied(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == ErrCodePolicyDenied
	}
	return false
}

// Common error codes.
const (
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeAlreadyExists        = "ALREADY_EXISTS"
	ErrCodeTimeout              = "TIMEOUT"
	ErrCodeInternal             = "INTERNAL_ERROR"
	ErrCodeUnimplementedAction  = "UNIMPLEMENTED_ACTION"
	ErrCodeProviderConstruction = "PROVIDER_CONSTRUCTION_FAILED"
	ErrCodePersistenceFailed    = "PERSISTENCE_FAILED"
	ErrCodePolicyDenied         = "POLICY_DENIED"
	ErrCodeUnknownProvider      = "UNKNOWN_PROVIDER"
)
