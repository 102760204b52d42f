package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the status of a dispatched action run.
type RunStatus string

const (
	// RunStatusPending indicates the dispatch has been accepted but the
	// callable has not started yet.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the callable is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates the callable completed successfully.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates the callable returned an error.
	RunStatusFailed RunStatus = "failed"

	// RunStatusDenied indicates policy refused the dispatch before the
	// callable was invoked.
	RunStatusDenied RunStatus = "denied"

	// RunStatusCancelled indicates the dispatch was cancelled via context
	// or timeout.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusDenied || s == RunStatusCancelled
}

// IsActive returns true if the run is currently active (pending or running).
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusDenied, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}
