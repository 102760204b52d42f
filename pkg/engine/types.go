package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// StateTag is an opaque machine state identifier reported by a provider.
// The vocabulary is open and backend-defined: the engine never interprets,
// validates, or enumerates tags, it only passes them through.
type StateTag string

// String returns the tag as a plain string.
func (s StateTag) String() string {
	return string(s)
}

// Box references an external box/image descriptor. The engine holds it
// read-only; resolving and importing box content is provider territory.
type Box struct {
	// Name is the box name (e.g., "ubuntu/jammy64").
	Name string `json:"name"`

	// Version is the box version constraint or resolved version.
	Version string `json:"version,omitempty"`

	// Provider is the backend type this box targets.
	Provider string `json:"provider,omitempty"`

	// Source is the location the box was obtained from.
	Source string `json:"source,omitempty"`

	// Checksum is the SHA256 checksum of the box artifact.
	Checksum string `json:"checksum,omitempty"`
}

// ConnectionInfo describes how to reach into a running machine. Providers
// expose it through the optional ConnectionProvider upgrade; backends
// without remote access simply never implement it.
type ConnectionInfo struct {
	// Host is the address the machine is reachable at.
	Host string `json:"host"`

	// Port is the SSH port.
	Port int `json:"port"`

	// User is the login user.
	User string `json:"user"`

	// PrivateKeyPath is the path to the private key, if key auth is used.
	PrivateKeyPath string `json:"private_key_path,omitempty"`

	// Password is the login password, if password auth is used.
	Password string `json:"password,omitempty"`
}

// ActionContext is the invocation context forwarded to the action runner
// with every dispatch. It always carries the machine the action operates on.
type ActionContext struct {
	// Machine is the machine the action was dispatched for.
	Machine *Machine `json:"-"`

	// Action is the requested action name.
	Action string `json:"action"`

	// RunID is the unique dispatch identifier, assigned by the runner.
	RunID string `json:"run_id,omitempty"`

	// Metadata contains additional caller-supplied context.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ActionResult represents the outcome of one dispatched action.
type ActionResult struct {
	// RunID is the unique dispatch identifier.
	RunID string `json:"run_id"`

	// Machine is the name of the machine the action ran against.
	Machine string `json:"machine"`

	// MachineID is the backend identifier at dispatch time, if any.
	MachineID string `json:"machine_id,omitempty"`

	// Action is the dispatched action name.
	Action string `json:"action"`

	// Status indicates how the dispatch ended.
	Status RunStatus `json:"status"`

	// StartedAt is when the dispatch started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the dispatch completed.
	CompletedAt time.Time `json:"completed_at"`

	// Duration is the total dispatch time.
	Duration time.Duration `json:"duration"`

	// Output contains any output data from the callable.
	Output json.RawMessage `json:"output,omitempty"`

	// Error is the classified error that ended the dispatch, if any.
	Error *EngineError `json:"error,omitempty"`

	// Metadata contains additional result metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ActionRecord is the audit row appended for every completed dispatch.
type ActionRecord struct {
	// RunID is the unique dispatch identifier.
	RunID string `json:"run_id"`

	// Machine is the machine name.
	Machine string `json:"machine"`

	// MachineID is the backend identifier at dispatch time, if any.
	MachineID string `json:"machine_id,omitempty"`

	// Action is the dispatched action name.
	Action string `json:"action"`

	// Status indicates how the dispatch ended.
	Status RunStatus `json:"status"`

	// Error is the error text, empty on success.
	Error string `json:"error,omitempty"`

	// StartedAt is when the dispatch started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the dispatch completed.
	CompletedAt time.Time `json:"completed_at"`

	// Duration is the total dispatch time.
	Duration time.Duration `json:"duration"`
}

// ProviderMetadata contains information about a provider implementation.
type ProviderMetadata struct {
	// Name is the provider name (e.g., "virtualbox").
	Name string `json:"name"`

	// Version is the provider version.
	Version string `json:"version"`

	// Description is a human-readable description used in capability
	// mismatch errors.
	Description string `json:"description,omitempty"`

	// Author is the provider author/maintainer.
	Author string `json:"author,omitempty"`

	// License is the provider license.
	License string `json:"license,omitempty"`

	// Repository is the source repository URL.
	Repository string `json:"repository,omitempty"`

	// RequiredCapabilities lists host capabilities this provider needs.
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
}

// Describe returns the human-readable provider label used in error
// messages. It prefers the description and falls back to name@version.
func (pm ProviderMetadata) Describe() string {
	if pm.Description != "" {
		return pm.Description
	}
	if pm.Version != "" {
		return fmt.Sprintf("%s@%s", pm.Name, pm.Version)
	}
	return pm.Name
}
