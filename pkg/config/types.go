package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openrig/openrig/pkg/engine"
)

// MachineDefinition declares one machine in a workspace: the name the
// engine keys its identity on, the provider backend serving it, and the
// optional box, transport, and procedural configuration attached to it.
type MachineDefinition struct {
	// Name is the unique machine name within the workspace. It is the
	// identity store persistence key and is immutable once built.
	Name string `json:"name" validate:"required"`

	// Provider selects and configures the backend serving this machine.
	// Type may be left empty when the workspace declares a default.
	Provider ProviderRef `json:"provider"`

	// Box references the box/image the provider materializes the machine
	// from. Optional; providers without box semantics ignore it.
	Box *BoxRef `json:"box,omitempty"`

	// Labels are key-value pairs for organizing machines.
	Labels map[string]string `json:"labels,omitempty"`

	// Communicator configures how to reach into the running machine.
	Communicator *CommunicatorConfig `json:"communicator,omitempty"`

	// Computed is an optional Starlark script. Its exported globals are
	// merged into the provider config when the machine is built.
	Computed string `json:"computed,omitempty"`

	// SourceFile is the definition file this machine was loaded from.
	// Populated by the parser; not part of the definition itself.
	SourceFile string `json:"-"`
}

// EngineBox converts the box reference into the engine representation,
// tagging it with the machine's provider type. Returns nil when the
// definition has no box.
func (d *MachineDefinition) EngineBox() *engine.Box {
	if d.Box == nil {
		return nil
	}
	return &engine.Box{
		Name:     d.Box.Name,
		Version:  d.Box.Version,
		Provider: d.Provider.Type,
		Source:   d.Box.Source,
		Checksum: d.Box.Checksum,
	}
}

// ProviderRef selects a provider backend for a machine.
type ProviderRef struct {
	// Type is the provider type registered with the provider registry
	// (e.g., "virtualbox", "docker").
	Type string `json:"type,omitempty"`

	// Version is the provider version constraint ("latest", "~x.y.z",
	// "^x.y.z", or exact). Empty means latest.
	Version string `json:"version,omitempty"`

	// Config is the provider-specific configuration, passed to the
	// machine opaquely.
	Config json.RawMessage `json:"config,omitempty"`
}

// BoxRef references an external box/image artifact.
type BoxRef struct {
	// Name is the box name (e.g., "ubuntu/jammy64").
	Name string `json:"name" validate:"required"`

	// Version is the box version constraint or resolved version.
	Version string `json:"version,omitempty"`

	// Source is the location the box is obtained from.
	Source string `json:"source,omitempty"`

	// Checksum is the SHA256 checksum of the box artifact.
	Checksum string `json:"checksum,omitempty"`
}

// CommunicatorConfig configures the transport used to reach into a
// running machine.
type CommunicatorConfig struct {
	// Type is the communicator type. "none" disables remote access.
	Type string `json:"type" validate:"required,oneof=ssh none"`

	// User is the login user. Defaults to the user reported by the
	// provider's connection info.
	User string `json:"user,omitempty"`

	// Port overrides the port reported by the provider.
	Port int `json:"port,omitempty" validate:"omitempty,min=1,max=65535"`

	// PrivateKeyPath is the path to the private key for key auth.
	PrivateKeyPath string `json:"private_key_path,omitempty"`
}

// WorkspaceConfig holds workspace-level configuration shared by all
// machine definitions loaded together.
type WorkspaceConfig struct {
	// Name is the workspace name.
	Name string `json:"name" validate:"required"`

	// Version is the configuration format version.
	Version string `json:"version,omitempty"`

	// DefaultProvider is applied to machines that declare no provider
	// type of their own.
	DefaultProvider string `json:"default_provider,omitempty"`

	// Variables are workspace-level values available to computed
	// definition scripts.
	Variables map[string]interface{} `json:"variables,omitempty"`

	// Backend configures identity store persistence.
	Backend *BackendConfig `json:"backend,omitempty"`

	// Policy configures action guardrail evaluation.
	Policy *PolicyConfig `json:"policy,omitempty"`

	// Metadata contains additional workspace metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// BackendConfig configures where machine identifiers persist.
type BackendConfig struct {
	// Type is the store backend type.
	Type string `json:"type" validate:"required,oneof=sqlite"`

	// Path is the store location (database file path).
	Path string `json:"path,omitempty"`

	// Config holds backend-specific settings.
	Config map[string]interface{} `json:"config,omitempty"`
}

// PolicyConfig configures action guardrail evaluation for a workspace.
type PolicyConfig struct {
	// Enabled turns policy evaluation on.
	Enabled bool `json:"enabled"`

	// Paths lists directories or files of .rego policies to load.
	Paths []string `json:"paths,omitempty"`

	// Mode selects how denials are treated. "enforcing" blocks the
	// dispatch; "advisory" logs the violations and proceeds.
	Mode string `json:"mode,omitempty" validate:"omitempty,oneof=advisory enforcing"`
}

// ParsedConfig is the result of parsing one or more definition sources.
type ParsedConfig struct {
	// Workspace is the workspace configuration, if any source declared one.
	Workspace *WorkspaceConfig `json:"workspace,omitempty"`

	// Machines are the parsed machine definitions.
	Machines []MachineDefinition `json:"machines,omitempty"`

	// SourceFiles lists the files that contributed to this config.
	SourceFiles []string `json:"source_files,omitempty"`

	// ParsedAt is when parsing completed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors contains validation errors encountered during parsing.
	Errors []ValidationError `json:"errors,omitempty"`
}

// HasErrors reports whether parsing recorded any validation errors.
func (pc *ParsedConfig) HasErrors() bool {
	return len(pc.Errors) > 0
}

// Machine returns the definition with the given name, or nil.
func (pc *ParsedConfig) Machine(name string) *MachineDefinition {
	for i := range pc.Machines {
		if pc.Machines[i].Name == name {
			return &pc.Machines[i]
		}
	}
	return nil
}

// ValidationError is a positioned configuration error.
type ValidationError struct {
	// File is the source file the error was found in.
	File string `json:"file,omitempty"`

	// Line is the line number (1-based), 0 when unknown.
	Line int `json:"line,omitempty"`

	// Column is the column number (1-based), 0 when unknown.
	Column int `json:"column,omitempty"`

	// Path is the configuration path (e.g., "machines.web.provider").
	Path string `json:"path,omitempty"`

	// Message describes the error.
	Message string `json:"message"`

	// Severity is "error" or "warning".
	Severity string `json:"severity"`
}

// Error implements the error interface.
func (ve ValidationError) Error() string {
	if ve.File != "" && ve.Line > 0 {
		return fmt.Sprintf("%s:%d:%d: %s", ve.File, ve.Line, ve.Column, ve.Message)
	}
	if ve.Path != "" {
		return fmt.Sprintf("%s: %s", ve.Path, ve.Message)
	}
	return ve.Message
}

// StarlarkResult is the outcome of one Starlark evaluation.
type StarlarkResult struct {
	// Output contains the exported globals produced by the script.
	Output map[string]interface{} `json:"output,omitempty"`

	// Error is the evaluation error text, empty on success.
	Error string `json:"error,omitempty"`

	// ExecutionTime is how long the evaluation took.
	ExecutionTime time.Duration `json:"execution_time"`
}
