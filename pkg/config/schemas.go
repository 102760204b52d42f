package config

import (
	"context"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for definition validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	ctx := cuecontext.New()
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	sr.registerBuiltInSchemas()

	return sr
}

// registerBuiltInSchemas registers all built-in schemas. The builtin
// sources are constants; compile failures are caught by the package tests.
func (sr *SchemaRegistry) registerBuiltInSchemas() {
	sr.RegisterSchema("machine", builtinMachineSchema)
	sr.RegisterSchema("workspace", builtinWorkspaceSchema)
	sr.RegisterSchema("provider", builtinProviderSchema)
	sr.RegisterSchema("box", builtinBoxSchema)
}

// RegisterSchema registers a CUE schema under the given name. When the
// schema declares a definition, validation runs against the definition so
// its closedness applies; a plain schema is used as-is.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.schemas[name] = schemaDefinition(val)
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	return names
}

// schemaDefinition returns the first definition declared in a compiled
// schema, falling back to the whole value for schemas without one.
func schemaDefinition(val cue.Value) cue.Value {
	iter, err := val.Fields(cue.Definitions(true))
	if err != nil {
		return val
	}
	for iter.Next() {
		if iter.Selector().IsDefinition() {
			return iter.Value()
		}
	}
	return val
}

// Built-in schema definitions

const builtinMachineSchema = `
// Machine definition schema
#Machine: {
	// Name is the unique machine name within the workspace
	name: string & =~"^[a-zA-Z0-9][a-zA-Z0-9_.-]*$"

	// Provider selects the backend serving this machine
	provider: {
		type?:    string & =~"^[a-z][a-z0-9._-]*$"
		version?: string
		config?: {...}
	}

	// Box references the box/image the machine is materialized from
	box?: {
		name:      string & =~"^[a-zA-Z0-9][a-zA-Z0-9/._-]*$"
		version?:  string
		source?:   string
		checksum?: string & =~"^(sha256:)?[a-fA-F0-9]{64}$"
	}

	// Labels organize machines
	labels?: {[string]: string}

	// Communicator configures remote access into the running machine
	communicator?: {
		type:              "ssh" | "none"
		user?:             string
		port?:             int & >0 & <65536
		private_key_path?: string
	}

	// Computed is a Starlark script whose globals merge into the
	// provider config
	computed?: string
}
`

const builtinWorkspaceSchema = `
// Workspace configuration schema
#Workspace: {
	// Name is the workspace name
	name: string & =~"^[a-zA-Z0-9_-]+$"

	// Version is the configuration format version
	version?: string

	// DefaultProvider is applied to machines without a provider type
	default_provider?: string & =~"^[a-z][a-z0-9._-]*$"

	// Variables are workspace-level values for computed scripts
	variables?: {[string]: _}

	// Backend configures identity persistence
	backend?: {
		type:  "sqlite"
		path?: string
		config?: {...}
	}

	// Policy configures action guardrails
	policy?: {
		enabled: bool
		paths?: [...string]
		mode?: "advisory" | "enforcing"
	}

	// Metadata contains additional workspace metadata
	metadata?: {[string]: _}
}
`

const builtinProviderSchema = `
// Provider reference schema
#Provider: {
	// Type is the registered provider type
	type?: string & =~"^[a-z][a-z0-9._-]*$"

	// Version is the provider version constraint
	version?: string

	// Config is provider-specific configuration
	config?: {...}
}
`

const builtinBoxSchema = `
// Box reference schema
#Box: {
	// Name is the box name (e.g., "ubuntu/jammy64")
	name: string & =~"^[a-zA-Z0-9][a-zA-Z0-9/._-]*$"

	// Version is the box version constraint or resolved version
	version?: string

	// Source is the location the box is obtained from
	source?: string

	// Checksum is the SHA256 checksum of the box artifact
	checksum?: string & =~"^(sha256:)?[a-fA-F0-9]{64}$"
}
`

// ValidateMachine validates a machine definition against the machine schema.
func (sr *SchemaRegistry) ValidateMachine(ctx context.Context, def MachineDefinition) error {
	return sr.ValidateAgainstSchema(ctx, "machine", def)
}

// ValidateWorkspace validates a workspace configuration against the
// workspace schema.
func (sr *SchemaRegistry) ValidateWorkspace(ctx context.Context, workspace WorkspaceConfig) error {
	return sr.ValidateAgainstSchema(ctx, "workspace", workspace)
}

// ValidateProvider validates a provider reference against the provider
// schema.
func (sr *SchemaRegistry) ValidateProvider(ctx context.Context, provider ProviderRef) error {
	return sr.ValidateAgainstSchema(ctx, "provider", provider)
}

// ValidateBox validates a box reference against the box schema.
func (sr *SchemaRegistry) ValidateBox(ctx context.Context, box BoxRef) error {
	return sr.ValidateAgainstSchema(ctx, "box", box)
}
