// Package config parses CUE machine definitions and evaluates Starlark
// computed values for OpenRig.
//
// # Overview
//
// The config package turns workspace definition files into machine
// definitions the engine can materialize: it parses CUE sources, validates
// them against built-in schemas and struct tags, and builds engine
// machines through a provider resolver.
//
// # Features
//
//   - CUE definition parsing from files, directories, and inline content
//   - Per-file parsing with an explicit merge, so duplicate machine names
//     across files are reported instead of silently unified
//   - Schema validation with built-in schemas for machines, workspaces,
//     providers, and boxes
//   - Starlark execution for computed definition values
//   - Error reporting with file locations and line numbers
//   - Materialization of definitions into engine machines
//
// # Components
//
// CUEParser: parses definition sources into a ParsedConfig holding the
// workspace configuration, the machine definitions, and any positioned
// validation errors.
//
// SchemaRegistry: manages CUE schemas. Built-in schemas cover the machine,
// workspace, provider, and box shapes; custom schemas can be registered.
//
// StarlarkEvaluator: sandboxed Starlark execution with timeout enforcement
// for computed definition values.
//
// BuildMachines: materializes parsed definitions through an
// engine.ProviderResolver into engine machines.
//
// # Usage Example
//
//	parser := config.NewCUEParser()
//
//	cfg, err := parser.Parse(ctx, []string{"./machines"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if cfg.HasErrors() {
//	    for _, e := range cfg.Errors {
//	        fmt.Println(e.Error())
//	    }
//	    return
//	}
//
//	machines, err := config.BuildMachines(ctx, env, registry, cfg.Machines)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Definition Structure
//
// A workspace is one or more CUE files declaring a workspace block and
// machines keyed by name:
//
//	workspace: {
//	    name: "staging"
//	    version: "1.0"
//	    default_provider: "virtualbox"
//	}
//
//	machines: {
//	    web: {
//	        provider: {
//	            type: "virtualbox"
//	            config: {memory: 2048, cpus: 2}
//	        }
//	        box: {name: "ubuntu/jammy64", version: "1.2.3"}
//	        labels: {env: "staging", role: "web"}
//	    }
//	    db: {
//	        box: {name: "ubuntu/jammy64"}
//	    }
//	}
//
// Machines may equally be declared as a list of definitions carrying their
// own name field. Machines without a provider type inherit the workspace
// default_provider.
//
// # Computed Values
//
// A definition's computed field holds a Starlark script evaluated when the
// machine is built. The script sees name, labels, and the decoded provider
// config; its exported globals are merged into the config:
//
//	machines: worker: {
//	    provider: {type: "virtualbox", config: {cpus: 2}}
//	    labels: {tier: "batch"}
//	    computed: """
//	        memory = 4096 if labels["tier"] == "batch" else 1024
//	        hostname = name + ".internal"
//	        """
//	}
//
// # Error Handling
//
// Parsing and validation problems carry their source position:
//
//	ValidationError{
//	    File: "machines.cue",
//	    Line: 12,
//	    Column: 5,
//	    Path: "machines.web.provider",
//	    Message: "validation failed: ...",
//	    Severity: "error",
//	}
//
// # Security
//
// Starlark execution is sandboxed: no filesystem or network access, print
// suppressed, execution bounded by a timeout (30 seconds by default).
//
// # Thread Safety
//
// Parser and registry types are safe for concurrent use.
package config
