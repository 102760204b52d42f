// Package policy provides Open Policy Agent (OPA) admission control for
// machine action dispatch.
//
// Every dispatch is evaluated against a set of Rego policies before the
// action callable is invoked. A denial aborts the dispatch; the callable
// never runs. The package implements the engine.ActionPolicy interface
// consulted by the action runner.
//
// # Architecture
//
// The policy system consists of four main components:
//
//  1. Engine - Compiles Rego policies and evaluates action dispatches
//  2. Loader - Loads policies from files, directories, and bundles
//  3. Types - Data structures for policies and evaluation input
//  4. Built-in Policies - Pre-defined policies for common guardrails
//
// # Usage
//
// Creating a policy engine and wiring it into a runner:
//
//	logger := zerolog.New(os.Stdout)
//	gate, err := policy.NewEngine(logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	runner := engine.NewRunner(engine.RunnerConfig{
//	    Policy: gate,
//	})
//
// Evaluating a dispatch directly:
//
//	decision, err := gate.EvaluateAction(ctx, engine.ActionPolicyInput{
//	    Machine:  "web-1",
//	    Action:   "destroy",
//	    Provider: "docker",
//	    Metadata: map[string]interface{}{"protected": true},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if !decision.Allowed {
//	    fmt.Println("denied:", decision.Reason())
//	}
//
// # Input Document
//
// Policies evaluate a document of the form:
//
//	{
//	    "machine":  {"name": "web-1", "id": "i-abc123"},
//	    "action":   "destroy",
//	    "provider": "docker",
//	    "context":  {"timestamp": "...", "metadata": {...}}
//	}
//
// The metadata map carries dispatch context supplied by the caller, such
// as environment or approval flags.
//
// # Built-in Policies
//
// The following policies are included by default:
//
//  1. protected-machines - Blocks destroy/halt on protected machines and
//     requires approval for them in production (enabled)
//  2. action-naming - Enforces action naming conventions (enabled)
//  3. maintenance-windows - Confines disruptive actions to a nightly
//     window (disabled by default)
//
// # Custom Policies
//
// Custom policies are written in Rego and loaded from .rego files. The
// leading comment block may carry front-matter directives:
//
//	# name: forbid-reset
//	# severity: error
//	# description: Denies the reset action on every machine.
//	package openrig.policies.reset
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.action == "reset"
//	    violation := {
//	        "message": "reset is not supported on this fleet",
//	        "severity": "error",
//	    }
//	}
//
// # Severity Levels
//
// Violations have four severity levels:
//
//   - info: Informational messages
//   - warning: Issues that should be reviewed but don't block dispatch
//   - error: Issues that block dispatch
//   - critical: Severe issues requiring immediate attention
//
// A dispatch is denied when any violation carries error or critical
// severity; info and warning violations are reported but do not block.
//
// # Hot Reload
//
// The loader supports watching policy files for changes and reloading with
// a short debounce:
//
//	loader := policy.NewLoader(logger)
//	err = loader.Watch(ctx, paths, func(policies []policy.Policy) error {
//	    return gate.ReplacePolicies(ctx, policies)
//	})
//
// # Performance
//
// Policies are parsed and prepared once; each evaluation reuses the
// prepared deny query with a fresh input document. Evaluation failures of
// individual policies are logged and skipped so a broken policy file
// cannot wedge every dispatch.
package policy
