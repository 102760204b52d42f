// Package engine provides the core types and interfaces for the OpenRig machine engine.
//
// # Overview
//
// OpenRig manages the lifecycle of machines behind an open set of pluggable
// backends. The engine is the seam where a stable, backend-agnostic contract
// is enforced against providers whose capabilities are not statically known:
// each backend may implement a different subset of actions, return opaque
// identifiers in any string format, and hold its own view of machine state.
//
// The central type is Machine, which binds together:
//
//  1. A name - the immutable persistence key
//  2. A provider - the exclusively owned backend instance
//  3. A configuration value and box reference - held opaque and read-only
//  4. An environment - a non-owning back-reference to shared collaborators
//  5. An identifier - the backend-assigned id, kept in lockstep with storage
//
// # Core Domain Types
//
// The package defines the types representing the dispatch model:
//
//   - Machine: A named handle over one backend resource
//   - StateTag: An opaque, backend-defined machine state identifier
//   - ActionContext: The invocation context forwarded with each dispatch
//   - ActionResult: The outcome of one dispatched action
//   - ActionRecord: The audit row appended per completed dispatch
//   - Box: A read-only reference to an external box/image descriptor
//   - Environment: The aggregate machines reach their collaborators through
//
// # Provider Interface
//
// Backends implement machine control through the Provider interface:
//
//	type Provider interface {
//	    State(ctx context.Context) (StateTag, error)
//	    Action(name string) ActionFunc
//	    Metadata() ProviderMetadata
//	}
//
// Action resolution is capability discovery: a provider returns nil for
// action names it does not implement, and the machine reports that as an
// UNIMPLEMENTED_ACTION error instead of invoking anything. Providers are
// constructed through a ProviderFactory that receives the owning machine,
// establishing the back-reference. Optional upgrades (ConnectionProvider,
// Closer) are discovered by type assertion.
//
// # Identity Persistence
//
// A machine resolves its identifier from the environment's IdentityStore
// "active" namespace at construction (read-only), and persists changes
// through SetID: stage the mutation, commit durably, and only then update
// the in-memory field. A commit failure leaves the in-memory identifier
// unchanged, so the engine never exposes an identifier that was not
// persisted.
//
// # Error Classification
//
// Errors are classified for intelligent retry logic:
//
//   - Transient: Temporary failures that may succeed on retry
//   - Throttled: Rate limiting that requires backoff
//   - Conflict: State conflicts requiring retry
//   - Permanent: Non-recoverable errors
//
// Use the error helper functions to classify and inspect errors:
//
//	if engine.IsUnimplementedAction(err) {
//	    // The configured backend cannot serve this action
//	}
//
// # Example Usage
//
// Basic flow for dispatching a lifecycle action:
//
//	env, err := engine.NewEnvironment(engine.EnvironmentConfig{
//	    LocalData: store,
//	})
//
//	m, err := engine.NewMachine(ctx, "web-1", factory, config, box, env)
//
//	result, err := m.Action(ctx, "up")
//	if engine.IsUnimplementedAction(err) {
//	    // capability mismatch between configuration and backend
//	}
//
//	if err := m.SetID(ctx, "vm-123"); err != nil {
//	    // identity was not persisted; in-memory id unchanged
//	}
//
// # Thread Safety
//
// A Machine is not safe for concurrent use: callers run at most one
// operation per instance at a time. The Runner and Environment are safe to
// share across machines.
package engine
