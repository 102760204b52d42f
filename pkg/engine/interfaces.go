package engine

import (
	"context"
	"encoding/json"
	"time"
)

// ActionFunc is a callable work unit resolved from a provider for one
// action name. The runner invokes it with the dispatch context; its output
// and error are returned to the caller unchanged.
type ActionFunc func(ctx context.Context, actx *ActionContext) (json.RawMessage, error)

// Provider is the interface all machine backends implement. A provider
// instance is exclusively owned by the Machine it was constructed for and
// holds a back-reference to it. Implementations decide independently which
// actions they support; the engine never assumes a fixed action set.
type Provider interface {
	// State reports the current machine state as an opaque tag. The
	// engine returns it verbatim without caching or translation.
	State(ctx context.Context) (StateTag, error)

	// Action resolves an action name into a callable work unit. It
	// returns nil when this backend does not implement the action;
	// resolution itself never fails.
	Action(name string) ActionFunc

	// Metadata returns information about this provider implementation.
	// The description is used in capability mismatch errors.
	Metadata() ProviderMetadata
}

// ProviderFactory constructs a provider for a machine. Providers are never
// built independently of a Machine: the factory receives the owning
// machine and establishes the back-reference.
type ProviderFactory func(machine *Machine) (Provider, error)

// ConnectionProvider is an optional provider upgrade for backends that can
// expose remote access to a running machine. Discovered by type assertion.
type ConnectionProvider interface {
	// ConnectionInfo returns how to reach the machine, or nil when the
	// machine is not reachable (e.g., not created yet).
	ConnectionInfo(ctx context.Context) (*ConnectionInfo, error)
}

// Closer is an optional provider upgrade for backends that hold external
// resources (plugin runtimes, connections). Discovered by type assertion.
type Closer interface {
	// Close releases resources held by the provider.
	Close(ctx context.Context) error
}

// ActionRunner executes callable work units on behalf of machines. The
// Machine forwards the resolved callable together with an invocation
// context and returns the runner's outcome unchanged.
type ActionRunner interface {
	// Run executes the callable with the given dispatch context and
	// returns the result. The callable's error is surfaced as-is.
	Run(ctx context.Context, fn ActionFunc, actx *ActionContext) (*ActionResult, error)
}

// IdentityStore is a namespaced string mapping with explicit durability.
// Mutations are staged until Commit persists them; reads observe staged
// values (read-your-writes).
type IdentityStore interface {
	// Get retrieves the value for name in namespace. The boolean reports
	// whether an entry exists.
	Get(ctx context.Context, namespace, name string) (string, bool, error)

	// Set stages a write of namespace[name] = value.
	Set(ctx context.Context, namespace, name, value string) error

	// Delete stages removal of namespace[name]. Deleting an absent entry
	// is not an error.
	Delete(ctx context.Context, namespace, name string) error

	// EnsureNamespace creates the namespace if it does not exist.
	EnsureNamespace(ctx context.Context, namespace string) error

	// List returns all entries in a namespace.
	List(ctx context.Context, namespace string) (map[string]string, error)

	// Commit durably persists all staged mutations. Staged state must
	// survive a process crash only after Commit returns nil.
	Commit(ctx context.Context) error
}

// ActionRecorder is an optional runner collaborator that appends an audit
// record for every completed dispatch.
type ActionRecorder interface {
	// RecordAction appends one dispatch record to the audit log.
	RecordAction(ctx context.Context, record *ActionRecord) error
}

// ActionPolicy is an optional runner collaborator consulted before the
// callable is invoked. A denial aborts the dispatch; the callable is never
// run.
type ActionPolicy interface {
	// EvaluateAction decides whether the dispatch may proceed.
	EvaluateAction(ctx context.Context, input ActionPolicyInput) (*PolicyDecision, error)
}

// ActionPolicyInput is the document a policy decision is made over.
type ActionPolicyInput struct {
	// Machine is the machine name.
	Machine string `json:"machine"`

	// MachineID is the backend identifier, if assigned.
	MachineID string `json:"machine_id,omitempty"`

	// Action is the requested action name.
	Action string `json:"action"`

	// Provider is the provider name serving the machine.
	Provider string `json:"provider,omitempty"`

	// Metadata contains additional dispatch context.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// PolicyDecision represents the outcome of a policy evaluation.
type PolicyDecision struct {
	// Allowed indicates if the dispatch may proceed.
	Allowed bool `json:"allowed"`

	// Violations lists the policies that denied the dispatch.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// EvaluatedAt is when the decision was made.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// PolicyViolation represents a single policy violation.
type PolicyViolation struct {
	// Policy is the policy name that was violated.
	Policy string `json:"policy"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity (error, warning).
	Severity string `json:"severity"`
}

// Reason joins violation messages into one human-readable denial reason.
func (d *PolicyDecision) Reason() string {
	if d == nil || len(d.Violations) == 0 {
		return ""
	}
	reason := d.Violations[0].Message
	for _, v := range d.Violations[1:] {
		reason += "; " + v.Message
	}
	return reason
}

// ProviderResolver resolves a provider type and version constraint into a
// factory. Implemented by the provider registry; machines are always built
// through a resolver, never by switching on type names.
type ProviderResolver interface {
	// Resolve returns the factory registered for the provider type
	// matching the version constraint ("latest", "~x.y.z", "^x.y.z",
	// or exact).
	Resolve(providerType, versionConstraint string) (ProviderFactory, error)
}
