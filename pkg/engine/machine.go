package engine

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/openrig/openrig/pkg/telemetry"
)

// ActiveNamespace is the identity store namespace holding the identifiers
// of machines believed to be provisioned.
const ActiveNamespace = "active"

// Machine binds a name, a provider instance, a configuration value, a box
// reference, and an owning environment. It resolves its backend identifier
// from the environment's identity store at construction and keeps the
// in-memory copy and the persisted copy in lockstep through SetID.
//
// A Machine is not safe for concurrent use: callers run at most one
// operation per instance at a time and serialize externally. Machines are
// transient per process run; a fresh construction re-reads the store.
type Machine struct {
	name     string
	provider Provider
	config   json.RawMessage
	box      *Box
	env      *Environment

	// id is the backend-assigned identifier. Empty means not yet
	// provisioned, or the provisioning record was cleared.
	id string
}

// NewMachine creates a machine and resolves its identity.
//
// The provider is instantiated first by invoking the factory with the
// machine itself, establishing the back-reference. Identity resolution
// then reads the environment's identity store "active" namespace: an entry
// keyed by name becomes the initial id, otherwise the id starts absent.
// Construction performs no store writes.
func NewMachine(ctx context.Context, name string, factory ProviderFactory, config json.RawMessage, box *Box, env *Environment) (*Machine, error) {
	if name == "" {
		return nil, NewPermanentError("machine name must not be empty", nil).
			WithCode(ErrCodeValidation)
	}
	if factory == nil {
		return nil, NewPermanentError("provider factory must not be nil", nil).
			WithCode(ErrCodeValidation).WithMachine(name)
	}
	if env == nil || env.LocalData() == nil {
		return nil, NewPermanentError("environment must expose an identity store", nil).
			WithCode(ErrCodeValidation).WithMachine(name)
	}

	m := &Machine{
		name:   name,
		config: config,
		box:    box,
		env:    env,
	}

	provider, err := factory(m)
	if err != nil {
		return nil, NewProviderConstructionError(name, err)
	}
	if provider == nil {
		return nil, NewProviderConstructionError(name, nil).
			WithDetail("reason", "factory returned no provider")
	}
	m.provider = provider

	value, ok, err := env.LocalData().Get(ctx, ActiveNamespace, name)
	if err != nil {
		return nil, NewPersistenceError("failed to resolve machine identifier", err).
			WithMachine(name)
	}
	if ok {
		m.id = value
	}

	meta := provider.Metadata()
	env.Logger().WithMachine(name).WithProvider(meta.Name, meta.Version).
		WithField("has_id", m.id != "").
		Debug("Machine initialized")
	if events := env.Events(); events != nil {
		_ = events.PublishMachineCreated(name, meta.Name)
	}
	if metrics := env.Metrics(); metrics != nil {
		metrics.RecordMachineCreated(meta.Name)
	}

	return m, nil
}

// Action dispatches a named lifecycle action against this machine.
//
// The provider resolves the name into a callable. A provider without a
// callable for the name yields an UNIMPLEMENTED_ACTION error carrying the
// action name and the provider description, with no side effects. A
// resolved callable is forwarded to the environment's action runner with
// an invocation context referencing this machine; the runner's result and
// error are returned unchanged.
func (m *Machine) Action(ctx context.Context, name string) (*ActionResult, error) {
	fn := m.provider.Action(name)
	if fn == nil {
		meta := m.provider.Metadata()
		if events := m.env.Events(); events != nil {
			_ = events.PublishActionUnimplemented(m.name, name, meta.Name)
		}
		if metrics := m.env.Metrics(); metrics != nil {
			metrics.RecordUnimplementedAction(name, meta.Name)
		}
		return nil, NewUnimplementedActionError(name, meta.Describe()).WithMachine(m.name)
	}

	return m.env.ActionRunner().Run(ctx, fn, &ActionContext{
		Machine: m,
		Action:  name,
	})
}

// SetID assigns the backend identifier for this machine, durably. An empty
// value clears the identifier, semantically forgetting the provisioning
// record without destroying the machine object.
//
// The mutation is staged against the "active" namespace (created lazily if
// absent) and committed before the call returns. The in-memory id is
// updated only after the commit succeeds: a persistence failure surfaces
// as a fatal PERSISTENCE_FAILED error and leaves the in-memory id
// unchanged, so a value that was never persisted is never exposed.
func (m *Machine) SetID(ctx context.Context, id string) error {
	store := m.env.LocalData()

	if err := store.EnsureNamespace(ctx, ActiveNamespace); err != nil {
		return NewPersistenceError("failed to ensure active namespace", err).
			WithMachine(m.name)
	}

	if id != "" {
		if err := store.Set(ctx, ActiveNamespace, m.name, id); err != nil {
			return NewPersistenceError("failed to stage machine identifier", err).
				WithMachine(m.name)
		}
	} else {
		if err := store.Delete(ctx, ActiveNamespace, m.name); err != nil {
			return NewPersistenceError("failed to stage identifier removal", err).
				WithMachine(m.name)
		}
	}

	commitCtx := ctx
	var commitSpan trace.Span
	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		commitCtx, commitSpan = tel.Tracer.StartCommitSpan(ctx, m.name)
	}
	start := time.Now()
	err := store.Commit(commitCtx)
	if commitSpan != nil {
		if err != nil {
			telemetry.RecordError(commitSpan, err)
		} else {
			telemetry.RecordSuccess(commitSpan)
		}
		commitSpan.End()
	}
	if metrics := m.env.Metrics(); metrics != nil {
		status := "succeeded"
		if err != nil {
			status = "failed"
		}
		metrics.RecordStoreCommit(status, time.Since(start))
	}
	if err != nil {
		return NewPersistenceError("failed to commit machine identifier", err).
			WithMachine(m.name)
	}

	m.id = id

	logger := m.env.Logger().WithMachine(m.name)
	if id != "" {
		logger.WithMachineID(id).Info("Machine identifier set")
		if events := m.env.Events(); events != nil {
			_ = events.PublishMachineIDSet(m.name, id)
		}
	} else {
		logger.Info("Machine identifier cleared")
		if events := m.env.Events(); events != nil {
			_ = events.PublishMachineIDCleared(m.name)
		}
	}

	return nil
}

// State reports the current machine state as seen by the provider. Pure
// delegation: whatever tag the backend returns is returned verbatim, and
// provider failures propagate as-is.
func (m *Machine) State(ctx context.Context) (StateTag, error) {
	return m.provider.State(ctx)
}

// Name returns the machine name.
func (m *Machine) Name() string {
	return m.name
}

// ID returns the backend identifier, or the empty string when the machine
// has none.
func (m *Machine) ID() string {
	return m.id
}

// Provider returns the provider instance owned by this machine.
func (m *Machine) Provider() Provider {
	return m.provider
}

// Config returns the opaque configuration value held for this machine.
func (m *Machine) Config() json.RawMessage {
	return m.config
}

// Box returns the box reference, if any.
func (m *Machine) Box() *Box {
	return m.box
}

// Env returns the owning environment.
func (m *Machine) Env() *Environment {
	return m.env
}
