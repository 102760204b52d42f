package config

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openrig/openrig/pkg/engine"
)

// BuildMachines materializes machine definitions into engine machines,
// resolving each definition's provider through the resolver. Definitions
// are built in order; the first failure releases the providers of machines
// already built and returns the error.
func BuildMachines(ctx context.Context, env *engine.Environment, resolver engine.ProviderResolver, defs []MachineDefinition) ([]*engine.Machine, error) {
	if env == nil {
		return nil, fmt.Errorf("environment must not be nil")
	}
	if resolver == nil {
		return nil, fmt.Errorf("provider resolver must not be nil")
	}

	evaluator := NewStarlarkEvaluator(0)

	machines := make([]*engine.Machine, 0, len(defs))
	seen := make(map[string]struct{}, len(defs))

	for i := range defs {
		def := &defs[i]

		if _, dup := seen[def.Name]; dup {
			closeMachines(ctx, machines)
			return nil, fmt.Errorf("duplicate machine definition %q", def.Name)
		}
		seen[def.Name] = struct{}{}

		if def.Provider.Type == "" {
			closeMachines(ctx, machines)
			return nil, fmt.Errorf("machine %s has no provider type", def.Name)
		}

		providerConfig, err := renderConfig(ctx, evaluator, def)
		if err != nil {
			closeMachines(ctx, machines)
			return nil, fmt.Errorf("failed to render config for machine %s: %w", def.Name, err)
		}

		factory, err := resolver.Resolve(def.Provider.Type, def.Provider.Version)
		if err != nil {
			closeMachines(ctx, machines)
			return nil, err
		}

		m, err := engine.NewMachine(ctx, def.Name, factory, providerConfig, def.EngineBox(), env)
		if err != nil {
			closeMachines(ctx, machines)
			return nil, err
		}
		machines = append(machines, m)
	}

	env.Logger().WithField("machines", len(machines)).Debug("Machine definitions materialized")
	return machines, nil
}

// renderConfig produces the machine's provider configuration. Definitions
// without a computed script pass their config through opaquely; otherwise
// the script runs with name, labels, and the decoded config predeclared,
// and its exported globals override config keys of the same name.
func renderConfig(ctx context.Context, evaluator *StarlarkEvaluator, def *MachineDefinition) (json.RawMessage, error) {
	if def.Computed == "" {
		return def.Provider.Config, nil
	}

	base := make(map[string]interface{})
	if len(def.Provider.Config) > 0 {
		if err := json.Unmarshal(def.Provider.Config, &base); err != nil {
			return nil, fmt.Errorf("provider config must be an object when computed is set: %w", err)
		}
	}

	labels := def.Labels
	if labels == nil {
		labels = map[string]string{}
	}

	result, err := evaluator.Evaluate(ctx, def.Computed, map[string]interface{}{
		"name":   def.Name,
		"labels": labels,
		"config": base,
	})
	if err != nil {
		return nil, err
	}

	for key, val := range result.Output {
		base[key] = val
	}

	data, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rendered config: %w", err)
	}
	return data, nil
}

// closeMachines releases the providers of already-built machines after a
// later definition fails. Best-effort; only providers with the Closer
// upgrade hold external resources.
func closeMachines(ctx context.Context, machines []*engine.Machine) {
	for _, m := range machines {
		if closer, ok := m.Provider().(engine.Closer); ok {
			_ = closer.Close(ctx)
		}
	}
}
