package engine

import (
	"github.com/openrig/openrig/pkg/telemetry"
)

// EnvironmentConfig wires the collaborators machines reach through their
// owning environment.
type EnvironmentConfig struct {
	// LocalData is the identity store machines resolve and persist
	// their identifiers in. Required.
	LocalData IdentityStore

	// ActionRunner executes dispatched callables. When nil, a Runner
	// sharing this environment's telemetry is created.
	ActionRunner ActionRunner

	// Logger receives engine log output. When nil, logging is discarded.
	Logger *telemetry.Logger

	// Events publishes machine lifecycle events. Optional.
	Events *telemetry.EventPublisher

	// Metrics records machine, dispatch, and store metrics. Optional.
	Metrics *telemetry.Metrics

	// DataDir is the directory for environment-scoped working data.
	// Optional.
	DataDir string
}

// Environment aggregates the identity store, the action runner, and the
// ambient telemetry machines use. Machines hold a non-owning back-reference
// to their environment; the environment does not track the machines built
// against it.
type Environment struct {
	localData    IdentityStore
	actionRunner ActionRunner
	logger       *telemetry.Logger
	events       *telemetry.EventPublisher
	metrics      *telemetry.Metrics
	dataDir      string
}

// NewEnvironment creates an environment from the given configuration,
// defaulting what is absent.
func NewEnvironment(cfg EnvironmentConfig) (*Environment, error) {
	if cfg.LocalData == nil {
		return nil, NewPermanentError("environment requires an identity store", nil).
			WithCode(ErrCodeValidation)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}

	runner := cfg.ActionRunner
	if runner == nil {
		runner = NewRunner(RunnerConfig{
			Logger:  logger,
			Events:  cfg.Events,
			Metrics: cfg.Metrics,
		})
	}

	return &Environment{
		localData:    cfg.LocalData,
		actionRunner: runner,
		logger:       logger,
		events:       cfg.Events,
		metrics:      cfg.Metrics,
		dataDir:      cfg.DataDir,
	}, nil
}

// LocalData returns the identity store.
func (e *Environment) LocalData() IdentityStore {
	return e.localData
}

// ActionRunner returns the action runner.
func (e *Environment) ActionRunner() ActionRunner {
	return e.actionRunner
}

// Logger returns the environment logger.
func (e *Environment) Logger() *telemetry.Logger {
	return e.logger
}

// Events returns the event publisher, or nil when none is wired.
func (e *Environment) Events() *telemetry.EventPublisher {
	return e.events
}

// Metrics returns the metrics recorder, or nil when none is wired.
func (e *Environment) Metrics() *telemetry.Metrics {
	return e.metrics
}

// DataDir returns the environment data directory.
func (e *Environment) DataDir() string {
	return e.dataDir
}
