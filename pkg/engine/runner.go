package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/openrig/openrig/pkg/telemetry"
)

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	// Logger receives dispatch log output. When nil, logging is discarded.
	Logger *telemetry.Logger

	// Tracer wraps each dispatch in a span. Optional.
	Tracer *telemetry.Tracer

	// Metrics records dispatch counters and durations. Optional.
	Metrics *telemetry.Metrics

	// Events publishes dispatch lifecycle events. Optional.
	Events *telemetry.EventPublisher

	// Policy is consulted before the callable is invoked. A denial ends
	// the dispatch without running the callable. Optional.
	Policy ActionPolicy

	// Recorder appends an audit record per completed dispatch. Optional.
	Recorder ActionRecorder

	// DefaultTimeout bounds each dispatch. Zero means no timeout.
	DefaultTimeout time.Duration
}

// Runner executes dispatched callables one at a time, synchronously. Each
// dispatch is assigned a unique run ID and instrumented; the callable's
// error is surfaced to the caller unchanged. There is no queueing and no
// retrying at this layer.
type Runner struct {
	logger         *telemetry.Logger
	tracer         *telemetry.Tracer
	metrics        *telemetry.Metrics
	events         *telemetry.EventPublisher
	policy         ActionPolicy
	recorder       ActionRecorder
	defaultTimeout time.Duration
}

// NewRunner creates a new runner.
func NewRunner(cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}

	return &Runner{
		logger:         logger,
		tracer:         cfg.Tracer,
		metrics:        cfg.Metrics,
		events:         cfg.Events,
		policy:         cfg.Policy,
		recorder:       cfg.Recorder,
		defaultTimeout: cfg.DefaultTimeout,
	}
}

// Run executes the callable with the given dispatch context.
func (r *Runner) Run(ctx context.Context, fn ActionFunc, actx *ActionContext) (*ActionResult, error) {
	if fn == nil {
		return nil, NewPermanentError("callable is nil", nil).WithCode(ErrCodeValidation)
	}
	if actx == nil || actx.Machine == nil {
		return nil, NewPermanentError("dispatch context has no machine", nil).
			WithCode(ErrCodeValidation)
	}

	runID := uuid.New().String()
	actx.RunID = runID

	machine := actx.Machine.Name()
	machineID := actx.Machine.ID()
	action := actx.Action

	result := &ActionResult{
		RunID:     runID,
		Machine:   machine,
		MachineID: machineID,
		Action:    action,
		Status:    RunStatusRunning,
		StartedAt: time.Now(),
	}

	logger := r.logger.WithRunID(runID).WithMachine(machine).WithAction(action)

	if r.policy != nil {
		decision, err := r.policy.EvaluateAction(ctx, ActionPolicyInput{
			Machine:   machine,
			MachineID: machineID,
			Action:    action,
			Provider:  actx.Machine.Provider().Metadata().Name,
			Metadata:  actx.Metadata,
		})
		if err != nil {
			evalErr := NewPermanentError("action policy evaluation failed", err).
				WithCode(ErrCodeInternal).WithMachine(machine).WithAction(action)
			r.finish(ctx, result, RunStatusFailed, evalErr)
			logger.WithError(err).Error("Action policy evaluation failed")
			return result, evalErr
		}
		if !decision.Allowed {
			reason := decision.Reason()
			denied := NewPolicyDeniedError(machine, action, reason)
			r.finish(ctx, result, RunStatusDenied, denied)
			if r.metrics != nil {
				r.metrics.RecordPolicyDenial(action)
			}
			if r.events != nil {
				_ = r.events.PublishPolicyDenied(runID, machine, action, reason)
			}
			logger.WithField("reason", reason).Warn("Action denied by policy")
			return result, denied
		}
	}

	if r.metrics != nil {
		r.metrics.RecordActionDispatched(action)
	}
	if r.events != nil {
		_ = r.events.PublishActionStarted(runID, machine, action)
	}
	logger.Debug("Dispatching action")

	runCtx := ctx
	var span trace.Span
	if r.tracer != nil {
		runCtx, span = r.tracer.StartActionSpan(ctx, runID, machine, action)
	}
	if r.defaultTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, r.defaultTimeout)
		defer cancel()
	}

	output, err := fn(runCtx, actx)
	result.Output = output

	status := RunStatusSucceeded
	if err != nil {
		status = RunStatusFailed
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = RunStatusCancelled
		}
	}
	r.finish(ctx, result, status, err)

	if span != nil {
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
		span.End()
	}
	if r.metrics != nil {
		r.metrics.RecordActionCompleted(action, string(status), result.Duration)
	}
	if r.events != nil {
		if err != nil {
			_ = r.events.PublishActionFailed(runID, machine, action, err.Error())
		} else {
			_ = r.events.PublishActionCompleted(runID, machine, action, string(status), result.Duration)
		}
	}

	if err != nil {
		logger.WithError(err).Error("Action failed")
	} else {
		logger.WithField("duration", result.Duration.String()).Info("Action completed")
	}

	// The callable's error is returned as-is.
	return result, err
}

// finish seals the result and appends the audit record.
func (r *Runner) finish(ctx context.Context, result *ActionResult, status RunStatus, err error) {
	result.Status = status
	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	result.Error = classifyError(err)

	if r.recorder == nil {
		return
	}

	record := &ActionRecord{
		RunID:       result.RunID,
		Machine:     result.Machine,
		MachineID:   result.MachineID,
		Action:      result.Action,
		Status:      result.Status,
		StartedAt:   result.StartedAt,
		CompletedAt: result.CompletedAt,
		Duration:    result.Duration,
	}
	if err != nil {
		record.Error = err.Error()
	}

	if recErr := r.recorder.RecordAction(ctx, record); recErr != nil {
		// Audit failures must not mask the dispatch outcome.
		r.logger.WithRunID(result.RunID).WithError(recErr).
			Warn("Failed to record action audit entry")
	}
}

// classifyError converts an error into a classified engine error for the
// result payload. Errors already classified pass through.
func classifyError(err error) *EngineError {
	if err == nil {
		return nil
	}

	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr
	}

	return NewPermanentError("action execution failed", err).
		WithCode(ErrCodeInternal)
}
