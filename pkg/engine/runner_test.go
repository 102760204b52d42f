package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakePolicy returns a preset decision or error and captures its input.
type fakePolicy struct {
	mu        sync.Mutex
	calls     int
	lastInput ActionPolicyInput
	decision  *PolicyDecision
	err       error
}

func (p *fakePolicy) EvaluateAction(ctx context.Context, input ActionPolicyInput) (*PolicyDecision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.lastInput = input
	return p.decision, p.err
}

// fakeRecorder collects audit records.
type fakeRecorder struct {
	mu      sync.Mutex
	records []*ActionRecord
	err     error
}

func (r *fakeRecorder) RecordAction(ctx context.Context, record *ActionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
	return r.err
}

func (r *fakeRecorder) recorded() []*ActionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ActionRecord, len(r.records))
	copy(out, r.records)
	return out
}

func newDispatchMachine(t *testing.T, provider *fakeProvider) *Machine {
	t.Helper()
	env := setupEnv(t, newFakeStore(), &recordingRunner{})
	m, err := NewMachine(context.Background(), "web", fakeFactory(provider), nil, nil, env)
	if err != nil {
		t.Fatalf("failed to create machine: %v", err)
	}
	return m
}

func TestNewRunner_Defaults(t *testing.T) {
	runner := NewRunner(RunnerConfig{})
	if runner == nil {
		t.Fatal("Expected non-nil runner")
	}
}

func TestRunner_Run_NilCallable(t *testing.T) {
	runner := NewRunner(RunnerConfig{})
	m := newDispatchMachine(t, &fakeProvider{})

	result, err := runner.Run(context.Background(), nil, &ActionContext{Machine: m, Action: "up"})
	if err == nil {
		t.Fatal("Expected error for nil callable, got nil")
	}
	if result != nil {
		t.Error("Expected no result for nil callable")
	}

	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.Code != ErrCodeValidation {
		t.Errorf("Expected validation error, got: %v", err)
	}
}

func TestRunner_Run_MissingMachine(t *testing.T) {
	runner := NewRunner(RunnerConfig{})
	fn := func(ctx context.Context, actx *ActionContext) (json.RawMessage, error) {
		return nil, nil
	}

	if _, err := runner.Run(context.Background(), fn, nil); err == nil {
		t.Error("Expected error for nil dispatch context, got nil")
	}
	if _, err := runner.Run(context.Background(), fn, &ActionContext{Action: "up"}); err == nil {
		t.Error("Expected error for dispatch context without machine, got nil")
	}
}

func TestRunner_Run_Success(t *testing.T) {
	runner := NewRunner(RunnerConfig{})
	m := newDispatchMachine(t, &fakeProvider{})
	output := json.RawMessage(`{"ok":true}`)

	actx := &ActionContext{Machine: m, Action: "up"}
	result, err := runner.Run(context.Background(), func(ctx context.Context, actx *ActionContext) (json.RawMessage, error) {
		return output, nil
	}, actx)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if result.RunID == "" {
		t.Error("Expected a run ID to be assigned")
	}
	if actx.RunID != result.RunID {
		t.Errorf("Expected dispatch context run ID %q, got %q", result.RunID, actx.RunID)
	}
	if result.Machine != "web" {
		t.Errorf("Expected machine %q, got %q", "web", result.Machine)
	}
	if result.Action != "up" {
		t.Errorf("Expected action %q, got %q", "up", result.Action)
	}
	if result.Status != RunStatusSucceeded {
		t.Errorf("Expected status %s, got %s", RunStatusSucceeded, result.Status)
	}
	if string(result.Output) != string(output) {
		t.Errorf("Expected output %s, got %s", output, result.Output)
	}
	if result.Error != nil {
		t.Errorf("Expected no result error, got: %v", result.Error)
	}
	if result.CompletedAt.Before(result.StartedAt) {
		t.Error("Expected completion to follow start")
	}
}

func TestRunner_Run_CallableErrorReturnedAsIs(t *testing.T) {
	runner := NewRunner(RunnerConfig{})
	m := newDispatchMachine(t, &fakeProvider{})
	cause := errors.New("boot device missing")

	result, err := runner.Run(context.Background(), func(ctx context.Context, actx *ActionContext) (json.RawMessage, error) {
		return nil, cause
	}, &ActionContext{Machine: m, Action: "up"})

	if !errors.Is(err, cause) {
		t.Errorf("Expected the callable error unchanged, got: %v", err)
	}
	if result.Status != RunStatusFailed {
		t.Errorf("Expected status %s, got %s", RunStatusFailed, result.Status)
	}
	if result.Error == nil || result.Error.Code != ErrCodeInternal {
		t.Errorf("Expected classified internal error in result, got: %v", result.Error)
	}
}

func TestRunner_Run_ClassifiedErrorPassthrough(t *testing.T) {
	runner := NewRunner(RunnerConfig{})
	m := newDispatchMachine(t, &fakeProvider{})
	throttled := NewThrottledError("api rate limited", nil)

	result, err := runner.Run(context.Background(), func(ctx context.Context, actx *ActionContext) (json.RawMessage, error) {
		return nil, throttled
	}, &ActionContext{Machine: m, Action: "up"})

	if !IsThrottled(err) {
		t.Errorf("Expected throttled error unchanged, got: %v", err)
	}
	if result.Error != throttled {
		t.Error("Expected the classified error to pass through to the result")
	}
}

func TestRunner_Run_UniqueRunIDs(t *testing.T) {
	runner := NewRunner(RunnerConfig{})
	m := newDispatchMachine(t, &fakeProvider{})
	fn := func(ctx context.Context, actx *ActionContext) (json.RawMessage, error) {
		return nil, nil
	}

	first, err := runner.Run(context.Background(), fn, &ActionContext{Machine: m, Action: "up"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	second, err := runner.Run(context.Background(), fn, &ActionContext{Machine: m, Action: "up"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if first.RunID == second.RunID {
		t.Errorf("Expected distinct run IDs, both were %q", first.RunID)
	}
}

func TestRunner_Run_PolicyDenied(t *testing.T) {
	policy := &fakePolicy{
		decision: &PolicyDecision{
			Allowed: false,
			Violations: []PolicyViolation{
				{Policy: "protected-machines", Message: "machine web is protected", Severity: "error"},
			},
		},
	}
	runner := NewRunner(RunnerConfig{Policy: policy})
	m := newDispatchMachine(t, &fakeProvider{meta: ProviderMetadata{Name: "fake"}})

	invoked := 0
	result, err := runner.Run(context.Background(), func(ctx context.Context, actx *ActionContext) (json.RawMessage, error) {
		invoked++
		return nil, nil
	}, &ActionContext{Machine: m, Action: "destroy"})

	if err == nil {
		t.Fatal("Expected denial error, got nil")
	}
	if !IsPolicyDenied(err) {
		t.Errorf("Expected policy denial, got: %v", err)
	}
	if result.Status != RunStatusDenied {
		t.Errorf("Expected status %s, got %s", RunStatusDenied, result.Status)
	}
	if invoked != 0 {
		t.Errorf("Expected callable to remain uninvoked, got %d invocations", invoked)
	}

	if policy.lastInput.Machine != "web" {
		t.Errorf("Expected policy input machine %q, got %q", "web", policy.lastInput.Machine)
	}
	if policy.lastInput.Action != "destroy" {
		t.Errorf("Expected policy input action %q, got %q", "destroy", policy.lastInput.Action)
	}
	if policy.lastInput.Provider != "fake" {
		t.Errorf("Expected policy input provider %q, got %q", "fake", policy.lastInput.Provider)
	}
}

func TestRunner_Run_PolicyAllowed(t *testing.T) {
	policy := &fakePolicy{decision: &PolicyDecision{Allowed: true}}
	runner := NewRunner(RunnerConfig{Policy: policy})
	m := newDispatchMachine(t, &fakeProvider{})

	invoked := 0
	result, err := runner.Run(context.Background(), func(ctx context.Context, actx *ActionContext) (json.RawMessage, error) {
		invoked++
		return nil, nil
	}, &ActionContext{Machine: m, Action: "up"})

	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if invoked != 1 {
		t.Errorf("Expected callable invoked once, got %d", invoked)
	}
	if result.Status != RunStatusSucceeded {
		t.Errorf("Expected status %s, got %s", RunStatusSucceeded, result.Status)
	}
	if policy.calls != 1 {
		t.Errorf("Expected one policy evaluation, got %d", policy.calls)
	}
}

func TestRunner_Run_PolicyEvaluationError(t *testing.T) {
	policy := &fakePolicy{err: errors.New("rego compile failure")}
	runner := NewRunner(RunnerConfig{Policy: policy})
	m := newDispatchMachine(t, &fakeProvider{})

	invoked := 0
	result, err := runner.Run(context.Background(), func(ctx context.Context, actx *ActionContext) (json.RawMessage, error) {
		invoked++
		return nil, nil
	}, &ActionContext{Machine: m, Action: "up"})

	if err == nil {
		t.Fatal("Expected error when policy evaluation fails, got nil")
	}

	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.Code != ErrCodeInternal {
		t.Errorf("Expected internal error, got: %v", err)
	}
	if result.Status != RunStatusFailed {
		t.Errorf("Expected status %s, got %s", RunStatusFailed, result.Status)
	}
	if invoked != 0 {
		t.Errorf("Expected callable to remain uninvoked, got %d invocations", invoked)
	}
}

func TestRunner_Run_Timeout(t *testing.T) {
	runner := NewRunner(RunnerConfig{DefaultTimeout: 10 * time.Millisecond})
	m := newDispatchMachine(t, &fakeProvider{})

	result, err := runner.Run(context.Background(), func(ctx context.Context, actx *ActionContext) (json.RawMessage, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return nil, nil
		}
	}, &ActionContext{Machine: m, Action: "up"})

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got: %v", err)
	}
	if result.Status != RunStatusCancelled {
		t.Errorf("Expected status %s, got %s", RunStatusCancelled, result.Status)
	}
}

func TestRunner_Run_RecordsAudit(t *testing.T) {
	recorder := &fakeRecorder{}
	runner := NewRunner(RunnerConfig{Recorder: recorder})
	m := newDispatchMachine(t, &fakeProvider{})

	if _, err := runner.Run(context.Background(), func(ctx context.Context, actx *ActionContext) (json.RawMessage, error) {
		return nil, nil
	}, &ActionContext{Machine: m, Action: "up"}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	cause := errors.New("disk full")
	if _, err := runner.Run(context.Background(), func(ctx context.Context, actx *ActionContext) (json.RawMessage, error) {
		return nil, cause
	}, &ActionContext{Machine: m, Action: "halt"}); !errors.Is(err, cause) {
		t.Fatalf("Expected the callable error, got: %v", err)
	}

	records := recorder.recorded()
	if len(records) != 2 {
		t.Fatalf("Expected 2 audit records, got %d", len(records))
	}

	first := records[0]
	if first.Machine != "web" || first.Action != "up" {
		t.Errorf("Expected record for web/up, got %s/%s", first.Machine, first.Action)
	}
	if first.Status != RunStatusSucceeded {
		t.Errorf("Expected status %s, got %s", RunStatusSucceeded, first.Status)
	}
	if first.Error != "" {
		t.Errorf("Expected empty error on success, got %q", first.Error)
	}

	second := records[1]
	if second.Status != RunStatusFailed {
		t.Errorf("Expected status %s, got %s", RunStatusFailed, second.Status)
	}
	if second.Error != "disk full" {
		t.Errorf("Expected error text %q, got %q", "disk full", second.Error)
	}
	if second.RunID == first.RunID {
		t.Error("Expected distinct run IDs across records")
	}
}

func TestRunner_Run_RecorderFailureDoesNotMaskOutcome(t *testing.T) {
	recorder := &fakeRecorder{err: errors.New("audit log unavailable")}
	runner := NewRunner(RunnerConfig{Recorder: recorder})
	m := newDispatchMachine(t, &fakeProvider{})

	result, err := runner.Run(context.Background(), func(ctx context.Context, actx *ActionContext) (json.RawMessage, error) {
		return nil, nil
	}, &ActionContext{Machine: m, Action: "up"})

	if err != nil {
		t.Fatalf("Expected dispatch to succeed despite audit failure, got: %v", err)
	}
	if result.Status != RunStatusSucceeded {
		t.Errorf("Expected status %s, got %s", RunStatusSucceeded, result.Status)
	}
	if len(recorder.recorded()) != 1 {
		t.Error("Expected the audit record to be attempted")
	}
}
