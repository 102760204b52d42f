package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openrig/openrig/pkg/engine"
)

var _ engine.ActionPolicy = (*Engine)(nil)

func TestNewEngine(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	if eng == nil {
		t.Fatal("Engine is nil")
	}

	// Check that built-in policies are loaded
	policies := eng.ListPolicies()
	if len(policies) == 0 {
		t.Fatal("No built-in policies loaded")
	}

	expectedPolicies := []string{
		"protected-machines",
		"action-naming",
		"maintenance-windows",
	}

	for _, expected := range expectedPolicies {
		found := false
		for _, p := range policies {
			if p.Name == expected {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Expected built-in policy not found: %s", expected)
		}
	}

	// Maintenance windows are opt-in
	mw, err := eng.GetPolicy("maintenance-windows")
	if err != nil {
		t.Fatalf("Failed to get policy: %v", err)
	}
	if mw.Enabled {
		t.Error("Expected maintenance-windows to be disabled by default")
	}
}

func TestEvaluateAction_ActionNaming(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	tests := []struct {
		name            string
		action          string
		expectAllowed   bool
		expectViolation bool
	}{
		{
			name:            "valid action name",
			action:          "up",
			expectAllowed:   true,
			expectViolation: false,
		},
		{
			name:            "hyphenated action name",
			action:          "rotate-keys",
			expectAllowed:   true,
			expectViolation: false,
		},
		{
			name:            "uppercase in name",
			action:          "Destroy",
			expectAllowed:   false,
			expectViolation: true,
		},
		{
			name:            "name with spaces",
			action:          "run thing",
			expectAllowed:   false,
			expectViolation: true,
		},
		{
			name:            "name starting with digit",
			action:          "9lives",
			expectAllowed:   false,
			expectViolation: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := eng.EvaluateAction(context.Background(), engine.ActionPolicyInput{
				Machine:  "web-1",
				Action:   tt.action,
				Provider: "docker",
			})
			if err != nil {
				t.Fatalf("Evaluation failed: %v", err)
			}

			if decision.Allowed != tt.expectAllowed {
				t.Errorf("Expected allowed=%v, got %v. Violations: %+v",
					tt.expectAllowed, decision.Allowed, decision.Violations)
			}

			hasViolation := len(decision.Violations) > 0
			if hasViolation != tt.expectViolation {
				t.Errorf("Expected violation=%v, got %v violations: %+v",
					tt.expectViolation, hasViolation, decision.Violations)
			}

			if decision.EvaluatedAt.IsZero() {
				t.Error("Expected EvaluatedAt to be set")
			}
		})
	}
}

func TestEvaluateAction_ProtectedMachines(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	tests := []struct {
		name          string
		action        string
		metadata      map[string]interface{}
		expectAllowed bool
	}{
		{
			name:          "destroy on protected machine",
			action:        "destroy",
			metadata:      map[string]interface{}{"protected": true},
			expectAllowed: false,
		},
		{
			name:          "halt on protected machine",
			action:        "halt",
			metadata:      map[string]interface{}{"protected": true},
			expectAllowed: false,
		},
		{
			name:          "up on protected machine",
			action:        "up",
			metadata:      map[string]interface{}{"protected": true},
			expectAllowed: true,
		},
		{
			name:          "destroy without metadata",
			action:        "destroy",
			metadata:      nil,
			expectAllowed: true,
		},
		{
			name:          "destroy in production without approval",
			action:        "destroy",
			metadata:      map[string]interface{}{"environment": "production"},
			expectAllowed: false,
		},
		{
			name:   "destroy in production with approval",
			action: "destroy",
			metadata: map[string]interface{}{
				"environment": "production",
				"approved":    true,
			},
			expectAllowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := eng.EvaluateAction(context.Background(), engine.ActionPolicyInput{
				Machine:   "db-1",
				MachineID: "i-abc123",
				Action:    tt.action,
				Provider:  "docker",
				Metadata:  tt.metadata,
			})
			if err != nil {
				t.Fatalf("Evaluation failed: %v", err)
			}

			if decision.Allowed != tt.expectAllowed {
				t.Errorf("Expected allowed=%v, got %v. Violations: %+v",
					tt.expectAllowed, decision.Allowed, decision.Violations)
			}

			if !tt.expectAllowed {
				found := false
				for _, v := range decision.Violations {
					if v.Policy == "protected-machines" {
						found = true
						if v.Severity != string(SeverityCritical) {
							t.Errorf("Expected critical severity, got %s", v.Severity)
						}
					}
				}
				if !found {
					t.Errorf("Expected a protected-machines violation, got %+v", decision.Violations)
				}
				if decision.Reason() == "" {
					t.Error("Expected a non-empty denial reason")
				}
			}
		})
	}
}

func TestEvaluateAction_MaintenanceWindow(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	input := engine.ActionPolicyInput{
		Machine:  "web-1",
		Action:   "destroy",
		Provider: "docker",
	}

	atHour := func(hour int) func() time.Time {
		return func() time.Time {
			return time.Date(2024, 3, 15, hour, 30, 0, 0, time.UTC)
		}
	}

	t.Run("disabled by default", func(t *testing.T) {
		eng.now = atHour(12)

		decision, err := eng.EvaluateAction(context.Background(), input)
		if err != nil {
			t.Fatalf("Evaluation failed: %v", err)
		}
		if !decision.Allowed {
			t.Errorf("Expected allowed with policy disabled, got violations: %+v", decision.Violations)
		}
	})

	if err := eng.EnablePolicy("maintenance-windows"); err != nil {
		t.Fatalf("Failed to enable policy: %v", err)
	}

	t.Run("outside window", func(t *testing.T) {
		eng.now = atHour(12)

		decision, err := eng.EvaluateAction(context.Background(), input)
		if err != nil {
			t.Fatalf("Evaluation failed: %v", err)
		}
		if decision.Allowed {
			t.Error("Expected denial outside the maintenance window")
		}

		found := false
		for _, v := range decision.Violations {
			if v.Policy == "maintenance-windows" {
				found = true
			}
		}
		if !found {
			t.Errorf("Expected a maintenance-windows violation, got %+v", decision.Violations)
		}
	})

	t.Run("inside window late evening", func(t *testing.T) {
		eng.now = atHour(23)

		decision, err := eng.EvaluateAction(context.Background(), input)
		if err != nil {
			t.Fatalf("Evaluation failed: %v", err)
		}
		if !decision.Allowed {
			t.Errorf("Expected allowed inside the window, got violations: %+v", decision.Violations)
		}
	})

	t.Run("inside window early morning", func(t *testing.T) {
		eng.now = atHour(4)

		decision, err := eng.EvaluateAction(context.Background(), input)
		if err != nil {
			t.Fatalf("Evaluation failed: %v", err)
		}
		if !decision.Allowed {
			t.Errorf("Expected allowed inside the window, got violations: %+v", decision.Violations)
		}
	})

	t.Run("non-disruptive action outside window", func(t *testing.T) {
		eng.now = atHour(12)

		decision, err := eng.EvaluateAction(context.Background(), engine.ActionPolicyInput{
			Machine: "web-1",
			Action:  "up",
		})
		if err != nil {
			t.Fatalf("Evaluation failed: %v", err)
		}
		if !decision.Allowed {
			t.Errorf("Expected allowed for non-disruptive action, got violations: %+v", decision.Violations)
		}
	})
}

func TestEvaluateAction_WarningSeverityDoesNotDeny(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	advisory := &Policy{
		Name:        "reload-advisory",
		Description: "Flags reload as deprecated",
		Severity:    SeverityWarning,
		Enabled:     true,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package openrig.policies.advisory

import rego.v1

deny contains violation if {
	input.action == "reload"
	violation := {
		"message": "reload is deprecated, prefer halt followed by up",
		"severity": "warning",
	}
}`,
	}

	eng.mu.Lock()
	err = eng.compileAndStorePolicy(context.Background(), advisory)
	eng.mu.Unlock()
	if err != nil {
		t.Fatalf("Failed to compile policy: %v", err)
	}

	decision, err := eng.EvaluateAction(context.Background(), engine.ActionPolicyInput{
		Machine: "web-1",
		Action:  "reload",
	})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}

	if !decision.Allowed {
		t.Errorf("Expected warning violations not to deny, got violations: %+v", decision.Violations)
	}

	found := false
	for _, v := range decision.Violations {
		if v.Policy == "reload-advisory" && v.Severity == string(SeverityWarning) {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected a reload-advisory warning, got %+v", decision.Violations)
	}
}

func TestLoadPoliciesFromDirectory(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	regoContent := `# name: forbid-reset
# severity: error
# description: Denies the reset action on every machine.
package openrig.policies.reset

import rego.v1

deny contains violation if {
	input.action == "reset"
	violation := {
		"message": sprintf("Action '%s' is forbidden on this fleet", [input.action]),
		"severity": "error",
	}
}`

	tmpDir := t.TempDir()
	policyFile := filepath.Join(tmpDir, "reset.rego")
	if err := os.WriteFile(policyFile, []byte(regoContent), 0644); err != nil {
		t.Fatalf("Failed to write policy file: %v", err)
	}

	if err := eng.LoadPolicies(context.Background(), []string{tmpDir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	loaded, err := eng.GetPolicy("forbid-reset")
	if err != nil {
		t.Fatalf("Failed to get loaded policy: %v", err)
	}
	if loaded.Severity != SeverityError {
		t.Errorf("Expected severity error, got %s", loaded.Severity)
	}

	decision, err := eng.EvaluateAction(context.Background(), engine.ActionPolicyInput{
		Machine: "web-1",
		Action:  "reset",
	})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}

	if decision.Allowed {
		t.Error("Expected reset to be denied by the loaded policy")
	}

	found := false
	for _, v := range decision.Violations {
		if v.Policy == "forbid-reset" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected a forbid-reset violation, got %+v", decision.Violations)
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	policyName := "action-naming"

	// Disable the policy
	err = eng.DisablePolicy(policyName)
	if err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}

	policy, err := eng.GetPolicy(policyName)
	if err != nil {
		t.Fatalf("Failed to get policy: %v", err)
	}

	if policy.Enabled {
		t.Error("Policy should be disabled")
	}

	// Evaluate an invalid action name - should pass because the policy
	// is disabled
	decision, err := eng.EvaluateAction(context.Background(), engine.ActionPolicyInput{
		Machine: "web-1",
		Action:  "BAD ACTION",
	})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}

	for _, v := range decision.Violations {
		if v.Policy == policyName {
			t.Error("Disabled policy should not generate violations")
		}
	}

	// Re-enable the policy
	err = eng.EnablePolicy(policyName)
	if err != nil {
		t.Fatalf("Failed to enable policy: %v", err)
	}

	policy, err = eng.GetPolicy(policyName)
	if err != nil {
		t.Fatalf("Failed to get policy: %v", err)
	}

	if !policy.Enabled {
		t.Error("Policy should be enabled")
	}

	decision, err = eng.EvaluateAction(context.Background(), engine.ActionPolicyInput{
		Machine: "web-1",
		Action:  "BAD ACTION",
	})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}

	if decision.Allowed {
		t.Error("Expected denial after re-enabling the naming policy")
	}
}

func TestEnablePolicy_Unknown(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	if err := eng.EnablePolicy("no-such-policy"); err == nil {
		t.Error("Expected error for unknown policy")
	}
	if err := eng.DisablePolicy("no-such-policy"); err == nil {
		t.Error("Expected error for unknown policy")
	}
	if _, err := eng.GetPolicy("no-such-policy"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestReloadPolicies(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	initialCount := len(eng.ListPolicies())

	// Reload policies
	err = eng.ReloadPolicies(context.Background())
	if err != nil {
		t.Fatalf("Failed to reload policies: %v", err)
	}

	afterReloadCount := len(eng.ListPolicies())

	if initialCount != afterReloadCount {
		t.Errorf("Expected %d policies after reload, got %d", initialCount, afterReloadCount)
	}
}

func TestReplacePolicies(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	builtinCount := len(eng.ListPolicies())

	custom := Policy{
		Name:      "custom-gate",
		Severity:  SeverityError,
		Enabled:   true,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		Rego: `package openrig.policies.custom

import rego.v1

deny contains violation if {
	input.action == "custom-blocked"
	violation := {"message": "blocked", "severity": "error"}
}`,
	}

	if err := eng.ReplacePolicies(context.Background(), []Policy{custom}); err != nil {
		t.Fatalf("Failed to replace policies: %v", err)
	}

	if got := len(eng.ListPolicies()); got != builtinCount+1 {
		t.Errorf("Expected %d policies after replace, got %d", builtinCount+1, got)
	}

	// Replacing again with an empty set drops the custom policy
	if err := eng.ReplacePolicies(context.Background(), nil); err != nil {
		t.Fatalf("Failed to replace policies: %v", err)
	}

	if _, err := eng.GetPolicy("custom-gate"); err == nil {
		t.Error("Expected custom policy to be dropped after replace")
	}
}

func TestListPolicies(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	policies := eng.ListPolicies()

	if len(policies) == 0 {
		t.Fatal("No policies returned")
	}

	// Check that all policies have required fields
	for _, p := range policies {
		if p.Name == "" {
			t.Error("Policy has empty name")
		}
		if p.Rego == "" {
			t.Error("Policy has empty Rego code")
		}
		if p.CreatedAt.IsZero() {
			t.Error("Policy has zero CreatedAt")
		}
	}
}

func TestExtractPackageName(t *testing.T) {
	tests := []struct {
		name     string
		rego     string
		expected string
	}{
		{
			name:     "simple package",
			rego:     "package openrig.policies.naming\n\nimport rego.v1",
			expected: "openrig.policies.naming",
		},
		{
			name:     "package after comments",
			rego:     "# a comment\n# another\npackage custom.gate",
			expected: "custom.gate",
		},
		{
			name:     "no package line",
			rego:     "deny contains x if { false }",
			expected: "openrig.policies",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractPackageName(tt.rego)
			if got != tt.expected {
				t.Errorf("Expected package '%s', got '%s'", tt.expected, got)
			}
		})
	}
}
