package config

import (
	"context"
	"testing"
	"time"
)

func TestStarlarkEvaluator_Evaluate(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	tests := []struct {
		name      string
		script    string
		input     map[string]interface{}
		checkFunc func(*testing.T, *StarlarkResult)
		wantErr   bool
	}{
		{
			name: "simple arithmetic",
			script: `
memory = 2 * 1024
`,
			input: nil,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["memory"] != int64(2048) {
					t.Errorf("expected memory=2048, got %v", sr.Output["memory"])
				}
			},
			wantErr: false,
		},
		{
			name: "use input variables",
			script: `
memory = cpus * 1024
`,
			input: map[string]interface{}{
				"cpus": 4,
			},
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["memory"] != int64(4096) {
					t.Errorf("expected memory=4096, got %v", sr.Output["memory"])
				}
			},
			wantErr: false,
		},
		{
			name: "derive values from machine name",
			script: `
hostname = name + ".internal"
`,
			input: map[string]interface{}{
				"name": "web",
			},
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["hostname"] != "web.internal" {
					t.Errorf("expected hostname='web.internal', got %v", sr.Output["hostname"])
				}
			},
			wantErr: false,
		},
		{
			name: "generate list with function",
			script: `
def forwarded_ports(n):
    ports = []
    for i in range(n):
        ports.append(8000 + i)
    return ports

ports = forwarded_ports(5)
`,
			input: nil,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				ports, ok := sr.Output["ports"].([]interface{})
				if !ok {
					t.Fatalf("expected ports to be a list, got %T", sr.Output["ports"])
				}
				if len(ports) != 5 {
					t.Errorf("expected list of length 5, got %d", len(ports))
				}
				if ports[0] != int64(8000) || ports[4] != int64(8004) {
					t.Errorf("unexpected port values: %v", ports)
				}
			},
			wantErr: false,
		},
		{
			name: "generate dict with function",
			script: `
def disks(count):
    out = {}
    for i in range(count):
        out["disk_" + str(i)] = {
            "size_gb": 10 * (i + 1),
        }
    return out

storage = disks(3)
`,
			input: nil,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				storage, ok := sr.Output["storage"].(map[string]interface{})
				if !ok {
					t.Fatalf("expected storage to be a dict, got %T", sr.Output["storage"])
				}
				if len(storage) != 3 {
					t.Errorf("expected dict with 3 keys, got %d", len(storage))
				}

				disk2, ok := storage["disk_2"].(map[string]interface{})
				if !ok {
					t.Fatalf("expected disk_2 to be a dict")
				}
				if disk2["size_gb"] != int64(30) {
					t.Errorf("expected disk_2.size_gb=30, got %v", disk2["size_gb"])
				}
			},
			wantErr: false,
		},
		{
			name: "list comprehension",
			script: `
ports = [8000 + i for i in range(1, 6)]
`,
			input: nil,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				ports, ok := sr.Output["ports"].([]interface{})
				if !ok {
					t.Fatalf("expected ports to be a list")
				}
				if len(ports) != 5 {
					t.Errorf("expected list of length 5, got %d", len(ports))
				}
			},
			wantErr: false,
		},
		{
			name: "dict comprehension with enumerate",
			script: `
roles = ["web", "db", "cache"]
index = {r: i for i, r in enumerate(roles)}
`,
			input: nil,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				index, ok := sr.Output["index"].(map[string]interface{})
				if !ok {
					t.Fatalf("expected index to be a dict")
				}
				if len(index) != 3 {
					t.Errorf("expected dict with 3 keys, got %d", len(index))
				}
				if index["db"] != int64(1) {
					t.Errorf("expected index['db']=1, got %v", index["db"])
				}
			},
			wantErr: false,
		},
		{
			name: "private globals are not exported",
			script: `
_scratch = 41
memory = _scratch + 1
`,
			input: nil,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if _, exists := sr.Output["_scratch"]; exists {
					t.Error("expected _scratch to be omitted from output")
				}
				if sr.Output["memory"] != int64(42) {
					t.Errorf("expected memory=42, got %v", sr.Output["memory"])
				}
			},
			wantErr: false,
		},
		{
			name: "syntax error",
			script: `
invalid syntax here
`,
			input:   nil,
			wantErr: true,
		},
		{
			name: "runtime error",
			script: `
memory = undefined_variable
`,
			input:   nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(ctx, tt.script, tt.input)

			if tt.wantErr {
				if err == nil && result.Error == "" {
					t.Errorf("expected error, got none")
				}
			} else {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				if result.Error != "" {
					t.Errorf("unexpected result error: %s", result.Error)
				}
				if tt.checkFunc != nil {
					tt.checkFunc(t, result)
				}
			}

			// Execution time is recorded for both outcomes.
			if result != nil && result.ExecutionTime == 0 {
				t.Error("expected non-zero execution time")
			}
		})
	}
}

func TestStarlarkEvaluator_Timeout(t *testing.T) {
	evaluator := NewStarlarkEvaluator(100 * time.Millisecond)
	ctx := context.Background()

	script := `
def slow_function():
    total = 0
    for i in range(10000000):
        total = total + i
    return total

out = slow_function()
`

	result, err := evaluator.Evaluate(ctx, script, nil)
	if err == nil {
		t.Error("expected timeout error")
	}

	if result != nil && result.Error == "" {
		t.Error("expected timeout error in result")
	}
}

func TestStarlarkEvaluator_TypeConversion(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	tests := []struct {
		name      string
		input     map[string]interface{}
		script    string
		checkFunc func(*testing.T, *StarlarkResult)
	}{
		{
			name: "bool conversion",
			input: map[string]interface{}{
				"gui": true,
			},
			script: `
headless = not gui
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["headless"] != false {
					t.Errorf("expected headless=false, got %v", sr.Output["headless"])
				}
			},
		},
		{
			name: "int conversion",
			input: map[string]interface{}{
				"cpus": 2,
			},
			script: `
vcpus = cpus + 2
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["vcpus"] != int64(4) {
					t.Errorf("expected vcpus=4, got %v", sr.Output["vcpus"])
				}
			},
		},
		{
			name: "float conversion",
			input: map[string]interface{}{
				"scale": 1.5,
			},
			script: `
memory = scale * 2
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				memory, ok := sr.Output["memory"].(float64)
				if !ok {
					t.Fatalf("expected memory to be float64, got %T", sr.Output["memory"])
				}
				if memory != 3.0 {
					t.Errorf("expected memory=3.0, got %.2f", memory)
				}
			},
		},
		{
			name: "string conversion",
			input: map[string]interface{}{
				"name": "web",
			},
			script: `
hostname = name + "-0"
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["hostname"] != "web-0" {
					t.Errorf("expected hostname='web-0', got %v", sr.Output["hostname"])
				}
			},
		},
		{
			name: "list conversion",
			input: map[string]interface{}{
				"roles": []interface{}{"web", "db", "cache"},
			},
			script: `
count = len(roles)
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["count"] != int64(3) {
					t.Errorf("expected count=3, got %v", sr.Output["count"])
				}
			},
		},
		{
			name: "dict conversion",
			input: map[string]interface{}{
				"config": map[string]interface{}{
					"host": "localhost",
					"port": 2222,
				},
			},
			script: `
endpoint = config["host"] + ":" + str(config["port"])
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["endpoint"] != "localhost:2222" {
					t.Errorf("expected endpoint='localhost:2222', got %v", sr.Output["endpoint"])
				}
			},
		},
		{
			name: "string map conversion",
			input: map[string]interface{}{
				"labels": map[string]string{"role": "web", "env": "staging"},
			},
			script: `
suffix = labels["role"] + "-" + labels["env"]
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["suffix"] != "web-staging" {
					t.Errorf("expected suffix='web-staging', got %v", sr.Output["suffix"])
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(ctx, tt.script, tt.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.Error != "" {
				t.Fatalf("unexpected result error: %s", result.Error)
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, result)
			}
		})
	}
}

func TestStarlarkEvaluator_Security(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	// print is suppressed; the script still runs to completion.
	script := `
print("this should not appear")
done = "ok"
`

	result, err := evaluator.Evaluate(ctx, script, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Output["done"] != "ok" {
		t.Errorf("expected done='ok', got %v", result.Output["done"])
	}
}
