package config

import (
	"context"
	"strings"
	"testing"
)

func TestSchemaRegistry_RegisterAndGet(t *testing.T) {
	sr := NewSchemaRegistry()

	customSchema := `
#CustomType: {
	field1: string
	field2: int
}
`

	err := sr.RegisterSchema("custom", customSchema)
	if err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}

	schema, ok := sr.GetSchema("custom")
	if !ok {
		t.Fatal("expected to find custom schema")
	}

	if schema.Err() != nil {
		t.Errorf("schema has errors: %v", schema.Err())
	}
}

func TestSchemaRegistry_BuiltInSchemas(t *testing.T) {
	sr := NewSchemaRegistry()

	builtins := []string{
		"machine",
		"workspace",
		"provider",
		"box",
	}

	for _, name := range builtins {
		t.Run(name, func(t *testing.T) {
			schema, ok := sr.GetSchema(name)
			if !ok {
				t.Fatalf("built-in schema %s not found", name)
			}

			if schema.Err() != nil {
				t.Errorf("built-in schema %s has errors: %v", name, schema.Err())
			}
		})
	}
}

func TestSchemaRegistry_ValidateMachine(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	tests := []struct {
		name    string
		def     MachineDefinition
		wantErr bool
	}{
		{
			name: "valid machine",
			def: MachineDefinition{
				Name: "web",
				Provider: ProviderRef{
					Type:   "virtualbox",
					Config: []byte(`{"memory":2048,"cpus":2}`),
				},
				Box:    &BoxRef{Name: "ubuntu/jammy64", Version: "1.2.3"},
				Labels: map[string]string{"env": "staging"},
			},
			wantErr: false,
		},
		{
			name: "valid machine with communicator",
			def: MachineDefinition{
				Name:     "db",
				Provider: ProviderRef{Type: "docker"},
				Communicator: &CommunicatorConfig{
					Type: "ssh",
					User: "ops",
					Port: 2222,
				},
			},
			wantErr: false,
		},
		{
			name: "invalid machine - name with spaces",
			def: MachineDefinition{
				Name:     "web server",
				Provider: ProviderRef{Type: "docker"},
			},
			wantErr: true,
		},
		{
			name: "invalid machine - uppercase provider type",
			def: MachineDefinition{
				Name:     "web",
				Provider: ProviderRef{Type: "VirtualBox"},
			},
			wantErr: true,
		},
		{
			name: "invalid machine - malformed box checksum",
			def: MachineDefinition{
				Name:     "web",
				Provider: ProviderRef{Type: "docker"},
				Box:      &BoxRef{Name: "ubuntu/jammy64", Checksum: "xyz"},
			},
			wantErr: true,
		},
		{
			name: "valid machine - sha256 checksum",
			def: MachineDefinition{
				Name:     "web",
				Provider: ProviderRef{Type: "docker"},
				Box:      &BoxRef{Name: "ubuntu/jammy64", Checksum: strings.Repeat("a", 64)},
			},
			wantErr: false,
		},
		{
			name: "invalid machine - communicator port out of range",
			def: MachineDefinition{
				Name:         "web",
				Provider:     ProviderRef{Type: "docker"},
				Communicator: &CommunicatorConfig{Type: "ssh", Port: 70000},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateMachine(ctx, tt.def)

			if tt.wantErr {
				if err == nil {
					t.Error("expected validation error, got none")
				}
			} else {
				if err != nil {
					t.Errorf("unexpected validation error: %v", err)
				}
			}
		})
	}
}

func TestSchemaRegistry_ValidateWorkspace(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	tests := []struct {
		name      string
		workspace WorkspaceConfig
		wantErr   bool
	}{
		{
			name: "valid workspace",
			workspace: WorkspaceConfig{
				Name:    "test-workspace",
				Version: "1.0",
				Backend: &BackendConfig{
					Type: "sqlite",
					Path: "./data/openrig.db",
				},
			},
			wantErr: false,
		},
		{
			name: "valid workspace with policy",
			workspace: WorkspaceConfig{
				Name: "guarded",
				Policy: &PolicyConfig{
					Enabled: true,
					Paths:   []string{"./policies"},
					Mode:    "enforcing",
				},
			},
			wantErr: false,
		},
		{
			name: "invalid workspace - bad name",
			workspace: WorkspaceConfig{
				Name:    "invalid name!",
				Version: "1.0",
			},
			wantErr: true,
		},
		{
			name: "invalid workspace - unknown backend type",
			workspace: WorkspaceConfig{
				Name:    "test",
				Backend: &BackendConfig{Type: "postgres"},
			},
			wantErr: true,
		},
		{
			name: "invalid workspace - unknown policy mode",
			workspace: WorkspaceConfig{
				Name:   "test",
				Policy: &PolicyConfig{Enabled: true, Mode: "dryrun"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateWorkspace(ctx, tt.workspace)

			if tt.wantErr {
				if err == nil {
					t.Error("expected validation error, got none")
				}
			} else {
				if err != nil {
					t.Errorf("unexpected validation error: %v", err)
				}
			}
		})
	}
}

func TestSchemaRegistry_ValidateProvider(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	tests := []struct {
		name     string
		provider ProviderRef
		wantErr  bool
	}{
		{
			name:     "valid provider",
			provider: ProviderRef{Type: "virtualbox", Version: "~1.0.0"},
			wantErr:  false,
		},
		{
			name:     "valid provider with config",
			provider: ProviderRef{Type: "docker", Config: []byte(`{"image":"ubuntu:22.04"}`)},
			wantErr:  false,
		},
		{
			name:     "invalid provider - uppercase type",
			provider: ProviderRef{Type: "Docker"},
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateProvider(ctx, tt.provider)

			if tt.wantErr {
				if err == nil {
					t.Error("expected validation error, got none")
				}
			} else {
				if err != nil {
					t.Errorf("unexpected validation error: %v", err)
				}
			}
		})
	}
}

func TestSchemaRegistry_ValidateBox(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	tests := []struct {
		name    string
		box     BoxRef
		wantErr bool
	}{
		{
			name: "valid box",
			box: BoxRef{
				Name:    "ubuntu/jammy64",
				Version: "1.2.3",
				Source:  "https://boxes.example.com/ubuntu/jammy64",
			},
			wantErr: false,
		},
		{
			name:    "valid box with prefixed checksum",
			box:     BoxRef{Name: "alpine", Checksum: "sha256:" + strings.Repeat("0", 64)},
			wantErr: false,
		},
		{
			name:    "invalid box - checksum too short",
			box:     BoxRef{Name: "alpine", Checksum: "abc123"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateBox(ctx, tt.box)

			if tt.wantErr {
				if err == nil {
					t.Error("expected validation error, got none")
				}
			} else {
				if err != nil {
					t.Errorf("unexpected validation error: %v", err)
				}
			}
		})
	}
}

func TestSchemaRegistry_ListSchemas(t *testing.T) {
	sr := NewSchemaRegistry()

	schemas := sr.ListSchemas()

	if len(schemas) < 4 {
		t.Errorf("expected at least 4 schemas, got %d", len(schemas))
	}

	expectedSchemas := map[string]bool{
		"machine":   false,
		"workspace": false,
		"provider":  false,
		"box":       false,
	}

	for _, schema := range schemas {
		if _, exists := expectedSchemas[schema]; exists {
			expectedSchemas[schema] = true
		}
	}

	for name, found := range expectedSchemas {
		if !found {
			t.Errorf("expected built-in schema %s not found", name)
		}
	}
}

func TestSchemaRegistry_InvalidSchema(t *testing.T) {
	sr := NewSchemaRegistry()

	invalidSchema := `
this is not valid CUE syntax
`

	err := sr.RegisterSchema("invalid", invalidSchema)
	if err == nil {
		t.Error("expected error when registering invalid schema")
	}
}

func TestSchemaRegistry_UnknownSchema(t *testing.T) {
	sr := NewSchemaRegistry()

	err := sr.ValidateAgainstSchema(context.Background(), "nonexistent", map[string]interface{}{})
	if err == nil {
		t.Error("expected error for unknown schema")
	}
}
