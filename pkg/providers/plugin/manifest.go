package plugin

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/openrig/openrig/pkg/engine"
)

// Manifest describes a wasm-packaged provider: who it is, which
// lifecycle actions the module implements, the host capabilities it
// needs, and where the module bytes live.
type Manifest struct {
	// Metadata identifies the provider.
	Metadata Metadata `yaml:"metadata"`

	// Actions are the lifecycle actions the module implements. Any name
	// not listed here resolves to no callable.
	Actions []ActionSpec `yaml:"actions"`

	// Entrypoint is the wasm module path, absolute or relative to the
	// manifest file.
	Entrypoint string `yaml:"entrypoint"`

	// Checksum is the hex sha256 of the wasm module, empty to skip
	// verification.
	Checksum string `yaml:"checksum,omitempty"`

	// Path is the file the manifest was loaded from, empty when parsed
	// from bytes.
	Path string `yaml:"-"`

	// WasmPath is the resolved path to the wasm module.
	WasmPath string `yaml:"-"`

	// Verified reports whether the module checksum has been checked.
	Verified bool `yaml:"-"`

	// actionIndex maps declared action names to their specs.
	actionIndex map[string]ActionSpec
}

// Metadata is the manifest identity block.
type Metadata struct {
	// Name is the provider type machines reference, e.g. "docker".
	Name string `yaml:"name"`

	// Version is the provider version.
	Version string `yaml:"version"`

	// Description is the human-readable provider description.
	Description string `yaml:"description,omitempty"`

	// Author is the provider author/maintainer.
	Author string `yaml:"author"`

	// License is the provider license.
	License string `yaml:"license"`

	// Repository is the source repository URL.
	Repository string `yaml:"repository,omitempty"`

	// RequiredCapabilities lists capabilities the module needs for every
	// action.
	RequiredCapabilities []string `yaml:"required_capabilities,omitempty"`
}

// ActionSpec declares one lifecycle action the module implements.
type ActionSpec struct {
	// Name is the action name machines dispatch, e.g. "up".
	Name string `yaml:"name"`

	// Description explains what the action does.
	Description string `yaml:"description"`

	// Capabilities lists extra capabilities this action needs beyond the
	// metadata-level set.
	Capabilities []string `yaml:"capabilities,omitempty"`
}

// ManifestLoader loads and validates plugin manifests.
type ManifestLoader struct {
	// BaseDir is the base directory for resolving relative entrypoints
	// when a manifest is parsed from bytes.
	BaseDir string
}

// NewManifestLoader creates a manifest loader.
func NewManifestLoader(baseDir string) *ManifestLoader {
	return &ManifestLoader{
		BaseDir: baseDir,
	}
}

// LoadFromFile loads a manifest from a YAML file and resolves the wasm
// module path relative to it.
func (l *ManifestLoader) LoadFromFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	manifest, err := l.parse(data)
	if err != nil {
		return nil, err
	}
	manifest.Path = path

	if err := l.resolveWasmPath(manifest); err != nil {
		return nil, fmt.Errorf("failed to resolve wasm path: %w", err)
	}

	return manifest, nil
}

// LoadFromBytes loads a manifest from raw YAML and verifies the given
// module bytes against the declared checksum.
func (l *ManifestLoader) LoadFromBytes(data []byte, module []byte) (*Manifest, error) {
	manifest, err := l.parse(data)
	if err != nil {
		return nil, err
	}

	if manifest.Checksum != "" {
		if err := manifest.VerifyChecksum(module); err != nil {
			return nil, err
		}
	}

	return manifest, nil
}

// parse unmarshals and validates a manifest document.
func (l *ManifestLoader) parse(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}

	if err := validateManifest(&manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	manifest.actionIndex = make(map[string]ActionSpec, len(manifest.Actions))
	for _, action := range manifest.Actions {
		manifest.actionIndex[action.Name] = action
	}

	return &manifest, nil
}

// validateManifest checks the structural invariants of a manifest.
func validateManifest(manifest *Manifest) error {
	if manifest.Metadata.Name == "" {
		return fmt.Errorf("provider name is required")
	}
	if manifest.Metadata.Version == "" {
		return fmt.Errorf("provider version is required")
	}
	if manifest.Metadata.Author == "" {
		return fmt.Errorf("provider author is required")
	}
	if manifest.Metadata.License == "" {
		return fmt.Errorf("provider license is required")
	}

	if manifest.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}

	if len(manifest.Actions) == 0 {
		return fmt.Errorf("at least one action is required")
	}

	seen := make(map[string]bool, len(manifest.Actions))
	for _, action := range manifest.Actions {
		if action.Name == "" {
			return fmt.Errorf("action name is required")
		}
		if seen[action.Name] {
			return fmt.Errorf("duplicate action %q", action.Name)
		}
		seen[action.Name] = true
		if action.Description == "" {
			return fmt.Errorf("action %s: description is required", action.Name)
		}
	}

	return nil
}

// resolveWasmPath resolves the entrypoint to an existing file.
func (l *ManifestLoader) resolveWasmPath(manifest *Manifest) error {
	switch {
	case filepath.IsAbs(manifest.Entrypoint):
		manifest.WasmPath = manifest.Entrypoint
	case manifest.Path != "":
		manifest.WasmPath = filepath.Join(filepath.Dir(manifest.Path), manifest.Entrypoint)
	default:
		manifest.WasmPath = filepath.Join(l.BaseDir, manifest.Entrypoint)
	}

	if _, err := os.Stat(manifest.WasmPath); err != nil {
		return fmt.Errorf("wasm module not found at %s: %w", manifest.WasmPath, err)
	}

	return nil
}

// VerifyChecksum verifies module bytes against the manifest checksum.
func (m *Manifest) VerifyChecksum(module []byte) error {
	if m.Checksum == "" {
		return fmt.Errorf("no checksum in manifest")
	}

	hash := sha256.Sum256(module)
	computed := hex.EncodeToString(hash[:])

	if computed != m.Checksum {
		return fmt.Errorf("wasm module checksum mismatch: expected %s, got %s",
			m.Checksum, computed)
	}

	m.Verified = true
	return nil
}

// DeclaresAction reports whether the manifest declares the named action.
func (m *Manifest) DeclaresAction(name string) bool {
	_, ok := m.actionIndex[name]
	return ok
}

// ActionNames returns the declared action names in sorted order.
func (m *Manifest) ActionNames() []string {
	names := make([]string, 0, len(m.actionIndex))
	for name := range m.actionIndex {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Capabilities returns the union of metadata-level and per-action
// capabilities, sorted.
func (m *Manifest) Capabilities() []string {
	capSet := make(map[string]bool)

	for _, cap := range m.Metadata.RequiredCapabilities {
		capSet[cap] = true
	}

	for _, action := range m.Actions {
		for _, cap := range action.Capabilities {
			capSet[cap] = true
		}
	}

	caps := make([]string, 0, len(capSet))
	for cap := range capSet {
		caps = append(caps, cap)
	}
	sort.Strings(caps)

	return caps
}

// ProviderMetadata converts the manifest identity into the engine form
// reported by Provider.Metadata.
func (m *Manifest) ProviderMetadata() engine.ProviderMetadata {
	return engine.ProviderMetadata{
		Name:                 m.Metadata.Name,
		Version:              m.Metadata.Version,
		Description:          m.Metadata.Description,
		Author:               m.Metadata.Author,
		License:              m.Metadata.License,
		Repository:           m.Metadata.Repository,
		RequiredCapabilities: m.Capabilities(),
	}
}

// Load reads a manifest file, loads the wasm module it points to, and
// verifies the checksum when one is declared.
func Load(path string) (*Manifest, []byte, error) {
	loader := NewManifestLoader(filepath.Dir(path))

	manifest, err := loader.LoadFromFile(path)
	if err != nil {
		return nil, nil, err
	}

	module, err := os.ReadFile(manifest.WasmPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read wasm module: %w", err)
	}

	if manifest.Checksum != "" {
		if err := manifest.VerifyChecksum(module); err != nil {
			return nil, nil, err
		}
	}

	return manifest, module, nil
}
