// Package providers maintains the registry of provider factories the
// engine resolves machine backends from. Factories are registered under
// a type@version key and looked up through version constraints, so new
// backends plug in without any switch-on-type dispatch in the engine.
package providers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/openrig/openrig/pkg/engine"
)

// Registration describes a provider factory registered under a
// type@version key.
type Registration struct {
	// Type is the provider type, e.g. "docker" or "libvirt".
	Type string

	// Version is the exact registered version.
	Version string

	// Factory builds a provider bound to a single machine.
	Factory engine.ProviderFactory

	// Metadata describes the provider for listings and error messages.
	Metadata engine.ProviderMetadata

	// closer releases the factory's backing resource, if it has one.
	closer engine.Closer
}

// Key returns the type@version key the registration is stored under.
func (r *Registration) Key() string {
	return buildProviderKey(r.Type, r.Version)
}

// Registry maps provider types and versions to factories. It implements
// engine.ProviderResolver so machine construction can look up backends
// by type and version constraint.
type Registry struct {
	// mu protects the registration map.
	mu sync.RWMutex

	// registrations maps provider key (type@version) to registration.
	registrations map[string]*Registration
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		registrations: make(map[string]*Registration),
	}
}

// Register registers a provider factory under type@version.
// Registering the same type and version twice is an error.
func (r *Registry) Register(providerType, version string, factory engine.ProviderFactory, metadata engine.ProviderMetadata) error {
	return r.RegisterWithCloser(providerType, version, factory, metadata, nil)
}

// RegisterWithCloser registers a factory whose backing resource needs
// explicit teardown. The closer is released when the registration is
// removed or the registry is closed. Plugin hosts register their wasm
// runtime this way.
func (r *Registry) RegisterWithCloser(providerType, version string, factory engine.ProviderFactory, metadata engine.ProviderMetadata, closer engine.Closer) error {
	if providerType == "" {
		return engine.NewPermanentError("provider type is required", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if version == "" {
		return engine.NewPermanentError("provider version is required", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if factory == nil {
		return engine.NewPermanentError("provider factory is required", nil).
			WithCode(engine.ErrCodeValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := buildProviderKey(providerType, version)
	if _, exists := r.registrations[key]; exists {
		return engine.NewConflictError(fmt.Sprintf("provider %s already registered", key), nil).
			WithCode(engine.ErrCodeAlreadyExists)
	}

	r.registrations[key] = &Registration{
		Type:     providerType,
		Version:  version,
		Factory:  factory,
		Metadata: metadata,
		closer:   closer,
	}

	return nil
}

// Resolve returns the factory matching a provider type and version
// constraint. It implements engine.ProviderResolver.
func (r *Registry) Resolve(providerType, versionConstraint string) (engine.ProviderFactory, error) {
	reg, err := r.Get(providerType, versionConstraint)
	if err != nil {
		return nil, err
	}
	return reg.Factory, nil
}

// Get returns the full registration matching a provider type and
// version constraint.
func (r *Registry) Get(providerType, versionConstraint string) (*Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key, err := r.resolveVersion(providerType, versionConstraint)
	if err != nil {
		return nil, err
	}

	return r.registrations[key], nil
}

// List returns metadata for every registered provider, ordered by key.
func (r *Registry) List() []engine.ProviderMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.registrations))
	for key := range r.registrations {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	metadata := make([]engine.ProviderMetadata, 0, len(keys))
	for _, key := range keys {
		metadata = append(metadata, r.registrations[key].Metadata)
	}

	return metadata
}

// Unregister removes a provider registration and releases its backing
// resource.
func (r *Registry) Unregister(ctx context.Context, providerType, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := buildProviderKey(providerType, version)
	reg, exists := r.registrations[key]
	if !exists {
		return engine.NewUnknownProviderError(providerType).
			WithDetail("version", version)
	}

	delete(r.registrations, key)

	if reg.closer != nil {
		if err := reg.closer.Close(ctx); err != nil {
			return fmt.Errorf("failed to close provider %s: %w", key, err)
		}
	}

	return nil
}

// Close releases every registered backing resource and empties the
// registry.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for key, reg := range r.registrations {
		if reg.closer == nil {
			continue
		}
		if err := reg.closer.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close provider %s: %w", key, err))
		}
	}

	r.registrations = make(map[string]*Registration)

	if len(errs) > 0 {
		return fmt.Errorf("errors closing providers: %v", errs)
	}

	return nil
}

// resolveVersion resolves a version constraint to an exact registration
// key. Supports:
// - Exact version: "1.0.0"
// - Latest: "latest" or ""
// - Tilde range: "~1.0.0" (matches 1.0.x)
// - Caret range: "^1.0.0" (matches 1.x.x)
func (r *Registry) resolveVersion(providerType, constraint string) (string, error) {
	if constraint == "" || constraint == "latest" {
		return r.findLatestVersion(providerType)
	}

	if strings.HasPrefix(constraint, "~") {
		return r.findTildeVersion(providerType, constraint[1:])
	}

	if strings.HasPrefix(constraint, "^") {
		return r.findCaretVersion(providerType, constraint[1:])
	}

	key := buildProviderKey(providerType, constraint)
	if _, exists := r.registrations[key]; !exists {
		return "", engine.NewUnknownProviderError(providerType).
			WithDetail("version", constraint)
	}

	return key, nil
}

// findLatestVersion finds the highest registered version of a provider.
func (r *Registry) findLatestVersion(providerType string) (string, error) {
	var latest string
	for key := range r.registrations {
		if strings.HasPrefix(key, providerType+"@") {
			// Lexicographic comparison; versions are expected to be
			// zero-padded or single-digit semver in practice.
			if latest == "" || key > latest {
				latest = key
			}
		}
	}

	if latest == "" {
		return "", engine.NewUnknownProviderError(providerType)
	}

	return latest, nil
}

// findTildeVersion finds the highest version matching ~major.minor.
func (r *Registry) findTildeVersion(providerType, version string) (string, error) {
	parts := strings.Split(version, ".")
	if len(parts) < 2 {
		return "", engine.NewPermanentError(fmt.Sprintf("invalid version constraint: ~%s", version), nil).
			WithCode(engine.ErrCodeValidation)
	}

	prefix := providerType + "@" + parts[0] + "." + parts[1] + "."

	var match string
	for key := range r.registrations {
		if strings.HasPrefix(key, prefix) {
			if match == "" || key > match {
				match = key
			}
		}
	}

	if match == "" {
		return "", engine.NewUnknownProviderError(providerType).
			WithDetail("constraint", "~"+version)
	}

	return match, nil
}

// findCaretVersion finds the highest version matching ^major.
func (r *Registry) findCaretVersion(providerType, version string) (string, error) {
	parts := strings.Split(version, ".")
	if len(parts) < 1 || parts[0] == "" {
		return "", engine.NewPermanentError(fmt.Sprintf("invalid version constraint: ^%s", version), nil).
			WithCode(engine.ErrCodeValidation)
	}

	prefix := providerType + "@" + parts[0] + "."

	var match string
	for key := range r.registrations {
		if strings.HasPrefix(key, prefix) {
			if match == "" || key > match {
				match = key
			}
		}
	}

	if match == "" {
		return "", engine.NewUnknownProviderError(providerType).
			WithDetail("constraint", "^"+version)
	}

	return match, nil
}

// buildProviderKey builds the registry key for a provider.
func buildProviderKey(providerType, version string) string {
	return providerType + "@" + version
}
