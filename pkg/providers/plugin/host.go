// Package plugin hosts wasm-packaged providers. A plugin is a wasm
// module plus a YAML manifest declaring its actions and capabilities;
// the host instantiates one module instance per machine and bridges
// lifecycle calls over JSON in linear memory.
package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/openrig/openrig/pkg/engine"
	"github.com/openrig/openrig/pkg/providers"
)

// HostConfig configures the wasm host a plugin runs in.
type HostConfig struct {
	// Timeout bounds each wasm call.
	Timeout time.Duration

	// MemoryLimitPages caps module memory in 64KB pages.
	// Default is 256 pages (16MB).
	MemoryLimitPages uint32

	// TempDir is the scratch directory for the fs:temp capability.
	// Defaults to a per-plugin directory under the system temp dir.
	TempDir string

	// SecretsDecryptor decrypts secrets for plugins granted
	// secrets:read. Plugins without it get a host error on use.
	SecretsDecryptor func(encrypted string) (string, error)
}

// Host owns the wazero runtime one plugin's module instances run in.
// Host functions are registered under module "env" and gated by the
// manifest's capability set. Instances are created per machine by the
// factory; Close tears down the runtime and every instance with it.
type Host struct {
	// manifest describes the hosted plugin.
	manifest *Manifest

	// runtime is the wazero runtime.
	runtime wazero.Runtime

	// compiled is the compiled wasm module, instantiated per machine.
	compiled wazero.CompiledModule

	// enforcer gates host functions by granted capability.
	enforcer *CapabilityEnforcer

	// timeout bounds each wasm call.
	timeout time.Duration

	// mu guards seq and closed.
	mu     sync.Mutex
	seq    uint64
	closed bool
}

// NewHost compiles a plugin module into a fresh wazero runtime with the
// capability-gated host functions installed. The manifest checksum is
// verified first when one is declared.
func NewHost(ctx context.Context, manifest *Manifest, module []byte, config *HostConfig) (*Host, error) {
	if manifest == nil {
		return nil, fmt.Errorf("manifest is required")
	}
	if len(module) == 0 {
		return nil, fmt.Errorf("wasm module is empty")
	}

	if config == nil {
		config = &HostConfig{}
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	memoryLimitPages := config.MemoryLimitPages
	if memoryLimitPages == 0 {
		memoryLimitPages = 256
	}
	tempDir := config.TempDir
	if tempDir == "" {
		tempDir = filepath.Join(os.TempDir(), "openrig-plugin-"+manifest.Metadata.Name)
	}

	if manifest.Checksum != "" && !manifest.Verified {
		if err := manifest.VerifyChecksum(module); err != nil {
			return nil, err
		}
	}

	enforcer := NewCapabilityEnforcer(manifest.Capabilities(), tempDir)
	if config.SecretsDecryptor != nil {
		enforcer.SetSecretsDecryptor(config.SecretsDecryptor)
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memoryLimitPages).
		WithCloseOnContextDone(true)

	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	builder := runtime.NewHostModuleBuilder("env")
	registerHostFunctions(builder, enforcer)
	if _, err := builder.Instantiate(ctx); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	compiled, err := runtime.CompileModule(ctx, module)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to compile wasm module: %w", err)
	}

	return &Host{
		manifest: manifest,
		runtime:  runtime,
		compiled: compiled,
		enforcer: enforcer,
		timeout:  timeout,
	}, nil
}

// Manifest returns the manifest of the hosted plugin.
func (h *Host) Manifest() *Manifest {
	return h.manifest
}

// Factory returns the provider factory that instantiates one module
// instance per machine.
func (h *Host) Factory() engine.ProviderFactory {
	return func(m *engine.Machine) (engine.Provider, error) {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()
		return h.instantiate(ctx, m)
	}
}

// instantiate creates a fresh module instance bound to a machine.
func (h *Host) instantiate(ctx context.Context, m *engine.Machine) (*PluginProvider, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, fmt.Errorf("plugin host for %s is closed", h.manifest.Metadata.Name)
	}
	h.seq++
	name := fmt.Sprintf("%s-%d", h.manifest.Metadata.Name, h.seq)
	h.mu.Unlock()

	module, err := h.runtime.InstantiateModule(ctx, h.compiled, wazero.NewModuleConfig().WithName(name))
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate wasm module: %w", err)
	}

	provider, err := newPluginProvider(m, h.manifest, module, h.timeout)
	if err != nil {
		_ = module.Close(ctx)
		return nil, err
	}

	return provider, nil
}

// Close tears down the wazero runtime and every module instance in it,
// then removes the plugin's scratch directory.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	if err := h.runtime.Close(ctx); err != nil {
		return fmt.Errorf("failed to close wasm runtime: %w", err)
	}

	if err := h.enforcer.Cleanup(); err != nil {
		log.Warn().Err(err).Str("plugin", h.manifest.Metadata.Name).Msg("failed to clean up plugin scratch dir")
	}

	return nil
}

var _ engine.Closer = (*Host)(nil)

// RegisterPlugin loads the module into a new Host and registers its
// factory under the manifest's name and version. The registry owns the
// host afterwards and closes it on Unregister or Close.
func RegisterPlugin(ctx context.Context, registry *providers.Registry, manifest *Manifest, module []byte, config *HostConfig) (*Host, error) {
	host, err := NewHost(ctx, manifest, module, config)
	if err != nil {
		return nil, err
	}

	err = registry.RegisterWithCloser(
		manifest.Metadata.Name,
		manifest.Metadata.Version,
		host.Factory(),
		manifest.ProviderMetadata(),
		host,
	)
	if err != nil {
		_ = host.Close(ctx)
		return nil, err
	}

	return host, nil
}

// ScanDirectory walks dir for <plugin>/manifest.yaml entries and
// registers each one. Plugins that fail to load are logged and skipped
// so one broken plugin does not block the rest.
func ScanDirectory(ctx context.Context, registry *providers.Registry, dir string, config *HostConfig) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read plugin directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		manifestPath := filepath.Join(dir, entry.Name(), "manifest.yaml")
		if _, err := os.Stat(manifestPath); err != nil {
			continue
		}

		manifest, module, err := Load(manifestPath)
		if err != nil {
			log.Warn().Err(err).Str("manifest", manifestPath).Msg("skipping unloadable plugin")
			continue
		}

		if _, err := RegisterPlugin(ctx, registry, manifest, module, config); err != nil {
			log.Warn().Err(err).Str("manifest", manifestPath).Msg("failed to register plugin")
		}
	}

	return nil
}

// registerHostFunctions installs the capability-gated host functions a
// plugin may import from module "env".
func registerHostFunctions(builder wazero.HostModuleBuilder, enforcer *CapabilityEnforcer) {
	// net:outbound. Returns the HTTP status code, or a packed error.
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, urlPtr, urlLen, methodPtr, methodLen uint32) uint64 {
			urlBytes, ok := mod.Memory().Read(urlPtr, urlLen)
			if !ok {
				return packError("failed to read URL from module memory")
			}
			methodBytes, ok := mod.Memory().Read(methodPtr, methodLen)
			if !ok {
				return packError("failed to read method from module memory")
			}

			resp, err := enforcer.HTTPRequest(ctx, string(methodBytes), string(urlBytes), nil)
			if err != nil {
				return packError(err.Error())
			}
			defer resp.Body.Close()

			return uint64(resp.StatusCode)
		}).
		Export("http_request")

	// fs:temp. Returns 0 on success, 1 on failure.
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, namePtr, nameLen, dataPtr, dataLen uint32) uint32 {
			nameBytes, ok := mod.Memory().Read(namePtr, nameLen)
			if !ok {
				return 1
			}
			dataBytes, ok := mod.Memory().Read(dataPtr, dataLen)
			if !ok {
				return 1
			}

			if err := enforcer.WriteTempFile(string(nameBytes), dataBytes); err != nil {
				return 1
			}
			return 0
		}).
		Export("write_temp_file")

	// fs:temp. Returns the file content as a packed (ptr, len) pair.
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, namePtr, nameLen uint32) uint64 {
			nameBytes, ok := mod.Memory().Read(namePtr, nameLen)
			if !ok {
				return packError("failed to read name from module memory")
			}

			data, err := enforcer.ReadTempFile(string(nameBytes))
			if err != nil {
				return packError(err.Error())
			}

			return packBytes(ctx, mod, data)
		}).
		Export("read_temp_file")

	// env:read. Returns the variable value as a packed (ptr, len) pair.
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, keyPtr, keyLen uint32) uint64 {
			keyBytes, ok := mod.Memory().Read(keyPtr, keyLen)
			if !ok {
				return packError("failed to read key from module memory")
			}

			value, err := enforcer.ReadEnv(string(keyBytes))
			if err != nil {
				return packError(err.Error())
			}

			return packBytes(ctx, mod, []byte(value))
		}).
		Export("read_env")

	// secrets:read. Returns the plaintext as a packed (ptr, len) pair.
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, encryptedPtr, encryptedLen uint32) uint64 {
			encryptedBytes, ok := mod.Memory().Read(encryptedPtr, encryptedLen)
			if !ok {
				return packError("failed to read secret from module memory")
			}

			decrypted, err := enforcer.DecryptSecret(string(encryptedBytes))
			if err != nil {
				return packError(err.Error())
			}

			return packBytes(ctx, mod, []byte(decrypted))
		}).
		Export("decrypt_secret")
}

// packError packs an error into a uint64 host return value.
// Format: error flag (upper 32 bits = 1) | message length (lower 32).
// Pointer value 1 is reserved as the error sentinel; real allocations
// never land there.
func packError(msg string) uint64 {
	return uint64(1)<<32 | uint64(len(msg))
}

// packBytes copies data into module memory via the module's own malloc
// and packs the (ptr, len) pair into a uint64. Empty data packs to 0.
func packBytes(ctx context.Context, mod api.Module, data []byte) uint64 {
	if len(data) == 0 {
		return 0
	}

	malloc := mod.ExportedFunction("malloc")
	if malloc == nil {
		return packError("module does not export malloc")
	}

	results, err := malloc.Call(ctx, uint64(len(data)))
	if err != nil || len(results) == 0 {
		return packError("malloc failed")
	}

	ptr := uint32(results[0])
	if ptr == 0 {
		return packError("malloc returned null pointer")
	}

	if !mod.Memory().Write(ptr, data) {
		return packError("failed to write result to module memory")
	}

	return uint64(ptr)<<32 | uint64(len(data))
}
