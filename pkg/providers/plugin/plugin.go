package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero/api"

	"github.com/openrig/openrig/pkg/engine"
)

// Wasm call convention: every exported lifecycle function takes
// (input_ptr u32, input_len u32) and returns (output_ptr << 32) |
// output_len, with both payloads JSON. The module must export malloc
// and free for buffer exchange.

// stateRequest is the JSON input to the machine_state export.
type stateRequest struct {
	Machine   string          `json:"machine"`
	MachineID string          `json:"machine_id,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`
}

// stateResponse is the JSON output of the machine_state export.
type stateResponse struct {
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// actionRequest is the JSON input to the run_action export.
type actionRequest struct {
	Action    string                 `json:"action"`
	Machine   string                 `json:"machine"`
	MachineID string                 `json:"machine_id,omitempty"`
	RunID     string                 `json:"run_id,omitempty"`
	Config    json.RawMessage        `json:"config,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// actionResponse is the JSON output of the run_action export. When
// IdentifierChanged is set the host persists Identifier as the
// machine's backend id (empty clears it).
type actionResponse struct {
	Output            json.RawMessage `json:"output,omitempty"`
	Error             string          `json:"error,omitempty"`
	ErrorClass        string          `json:"error_class,omitempty"`
	Identifier        string          `json:"identifier,omitempty"`
	IdentifierChanged bool            `json:"identifier_changed,omitempty"`
}

// connectionResponse is the JSON output of the optional connection_info
// export.
type connectionResponse struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	User           string `json:"user"`
	PrivateKeyPath string `json:"private_key_path,omitempty"`
	Password       string `json:"password,omitempty"`
	Error          string `json:"error,omitempty"`
}

// PluginProvider is a provider backed by one wasm module instance. It
// resolves actions from the manifest's declared set and bridges state
// and action calls into the module.
type PluginProvider struct {
	machine  *engine.Machine
	manifest *Manifest
	module   api.Module
	memory   api.Memory

	// malloc and free are the module's buffer exchange exports.
	malloc api.Function
	free   api.Function

	// machineState and runAction are the required lifecycle exports.
	machineState api.Function
	runAction    api.Function

	// connectionInfo is the optional transport upgrade export.
	connectionInfo api.Function

	timeout time.Duration
}

var (
	_ engine.Provider           = (*PluginProvider)(nil)
	_ engine.ConnectionProvider = (*PluginProvider)(nil)
	_ engine.Closer             = (*PluginProvider)(nil)
)

// newPluginProvider wraps an instantiated module and resolves its
// required exports.
func newPluginProvider(machine *engine.Machine, manifest *Manifest, module api.Module, timeout time.Duration) (*PluginProvider, error) {
	p := &PluginProvider{
		machine:  machine,
		manifest: manifest,
		module:   module,
		timeout:  timeout,
	}

	p.memory = module.Memory()
	if p.memory == nil {
		return nil, fmt.Errorf("wasm module does not export memory")
	}

	for _, export := range []struct {
		name string
		fn   *api.Function
	}{
		{"malloc", &p.malloc},
		{"free", &p.free},
		{"machine_state", &p.machineState},
		{"run_action", &p.runAction},
	} {
		*export.fn = module.ExportedFunction(export.name)
		if *export.fn == nil {
			return nil, fmt.Errorf("wasm module does not export %s", export.name)
		}
	}

	// Optional: plugins without it expose no transport.
	p.connectionInfo = module.ExportedFunction("connection_info")

	return p, nil
}

// State asks the module for the machine's current state tag. The tag is
// returned verbatim; the host assigns it no meaning.
func (p *PluginProvider) State(ctx context.Context) (engine.StateTag, error) {
	req := stateRequest{
		Machine:   p.machine.Name(),
		MachineID: p.machine.ID(),
		Config:    p.machine.Config(),
	}

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal state request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	respJSON, err := p.call(ctx, p.machineState, reqJSON)
	if err != nil {
		return "", fmt.Errorf("machine_state failed: %w", err)
	}

	var resp stateResponse
	if err := json.Unmarshal(respJSON, &resp); err != nil {
		return "", fmt.Errorf("failed to unmarshal state response: %w", err)
	}

	if resp.Error != "" {
		return "", fmt.Errorf("machine_state error: %s", resp.Error)
	}
	if resp.State == "" {
		return "", fmt.Errorf("machine_state returned no state")
	}

	return engine.StateTag(resp.State), nil
}

// Action returns the callable for a declared action, or nil when the
// manifest does not declare it.
func (p *PluginProvider) Action(name string) engine.ActionFunc {
	if !p.manifest.DeclaresAction(name) {
		return nil
	}

	return func(ctx context.Context, actx *engine.ActionContext) (json.RawMessage, error) {
		return p.invoke(ctx, name, actx)
	}
}

// invoke runs a declared action inside the module and applies any
// identifier change it reports.
func (p *PluginProvider) invoke(ctx context.Context, name string, actx *engine.ActionContext) (json.RawMessage, error) {
	req := actionRequest{
		Action:    name,
		Machine:   p.machine.Name(),
		MachineID: p.machine.ID(),
		Config:    p.machine.Config(),
	}
	if actx != nil {
		req.RunID = actx.RunID
		req.Metadata = actx.Metadata
	}

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal action request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	respJSON, err := p.call(callCtx, p.runAction, reqJSON)
	if err != nil {
		return nil, fmt.Errorf("run_action failed: %w", err)
	}

	var resp actionResponse
	if err := json.Unmarshal(respJSON, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal action response: %w", err)
	}

	if resp.Error != "" {
		return resp.Output, actionError(&resp, p.machine.Name(), name)
	}

	if resp.IdentifierChanged {
		if err := p.machine.SetID(ctx, resp.Identifier); err != nil {
			return resp.Output, err
		}
	}

	return resp.Output, nil
}

// actionError maps a module-reported failure onto the engine error
// taxonomy. Unknown classes default to permanent.
func actionError(resp *actionResponse, machine, action string) error {
	var engErr *engine.EngineError
	switch engine.ErrorClass(resp.ErrorClass) {
	case engine.ErrorClassTransient:
		engErr = engine.NewTransientError(resp.Error, nil)
	case engine.ErrorClassThrottled:
		engErr = engine.NewThrottledError(resp.Error, nil)
	case engine.ErrorClassConflict:
		engErr = engine.NewConflictError(resp.Error, nil)
	default:
		engErr = engine.NewPermanentError(resp.Error, nil)
	}
	return engErr.WithMachine(machine).WithAction(action)
}

// Metadata reports the manifest identity.
func (p *PluginProvider) Metadata() engine.ProviderMetadata {
	return p.manifest.ProviderMetadata()
}

// ConnectionInfo asks the module how to reach the running machine.
// Returns nil when the module does not export connection_info.
func (p *PluginProvider) ConnectionInfo(ctx context.Context) (*engine.ConnectionInfo, error) {
	if p.connectionInfo == nil {
		return nil, nil
	}

	req := stateRequest{
		Machine:   p.machine.Name(),
		MachineID: p.machine.ID(),
		Config:    p.machine.Config(),
	}
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal connection request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	respJSON, err := p.call(ctx, p.connectionInfo, reqJSON)
	if err != nil {
		return nil, fmt.Errorf("connection_info failed: %w", err)
	}

	var resp connectionResponse
	if err := json.Unmarshal(respJSON, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal connection response: %w", err)
	}

	if resp.Error != "" {
		return nil, fmt.Errorf("connection_info error: %s", resp.Error)
	}
	if resp.Host == "" {
		return nil, nil
	}

	return &engine.ConnectionInfo{
		Host:           resp.Host,
		Port:           resp.Port,
		User:           resp.User,
		PrivateKeyPath: resp.PrivateKeyPath,
		Password:       resp.Password,
	}, nil
}

// Close releases this machine's module instance. The host's runtime
// stays up for other instances.
func (p *PluginProvider) Close(ctx context.Context) error {
	if err := p.module.Close(ctx); err != nil {
		return fmt.Errorf("failed to close wasm module: %w", err)
	}
	return nil
}

// call passes JSON into an exported function and reads the JSON it
// returns. Input buffers are allocated through the module's malloc and
// freed after the call; the output buffer is freed after reading.
func (p *PluginProvider) call(ctx context.Context, fn api.Function, input []byte) ([]byte, error) {
	var inputPtr, inputLen uint32
	if len(input) > 0 {
		ptr, err := p.allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, err
		}
		defer p.deallocate(ctx, ptr)

		if !p.memory.Write(ptr, input) {
			return nil, fmt.Errorf("failed to write input to module memory")
		}
		inputPtr = ptr
		inputLen = uint32(len(input))
	}

	results, err := fn.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, fmt.Errorf("wasm call failed: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("wasm call returned no results")
	}

	packed := results[0]
	outputPtr := uint32(packed >> 32)
	outputLen := uint32(packed & 0xFFFFFFFF)

	if outputLen == 0 {
		return []byte("{}"), nil
	}

	output, ok := p.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("failed to read output from module memory")
	}

	// Copy before freeing; Read returns a view into module memory.
	result := make([]byte, len(output))
	copy(result, output)

	// Output was already copied out; a failed free is not fatal.
	_ = p.deallocate(ctx, outputPtr)

	return result, nil
}

// allocate reserves a buffer in module memory.
func (p *PluginProvider) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := p.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("malloc returned no results")
	}

	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}

	return ptr, nil
}

// deallocate releases a module memory buffer.
func (p *PluginProvider) deallocate(ctx context.Context, ptr uint32) error {
	if _, err := p.free.Call(ctx, uint64(ptr)); err != nil {
		return fmt.Errorf("free failed: %w", err)
	}
	return nil
}
