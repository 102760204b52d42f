package config

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
)

// CUEParser parses and validates CUE machine definition files.
type CUEParser struct {
	ctx               *cue.Context
	schemaRegistry    *SchemaRegistry
	starlarkEvaluator *StarlarkEvaluator
	validator         *validator.Validate
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	return &CUEParser{
		ctx:               cuecontext.New(),
		schemaRegistry:    NewSchemaRegistry(),
		starlarkEvaluator: NewStarlarkEvaluator(30 * time.Second),
		validator:         validator.New(),
	}
}

// Evaluate parses definition sources and fails when any source recorded a
// validation error. Callers that want the full error report use Parse.
func (cp *CUEParser) Evaluate(ctx context.Context, sources []string) (*ParsedConfig, error) {
	parsedConfig, err := cp.Parse(ctx, sources)
	if err != nil {
		return nil, err
	}

	if parsedConfig.HasErrors() {
		return parsedConfig, fmt.Errorf("configuration has %d validation errors, first: %s",
			len(parsedConfig.Errors), parsedConfig.Errors[0].Error())
	}

	return parsedConfig, nil
}

// Parse parses CUE machine definitions from the given sources. A source is
// a .cue file or a directory of .cue files; each file is parsed on its own
// and the fragments are merged, so a machine name defined twice across
// files is reported instead of silently unified.
//
// Malformed content is reported through ParsedConfig.Errors; the returned
// error covers I/O problems only.
func (cp *CUEParser) Parse(ctx context.Context, sources []string) (*ParsedConfig, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var fragments []*ParsedConfig
	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		if info.IsDir() {
			files, err := cp.collectDefinitionFiles(source)
			if err != nil {
				return nil, err
			}
			if len(files) == 0 {
				fragments = append(fragments, &ParsedConfig{
					ParsedAt: time.Now(),
					Errors: []ValidationError{{
						File:     source,
						Message:  "no CUE files found",
						Severity: "error",
					}},
				})
				continue
			}
			for _, file := range files {
				fragment, err := cp.parseFile(file)
				if err != nil {
					return nil, err
				}
				fragments = append(fragments, fragment)
			}
		} else {
			fragment, err := cp.parseFile(source)
			if err != nil {
				return nil, err
			}
			fragments = append(fragments, fragment)
		}
	}

	merged := cp.mergeFragments(fragments)
	cp.finalize(merged)
	return merged, nil
}

// ParseFile parses a single CUE definition file.
func (cp *CUEParser) ParseFile(ctx context.Context, path string) (*ParsedConfig, error) {
	parsedConfig, err := cp.parseFile(path)
	if err != nil {
		return nil, err
	}
	cp.finalize(parsedConfig)
	return parsedConfig, nil
}

// ParseInline parses inline CUE content.
func (cp *CUEParser) ParseInline(ctx context.Context, content string) (*ParsedConfig, error) {
	val := cp.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		return &ParsedConfig{
			SourceFiles: []string{"inline"},
			ParsedAt:    time.Now(),
			Errors:      cp.convertCUEErrors(err),
		}, nil
	}

	parsedConfig := cp.extractConfig(val, "inline")
	cp.finalize(parsedConfig)
	return parsedConfig, nil
}

// MergeConfigs merges parsed fragments into one configuration. Machine
// names defined in more than one fragment, and repeated workspace blocks,
// are recorded as validation errors on the merged result.
func (cp *CUEParser) MergeConfigs(ctx context.Context, configs []*ParsedConfig) (*ParsedConfig, error) {
	if len(configs) == 0 {
		return nil, fmt.Errorf("no configs to merge")
	}
	if len(configs) == 1 {
		return configs[0], nil
	}

	merged := cp.mergeFragments(configs)
	cp.finalize(merged)
	return merged, nil
}

// Validate checks a parsed configuration against the built-in CUE schemas.
func (cp *CUEParser) Validate(ctx context.Context, parsedConfig *ParsedConfig) error {
	if parsedConfig.HasErrors() {
		return fmt.Errorf("configuration has %d validation errors, first: %s",
			len(parsedConfig.Errors), parsedConfig.Errors[0].Error())
	}

	if parsedConfig.Workspace != nil {
		if err := cp.schemaRegistry.ValidateWorkspace(ctx, *parsedConfig.Workspace); err != nil {
			return fmt.Errorf("workspace validation failed: %w", err)
		}
	}

	for i := range parsedConfig.Machines {
		def := &parsedConfig.Machines[i]
		if err := cp.schemaRegistry.ValidateMachine(ctx, *def); err != nil {
			return fmt.Errorf("machine %s validation failed: %w", def.Name, err)
		}
	}

	return nil
}

// EvaluateStarlark executes a Starlark script for procedural definition
// values.
func (cp *CUEParser) EvaluateStarlark(ctx context.Context, script string, input map[string]interface{}) (map[string]interface{}, error) {
	result, err := cp.starlarkEvaluator.Evaluate(ctx, script, input)
	if err != nil {
		return nil, err
	}

	if result.Error != "" {
		return nil, fmt.Errorf("starlark error: %s", result.Error)
	}

	return result.Output, nil
}

// GetSchemaRegistry returns the schema registry.
func (cp *CUEParser) GetSchemaRegistry() *SchemaRegistry {
	return cp.schemaRegistry
}

// collectDefinitionFiles lists the .cue files under dir, sorted for a
// deterministic merge order.
func (cp *CUEParser) collectDefinitionFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".cue") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory %s: %w", dir, err)
	}

	sort.Strings(files)
	return files, nil
}

// parseFile parses one definition file into a fragment.
func (cp *CUEParser) parseFile(path string) (*ParsedConfig, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}

	val := cp.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return &ParsedConfig{
			SourceFiles: []string{path},
			ParsedAt:    time.Now(),
			Errors:      cp.convertCUEErrors(err),
		}, nil
	}

	return cp.extractConfig(val, path), nil
}

// extractConfig extracts the workspace and machine definitions from a
// compiled CUE value.
func (cp *CUEParser) extractConfig(val cue.Value, file string) *ParsedConfig {
	parsedConfig := &ParsedConfig{
		SourceFiles: []string{file},
		ParsedAt:    time.Now(),
	}

	workspaceVal := val.LookupPath(cue.ParsePath("workspace"))
	if workspaceVal.Exists() {
		var workspace WorkspaceConfig
		if err := workspaceVal.Decode(&workspace); err != nil {
			parsedConfig.Errors = append(parsedConfig.Errors, ValidationError{
				File:     file,
				Path:     "workspace",
				Message:  fmt.Sprintf("failed to decode workspace: %v", err),
				Severity: "error",
			})
		} else if err := cp.validator.Struct(workspace); err != nil {
			parsedConfig.Errors = append(parsedConfig.Errors, ValidationError{
				File:     file,
				Path:     "workspace",
				Message:  fmt.Sprintf("validation failed: %v", err),
				Severity: "error",
			})
		} else {
			parsedConfig.Workspace = &workspace
		}
	}

	machinesVal := val.LookupPath(cue.ParsePath("machines"))
	if !machinesVal.Exists() {
		return parsedConfig
	}

	// Machines can be declared as a map keyed by name or as a list of
	// definitions carrying their own name.
	switch machinesVal.Kind() {
	case cue.StructKind:
		iter, err := machinesVal.Fields(cue.All())
		if err != nil {
			parsedConfig.Errors = append(parsedConfig.Errors, ValidationError{
				File:     file,
				Path:     "machines",
				Message:  fmt.Sprintf("failed to iterate machines: %v", err),
				Severity: "error",
			})
			return parsedConfig
		}
		for iter.Next() {
			key := selectorName(iter.Selector())
			cp.extractMachine(key, fmt.Sprintf("machines.%s", key), iter.Value(), file, parsedConfig)
		}
	case cue.ListKind:
		list, err := machinesVal.List()
		if err != nil {
			parsedConfig.Errors = append(parsedConfig.Errors, ValidationError{
				File:     file,
				Path:     "machines",
				Message:  fmt.Sprintf("failed to list machines: %v", err),
				Severity: "error",
			})
			return parsedConfig
		}
		idx := 0
		for list.Next() {
			cp.extractMachine("", fmt.Sprintf("machines[%d]", idx), list.Value(), file, parsedConfig)
			idx++
		}
	default:
		parsedConfig.Errors = append(parsedConfig.Errors, ValidationError{
			File:     file,
			Path:     "machines",
			Message:  fmt.Sprintf("machines must be a struct or a list, got %s", machinesVal.Kind()),
			Severity: "error",
		})
	}

	return parsedConfig
}

// extractMachine decodes one machine definition. When the definition comes
// from a map entry, the key names the machine; a name field disagreeing
// with its key is an error rather than a silent override.
func (cp *CUEParser) extractMachine(key, path string, val cue.Value, file string, parsedConfig *ParsedConfig) {
	var def MachineDefinition
	if err := val.Decode(&def); err != nil {
		parsedConfig.Errors = append(parsedConfig.Errors, ValidationError{
			File:     file,
			Path:     path,
			Message:  fmt.Sprintf("failed to decode machine: %v", err),
			Severity: "error",
		})
		return
	}

	if def.Name == "" {
		def.Name = key
	} else if key != "" && def.Name != key {
		parsedConfig.Errors = append(parsedConfig.Errors, ValidationError{
			File:     file,
			Path:     path,
			Message:  fmt.Sprintf("machine key %q conflicts with name %q", key, def.Name),
			Severity: "error",
		})
		return
	}
	def.SourceFile = file

	if err := cp.validator.Struct(def); err != nil {
		parsedConfig.Errors = append(parsedConfig.Errors, ValidationError{
			File:     file,
			Path:     path,
			Message:  fmt.Sprintf("validation failed: %v", err),
			Severity: "error",
		})
		return
	}

	parsedConfig.Machines = append(parsedConfig.Machines, def)
}

// mergeFragments combines per-file fragments into one configuration,
// recording duplicate machine names and repeated workspace blocks as
// validation errors.
func (cp *CUEParser) mergeFragments(fragments []*ParsedConfig) *ParsedConfig {
	merged := &ParsedConfig{ParsedAt: time.Now()}

	machineSource := make(map[string]string)
	workspaceSource := ""

	for _, fragment := range fragments {
		merged.SourceFiles = append(merged.SourceFiles, fragment.SourceFiles...)
		merged.Errors = append(merged.Errors, fragment.Errors...)

		if fragment.Workspace != nil {
			file := fragmentFile(fragment)
			if merged.Workspace != nil {
				merged.Errors = append(merged.Errors, ValidationError{
					File:     file,
					Path:     "workspace",
					Message:  fmt.Sprintf("workspace already defined in %s", workspaceSource),
					Severity: "error",
				})
			} else {
				merged.Workspace = fragment.Workspace
				workspaceSource = file
			}
		}

		for _, def := range fragment.Machines {
			if firstFile, exists := machineSource[def.Name]; exists {
				merged.Errors = append(merged.Errors, ValidationError{
					File:     def.SourceFile,
					Path:     fmt.Sprintf("machines.%s", def.Name),
					Message:  fmt.Sprintf("machine %q already defined in %s", def.Name, firstFile),
					Severity: "error",
				})
				continue
			}
			machineSource[def.Name] = def.SourceFile
			merged.Machines = append(merged.Machines, def)
		}
	}

	return merged
}

// finalize applies workspace defaults and cross-definition checks that
// only make sense on the merged configuration.
func (cp *CUEParser) finalize(parsedConfig *ParsedConfig) {
	defaultProvider := ""
	if parsedConfig.Workspace != nil {
		defaultProvider = parsedConfig.Workspace.DefaultProvider
	}

	for i := range parsedConfig.Machines {
		def := &parsedConfig.Machines[i]
		if def.Provider.Type != "" {
			continue
		}
		if defaultProvider != "" {
			def.Provider.Type = defaultProvider
			continue
		}
		parsedConfig.Errors = append(parsedConfig.Errors, ValidationError{
			File:     def.SourceFile,
			Path:     fmt.Sprintf("machines.%s.provider", def.Name),
			Message:  fmt.Sprintf("machine %q declares no provider type and the workspace has no default_provider", def.Name),
			Severity: "error",
		})
	}
}

// convertCUEErrors converts CUE errors to positioned validation errors.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	errs := errors.Errors(err)
	for _, e := range errs {
		pos := errors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}

// selectorName returns the field name for a struct selector, unquoting
// string labels ("web-1") that String() would return quoted.
func selectorName(sel cue.Selector) string {
	if sel.LabelType() == cue.StringLabel {
		return sel.Unquoted()
	}
	return sel.String()
}

// fragmentFile names the file a single-source fragment came from.
func fragmentFile(fragment *ParsedConfig) string {
	if len(fragment.SourceFiles) > 0 {
		return fragment.SourceFiles[0]
	}
	return ""
}
