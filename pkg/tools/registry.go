package tools

import (
	"context"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/cortexchat/cortex/pkg/llms"
	"github.com/cortexchat/cortex/pkg/registry"
)

// ToolEntry is what the registry stores per tool: the callable plus the
// compiled argument schema used by the dispatcher.
type ToolEntry struct {
	Tool       Tool
	SourceName string
	SourceType string
	Schema     *jsonschema.Schema
}

// ToolRegistry maps tool names to entries. Builtins are registered at
// startup; remote sources are discovered and merged per request.
type ToolRegistry struct {
	*registry.BaseRegistry[ToolEntry]
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		BaseRegistry: registry.NewBaseRegistry[ToolEntry](),
	}
}

// RegisterTool compiles the tool's argument schema and stores the entry.
func (r *ToolRegistry) RegisterTool(sourceName, sourceType string, tool Tool) error {
	if tool == nil {
		return fmt.Errorf("tool cannot be nil")
	}

	info := tool.GetInfo()
	if info.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}

	compiled, err := compileArgSchema(info.Name, info.Schema)
	if err != nil {
		return fmt.Errorf("failed to compile schema for tool '%s': %w", info.Name, err)
	}

	return r.Register(info.Name, ToolEntry{
		Tool:       tool,
		SourceName: sourceName,
		SourceType: sourceType,
		Schema:     compiled,
	})
}

// RegisterSource discovers the source's tools and registers each of them.
func (r *ToolRegistry) RegisterSource(ctx context.Context, source Source) error {
	if source == nil {
		return fmt.Errorf("source cannot be nil")
	}

	if err := source.DiscoverTools(ctx); err != nil {
		return fmt.Errorf("failed to discover tools from source '%s': %w", source.GetName(), err)
	}

	for _, info := range source.ListTools() {
		tool, ok := source.GetTool(info.Name)
		if !ok {
			continue
		}
		if err := r.RegisterTool(source.GetName(), source.GetType(), tool); err != nil {
			return err
		}
	}
	return nil
}

// GetTool returns the registered tool by name.
func (r *ToolRegistry) GetTool(name string) (Tool, error) {
	entry, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("tool '%s' not found", name)
	}
	return entry.Tool, nil
}

// Definitions renders the registry as provider tool descriptors, sorted
// by name so request payloads are stable.
func (r *ToolRegistry) Definitions() []llms.ToolDefinition {
	entries := r.List()
	defs := make([]llms.ToolDefinition, 0, len(entries))
	for _, entry := range entries {
		info := entry.Tool.GetInfo()
		schema := info.Schema
		if schema == nil {
			schema = emptySchema()
		}
		defs = append(defs, llms.ToolDefinition{
			Name:        info.Name,
			Description: info.Description,
			Parameters:  schema,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

func compileArgSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	if schema == nil {
		return nil, nil
	}

	compiler := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := compiler.AddResource(resource, schema); err != nil {
		return nil, err
	}
	return compiler.Compile(resource)
}
