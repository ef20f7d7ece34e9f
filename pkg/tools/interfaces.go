package tools

import (
	"context"
)

// ToolInfo describes a callable tool as advertised to the model.
type ToolInfo struct {
	Name        string
	Description string
	Schema      map[string]any
	Async       bool
}

// Tool is a callable capability. Execute returns the textual result that
// becomes the tool output in the conversation; errors are reported to the
// dispatcher, which folds them into a diagnostic output so the agent can
// self-correct.
type Tool interface {
	GetInfo() ToolInfo
	GetName() string
	GetDescription() string
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Source discovers tools from an external provider (an MCP server or a
// plain HTTP endpoint described in the tool registry table).
type Source interface {
	GetName() string
	GetType() string
	DiscoverTools(ctx context.Context) error
	ListTools() []ToolInfo
	GetTool(name string) (Tool, bool)
}
