package registry

import "context"

// ToolRegistry provides tool definitions.
type ToolRegistry interface {
	// GetTool returns the ToolDefinition for a tool.
	// Returns nil if the tool is not registered (unregistered tool path).
	GetTool(ctx context.Context, toolName string) (*ToolDefinition, error)
}

// StaticRegistry serves a fixed set of definitions. Used when no database
// is configured and in tests.
type StaticRegistry struct {
	tools map[string]*ToolDefinition
}

// NewStaticRegistry creates a registry from the given definitions.
func NewStaticRegistry(defs ...*ToolDefinition) *StaticRegistry {
	tools := make(map[string]*ToolDefinition, len(defs))
	for _, d := range defs {
		tools[d.ToolName] = d
	}
	return &StaticRegistry{tools: tools}
}

func (r *StaticRegistry) GetTool(_ context.Context, toolName string) (*ToolDefinition, error) {
	return r.tools[toolName], nil
}
