package registry

import "strings"

// Risk tiers a tool definition may declare.
const (
	TierRead        = "read"
	TierWrite       = "write"
	TierDestructive = "destructive"
)

// ToolDefinition describes a tool callable by agents.
// Loaded from the tool_definitions table.
type ToolDefinition struct {
	ID              string
	ToolName        string
	Description     string
	RiskTier        string // "read", "write", "destructive"
	RequiresConfirm bool
	// BaseLevel overrides the name-derived base validation level
	// ("NONE", "ASYNC", "BLOCKING", "STRICT"); empty keeps the heuristic.
	BaseLevel      string
	ArgumentSchema map[string]any // JSON Schema, nil if not set
	// SensitiveParams names parameters whose values must never carry credentials.
	SensitiveParams []string
}

// SchemaPropertyCount returns the number of top-level properties declared
// by the argument schema, or 0 when there is none.
func (td *ToolDefinition) SchemaPropertyCount() int {
	if td == nil || td.ArgumentSchema == nil {
		return 0
	}
	props, _ := td.ArgumentSchema["properties"].(map[string]any)
	return len(props)
}

// IsDestructive reports whether the definition declares a destructive tier.
func (td *ToolDefinition) IsDestructive() bool {
	return td != nil && strings.EqualFold(td.RiskTier, TierDestructive)
}
