package mcp

import (
	"encoding/json"

	"github.com/therese-ai/therese/pkg/llms"
)

// NamespacedDefinitions converts the running servers' tools to the
// provider-agnostic shape the LLM layer consumes.
func (s *Supervisor) NamespacedDefinitions() []llms.ToolDefinition {
	tools := s.NamespacedTools()
	defs := make([]llms.ToolDefinition, 0, len(tools))
	for _, tool := range tools {
		params := map[string]any{"type": "object"}
		if data, err := json.Marshal(tool.InputSchema); err == nil {
			var schema map[string]any
			if json.Unmarshal(data, &schema) == nil && len(schema) > 0 {
				params = schema
			}
		}
		defs = append(defs, llms.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  params,
		})
	}
	return defs
}
